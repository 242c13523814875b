package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/logging"
)

// rootOptions carries state shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg       *domain.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "kestrelctl",
		Short:         "Detect money-laundering rings in transfer ledgers",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			// Command output owns stdout; logs go to stderr unless a file is set.
			logger, closer, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			opts.cfg = cfg
			opts.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("KESTREL_CONFIG"), "config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newAnalyzeCmd(opts),
		newBenchmarkCmd(opts),
		newSubmitCmd(opts),
	)
	return root
}

func newLogger(cfg domain.LoggingConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	if cfg.File != "" {
		return logging.New(cfg)
	}
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(logging.NewHandler(stderr, cfg.Format, level)), io.NopCloser(nil), nil
}

// readLedger decodes a CSV ledger, or a JSON {"transactions": [...]}
// document when the file ends in .json. "-" reads CSV from stdin.
func readLedger(path string, stdin io.Reader) ([]domain.Transfer, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var req domain.TransferRequest
		if err := ledger.JSON.NewDecoder(r).Decode(&req); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		return ledger.FromRaw(req.Transactions)
	}
	return ledger.ParseCSV(r)
}
