package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type analyzeOptions struct {
	format      string
	out         string
	tenant      string
	maxCycles   int
	cycleBudget time.Duration
	top         int
}

func newAnalyzeCmd(root *rootOptions) *cobra.Command {
	opts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze <ledger.csv|ledger.json|->",
		Short: "Analyse a ledger locally and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if opts.maxCycles > 0 {
				cfg.Detection.MaxCycles = opts.maxCycles
			}
			if opts.cycleBudget > 0 {
				cfg.Detection.CycleTimeBudget = opts.cycleBudget
			}

			transfers, err := readLedger(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			p, err := newLocalPipeline(cfg)
			if err != nil {
				return err
			}
			snap, err := p.Run(cmd.Context(), opts.tenant, "", transfers)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.out != "" {
				f, err := os.Create(opts.out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			switch strings.ToLower(opts.format) {
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(snap.Report)
			case "summary":
				return writeSummary(w, snap.Report, opts.top)
			default:
				return fmt.Errorf("unknown format %q", opts.format)
			}
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", "summary", "output format: summary or json")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write output to a file instead of stdout")
	cmd.Flags().StringVar(&opts.tenant, "tenant", domain.DefaultTenantID, "tenant the analysis is recorded under")
	cmd.Flags().IntVar(&opts.maxCycles, "max-cycles", 0, "override detection.maxCycles")
	cmd.Flags().DurationVar(&opts.cycleBudget, "cycle-budget", 0, "override detection.cycleTimeBudget")
	cmd.Flags().IntVar(&opts.top, "top", 10, "suspicious accounts to list in the summary")
	return cmd
}

// newLocalPipeline wires a pipeline without cache or bus, with the
// configured account rules preloaded.
func newLocalPipeline(cfg *domain.Config) (*pipeline.Pipeline, error) {
	engine, err := rules.NewEngine(cfg.Rules.MaxWorkers)
	if err != nil {
		return nil, err
	}
	if err := engine.LoadRules(cfg.Rules.Preloaded); err != nil {
		return nil, err
	}
	return pipeline.New(cfg, pipeline.NewStore(), pipeline.WithRules(engine)), nil
}

func writeSummary(w io.Writer, rep *domain.Report, top int) error {
	s := rep.Summary
	fmt.Fprintf(w, "Analysis:    %s\n", rep.AnalysisID)
	fmt.Fprintf(w, "Accounts:    %d\n", s.TotalAccountsAnalyzed)
	fmt.Fprintf(w, "Suspicious:  %d\n", s.SuspiciousAccountsFlagged)
	fmt.Fprintf(w, "Rings:       %d\n", s.FraudRingsDetected)
	fmt.Fprintf(w, "Cycle search: %s (%d cycles)\n", rep.CycleSearch.Status, rep.CycleSearch.CyclesFound)
	if rep.CycleSearch.Reason != "" {
		fmt.Fprintf(w, "  %s\n", rep.CycleSearch.Reason)
	}
	fmt.Fprintf(w, "Elapsed:     %.3fs\n", s.ProcessingTimeSeconds)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if len(rep.FraudRings) > 0 {
		fmt.Fprintln(tw, "\nRING\tPATTERN\tRISK\tMEMBERS")
		for _, r := range rep.FraudRings {
			fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\n", r.RingID, r.PatternType, r.RiskScore, strings.Join(r.MemberAccounts, " "))
		}
	}

	if len(rep.SuspiciousAccounts) > 0 {
		fmt.Fprintln(tw, "\nACCOUNT\tSCORE\tRING\tPATTERNS")
		for i, a := range rep.SuspiciousAccounts {
			if top > 0 && i >= top {
				fmt.Fprintf(tw, "... %d more\t\t\t\n", len(rep.SuspiciousAccounts)-top)
				break
			}
			fmt.Fprintf(tw, "%s\t%.0f\t%s\t%s\n", a.AccountID, a.SuspicionScore, a.RingID, strings.Join(a.DetectedPatterns, ","))
		}
	}
	return tw.Flush()
}
