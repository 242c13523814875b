package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
)

type benchmarkOptions struct {
	labelColumn string
	runs        int
	concurrency int
}

// Confusion tracks account-level detection results against labels. An
// account is positive when it took part in at least one labelled transfer
// and predicted positive when the report lists it as suspicious.
type Confusion struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// Precision of the suspicious list.
func (c Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// Recall over labelled accounts.
func (c Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func newBenchmarkCmd(root *rootOptions) *cobra.Command {
	opts := &benchmarkOptions{}

	cmd := &cobra.Command{
		Use:   "benchmark <labelled-ledger.csv>",
		Short: "Score detection against a labelled ledger and time repeated runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if opts.concurrency < 1 {
				opts.concurrency = 1
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			transfers, labelled, err := readLabelled(f, opts.labelColumn)
			if err != nil {
				return err
			}

			p, err := newLocalPipeline(root.cfg)
			if err != nil {
				return err
			}

			// Every run analyses the same ledger; runs share nothing but the
			// immutable transfer slice.
			durations := make([]time.Duration, opts.runs)
			var first *domain.Report
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(opts.concurrency)
			for i := 0; i < opts.runs; i++ {
				i := i
				g.Go(func() error {
					start := time.Now()
					snap, err := p.Run(ctx, fmt.Sprintf("bench-%d", i), "", transfers)
					if err != nil {
						return err
					}
					durations[i] = time.Since(start)
					if i == 0 {
						first = snap.Report
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			conf := Evaluate(first, labelled)
			printBenchmark(cmd.OutOrStdout(), first, conf, durations, len(transfers))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.labelColumn, "label-column", "is_laundering", "CSV column marking laundering transfers (1/true/yes)")
	cmd.Flags().IntVar(&opts.runs, "runs", 1, "number of analyses to time")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "analyses running at once")
	return cmd
}

// readLabelled reads a ledger and returns the set of accounts touched by
// a labelled transfer.
func readLabelled(r io.Reader, column string) ([]domain.Transfer, map[string]bool, error) {
	var transfers []domain.Transfer
	labelled := make(map[string]bool)
	err := ledger.ReadCSV(r, func(t domain.Transfer, extra map[string]string) error {
		transfers = append(transfers, t)
		switch strings.ToLower(extra[column]) {
		case "1", "true", "yes":
			labelled[t.SenderID] = true
			labelled[t.ReceiverID] = true
		}
		return nil
	}, column)
	if err != nil {
		return nil, nil, err
	}
	return transfers, labelled, nil
}

// Evaluate compares the report's suspicious accounts with the labels.
func Evaluate(rep *domain.Report, labelled map[string]bool) Confusion {
	flagged := make(map[string]bool, len(rep.SuspiciousAccounts))
	for _, a := range rep.SuspiciousAccounts {
		flagged[a.AccountID] = true
	}

	var c Confusion
	for _, n := range rep.Nodes {
		switch predicted, actual := flagged[n.ID], labelled[n.ID]; {
		case predicted && actual:
			c.TruePositives++
		case predicted && !actual:
			c.FalsePositives++
		case !predicted && actual:
			c.FalseNegatives++
		default:
			c.TrueNegatives++
		}
	}
	return c
}

func printBenchmark(w io.Writer, rep *domain.Report, c Confusion, durations []time.Duration, transfers int) {
	fmt.Fprintln(w, "BENCHMARK RESULTS")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Transfers:         %d\n", transfers)
	fmt.Fprintf(w, "  Accounts:          %d\n", rep.Summary.TotalAccountsAnalyzed)
	fmt.Fprintf(w, "  Rings:             %d\n", rep.Summary.FraudRingsDetected)
	fmt.Fprintf(w, "  Cycle search:      %s\n", rep.CycleSearch.Status)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  CONFUSION MATRIX (accounts)")
	fmt.Fprintln(w, "                 flagged   clean")
	fmt.Fprintf(w, "    laundering  %8d %8d\n", c.TruePositives, c.FalseNegatives)
	fmt.Fprintf(w, "    legitimate  %8d %8d\n", c.FalsePositives, c.TrueNegatives)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Precision:  %.4f\n", c.Precision())
	fmt.Fprintf(w, "  Recall:     %.4f\n", c.Recall())
	fmt.Fprintf(w, "  F1-Score:   %.4f\n", c.F1())

	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Runs:       %d\n", len(sorted))
	fmt.Fprintf(w, "  Min:        %v\n", sorted[0].Round(time.Microsecond))
	fmt.Fprintf(w, "  Median:     %v\n", sorted[len(sorted)/2].Round(time.Microsecond))
	fmt.Fprintf(w, "  Max:        %v\n", sorted[len(sorted)-1].Round(time.Microsecond))
	fmt.Fprintf(w, "  Mean:       %v\n", (total / time.Duration(len(sorted))).Round(time.Microsecond))
}
