package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/karasz/auditledger"
)

func newVerifyCmd(o *rootOptions) *cobra.Command {
	var (
		chain    string
		from, to int64
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay chains and check every link",
		Long: `verify recomputes every hash of a chain, or of all chains when --chain is
not given, and checks receipts when a signing secret is configured.
It exits non-zero on the first broken entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app) error {
				v := auditledger.NewChainVerifier(a.store, a.signer, a.metrics)
				var (
					results []auditledger.VerificationResult
					verr    error
				)
				if chain == "" {
					if from != 0 || to != 0 {
						return fmt.Errorf("--from and --to need --chain")
					}
					results, verr = v.VerifyAll(ctx)
				} else {
					var res auditledger.VerificationResult
					res, verr = v.Verify(ctx, chain, auditledger.Range{FromID: from, ToID: to})
					results = []auditledger.VerificationResult{res}
				}
				if err := o.print(cmd.OutOrStdout(), results, func(w io.Writer) error {
					return writeResults(w, results)
				}); err != nil {
					return err
				}
				return verr
			})
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "", "Verify only this chain")
	cmd.Flags().Int64Var(&from, "from", 0, "First entry id of a partial verification")
	cmd.Flags().Int64Var(&to, "to", 0, "Last entry id of a partial verification")
	return cmd
}

func writeResults(w io.Writer, results []auditledger.VerificationResult) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "no chains")
		return err
	}
	for _, r := range results {
		scope := "chain"
		if r.Partial {
			scope = "partial chain"
		}
		var err error
		if r.Valid {
			_, err = fmt.Fprintf(w, "%s %s: valid, %d entries, head #%d %s\n", scope, r.ChainID, r.Checked, r.LastID, r.LastHash)
		} else {
			_, err = fmt.Fprintf(w, "%s %s: BROKEN at #%d (%s) after %d entries\n", scope, r.ChainID, r.FirstBrokenID, r.Reason, r.Checked)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func newScanCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Look for anomalies in the ledger",
	}

	scanRun := func(cmd *cobra.Command, run func(context.Context, *auditledger.Scanner) ([]auditledger.LogEntry, error)) error {
		return o.withApp(cmd, func(ctx context.Context, a *app) error {
			hits, err := run(ctx, auditledger.NewScanner(a.store))
			if err != nil {
				return err
			}
			return o.print(cmd.OutOrStdout(), hits, func(w io.Writer) error {
				if len(hits) == 0 {
					_, err := fmt.Fprintln(w, "no findings")
					return err
				}
				return writeEntries(w, hits)
			})
		})
	}

	var (
		chain     string
		threshold string
		sevLimit  int
	)
	severityCmd := &cobra.Command{
		Use:   "severity",
		Short: "Entries at or above a severity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sev, err := auditledger.ParseSeverity(threshold)
			if err != nil {
				return err
			}
			return scanRun(cmd, func(ctx context.Context, s *auditledger.Scanner) ([]auditledger.LogEntry, error) {
				return s.WithLimit(sevLimit).ScanSeverity(ctx, chain, sev)
			})
		},
	}
	severityCmd.Flags().StringVar(&chain, "chain", "", "Only this chain")
	severityCmd.Flags().StringVar(&threshold, "threshold", string(auditledger.SeverityError), "Lowest severity reported")
	severityCmd.Flags().IntVar(&sevLimit, "limit", auditledger.DefaultScanLimit, "Report at most this many entries")

	var (
		actor      string
		window     int
		burstCount int
	)
	burstCmd := &cobra.Command{
		Use:   "burst",
		Short: "Critical entries of an actor when they exceed a count in its recent window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return scanRun(cmd, func(ctx context.Context, s *auditledger.Scanner) ([]auditledger.LogEntry, error) {
				return s.ScanBurst(ctx, actor, window, burstCount)
			})
		},
	}
	burstCmd.Flags().StringVar(&actor, "actor", "", "Actor to inspect")
	burstCmd.Flags().IntVar(&window, "window", 100, "Most recent entries of the actor considered")
	burstCmd.Flags().IntVar(&burstCount, "threshold", 5, "Critical entries tolerated in the window")
	_ = burstCmd.MarkFlagRequired("actor")

	var limit int
	patternCmd := &cobra.Command{
		Use:   "pattern <text>",
		Short: "Entries whose payload contains text, ignoring case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scanRun(cmd, func(ctx context.Context, s *auditledger.Scanner) ([]auditledger.LogEntry, error) {
				return s.ScanPattern(ctx, args[0], limit)
			})
		},
	}
	patternCmd.Flags().IntVar(&limit, "limit", auditledger.DefaultScanLimit, "Stop after this many matches")

	cmd.AddCommand(severityCmd, burstCmd, patternCmd)
	return cmd
}
