package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/facebookgo/atomicfile"
	"github.com/spf13/cobra"

	"github.com/karasz/auditledger"
)

func newSnapshotCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snap"},
		Short:   "Manage signed forensic snapshots",
	}
	cmd.AddCommand(
		newSnapshotCreateCmd(o),
		newSnapshotListCmd(o),
		newSnapshotGetCmd(o),
		newSnapshotDownloadCmd(o),
		newSnapshotDeleteCmd(o),
		newSnapshotVerifyCmd(o),
	)
	return cmd
}

// withArchiver is withApp for commands that need an Archiver.
func (o *rootOptions) withArchiver(cmd *cobra.Command, fn func(ctx context.Context, a *app, ar *auditledger.Archiver) error) error {
	return o.withApp(cmd, func(ctx context.Context, a *app) error {
		ar, err := a.archiver()
		if err != nil {
			return err
		}
		return fn(ctx, a, ar)
	})
}

func writeSnapshot(w io.Writer, s auditledger.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", s.ID)
	fmt.Fprintf(tw, "type\t%s\n", s.Type)
	fmt.Fprintf(tw, "status\t%s\n", s.Status)
	fmt.Fprintf(tw, "created\t%s by %s (%s)\n", s.CreatedAt.Format(time.RFC3339), s.CreatedBy, humanize.Time(s.CreatedAt))
	fmt.Fprintf(tw, "components\t%s\n", strings.Join(s.Components, ", "))
	if s.Description != "" {
		fmt.Fprintf(tw, "description\t%s\n", s.Description)
	}
	if s.Checksum != "" {
		fmt.Fprintf(tw, "size\t%s\n", humanize.Bytes(uint64(s.SizeBytes)))
		fmt.Fprintf(tw, "sha256\t%s\n", s.Checksum)
		fmt.Fprintf(tw, "signed\t%s\n", s.SignedAt.Format(time.RFC3339))
	}
	if reason, ok := s.Metadata["failure_reason"]; ok {
		fmt.Fprintf(tw, "failure\t%v\n", reason)
	}
	for _, c := range s.ChainOfCustody {
		fmt.Fprintf(tw, "custody\t%s %s by %s\n", c.Timestamp.Format(time.RFC3339), c.Action, c.Actor)
	}
	return tw.Flush()
}

func newSnapshotCreateCmd(o *rootOptions) *cobra.Command {
	var (
		actor       string
		kind        string
		req         auditledger.SnapshotRequest
		since, till string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Collect and sign a new snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = auditledger.SnapshotType(kind)
			var err error
			if req.Since, err = parseTime(since); err != nil {
				return err
			}
			if req.Until, err = parseTime(till); err != nil {
				return err
			}
			return o.withArchiver(cmd, func(ctx context.Context, _ *app, ar *auditledger.Archiver) error {
				snap, err := ar.Create(ctx, actor, req)
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), snap, func(w io.Writer) error {
					return writeSnapshot(w, snap)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&actor, "actor", defaultActor(), "Who requests the snapshot")
	f.StringVar(&kind, "type", string(auditledger.SnapshotOnDemand), "periodic, on-demand or forensic")
	f.StringVar(&req.Description, "description", "", "Why the snapshot is taken")
	f.StringSliceVar(&req.Components, "component", []string{auditledger.ComponentLedger, auditledger.ComponentSystemState},
		"Components to collect: ledger, system_state, store_dump, files")
	f.StringVar(&req.ChainID, "chain", "", "Only this chain in the ledger slice")
	f.IntVar(&req.MaxEntries, "max-entries", 0, "Ledger slice bound (defaults to snapshots.max_entries)")
	f.StringVar(&since, "since", "", "Ledger slice lower time bound")
	f.StringVar(&till, "until", "", "Ledger slice upper time bound")
	f.StringSliceVar(&req.Tables, "table", nil, "Tables to dump (default all)")
	f.StringSliceVar(&req.FilePaths, "file", nil, "Files to copy into the archive")
	return cmd
}

func newSnapshotListCmd(o *rootOptions) *cobra.Command {
	var (
		kind, status string
		since        string
		f            auditledger.SnapshotFilter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots newest-first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Type = auditledger.SnapshotType(kind)
			f.Status = auditledger.SnapshotStatus(status)
			var err error
			if f.Since, err = parseTime(since); err != nil {
				return err
			}
			return o.withArchiver(cmd, func(ctx context.Context, _ *app, ar *auditledger.Archiver) error {
				snaps, err := ar.List(ctx, f)
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), snaps, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tBY\tSIZE")
					for _, s := range snaps {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Type, s.Status,
							humanize.Time(s.CreatedAt), s.CreatedBy, humanize.Bytes(uint64(s.SizeBytes)))
					}
					return tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "type", "", "Only this type")
	cmd.Flags().StringVar(&status, "status", "", "Only this status")
	cmd.Flags().StringVar(&since, "since", "", "Only snapshots created after this time")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "Skip this many snapshots")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "Page size")
	return cmd
}

func newSnapshotGetCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one snapshot with its chain of custody",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withArchiver(cmd, func(ctx context.Context, _ *app, ar *auditledger.Archiver) error {
				snap, err := ar.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), snap, func(w io.Writer) error {
					return writeSnapshot(w, snap)
				})
			})
		},
	}
}

func newSnapshotDownloadCmd(o *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Copy a completed snapshot archive out of the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withArchiver(cmd, func(ctx context.Context, _ *app, ar *auditledger.Archiver) error {
				rc, snap, err := ar.Open(ctx, args[0])
				if err != nil {
					return err
				}
				defer rc.Close()

				path := out
				if path == "" {
					path = snap.ID + ".tar.gz"
				}
				if dir := filepath.Dir(path); dir != "." {
					if err := os.MkdirAll(dir, 0700); err != nil {
						return err
					}
				}
				f, err := atomicfile.New(path, 0600)
				if err != nil {
					return err
				}
				n, err := io.Copy(f, rc)
				if err != nil {
					f.Abort()
					return fmt.Errorf("copy archive: %w", err)
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, sha256 %s)\n", path, humanize.Bytes(uint64(n)), snap.Checksum)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Destination file (default <id>.tar.gz)")
	return cmd
}

func newSnapshotDeleteCmd(o *rootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a snapshot archive, keeping its catalog record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withArchiver(cmd, func(ctx context.Context, _ *app, ar *auditledger.Archiver) error {
				snap, err := ar.Delete(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), snap, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "deleted %s\n", snap.ID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "Who deletes the snapshot")
	return cmd
}

func newSnapshotVerifyCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Re-check a stored archive's checksum, signature and ledger slice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withArchiver(cmd, func(ctx context.Context, _ *app, ar *auditledger.Archiver) error {
				rep, verr := ar.VerifyArchive(ctx, args[0])
				if err := o.print(cmd.OutOrStdout(), rep, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "snapshot %s: checksum %t, signature %t, ledger %t (%d entries)\n",
						rep.SnapshotID, rep.ChecksumValid, rep.SignatureOK, rep.LedgerValid, rep.Entries)
					return err
				}); err != nil {
					return err
				}
				return verr
			})
		},
	}
}

func newSweepCmd(o *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete completed snapshots past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = o.cfg.Retention.Days
			}
			return o.withArchiver(cmd, func(ctx context.Context, a *app, ar *auditledger.Archiver) error {
				n, err := auditledger.NewRetentionManager(ar, a.metrics).Sweep(ctx, days)
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d snapshots older than %d days\n", n, days)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (defaults to retention.days)")
	return cmd
}

func newRotateCmd(o *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the raw JSONL log when the rotation policy says so",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(_ context.Context, a *app) error {
				if a.fileSink == nil {
					return fmt.Errorf("no file sink configured")
				}
				name := filepath.Base(a.fileSink.Path)
				rotate := a.rotator.Rotate
				if force {
					rotate = a.rotator.Force
				}
				dst, err := rotate(name)
				if err != nil {
					return err
				}
				if dst == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to rotate")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rotated to %s\n", dst)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Rotate regardless of size and age")
	return cmd
}
