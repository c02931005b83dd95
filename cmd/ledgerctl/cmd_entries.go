package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/karasz/auditledger"
)

func newAppendCmd(o *rootOptions) *cobra.Command {
	var (
		req      auditledger.AppendRequest
		severity string
		payload  string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one entry to a chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Severity = auditledger.Severity(severity)
			if payload != "" {
				dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
				dec.UseNumber()
				if err := dec.Decode(&req.Payload); err != nil {
					return fmt.Errorf("--payload must be a JSON object: %w", err)
				}
			}
			return o.withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := a.ledger.Append(ctx, req)
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), e, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "appended #%d to %s\nhash_self %s\n", e.ID, e.ChainID, e.HashSelf)
					return err
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ChainID, "chain", "", "Chain to append to (defaults to ledger.default_chain)")
	f.StringVar(&req.Category, "category", "", "Event category")
	f.StringVar(&req.Actor, "actor", defaultActor(), "Who performed the action")
	f.StringVar(&req.Action, "action", "", "What was done")
	f.StringVar(&req.Target, "target", "", "What it was done to")
	f.StringVar(&severity, "severity", string(auditledger.SeverityInfo), "info, warning, error or critical")
	f.StringVar(&payload, "payload", "", "JSON object with event details")
	f.BoolVar(&req.Sign, "sign", false, "Attach a signed receipt")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

type filterFlags struct {
	chain, category, actor, action string
	severity, minSeverity          string
	since, until                   string
	search                         string
	unresolved                     bool
	offset, limit                  int
}

func (ff *filterFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&ff.chain, "chain", "", "Only this chain")
	f.StringVar(&ff.category, "category", "", "Only this category")
	f.StringVar(&ff.actor, "actor", "", "Only this actor")
	f.StringVar(&ff.action, "action", "", "Only this action")
	f.StringVar(&ff.severity, "severity", "", "Only this severity")
	f.StringVar(&ff.minSeverity, "min-severity", "", "Only this severity or above")
	f.StringVar(&ff.since, "since", "", "Lower time bound (RFC 3339 or a duration ago, e.g. 24h)")
	f.StringVar(&ff.until, "until", "", "Upper time bound (RFC 3339 or a duration ago)")
	f.StringVar(&ff.search, "search", "", "Substring of actor, action or target")
	f.BoolVar(&ff.unresolved, "unresolved", false, "Only unresolved entries")
}

func (ff *filterFlags) filter() (auditledger.Filter, error) {
	f := auditledger.Filter{
		ChainID:  ff.chain,
		Category: ff.category,
		Actor:    ff.actor,
		Action:   ff.action,
		Search:   ff.search,
		Offset:   ff.offset,
		Limit:    ff.limit,
	}
	if ff.severity != "" {
		sev, err := auditledger.ParseSeverity(ff.severity)
		if err != nil {
			return f, err
		}
		f.Severity = sev
	}
	if ff.minSeverity != "" {
		sev, err := auditledger.ParseSeverity(ff.minSeverity)
		if err != nil {
			return f, err
		}
		f.MinSeverity = sev
	}
	var err error
	if f.Since, err = parseTime(ff.since); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(ff.until); err != nil {
		return f, err
	}
	if ff.unresolved {
		no := false
		f.Resolved = &no
	}
	return f, nil
}

func writeEntries(w io.Writer, entries []auditledger.LogEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tCHAIN\tSEVERITY\tCATEGORY\tACTOR\tACTION\tTARGET\tRESOLVED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n", e.ID, e.Timestamp.Format(time.RFC3339),
			e.ChainID, e.Severity, e.Category, e.Actor, e.Action, e.Target, e.Resolved)
	}
	return tw.Flush()
}

func newListCmd(o *rootOptions) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries newest-first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app) error {
				page, err := a.ledger.List(ctx, f)
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), page, func(w io.Writer) error {
					if err := writeEntries(w, page.Entries); err != nil {
						return err
					}
					_, err := fmt.Fprintf(w, "%d-%d of %s\n", page.Offset+min(1, len(page.Entries)),
						page.Offset+len(page.Entries), humanize.Comma(page.Total))
					return err
				})
			})
		},
	}
	ff.register(cmd)
	cmd.Flags().IntVar(&ff.offset, "offset", 0, "Skip this many entries")
	cmd.Flags().IntVar(&ff.limit, "limit", auditledger.DefaultPageSize, "Page size")
	return cmd
}

func newExportCmd(o *rootOptions) *cobra.Command {
	var (
		ff  filterFlags
		out string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export matching entries as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ff.filter()
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app) error {
				var all []auditledger.LogEntry
				f.Limit = auditledger.MaxPageSize
				for {
					page, err := a.ledger.List(ctx, f)
					if err != nil {
						return err
					}
					all = append(all, page.Entries...)
					if len(page.Entries) < f.Limit || int64(len(all)) >= page.Total {
						break
					}
					f.Offset += len(page.Entries)
				}
				w := cmd.OutOrStdout()
				if out != "" {
					file, err := os.Create(out)
					if err != nil {
						return err
					}
					defer file.Close()
					w = file
				}
				if err := auditledger.ExportCSV(w, all); err != nil {
					return err
				}
				if out != "" {
					log.Infow("exported entries", "count", len(all), "path", out)
				}
				return nil
			})
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newResolveCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark an entry resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("entry id %q: %w", args[0], err)
			}
			return o.withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := a.ledger.Resolve(ctx, id)
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), e, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "resolved #%d\n", e.ID)
					return err
				})
			})
		},
	}
}

func newStatsCmd(o *rootOptions) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseTime(since)
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.ledger.Stats(ctx, from)
				if err != nil {
					return err
				}
				return o.print(cmd.OutOrStdout(), st, func(w io.Writer) error {
					return writeStats(w, st)
				})
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "Only entries after this time (RFC 3339 or a duration ago)")
	return cmd
}

func writeStats(w io.Writer, st auditledger.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "total\t%s\n", humanize.Comma(st.Total))
	fmt.Fprintf(tw, "unresolved\t%s\n", humanize.Comma(st.Unresolved))
	fmt.Fprintf(tw, "last 24h\t%s\n", humanize.Comma(st.LastDay))
	for _, sev := range []auditledger.Severity{auditledger.SeverityInfo, auditledger.SeverityWarning, auditledger.SeverityError, auditledger.SeverityCritical} {
		fmt.Fprintf(tw, "severity %s\t%s\n", sev, humanize.Comma(st.BySeverity[sev]))
	}
	cats := make([]string, 0, len(st.ByCategory))
	for c := range st.ByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Fprintf(tw, "category %s\t%s\n", c, humanize.Comma(st.ByCategory[c]))
	}
	for _, ac := range st.TopActors {
		fmt.Fprintf(tw, "actor %s\t%s\n", ac.Actor, humanize.Comma(ac.Count))
	}
	return tw.Flush()
}
