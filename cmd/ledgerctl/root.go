package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/karasz/auditledger/internal/config"
)

var log = logging.Logger("ledgerctl")

// closeTimeout bounds how long queued sink deliveries may take on exit.
const closeTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	logLevel   string
	jsonOut    bool
	metricsOut string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate a tamper-evident audit ledger",
		Long: `ledgerctl appends to, verifies and inspects a hash-chained audit ledger,
and manages signed forensic snapshots of it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = opts.logLevel
			}
			if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
				return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Print results as JSON")
	root.PersistentFlags().StringVar(&opts.metricsOut, "metrics-out", "", "Write Prometheus metrics to this textfile on exit")

	root.AddCommand(
		newInitCmd(),
		newAppendCmd(opts),
		newListCmd(opts),
		newExportCmd(opts),
		newResolveCmd(opts),
		newStatsCmd(opts),
		newVerifyCmd(opts),
		newScanCmd(opts),
		newSnapshotCmd(opts),
		newSweepCmd(opts),
		newRotateCmd(opts),
	)
	return root
}

// withApp opens the configured components, runs fn and closes them again.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(o.cfg)
	if err != nil {
		return err
	}
	runErr := fn(cmd.Context(), a)

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Close(ctx, o.metricsOut); err != nil {
		log.Warnw("shutdown", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func (o *rootOptions) print(w io.Writer, v any, text func(io.Writer) error) error {
	if o.jsonOut || text == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		// Loading a config that does not exist yet would fail.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "auditledger.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

// parseTime accepts an RFC 3339 timestamp or a duration meaning that long ago.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a duration nor an RFC 3339 time", s)
	}
	return t.UTC(), nil
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "user:" + u
	}
	return "ledgerctl"
}
