// Package cli implements dispatchctl, the operator tool for reading dispatch
// analytics straight from the store.
//
//	dispatchctl health
//	dispatchctl report daily  [--date 2026-05-04]
//	dispatchctl report weekly [--start 2026-04-28]
//	dispatchctl worker-stats <worker_id> [--hours 24]
//
// Every command prints JSON on stdout.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/driver-dispatch/internal/analytics"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/storage"
)

// Opener connects to the store named by dsn.
type Opener func(dsn string) (storage.Reader, io.Closer, error)

// PostgresOpener is the production Opener.
func PostgresOpener(dsn string) (storage.Reader, io.Closer, error) {
	if dsn == "" {
		return nil, nil, fmt.Errorf("no database configured: set --dsn or PG_DSN")
	}
	pg, err := storage.NewPostgresStore(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pg, pg, nil
}

type app struct {
	open    Opener
	dsn     string
	timeout time.Duration
}

func BuildCLI(open Opener) *cobra.Command {
	a := &app{open: open}
	root := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Inspect driver dispatch health and reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.dsn, "dsn", "", "Postgres DSN (defaults to PG_DSN)")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "query timeout")

	root.AddCommand(a.healthCommand(), a.reportCommand(), a.workerStatsCommand())
	return root
}

// withAggregator opens the store, builds an aggregator from the environment
// thresholds and runs fn with a bounded context.
func (a *app) withAggregator(cmd *cobra.Command, fn func(ctx context.Context, agg *analytics.Aggregator) (any, error)) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	dsn := a.dsn
	if dsn == "" {
		dsn = cfg.Postgres.DSN
	}
	r, closer, err := a.open(dsn)
	if err != nil {
		return err
	}
	defer closer.Close()

	agg := analytics.NewAggregator(r, analytics.Config{
		HealthWindow:            cfg.Analytics.HealthWindow,
		WarningTimeoutRate:      cfg.Analytics.WarningTimeoutRate,
		CriticalTimeoutRate:     cfg.Analytics.CriticalTimeoutRate,
		WarningMinActiveWorkers: cfg.Analytics.WarningMinActiveWorkers,
		TrendThresholdPercent:   cfg.Analytics.TrendThresholdPercent,
		Location:                time.UTC,
	})
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()

	v, err := fn(ctx, agg)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Evaluate system health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAggregator(cmd, func(ctx context.Context, agg *analytics.Aggregator) (any, error) {
				return agg.SystemHealth(ctx)
			})
		},
	}
}

func (a *app) reportCommand() *cobra.Command {
	var date, start string
	report := &cobra.Command{Use: "report", Short: "Daily and weekly matching reports"}

	daily := &cobra.Command{
		Use:   "daily",
		Short: "Report for one calendar day (default today)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAggregator(cmd, func(ctx context.Context, agg *analytics.Aggregator) (any, error) {
				day := agg.Now()
				if date != "" {
					t, err := agg.ParseDate(date)
					if err != nil {
						return nil, err
					}
					day = t
				}
				return agg.DailyReport(ctx, day)
			})
		},
	}
	daily.Flags().StringVar(&date, "date", "", "day as YYYY-MM-DD")

	weekly := &cobra.Command{
		Use:   "weekly",
		Short: "Report for seven days (default the week ending today)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withAggregator(cmd, func(ctx context.Context, agg *analytics.Aggregator) (any, error) {
				first := agg.Now().AddDate(0, 0, -6)
				if start != "" {
					t, err := agg.ParseDate(start)
					if err != nil {
						return nil, err
					}
					first = t
				}
				return agg.WeeklyReport(ctx, first)
			})
		},
	}
	weekly.Flags().StringVar(&start, "start", "", "first day as YYYY-MM-DD")

	report.AddCommand(daily, weekly)
	return report
}

func (a *app) workerStatsCommand() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "worker-stats <worker_id>",
		Short: "Offer response statistics for one worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours < 1 {
				return fmt.Errorf("--hours must be at least 1")
			}
			return a.withAggregator(cmd, func(ctx context.Context, agg *analytics.Aggregator) (any, error) {
				return agg.WorkerResponseStats(ctx, args[0], analytics.LastHours(agg.Now(), hours))
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "look-back window in hours")
	return cmd
}
