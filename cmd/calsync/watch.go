package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/djwarf/calsync/internal/logging"
	calsync "github.com/djwarf/calsync/internal/sync"
)

func newWatchCmd(a *app) *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync periodically until interrupted",
		Long: `Run a sync pass on a cron schedule (sync_schedule in the config, e.g.
"@every 15m" or "*/10 * * * *"). A pass still running when the next one is
due is not overlapped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if schedule == "" {
				schedule = a.cfg.SyncSchedule
			}
			return a.watch(cmd.Context(), schedule)
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule (default from config)")
	return cmd
}

func (a *app) watch(ctx context.Context, schedule string) error {
	logger := a.logger.With("component", "watch")
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))

	run := func() {
		results, err := a.pass(ctx, 0, calsync.PassOptions{})
		if err != nil {
			logger.Error("sync pass failed", logging.Err(err))
			return
		}
		logResults(logger, results)
	}

	if _, err := c.AddFunc(schedule, run); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	if a.cfg.SyncOnStartup {
		run()
	}

	c.Start()
	logger.Info("watching", "schedule", schedule)
	<-ctx.Done()

	// Wait for a running pass to finish its bookkeeping.
	<-c.Stop().Done()
	logger.Info("stopped")
	return nil
}

func logResults(logger *slog.Logger, results []calsync.AccountResult) {
	for _, r := range results {
		res := r.Result
		attrs := []any{
			logging.Account(r.AccountID),
			"outcome", res.Outcome,
			"pushed", res.Pushed.Total(),
			"pulled", res.Pulled.Total(),
			"duration", res.Duration,
		}
		if res.OK() {
			logger.Info("account synced", attrs...)
			continue
		}
		logger.Warn("account synced with errors", append(attrs, logging.Err(res.Err()))...)
	}
}

// cronLogger routes cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, logging.Err(err))...)
}
