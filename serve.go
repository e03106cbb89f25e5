package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perivale/ledgersync/internal/engine"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync and bulk job daemon",
		Long: "Runs until interrupted: a periodic full sync on the configured\n" +
			"interval, and a polling loop that drains runnable bulk jobs one\n" +
			"batch at a time. The operation lock arbitrates overlap between\n" +
			"the two loops.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			return runServe(ctx, a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	a.logger.Info("daemon started",
		slog.Duration("sync_interval", cfg.SyncInterval()),
		slog.Duration("job_poll_interval", cfg.JobPollInterval()),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return syncLoop(ctx, a) })
	g.Go(func() error { return jobLoop(ctx, a) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("daemon stopped")
		return nil
	}

	return err
}

// syncLoop runs a full sync immediately and then on every tick. A failed
// or skipped sync is logged and retried at the next tick; only context
// cancellation stops the loop.
func syncLoop(ctx context.Context, a *app) error {
	ticker := time.NewTicker(cfg.SyncInterval())
	defer ticker.Stop()

	for {
		runScheduledSync(ctx, a)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func runScheduledSync(ctx context.Context, a *app) {
	_, err := a.orch.FullSync(ctx, "schedule")

	switch {
	case err == nil:
		a.logger.Info("scheduled full sync finished")
	case errors.Is(err, engine.ErrOperationInProgress):
		a.logger.Info("scheduled full sync skipped, another operation holds the lock")
	case errors.Is(err, engine.ErrQuotaInsufficient):
		a.logger.Warn("scheduled full sync skipped, quota too low",
			slog.String("error", err.Error()))
	case errors.Is(err, context.Canceled):
	default:
		a.logger.Error("scheduled full sync failed", slog.String("error", err.Error()))
	}
}

// jobLoop polls for runnable bulk jobs and advances each one batch per
// poll, so a large job cannot monopolize the gate between sync ticks.
func jobLoop(ctx context.Context, a *app) error {
	ticker := time.NewTicker(cfg.JobPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		jobs, err := a.store.RunnableJobs(ctx)
		if err != nil {
			a.logger.Error("polling runnable jobs", slog.String("error", err.Error()))
			continue
		}

		for _, job := range jobs {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			result, err := a.proc.RunBatch(ctx, job.ID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}

				a.logger.Error("bulk job batch failed",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)

				continue
			}

			if result.Deferred > 0 {
				// The gate pushed back; let it recover before touching
				// the remaining jobs.
				break
			}
		}
	}
}
