// Package daemon runs the batch change workers: workspace resolution,
// workspace execution, changeset reconciliation, bulk operations, the HTTP
// API and the cron schedules for spec cleanup and rollout windows.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/batchyard/internal/api"
	"github.com/zulandar/batchyard/internal/backoff"
	"github.com/zulandar/batchyard/internal/config"
	"github.com/zulandar/batchyard/internal/reconciler"
	"golang.org/x/sync/errgroup"
)

// RunOptions controls Run.
type RunOptions struct {
	Config *config.Config
	// ConfigPath, when set, is watched and retry policies follow its edits.
	ConfigPath string
	DisableAPI bool
	Out        io.Writer
}

// Run starts every worker loop and blocks until ctx is cancelled or a loop
// fails. In-flight work is released before Run returns.
func (c *Components) Run(ctx context.Context, opts RunOptions) error {
	cfg := opts.Config
	if cfg == nil {
		return fmt.Errorf("daemon: config is required")
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	cr := cron.New()
	if err := c.schedule(ctx, cr, cfg); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Resolver.Run(ctx, cfg.Resolver.PollInterval.Std())
	})
	g.Go(func() error {
		return c.Scheduler.Run(ctx, cfg.Scheduler.PollInterval.Std())
	})
	g.Go(func() error {
		return c.Reconciler.Run(ctx, cfg.Reconciler.Workers, cfg.Reconciler.PollInterval.Std())
	})
	g.Go(func() error {
		return c.Bulk.Run(ctx, cfg.Bulk.PollInterval.Std())
	})
	if !opts.DisableAPI {
		g.Go(func() error {
			return api.Start(ctx, api.Options{
				Service: c.Service,
				Port:    cfg.API.Port,
				Out:     out,
				Logger:  c.Logger.With(slog.String("component", "api")),
			})
		})
	}
	if opts.ConfigPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, opts.ConfigPath, c.Logger, c.applyConfig)
		})
	}
	g.Go(func() error {
		cr.Start()
		<-ctx.Done()
		<-cr.Stop().Done()
		return nil
	})

	fmt.Fprintf(out, "Batchyard daemon running (reconciler workers=%d, scheduler workers=%d, bulk workers=%d)\n",
		cfg.Reconciler.Workers, cfg.Scheduler.Workers, cfg.Bulk.Workers)
	err := g.Wait()
	fmt.Fprintf(out, "Batchyard daemon stopped.\n")
	return err
}

// schedule registers the cron jobs: expired spec cleanup always, and
// rollout windows when a rollout schedule is configured.
func (c *Components) schedule(ctx context.Context, cr *cron.Cron, cfg *config.Config) error {
	if _, err := cr.AddFunc(cfg.Cleanup.Schedule, func() { c.cleanup(ctx) }); err != nil {
		return fmt.Errorf("daemon: cleanup schedule %q: %w", cfg.Cleanup.Schedule, err)
	}
	if cfg.Reconciler.Rollout.Schedule == "" {
		return nil
	}
	batch := cfg.Reconciler.Rollout.Batch
	if _, err := cr.AddFunc(cfg.Reconciler.Rollout.Schedule, func() { c.rollout(ctx, batch) }); err != nil {
		return fmt.Errorf("daemon: rollout schedule %q: %w", cfg.Reconciler.Rollout.Schedule, err)
	}
	return nil
}

func (c *Components) cleanup(ctx context.Context) {
	if _, err := c.Service.CleanupExpired(ctx); err != nil {
		c.Logger.Error("cleanup expired batch specs", slog.String("error", err.Error()))
	}
}

// rollout releases the next window of scheduled changesets.
func (c *Components) rollout(ctx context.Context, batch int) {
	n, err := reconciler.PromoteScheduled(c.DB.WithContext(ctx), batch)
	if err != nil {
		c.Logger.Error("rollout window", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		c.Logger.Info("rollout window released changesets", slog.Int("count", n))
	}
}

// applyConfig hot-applies the settings that can change without a restart.
func (c *Components) applyConfig(cfg *config.Config) {
	c.Reconciler.SetPolicy(backoff.FromConfig(cfg.Reconciler.Retry))
	c.Resolver.SetPolicy(backoff.FromConfig(cfg.Resolver.Retry))
	c.Bulk.SetPolicy(backoff.FromConfig(cfg.Bulk.Retry))
}

// NewLogger returns a text logger writing to w at level ("debug", "info",
// "warn" or "error"). Unknown levels fall back to info.
func NewLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
