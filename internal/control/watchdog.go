package control

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// WatchdogConfig tunes the watchdog's poll interval and stuck-run
// threshold, per §9's resolved Open Question: the watchdog is
// opt-in, enabled via WATCHDOG_ENABLED, off by default.
type WatchdogConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Watchdog periodically scans the registry for runs stuck RUNNING past
// its timeout and marks them errored, re-expressing the original's
// commented-out _run_watchdog (§9 decides this ships, opt-in).
type Watchdog struct {
	cfg        WatchdogConfig
	controller *Controller
	logger     *zap.Logger
}

// NewWatchdog constructs a Watchdog bound to controller's collaborators.
func NewWatchdog(cfg WatchdogConfig, controller *Controller, logger *zap.Logger) *Watchdog {
	return &Watchdog{cfg: cfg.withDefaults(), controller: controller, logger: logger.Named("watchdog")}
}

// Run blocks, scanning on cfg.Interval until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info("run watchdog started", zap.Duration("interval", w.cfg.Interval), zap.Duration("timeout", w.cfg.Timeout))
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watchdog) scan(ctx context.Context) {
	snapshot := w.controller.registry.SnapshotAll(0)
	now := time.Now()

	for pilotKey, snap := range snapshot {
		run := snap.ActiveRun
		if run == nil || run.Status != "running" {
			continue
		}
		if run.StartedAt.IsZero() {
			continue
		}

		elapsed := now.Sub(run.StartedAt)
		if elapsed <= w.cfg.Timeout {
			continue
		}

		w.logger.Error("watchdog: run stuck RUNNING",
			zap.Int64("run_id", run.ID), zap.Duration("elapsed", elapsed), zap.String("pilot_key", pilotKey))

		if err := w.controller.api.MarkRunError(ctx, run.ID, "WatchdogTimeout",
			fmt.Sprintf("run stuck RUNNING for %s", elapsed.Round(time.Second))); err != nil {
			w.logger.Error("watchdog: failed marking run error", zap.Int64("run_id", run.ID), zap.Error(err))
		}

		w.controller.clearActiveRun(ctx, pilotKey)
	}
}
