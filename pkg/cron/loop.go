// Package cron runs the coordinator's background jobs: the uptime bonus and
// the RPC task producer. Each job runs in its own loop; a failed iteration is
// logged and the loop carries on at its next tick.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"node-coordinator/pkg/metrics"
)

const minInterval = time.Second

// Job is one iteration of a loop.
type Job func(ctx context.Context) error

type Loop struct {
	Name     string
	Interval time.Duration
	Job      Job
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Run executes the job immediately and then once per interval, at least a
// second apart, until ctx is cancelled.
func (l Loop) Run(ctx context.Context) {
	clk := l.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("loop", l.Name)
	interval := l.Interval
	if interval < minInterval {
		interval = minInterval
	}

	logger.Info("Loop started", "interval", interval)
	for {
		if err := l.Job(ctx); err != nil {
			logger.Error("Loop iteration failed", "error", err)
			l.Metrics.RecordLoopError(l.Name)
		}

		timer := clk.Timer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Loop stopped")
			return
		}
	}
}
