// Package reaper implements the Reaper: the periodic task that scans the
// Session Map and removes entries idle longer than a configured
// threshold, emitting a post-reap snapshot (spec §4.5).
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/pinholefw/agent/internal/broadcast"
	"github.com/pinholefw/agent/internal/rules"
)

// Metrics receives counters on reaper pass completion. Implemented by
// internal/metrics.Collector.
type Metrics interface {
	RecordReap(expired int)
	ActiveRules(n int)
}

// Reaper runs CleanupStale then ListActive on a fixed interval, publishing
// the resulting Snapshot through a Broadcaster. Reap-then-snapshot
// ordering ensures the controller never observes sessions the data plane
// is about to drop.
type Reaper struct {
	rm          *rules.Manager
	bc          *broadcast.Broadcaster
	interval    time.Duration
	ruleTimeout uint64
	logger      *slog.Logger
	metrics     Metrics
}

// Option configures a Reaper at construction.
type Option func(*Reaper)

// WithMetrics attaches a Metrics reporter to the Reaper.
func WithMetrics(m Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// New constructs a Reaper. interval is cleanup_interval (seconds,
// expressed as a Duration by the caller); ruleTimeoutNS is rule_timeout in
// nanoseconds.
func New(rm *rules.Manager, bc *broadcast.Broadcaster, interval time.Duration, ruleTimeoutNS uint64, logger *slog.Logger, opts ...Option) *Reaper {
	r := &Reaper{
		rm:          rm,
		bc:          bc,
		interval:    interval,
		ruleTimeout: ruleTimeoutNS,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks, ticking every r.interval until ctx is cancelled. A single
// tick's error is logged and the pass abandoned; the next tick proceeds
// normally (spec §7 Reaper taxonomy) — the reaper itself has no
// cancellation path during normal operation, only at process exit.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reaper) tick() {
	reaped, err := r.rm.CleanupStale(r.ruleTimeout)
	if err != nil {
		r.logger.Error("reaper cleanup pass failed", slog.String("error", err.Error()))
		return
	}
	if reaped > 0 {
		r.logger.Info("reaper expired idle sessions", slog.Int("count", reaped))
	}
	if r.metrics != nil {
		r.metrics.RecordReap(reaped)
	}

	sessions, err := r.rm.ListActive(r.ruleTimeout)
	if err != nil {
		r.logger.Error("reaper snapshot pass failed", slog.String("error", err.Error()))
		return
	}
	if r.metrics != nil {
		r.metrics.ActiveRules(len(sessions))
	}

	r.bc.Publish(broadcast.Snapshot{Sessions: sessions})
}
