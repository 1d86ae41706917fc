// Package health implements the periodic health-scoring loop for registered
// edge servers. The Monitor runs in the background and, on a fixed interval,
// re-scores every server from the error counters accumulated on it. Scores
// only decay: every unit of error count costs 10 points per evaluation, and
// nothing in this loop ever raises a score back up. A degraded server
// recovers only by being explicitly re-registered.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cdnctl/internal/registry"
)

// errorPenalty is the score cost per unit of error count at evaluation time.
const errorPenalty = 10.0

// DefaultInterval is used when the configured interval is missing or invalid.
const DefaultInterval = 30 * time.Second

// Config holds the parameters for the health monitor. Threshold is the same
// health threshold the selection engine routes with, so became-unhealthy
// logs line up with when a server actually stops receiving traffic.
type Config struct {
	Interval  time.Duration
	Threshold float64
}

// Monitor periodically re-scores every server in the registry. It is started
// once and stopped once; the registry may be mutated freely while it runs.
type Monitor struct {
	cfg Config
	reg *registry.Registry

	// now is swappable for tests.
	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor but does not start it; call Start to begin scoring.
func New(reg *registry.Registry, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold < 0 || cfg.Threshold > 100 {
		cfg.Threshold = registry.HealthyThreshold
	}
	return &Monitor{cfg: cfg, reg: reg, now: time.Now}
}

// Start begins the background scoring loop. The first pass runs immediately
// so that a fleet with pre-existing error counts is classified quickly.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.checkAll()

		for {
			select {
			case <-ticker.C:
				m.checkAll()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts down the background goroutine and waits for it to exit. Any
// in-flight pass completes normally.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// RunOnce performs a single synchronous evaluation pass. Used by tests and by
// operators triggering an out-of-band check; the background loop does not
// need to be running.
func (m *Monitor) RunOnce() {
	m.checkAll()
}

// checkAll runs one evaluation pass over a registry snapshot. Each server is
// evaluated independently: a failure on one (e.g. it was deregistered after
// the snapshot was taken) is logged and the pass continues.
func (m *Monitor) checkAll() {
	now := m.now()
	for _, rec := range m.reg.List() {
		if err := m.evaluate(rec, now); err != nil {
			slog.Warn("health: evaluation skipped",
				"id", rec.ID,
				"error", err,
			)
		}
	}
}

// evaluate re-scores a single server if it is due for a check. A server is
// due when more than one interval has elapsed since its last evaluation; a
// never-checked record (zero timestamp) is always due.
func (m *Monitor) evaluate(rec registry.ServerRecord, now time.Time) error {
	if now.Sub(rec.LastHealthCheck) <= m.cfg.Interval {
		return nil
	}

	newScore := rec.HealthScore - float64(rec.ErrorCount)*errorPenalty
	if newScore < 0 {
		newScore = 0
	}

	if err := m.reg.UpdateHealth(rec.ID, newScore, now); err != nil {
		return err
	}

	if rec.HealthScore > m.cfg.Threshold && newScore <= m.cfg.Threshold {
		slog.Warn("health: server became unhealthy",
			"id", rec.ID,
			"score", newScore,
			"errors", rec.ErrorCount,
		)
	} else if newScore < rec.HealthScore {
		slog.Info("health: server degraded",
			"id", rec.ID,
			"score", newScore,
			"errors", rec.ErrorCount,
		)
	}
	return nil
}
