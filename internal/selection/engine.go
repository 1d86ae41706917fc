// Package selection implements the nearest-available-healthy-server policy.
// Given a client coordinate it picks, from a consistent registry snapshot,
// the healthy server minimizing (distance, health deficit). The policy is
// greedy and deterministic: the same registry state and client location
// always yield the same server.
package selection

import (
	"errors"

	"cdnctl/internal/geo"
	"cdnctl/internal/registry"
)

// ErrNoServerAvailable is returned when no registered server is healthy.
// It is a valid negative result, not a failure of the engine.
var ErrNoServerAvailable = errors.New("selection: no healthy server available")

// Engine ranks registry servers for incoming client requests.
type Engine struct {
	reg       *registry.Registry
	threshold float64
}

// New creates an Engine over reg using the given health threshold. The full
// [0, 100] range is honored — 0 admits every server with any health left,
// 100 admits none; a threshold outside that range falls back to the registry
// default.
func New(reg *registry.Registry, threshold float64) *Engine {
	if threshold < 0 || threshold > 100 {
		threshold = registry.HealthyThreshold
	}
	return &Engine{reg: reg, threshold: threshold}
}

// Select returns the best server for a client at the given location.
//
// Candidates are the servers with a health score strictly above the
// threshold. Among them, the primary key is great-circle distance to the
// client and the tie-break is the health deficit (100 - score); remaining
// ties go to the earliest server in the snapshot, which the registry orders
// by id.
func (e *Engine) Select(client geo.Coordinate) (registry.ServerRecord, error) {
	var (
		best        registry.ServerRecord
		bestDist    float64
		bestDeficit float64
		found       bool
	)

	for _, rec := range e.reg.List() {
		if rec.HealthScore <= e.threshold {
			continue
		}
		dist := geo.Distance(client, rec.Location)
		deficit := 100 - rec.HealthScore

		if !found || dist < bestDist || (dist == bestDist && deficit < bestDeficit) {
			best = rec
			bestDist = dist
			bestDeficit = deficit
			found = true
		}
	}

	if !found {
		return registry.ServerRecord{}, ErrNoServerAvailable
	}
	return best, nil
}
