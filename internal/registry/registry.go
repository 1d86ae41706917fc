// Package registry owns the mutable set of known edge servers and their live
// health state. It is the single source of truth for the server fleet — the
// health monitor, the selection engine, and the metrics exporter all read and
// write through it.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cdnctl/internal/geo"
)

// HealthyThreshold is the score above which a server is eligible for traffic.
const HealthyThreshold = 50.0

// ErrNotFound is returned by lookups for an unregistered server id.
var ErrNotFound = errors.New("registry: server not found")

// ServerRecord is the state of one registered edge server. Id, Host, Port and
// Location are fixed at registration; the remaining fields are mutated through
// the Registry over the record's lifetime.
type ServerRecord struct {
	ID              string         `json:"id"`
	Host            string         `json:"host"`
	Port            int            `json:"port"`
	Location        geo.Coordinate `json:"location"`
	HealthScore     float64        `json:"health_score"`
	LastHealthCheck time.Time      `json:"last_health_check"`
	TotalRequests   int64          `json:"total_requests"`
	ErrorCount      int64          `json:"error_count"`
}

// Healthy reports whether the record is eligible for traffic.
func (r ServerRecord) Healthy() bool { return r.HealthScore > HealthyThreshold }

// Registry is a thread-safe collection of ServerRecords keyed by id.
// All accessors return copies, so a caller never observes a record whose
// fields were written by two different updates.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ServerRecord
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{servers: make(map[string]*ServerRecord)}
}

// Register inserts the server keyed by id, host, port and location.
// Re-registering an existing id overwrites the record with a fresh one:
// health back to 100, counters and check timestamp zeroed. A server that
// degraded and restarted therefore re-enters the pool with a clean slate.
func (reg *Registry) Register(id, host string, port int, loc geo.Coordinate) {
	rec := &ServerRecord{
		ID:          id,
		Host:        host,
		Port:        port,
		Location:    loc,
		HealthScore: 100.0,
	}

	reg.mu.Lock()
	_, replaced := reg.servers[id]
	reg.servers[id] = rec
	reg.mu.Unlock()

	if replaced {
		slog.Info("registry: server re-registered", "id", id, "host", host, "port", port)
	} else {
		slog.Info("registry: server registered", "id", id, "host", host, "port", port)
	}
}

// Deregister removes the server with the given id. Removing an unknown id is
// a no-op, not an error.
func (reg *Registry) Deregister(id string) {
	reg.mu.Lock()
	_, ok := reg.servers[id]
	delete(reg.servers, id)
	reg.mu.Unlock()

	if ok {
		slog.Warn("registry: server deregistered", "id", id)
	}
}

// Get returns a copy of the record for id, or ErrNotFound.
func (reg *Registry) Get(id string) (ServerRecord, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	rec, ok := reg.servers[id]
	if !ok {
		return ServerRecord{}, ErrNotFound
	}
	return *rec, nil
}

// List returns a point-in-time snapshot of every record, sorted by id.
// The sorted order gives downstream consumers (selection tie-breaks, metrics
// output) a deterministic iteration order.
func (reg *Registry) List() []ServerRecord {
	reg.mu.RLock()
	out := make([]ServerRecord, 0, len(reg.servers))
	for _, rec := range reg.servers {
		out = append(out, *rec)
	}
	reg.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered servers.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.servers)
}

// UpdateHealth stores a new health score for id, clamped to [0, 100].
// The check timestamp only advances: an update carrying a checkedAt older
// than the stored one keeps the stored timestamp. Returns ErrNotFound if the
// server was deregistered in the meantime.
func (reg *Registry) UpdateHealth(id string, score float64, checkedAt time.Time) error {
	score = clamp(score, 0, 100)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.servers[id]
	if !ok {
		return ErrNotFound
	}
	rec.HealthScore = score
	if checkedAt.After(rec.LastHealthCheck) {
		rec.LastHealthCheck = checkedAt
	}
	return nil
}

// AddRequest increments the served-request counter for id.
func (reg *Registry) AddRequest(id string) error {
	return reg.addCounters(id, 1, 0)
}

// AddError increments the error counter for id.
func (reg *Registry) AddError(id string) error {
	return reg.addCounters(id, 0, 1)
}

// AddCounters applies batched counter increments reported by the serving
// layer. Negative increments are ignored — the counters only ever grow.
func (reg *Registry) AddCounters(id string, requests, errs int64) error {
	return reg.addCounters(id, requests, errs)
}

func (reg *Registry) addCounters(id string, requests, errs int64) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rec, ok := reg.servers[id]
	if !ok {
		return ErrNotFound
	}
	if requests > 0 {
		rec.TotalRequests += requests
	}
	if errs > 0 {
		rec.ErrorCount += errs
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
