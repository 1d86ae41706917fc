// Package api exposes the control-plane HTTP surface: server lifecycle
// registration, counter updates from the serving layer, client selection
// queries, and the metrics scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cdnctl/internal/geo"
	"cdnctl/internal/metrics"
	"cdnctl/internal/registry"
	"cdnctl/internal/selection"
)

// Server is the control-plane HTTP server.
type Server struct {
	reg       *registry.Registry
	engine    *selection.Engine
	exporter  *metrics.Exporter
	startTime time.Time
	version   string
	srv       *http.Server
}

// New creates a Server. Call Start to begin listening, or use Handler
// directly (e.g. behind a middleware chain).
func New(reg *registry.Registry, engine *selection.Engine, exporter *metrics.Exporter, listenAddr, version string) *Server {
	s := &Server{
		reg:       reg,
		engine:    engine,
		exporter:  exporter,
		startTime: time.Now(),
		version:   version,
	}

	mux := http.NewServeMux()

	// Registration interface (content-server lifecycle).
	mux.HandleFunc("GET /api/servers", s.handleListServers)
	mux.HandleFunc("POST /api/servers", s.handleRegister)
	mux.HandleFunc("GET /api/servers/{id}", s.handleGetServer)
	mux.HandleFunc("DELETE /api/servers/{id}", s.handleDeregister)

	// Counter-update interface (request-serving layer).
	mux.HandleFunc("POST /api/servers/{id}/observe", s.handleObserve)

	// Selection interface (client routing).
	mux.HandleFunc("GET /api/select", s.handleSelect)

	// Metrics scrape + liveness.
	mux.Handle("GET /metrics", exporter.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route mux, for wrapping in middleware.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// SetHandler replaces the handler the listening server serves (used to
// install the assembled middleware chain before Start).
func (s *Server) SetHandler(h http.Handler) {
	s.srv.Handler = h
}

// Start begins listening in a background goroutine. It returns immediately.
func (s *Server) Start() {
	go func() {
		slog.Info("control plane listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the server within the given context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ── Handlers ────────────────────────────────────────────────────────────────

type registerRequest struct {
	ID   string  `json:"id"`
	Host string  `json:"host"`
	Port int     `json:"port"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonErr(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.ID == "" || body.Host == "" {
		jsonErr(w, "id and host are required", http.StatusBadRequest)
		return
	}
	if body.Port < 1 || body.Port > 65535 {
		jsonErr(w, "port must be in [1, 65535]", http.StatusBadRequest)
		return
	}
	loc := geo.Coordinate{Lat: body.Lat, Lon: body.Lon}
	if !loc.Valid() {
		jsonErr(w, "coordinates out of range", http.StatusBadRequest)
		return
	}

	s.reg.Register(body.ID, body.Host, body.Port, loc)
	jsonOK(w, map[string]string{"status": "registered"})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	// Deregistration is idempotent: removing an unknown id succeeds.
	s.reg.Deregister(r.PathValue("id"))
	jsonOK(w, map[string]string{"status": "deregistered"})
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, s.reg.List())
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reg.Get(r.PathValue("id"))
	if err != nil {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonOK(w, rec)
}

type observeRequest struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var body observeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonErr(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Requests < 0 || body.Errors < 0 {
		jsonErr(w, "counter increments must be non-negative", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.reg.AddCounters(id, body.Requests, body.Errors); err != nil {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonOK(w, map[string]string{"status": "recorded"})
}

type selectResponse struct {
	registry.ServerRecord
	DistanceKm float64 `json:"distance_km"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	client, err := parseCoordinate(r)
	if err != nil {
		jsonErr(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := s.engine.Select(client)
	if errors.Is(err, selection.ErrNoServerAvailable) {
		// A valid negative result: the fleet has no healthy member.
		s.exporter.SelectionsTotal.WithLabelValues("no_server").Inc()
		jsonErr(w, "no server available", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		jsonErr(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.exporter.SelectionsTotal.WithLabelValues("ok").Inc()
	jsonOK(w, selectResponse{
		ServerRecord: rec,
		DistanceKm:   geo.Distance(client, rec.Location),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"servers": s.reg.Len(),
	})
}

// ── helpers ─────────────────────────────────────────────────────────────────

func parseCoordinate(r *http.Request) (geo.Coordinate, error) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid lat: %q", r.URL.Query().Get("lat"))
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid lon: %q", r.URL.Query().Get("lon"))
	}
	c := geo.Coordinate{Lat: lat, Lon: lon}
	if !c.Valid() {
		return geo.Coordinate{}, fmt.Errorf("coordinates out of range: (%v, %v)", lat, lon)
	}
	return c, nil
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
