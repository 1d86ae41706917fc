// Command controlplane is the CDN edge-selection control plane.
//
// Usage:
//
//	controlplane [-config path/to/controlplane.yaml]
//
// It tracks the edge-server fleet, runs the background health-scoring loop,
// and answers selection queries over HTTP. The config file hot-reloads:
// middleware settings take effect immediately and newly listed seed servers
// are registered without a restart. Shutdown is graceful: on SIGINT or
// SIGTERM in-flight requests get up to 10 seconds to complete.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cdnctl/internal/api"
	"cdnctl/internal/config"
	"cdnctl/internal/geo"
	"cdnctl/internal/health"
	"cdnctl/internal/metrics"
	"cdnctl/internal/middleware"
	"cdnctl/internal/registry"
	"cdnctl/internal/selection"
)

const defaultConfigPath = "configs/controlplane.yaml"

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to controlplane.yaml")
	flag.Parse()

	// Structured JSON logging to stdout — ready for any log aggregator.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	// ── Load configuration ────────────────────────────────────────────────────
	// A malformed config is fatal here, before anything starts. Only the
	// untouched default path is allowed to be absent.
	cfg, v, err := config.Load(*configPath)
	if err != nil {
		if _, statErr := os.Stat(*configPath); os.IsNotExist(statErr) && *configPath == defaultConfigPath {
			slog.Warn("no config file found, using defaults", "path", *configPath)
			cfg = config.Default()
			v = nil
		} else {
			slog.Error("invalid configuration", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}

	// ── Build core components ─────────────────────────────────────────────────
	reg := registry.New()
	seedServers(reg, cfg.Servers)

	engine := selection.New(reg, cfg.Health.Threshold)
	exporter := metrics.NewExporter(reg)

	monitor := health.New(reg, health.Config{
		Interval:  cfg.Health.ParsedInterval(),
		Threshold: cfg.Health.Threshold,
	})
	monitor.Start()

	srv := api.New(reg, engine, exporter, cfg.ListenAddr, version)

	// ── Build middleware chain ────────────────────────────────────────────────
	// The atomicHandler lets a config hot-reload swap the entire chain
	// (rate-limit or auth changes) without restarting the server.
	routes := srv.Handler()

	var current atomic.Value
	buildChain := func(c config.Config) http.Handler {
		h := routes
		if c.Auth.Enabled {
			h = middleware.JWTAuth(c.Auth.Secret, c.Auth.Exclude)(h)
		}
		if c.RateLimit.Enabled {
			h = middleware.RateLimiter(c.RateLimit.RPS, c.RateLimit.Burst)(h)
		}
		return middleware.Logger(h)
	}
	current.Store(buildChain(cfg))

	srv.SetHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().(http.Handler).ServeHTTP(w, r)
	}))

	// ── Hot-reload ────────────────────────────────────────────────────────────
	if v != nil {
		config.Watch(v, func(newCfg config.Config) {
			// Registering an id resets its health to 100, so a reload only
			// registers servers that are not in the fleet yet — live health
			// state survives config edits.
			added := 0
			for _, s := range newCfg.Servers {
				if _, err := reg.Get(s.ID); err != nil {
					reg.Register(s.ID, s.Host, s.Port, geo.Coordinate{Lat: s.Lat, Lon: s.Lon})
					added++
				}
			}
			current.Store(buildChain(newCfg))

			slog.Info("hot-reload applied",
				"servers_added", added,
				"rate_limit", newCfg.RateLimit.Enabled,
				"auth", newCfg.Auth.Enabled,
			)
		})
	}

	srv.Start()

	slog.Info("control plane started",
		"addr", cfg.ListenAddr,
		"servers", reg.Len(),
		"health_interval", cfg.Health.ParsedInterval().String(),
		"health_threshold", cfg.Health.Threshold,
		"rate_limit", cfg.RateLimit.Enabled,
		"auth", cfg.Auth.Enabled,
		"version", version,
		"commit", commit,
	)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down control plane")

	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("control plane stopped")
}

// seedServers registers the config-declared initial fleet.
func seedServers(reg *registry.Registry, servers []config.ServerCfg) {
	for _, s := range servers {
		reg.Register(s.ID, s.Host, s.Port, geo.Coordinate{Lat: s.Lat, Lon: s.Lon})
	}
}
