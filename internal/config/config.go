// Package config handles loading and hot-reloading of the control-plane YAML
// configuration via Viper. All struct fields map 1-to-1 with controlplane.yaml.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ServerCfg is the YAML representation of one seeded edge server.
type ServerCfg struct {
	ID   string  `mapstructure:"id"`
	Host string  `mapstructure:"host"`
	Port int     `mapstructure:"port"`
	Lat  float64 `mapstructure:"lat"`
	Lon  float64 `mapstructure:"lon"`
}

// HealthCfg controls the background health-scoring loop.
type HealthCfg struct {
	Interval  string  `mapstructure:"interval"`
	Threshold float64 `mapstructure:"threshold"` // servers above this score receive traffic
}

// ParsedInterval returns the interval as a time.Duration, defaulting to 30s.
func (h HealthCfg) ParsedInterval() time.Duration {
	d, _ := time.ParseDuration(h.Interval)
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// RateLimitCfg controls per-IP token-bucket rate limiting on the public API.
type RateLimitCfg struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`   // sustained requests per second
	Burst   int     `mapstructure:"burst"` // maximum burst size
}

// AuthCfg controls JWT Bearer-token authentication on mutating endpoints.
type AuthCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Secret  string   `mapstructure:"secret"`  // HMAC-SHA256 signing secret
	Exclude []string `mapstructure:"exclude"` // exact paths that bypass auth
}

// Config is the top-level control-plane configuration.
type Config struct {
	ListenAddr string       `mapstructure:"listen_addr"`
	Health     HealthCfg    `mapstructure:"health"`
	RateLimit  RateLimitCfg `mapstructure:"rate_limit"`
	Auth       AuthCfg      `mapstructure:"auth"`
	Servers    []ServerCfg  `mapstructure:"servers"`
}

// Default returns the documented defaults: 30s scoring interval, threshold
// 50, no seed servers, everything optional disabled.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Health:     HealthCfg{Interval: "30s", Threshold: 50},
		RateLimit:  RateLimitCfg{Enabled: false, RPS: 100, Burst: 200},
		Auth:       AuthCfg{Enabled: false},
	}
}

// Load reads and parses the YAML file at path using Viper.
// It returns the parsed Config and the Viper instance (needed for Watch).
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, v, nil
}

// Watch registers an onChange callback that fires whenever the config file is
// saved. The callback receives a freshly parsed Config. Invalid reloads are
// logged and silently skipped (the previous config stays active).
func Watch(v *viper.Viper, onChange func(Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config hot-reload failed", "error", err)
			return
		}
		slog.Info("config hot-reloaded",
			"servers", len(cfg.Servers),
			"interval", cfg.Health.Interval,
		)
		onChange(cfg)
	})
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)

	// Defaults — all overridable by controlplane.yaml.
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.threshold", 50.0)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 100.0)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("auth.enabled", false)

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if cfg.Health.Threshold < 0 || cfg.Health.Threshold > 100 {
		return Config{}, fmt.Errorf("config: health.threshold %v outside [0,100]", cfg.Health.Threshold)
	}
	if cfg.Health.Interval != "" {
		if d, err := time.ParseDuration(cfg.Health.Interval); err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: invalid health.interval %q", cfg.Health.Interval)
		}
	}
	for i, s := range cfg.Servers {
		if s.ID == "" {
			return Config{}, fmt.Errorf("config: servers[%d] has empty id", i)
		}
		if s.Host == "" {
			return Config{}, fmt.Errorf("config: server %q has empty host", s.ID)
		}
		if s.Port < 1 || s.Port > 65535 {
			return Config{}, fmt.Errorf("config: server %q has invalid port %d", s.ID, s.Port)
		}
		if s.Lat < -90 || s.Lat > 90 || s.Lon < -180 || s.Lon > 180 {
			return Config{}, fmt.Errorf("config: server %q has invalid coordinates (%v, %v)", s.ID, s.Lat, s.Lon)
		}
	}
	if cfg.Auth.Enabled && cfg.Auth.Secret == "" {
		return Config{}, fmt.Errorf("config: auth enabled but no secret set")
	}
	return cfg, nil
}
