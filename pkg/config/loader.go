// pkg/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "XYPRISS_"
	configEnvVar = "XYPRISS_CONFIG_PATH"
)

// Loader loads the configuration from layered sources.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/xypriss/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths sets the candidate config file search paths.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load loads configuration with priority:
// 1. Defaults (lowest)
// 2. Config file (yaml)
// 3. Environment variables (highest, short of explicit overrides applied by the caller)
func (l *Loader) Load() (*Config, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "xypriss",
		"app.version":     "0.1.0",
		"app.environment": "development",
		"app.debug":       false,

		// Server
		"server.host":             "0.0.0.0",
		"server.port":             8080,
		"server.read_timeout":     30 * time.Second,
		"server.write_timeout":    30 * time.Second,
		"server.idle_timeout":     120 * time.Second,
		"server.shutdown_timeout": 10 * time.Second,
		"server.max_connections":  10000,
		"server.enable_h2c":       true,

		"server.auto_port_switch.enabled":      true,
		"server.auto_port_switch.port_range_lo": 8080,
		"server.auto_port_switch.port_range_hi": 8180,
		"server.auto_port_switch.strategy":      "increment",
		"server.auto_port_switch.max_attempts":  20,

		// Cluster
		"cluster.enabled": false,
		"cluster.workers": "auto",

		"cluster.security.isolate_workers":     true,
		"cluster.security.prevent_fork_bombs":  true,
		"cluster.security.encrypt_ipc":         true,
		"cluster.security.sandbox_mode":        false,
		"cluster.security.resource_limit_fds":  1024,

		"cluster.restart.base_backoff":   500 * time.Millisecond,
		"cluster.restart.max_backoff":    30 * time.Second,
		"cluster.restart.max_restarts":   10,
		"cluster.restart.restart_window": 5 * time.Minute,

		"cluster.heartbeat.interval":         2 * time.Second,
		"cluster.heartbeat.missed_threshold": 3,

		// Worker pool
		"worker_pool.cpu.min":              1,
		"worker_pool.cpu.max":              4,
		"worker_pool.cpu.queue_high_water": 1000,
		"worker_pool.io.min":               2,
		"worker_pool.io.max":               16,
		"worker_pool.io.queue_high_water":  2000,
		"worker_pool.max_concurrent_tasks": 64,

		// Cache
		"cache.enabled":     true,
		"cache.strategy":    "memory",
		"cache.max_entries": 100000,
		"cache.max_bytes":   256 * 1024 * 1024,
		"cache.default_ttl": 5 * time.Minute,
		"cache.redis.host":      "localhost",
		"cache.redis.port":      6379,
		"cache.redis.db":        0,
		"cache.redis.pool_size": 10,

		// Pre-compiler
		"pre_compiler.enabled":                 true,
		"pre_compiler.learning_period":         2 * time.Minute,
		"pre_compiler.optimization_threshold":  60.0,
		"pre_compiler.max_compiled_routes":      64,
		"pre_compiler.aggressive_optimization": false,
		"pre_compiler.predictive_preloading":   false,
		"pre_compiler.cooldown_period":         1 * time.Minute,
		"pre_compiler.hysteresis_low_water":    20.0,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 3,
		"log.max_age":     7,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.port":      9090,
		"metrics.path":      "/metrics",
		"metrics.namespace": "xypriss",
		"metrics.subsystem": "",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "xypriss",
		"tracing.sample_rate":  0.1,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		// XYPRISS_SERVER_PORT -> server.port
		return strings.ReplaceAll(
			strings.ToLower(
				strings.TrimPrefix(s, l.envPrefix),
			),
			"_", ".",
		)
	}), nil)
}

// MustLoad loads configuration or panics.
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load is a convenience function loading configuration with defaults.
func Load() (*Config, error) {
	return NewLoader().Load()
}
