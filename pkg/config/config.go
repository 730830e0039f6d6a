// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the single configuration structure the Server Core is built
// from. It is assembled once by Loader.Load before start; nothing in the
// request path re-reads it.
type Config struct {
	App         AppConfig         `koanf:"app"`
	Server      ServerConfig      `koanf:"server"`
	Cluster     ClusterConfig     `koanf:"cluster"`
	WorkerPool  WorkerPoolConfig  `koanf:"worker_pool"`
	Cache       CacheConfig       `koanf:"cache"`
	PreCompiler PreCompilerConfig `koanf:"pre_compiler"`
	Log         LogConfig         `koanf:"log"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Tracing     TracingConfig     `koanf:"tracing"`
}

// AppConfig holds process-identity settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// ServerConfig configures the HTTP front-end (§6, §4.7).
type ServerConfig struct {
	Host            string          `koanf:"host"`
	Port            int             `koanf:"port"`
	ReadTimeout     time.Duration   `koanf:"read_timeout"`
	WriteTimeout    time.Duration   `koanf:"write_timeout"`
	IdleTimeout     time.Duration   `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout"`
	MaxConnections  int             `koanf:"max_connections"`
	EnableH2C       bool            `koanf:"enable_h2c"`
	AutoPortSwitch  AutoSwitchConfig `koanf:"auto_port_switch"`
}

// AutoSwitchConfig configures the Port Arbiter's fallback behavior (§4.1).
type AutoSwitchConfig struct {
	Enabled     bool   `koanf:"enabled"`
	PortRangeLo int    `koanf:"port_range_lo"`
	PortRangeHi int    `koanf:"port_range_hi"`
	Strategy    string `koanf:"strategy"` // increment, random
	MaxAttempts int    `koanf:"max_attempts"`
}

// ClusterConfig configures the Cluster Supervisor (§4.6).
type ClusterConfig struct {
	Enabled  bool             `koanf:"enabled"`
	Workers  string           `koanf:"workers"` // integer or "auto"
	Security ClusterSecurity  `koanf:"security"`
	Restart  RestartPolicy    `koanf:"restart"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
}

// ClusterSecurity configures IPC and isolation posture (§4.6).
type ClusterSecurity struct {
	IsolateWorkers    bool `koanf:"isolate_workers"`
	PreventForkBombs  bool `koanf:"prevent_fork_bombs"`
	EncryptIPC        bool `koanf:"encrypt_ipc"`
	SandboxMode       bool `koanf:"sandbox_mode"`
	ResourceLimitFDs  int  `koanf:"resource_limit_fds"`
}

// RestartPolicy configures crash-restart backoff (§4.6).
type RestartPolicy struct {
	BaseBackoff    time.Duration `koanf:"base_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	MaxRestarts    int           `koanf:"max_restarts"`
	RestartWindow  time.Duration `koanf:"restart_window"`
}

// HeartbeatConfig configures the supervisor<->worker heartbeat (§4.6).
type HeartbeatConfig struct {
	Interval        time.Duration `koanf:"interval"`
	MissedThreshold int           `koanf:"missed_threshold"`
}

// WorkerPoolConfig configures the CPU/IO worker pools (§4.2).
type WorkerPoolConfig struct {
	CPU                PoolConfig `koanf:"cpu"`
	IO                 PoolConfig `koanf:"io"`
	MaxConcurrentTasks int        `koanf:"max_concurrent_tasks"`
}

// PoolConfig configures one kind of worker pool.
type PoolConfig struct {
	Min          int `koanf:"min"`
	Max          int `koanf:"max"`
	QueueHighWater int `koanf:"queue_high_water"`
}

// CacheConfig configures the Response Cache (§4.3).
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Strategy   string        `koanf:"strategy"` // memory, redis, hybrid
	MaxEntries int           `koanf:"max_entries"`
	MaxBytes   int64         `koanf:"max_bytes"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	Redis      RedisConfig   `koanf:"redis"`
}

// RedisConfig configures the optional redis/hybrid cache backend.
type RedisConfig struct {
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Password string `koanf:"password"`
	DB      int    `koanf:"db"`
	Cluster bool   `koanf:"cluster"`
	PoolSize int   `koanf:"pool_size"`
}

// Address returns the redis host:port pair.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// PreCompilerConfig configures the Request Pre-Compiler (§4.5).
type PreCompilerConfig struct {
	Enabled                bool          `koanf:"enabled"`
	LearningPeriod         time.Duration `koanf:"learning_period"`
	OptimizationThreshold  float64       `koanf:"optimization_threshold"` // requests/minute
	MaxCompiledRoutes      int           `koanf:"max_compiled_routes"`
	AggressiveOptimization bool          `koanf:"aggressive_optimization"`
	PredictivePreloading   bool          `koanf:"predictive_preloading"`
	CooldownPeriod         time.Duration `koanf:"cooldown_period"`
	HysteresisLowWater     float64       `koanf:"hysteresis_low_water"`
}

// LogConfig configures the slog-based ambient logger.
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"` // days
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	validStrategies := map[string]bool{"memory": true, "redis": true, "hybrid": true}
	if c.Cache.Strategy != "" && !validStrategies[c.Cache.Strategy] {
		errs = append(errs, fmt.Sprintf("cache.strategy must be one of: memory, redis, hybrid, got %s", c.Cache.Strategy))
	}

	if c.Server.AutoPortSwitch.Enabled {
		if c.Server.AutoPortSwitch.PortRangeLo <= 0 || c.Server.AutoPortSwitch.PortRangeHi < c.Server.AutoPortSwitch.PortRangeLo {
			errs = append(errs, "server.auto_port_switch.port_range_lo/hi must form a valid range")
		}
	}

	if c.WorkerPool.CPU.Max < c.WorkerPool.CPU.Min || c.WorkerPool.IO.Max < c.WorkerPool.IO.Min {
		errs = append(errs, "worker_pool.{cpu,io}.max must be >= min")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the configured environment is development.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
