// Package logger is XyPriss's process-wide structured logger: a single
// *slog.Logger, configured once at startup from config.LogConfig and
// shared by every component (Server Core, Cluster Supervisor, Worker Pool,
// Router/Middleware Chain, Pre-Compiler) instead of each owning its own
// writer. Components reach it through Log directly, or through the
// WithWorkerID/WithCorrelationID helpers when a log line needs to carry one
// of those two request/cluster correlation values consistently.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

var Log *slog.Logger

// Config controls output shape and destination for the process logger.
type Config struct {
	Level      string
	Format     string // json, text
	Output     string // stdout, stderr, file
	FilePath   string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Init installs a logger at the given level, writing JSON to stdout. Used
// by command-line entry points that haven't loaded a full config.Config yet.
func Init(level string) {
	InitWithConfig(Config{
		Level:  level,
		Format: "json",
		Output: "stdout",
	})
}

// InitWithConfig installs the process-wide logger per cfg. Called once by
// the Server Core during startup, before the Cluster Supervisor spawns any
// worker (each worker process calls it again with its own inherited config).
func InitWithConfig(cfg Config) {
	var lvl slog.Level
	switch cfg.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var writer io.Writer
	switch cfg.Output {
	case "stderr":
		writer = os.Stderr
	case "file":
		if cfg.FilePath == "" {
			cfg.FilePath = "logs/xypriss.log"
		}
		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			writer = os.Stdout
		} else {
			// lumberjack rotates by size/age so a long-lived worker process
			// never fills the disk with a single unbounded log file.
			writer = &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}
		}
	default:
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	Log = slog.New(handler)
}

// WithContext returns a logger carrying ctx-scoped fields. Reserved for
// call sites that need to thread deadline/cancellation-derived attributes
// through a handler chain; currently unused fields are accepted for
// forward compatibility with context-carried request attributes.
func WithContext(ctx context.Context, args ...any) *slog.Logger {
	return Log.With(args...)
}

// WithCorrelationID returns a logger tagged with the RequestContext's
// correlation ID, so every log line emitted while handling one request can
// be grep'd back together (and matches the `correlationId` field the
// default error responder puts in its JSON error body).
func WithCorrelationID(correlationID string) *slog.Logger {
	return Log.With("correlationId", correlationID)
}

// WithWorkerID returns a logger tagged with a cluster Worker's id, the same
// identifier the Cluster Supervisor uses in WorkerPayload events.
func WithWorkerID(workerID int) *slog.Logger {
	return Log.With("workerId", workerID)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}

// Fatal logs at error level and terminates the process. Reserved for
// unrecoverable startup failures (bad config, a port that can never bind)
// where continuing would leave the process in an undefined state.
func Fatal(msg string, args ...any) {
	Log.Error(msg, args...)
	os.Exit(1)
}
