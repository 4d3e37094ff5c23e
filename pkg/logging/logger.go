// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// RunID is attached to every event when set.
	RunID string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := ParseLevel(string(cfg.Level))
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	lctx := zerolog.New(output).With().Timestamp()
	if cfg.RunID != "" {
		lctx = lctx.Str("run_id", cfg.RunID)
	}
	logger := lctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithLogger returns a copy of ctx carrying l.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger carried by ctx, or fallback when ctx has none.
func FromContext(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l == nil || l.GetLevel() == zerolog.Disabled {
		return fallback
	}
	return *l
}

// Log Level Guidelines:
//
// Debug: page level detail
//   - Individual page requests (page, items, total_count)
//   - Per-second limiter waits
//   - Pool acquire/release
//
// Info: normal run progress
//   - Wave start/finish per period
//   - Batch inserts (rows, batch index)
//   - Retry round results
//   - Final summary
//
// Warn: recoverable conditions
//   - Partial fetches (resume page recorded)
//   - Batch insert fallback to row-by-row
//   - Quota usage close to the daily limit
//
// Error: conditions requiring operator attention
//   - Row-level insert failures (fetch_key, row)
//   - Exhausted retries
//   - Unregistered API key (source aborted)
//   - Connection pool exhaustion
//
// Context Fields:
//   - run_id: identifier of one harvester run
//   - source_type: dandok, yeonlip, officeHotel, regionCd
//   - region / period / page: fetch coordinates
//   - fetch_key: source_type/region/period
//   - error_class: unregistered_key, quota_daily, quota_second, upstream, server, client, network, decode
//   - table / batch / rows: loader coordinates
