// Package observability sets up the process's ambient logging: a slog
// logger optionally bridged to OpenTelemetry and rotated to disk with
// lumberjack. The tracer and meter used around the dispatcher's hot path
// live in internal/dispatch (telemetry.go), not here.
package observability

import (
	"log/slog"
	"os"

	"github.com/kbusd/kbusd/config"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig is the logging subset of config.Config needed here, kept
// narrow so this package doesn't need the whole Config type.
type LogConfig struct {
	Level  string
	Format string

	// File rotates logs to disk via lumberjack when non-empty; empty
	// means stderr only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// OTelBridge, when true, fans every record out to the configured
	// OpenTelemetry log provider in addition to the local sink.
	OTelBridge bool
}

// NewLogger builds the process's root *slog.Logger per cfg.
func NewLogger(cfg LogConfig) *slog.Logger {
	level := parseLevel(cfg.Level)

	var sink interface {
		Write([]byte) (int, error)
	} = os.Stderr
	if cfg.File != "" {
		sink = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(sink, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})
	}

	if cfg.OTelBridge {
		handler = fanoutHandler{local: handler, otel: otelslog.NewHandler("kbusd")}
	}

	return slog.New(handler)
}

// LogConfigFrom adapts a loaded config.Config into the narrower
// LogConfig this package accepts.
func LogConfigFrom(cfg *config.Config) LogConfig {
	return LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, OTelBridge: true}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
