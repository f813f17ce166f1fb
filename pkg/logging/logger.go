package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level and handler of the process logger.
type Config struct {
	Level  string
	Format string
}

// Init builds the process logger and installs it as the slog default.
// Unknown levels fall back to INFO, unknown formats to text.
func Init(cfg Config) *slog.Logger {
	return initTo(os.Stdout, cfg)
}

func initTo(w io.Writer, cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		opts.AddSource = true
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	logger.Info("logger_initialized", "level", level.String(), "format", cfg.Format)
	return logger
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(v string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewComponentLogger creates a component-specific logger with context.
// It adds the component name to all log messages for better traceability.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}
