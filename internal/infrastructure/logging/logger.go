package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/phsym/console-slog"

	"github.com/nerrad567/canbridge/internal/infrastructure/config"
)

// Logger is the bridge's structured logger.
//
// Its level lives in a slog.LevelVar shared by every logger derived with
// With, so SetLevel and ToggleDebug take effect everywhere at once. The
// daemon uses this to switch frame-level debug output on and off without a
// restart.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger

	level      *slog.LevelVar
	configured slog.Level
}

// New creates a Logger writing to cfg.Output in cfg.Format, tagged with
// service and version.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}
	return newLogger(output, cfg, version)
}

func newLogger(output io.Writer, cfg config.LoggingConfig, version string) *Logger {
	configured := parseLevel(cfg.Level)
	level := new(slog.LevelVar)
	level.Set(configured)

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	case "console":
		handler = console.NewHandler(output, &console.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	default:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "canbridge"),
		slog.String("version", version),
	})

	return &Logger{
		Logger:     slog.New(handler),
		level:      level,
		configured: configured,
	}
}

// parseLevel converts a level name to slog.Level. Unknown names are info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger with additional attributes. The child shares
// the parent's level.
//
// Example:
//
//	busLog := logger.With("component", "canbus", "channel", "can0")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:     l.Logger.With(args...),
		level:      l.level,
		configured: l.configured,
	}
}

// Level returns the current level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// SetLevel changes the level by name for this logger and all its children.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// ToggleDebug switches between debug and the configured level and returns
// the level now in effect.
func (l *Logger) ToggleDebug() slog.Level {
	next := slog.LevelDebug
	if l.level.Level() == slog.LevelDebug {
		next = l.configured
	}
	l.level.Set(next)
	return next
}

// Default creates a JSON info logger on stdout for use before the
// configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
