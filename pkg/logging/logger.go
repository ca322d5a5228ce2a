// Package logging wraps log/slog with the configuration surface this job
// reads at start-up. It is a deliberately thin wrapper: every component
// that logs takes a *Logger as an explicit constructor argument rather than
// reaching for the package-level default, which exists only for main and
// for tests that don't care.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Config controls how a Logger is built. It is a plain value type, which
// pkg/config holds as its Logging field.
type Config struct {
	Level     string // debug|info|warn|error, default info
	Format    string // json|text, default text
	Output    string // stdout|stderr|file, default stdout
	FilePath  string // used when Output == "file"
	AddSource bool
}

// Logger wraps slog.Logger with the job's logging configuration.
type Logger struct {
	*slog.Logger
	cfg Config
}

// New creates a new logger from configuration.
func New(cfg Config) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		output = f
	default:
		output = os.Stdout
	}

	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		cfg:    cfg,
	}, nil
}

// NewDefault creates a logger with sensible defaults (info level, text
// format, stdout).
func NewDefault() *Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: false,
	})
	return &Logger{
		Logger: slog.New(handler),
		cfg: Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// WithFields creates a new logger with additional fields.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.Logger.With(args...), cfg: l.cfg}
}

// WithField creates a new logger with an additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Logger: l.Logger.With(key, value), cfg: l.cfg}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var global *Logger

func init() {
	global = NewDefault()
}

// SetGlobal sets the global logger used by the package-level convenience
// functions below.
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the global logger.
func Global() *Logger {
	return global
}

func Debug(msg string, args ...any) { global.Debug(msg, args...) }
func Info(msg string, args ...any)  { global.Info(msg, args...) }
func Warn(msg string, args ...any)  { global.Warn(msg, args...) }
func Error(msg string, args ...any) { global.Error(msg, args...) }

func DebugContext(ctx context.Context, msg string, args ...any) { global.DebugContext(ctx, msg, args...) }
func InfoContext(ctx context.Context, msg string, args ...any)  { global.InfoContext(ctx, msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { global.WarnContext(ctx, msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { global.ErrorContext(ctx, msg, args...) }
