package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging interface used across smelt. It mirrors the slog
// method set so components can take a Logger without depending on a handler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New wraps a slog handler.
func New(handler slog.Handler) Logger {
	return &slogLogger{l: slog.New(handler)}
}

// Default writes text records at info level to stderr.
func Default() Logger {
	return New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Nop discards everything.
func Nop() Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// JSON is meant for machine-consumed output (serve mode, CI).
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Pretty is the colored CLI format.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{Level: level}))
}

// Setup builds a logger from the CLI flags. format is one of pretty, json or
// text; level is parsed with ParseLevel.
func Setup(w io.Writer, format, level string) (Logger, error) {
	lvl := ParseLevel(level)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "pretty":
		return Pretty(w, lvl), nil
	case "json":
		return JSON(w, lvl), nil
	case "text":
		return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want pretty, json or text)", format)
	}
}

type loggerKey struct{}

// FromContext returns the logger stored by WithContext, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

func (s *slogLogger) WithGroup(name string) Logger {
	return &slogLogger{l: s.l.WithGroup(name)}
}

// ParseLevel converts a string level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
