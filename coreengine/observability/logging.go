package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Logger is the structured logger used throughout reviewcore.
// Messages are snake_case event names; fields are alternating keys and values.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Bind(keysAndValues ...any) Logger
}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

// NewJSONLogger returns a Logger writing JSON lines to w at the given level
// (debug, info, warn or error; anything else means info).
func NewJSONLogger(w io.Writer, level string) *SlogLogger {
	return NewSlogLogger(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})))
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (s *SlogLogger) Debug(msg string, keysAndValues ...any) {
	s.l.Log(context.Background(), slog.LevelDebug, msg, keysAndValues...)
}

func (s *SlogLogger) Info(msg string, keysAndValues ...any) {
	s.l.Log(context.Background(), slog.LevelInfo, msg, keysAndValues...)
}

func (s *SlogLogger) Warn(msg string, keysAndValues ...any) {
	s.l.Log(context.Background(), slog.LevelWarn, msg, keysAndValues...)
}

func (s *SlogLogger) Error(msg string, keysAndValues ...any) {
	s.l.Log(context.Background(), slog.LevelError, msg, keysAndValues...)
}

// Bind returns a logger that adds keysAndValues to every record.
func (s *SlogLogger) Bind(keysAndValues ...any) Logger {
	return &SlogLogger{l: s.l.With(keysAndValues...)}
}

// Slog returns the underlying slog logger.
func (s *SlogLogger) Slog() *slog.Logger {
	return s.l
}

type nopLogger struct{}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any)  {}
func (nopLogger) Info(string, ...any)   {}
func (nopLogger) Warn(string, ...any)   {}
func (nopLogger) Error(string, ...any)  {}
func (n nopLogger) Bind(...any) Logger { return n }
