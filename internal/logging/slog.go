// Package logging sets up slog and keeps attribute names consistent across the engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Common log attribute keys.
const (
	KeyOperation     = "operation"
	KeyCompany       = "company_id"
	KeyIntegration   = "integration_id"
	KeyProvider      = "provider"
	KeyAppointment   = "appointment_id"
	KeyProviderEvent = "provider_event_id"
	KeyError         = "error"
)

// Setup builds a logger writing to stderr. format is "text" (default) or "json".
func Setup(level, format string) *slog.Logger {
	return New(os.Stderr, level, format)
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(KeyOperation, operation)
}

// Err returns the error attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
