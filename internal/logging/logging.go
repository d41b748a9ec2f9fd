// Package logging provides structured logging for the responder daemon
// and initiator client.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and
// format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom
// writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output, used as a
// default when a caller doesn't configure one.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging across the responder and
// initiator.
const (
	KeyAddress       = "address"
	KeyDomain        = "domain"
	KeyExtension     = "extension"
	KeyLongTermKey   = "long_term_key"
	KeyShortTermKey  = "short_term_key"
	KeyPacket        = "packet"
	KeyError         = "error"
	KeyComponent     = "component"
	KeyDuration      = "duration"
	KeyBytes         = "bytes"
	KeyRetry         = "retry"
	KeySessionCount  = "session_count"
)
