// Package logging wires the control plane's structured logging: slog with a
// runtime-adjustable level, JSON output by default, a service attribute on
// every record, and a bridge so stdlib log output from dependencies lands in
// the same stream.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

const serviceName = "control-plane"

// Level is a package-level LevelVar that allows runtime log level changes.
var Level slog.LevelVar

// Setup initialises the default slog logger from environment variables:
//
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
func Setup() {
	SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures slog with explicit parameters (useful for testing).
func SetupWithConfig(levelStr, formatStr string, w io.Writer) {
	Level.Set(ParseLevel(levelStr))
	opts := &slog.HandlerOptions{Level: &Level}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(formatStr), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)

	// Bridge stdlib log -> slog so log.Printf calls from dependencies are
	// captured in the same structured stream.
	log.SetOutput(bridgeWriter{logger: logger})
	log.SetFlags(0) // slog handles timestamps
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// bridgeWriter adapts a slog.Logger to io.Writer for the stdlib log bridge.
type bridgeWriter struct {
	logger *slog.Logger
}

func (w bridgeWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, "logger", "stdlib")
	return len(p), nil
}
