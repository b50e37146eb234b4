// Package logging configures slog for the fetcher and builds loggers that
// carry run and unit context.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Format string    // "json" | "text"
	Level  string    // "debug" | "info" | "warn" | "error"
	Output io.Writer // defaults to stderr; stdout carries command output
}

// NewHandler builds the slog handler described by cfg.
func NewHandler(cfg Config) slog.Handler {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// Setup installs a handler for cfg as the slog default.
func Setup(cfg Config) {
	slog.SetDefault(slog.New(NewHandler(cfg)))
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// GenerateCorrelationID returns 16 random hex characters.
func GenerateCorrelationID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// RunLogger returns a logger tagged with one product run.
func RunLogger(correlationID, product, date string, cycle int) *slog.Logger {
	return slog.With(
		"correlation_id", correlationID,
		"product", product,
		"date", date,
		"cycle", cycle,
	)
}

// UnitLogger extends RunLogger with the forecast hour and ensemble member.
func UnitLogger(correlationID, product, date string, cycle, fhr int, member string) *slog.Logger {
	l := RunLogger(correlationID, product, date, cycle).With("fhr", fhr)
	if member != "" {
		l = l.With("member", member)
	}
	return l
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
