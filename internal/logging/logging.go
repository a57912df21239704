// Package logging configures structured, correlation-aware logging built
// on zerolog. Correlation fields travel explicitly on a Correlation struct
// threaded through calls, rather than through goroutine-local state.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Init builds the process logger and sets zerolog's global level. level is case-insensitive
// ("debug", "info", "warn", "error"); json selects structured JSON output
// suitable for log aggregation, otherwise a console writer is used.
func Init(level string, json bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if json {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}

	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		lvl = parsed
	}
	logger = logger.Level(lvl)
	zerolog.SetGlobalLevel(lvl)
	return logger
}

// Correlation carries request-scoped identifiers that should accompany
// every log line for a given unit of work, mirroring the source system's
// contextvar-based log_context but passed explicitly on the call chain.
type Correlation struct {
	RequestID  string
	TenantID   string
	DocumentID string
	QueueID    int64
}

// With returns a child logger annotated with the non-empty correlation
// fields.
func With(logger zerolog.Logger, c Correlation) zerolog.Logger {
	ctx := logger.With()
	if c.RequestID != "" {
		ctx = ctx.Str("request_id", c.RequestID)
	}
	if c.TenantID != "" {
		ctx = ctx.Str("tenant_id", c.TenantID)
	}
	if c.DocumentID != "" {
		ctx = ctx.Str("document_id", c.DocumentID)
	}
	if c.QueueID != 0 {
		ctx = ctx.Int64("queue_id", c.QueueID)
	}
	return ctx.Logger()
}
