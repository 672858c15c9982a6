// Package audit records the Runtime Engine's security and error
// events to a structured trail, independent of the Event Store's
// durable log — this is the operator-facing side channel, grounded on
// the teacher's "AUDIT:"-prefixed structured logging convention.
package audit

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

// Logger records evt.security.violation and evt.runtime.error
// envelopes with a distinguishing "AUDIT" marker so they can be
// grepped or routed to a separate sink independent of ordinary
// application logs.
type Logger struct {
	logger *slog.Logger
}

// New wraps logger with the audit marker. A nil logger falls back to
// slog.Default().
func New(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("AUDIT", true)}
}

// Record logs e at a severity matching its type: security violations
// and runtime errors are logged as errors, everything else as info.
func (l *Logger) Record(ctx context.Context, e *envelope.Envelope) {
	attrs := []any{
		"event_id", e.MessageID,
		"event_type", e.Type,
		"tenant", e.Tenant,
		"workspace", e.Workspace,
		"idempotency_key", e.IdempotencyKey,
		"causation_id", e.CausationID,
	}
	switch e.Type {
	case "evt.security.violation":
		l.logger.ErrorContext(ctx, "security violation", append(attrs, "payload", e.Payload)...)
	case "evt.runtime.error":
		l.logger.ErrorContext(ctx, "runtime error", append(attrs, "payload", e.Payload)...)
	default:
		l.logger.InfoContext(ctx, "audit event", attrs...)
	}
}

// RecordAll calls Record for every event in es whose type is
// evt.security.violation or evt.runtime.error, ignoring the rest —
// a convenience for engine.Outcome.Outputs after a non-OK Process call.
func (l *Logger) RecordAll(ctx context.Context, es []*envelope.Envelope) {
	for _, e := range es {
		if e.Type == "evt.security.violation" || e.Type == "evt.runtime.error" {
			l.Record(ctx, e)
		}
	}
}
