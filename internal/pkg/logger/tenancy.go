package logger

import (
	"context"
	"log/slog"
	"time"
)

// Scrubber removes secrets from error text. *redact.Redactor satisfies it.
type Scrubber interface {
	Error(err error) string
}

// TenancyLogger records connection lifecycle and provisioning events with a
// fixed attribute set. Error text passes through the scrubber so DSNs and
// credential envelopes never reach a log line.
type TenancyLogger struct {
	logger   *slog.Logger
	scrubber Scrubber
}

func NewTenancyLogger(logger *slog.Logger, scrubber Scrubber) *TenancyLogger {
	return &TenancyLogger{
		logger:   logger.With("component", "tenancy"),
		scrubber: scrubber,
	}
}

func (l *TenancyLogger) Acquired(ctx context.Context, tenantID string, took time.Duration, attempts int) {
	l.logger.DebugContext(ctx, "tenant connection acquired",
		"tenant_id", tenantID, "op", "acquire", "outcome", "success",
		"duration_ms", took.Milliseconds(), "attempts", attempts)
}

func (l *TenancyLogger) Released(ctx context.Context, tenantID string, held time.Duration, health string) {
	l.logger.DebugContext(ctx, "tenant connection released",
		"tenant_id", tenantID, "op", "release", "held_ms", held.Milliseconds(), "health", health)
}

func (l *TenancyLogger) Failed(ctx context.Context, tenantID, op string, took time.Duration, attempts int, err error) {
	l.logger.ErrorContext(ctx, "tenant connection failed",
		"tenant_id", tenantID, "op", op, "outcome", "failure",
		"duration_ms", took.Milliseconds(), "attempts", attempts, "error", l.scrub(err))
}

func (l *TenancyLogger) Retrying(ctx context.Context, tenantID string, attempt int, backoff time.Duration, err error) {
	l.logger.WarnContext(ctx, "tenant connection unavailable, retrying",
		"tenant_id", tenantID, "op", "acquire", "attempt", attempt,
		"backoff_ms", backoff.Milliseconds(), "error", l.scrub(err))
}

func (l *TenancyLogger) Degraded(ctx context.Context, tenantID string, err error) {
	l.logger.WarnContext(ctx, "tenant connection marked suspect",
		"tenant_id", tenantID, "op", "with_tenant", "error", l.scrub(err))
}

func (l *TenancyLogger) Step(ctx context.Context, tenantID, step string, took time.Duration, err error) {
	if err != nil {
		l.logger.ErrorContext(ctx, "provisioning step failed",
			"tenant_id", tenantID, "op", "provision", "step", step,
			"duration_ms", took.Milliseconds(), "error", l.scrub(err))
		return
	}
	l.logger.InfoContext(ctx, "provisioning step completed",
		"tenant_id", tenantID, "op", "provision", "step", step, "duration_ms", took.Milliseconds())
}

func (l *TenancyLogger) scrub(err error) string {
	if err == nil {
		return ""
	}
	if l.scrubber == nil {
		return err.Error()
	}
	return l.scrubber.Error(err)
}
