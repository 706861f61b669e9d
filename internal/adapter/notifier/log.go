package notifier

import (
	"context"
	"log/slog"

	"github.com/V4T54L/tenancy/internal/domain"
)

// LogListener writes every event to the operator log. Failures and threshold
// alerts are logged at error and warn level so they reach alerting.
type LogListener struct {
	logger *slog.Logger
}

func NewLogListener(logger *slog.Logger) *LogListener {
	return &LogListener{logger: logger.With("component", "event_log")}
}

func (l *LogListener) Handle(ctx context.Context, event domain.Event) error {
	switch e := event.(type) {
	case domain.TenantProvisioningFailed:
		l.logger.ErrorContext(ctx, "tenant provisioning failed",
			"tenant_id", e.TenantID, "step", string(e.Step), "cause", e.Cause)
	case domain.ConnectionThresholdExceeded:
		l.logger.WarnContext(ctx, "tenant connection threshold exceeded",
			"tenant_id", e.TenantID, "kind", string(e.Kind), "observed", e.Observed, "threshold", e.Threshold)
	case domain.TenantProvisioned:
		l.logger.InfoContext(ctx, "tenant provisioned", "tenant_id", e.TenantID)
	default:
		l.logger.InfoContext(ctx, "tenancy event", "event", event.EventName(), "tenant_id", event.EventTenant())
	}
	return nil
}
