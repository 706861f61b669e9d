package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/domain/mocks"
)

func newTestMonitor(cfg MonitorConfig) (*TenancyMonitor, *mocks.EventRecorder, *time.Time) {
	events := &mocks.EventRecorder{}
	m := NewTenancyMonitor(cfg, events, discardLogger(), testMetrics())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.windowStart = now
	m.sample = nil
	return m, events, &now
}

func TestTenancyMonitor_OneAlertPerWindow(t *testing.T) {
	ctx := context.Background()
	m, events, _ := newTestMonitor(MonitorConfig{MaxFailedConnections: 5, ResetInterval: time.Hour})

	for i := 0; i < 6; i++ {
		m.RecordFailure("acme", domain.FailureDial)
		m.CheckThresholds(ctx)
	}
	m.RecordFailure("acme", domain.FailureDial)
	m.CheckThresholds(ctx)

	got := events.Named(domain.EventConnectionThresholdExceeded)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(got))
	}
	alert := got[0].(domain.ConnectionThresholdExceeded)
	if alert.TenantID != "acme" || alert.Kind != domain.ThresholdFailedConnections || alert.Observed != 6 || alert.Threshold != 5 {
		t.Errorf("alert = %+v", alert)
	}
}

func TestTenancyMonitor_AtThresholdDoesNotAlert(t *testing.T) {
	m, events, _ := newTestMonitor(MonitorConfig{MaxFailedConnections: 5, ResetInterval: time.Hour})

	for i := 0; i < 5; i++ {
		m.RecordFailure("acme", domain.FailureTimeout)
	}
	if alerts := m.CheckThresholds(context.Background()); len(alerts) != 0 {
		t.Fatalf("expected no alerts at the threshold, got %v", alerts)
	}
	if len(events.Events()) != 0 {
		t.Error("nothing should be published")
	}
}

func TestTenancyMonitor_SuccessEndsStreak(t *testing.T) {
	m, _, _ := newTestMonitor(MonitorConfig{MaxFailedConnections: 2, ResetInterval: time.Hour})

	m.RecordFailure("acme", domain.FailureDial)
	m.RecordFailure("acme", domain.FailureDial)
	m.RecordConnection("acme", time.Millisecond, domain.OutcomeSuccess)
	m.RecordFailure("acme", domain.FailureDial)

	if alerts := m.CheckThresholds(context.Background()); len(alerts) != 0 {
		t.Fatalf("expected no alerts, got %v", alerts)
	}
	snap := m.Snapshot("acme")
	if snap.ConsecutiveFailures != 1 || snap.Failures != 3 || snap.Connections != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTenancyMonitor_WindowReset(t *testing.T) {
	ctx := context.Background()
	m, events, now := newTestMonitor(MonitorConfig{MaxFailedConnections: 1, ResetInterval: time.Minute})

	m.RecordFailure("acme", domain.FailureDial)
	m.RecordFailure("acme", domain.FailureDial)
	m.CheckThresholds(ctx)

	*now = now.Add(2 * time.Minute)
	// The check that crosses the window boundary still evaluates the old window.
	m.CheckThresholds(ctx)
	if got := m.Snapshot("acme"); got.Failures != 0 {
		t.Fatalf("counters should reset after the window, got %+v", got)
	}

	m.RecordFailure("acme", domain.FailureDial)
	m.RecordFailure("acme", domain.FailureDial)
	m.CheckThresholds(ctx)

	if got := len(events.Named(domain.EventConnectionThresholdExceeded)); got != 2 {
		t.Errorf("expected one alert per window, got %d", got)
	}
}

func TestTenancyMonitor_FailedAttemptsAreNotSlow(t *testing.T) {
	m, _, _ := newTestMonitor(MonitorConfig{
		MaxConnectionTime:  100 * time.Millisecond,
		MaxSlowConnections: 1,
		ResetInterval:      time.Hour,
	})

	m.RecordConnection("acme", 5*time.Second, domain.OutcomeTimeout)
	m.RecordConnection("acme", 5*time.Second, domain.OutcomeFailure)
	m.RecordConnection("acme", 150*time.Millisecond, domain.OutcomeSuccess)

	if alerts := m.CheckThresholds(context.Background()); len(alerts) != 0 {
		t.Fatalf("only one slow success was recorded, got %v", alerts)
	}
	if got := m.Snapshot("acme"); got.SlowConnections != 1 || got.Connections != 3 {
		t.Errorf("snapshot = %+v, want 1 slow of 3 connections", got)
	}
}

func TestTenancyMonitor_SlowAndMemory(t *testing.T) {
	m, _, _ := newTestMonitor(MonitorConfig{
		MaxConnectionTime:  100 * time.Millisecond,
		MaxSlowConnections: 1,
		MaxMemoryBytes:     1 << 20,
		ResetInterval:      time.Hour,
	})
	m.sample = func() int64 { return 2 << 20 }

	m.RecordConnection("acme", 50*time.Millisecond, domain.OutcomeSuccess)
	m.RecordConnection("acme", 150*time.Millisecond, domain.OutcomeSuccess)
	m.RecordConnection("acme", 300*time.Millisecond, domain.OutcomeSuccess)

	alerts := m.CheckThresholds(context.Background())
	if len(alerts) != 2 {
		t.Fatalf("expected a slow alert and a memory alert, got %v", alerts)
	}
	if alerts[0].TenantID != ProcessScope || alerts[0].Kind != domain.ThresholdMemory {
		t.Errorf("first alert = %+v", alerts[0])
	}
	if alerts[1].TenantID != "acme" || alerts[1].Kind != domain.ThresholdConnectionTime || alerts[1].Observed != 2 {
		t.Errorf("second alert = %+v", alerts[1])
	}
}
