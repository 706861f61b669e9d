package usecase

import (
	"context"
	"log/slog"
	"runtime/metrics"
	"sort"
	"sync"
	"time"

	tenancymetrics "github.com/V4T54L/tenancy/internal/adapter/metrics"
	"github.com/V4T54L/tenancy/internal/domain"
)

// ProcessScope is the tenant id used for alerts about the whole process.
const ProcessScope = "_process"

const heapMetric = "/memory/classes/heap/objects:bytes"

// MonitorConfig holds the alert thresholds. A zero threshold disables its check.
type MonitorConfig struct {
	MaxFailedConnections int64
	MaxConnectionTime    time.Duration
	MaxSlowConnections   int64
	MaxMemoryBytes       int64
	ResetInterval        time.Duration
}

// TenantCounters is a snapshot of one tenant's window.
type TenantCounters struct {
	TenantID            string    `json:"tenant_id"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	Failures            int64     `json:"failures"`
	SlowConnections     int64     `json:"slow_connections"`
	Connections         int64     `json:"connections"`
	MemoryBytes         int64     `json:"memory_bytes"`
	WindowStart         time.Time `json:"window_start"`
}

type tenantWindow struct {
	consecutiveFailures int64
	failures            int64
	slow                int64
	connections         int64
	memory              int64
	byKind              map[domain.FailureKind]int64
	latched             map[domain.ThresholdKind]bool
}

// TenancyMonitor keeps per-tenant counters over a window and raises one
// advisory alert per tenant and threshold kind per window.
type TenancyMonitor struct {
	cfg       MonitorConfig
	publisher domain.EventPublisher
	logger    *slog.Logger
	metrics   *tenancymetrics.TenancyMetrics
	now       func() time.Time
	sample    func() int64

	mu          sync.Mutex
	windows     map[string]*tenantWindow
	windowStart time.Time
}

// NewTenancyMonitor creates a monitor. publisher may be nil.
func NewTenancyMonitor(cfg MonitorConfig, publisher domain.EventPublisher, logger *slog.Logger, m *tenancymetrics.TenancyMetrics) *TenancyMonitor {
	return &TenancyMonitor{
		cfg:         cfg,
		publisher:   publisher,
		logger:      logger.With("component", "tenancy_monitor"),
		metrics:     m,
		now:         time.Now,
		sample:      heapBytes,
		windows:     make(map[string]*tenantWindow),
		windowStart: time.Now(),
	}
}

func (m *TenancyMonitor) window(tenantID string) *tenantWindow {
	w, ok := m.windows[tenantID]
	if !ok {
		w = &tenantWindow{
			byKind:  make(map[domain.FailureKind]int64),
			latched: make(map[domain.ThresholdKind]bool),
		}
		m.windows[tenantID] = w
	}
	return w
}

// RecordConnection counts one acquisition. A success ends a failure streak;
// a success slower than MaxConnectionTime counts as slow.
func (m *TenancyMonitor) RecordConnection(tenantID string, took time.Duration, outcome domain.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.window(tenantID)
	w.connections++
	if outcome != domain.OutcomeSuccess {
		return
	}
	w.consecutiveFailures = 0
	if m.cfg.MaxConnectionTime > 0 && took > m.cfg.MaxConnectionTime {
		w.slow++
	}
}

// RecordFailure counts one failed acquisition.
func (m *TenancyMonitor) RecordFailure(tenantID string, kind domain.FailureKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.window(tenantID)
	w.consecutiveFailures++
	w.failures++
	w.byKind[kind]++
}

// RecordMemory stores a memory sample attributed to a tenant.
func (m *TenancyMonitor) RecordMemory(tenantID string, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window(tenantID).memory = bytes
}

// CheckThresholds compares every counter against its threshold and publishes
// an alert for each newly exceeded one. Counters are cleared only when the
// reset interval has passed, after the check.
func (m *TenancyMonitor) CheckThresholds(ctx context.Context) []domain.ConnectionThresholdExceeded {
	if m.cfg.MaxMemoryBytes > 0 && m.sample != nil {
		m.RecordMemory(ProcessScope, m.sample())
	}

	now := m.now()
	m.mu.Lock()
	var alerts []domain.ConnectionThresholdExceeded
	raise := func(tenantID string, w *tenantWindow, kind domain.ThresholdKind, observed, limit int64) {
		if limit <= 0 || observed <= limit || w.latched[kind] {
			return
		}
		w.latched[kind] = true
		alerts = append(alerts, domain.ConnectionThresholdExceeded{
			TenantID: tenantID, Kind: kind, Observed: observed, Threshold: limit, At: now,
		})
	}
	for tenantID, w := range m.windows {
		raise(tenantID, w, domain.ThresholdFailedConnections, w.consecutiveFailures, m.cfg.MaxFailedConnections)
		raise(tenantID, w, domain.ThresholdConnectionTime, w.slow, m.cfg.MaxSlowConnections)
		raise(tenantID, w, domain.ThresholdMemory, w.memory, m.cfg.MaxMemoryBytes)
	}
	if m.cfg.ResetInterval > 0 && now.Sub(m.windowStart) >= m.cfg.ResetInterval {
		m.windows = make(map[string]*tenantWindow)
		m.windowStart = now
	}
	m.mu.Unlock()

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].TenantID != alerts[j].TenantID {
			return alerts[i].TenantID < alerts[j].TenantID
		}
		return alerts[i].Kind < alerts[j].Kind
	})
	for _, a := range alerts {
		m.logger.Warn("tenancy threshold exceeded",
			"tenant_id", a.TenantID, "kind", a.Kind, "observed", a.Observed, "threshold", a.Threshold)
		if m.metrics != nil {
			m.metrics.ThresholdAlerts.WithLabelValues(string(a.Kind)).Inc()
		}
		if m.publisher != nil {
			if err := m.publisher.Publish(ctx, a); err != nil {
				m.logger.Error("failed to publish threshold alert", "tenant_id", a.TenantID, "error", err)
			}
		}
	}
	return alerts
}

// Snapshot returns the current window for one tenant.
func (m *TenancyMonitor) Snapshot(tenantID string) TenantCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := TenantCounters{TenantID: tenantID, WindowStart: m.windowStart}
	if w, ok := m.windows[tenantID]; ok {
		out.ConsecutiveFailures = w.consecutiveFailures
		out.Failures = w.failures
		out.SlowConnections = w.slow
		out.Connections = w.connections
		out.MemoryBytes = w.memory
	}
	return out
}

// Start runs CheckThresholds every interval until ctx is done.
func (m *TenancyMonitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping tenancy monitor")
			return
		case <-ticker.C:
			m.CheckThresholds(ctx)
		}
	}
}

func heapBytes() int64 {
	s := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(s[0].Value.Uint64())
}
