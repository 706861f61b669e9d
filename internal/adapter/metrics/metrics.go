package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tenancy"

// TenancyMetrics holds all Prometheus metrics for the tenancy core.
// Every component accepts a nil *TenancyMetrics and skips recording.
type TenancyMetrics struct {
	PoolCheckouts        *prometheus.CounterVec
	PoolCheckoutDuration *prometheus.HistogramVec
	PoolProbeFailures    prometheus.Counter
	PoolEvictions        prometheus.Counter
	PoolOpen             *prometheus.GaugeVec
	PoolIdle             *prometheus.GaugeVec
	PoolWaiters          *prometheus.GaugeVec

	ResolverLookups *prometheus.CounterVec

	ConnectionAttempts *prometheus.CounterVec

	CredentialLegacyPlaintext prometheus.Counter
	CredentialRotated         prometheus.Counter

	ProvisioningRuns     *prometheus.CounterVec
	ProvisioningDuration *prometheus.HistogramVec

	ThresholdAlerts *prometheus.CounterVec
}

// NewTenancyMetrics registers the metrics with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func NewTenancyMetrics(reg prometheus.Registerer) *TenancyMetrics {
	f := promauto.With(reg)
	return &TenancyMetrics{
		PoolCheckouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "checkouts_total",
			Help:      "Total number of connection checkouts by outcome.",
		}, []string{"outcome"}), // outcome: reused, dialed, replaced, timeout, error
		PoolCheckoutDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "checkout_duration_seconds",
			Help:      "Time spent waiting for a pooled connection.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"outcome"}),
		PoolProbeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "probe_failures_total",
			Help:      "Total number of liveness probes that found a dead connection.",
		}),
		PoolEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Total number of idle connections closed by the evictor.",
		}),
		PoolOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "open_connections",
			Help:      "Open connections per tenant bucket.",
		}, []string{"tenant"}),
		PoolIdle: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Idle connections per tenant bucket.",
		}, []string{"tenant"}),
		PoolWaiters: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "waiters",
			Help:      "Callers queued for a saturated tenant bucket.",
		}, []string{"tenant"}),
		ResolverLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "lookups_total",
			Help:      "Tenant resolutions by result.",
		}, []string{"result"}), // result: hit, negative_hit, miss, not_found, central, error
		ConnectionAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "acquire_total",
			Help:      "Connection acquisitions by outcome.",
		}, []string{"outcome"}),
		CredentialLegacyPlaintext: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "legacy_plaintext_total",
			Help:      "Secrets read through the legacy plaintext path.",
		}),
		CredentialRotated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "rotated_total",
			Help:      "Profiles re-encrypted under a new key.",
		}),
		ProvisioningRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "runs_total",
			Help:      "Provisioning pipeline runs by outcome.",
		}, []string{"outcome"}),
		ProvisioningDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "step_duration_seconds",
			Help:      "Duration of each provisioning step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		ThresholdAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "alerts_total",
			Help:      "Threshold alerts raised by kind.",
		}, []string{"kind"}),
	}
}
