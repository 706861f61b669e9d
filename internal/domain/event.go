package domain

import (
	"context"
	"time"
)

const (
	EventTenantProvisioned           = "tenant.provisioned"
	EventTenantProvisioningFailed    = "tenant.provisioning_failed"
	EventConnectionThresholdExceeded = "tenant.connection_threshold_exceeded"
)

// Event is published by the core to in-process listeners.
type Event interface {
	EventName() string
	EventTenant() string
	OccurredAt() time.Time
}

// TenantProvisioned fires once a tenant is flipped to active.
type TenantProvisioned struct {
	TenantID string    `json:"tenant_id"`
	At       time.Time `json:"at"`
}

func (e TenantProvisioned) EventName() string     { return EventTenantProvisioned }
func (e TenantProvisioned) EventTenant() string   { return e.TenantID }
func (e TenantProvisioned) OccurredAt() time.Time { return e.At }

// TenantProvisioningFailed fires when a provisioning step fails.
type TenantProvisioningFailed struct {
	TenantID string           `json:"tenant_id"`
	Step     ProvisioningStep `json:"step"`
	Cause    string           `json:"cause"`
	At       time.Time        `json:"at"`
}

func (e TenantProvisioningFailed) EventName() string     { return EventTenantProvisioningFailed }
func (e TenantProvisioningFailed) EventTenant() string   { return e.TenantID }
func (e TenantProvisioningFailed) OccurredAt() time.Time { return e.At }

// ThresholdKind names a monitored counter.
type ThresholdKind string

const (
	ThresholdFailedConnections ThresholdKind = "failed_connections"
	ThresholdConnectionTime    ThresholdKind = "connection_time"
	ThresholdMemory            ThresholdKind = "memory"
)

// ConnectionThresholdExceeded is an advisory alert; it never blocks traffic.
type ConnectionThresholdExceeded struct {
	TenantID  string        `json:"tenant_id"`
	Kind      ThresholdKind `json:"kind"`
	Observed  int64         `json:"observed"`
	Threshold int64         `json:"threshold"`
	At        time.Time     `json:"at"`
}

func (e ConnectionThresholdExceeded) EventName() string     { return EventConnectionThresholdExceeded }
func (e ConnectionThresholdExceeded) EventTenant() string   { return e.TenantID }
func (e ConnectionThresholdExceeded) OccurredAt() time.Time { return e.At }

// EventPublisher delivers events to every subscribed listener.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
