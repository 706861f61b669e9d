package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialCorrupt means no configured key can authenticate a stored secret.
	ErrCredentialCorrupt = errors.New("credential corrupt")
	// ErrConnectionUnavailable is retryable: the pool could not hand out a live handle in time.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrTenantConnectionFailed is terminal for the current request and isolated to one tenant.
	ErrTenantConnectionFailed = errors.New("tenant connection failed")
	// ErrTenantNotFound is a routing decision, not a failure.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrProvisioningStepFailed leaves the tenant inactive and resumable.
	ErrProvisioningStepFailed = errors.New("provisioning step failed")
	// ErrThresholdExceeded is advisory.
	ErrThresholdExceeded = errors.New("threshold exceeded")

	ErrProfileNotFound        = errors.New("credential profile not found")
	ErrRecordNotFound         = errors.New("provisioning record not found")
	ErrDatabaseExists         = errors.New("database already exists")
	ErrProvisioningInProgress = errors.New("provisioning already in progress")
	ErrDuplicateKey           = errors.New("resolution key already in use")
	ErrPoolClosed             = errors.New("connection pool closed")
	ErrConflict               = errors.New("concurrent modification")
	ErrInvalidTenant          = errors.New("invalid tenant request")
)

// ConnectionError reports a tenant connection that could not be established.
type ConnectionError struct {
	TenantID string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenant %s: connection failed after %d attempt(s): %v", e.TenantID, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrTenantConnectionFailed, e.Err}
}

// ProvisioningError identifies the failed step of a tenant's pipeline.
type ProvisioningError struct {
	TenantID string
	Step     ProvisioningStep
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning tenant %s: step %s: %v", e.TenantID, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() []error {
	return []error{ErrProvisioningStepFailed, e.Err}
}
