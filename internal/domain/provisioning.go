package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,47}$`)

// ProvisioningState is a step in the tenant creation pipeline.
type ProvisioningState string

const (
	StatePending         ProvisioningState = "pending"
	StateDatabaseCreated ProvisioningState = "database_created"
	StateMigrated        ProvisioningState = "migrated"
	StateSeeded          ProvisioningState = "seeded"
	StateActive          ProvisioningState = "active"
	StateFailed          ProvisioningState = "failed"
)

var stateOrder = map[ProvisioningState]int{
	StatePending:         0,
	StateDatabaseCreated: 1,
	StateMigrated:        2,
	StateSeeded:          3,
	StateActive:          4,
}

// Terminal reports whether no further transition is possible without an operator retry.
func (s ProvisioningState) Terminal() bool {
	return s == StateActive || s == StateFailed
}

// Reached reports whether s is at or beyond target on the happy path.
func (s ProvisioningState) Reached(target ProvisioningState) bool {
	a, ok1 := stateOrder[s]
	b, ok2 := stateOrder[target]
	return ok1 && ok2 && a >= b
}

// ProvisioningStep names the work performed by a transition.
type ProvisioningStep string

const (
	StepCreateDatabase ProvisioningStep = "create_database"
	StepMigrate        ProvisioningStep = "migrate"
	StepSeed           ProvisioningStep = "seed"
	StepActivate       ProvisioningStep = "activate"
)

// ProvisioningRecord snapshots a tenant's progress through provisioning.
// Checkpoint is the last state that completed successfully; it is what a retry resumes from.
type ProvisioningRecord struct {
	TenantID    string            `json:"tenant_id"`
	State       ProvisioningState `json:"state"`
	Checkpoint  ProvisioningState `json:"checkpoint"`
	FailedStep  ProvisioningStep  `json:"failed_step,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Attempts    int               `json:"attempts"`
	SeedersDone []string          `json:"seeders_done,omitempty"`
	LeaseOwner  string            `json:"-"`
	LeaseUntil  *time.Time        `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewProvisioningRecord starts a record in the pending state.
func NewProvisioningRecord(tenantID string, now time.Time) *ProvisioningRecord {
	return &ProvisioningRecord{
		TenantID:   tenantID,
		State:      StatePending,
		Checkpoint: StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Advance moves the record forward from the given state. from must equal the
// record's checkpoint so a stale caller cannot skip or repeat a step.
func (r *ProvisioningRecord) Advance(from, to ProvisioningState, now time.Time) error {
	if r.Checkpoint != from {
		return fmt.Errorf("provisioning %s: cannot advance from %s, checkpoint is %s", r.TenantID, from, r.Checkpoint)
	}
	if !to.Reached(from) || to == from {
		return fmt.Errorf("provisioning %s: invalid transition %s -> %s", r.TenantID, from, to)
	}
	r.State = to
	r.Checkpoint = to
	r.FailedStep = ""
	r.LastError = ""
	r.UpdatedAt = now
	return nil
}

// Fail moves the record to the failed state, keeping the checkpoint.
func (r *ProvisioningRecord) Fail(step ProvisioningStep, cause error, now time.Time) {
	r.State = StateFailed
	r.FailedStep = step
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.UpdatedAt = now
}

// SeederDone reports whether a named seeder already ran for this record.
func (r *ProvisioningRecord) SeederDone(name string) bool {
	for _, s := range r.SeedersDone {
		if s == name {
			return true
		}
	}
	return false
}

// CreateTenantRequest is the administrative input for provisioning.
type CreateTenantRequest struct {
	ID             string             `json:"id,omitempty"`
	Name           string             `json:"name"`
	ResolutionKeys []string           `json:"resolution_keys"`
	Database       string             `json:"database,omitempty"`
	ProfileName    string             `json:"profile_name,omitempty"`
	Profile        *CredentialProfile `json:"profile,omitempty"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
}

// Validate checks the request before anything is written.
func (r CreateTenantRequest) Validate() error {
	var errs []error
	if r.ID != "" && !tenantIDPattern.MatchString(r.ID) {
		errs = append(errs, fmt.Errorf("tenant id %q must be lowercase alphanumeric, '-' or '_', at most 48 characters", r.ID))
	}
	if r.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(NormalizeKeys(r.ResolutionKeys)) == 0 {
		errs = append(errs, errors.New("at least one resolution key is required"))
	}
	if r.ProfileName != "" && r.Profile != nil {
		errs = append(errs, errors.New("profile_name and profile are mutually exclusive"))
	}
	return errors.Join(errs...)
}
