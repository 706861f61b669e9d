package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/V4T54L/tenancy/internal/adapter/metrics"
	"github.com/V4T54L/tenancy/internal/adapter/redact"
	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/pkg/logger"
)

// ProvisioningConfig selects which pipeline steps run.
type ProvisioningConfig struct {
	AutoCreateDatabase bool
	AutoRunMigrations  bool
	AutoRunSeeders     bool
	Seeders            []string
	WarmConnections    int
	LeaseTTL           time.Duration
	StepTimeout        time.Duration
	DatabasePrefix     string
}

// ProvisioningDeps are the collaborators of a ProvisioningCoordinator.
// Cache, Publisher, TenancyLog and Metrics may be nil.
type ProvisioningDeps struct {
	Records     domain.ProvisioningRepository
	Tenants     domain.TenantRepository
	Credentials domain.CredentialRepository
	Store       *CredentialStore
	Catalog     *ProfileCatalog
	Cache       domain.ResolutionCache
	Admin       domain.DatabaseAdmin
	Migrator    domain.MigrationRunner
	Seeder      domain.SeedRunner
	Manager     *ConnectionManager
	Publisher   domain.EventPublisher
	TenancyLog  *logger.TenancyLogger
	Logger      *slog.Logger
	Metrics     *metrics.TenancyMetrics
}

// ProvisioningCoordinator runs the create database, migrate, seed, activate
// pipeline for a tenant. Progress is checkpointed after every transition so
// a retry continues from the last completed step.
type ProvisioningCoordinator struct {
	cfg         ProvisioningConfig
	records     domain.ProvisioningRepository
	tenants     domain.TenantRepository
	credentials domain.CredentialRepository
	store       *CredentialStore
	catalog     *ProfileCatalog
	cache       domain.ResolutionCache
	admin       domain.DatabaseAdmin
	migrator    domain.MigrationRunner
	seeder      domain.SeedRunner
	manager     *ConnectionManager
	publisher   domain.EventPublisher
	tlog        *logger.TenancyLogger
	redactor    *redact.Redactor
	logger      *slog.Logger
	metrics     *metrics.TenancyMetrics
	tracer      trace.Tracer
	owner       string
	now         func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

func NewProvisioningCoordinator(cfg ProvisioningConfig, deps ProvisioningDeps) *ProvisioningCoordinator {
	redactor := redact.NewRedactor(redact.DefaultFields, deps.Logger)
	tlog := deps.TenancyLog
	if tlog == nil {
		tlog = logger.NewTenancyLogger(deps.Logger, redactor)
	}
	owner := uuid.NewString()
	return &ProvisioningCoordinator{
		cfg:         cfg,
		records:     deps.Records,
		tenants:     deps.Tenants,
		credentials: deps.Credentials,
		store:       deps.Store,
		catalog:     deps.Catalog,
		cache:       deps.Cache,
		admin:       deps.Admin,
		migrator:    deps.Migrator,
		seeder:      deps.Seeder,
		manager:     deps.Manager,
		publisher:   deps.Publisher,
		tlog:        tlog,
		redactor:    redactor,
		logger:      deps.Logger.With("component", "provisioning", "owner", owner),
		metrics:     deps.Metrics,
		tracer:      otel.Tracer(tracerName),
		owner:       owner,
		now:         time.Now,
		running:     make(map[string]struct{}),
	}
}

// Create registers an inactive tenant, stores its encrypted credential
// profile if one is given, and runs the provisioning pipeline. The tenant is
// returned even when provisioning fails so the caller can retry it.
func (c *ProvisioningCoordinator) Create(ctx context.Context, req domain.CreateTenantRequest) (*domain.Tenant, *domain.ProvisioningRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrInvalidTenant, err)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := c.now()
	t := &domain.Tenant{
		ID:             id,
		Name:           req.Name,
		Database:       req.Database,
		ProfileName:    req.ProfileName,
		ResolutionKeys: domain.NormalizeKeys(req.ResolutionKeys),
		ExpiresAt:      req.ExpiresAt,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Database == "" {
		t.Database = domain.DatabaseName(c.cfg.DatabasePrefix, id)
	}
	if t.ProfileName != "" {
		if _, ok := c.catalog.Named(t.ProfileName); !ok {
			return nil, nil, fmt.Errorf("%w: profile %q: %w", domain.ErrInvalidTenant, t.ProfileName, domain.ErrProfileNotFound)
		}
	}

	var profile *domain.CredentialProfile
	if req.Profile != nil {
		p := *req.Profile
		p.ID = ""
		p.TenantID = id
		if p.Name == "" {
			p.Name = id
		}
		if err := p.WithDefaults(c.catalog.Default()).Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", domain.ErrInvalidTenant, err)
		}
		if err := c.store.EncryptProfile(&p); err != nil {
			return nil, nil, err
		}
		profile = &p
	}

	if err := c.tenants.Create(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("create tenant %s: %w", id, err)
	}
	if profile != nil {
		if err := c.credentials.Save(ctx, profile); err != nil {
			if derr := c.tenants.SoftDelete(ctx, id); derr != nil {
				c.logger.Error("failed to roll back tenant after credential save failure", "tenant_id", id, "error", derr)
			}
			return nil, nil, fmt.Errorf("save credentials for %s: %w", id, err)
		}
	}
	c.logger.Info("tenant registered", "tenant_id", id, "keys", t.ResolutionKeys)

	rec, err := c.Provision(ctx, id)
	if fresh, gerr := c.tenants.Get(ctx, id); gerr == nil {
		t = fresh
	}
	return t, rec, err
}

// Retry resumes a tenant's pipeline from its last checkpoint. Failed
// pipelines are only ever resumed through an explicit call.
func (c *ProvisioningCoordinator) Retry(ctx context.Context, tenantID string) (*domain.ProvisioningRecord, error) {
	c.logger.Info("provisioning retry requested", "tenant_id", tenantID)
	return c.Provision(ctx, tenantID)
}

// Status returns the pipeline state of a tenant. A provisioned tenant has no
// record left and is reported as active.
func (c *ProvisioningCoordinator) Status(ctx context.Context, tenantID string) (*domain.ProvisioningRecord, error) {
	rec, err := c.records.Get(ctx, tenantID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrRecordNotFound) {
		return nil, err
	}
	t, terr := c.tenants.Get(ctx, tenantID)
	if terr != nil {
		return nil, terr
	}
	if !t.Active {
		return nil, err
	}
	return activeRecord(t), nil
}

// Provision runs or resumes the pipeline for an existing tenant. Only one
// run per tenant may be in flight: in this process through an in-memory
// guard, across processes through the record lease.
func (c *ProvisioningCoordinator) Provision(ctx context.Context, tenantID string) (*domain.ProvisioningRecord, error) {
	if !c.enter(tenantID) {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, domain.ErrProvisioningInProgress)
	}
	defer c.leave(tenantID)

	claimed, err := c.records.Claim(ctx, tenantID, c.owner, c.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("claim provisioning lease for %s: %w", tenantID, err)
	}
	if !claimed {
		c.count("in_progress")
		return nil, fmt.Errorf("tenant %s: %w", tenantID, domain.ErrProvisioningInProgress)
	}
	defer func() {
		if err := c.records.ReleaseClaim(context.WithoutCancel(ctx), tenantID, c.owner); err != nil {
			c.logger.Warn("failed to release provisioning lease", "tenant_id", tenantID, "error", err)
		}
	}()

	t, err := c.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	resuming := true
	rec, err := c.records.Get(ctx, tenantID)
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		if t.Active {
			return activeRecord(t), nil
		}
		resuming = false
		rec = domain.NewProvisioningRecord(tenantID, c.now())
	case err != nil:
		return nil, fmt.Errorf("load provisioning record for %s: %w", tenantID, err)
	}

	rec.Attempts++
	if rec.State == domain.StateFailed {
		c.logger.Info("resuming failed provisioning", "tenant_id", tenantID,
			"checkpoint", rec.Checkpoint, "failed_step", rec.FailedStep, "attempt", rec.Attempts)
		rec.State = rec.Checkpoint
	}
	// The record must exist before any step runs so a crash mid-step is resumable.
	if err := c.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save provisioning record for %s: %w", tenantID, err)
	}

	if err := c.run(ctx, t, rec, resuming); err != nil {
		c.count("failed")
		return rec, err
	}

	if err := c.records.Delete(ctx, tenantID); err != nil {
		c.logger.Warn("failed to remove finished provisioning record", "tenant_id", tenantID, "error", err)
	}
	c.count("active")
	c.logger.Info("tenant provisioned", "tenant_id", tenantID, "attempts", rec.Attempts)
	c.publish(ctx, domain.TenantProvisioned{TenantID: tenantID, At: c.now()})
	return rec, nil
}

func (c *ProvisioningCoordinator) run(ctx context.Context, t *domain.Tenant, rec *domain.ProvisioningRecord, resuming bool) error {
	for rec.Checkpoint != domain.StateActive {
		switch rec.Checkpoint {
		case domain.StatePending:
			next := domain.StateDatabaseCreated
			if c.cfg.AutoCreateDatabase {
				err := c.step(ctx, rec, domain.StepCreateDatabase, func(ctx context.Context) error {
					return c.createDatabase(ctx, t, resuming)
				})
				if err != nil {
					return err
				}
			} else if !c.cfg.AutoRunMigrations {
				next = domain.StateMigrated
			}
			if err := c.advance(ctx, rec, domain.StatePending, next, domain.StepCreateDatabase); err != nil {
				return err
			}

		case domain.StateDatabaseCreated:
			err := c.step(ctx, rec, domain.StepMigrate, func(ctx context.Context) error {
				return c.migrate(ctx, t.ID)
			})
			if err != nil {
				return err
			}
			if err := c.advance(ctx, rec, domain.StateDatabaseCreated, domain.StateMigrated, domain.StepMigrate); err != nil {
				return err
			}

		case domain.StateMigrated:
			if c.cfg.AutoRunSeeders {
				if err := c.seed(ctx, t.ID, rec); err != nil {
					return err
				}
			}
			if err := c.advance(ctx, rec, domain.StateMigrated, domain.StateSeeded, domain.StepSeed); err != nil {
				return err
			}

		case domain.StateSeeded:
			err := c.step(ctx, rec, domain.StepActivate, func(ctx context.Context) error {
				return c.activate(ctx, t)
			})
			if err != nil {
				return err
			}
			if err := c.advance(ctx, rec, domain.StateSeeded, domain.StateActive, domain.StepActivate); err != nil {
				return err
			}

		default:
			return c.fail(ctx, rec, domain.StepCreateDatabase, fmt.Errorf("unexpected checkpoint %q", rec.Checkpoint))
		}
	}
	return nil
}

func (c *ProvisioningCoordinator) createDatabase(ctx context.Context, t *domain.Tenant, resuming bool) error {
	profile, err := c.manager.ResolveProfile(ctx, t.ID)
	if err != nil {
		return err
	}
	err = c.admin.CreateDatabase(ctx, profile)
	if errors.Is(err, domain.ErrDatabaseExists) && resuming {
		c.logger.Info("tenant database already exists, continuing", "tenant_id", t.ID, "database", profile.Database)
		return nil
	}
	return err
}

func (c *ProvisioningCoordinator) migrate(ctx context.Context, tenantID string) error {
	if c.cfg.WarmConnections > 0 {
		if err := c.manager.Warm(ctx, tenantID, c.cfg.WarmConnections); err != nil {
			return err
		}
	}
	if !c.cfg.AutoRunMigrations {
		return nil
	}
	return c.manager.WithTenant(ctx, tenantID, func(ctx context.Context, h domain.Handle) error {
		return c.migrator.Migrate(ctx, h)
	})
}

// seed runs each configured seeder not yet recorded on the record and
// checkpoints after every one.
func (c *ProvisioningCoordinator) seed(ctx context.Context, tenantID string, rec *domain.ProvisioningRecord) error {
	for _, name := range c.cfg.Seeders {
		if rec.SeederDone(name) {
			continue
		}
		err := c.step(ctx, rec, domain.StepSeed, func(ctx context.Context) error {
			return c.manager.WithTenant(ctx, tenantID, func(ctx context.Context, h domain.Handle) error {
				return c.seeder.Seed(ctx, h, name)
			})
		})
		if err != nil {
			return err
		}
		if err := c.renew(ctx, tenantID, domain.StepSeed); err != nil {
			return err
		}
		done := rec.SeedersDone
		rec.SeedersDone = append(rec.SeedersDone, name)
		rec.UpdatedAt = c.now()
		if err := c.records.Save(ctx, rec); err != nil {
			rec.SeedersDone = done
			return c.fail(ctx, rec, domain.StepSeed, fmt.Errorf("checkpoint seeder %s: %w", name, err))
		}
	}
	return nil
}

// activate makes the tenant visible. Negative cache entries for its keys are
// dropped after the flag is written.
func (c *ProvisioningCoordinator) activate(ctx context.Context, t *domain.Tenant) error {
	if err := c.tenants.Activate(ctx, t.ID); err != nil {
		return err
	}
	if c.cache != nil && len(t.ResolutionKeys) > 0 {
		if err := c.cache.Invalidate(ctx, t.ResolutionKeys...); err != nil {
			c.logger.Warn("failed to purge resolution cache on activation", "tenant_id", t.ID, "error", err)
		}
	}
	return nil
}

func (c *ProvisioningCoordinator) step(ctx context.Context, rec *domain.ProvisioningRecord, step domain.ProvisioningStep, fn func(ctx context.Context) error) error {
	if err := c.renew(ctx, rec.TenantID, step); err != nil {
		return err
	}
	stepCtx, span := c.tracer.Start(ctx, "tenancy.provision."+string(step),
		trace.WithAttributes(attribute.String("tenant.id", rec.TenantID)))
	defer span.End()
	if c.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, c.cfg.StepTimeout)
		defer cancel()
	}

	start := c.now()
	err := fn(stepCtx)
	took := c.now().Sub(start)
	c.tlog.Step(ctx, rec.TenantID, string(step), took, err)
	if c.metrics != nil {
		c.metrics.ProvisioningDuration.WithLabelValues(string(step)).Observe(took.Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(step)+" failed")
		return c.fail(ctx, rec, step, err)
	}
	return nil
}

// advance moves the checkpoint forward and persists it. If the write fails
// the in-memory record is rolled back, exactly as if the process had died.
func (c *ProvisioningCoordinator) advance(ctx context.Context, rec *domain.ProvisioningRecord, from, to domain.ProvisioningState, step domain.ProvisioningStep) error {
	if err := c.renew(ctx, rec.TenantID, step); err != nil {
		return err
	}
	prev := *rec
	if err := rec.Advance(from, to, c.now()); err != nil {
		return c.fail(ctx, rec, step, err)
	}
	if err := c.records.Save(ctx, rec); err != nil {
		*rec = prev
		return c.fail(ctx, rec, step, fmt.Errorf("checkpoint %s: %w", to, err))
	}
	c.logger.Debug("provisioning checkpoint", "tenant_id", rec.TenantID, "state", to)
	return nil
}

// renew extends the lease before work or a checkpoint write. A lease taken
// over by another owner stops the run without touching the record, which now
// belongs to that owner.
func (c *ProvisioningCoordinator) renew(ctx context.Context, tenantID string, step domain.ProvisioningStep) error {
	ok, err := c.records.Claim(ctx, tenantID, c.owner, c.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("renew provisioning lease for %s before %s: %w", tenantID, step, err)
	}
	if !ok {
		c.count("lease_lost")
		c.logger.Error("provisioning lease taken by another owner, stopping", "tenant_id", tenantID, "step", step)
		return fmt.Errorf("tenant %s: lease lost before %s: %w", tenantID, step, domain.ErrProvisioningInProgress)
	}
	return nil
}

func (c *ProvisioningCoordinator) fail(ctx context.Context, rec *domain.ProvisioningRecord, step domain.ProvisioningStep, cause error) error {
	rec.Fail(step, cause, c.now())
	rec.LastError = c.redactor.Error(cause)
	if err := c.records.Save(ctx, rec); err != nil {
		c.logger.Error("failed to persist provisioning failure", "tenant_id", rec.TenantID, "step", step, "error", err)
	}
	c.logger.Error("tenant provisioning failed", "tenant_id", rec.TenantID, "step", step,
		"checkpoint", rec.Checkpoint, "error", rec.LastError)
	c.publish(ctx, domain.TenantProvisioningFailed{
		TenantID: rec.TenantID, Step: step, Cause: rec.LastError, At: c.now(),
	})
	return &domain.ProvisioningError{TenantID: rec.TenantID, Step: step, Err: cause}
}

func (c *ProvisioningCoordinator) publish(ctx context.Context, e domain.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, e); err != nil {
		c.logger.Error("event listener failed", "event", e.EventName(), "tenant_id", e.EventTenant(), "error", err)
	}
}

func (c *ProvisioningCoordinator) enter(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.running[tenantID]; busy {
		return false
	}
	c.running[tenantID] = struct{}{}
	return true
}

func (c *ProvisioningCoordinator) leave(tenantID string) {
	c.mu.Lock()
	delete(c.running, tenantID)
	c.mu.Unlock()
}

func (c *ProvisioningCoordinator) count(outcome string) {
	if c.metrics != nil {
		c.metrics.ProvisioningRuns.WithLabelValues(outcome).Inc()
	}
}

func activeRecord(t *domain.Tenant) *domain.ProvisioningRecord {
	return &domain.ProvisioningRecord{
		TenantID:   t.ID,
		State:      domain.StateActive,
		Checkpoint: domain.StateActive,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}
