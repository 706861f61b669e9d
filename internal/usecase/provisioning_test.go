package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/V4T54L/tenancy/internal/adapter/cache"
	"github.com/V4T54L/tenancy/internal/adapter/pool"
	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/domain/mocks"
)

type provisioningFixture struct {
	*managerFixture
	records  *mocks.MockProvisioningRepository
	admin    *mocks.MockDatabaseAdmin
	migrator *mocks.MockMigrationRunner
	seeder   *mocks.MockSeedRunner
	cache    *cache.MemoryCache
	coord    *ProvisioningCoordinator
}

func defaultProvisioningConfig() ProvisioningConfig {
	return ProvisioningConfig{
		AutoCreateDatabase: true,
		AutoRunMigrations:  true,
		AutoRunSeeders:     true,
		Seeders:            []string{"default"},
		WarmConnections:    1,
		DatabasePrefix:     "tenant_",
	}
}

func newProvisioningFixture(t *testing.T, cfg ProvisioningConfig) *provisioningFixture {
	t.Helper()
	f := &provisioningFixture{
		managerFixture: newManagerFixture(t, pool.Config{}),
		records:        mocks.NewMockProvisioningRepository(),
		admin:          mocks.NewMockDatabaseAdmin(),
		migrator:       &mocks.MockMigrationRunner{},
		seeder:         &mocks.MockSeedRunner{},
		cache:          cache.NewMemoryCache(discardLogger()),
	}
	f.coord = NewProvisioningCoordinator(cfg, ProvisioningDeps{
		Records:     f.records,
		Tenants:     f.tenants,
		Credentials: f.creds,
		Store:       f.store,
		Catalog:     f.catalog,
		Cache:       f.cache,
		Admin:       f.admin,
		Migrator:    f.migrator,
		Seeder:      f.seeder,
		Manager:     f.mgr,
		Publisher:   f.events,
		Logger:      discardLogger(),
		Metrics:     testMetrics(),
	})
	return f
}

func acmeRequest() domain.CreateTenantRequest {
	return domain.CreateTenantRequest{ID: "acme", Name: "Acme", ResolutionKeys: []string{"acme.example.com"}}
}

func TestProvisioning_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newProvisioningFixture(t, defaultProvisioningConfig())

	tenant, rec, err := f.coord.Create(ctx, acmeRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.State != domain.StateActive || !tenant.Active {
		t.Fatalf("state = %s, active = %v", rec.State, tenant.Active)
	}
	if !f.admin.Databases["tenant_acme"] {
		t.Error("tenant database not created")
	}
	if f.migrator.Ran["tenant_acme"] != 1 {
		t.Errorf("migrations ran %d times", f.migrator.Ran["tenant_acme"])
	}
	if len(f.seeder.Runs) != 1 || f.seeder.Runs[0] != "default" {
		t.Errorf("seeders = %v", f.seeder.Runs)
	}
	if _, err := f.records.Get(ctx, "acme"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Error("finished record should be removed")
	}
	if got := f.events.Named(domain.EventTenantProvisioned); len(got) != 1 {
		t.Errorf("expected 1 provisioned event, got %d", len(got))
	}
	status, err := f.coord.Status(ctx, "acme")
	if err != nil || status.State != domain.StateActive {
		t.Errorf("status = %+v, %v", status, err)
	}
	if s := f.mgr.Stats("acme"); s.Open < 1 {
		t.Errorf("pool was not warmed: %+v", s)
	}
}

func TestProvisioning_NotActiveBeforeSchema(t *testing.T) {
	ctx := context.Background()
	f := newProvisioningFixture(t, defaultProvisioningConfig())
	f.migrator.Err = errors.New("relation already exists")

	tenant, rec, err := f.coord.Create(ctx, acmeRequest())
	var perr *domain.ProvisioningError
	if !errors.As(err, &perr) || perr.Step != domain.StepMigrate || perr.TenantID != "acme" {
		t.Fatalf("expected a migrate ProvisioningError, got %v", err)
	}
	if !errors.Is(err, domain.ErrProvisioningStepFailed) {
		t.Error("error should match ErrProvisioningStepFailed")
	}
	if tenant.Active {
		t.Fatal("tenant must stay inactive when migrations fail")
	}
	if rec.State != domain.StateFailed || rec.Checkpoint != domain.StateDatabaseCreated {
		t.Errorf("record = %+v", rec)
	}
	failed := f.events.Named(domain.EventTenantProvisioningFailed)
	if len(failed) != 1 || failed[0].(domain.TenantProvisioningFailed).Step != domain.StepMigrate {
		t.Errorf("failure events = %v", failed)
	}

	resolver := newTestResolver(domain.StrategyDomain, f.tenants, f.cache)
	if _, err := resolver.Resolve(ctx, domain.RequestSignature{Host: "acme.example.com"}); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("inactive tenant resolved: %v", err)
	}

	f.migrator.Err = nil
	rec, err = f.coord.Retry(ctx, "acme")
	if err != nil || rec.State != domain.StateActive {
		t.Fatalf("retry = %+v, %v", rec, err)
	}
	if f.admin.Creates != 1 {
		t.Errorf("database creation repeated on retry: %d", f.admin.Creates)
	}
	// Activation purges the negative entry cached while the tenant was inactive.
	if id, err := resolver.Resolve(ctx, domain.RequestSignature{Host: "acme.example.com"}); err != nil || id != "acme" {
		t.Errorf("resolve after activation = %q, %v", id, err)
	}
}

func TestProvisioning_ResumesAfterCrashAtEveryTransition(t *testing.T) {
	// Saves in order: initial record, database_created, migrated, seeder
	// checkpoint, seeded, active.
	for crashAt := 1; crashAt <= 6; crashAt++ {
		t.Run(fmt.Sprintf("crash at save %d", crashAt), func(t *testing.T) {
			ctx := context.Background()
			f := newProvisioningFixture(t, defaultProvisioningConfig())
			f.records.FailSaveOn = crashAt

			if _, _, err := f.coord.Create(ctx, acmeRequest()); err == nil {
				t.Fatal("expected the injected crash to surface")
			}

			rec, err := f.coord.Retry(ctx, "acme")
			if err != nil {
				t.Fatalf("resume: %v", err)
			}
			if rec.State != domain.StateActive {
				t.Fatalf("state after resume = %s", rec.State)
			}
			tenant, _ := f.tenants.Get(ctx, "acme")
			if !tenant.Active {
				t.Error("tenant not active after resume")
			}
			if !f.admin.Databases["tenant_acme"] {
				t.Error("database missing")
			}
			if f.admin.Creates > 2 {
				t.Errorf("database creation attempted %d times", f.admin.Creates)
			}
			if got := f.events.Named(domain.EventTenantProvisioned); len(got) != 1 {
				t.Errorf("expected 1 provisioned event, got %d", len(got))
			}
		})
	}
}

func TestProvisioning_ExistingDatabaseOnFreshRunFails(t *testing.T) {
	ctx := context.Background()
	f := newProvisioningFixture(t, defaultProvisioningConfig())
	f.admin.Databases["tenant_acme"] = true

	_, rec, err := f.coord.Create(ctx, acmeRequest())
	var perr *domain.ProvisioningError
	if !errors.As(err, &perr) || perr.Step != domain.StepCreateDatabase || !errors.Is(err, domain.ErrDatabaseExists) {
		t.Fatalf("expected create_database failure, got %v", err)
	}
	if rec.Checkpoint != domain.StatePending {
		t.Errorf("checkpoint = %s", rec.Checkpoint)
	}
}

func TestProvisioning_SkippedSteps(t *testing.T) {
	ctx := context.Background()

	t.Run("No Create No Migrations", func(t *testing.T) {
		cfg := defaultProvisioningConfig()
		cfg.AutoCreateDatabase = false
		cfg.AutoRunMigrations = false
		cfg.AutoRunSeeders = false
		f := newProvisioningFixture(t, cfg)

		_, rec, err := f.coord.Create(ctx, acmeRequest())
		if err != nil || rec.State != domain.StateActive {
			t.Fatalf("Create = %+v, %v", rec, err)
		}
		if f.admin.Creates != 0 || f.migrator.Calls != 0 || len(f.seeder.Runs) != 0 {
			t.Errorf("skipped steps ran: creates=%d migrations=%d seeds=%v", f.admin.Creates, f.migrator.Calls, f.seeder.Runs)
		}
		// initial record, pending -> migrated, seeded, active
		if f.records.Saves != 4 {
			t.Errorf("saves = %d, want 4", f.records.Saves)
		}
	})

	t.Run("Existing Database With Migrations", func(t *testing.T) {
		cfg := defaultProvisioningConfig()
		cfg.AutoCreateDatabase = false
		f := newProvisioningFixture(t, cfg)

		_, rec, err := f.coord.Create(ctx, acmeRequest())
		if err != nil || rec.State != domain.StateActive {
			t.Fatalf("Create = %+v, %v", rec, err)
		}
		if f.admin.Creates != 0 || f.migrator.Calls != 1 {
			t.Errorf("creates=%d migrations=%d", f.admin.Creates, f.migrator.Calls)
		}
	})
}

func TestProvisioning_SeederFailureKeepsCompletedSeeders(t *testing.T) {
	ctx := context.Background()
	cfg := defaultProvisioningConfig()
	cfg.Seeders = []string{"roles", "plans", "demo"}
	f := newProvisioningFixture(t, cfg)
	f.seeder.FailOn = "plans"

	_, rec, err := f.coord.Create(ctx, acmeRequest())
	var perr *domain.ProvisioningError
	if !errors.As(err, &perr) || perr.Step != domain.StepSeed {
		t.Fatalf("expected seed failure, got %v", err)
	}
	if len(rec.SeedersDone) != 1 || rec.SeedersDone[0] != "roles" {
		t.Errorf("seeders done = %v", rec.SeedersDone)
	}

	f.seeder.FailOn = ""
	if _, err := f.coord.Retry(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	want := []string{"roles", "plans", "demo"}
	if fmt.Sprint(f.seeder.Runs) != fmt.Sprint(want) {
		t.Errorf("seeder runs = %v, want %v", f.seeder.Runs, want)
	}
}

func TestProvisioning_LeaseRenewedAndLossStopsRun(t *testing.T) {
	ctx := context.Background()
	cfg := defaultProvisioningConfig()
	cfg.Seeders = []string{"roles", "plans"}

	t.Run("Renewed Per Step", func(t *testing.T) {
		f := newProvisioningFixture(t, cfg)
		if _, _, err := f.coord.Create(ctx, acmeRequest()); err != nil {
			t.Fatal(err)
		}
		// Initial claim plus at least one renewal per step and checkpoint.
		if f.records.Claims < 6 {
			t.Errorf("claims = %d, want the lease renewed through the run", f.records.Claims)
		}
	})

	t.Run("Lost Lease", func(t *testing.T) {
		f := newProvisioningFixture(t, cfg)
		f.seeder.OnSeed = func(seeder string) {
			if seeder == "roles" {
				f.records.TakeOver("acme", "other-process")
			}
		}

		_, _, err := f.coord.Create(ctx, acmeRequest())
		if !errors.Is(err, domain.ErrProvisioningInProgress) {
			t.Fatalf("expected lease loss, got %v", err)
		}
		if fmt.Sprint(f.seeder.Runs) != "[roles]" {
			t.Errorf("seeder runs = %v, want only roles", f.seeder.Runs)
		}
		rec, err := f.records.Get(ctx, "acme")
		if err != nil {
			t.Fatal(err)
		}
		if rec.State == domain.StateFailed || len(rec.SeedersDone) != 0 {
			t.Errorf("record written after lease loss: %+v", rec)
		}
		if ok, _ := f.records.Claim(ctx, "acme", "third-process", cfg.LeaseTTL); ok {
			t.Error("lease released from under its new owner")
		}
	})
}

func TestProvisioning_Concurrency(t *testing.T) {
	ctx := context.Background()
	f := newProvisioningFixture(t, defaultProvisioningConfig())
	if err := f.tenants.Create(ctx, &domain.Tenant{ID: "acme", Name: "Acme", ResolutionKeys: []string{"acme.example.com"}}); err != nil {
		t.Fatal(err)
	}

	t.Run("In Process Guard", func(t *testing.T) {
		if !f.coord.enter("acme") {
			t.Fatal("enter")
		}
		_, err := f.coord.Provision(ctx, "acme")
		f.coord.leave("acme")
		if !errors.Is(err, domain.ErrProvisioningInProgress) {
			t.Errorf("expected ErrProvisioningInProgress, got %v", err)
		}
	})

	t.Run("Lease Held Elsewhere", func(t *testing.T) {
		if ok, _ := f.records.Claim(ctx, "acme", "other-process", 0); !ok {
			t.Fatal("claim")
		}
		_, err := f.coord.Provision(ctx, "acme")
		if !errors.Is(err, domain.ErrProvisioningInProgress) {
			t.Errorf("expected ErrProvisioningInProgress, got %v", err)
		}
		_ = f.records.ReleaseClaim(ctx, "acme", "other-process")

		rec, err := f.coord.Provision(ctx, "acme")
		if err != nil || rec.State != domain.StateActive {
			t.Errorf("provision after lease release = %+v, %v", rec, err)
		}
	})
}

func TestProvisioning_CreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newProvisioningFixture(t, defaultProvisioningConfig())

	tests := []struct {
		name string
		req  domain.CreateTenantRequest
	}{
		{"missing name", domain.CreateTenantRequest{ResolutionKeys: []string{"a.example.com"}}},
		{"missing keys", domain.CreateTenantRequest{Name: "A"}},
		{"bad id", domain.CreateTenantRequest{ID: "Has Spaces", Name: "A", ResolutionKeys: []string{"a"}}},
		{"unknown named profile", domain.CreateTenantRequest{Name: "A", ResolutionKeys: []string{"a"}, ProfileName: "nope"}},
		{"bad profile option", domain.CreateTenantRequest{Name: "A", ResolutionKeys: []string{"a"},
			Profile: &domain.CredentialProfile{Options: map[string]string{"pool_mode": "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.coord.Create(ctx, tt.req); !errors.Is(err, domain.ErrInvalidTenant) {
				t.Errorf("expected ErrInvalidTenant, got %v", err)
			}
		})
	}
	if list, _ := f.tenants.List(ctx, domain.TenantFilter{IncludeInactive: true}); len(list) != 0 {
		t.Errorf("invalid requests wrote tenants: %v", list)
	}
}

func TestProvisioning_DedicatedProfileIsEncrypted(t *testing.T) {
	ctx := context.Background()
	f := newProvisioningFixture(t, defaultProvisioningConfig())
	req := acmeRequest()
	req.Profile = &domain.CredentialProfile{Username: "acme_owner", Password: "acme-secret"}

	if _, _, err := f.coord.Create(ctx, req); err != nil {
		t.Fatal(err)
	}
	stored, err := f.creds.ForTenant(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !f.store.IsEncrypted(stored.Password) {
		t.Errorf("stored password is not encrypted")
	}
	dialed := f.connector.Profiles()[0]
	if dialed.Username != "acme_owner" || dialed.Password != "acme-secret" {
		t.Errorf("dialed with %v", dialed)
	}
}
