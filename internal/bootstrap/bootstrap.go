// Package bootstrap assembles the tenancy services from configuration. Both
// the daemon and the operator CLI build the same graph through it.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/tenancy/internal/adapter/cache"
	"github.com/V4T54L/tenancy/internal/adapter/cipher"
	"github.com/V4T54L/tenancy/internal/adapter/journal"
	"github.com/V4T54L/tenancy/internal/adapter/metrics"
	"github.com/V4T54L/tenancy/internal/adapter/notifier"
	"github.com/V4T54L/tenancy/internal/adapter/pool"
	"github.com/V4T54L/tenancy/internal/adapter/redact"
	"github.com/V4T54L/tenancy/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/tenancy/internal/adapter/repository/redis"
	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/internal/pkg/config"
	"github.com/V4T54L/tenancy/internal/pkg/logger"
	"github.com/V4T54L/tenancy/internal/usecase"
)

const (
	journalSegmentSize = 1 << 20
	journalMaxSize     = 16 << 20
)

// Services is the assembled object graph. Optional parts are nil when the
// configuration leaves them out.
type Services struct {
	Config   *config.Config
	Logger   *slog.Logger
	Landlord *sql.DB
	Redis    *redis.Client

	Metrics     *metrics.TenancyMetrics
	Bus         *notifier.Bus
	Keyring     *cipher.Keyring
	Journal     *journal.Journal
	Pool        *pool.Pool
	Memory      *cache.MemoryCache
	Shared      *redisrepo.ResolutionCache
	Cache       domain.ResolutionCache
	Catalog     *usecase.ProfileCatalog
	Store       *usecase.CredentialStore
	Monitor     *usecase.TenancyMonitor
	Resolver    *usecase.TenantResolver
	Manager     *usecase.ConnectionManager
	Provisioner *usecase.ProvisioningCoordinator
	Admin       *usecase.TenantAdmin

	Tenants     *postgres.TenantRepository
	Credentials *postgres.CredentialRepository
	Records     *postgres.ProvisioningRepository
}

// Build connects to the landlord database (and Redis when configured) and
// wires every service. reg receives the metrics; pass a fresh registry for
// short-lived tools.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*Services, error) {
	s := &Services{Config: cfg, Logger: log}
	if err := s.build(ctx, reg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) build(ctx context.Context, reg prometheus.Registerer) error {
	cfg, log := s.Config, s.Logger

	db, err := sql.Open("postgres", cfg.LandlordURL)
	if err != nil {
		return fmt.Errorf("failed to open landlord database: %w", err)
	}
	s.Landlord = db
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to landlord database: %w", err)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		s.Redis = redis.NewClient(opts)
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			log.Warn("could not connect to redis, shared cache starts degraded", "error", err)
		}
	}

	s.Metrics = metrics.NewTenancyMetrics(reg)
	s.Bus = notifier.NewBus(log)
	s.Bus.Subscribe("log", notifier.NewLogListener(log))
	if s.Redis != nil {
		s.Bus.Subscribe("redis", redisrepo.NewEventChannel(s.Redis, cfg.Events.RedisChannel, log))
	}

	var keyring usecase.Keyring
	if len(cfg.Encryption.Keys) > 0 {
		keys, err := cipher.ParseKeySpecs(cfg.Encryption.Keys)
		if err != nil {
			return fmt.Errorf("failed to parse encryption keys: %w", err)
		}
		s.Keyring, err = cipher.NewKeyring(cfg.Encryption.ActiveKey, keys...)
		if err != nil {
			return fmt.Errorf("failed to build keyring: %w", err)
		}
		keyring = s.Keyring
	}

	s.Journal, err = journal.Open(cfg.Encryption.JournalDir, journalSegmentSize, journalMaxSize, log)
	if err != nil {
		return err
	}

	s.Tenants = postgres.NewTenantRepository(db, log)
	s.Credentials = postgres.NewCredentialRepository(db, log)
	s.Records = postgres.NewProvisioningRepository(db, log)

	named := map[string]domain.CredentialProfile{}
	if cfg.Database.ProfilesFile != "" {
		named, err = config.LoadProfiles(cfg.Database.ProfilesFile, cfg.DefaultProfile())
		if err != nil {
			return err
		}
	}
	s.Catalog = usecase.NewProfileCatalog(cfg.DefaultProfile(), named)

	if cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "redis":
			s.Shared = redisrepo.NewResolutionCache(s.Redis, cfg.Cache.KeyPrefix, log)
			s.Cache = s.Shared
		default:
			s.Memory = cache.NewMemoryCache(log)
			s.Cache = s.Memory
		}
	}

	s.Store = usecase.NewCredentialStore(keyring, cfg.Encryption.Enabled, cfg.KeyRotationAge(), s.Credentials, s.Journal, log, s.Metrics)
	s.Monitor = usecase.NewTenancyMonitor(usecase.MonitorConfig{
		MaxFailedConnections: cfg.Monitor.MaxFailedConnections,
		MaxConnectionTime:    cfg.Monitor.MaxConnectionTime,
		MaxSlowConnections:   cfg.Monitor.MaxSlowConnections,
		MaxMemoryBytes:       cfg.Monitor.MaxMemoryMB << 20,
		ResetInterval:        cfg.Monitor.ResetInterval,
	}, s.Bus, log, s.Metrics)

	s.Resolver = usecase.NewTenantResolver(usecase.ResolverConfig{
		Strategy:       cfg.Strategy(),
		CentralDomains: cfg.Resolution.CentralDomains,
		BaseDomain:     cfg.Resolution.BaseDomain,
		CacheTTL:       cfg.Cache.TTL,
		NegativeTTL:    cfg.Cache.NegativeTTL,
	}, s.Tenants, s.Cache, log, s.Metrics)

	s.Pool = pool.New(pool.Config{
		MaxSize:             cfg.Pool.MaxSize,
		MinSize:             cfg.Pool.MinSize,
		IdleTimeout:         cfg.Pool.IdleTimeout,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		ProbeTimeout:        cfg.Pool.ProbeTimeout,
		ProbeAttempts:       cfg.Pool.ProbeAttempts,
	}, log, s.Metrics)

	tenancyLog := logger.NewTenancyLogger(log, redact.NewRedactor(nil, log))
	connector := postgres.Connector{}
	s.Manager = usecase.NewConnectionManager(usecase.ManagerConfig{
		MaxAttempts:    cfg.Connection.MaxAttempts,
		InitialBackoff: cfg.Connection.InitialBackoff,
		MaxBackoff:     cfg.Connection.MaxBackoff,
		DatabasePrefix: cfg.Database.NamePrefix,
	}, usecase.ConnectionManagerDeps{
		Pool:        s.Pool,
		Connector:   connector,
		Store:       s.Store,
		Tenants:     s.Tenants,
		Credentials: s.Credentials,
		Catalog:     s.Catalog,
		Monitor:     s.Monitor,
		TenancyLog:  tenancyLog,
		Logger:      log,
		Metrics:     s.Metrics,
	})

	s.Provisioner = usecase.NewProvisioningCoordinator(usecase.ProvisioningConfig{
		AutoCreateDatabase: cfg.Provisioning.AutoCreateDatabase,
		AutoRunMigrations:  cfg.Provisioning.AutoRunMigrations,
		AutoRunSeeders:     cfg.Provisioning.AutoRunSeeders,
		Seeders:            cfg.Provisioning.Seeders,
		WarmConnections:    cfg.Pool.MinSize,
		LeaseTTL:           cfg.Provisioning.LeaseTTL,
		StepTimeout:        cfg.Provisioning.StepTimeout,
		DatabasePrefix:     cfg.Database.NamePrefix,
	}, usecase.ProvisioningDeps{
		Records:     s.Records,
		Tenants:     s.Tenants,
		Credentials: s.Credentials,
		Store:       s.Store,
		Catalog:     s.Catalog,
		Cache:       s.Cache,
		Admin:       postgres.NewDatabaseAdmin(connector, log),
		Migrator:    postgres.NewMigrator(cfg.Provisioning.MigrationsTable, cfg.Provisioning.MigrationPaths, log),
		Seeder:      postgres.NewSeeder(cfg.Provisioning.SeedPaths, log),
		Manager:     s.Manager,
		Publisher:   s.Bus,
		TenancyLog:  tenancyLog,
		Logger:      log,
		Metrics:     s.Metrics,
	})

	s.Admin = usecase.NewTenantAdmin(s.Tenants, s.Credentials, s.Records, s.Store, s.Catalog, s.Cache, s.Manager, s.Provisioner, log)
	return nil
}

// WarnIfRotationDue logs when the active encryption key has outlived the
// rotation policy.
func (s *Services) WarnIfRotationDue(now time.Time) bool {
	if !s.Store.RotationDue(now) {
		return false
	}
	s.Logger.Warn("active encryption key is due for rotation",
		"key_id", s.Keyring.ActiveID(), "max_age_days", s.Config.Encryption.KeyRotationDays)
	return true
}

// Close releases every connection the graph holds.
func (s *Services) Close() error {
	var errs []error
	if s.Pool != nil {
		s.Pool.Close()
	}
	if s.Journal != nil {
		errs = append(errs, s.Journal.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.Landlord != nil {
		errs = append(errs, s.Landlord.Close())
	}
	return errors.Join(errs...)
}
