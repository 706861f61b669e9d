package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/V4T54L/tenancy/internal/domain"
)

// Config holds all application configuration. It is loaded once at startup
// and passed by reference to the components that need it.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LandlordURL string `env:"LANDLORD_DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL"`
	TenantAddr  string `env:"TENANT_SERVER_ADDR" envDefault:":8080"`
	AdminAddr   string `env:"ADMIN_SERVER_ADDR" envDefault:":9091"`
	AdminToken  string `env:"ADMIN_TOKEN"`

	Resolution   ResolutionConfig   `envPrefix:"RESOLUTION_"`
	Cache        CacheConfig        `envPrefix:"CACHE_"`
	Database     DatabaseConfig     `envPrefix:"TENANT_DB_"`
	Pool         PoolConfig         `envPrefix:"POOL_"`
	Connection   ConnectionConfig   `envPrefix:"CONNECTION_"`
	Encryption   EncryptionConfig   `envPrefix:"ENCRYPTION_"`
	Provisioning ProvisioningConfig `envPrefix:"PROVISIONING_"`
	Monitor      MonitorConfig      `envPrefix:"MONITOR_"`
	Events       EventsConfig       `envPrefix:"EVENTS_"`
}

type ResolutionConfig struct {
	Strategy       string   `env:"STRATEGY" envDefault:"domain"`
	CentralDomains []string `env:"CENTRAL_DOMAINS" envSeparator:","`
	// BaseDomain is the parent of tenant subdomains, e.g. example.com.
	BaseDomain string `env:"BASE_DOMAIN"`
}

type CacheConfig struct {
	Enabled     bool          `env:"ENABLED" envDefault:"true"`
	Backend     string        `env:"BACKEND" envDefault:"memory"` // memory or redis
	TTL         time.Duration `env:"TTL" envDefault:"5m"`
	NegativeTTL time.Duration `env:"NEGATIVE_TTL" envDefault:"30s"`
	KeyPrefix   string        `env:"KEY_PREFIX" envDefault:"tenancy:"`
}

// DatabaseConfig is the default credential profile plus tenant database naming.
type DatabaseConfig struct {
	Host         string `env:"HOST" envDefault:"localhost"`
	Port         int    `env:"PORT" envDefault:"5432"`
	Username     string `env:"USERNAME" envDefault:"postgres"`
	Password     string `env:"PASSWORD"`
	Driver       string `env:"DRIVER" envDefault:"postgres"`
	Charset      string `env:"CHARSET" envDefault:"UTF8"`
	Collation    string `env:"COLLATION"`
	SSLMode      string `env:"SSLMODE" envDefault:"disable"`
	NamePrefix   string `env:"NAME_PREFIX" envDefault:"tenant_"`
	ProfilesFile string `env:"PROFILES_FILE"`
}

type PoolConfig struct {
	MaxSize             int           `env:"MAX_SIZE" envDefault:"10"`
	MinSize             int           `env:"MIN_SIZE" envDefault:"0"`
	IdleTimeout         time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	AcquireTimeout      time.Duration `env:"ACQUIRE_TIMEOUT" envDefault:"5s"`
	ProbeTimeout        time.Duration `env:"PROBE_TIMEOUT" envDefault:"2s"`
	ProbeAttempts       int           `env:"PROBE_ATTEMPTS" envDefault:"3"`
	EvictInterval       time.Duration `env:"EVICT_INTERVAL" envDefault:"30s"`
}

type ConnectionConfig struct {
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff time.Duration `env:"INITIAL_BACKOFF" envDefault:"50ms"`
	MaxBackoff     time.Duration `env:"MAX_BACKOFF" envDefault:"1s"`
}

type EncryptionConfig struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
	// Keys are id:base64key[:YYYY-MM-DD] specs.
	Keys            []string `env:"KEYS" envSeparator:","`
	ActiveKey       string   `env:"ACTIVE_KEY"`
	KeyRotationDays int      `env:"KEY_ROTATION_DAYS" envDefault:"90"`
	JournalDir      string   `env:"JOURNAL_DIR" envDefault:"./data/rotation"`
}

type ProvisioningConfig struct {
	AutoCreateDatabase bool          `env:"AUTO_CREATE_DATABASE" envDefault:"true"`
	AutoRunMigrations  bool          `env:"AUTO_RUN_MIGRATIONS" envDefault:"true"`
	AutoRunSeeders     bool          `env:"AUTO_RUN_SEEDERS" envDefault:"true"`
	MigrationPaths     []string      `env:"MIGRATION_PATHS" envSeparator:","`
	SeedPaths          []string      `env:"SEED_PATHS" envSeparator:","`
	Seeders            []string      `env:"SEEDERS" envSeparator:"," envDefault:"default"`
	MigrationsTable    string        `env:"MIGRATIONS_TABLE" envDefault:"tenant_schema_migrations"`
	LeaseTTL           time.Duration `env:"LEASE_TTL" envDefault:"10m"`
	StepTimeout        time.Duration `env:"STEP_TIMEOUT" envDefault:"5m"`
}

type MonitorConfig struct {
	MaxFailedConnections int64         `env:"MAX_FAILED_CONNECTIONS" envDefault:"5"`
	MaxConnectionTime    time.Duration `env:"MAX_CONNECTION_TIME" envDefault:"2s"`
	MaxSlowConnections   int64         `env:"MAX_SLOW_CONNECTIONS" envDefault:"10"`
	MaxMemoryMB          int64         `env:"MAX_MEMORY_MB" envDefault:"512"`
	CheckInterval        time.Duration `env:"CHECK_INTERVAL" envDefault:"30s"`
	ResetInterval        time.Duration `env:"RESET_INTERVAL" envDefault:"5m"`
}

type EventsConfig struct {
	RedisChannel string `env:"REDIS_CHANNEL" envDefault:"tenancy:events"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations that cannot work at runtime.
func (c *Config) Validate() error {
	var errs []error

	strategy, err := domain.ParseStrategy(c.Resolution.Strategy)
	if err != nil {
		errs = append(errs, err)
	}
	if strategy == domain.StrategySubdomain && c.Resolution.BaseDomain == "" {
		errs = append(errs, errors.New("RESOLUTION_BASE_DOMAIN is required for the subdomain strategy"))
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "memory":
		case "redis":
			if c.RedisURL == "" {
				errs = append(errs, errors.New("REDIS_URL is required for the redis cache backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
		}
		if c.Cache.TTL <= 0 {
			errs = append(errs, errors.New("CACHE_TTL must be positive"))
		}
		if c.Cache.NegativeTTL >= c.Cache.TTL {
			errs = append(errs, errors.New("CACHE_NEGATIVE_TTL must be shorter than CACHE_TTL"))
		}
	}

	if c.Pool.MaxSize <= 0 {
		errs = append(errs, errors.New("POOL_MAX_SIZE must be positive"))
	}
	if c.Pool.MinSize < 0 || c.Pool.MinSize > c.Pool.MaxSize {
		errs = append(errs, fmt.Errorf("POOL_MIN_SIZE %d must be between 0 and POOL_MAX_SIZE", c.Pool.MinSize))
	}
	if c.Connection.MaxAttempts <= 0 {
		errs = append(errs, errors.New("CONNECTION_MAX_ATTEMPTS must be positive"))
	}

	if c.Provisioning.StepTimeout > 0 && c.Provisioning.LeaseTTL <= c.Provisioning.StepTimeout {
		errs = append(errs, errors.New("PROVISIONING_LEASE_TTL must be longer than PROVISIONING_STEP_TIMEOUT"))
	}

	if c.Encryption.Enabled {
		if len(c.Encryption.Keys) == 0 {
			errs = append(errs, errors.New("ENCRYPTION_KEYS is required when encryption is enabled"))
		}
		if c.Encryption.ActiveKey == "" {
			errs = append(errs, errors.New("ENCRYPTION_ACTIVE_KEY is required when encryption is enabled"))
		}
	}

	switch c.Database.Driver {
	case domain.DriverPostgres, domain.DriverPgx:
	default:
		errs = append(errs, fmt.Errorf("unsupported TENANT_DB_DRIVER %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}

// Strategy returns the validated resolution strategy.
func (c *Config) Strategy() domain.ResolutionStrategy {
	s, _ := domain.ParseStrategy(c.Resolution.Strategy)
	return s
}

// DefaultProfile is the shared credential profile used when a tenant has no
// dedicated or named profile.
func (c *Config) DefaultProfile() domain.CredentialProfile {
	return domain.CredentialProfile{
		Name:      "default",
		Host:      c.Database.Host,
		Port:      c.Database.Port,
		Username:  c.Database.Username,
		Password:  c.Database.Password,
		Driver:    c.Database.Driver,
		Charset:   c.Database.Charset,
		Collation: c.Database.Collation,
		SSLMode:   c.Database.SSLMode,
	}
}

// KeyRotationAge is the maximum age of the active encryption key.
func (c *Config) KeyRotationAge() time.Duration {
	return time.Duration(c.Encryption.KeyRotationDays) * 24 * time.Hour
}
