package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/V4T54L/tenancy/internal/domain"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LANDLORD_DATABASE_URL", "postgres://landlord@localhost/landlord?sslmode=disable")
	t.Setenv("ENCRYPTION_KEYS", "k1:AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=")
	t.Setenv("ENCRYPTION_ACTIVE_KEY", "k1")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strategy() != domain.StrategyDomain {
		t.Errorf("strategy = %s", cfg.Strategy())
	}
	if cfg.Pool.MaxSize != 10 || cfg.Pool.AcquireTimeout != 5*time.Second {
		t.Errorf("pool defaults = %+v", cfg.Pool)
	}
	if cfg.Cache.TTL != 5*time.Minute || cfg.Cache.NegativeTTL != 30*time.Second {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if !cfg.Provisioning.AutoCreateDatabase || len(cfg.Provisioning.Seeders) != 1 {
		t.Errorf("provisioning defaults = %+v", cfg.Provisioning)
	}
	if cfg.KeyRotationAge() != 90*24*time.Hour {
		t.Errorf("rotation age = %s", cfg.KeyRotationAge())
	}
}

func TestLoad_NestedPrefixes(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RESOLUTION_STRATEGY", "subdomain")
	t.Setenv("RESOLUTION_BASE_DOMAIN", "example.com")
	t.Setenv("RESOLUTION_CENTRAL_DOMAINS", "admin.example.com,example.com")
	t.Setenv("POOL_MAX_SIZE", "4")
	t.Setenv("MONITOR_MAX_FAILED_CONNECTIONS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strategy() != domain.StrategySubdomain {
		t.Errorf("strategy = %s", cfg.Strategy())
	}
	if strings.Join(cfg.Resolution.CentralDomains, "|") != "admin.example.com|example.com" {
		t.Errorf("central domains = %v", cfg.Resolution.CentralDomains)
	}
	if cfg.Pool.MaxSize != 4 || cfg.Monitor.MaxFailedConnections != 7 {
		t.Errorf("unexpected values: pool=%d monitor=%d", cfg.Pool.MaxSize, cfg.Monitor.MaxFailedConnections)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown strategy",
			env:     map[string]string{"RESOLUTION_STRATEGY": "header"},
			wantErr: "unknown resolution strategy",
		},
		{
			name:    "subdomain without base",
			env:     map[string]string{"RESOLUTION_STRATEGY": "subdomain"},
			wantErr: "RESOLUTION_BASE_DOMAIN",
		},
		{
			name:    "redis cache without url",
			env:     map[string]string{"CACHE_BACKEND": "redis"},
			wantErr: "REDIS_URL",
		},
		{
			name:    "negative ttl too long",
			env:     map[string]string{"CACHE_NEGATIVE_TTL": "10m"},
			wantErr: "CACHE_NEGATIVE_TTL",
		},
		{
			name:    "min above max",
			env:     map[string]string{"POOL_MIN_SIZE": "20"},
			wantErr: "POOL_MIN_SIZE",
		},
		{
			name:    "encryption without keys",
			env:     map[string]string{"ENCRYPTION_KEYS": "", "ENCRYPTION_ACTIVE_KEY": ""},
			wantErr: "ENCRYPTION_KEYS",
		},
		{
			name:    "lease shorter than a step",
			env:     map[string]string{"PROVISIONING_LEASE_TTL": "5m", "PROVISIONING_STEP_TIMEOUT": "5m"},
			wantErr: "PROVISIONING_LEASE_TTL",
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"TENANT_DB_DRIVER": "mysql"},
			wantErr: "TENANT_DB_DRIVER",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseProfiles(t *testing.T) {
	base := domain.CredentialProfile{Host: "pg.internal", Port: 5432, Username: "root", Password: "rootpw", Driver: domain.DriverPostgres}

	doc := `
profiles:
  eu:
    host: pg-eu.internal
    username: eu_tenants
    password: eupw
    driver: pgx
    options:
      application_name: tenancyd
  shared: {}
`
	profiles, err := ParseProfiles([]byte(doc), base)
	if err != nil {
		t.Fatalf("ParseProfiles: %v", err)
	}
	eu := profiles["eu"]
	if eu.Name != "eu" || eu.Host != "pg-eu.internal" || eu.Port != 5432 || eu.Driver != domain.DriverPgx {
		t.Errorf("eu profile = %v", eu)
	}
	if eu.Password != "eupw" {
		t.Error("eu profile must keep its own password")
	}
	shared := profiles["shared"]
	if shared.Username != "root" || shared.Password != "rootpw" {
		t.Errorf("shared profile should inherit credentials, got %v", shared)
	}
}

func TestParseProfiles_RejectsUnknown(t *testing.T) {
	base := domain.CredentialProfile{Host: "pg", Port: 5432, Username: "u", Driver: domain.DriverPostgres}

	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown field", doc: "profiles:\n  a:\n    hostname: x\n"},
		{name: "unknown option", doc: "profiles:\n  a:\n    options:\n      pool_mode: session\n"},
		{name: "bad port", doc: "profiles:\n  a:\n    port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseProfiles([]byte(tt.doc), base); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadProfiles_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte("profiles:\n  a:\n    host: h\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	base := domain.CredentialProfile{Port: 5432, Username: "u", Driver: domain.DriverPostgres}
	profiles, err := LoadProfiles(path, base)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if profiles["a"].Host != "h" {
		t.Errorf("profile a = %v", profiles["a"])
	}

	if _, err := LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml"), base); err == nil {
		t.Error("expected an error for a missing file")
	}
}
