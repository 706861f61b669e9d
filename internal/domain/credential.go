package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"

	maskedSecret = "********"
)

// driverOptions lists the extra connection options each driver accepts.
var driverOptions = map[string]map[string]struct{}{
	DriverPostgres: {
		"connect_timeout":           {},
		"application_name":          {},
		"sslcert":                   {},
		"sslkey":                    {},
		"sslrootcert":               {},
		"search_path":               {},
		"statement_timeout":         {},
		"fallback_application_name": {},
	},
	DriverPgx: {
		"connect_timeout":             {},
		"application_name":            {},
		"sslcert":                     {},
		"sslkey":                      {},
		"sslrootcert":                 {},
		"search_path":                 {},
		"statement_timeout":           {},
		"default_query_exec_mode":     {},
		"statement_cache_capacity":    {},
		"description_cache_capacity":  {},
		"target_session_attrs":        {},
		"pool_max_conn_lifetime_hint": {},
	},
}

// CredentialProfile holds the parameters needed to reach a tenant database.
// Password holds ciphertext while at rest and plaintext only in memory after
// CredentialStore.Decrypt.
type CredentialProfile struct {
	ID        string            `json:"id" yaml:"-"`
	TenantID  string            `json:"tenant_id,omitempty" yaml:"-"`
	Name      string            `json:"name" yaml:"name"`
	Host      string            `json:"host" yaml:"host"`
	Port      int               `json:"port" yaml:"port"`
	Username  string            `json:"username" yaml:"username"`
	Password  string            `json:"password" yaml:"password"`
	Driver    string            `json:"driver" yaml:"driver"`
	Database  string            `json:"database,omitempty" yaml:"database"`
	Charset   string            `json:"charset,omitempty" yaml:"charset"`
	Collation string            `json:"collation,omitempty" yaml:"collation"`
	SSLMode   string            `json:"sslmode,omitempty" yaml:"sslmode"`
	Options   map[string]string `json:"options,omitempty" yaml:"options"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"-"`
}

// Validate rejects incomplete profiles and options the driver does not know.
func (p CredentialProfile) Validate() error {
	var errs []error
	if p.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if p.Port <= 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", p.Port))
	}
	if p.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	allowed, ok := driverOptions[p.Driver]
	if !ok {
		errs = append(errs, fmt.Errorf("unsupported driver %q", p.Driver))
	}
	for key := range p.Options {
		if _, ok := allowed[key]; !ok {
			errs = append(errs, fmt.Errorf("unknown option %q for driver %q", key, p.Driver))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid credential profile %q: %w", p.Name, errors.Join(errs...))
	}
	return nil
}

// WithDefaults fills unset fields from a base profile.
func (p CredentialProfile) WithDefaults(base CredentialProfile) CredentialProfile {
	if p.Host == "" {
		p.Host = base.Host
	}
	if p.Port == 0 {
		p.Port = base.Port
	}
	if p.Username == "" {
		p.Username = base.Username
		if p.Password == "" {
			p.Password = base.Password
		}
	}
	if p.Driver == "" {
		p.Driver = base.Driver
	}
	if p.Charset == "" {
		p.Charset = base.Charset
	}
	if p.Collation == "" {
		p.Collation = base.Collation
	}
	if p.SSLMode == "" {
		p.SSLMode = base.SSLMode
	}
	if len(p.Options) == 0 && len(base.Options) > 0 {
		p.Options = make(map[string]string, len(base.Options))
		for k, v := range base.Options {
			p.Options[k] = v
		}
	}
	return p
}

// Secrets returns pointers to every secret field so callers can transform them in place.
func (p *CredentialProfile) Secrets() []*string {
	secrets := []*string{&p.Password}
	return secrets
}

// OptionKeys returns the option names in a stable order.
func (p CredentialProfile) OptionKeys() []string {
	keys := make([]string, 0, len(p.Options))
	for k := range p.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String never includes the password.
func (p CredentialProfile) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s://%s@%s:%d", p.Driver, p.Username, p.Host, p.Port)
	if p.Database != "" {
		sb.WriteString("/" + p.Database)
	}
	if p.Password != "" {
		sb.WriteString(" password=" + maskedSecret)
	}
	return sb.String()
}

// LogValue keeps decrypted secrets out of structured logs.
func (p CredentialProfile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", p.Name),
		slog.String("driver", p.Driver),
		slog.String("host", p.Host),
		slog.Int("port", p.Port),
		slog.String("username", p.Username),
		slog.String("password", maskedSecret),
	)
}
