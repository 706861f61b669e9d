package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/V4T54L/tenancy/internal/domain"
)

// Connector opens one physical tenant connection per handle. Each handle is
// a *sql.DB capped at a single connection so the tenant pool, not
// database/sql, decides how many connections a tenant holds.
type Connector struct{}

var _ domain.Connector = Connector{}

func (Connector) Open(ctx context.Context, p domain.CredentialProfile) (domain.Handle, error) {
	db, err := OpenDB(p)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s:%d/%s: %w", p.Host, p.Port, p.Database, err)
	}
	return db, nil
}

// OpenDB builds a single-connection *sql.DB for the profile's driver without dialing.
func OpenDB(p domain.CredentialProfile) (*sql.DB, error) {
	dsn := DSN(p)
	var db *sql.DB
	switch p.Driver {
	case domain.DriverPgx:
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse pgx config for %s: %w", p.Host, err)
		}
		db = stdlib.OpenDB(*cfg)
	case domain.DriverPostgres, "":
		c, err := pq.NewConnector(dsn)
		if err != nil {
			return nil, fmt.Errorf("build postgres connector for %s: %w", p.Host, err)
		}
		db = sql.OpenDB(c)
	default:
		return nil, fmt.Errorf("unsupported driver %q", p.Driver)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// DSN renders a keyword/value connection string understood by both drivers.
func DSN(p domain.CredentialProfile) string {
	parts := []string{
		"host=" + quoteValue(p.Host),
		"port=" + strconv.Itoa(p.Port),
		"user=" + quoteValue(p.Username),
	}
	if p.Password != "" {
		parts = append(parts, "password="+quoteValue(p.Password))
	}
	if p.Database != "" {
		parts = append(parts, "dbname="+quoteValue(p.Database))
	}
	if p.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteValue(p.SSLMode))
	}
	keys := make([]string, 0, len(p.Options))
	for k := range p.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+quoteValue(p.Options[k]))
	}
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
