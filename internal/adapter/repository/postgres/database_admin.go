package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/V4T54L/tenancy/internal/domain"
)

const maintenanceDatabase = "postgres"

// DatabaseAdmin creates tenant databases through the maintenance database of
// the server named by the tenant's profile.
type DatabaseAdmin struct {
	connector domain.Connector
	logger    *slog.Logger
}

var _ domain.DatabaseAdmin = (*DatabaseAdmin)(nil)

func NewDatabaseAdmin(connector domain.Connector, logger *slog.Logger) *DatabaseAdmin {
	return &DatabaseAdmin{connector: connector, logger: logger.With("component", "database_admin")}
}

func (a *DatabaseAdmin) CreateDatabase(ctx context.Context, p domain.CredentialProfile) error {
	name := p.Database
	if name == "" {
		return fmt.Errorf("create database: profile %q has no database name", p.Name)
	}

	admin := p
	admin.Database = maintenanceDatabase
	h, err := a.connector.Open(ctx, admin)
	if err != nil {
		return fmt.Errorf("connect to maintenance database: %w", err)
	}
	defer h.Close()

	if _, err := h.ExecContext(ctx, CreateDatabaseStatement(p)); err != nil {
		if isDuplicateDatabase(err) {
			return fmt.Errorf("%s: %w", name, domain.ErrDatabaseExists)
		}
		return fmt.Errorf("create database %s: %w", name, err)
	}
	a.logger.Info("tenant database created", "database", name, "host", p.Host)
	return nil
}

// CreateDatabaseStatement renders CREATE DATABASE with the profile's encoding
// and collation. Identifiers and literals are quoted; CREATE DATABASE takes
// no bind parameters.
func CreateDatabaseStatement(p domain.CredentialProfile) string {
	var b strings.Builder
	b.WriteString("CREATE DATABASE ")
	b.WriteString(pq.QuoteIdentifier(p.Database))
	if p.Charset != "" || p.Collation != "" {
		b.WriteString(" TEMPLATE template0")
	}
	if p.Charset != "" {
		b.WriteString(" ENCODING ")
		b.WriteString(pq.QuoteLiteral(p.Charset))
	}
	if p.Collation != "" {
		b.WriteString(" LC_COLLATE ")
		b.WriteString(pq.QuoteLiteral(p.Collation))
		b.WriteString(" LC_CTYPE ")
		b.WriteString(pq.QuoteLiteral(p.Collation))
	}
	return b.String()
}
