package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/V4T54L/tenancy/internal/domain"
)

const credentialColumns = `id, tenant_id, name, host, port, username, password, driver, database,
	charset, collation, sslmode, options, updated_at`

// CredentialRepository implements domain.CredentialRepository. It never sees
// plaintext secrets: callers encrypt before Save and decrypt after loading.
type CredentialRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.CredentialRepository = (*CredentialRepository)(nil)

func NewCredentialRepository(db *sql.DB, logger *slog.Logger) *CredentialRepository {
	return &CredentialRepository{db: db, logger: logger.With("component", "credential_repository")}
}

func (r *CredentialRepository) ForTenant(ctx context.Context, tenantID string) (*domain.CredentialProfile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM tenant_credentials WHERE tenant_id = $1`, tenantID)
	return scanCredential(row)
}

// Save upserts by tenant. The row keeps its original id so rotation
// checkpoints stay valid across replacements.
func (r *CredentialRepository) Save(ctx context.Context, p *domain.CredentialProfile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	options, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("encode profile options: %w", err)
	}
	if p.Options == nil {
		options = []byte("{}")
	}

	return r.db.QueryRowContext(ctx, `
		INSERT INTO tenant_credentials (id, tenant_id, name, host, port, username, password, driver, database,
			charset, collation, sslmode, options, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = EXCLUDED.name,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			driver = EXCLUDED.driver,
			database = EXCLUDED.database,
			charset = EXCLUDED.charset,
			collation = EXCLUDED.collation,
			sslmode = EXCLUDED.sslmode,
			options = EXCLUDED.options,
			updated_at = NOW()
		RETURNING id, updated_at`,
		p.ID, p.TenantID, p.Name, p.Host, p.Port, p.Username, p.Password, p.Driver, p.Database,
		p.Charset, p.Collation, p.SSLMode, options,
	).Scan(&p.ID, &p.UpdatedAt)
}

func (r *CredentialRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]domain.CredentialProfile, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if afterID == "" {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+credentialColumns+` FROM tenant_credentials ORDER BY id LIMIT $1`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+credentialColumns+` FROM tenant_credentials WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CredentialProfile
	for rows.Next() {
		p, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *CredentialRepository) SwapPassword(ctx context.Context, id, old, updated string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tenant_credentials SET password = $3, updated_at = NOW() WHERE id = $1 AND password = $2`,
		id, old, updated)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanCredential(row rowScanner) (*domain.CredentialProfile, error) {
	var (
		p       domain.CredentialProfile
		options []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Host, &p.Port, &p.Username, &p.Password, &p.Driver,
		&p.Database, &p.Charset, &p.Collation, &p.SSLMode, &options, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &p.Options); err != nil {
			return nil, fmt.Errorf("decode options of profile %s: %w", p.ID, err)
		}
		if len(p.Options) == 0 {
			p.Options = nil
		}
	}
	return &p, nil
}
