package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/tenancy/internal/domain"
)

const tenantColumns = `t.id, t.name, t.database, t.profile_name, t.active, t.expires_at, t.metadata,
	t.created_at, t.updated_at, t.deleted_at,
	COALESCE((SELECT array_agg(k.key ORDER BY k.position) FROM tenant_keys k WHERE k.tenant_id = t.id), '{}')`

// TenantRepository implements domain.TenantRepository on the landlord database.
// Resolution keys live in tenant_keys, whose primary key enforces that a key
// belongs to at most one tenant.
type TenantRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.TenantRepository = (*TenantRepository)(nil)

func NewTenantRepository(db *sql.DB, logger *slog.Logger) *TenantRepository {
	return &TenantRepository{db: db, logger: logger.With("component", "tenant_repository")}
}

func (r *TenantRepository) Create(ctx context.Context, t *domain.Tenant) error {
	metadata, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // no-op after Commit

	err = tx.QueryRowContext(ctx, `
		INSERT INTO tenants (id, name, database, profile_name, active, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.Database, t.ProfileName, t.Active, t.ExpiresAt, metadata,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if err := insertKeys(ctx, tx, t.ID, t.ResolutionKeys); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *TenantRepository) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants t WHERE t.id = $1 AND t.deleted_at IS NULL`, id)
	return scanTenant(row)
}

func (r *TenantRepository) FindByResolutionKey(ctx context.Context, key string) (*domain.Tenant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+`
		FROM tenant_keys tk JOIN tenants t ON t.id = tk.tenant_id
		WHERE tk.key = $1 AND t.deleted_at IS NULL`, key)
	return scanTenant(row)
}

func (r *TenantRepository) Update(ctx context.Context, t *domain.Tenant) error {
	metadata, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		UPDATE tenants SET name = $2, profile_name = $3, expires_at = $4, metadata = $5, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING updated_at`,
		t.ID, t.Name, t.ProfileName, t.ExpiresAt, metadata,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrTenantNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_keys WHERE tenant_id = $1`, t.ID); err != nil {
		return err
	}
	if err := insertKeys(ctx, tx, t.ID, t.ResolutionKeys); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *TenantRepository) Activate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET active = TRUE, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	return expectOne(res, domain.ErrTenantNotFound)
}

func (r *TenantRepository) SoftDelete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE tenants SET active = FALSE, deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if err := expectOne(res, domain.ErrTenantNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_keys WHERE tenant_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *TenantRepository) List(ctx context.Context, filter domain.TenantFilter) ([]domain.Tenant, error) {
	var where []string
	if !filter.IncludeDeleted {
		where = append(where, "t.deleted_at IS NULL")
	}
	if !filter.IncludeInactive {
		where = append(where, "t.active")
	}
	query := `SELECT ` + tenantColumns + ` FROM tenants t`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY t.created_at, t.id"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*domain.Tenant, error) {
	var (
		t         domain.Tenant
		expiresAt sql.NullTime
		deletedAt sql.NullTime
		metadata  []byte
		keys      pq.StringArray
	)
	err := row.Scan(&t.ID, &t.Name, &t.Database, &t.ProfileName, &t.Active, &expiresAt, &metadata,
		&t.CreatedAt, &t.UpdatedAt, &deletedAt, &keys)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ExpiresAt = nullTime(expiresAt)
	t.DeletedAt = nullTime(deletedAt)
	t.ResolutionKeys = []string(keys)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of tenant %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func insertKeys(ctx context.Context, tx *sql.Tx, tenantID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_keys (key, tenant_id, position)
		SELECT k.key, $2, k.ord FROM unnest($1::text[]) WITH ORDINALITY AS k(key, ord)`,
		pq.Array(keys), tenantID)
	return mapWriteError(err)
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode tenant metadata: %w", err)
	}
	return b, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
