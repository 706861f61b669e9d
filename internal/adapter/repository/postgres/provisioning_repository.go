package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/tenancy/internal/domain"
)

// ProvisioningRepository implements domain.ProvisioningRepository. The lease
// columns share the record row; a row whose state is NULL only carries a
// lease for a run that has not saved its first checkpoint.
type ProvisioningRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.ProvisioningRepository = (*ProvisioningRepository)(nil)

func NewProvisioningRepository(db *sql.DB, logger *slog.Logger) *ProvisioningRepository {
	return &ProvisioningRepository{db: db, logger: logger.With("component", "provisioning_repository")}
}

func (r *ProvisioningRepository) Get(ctx context.Context, tenantID string) (*domain.ProvisioningRecord, error) {
	var (
		rec        domain.ProvisioningRecord
		state      string
		checkpoint string
		failedStep string
		seeders    pq.StringArray
		leaseOwner sql.NullString
		leaseUntil sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, state, checkpoint, failed_step, last_error, attempts, seeders_done,
			lease_owner, lease_until, created_at, updated_at
		FROM provisioning_records WHERE tenant_id = $1 AND state IS NOT NULL`, tenantID,
	).Scan(&rec.TenantID, &state, &checkpoint, &failedStep, &rec.LastError, &rec.Attempts, &seeders,
		&leaseOwner, &leaseUntil, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.State = domain.ProvisioningState(state)
	rec.Checkpoint = domain.ProvisioningState(checkpoint)
	rec.FailedStep = domain.ProvisioningStep(failedStep)
	if len(seeders) > 0 {
		rec.SeedersDone = []string(seeders)
	}
	rec.LeaseOwner = leaseOwner.String
	rec.LeaseUntil = nullTime(leaseUntil)
	return &rec, nil
}

// Save upserts the checkpoint columns and leaves the lease untouched.
func (r *ProvisioningRepository) Save(ctx context.Context, rec *domain.ProvisioningRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO provisioning_records (tenant_id, state, checkpoint, failed_step, last_error, attempts,
			seeders_done, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id) DO UPDATE SET
			state = EXCLUDED.state,
			checkpoint = EXCLUDED.checkpoint,
			failed_step = EXCLUDED.failed_step,
			last_error = EXCLUDED.last_error,
			attempts = EXCLUDED.attempts,
			seeders_done = EXCLUDED.seeders_done,
			updated_at = EXCLUDED.updated_at`,
		rec.TenantID, string(rec.State), string(rec.Checkpoint), string(rec.FailedStep), rec.LastError,
		rec.Attempts, pq.Array(rec.SeedersDone), rec.CreatedAt, rec.UpdatedAt)
	return err
}

// Delete drops the checkpoint but keeps a held lease until ReleaseClaim.
func (r *ProvisioningRepository) Delete(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE provisioning_records SET state = NULL, checkpoint = NULL, failed_step = '', last_error = '',
			attempts = 0, seeders_done = '{}', updated_at = NOW()
		WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`DELETE FROM provisioning_records WHERE tenant_id = $1 AND lease_owner IS NULL`, tenantID)
	return err
}

// Claim takes the lease when it is free, expired, or already ours.
func (r *ProvisioningRepository) Claim(ctx context.Context, tenantID, owner string, ttl time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO provisioning_records (tenant_id, lease_owner, lease_until)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (tenant_id) DO UPDATE SET
			lease_owner = EXCLUDED.lease_owner,
			lease_until = EXCLUDED.lease_until
		WHERE provisioning_records.lease_owner IS NULL
			OR provisioning_records.lease_until < NOW()
			OR provisioning_records.lease_owner = EXCLUDED.lease_owner`,
		tenantID, owner, ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *ProvisioningRepository) ReleaseClaim(ctx context.Context, tenantID, owner string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE provisioning_records SET lease_owner = NULL, lease_until = NULL
		WHERE tenant_id = $1 AND lease_owner = $2`, tenantID, owner); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM provisioning_records WHERE tenant_id = $1 AND state IS NULL AND lease_owner IS NULL`, tenantID); err != nil {
		return err
	}
	return tx.Commit()
}
