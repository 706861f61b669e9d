package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"

	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/migrations"
)

var seederName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Seeder runs <name>.sql from the configured seed directories, falling back
// to the embedded seeds. The script and its tenant_seeders marker commit in
// one transaction, so a seeder that already ran is skipped even when the
// provisioning checkpoint was lost.
type Seeder struct {
	sources []fs.FS
	logger  *slog.Logger
}

var _ domain.SeedRunner = (*Seeder)(nil)

func NewSeeder(paths []string, logger *slog.Logger) *Seeder {
	sources := make([]fs.FS, 0, len(paths)+1)
	for _, p := range paths {
		sources = append(sources, os.DirFS(p))
	}
	if embedded, err := fs.Sub(migrations.Seeds, "seeds"); err == nil {
		sources = append(sources, embedded)
	}
	return &Seeder{sources: sources, logger: logger.With("component", "tenant_seeder")}
}

func (s *Seeder) Seed(ctx context.Context, h domain.Handle, name string) error {
	script, err := s.load(name)
	if err != nil {
		return err
	}
	db, ok := h.(txBeginner)
	if !ok {
		return fmt.Errorf("seed %s: handle %T does not support transactions", name, h)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var applied bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tenant_seeders WHERE name = $1)`, name).Scan(&applied); err != nil {
		return fmt.Errorf("seed %s: check marker: %w", name, err)
	}
	if applied {
		s.logger.Info("seeder already applied", "seeder", name)
		return nil
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("seed %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tenant_seeders (name) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("seed %s: record marker: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info("seeder applied", "seeder", name)
	return nil
}

func (s *Seeder) load(name string) (string, error) {
	if !seederName.MatchString(name) {
		return "", fmt.Errorf("invalid seeder name %q", name)
	}
	for _, src := range s.sources {
		b, err := fs.ReadFile(src, name+".sql")
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read seeder %s: %w", name, err)
		}
		return string(b), nil
	}
	return "", fmt.Errorf("seeder %q not found", name)
}
