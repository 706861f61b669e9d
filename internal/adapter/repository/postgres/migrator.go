package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/V4T54L/tenancy/internal/domain"
	"github.com/V4T54L/tenancy/migrations"
)

const LandlordMigrationsTable = "landlord_schema_migrations"

type connProvider interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Migrator applies the embedded tenant schema, then every extra migration
// directory, to a tenant database. Each extra directory keeps its own
// version table (<table>_1, <table>_2, ...) since version numbers from
// different sources may collide.
type Migrator struct {
	table      string
	extraPaths []string
	logger     *slog.Logger
}

var _ domain.MigrationRunner = (*Migrator)(nil)

func NewMigrator(table string, extraPaths []string, logger *slog.Logger) *Migrator {
	return &Migrator{
		table:      table,
		extraPaths: extraPaths,
		logger:     logger.With("component", "tenant_migrator"),
	}
}

func (m *Migrator) Migrate(ctx context.Context, h domain.Handle) error {
	db, ok := h.(connProvider)
	if !ok {
		return fmt.Errorf("migrate: handle %T cannot hand out a dedicated connection", h)
	}

	src, err := embeddedSource(migrations.Tenant, "tenant")
	if err != nil {
		return err
	}
	if err := runUp(ctx, db, "iofs", src, m.table, m.logger); err != nil {
		return fmt.Errorf("tenant schema: %w", err)
	}

	for i, path := range m.extraPaths {
		src, err := (&file.File{}).Open("file://" + path)
		if err != nil {
			return fmt.Errorf("open migrations %s: %w", path, err)
		}
		table := fmt.Sprintf("%s_%d", m.table, i+1)
		if err := runUp(ctx, db, "file", src, table, m.logger); err != nil {
			return fmt.Errorf("migrations %s: %w", path, err)
		}
	}
	return nil
}

// MigrateLandlord brings the landlord schema up to date.
func MigrateLandlord(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	src, err := embeddedSource(migrations.Landlord, "landlord")
	if err != nil {
		return err
	}
	return runUp(ctx, db, "iofs", src, LandlordMigrationsTable, logger.With("component", "landlord_migrator"))
}

// LandlordVersion reports the applied landlord schema version.
func LandlordVersion(ctx context.Context, db *sql.DB) (version uint, dirty bool, err error) {
	src, err := embeddedSource(migrations.Landlord, "landlord")
	if err != nil {
		return 0, false, err
	}
	mg, err := newMigrate(ctx, db, "iofs", src, LandlordMigrationsTable)
	if err != nil {
		return 0, false, err
	}
	defer mg.Close()

	version, dirty, err = mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func embeddedSource(fsys fs.FS, dir string) (source.Driver, error) {
	d, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("open embedded %s migrations: %w", dir, err)
	}
	return d, nil
}

func newMigrate(ctx context.Context, db connProvider, name string, src source.Driver, table string) (*migrate.Migrate, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	// The driver closes only the *sql.Conn, returning it to db.
	drv, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{MigrationsTable: table})
	if err != nil {
		_ = conn.Close()
		_ = src.Close()
		return nil, fmt.Errorf("init migration driver: %w", err)
	}
	mg, err := migrate.NewWithInstance(name, src, "postgres", drv)
	if err != nil {
		_ = drv.Close()
		_ = src.Close()
		return nil, err
	}
	return mg, nil
}

func runUp(ctx context.Context, db connProvider, name string, src source.Driver, table string, logger *slog.Logger) error {
	mg, err := newMigrate(ctx, db, name, src, table)
	if err != nil {
		return err
	}
	defer mg.Close()
	mg.Log = migrateLogger{logger: logger}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			mg.GracefulStop <- true
		case <-done:
		}
	}()

	err = mg.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	version, _, _ := mg.Version()
	logger.Info("migrations applied", "table", table, "version", version)
	return nil
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return false }
