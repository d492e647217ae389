package binding

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrator runs the embedded schema migrations against db. Release must be
// called when done; it never closes db itself.
type Migrator struct {
	*migrate.Migrate
	release func() error
}

// Release frees the connection held by the migration driver.
func (m *Migrator) Release() error {
	if m == nil || m.release == nil {
		return nil
	}
	return m.release()
}

// NewMigrator prepares the embedded migrations for dialect.
func NewMigrator(ctx context.Context, db *sql.DB, dialect Dialect) (*Migrator, error) {
	src, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	var (
		drv     database.Driver
		release func() error
	)
	switch dialect {
	case DialectPostgres:
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("migration conn: %w", err)
		}
		pg, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("postgres migration driver: %w", err)
		}
		drv = pg
		release = pg.Close
	case DialectSQLite:
		drv, err = sqlite.WithInstance(db, &sqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("sqlite migration driver: %w", err)
		}
		// the sqlite driver's Close closes db
		release = func() error { return nil }
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), drv)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return &Migrator{Migrate: m, release: release}, nil
}

// Migrate applies every pending up migration.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	m, err := NewMigrator(ctx, db, dialect)
	if err != nil {
		return err
	}
	defer func() { _ = m.Release() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
