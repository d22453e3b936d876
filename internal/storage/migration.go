package storage

import (
	"context"
	"embed"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"recurbill/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLock ensures only one migration can run at a time
var migrationLock sync.Mutex

// MigrationStatus is the schema version recorded by golang-migrate.
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func (s *SQLiteStorage) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "create migration source")
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, errors.WrapPersistence(err, "create migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, errors.WrapPersistence(err, "create migrate instance")
	}
	return m, nil
}

// Migrate applies all pending database migrations. The migrate instance is
// not closed because closing it would close the shared handle.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	migrationLock.Lock()
	defer migrationLock.Unlock()

	m, err := s.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.WrapPersistence(err, "apply migrations")
	}
	return nil
}

// GetMigrationStatus returns the current schema version.
func (s *SQLiteStorage) GetMigrationStatus(ctx context.Context) (MigrationStatus, error) {
	if err := ctx.Err(); err != nil {
		return MigrationStatus{}, err
	}

	migrationLock.Lock()
	defer migrationLock.Unlock()

	m, err := s.migrator()
	if err != nil {
		return MigrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, errors.WrapPersistence(err, "read migration version")
	}
	return MigrationStatus{Version: version, Dirty: dirty}, nil
}
