package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"recurbill/internal/errors"
)

// MemoryPath opens a private in-memory database. The pool is pinned to a
// single connection so every query sees the same database.
const MemoryPath = ":memory:"

// Config holds the database configuration
type Config struct {
	Path            string        // Path to the SQLite database file
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of a connection
	ConnMaxIdleTime time.Duration // Maximum idle time of a connection
	BusyTimeout     time.Duration // SQLite busy timeout
}

// DefaultConfig returns a default database configuration
func DefaultConfig() Config {
	return Config{
		Path:            "recurbill.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		BusyTimeout:     5 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.NewValidationf("database path cannot be empty")
	}

	if c.MaxOpenConns <= 0 {
		return errors.NewValidationf("max open connections must be positive")
	}

	if c.MaxIdleConns < 0 {
		return errors.NewValidationf("max idle connections cannot be negative")
	}

	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.NewValidationf("max idle connections cannot be greater than max open connections")
	}

	if c.ConnMaxLifetime <= 0 {
		return errors.NewValidationf("connection max lifetime must be positive")
	}

	if c.ConnMaxIdleTime <= 0 {
		return errors.NewValidationf("connection max idle time must be positive")
	}

	if c.ConnMaxIdleTime > c.ConnMaxLifetime {
		return errors.NewValidationf("connection max idle time cannot be greater than max lifetime")
	}

	if c.BusyTimeout <= 0 {
		return errors.NewValidationf("busy timeout must be positive")
	}

	return nil
}

// DSN builds the go-sqlite3 connection string with busy timeout, WAL and
// foreign key enforcement.
func (c Config) DSN() string {
	return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on",
		c.Path,
		c.BusyTimeout.Milliseconds())
}

// OpenDatabase opens a SQLite database with the given configuration and
// applies pending migrations.
func OpenDatabase(ctx context.Context, cfg Config) (*SQLiteStorage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database configuration")
	}

	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, errors.WrapPersistence(err, "open database")
	}

	if cfg.Path == MemoryPath {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	storage := NewSQLiteStorage(db, cfg.Path)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.WrapPersistence(err, "ping database")
	}

	if err := storage.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}
