package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurbill/internal/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "recurbill.db", cfg.Path)
	assert.Equal(t, 4, cfg.MaxOpenConns)
	assert.Equal(t, 2, cfg.MaxIdleConns)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxIdleTime)
	assert.Equal(t, 5*time.Second, cfg.BusyTimeout)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty path", func(c *Config) { c.Path = "" }, "database path cannot be empty"},
		{"zero open conns", func(c *Config) { c.MaxOpenConns = 0 }, "max open connections must be positive"},
		{"negative idle conns", func(c *Config) { c.MaxIdleConns = -1 }, "max idle connections cannot be negative"},
		{"idle above open", func(c *Config) { c.MaxIdleConns = c.MaxOpenConns + 1 }, "cannot be greater than max open connections"},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }, "connection max lifetime must be positive"},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }, "connection max idle time must be positive"},
		{"idle time above lifetime", func(c *Config) { c.ConnMaxIdleTime = 2 * c.ConnMaxLifetime }, "cannot be greater than max lifetime"},
		{"zero busy timeout", func(c *Config) { c.BusyTimeout = 0 }, "busy timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = "/var/lib/recurbill/data.db"
	cfg.BusyTimeout = 2 * time.Second

	assert.Equal(t,
		"/var/lib/recurbill/data.db?_busy_timeout=2000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on",
		cfg.DSN())
}

func TestOpenDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	cfg := DefaultConfig()
	cfg.Path = dbPath

	storage, err := OpenDatabase(context.Background(), cfg)
	require.NoError(t, err)
	defer storage.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.Equal(t, dbPath, storage.Path())

	var fk int
	require.NoError(t, storage.DB().QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, storage.DB().QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpenDatabase_Memory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = MemoryPath

	storage, err := OpenDatabase(context.Background(), cfg)
	require.NoError(t, err)
	defer storage.Close()

	insertJob(t, storage.DB(), "job-1", "")
	assert.Equal(t, 1, count(t, storage.DB(), `SELECT COUNT(*) FROM recurring_jobs`))
	assert.Equal(t, 1, storage.DB().Stats().MaxOpenConnections)
}

func TestOpenDatabase_InvalidPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = "/nonexistent/directory/test.db"

	_, err := OpenDatabase(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(err))
}

func TestOpenDatabase_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpenConns = 0

	_, err := OpenDatabase(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestOpenDatabase_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	cfg := DefaultConfig()
	cfg.Path = dbPath

	first, err := OpenDatabase(context.Background(), cfg)
	require.NoError(t, err)
	insertJob(t, first.DB(), "job-1", "")
	require.NoError(t, first.Close())

	second, err := OpenDatabase(context.Background(), cfg)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, 1, count(t, second.DB(), `SELECT COUNT(*) FROM recurring_jobs`))
}
