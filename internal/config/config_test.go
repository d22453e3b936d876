package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurbill/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := writeConfig(t, `{
		"http_port": 8181,
		"log_level": "debug",
		"log_json": true,
		"db": {
			"path": "/var/lib/recurbill/data.db",
			"max_open_conns": 8,
			"busy_timeout": "2s"
		},
		"scheduler": {
			"tick_schedule": "0 6 * * *",
			"workers": 4,
			"refresh_on_start": false
		},
		"backup": {"dir": "/var/backups/recurbill"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.MetricsPort, "omitted keys keep their defaults")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, "/var/lib/recurbill/data.db", cfg.DB.Path)
	assert.Equal(t, 8, cfg.DB.MaxOpenConns)
	assert.Equal(t, 2, cfg.DB.MaxIdleConns)
	assert.Equal(t, 2*time.Second, cfg.DB.BusyTimeout.Duration)
	assert.Equal(t, "0 6 * * *", cfg.Scheduler.TickSchedule)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.False(t, cfg.Scheduler.RefreshOnStart)
	assert.Equal(t, "/var/backups/recurbill", cfg.Backup.Dir)

	// Test loading non-existent file
	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	// Test loading invalid JSON
	_, err = Load(writeConfig(t, "{invalid json}"))
	assert.True(t, errors.IsValidation(err))
}

func TestConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.StorageConfig().Validate())
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("LOG_JSON", "true")
	t.Setenv("DB_PATH", "/tmp/override.db")
	t.Setenv("DB_BUSY_TIMEOUT", "750ms")
	t.Setenv("SCHEDULER_TICK_SCHEDULE", "")
	t.Setenv("SCHEDULER_WORKERS", "3")
	t.Setenv("BACKUP_DIR", "/tmp/backups")

	cfg, err := Load(writeConfig(t, `{"http_port": 8181, "scheduler": {"tick_schedule": "@hourly"}}`))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, "/tmp/override.db", cfg.DB.Path)
	assert.Equal(t, 750*time.Millisecond, cfg.DB.BusyTimeout.Duration)
	assert.Empty(t, cfg.Scheduler.TickSchedule, "an empty override disables the ticker")
	assert.Equal(t, 3, cfg.Scheduler.Workers)
	assert.Equal(t, "/tmp/backups", cfg.Backup.Dir)

	sc := cfg.StorageConfig()
	assert.Equal(t, "/tmp/override.db", sc.Path)
	assert.Equal(t, 750*time.Millisecond, sc.BusyTimeout)
}

func TestConfig_BadEnvOverride(t *testing.T) {
	t.Setenv("SCHEDULER_WORKERS", "many")

	_, err := Load("")
	assert.True(t, errors.IsValidation(err))
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		shouldError bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no ticker", func(c *Config) { c.Scheduler.TickSchedule = "" }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"port out of range", func(c *Config) { c.HTTPPort = 70000 }, true},
		{"missing db path", func(c *Config) { c.DB.Path = "" }, true},
		{"idle above open", func(c *Config) { c.DB.MaxIdleConns = 10 }, true},
		{"zero busy timeout", func(c *Config) { c.DB.BusyTimeout = Duration{} }, true},
		{"bad tick schedule", func(c *Config) { c.Scheduler.TickSchedule = "every so often" }, true},
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.shouldError {
				require.Error(t, err)
				assert.True(t, errors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration)

	require.NoError(t, d.UnmarshalJSON([]byte(`1000000`)))
	assert.Equal(t, time.Millisecond, d.Duration)

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	b, err := Duration{2 * time.Second}.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(b))
}
