package config

import (
	"encoding/json"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"recurbill/internal/errors"
	"recurbill/internal/storage"
)

// Config holds all configuration for the application.
type Config struct {
	HTTPPort    int    `json:"http_port" validate:"gte=0,lte=65535"`
	MetricsPort int    `json:"metrics_port" validate:"gte=0,lte=65535"`
	LogLevel    string `json:"log_level" validate:"oneof=debug info warn error"`
	LogJSON     bool   `json:"log_json"`

	DB        DBConfig        `json:"db"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Backup    BackupConfig    `json:"backup"`
}

// DBConfig configures the SQLite database.
type DBConfig struct {
	Path         string   `json:"path" validate:"required"`
	MaxOpenConns int      `json:"max_open_conns" validate:"min=1"`
	MaxIdleConns int      `json:"max_idle_conns" validate:"gte=0,ltefield=MaxOpenConns"`
	BusyTimeout  Duration `json:"busy_timeout" validate:"min=1ms"`
}

// SchedulerConfig configures background refreshing.
type SchedulerConfig struct {
	TickSchedule   string `json:"tick_schedule" validate:"omitempty,cron_schedule"`
	Workers        int    `json:"workers" validate:"min=1,max=64"`
	RefreshOnStart bool   `json:"refresh_on_start"`
}

// BackupConfig configures where backups are written by default.
type BackupConfig struct {
	Dir string `json:"dir"`
}

// Default returns the configuration used for any key the file omits.
func Default() *Config {
	db := storage.DefaultConfig()
	return &Config{
		HTTPPort:    8080,
		MetricsPort: 9090,
		LogLevel:    "info",
		DB: DBConfig{
			Path:         db.Path,
			MaxOpenConns: db.MaxOpenConns,
			MaxIdleConns: db.MaxIdleConns,
			BusyTimeout:  Duration{db.BusyTimeout},
		},
		Scheduler: SchedulerConfig{
			TickSchedule:   "@every 15m",
			Workers:        1,
			RefreshOnStart: true,
		},
		Backup: BackupConfig{Dir: "backups"},
	}
}

// Duration is a wrapper around time.Duration that implements JSON marshaling/unmarshaling
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return errors.Newf("invalid duration %s", b)
	}
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads configuration from a file and overrides with environment
// variables. An empty path skips the file and starts from Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "parsing config file"), errors.ErrValidation)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "applying environment overrides"), errors.ErrValidation)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables.
func (c *Config) applyEnvOverrides() error {
	var err error

	if v := os.Getenv("HTTP_PORT"); v != "" {
		if c.HTTPPort, err = strconv.Atoi(v); err != nil {
			return errors.Wrap(err, "parsing HTTP_PORT")
		}
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if c.MetricsPort, err = strconv.Atoi(v); err != nil {
			return errors.Wrap(err, "parsing METRICS_PORT")
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		if c.LogJSON, err = strconv.ParseBool(v); err != nil {
			return errors.Wrap(err, "parsing LOG_JSON")
		}
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		c.DB.Path = v
	}
	if v := os.Getenv("DB_BUSY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "parsing DB_BUSY_TIMEOUT")
		}
		c.DB.BusyTimeout = Duration{d}
	}

	// Scheduler overrides
	if v, ok := os.LookupEnv("SCHEDULER_TICK_SCHEDULE"); ok {
		c.Scheduler.TickSchedule = v
	}
	if v := os.Getenv("SCHEDULER_WORKERS"); v != "" {
		if c.Scheduler.Workers, err = strconv.Atoi(v); err != nil {
			return errors.Wrap(err, "parsing SCHEDULER_WORKERS")
		}
	}
	if v := os.Getenv("SCHEDULER_REFRESH_ON_START"); v != "" {
		if c.Scheduler.RefreshOnStart, err = strconv.ParseBool(v); err != nil {
			return errors.Wrap(err, "parsing SCHEDULER_REFRESH_ON_START")
		}
	}

	if v := os.Getenv("BACKUP_DIR"); v != "" {
		c.Backup.Dir = v
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validate := validator.New()

	// Register custom validation for Duration
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if duration, ok := field.Interface().(Duration); ok {
			return duration.Duration
		}
		return nil
	}, Duration{})

	if err := validate.RegisterValidation("cron_schedule", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	}); err != nil {
		return errors.Wrap(err, "register cron_schedule validation")
	}

	if err := validate.Struct(c); err != nil {
		return errors.Mark(errors.Wrap(err, "validation failed"), errors.ErrValidation)
	}

	return nil
}

// StorageConfig returns the database pool configuration.
func (c *Config) StorageConfig() storage.Config {
	sc := storage.DefaultConfig()
	sc.Path = c.DB.Path
	sc.MaxOpenConns = c.DB.MaxOpenConns
	sc.MaxIdleConns = c.DB.MaxIdleConns
	sc.BusyTimeout = c.DB.BusyTimeout.Duration
	return sc
}
