package config

import (
	"fmt"

	"github.com/machinaio/machina/pkg/archive"
)

// Supported database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Settings is the full runtime configuration.
type Settings struct {
	Database DatabaseSettings `yaml:"database" json:"database"`
	Archival archive.Config   `yaml:"archival" json:"archival"`
	Logging  LoggingSettings  `yaml:"logging" json:"logging"`
	Machine  MachineSettings  `yaml:"machine" json:"machine"`
}

// DatabaseSettings selects where event histories are persisted.
type DatabaseSettings struct {
	// Driver is one of memory, sqlite, postgres or mysql.
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the connection string; for sqlite it is the file path.
	DSN string `yaml:"dsn" json:"dsn"`
	// LockDSN optionally points the cross-process gate at a different
	// Postgres database. Empty reuses DSN when the driver is postgres.
	LockDSN string `yaml:"lock_dsn" json:"lock_dsn"`
}

// LoggingSettings shapes diagnostic output.
type LoggingSettings struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level" json:"level"`
	// Format is text or json.
	Format string `yaml:"format" json:"format"`
}

// MachineSettings tunes runtime behavior shared by all machines.
type MachineSettings struct {
	// Strict makes a send with no matching transition an error instead
	// of a silent no-op.
	Strict bool `yaml:"strict" json:"strict"`
	// LockTimeoutSeconds bounds how long a send waits for a busy
	// instance before reporting it as already running.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds" json:"lock_timeout_seconds"`
}

// DefaultSettings returns an in-memory runtime with standard archival
// and logging.
func DefaultSettings() Settings {
	return Settings{
		Database: DatabaseSettings{Driver: DriverMemory},
		Archival: archive.DefaultConfig(),
		Logging:  LoggingSettings{Level: "info", Format: "text"},
		Machine:  MachineSettings{LockTimeoutSeconds: 60},
	}
}

// LoadSettings builds Settings from defaults, an optional file, and
// MACHINA_* environment overrides, then validates the result.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		if err := Load(path, &settings); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnvOverrides(EnvPrefix, &settings); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Validate checks cross-field consistency on top of the per-section
// validators.
func (s *Settings) Validate() error {
	err := Validate(s,
		OneOfValidator("Database.Driver", DriverMemory, DriverSQLite, DriverPostgres, DriverMySQL),
		OneOfValidator("Logging.Level", "debug", "info", "warn", "error"),
		OneOfValidator("Logging.Format", "text", "json"),
		RangeValidator("Machine.LockTimeoutSeconds", 1, 3600),
	)
	if err != nil {
		return err
	}

	if s.Database.Driver != DriverMemory && s.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %q", s.Database.Driver)
	}
	if err := s.Archival.Validate(); err != nil {
		return err
	}
	return nil
}
