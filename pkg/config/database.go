package config

import "fmt"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// DatabaseConfig selects and configures the shared state store.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
	Redis    RedisConfig          `yaml:"redis,omitempty" mapstructure:"redis"`

	// SeedFile is an optional YAML document used instead of the built-in
	// seed when collections are missing.
	SeedFile string `yaml:"seed_file,omitempty" mapstructure:"seed_file"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DSN renders the lib/pq style connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig contains redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password,omitempty" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// Validate checks the driver and its required settings.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case DriverMemory:
	case DriverSQLite:
		if d.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case DriverPostgres:
		if d.Postgres.Host == "" || d.Postgres.Database == "" {
			return fmt.Errorf("postgres host and database are required")
		}
	case DriverRedis:
		if d.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", d.Driver)
	}

	return nil
}
