package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/infrasense/labfarm/pkg/fsutil"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides,
	// e.g. LABFARM_SYNC_INTERVAL.
	EnvPrefix = "LABFARM"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultSyncInterval is how often each actor re-reads shared state.
	DefaultSyncInterval = 2 * time.Second

	// DefaultCompletionDelay is how long a submitted job runs.
	DefaultCompletionDelay = 5 * time.Second

	// DefaultAnalysisTimeout bounds a single AI analysis request.
	DefaultAnalysisTimeout = 60 * time.Second

	// DefaultListen is the default API listen address.
	DefaultListen = ":9090"

	// DefaultRedisNamespace scopes redis keys when none is configured.
	DefaultRedisNamespace = "default"
)

// Config is the root configuration for labfarm.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Sync     SyncConfig     `yaml:"sync" mapstructure:"sync"`
	Jobs     JobsConfig     `yaml:"jobs" mapstructure:"jobs"`
	Access   AccessConfig   `yaml:"access" mapstructure:"access"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Backup   BackupConfig   `yaml:"backup" mapstructure:"backup"`
	Analysis AnalysisConfig `yaml:"analysis" mapstructure:"analysis"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// SyncConfig controls the per-actor polling loop.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// JobsConfig controls simulated job execution.
type JobsConfig struct {
	CompletionDelay time.Duration  `yaml:"completion_delay" mapstructure:"completion_delay"`
	RecoverStranded bool           `yaml:"recover_stranded" mapstructure:"recover_stranded"`
	OutcomeWeights  OutcomeWeights `yaml:"outcome_weights" mapstructure:"outcome_weights"`
}

// OutcomeWeights are the relative odds of each terminal job status.
type OutcomeWeights struct {
	Passed int `yaml:"passed" mapstructure:"passed"`
	Failed int `yaml:"failed" mapstructure:"failed"`
	Error  int `yaml:"error" mapstructure:"error"`
}

// AccessConfig controls board visibility filtering.
type AccessConfig struct {
	// LegacyNameMatch also treats a board as held when the stored holder
	// display name equals the viewer's name.
	LegacyNameMatch bool `yaml:"legacy_name_match" mapstructure:"legacy_name_match"`
}

// AnalysisConfig controls the AI analysis collaborator.
type AnalysisConfig struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Load reads a configuration file and applies LABFARM_* environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every overridable key so that AutomaticEnv can
// resolve it during Unmarshal even when the file omits it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.seed_file", "")
	v.SetDefault("database.sqlite.path", "labfarm.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "labfarm")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.redis.addr", "localhost:6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("database.redis.namespace", DefaultRedisNamespace)

	v.SetDefault("sync.interval", DefaultSyncInterval.String())

	v.SetDefault("jobs.completion_delay", DefaultCompletionDelay.String())
	v.SetDefault("jobs.recover_stranded", true)
	v.SetDefault("jobs.outcome_weights.passed", 2)
	v.SetDefault("jobs.outcome_weights.failed", 1)
	v.SetDefault("jobs.outcome_weights.error", 0)

	v.SetDefault("access.legacy_name_match", true)

	v.SetDefault("api.server.listen", DefaultListen)
	v.SetDefault("api.server.rate_limit.enabled", false)
	v.SetDefault("api.server.rate_limit.requests_per_minute", 120)
	v.SetDefault("api.auth.basic.enabled", false)

	v.SetDefault("backup.interval", "0s")
	v.SetDefault("backup.prefix", "labfarm")
	v.SetDefault("backup.local.enabled", false)
	v.SetDefault("backup.local.dir", "./backups")
	v.SetDefault("backup.local.owner", "")
	v.SetDefault("backup.s3.enabled", false)
	v.SetDefault("backup.s3.endpoint_url", "")
	v.SetDefault("backup.s3.region", "")
	v.SetDefault("backup.s3.bucket", "")
	v.SetDefault("backup.s3.access_key_id", "")
	v.SetDefault("backup.s3.secret_access_key", "")
	v.SetDefault("backup.s3.force_path_style", false)

	v.SetDefault("analysis.timeout", DefaultAnalysisTimeout.String())
}

// applyDefaults fills values that a config file may have zeroed explicitly.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Sync.Interval <= 0 {
		c.Sync.Interval = DefaultSyncInterval
	}

	if c.Jobs.CompletionDelay <= 0 {
		c.Jobs.CompletionDelay = DefaultCompletionDelay
	}

	if c.Analysis.Timeout <= 0 {
		c.Analysis.Timeout = DefaultAnalysisTimeout
	}

	if c.Database.Redis.Namespace == "" {
		c.Database.Redis.Namespace = DefaultRedisNamespace
	}

	if c.API.Server.Listen == "" {
		c.API.Server.Listen = DefaultListen
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	w := c.Jobs.OutcomeWeights
	if w.Passed < 0 || w.Failed < 0 || w.Error < 0 {
		return fmt.Errorf("jobs: outcome weights must not be negative")
	}

	if w.Passed+w.Failed+w.Error == 0 {
		return fmt.Errorf("jobs: at least one outcome weight must be positive")
	}

	if c.Backup.Interval < 0 {
		return fmt.Errorf("backup: interval must not be negative")
	}

	if c.Backup.S3.Enabled && c.Backup.Local.Enabled {
		return fmt.Errorf("backup: only one of s3 or local may be enabled")
	}

	if c.Backup.S3.Enabled && c.Backup.S3.Bucket == "" {
		return fmt.Errorf("backup: s3 bucket is required")
	}

	if c.Backup.Local.Enabled && c.Backup.Local.Dir == "" {
		return fmt.Errorf("backup: local dir is required")
	}

	if _, err := fsutil.ParseOwner(c.Backup.Local.Owner); err != nil {
		return fmt.Errorf("backup: local owner: %w", err)
	}

	if c.API.Auth.Basic.Enabled {
		if len(c.API.Auth.Basic.Users) == 0 {
			return fmt.Errorf("api: basic auth enabled without users")
		}

		seen := make(map[string]struct{}, len(c.API.Auth.Basic.Users))

		for i, u := range c.API.Auth.Basic.Users {
			if u.UserID == "" || u.Password == "" {
				return fmt.Errorf("api: basic auth user %d: user_id and password are required", i)
			}

			if _, ok := seen[u.UserID]; ok {
				return fmt.Errorf("api: duplicate basic auth user %q", u.UserID)
			}

			seen[u.UserID] = struct{}{}
		}
	}

	return nil
}
