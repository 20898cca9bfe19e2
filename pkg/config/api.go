package config

import "time"

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server" mapstructure:"server"`
	Auth   APIAuthConfig   `yaml:"auth" mapstructure:"auth"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig contains authentication settings. Without basic auth the
// server trusts the X-Lab-User header set by a fronting proxy.
type APIAuthConfig struct {
	Basic BasicAuthConfig `yaml:"basic,omitempty" mapstructure:"basic"`
}

// BasicAuthConfig configures password authentication for lab users.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser binds a password to a lab user id.
type BasicAuthUser struct {
	UserID   string `yaml:"user_id" mapstructure:"user_id"`
	Password string `yaml:"password" mapstructure:"password"`
}

// BackupConfig controls snapshot backups.
type BackupConfig struct {
	// Interval enables periodic backups from the API server when positive.
	Interval time.Duration     `yaml:"interval,omitempty" mapstructure:"interval"`
	Prefix   string            `yaml:"prefix,omitempty" mapstructure:"prefix"`
	S3       S3Config          `yaml:"s3,omitempty" mapstructure:"s3"`
	Local    LocalBackupConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// Enabled reports whether any backup target is configured.
func (b BackupConfig) Enabled() bool {
	return b.S3.Enabled || b.Local.Enabled
}

// S3Config contains S3 upload settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// LocalBackupConfig writes snapshots to a directory.
type LocalBackupConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
	// Owner is an optional "UID:GID" applied to the directory and files.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}
