// Package config loads the sync service configuration from the config
// file, environment (STUDAXIS_ prefix), and defaults, in that order of
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	// UserID identifies the student. Required.
	UserID string `mapstructure:"user_id"`

	// DeviceID distinguishes this device's writes. Defaults to hostname.
	DeviceID string `mapstructure:"device_id"`

	// DataDir holds the mutation log, state snapshot, and backups.
	DataDir string `mapstructure:"data_dir"`

	// SpoolDir is where study features drop artifacts for upload.
	// Empty disables the spool watcher.
	SpoolDir string `mapstructure:"spool_dir"`

	Payload      PayloadConfig      `mapstructure:"payload"`
	Metadata     MetadataConfig     `mapstructure:"metadata"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          LogConfig          `mapstructure:"log"`
}

// PayloadConfig configures the payload object store.
type PayloadConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// MetadataConfig configures the metadata store.
type MetadataConfig struct {
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// ConnectivityConfig configures the connectivity monitor.
type ConnectivityConfig struct {
	ProbeAddr       string `mapstructure:"probe_addr"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	ConfirmSamples  int    `mapstructure:"confirm_samples"`
}

// SyncConfig configures the engine and daemon schedule.
type SyncConfig struct {
	IntervalSeconds  int `mapstructure:"interval_seconds"`
	MaxClaimKB       int `mapstructure:"max_claim_kb"`
	PayloadAttempts  int `mapstructure:"payload_attempts"`
	MetadataAttempts int `mapstructure:"metadata_attempts"`
}

// DashboardConfig configures the monitoring server.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures daemon log output.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Interval returns the probe interval as a duration.
func (c ConnectivityConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Interval returns the periodic sync interval as a duration.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// DefaultDir returns the default configuration/data directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".studaxis"
	}
	return filepath.Join(home, ".studaxis")
}

// Load reads configuration from path (a config.yaml file, or a directory
// containing one; empty means DefaultDir), layered under STUDAXIS_*
// environment variables and over built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STUDAXIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultDir()
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if cfg.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeviceID = host
		}
	}

	return &cfg, nil
}

// Validate checks that required settings for a full sync setup are present.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id is required (set it in config.yaml or STUDAXIS_USER_ID)")
	}
	if c.Payload.Bucket == "" {
		return fmt.Errorf("payload.bucket is required")
	}
	if c.Sync.MaxClaimKB <= 0 {
		return fmt.Errorf("sync.max_claim_kb must be positive")
	}
	return nil
}

// QueuePath returns the mutation log location under DataDir.
func (c *Config) QueuePath() string {
	return filepath.Join(c.DataDir, "mutations.db")
}

// MetadataReplicaPath returns the embedded replica location under DataDir.
func (c *Config) MetadataReplicaPath() string {
	return filepath.Join(c.DataDir, "metadata.db")
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default registered for AutomaticEnv to surface it
	// through Unmarshal.
	v.SetDefault("user_id", "")
	v.SetDefault("device_id", "")
	v.SetDefault("spool_dir", "")
	v.SetDefault("payload.bucket", "")
	v.SetDefault("payload.credentials_file", "")
	v.SetDefault("metadata.url", "")
	v.SetDefault("metadata.auth_token", "")
	v.SetDefault("log.file", "")
	v.SetDefault("data_dir", DefaultDir())
	v.SetDefault("connectivity.probe_addr", "storage.googleapis.com:443")
	v.SetDefault("connectivity.interval_seconds", 30)
	v.SetDefault("connectivity.confirm_samples", 2)
	v.SetDefault("sync.interval_seconds", 30)
	v.SetDefault("sync.max_claim_kb", 5)
	v.SetDefault("sync.payload_attempts", 3)
	v.SetDefault("sync.metadata_attempts", 5)
	v.SetDefault("dashboard.port", 8787)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}
