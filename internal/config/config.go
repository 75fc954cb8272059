// Package config provides YAML-based configuration loading for Batchyard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Batchyard configuration, loaded from batchyard.yaml.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Database   DatabaseConfig   `yaml:"database"`
	CodeHosts  []CodeHostConfig `yaml:"code_hosts"`
	Git        GitConfig        `yaml:"git"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Bulk       BulkConfig       `yaml:"bulk"`
	API        APIConfig        `yaml:"api"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
}

// DatabaseConfig selects the gorm driver and its connection settings.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file
}

// CodeHostConfig describes one code host connection.
type CodeHostConfig struct {
	Kind     string `yaml:"kind"`
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// ResolveToken returns the literal token, or the value of TokenEnv.
func (c CodeHostConfig) ResolveToken() string {
	if c.Token != "" {
		return c.Token
	}
	if c.TokenEnv != "" {
		return os.Getenv(c.TokenEnv)
	}
	return ""
}

// GitConfig controls how the pusher creates commits.
type GitConfig struct {
	WorkDir string `yaml:"work_dir"`
	Binary  string `yaml:"binary"`
}

// RetryConfig bounds automatic retries of a queue.
type RetryConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	BackoffBase   Duration `yaml:"backoff_base"`
	BackoffCap    Duration `yaml:"backoff_cap"`
	JitterPercent uint64   `yaml:"jitter_percent"`
}

// ReconcilerConfig tunes the changeset reconciler.
type ReconcilerConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval Duration      `yaml:"poll_interval"`
	CallTimeout  Duration      `yaml:"call_timeout"`
	WritePacing  Duration      `yaml:"write_pacing"`
	Retry        RetryConfig   `yaml:"retry"`
	Rollout      RolloutConfig `yaml:"rollout"`
}

// RolloutConfig limits how fast newly published changesets are released.
// An empty Schedule disables rollout windows.
type RolloutConfig struct {
	Schedule string `yaml:"schedule"`
	Batch    int    `yaml:"batch"`
}

// ResolverConfig tunes workspace resolution.
type ResolverConfig struct {
	PollInterval Duration    `yaml:"poll_interval"`
	IgnoreFile   string      `yaml:"ignore_file"`
	Retry        RetryConfig `yaml:"retry"`
}

// SchedulerConfig tunes workspace execution.
type SchedulerConfig struct {
	Workers      int            `yaml:"workers"`
	PollInterval Duration       `yaml:"poll_interval"`
	Cache        CacheConfig    `yaml:"cache"`
	Artifacts    ArtifactConfig `yaml:"artifacts"`
}

// CacheConfig selects the step result cache backend.
type CacheConfig struct {
	Backend   string   `yaml:"backend"` // "memory" or "redis"
	RedisAddr string   `yaml:"redis_addr"`
	KeyPrefix string   `yaml:"key_prefix"`
	TTL       Duration `yaml:"ttl"`
}

// ArtifactConfig selects where workspace logs and diffs are stored.
type ArtifactConfig struct {
	Backend      string `yaml:"backend"` // "memory" or "s3"
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

// BulkConfig tunes the bulk operation executor.
type BulkConfig struct {
	Workers      int         `yaml:"workers"`
	PollInterval Duration    `yaml:"poll_interval"`
	Retry        RetryConfig `yaml:"retry"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// CleanupConfig controls expiry of unapplied specs.
type CleanupConfig struct {
	Schedule string   `yaml:"schedule"`
	SpecTTL  Duration `yaml:"spec_ttl"`
}

// Duration is a time.Duration that unmarshals from Go duration strings
// such as "30s" or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Database == "" {
			c.Database.Database = "batchyard"
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "batchyard.db"
		}
	}
	for i := range c.CodeHosts {
		if c.CodeHosts[i].Kind == "github" && c.CodeHosts[i].URL == "" {
			c.CodeHosts[i].URL = "https://github.com"
		}
	}
	if c.Git.Binary == "" {
		c.Git.Binary = "git"
	}
	if c.Git.WorkDir == "" {
		c.Git.WorkDir = os.TempDir()
	}

	if c.Reconciler.Workers == 0 {
		c.Reconciler.Workers = 4
	}
	if c.Reconciler.PollInterval == 0 {
		c.Reconciler.PollInterval = Duration(5 * time.Second)
	}
	if c.Reconciler.CallTimeout == 0 {
		c.Reconciler.CallTimeout = Duration(30 * time.Second)
	}
	if c.Reconciler.WritePacing == 0 {
		c.Reconciler.WritePacing = Duration(3 * time.Second)
	}
	c.Reconciler.Retry.applyDefaults(8)
	if c.Reconciler.Rollout.Schedule != "" && c.Reconciler.Rollout.Batch == 0 {
		c.Reconciler.Rollout.Batch = 10
	}

	if c.Resolver.PollInterval == 0 {
		c.Resolver.PollInterval = Duration(5 * time.Second)
	}
	if c.Resolver.IgnoreFile == "" {
		c.Resolver.IgnoreFile = ".batchignore"
	}
	c.Resolver.Retry.applyDefaults(5)

	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = Duration(2 * time.Second)
	}
	if c.Scheduler.Cache.Backend == "" {
		c.Scheduler.Cache.Backend = "memory"
	}
	if c.Scheduler.Cache.KeyPrefix == "" {
		c.Scheduler.Cache.KeyPrefix = "batchyard"
	}
	if c.Scheduler.Cache.TTL == 0 {
		c.Scheduler.Cache.TTL = Duration(7 * 24 * time.Hour)
	}
	if c.Scheduler.Artifacts.Backend == "" {
		c.Scheduler.Artifacts.Backend = "memory"
	}
	if c.Scheduler.Artifacts.Backend == "s3" && c.Scheduler.Artifacts.Region == "" {
		c.Scheduler.Artifacts.Region = "us-east-1"
	}

	if c.Bulk.Workers == 0 {
		c.Bulk.Workers = 8
	}
	if c.Bulk.PollInterval == 0 {
		c.Bulk.PollInterval = Duration(2 * time.Second)
	}
	c.Bulk.Retry.applyDefaults(5)

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Cleanup.Schedule == "" {
		c.Cleanup.Schedule = "0 * * * *"
	}
	if c.Cleanup.SpecTTL == 0 {
		c.Cleanup.SpecTTL = Duration(7 * 24 * time.Hour)
	}
}

func (r *RetryConfig) applyDefaults(maxAttempts int) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = maxAttempts
	}
	if r.BackoffBase == 0 {
		r.BackoffBase = Duration(10 * time.Second)
	}
	if r.BackoffCap == 0 {
		r.BackoffCap = Duration(30 * time.Minute)
	}
	if r.JitterPercent == 0 {
		r.JitterPercent = 20
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}

	seen := make(map[string]bool)
	for i, ch := range c.CodeHosts {
		if ch.Kind == "" {
			errs = append(errs, fmt.Sprintf("code_hosts[%d].kind is required", i))
			continue
		}
		if ch.Kind != "github" {
			errs = append(errs, fmt.Sprintf("code_hosts[%d].kind %q is not supported", i, ch.Kind))
		}
		if seen[ch.Kind] {
			errs = append(errs, fmt.Sprintf("code_hosts[%d].kind %q is configured twice", i, ch.Kind))
		}
		seen[ch.Kind] = true
	}

	if c.Reconciler.Workers < 0 {
		errs = append(errs, "reconciler.workers must not be negative")
	}
	if c.Scheduler.Workers < 0 {
		errs = append(errs, "scheduler.workers must not be negative")
	}
	if c.Bulk.Workers < 0 {
		errs = append(errs, "bulk.workers must not be negative")
	}
	errs = append(errs, c.Reconciler.Retry.validate("reconciler.retry")...)
	errs = append(errs, c.Resolver.Retry.validate("resolver.retry")...)
	errs = append(errs, c.Bulk.Retry.validate("bulk.retry")...)

	if c.Reconciler.Rollout.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reconciler.Rollout.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("reconciler.rollout.schedule: %v", err))
		}
	}
	if _, err := cron.ParseStandard(c.Cleanup.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("cleanup.schedule: %v", err))
	}

	switch c.Scheduler.Cache.Backend {
	case "memory":
	case "redis":
		if c.Scheduler.Cache.RedisAddr == "" {
			errs = append(errs, "scheduler.cache.redis_addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("scheduler.cache.backend %q is not supported (memory, redis)", c.Scheduler.Cache.Backend))
	}

	switch c.Scheduler.Artifacts.Backend {
	case "memory":
	case "s3":
		if c.Scheduler.Artifacts.Bucket == "" {
			errs = append(errs, "scheduler.artifacts.bucket is required for the s3 backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("scheduler.artifacts.backend %q is not supported (memory, s3)", c.Scheduler.Artifacts.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r RetryConfig) validate(prefix string) []string {
	var errs []string
	if r.MaxAttempts < 1 {
		errs = append(errs, prefix+".max_attempts must be at least 1")
	}
	if r.BackoffCap < r.BackoffBase {
		errs = append(errs, prefix+".backoff_cap must not be smaller than backoff_base")
	}
	if r.JitterPercent > 100 {
		errs = append(errs, prefix+".jitter_percent must be at most 100")
	}
	return errs
}

// CodeHost returns the configuration for kind, if present.
func (c *Config) CodeHost(kind string) (CodeHostConfig, bool) {
	for _, ch := range c.CodeHosts {
		if ch.Kind == kind {
			return ch, true
		}
	}
	return CodeHostConfig{}, false
}
