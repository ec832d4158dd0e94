/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the static configuration snapshot taken at process
// start. Secrets and endpoints may be overridden through the environment so
// config files stay free of credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses "30s"-style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the process-wide configuration snapshot.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Worker     WorkerConfig     `yaml:"worker"`
	Transcoder TranscoderConfig `yaml:"transcoder"`
	Storage    StorageConfig    `yaml:"storage"`
	Limits     LimitsConfig     `yaml:"limits"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Logging    LoggingConfig    `yaml:"logging"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ServerConfig struct {
	APIPort         string   `yaml:"api_port"`
	MetricsPort     string   `yaml:"metrics_port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WorkerConfig struct {
	Concurrency       int      `yaml:"concurrency"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	LockTTL           Duration `yaml:"lock_ttl"`
	MaxAttempts       int      `yaml:"max_attempts"`
	RetryBackoffBase  Duration `yaml:"retry_backoff_base"`
	ProgressInterval  Duration `yaml:"progress_interval"`
	Retention         Duration `yaml:"retention"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	TempDir           string   `yaml:"temp_dir"`
}

type TranscoderConfig struct {
	FFmpegPath        string   `yaml:"ffmpeg_path"`
	FFprobePath       string   `yaml:"ffprobe_path"`
	MaxDuration       Duration `yaml:"max_duration"`
	InactivityTimeout Duration `yaml:"inactivity_timeout"`
	CancelGrace       Duration `yaml:"cancel_grace"`
	HardwareAccel     bool     `yaml:"hardware_accel"`
}

type StorageConfig struct {
	Roots      []string `yaml:"roots"`
	S3Enabled  bool     `yaml:"s3_enabled"`
	S3Endpoint string   `yaml:"s3_endpoint"`
	S3Region   string   `yaml:"s3_region"`
	S3PathMode bool     `yaml:"s3_path_style"`
}

type LimitsConfig struct {
	MaxInputBytes  int64 `yaml:"max_input_bytes"`
	MaxBitrateBPS  int64 `yaml:"max_bitrate_bps"`
	MaxWidth       int   `yaml:"max_width"`
	MaxHeight      int   `yaml:"max_height"`
	DefaultQuota   int   `yaml:"default_quota"`
	ListingPerPage int   `yaml:"listing_per_page"`
}

// RateLimitsConfig maps endpoint classes to refill rates per minute.
type RateLimitsConfig struct {
	Convert int `yaml:"convert"`
	Analyze int `yaml:"analyze"`
	Stream  int `yaml:"stream"`
	Query   int `yaml:"query"`
	Burst   int `yaml:"burst"`
}

type WebhookConfig struct {
	Timeout      Duration `yaml:"timeout"`
	MaxRetries   int      `yaml:"max_retries"`
	BackoffBase  Duration `yaml:"backoff_base"`
	PollInterval Duration `yaml:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIKeyConfig is one entry of the key store collaborator's static backing.
type APIKeyConfig struct {
	ID     string `yaml:"id"`
	Digest string `yaml:"digest"`
	Quota  int    `yaml:"quota"`
	Secret string `yaml:"secret"`
}

type AuthConfig struct {
	Keys []APIKeyConfig `yaml:"keys"`
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.APIPort == "" {
		c.Server.APIPort = "8080"
	}
	if c.Server.MetricsPort == "" {
		c.Server.MetricsPort = "9090"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(30 * time.Second)
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.VisibilityTimeout == 0 {
		c.Worker.VisibilityTimeout = Duration(7 * time.Hour)
	}
	if c.Worker.LockTTL == 0 {
		c.Worker.LockTTL = Duration(2 * time.Minute)
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.RetryBackoffBase == 0 {
		c.Worker.RetryBackoffBase = Duration(30 * time.Second)
	}
	if c.Worker.ProgressInterval == 0 {
		c.Worker.ProgressInterval = Duration(time.Second)
	}
	if c.Worker.Retention == 0 {
		c.Worker.Retention = Duration(7 * 24 * time.Hour)
	}
	if c.Worker.SweepInterval == 0 {
		c.Worker.SweepInterval = Duration(time.Hour)
	}
	if c.Transcoder.FFmpegPath == "" {
		c.Transcoder.FFmpegPath = "ffmpeg"
	}
	if c.Transcoder.FFprobePath == "" {
		c.Transcoder.FFprobePath = "ffprobe"
	}
	if c.Transcoder.MaxDuration == 0 {
		c.Transcoder.MaxDuration = Duration(6 * time.Hour)
	}
	if c.Transcoder.InactivityTimeout == 0 {
		c.Transcoder.InactivityTimeout = Duration(5 * time.Minute)
	}
	if c.Transcoder.CancelGrace == 0 {
		c.Transcoder.CancelGrace = Duration(10 * time.Second)
	}
	if c.Limits.MaxInputBytes == 0 {
		c.Limits.MaxInputBytes = 10 << 30
	}
	if c.Limits.MaxBitrateBPS == 0 {
		c.Limits.MaxBitrateBPS = 800_000_000
	}
	if c.Limits.MaxWidth == 0 {
		c.Limits.MaxWidth = 7680
	}
	if c.Limits.MaxHeight == 0 {
		c.Limits.MaxHeight = 4320
	}
	if c.Limits.DefaultQuota == 0 {
		c.Limits.DefaultQuota = 10
	}
	if c.Limits.ListingPerPage == 0 {
		c.Limits.ListingPerPage = 100
	}
	if c.RateLimits.Convert == 0 {
		c.RateLimits.Convert = 60
	}
	if c.RateLimits.Analyze == 0 {
		c.RateLimits.Analyze = 60
	}
	if c.RateLimits.Stream == 0 {
		c.RateLimits.Stream = 30
	}
	if c.RateLimits.Query == 0 {
		c.RateLimits.Query = 600
	}
	if c.RateLimits.Burst == 0 {
		c.RateLimits.Burst = 10
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = Duration(30 * time.Second)
	}
	if c.Webhook.MaxRetries == 0 {
		c.Webhook.MaxRetries = 5
	}
	if c.Webhook.BackoffBase == 0 {
		c.Webhook.BackoffBase = Duration(time.Minute)
	}
	if c.Webhook.PollInterval == 0 {
		c.Webhook.PollInterval = Duration(5 * time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEDIANAUT_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("MEDIANAUT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("MEDIANAUT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if len(c.Storage.Roots) == 0 && !c.Storage.S3Enabled {
		return fmt.Errorf("at least one storage backend must be configured")
	}
	// A lost lease must expire before the queue redelivers the task.
	if c.Worker.LockTTL.Std() >= c.Worker.VisibilityTimeout.Std() {
		return fmt.Errorf("worker.lock_ttl must be shorter than worker.visibility_timeout")
	}
	return nil
}
