// Package config loads NetRaven's runtime configuration from a YAML
// file, lets environment variables override individual keys, and
// optionally watches the file for edits so a running process can pick
// up new values without a restart.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// SchedulerConfig mirrors pkg/scheduler.Config.
type SchedulerConfig struct {
	MaxConcurrentJobRuns int `yaml:"max_concurrent_job_runs" env:"SCHEDULER_MAX_CONCURRENT_JOB_RUNS"`
}

// DispatcherConfig mirrors pkg/dispatcher.Config.
type DispatcherConfig struct {
	MaxConcurrentDevices int `yaml:"max_concurrent_devices" env:"DISPATCHER_MAX_CONCURRENT_DEVICES"`
}

// SessionConfig mirrors the subset of pkg/session.Config exposed as
// runtime configuration.
type SessionConfig struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds" env:"SESSION_CONNECT_TIMEOUT_SECONDS"`
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds" env:"SESSION_COMMAND_TIMEOUT_SECONDS"`
}

// ReachabilityConfig mirrors the ICMP-probe portion of
// pkg/session.Config.
type ReachabilityConfig struct {
	ICMPTimeoutMS int `yaml:"icmp_timeout_ms" env:"REACHABILITY_ICMP_TIMEOUT_MS"`
}

// CredentialsConfig holds the at-rest encryption key for device
// credential secrets. EncryptionKey is hex-encoded; see pkg/secretbox.
type CredentialsConfig struct {
	EncryptionKey string `yaml:"encryption_key" env:"CREDENTIALS_ENCRYPTION_KEY"`
}

// LogConfig mirrors pkg/log.Config's configurable fields.
type LogConfig struct {
	Level             string   `yaml:"level" env:"LOG_LEVEL"`
	JSONOutput        bool     `yaml:"json_output" env:"LOG_JSON_OUTPUT"`
	RedactionPatterns []string `yaml:"redaction_patterns" env:"LOG_REDACTION_PATTERNS" envSeparator:","`
}

// NotifyConfig mirrors pkg/notify.Config.
type NotifyConfig struct {
	SlackToken   string `yaml:"slack_token" env:"NOTIFY_SLACK_TOKEN"`
	SlackChannel string `yaml:"slack_channel" env:"NOTIFY_SLACK_CHANNEL"`
	MinLevel     string `yaml:"min_level" env:"NOTIFY_MIN_LEVEL"`
}

// ControlAPIConfig mirrors pkg/controlapi.Config plus its listen
// address.
type ControlAPIConfig struct {
	Addr           string   `yaml:"addr" env:"CONTROLAPI_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"CONTROLAPI_ALLOWED_ORIGINS" envSeparator:","`
}

// StorageConfig selects and configures the Repository backend.
type StorageConfig struct {
	Backend  string `yaml:"backend" env:"STORAGE_BACKEND"` // "bolt" or "postgres"
	BoltPath string `yaml:"bolt_path" env:"STORAGE_BOLT_PATH"`
	PgDSN    string `yaml:"pg_dsn" env:"STORAGE_PG_DSN"`
}

// TracingConfig mirrors pkg/tracing.Config.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"TRACING_SAMPLE_RATIO"`
}

// Config is the root configuration document, one section per
// subsystem.
type Config struct {
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Session      SessionConfig      `yaml:"session"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Log          LogConfig          `yaml:"log"`
	Notify       NotifyConfig       `yaml:"notify"`
	ControlAPI   ControlAPIConfig   `yaml:"control_api"`
	Storage      StorageConfig      `yaml:"storage"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// Default returns the baseline configuration applied before a YAML
// file or environment variables are layered on top.
func Default() *Config {
	return &Config{
		Scheduler:    SchedulerConfig{MaxConcurrentJobRuns: 8},
		Dispatcher:   DispatcherConfig{MaxConcurrentDevices: 3},
		Session:      SessionConfig{ConnectTimeoutSeconds: 30, CommandTimeoutSeconds: 30},
		Reachability: ReachabilityConfig{ICMPTimeoutMS: 1000},
		Log:          LogConfig{Level: "info"},
		Notify:       NotifyConfig{MinLevel: "critical"},
		ControlAPI:   ControlAPIConfig{Addr: ":9090"},
		Storage:      StorageConfig{Backend: "bolt", BoltPath: "./netraven-data"},
		Tracing:      TracingConfig{Enabled: true, ServiceName: "netraven", SampleRatio: 1.0},
	}
}

// Load builds a Config starting from Default(), overlaying path's
// YAML document (if path is non-empty and the file exists), then
// overlaying any matching environment variables. Environment
// variables always win, which lets an operator override a single key
// from a YAML file without editing it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: apply environment overrides: %w", err)
	}

	return cfg, nil
}
