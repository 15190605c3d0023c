// Package config loads guardrail configuration.
//
// Values come from built-in defaults, then the project file
// (<root>/.guardrail.yaml), then the user file
// (~/.config/guardrail/config.yaml or --config), then GUARDRAIL_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Store backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config holds the complete guardrail configuration.
type Config struct {
	// Project overrides the project id, which defaults to the root's base name.
	Project string `koanf:"project"`

	Scan      ScanConfig      `koanf:"scan"`
	Triage    TriageConfig    `koanf:"triage"`
	Emergency EmergencyConfig `koanf:"emergency"`
	Session   SessionConfig   `koanf:"session"`
	Store     StoreConfig     `koanf:"store"`
	VCS       VCSConfig       `koanf:"vcs"`
	Tests     TestsConfig     `koanf:"tests"`
	Notify    NotifyConfig    `koanf:"notify"`
	HTTP      HTTPConfig      `koanf:"http"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ScanConfig controls the detector.
type ScanConfig struct {
	Workers     int   `koanf:"workers"`
	MaxFileSize int64 `koanf:"max_file_size"`

	// Exclude adds gitignore-style lines to the project's ignore files.
	Exclude []string `koanf:"exclude"`

	// Catalog is an extra TOML pattern file layered over the built-in set.
	Catalog string `koanf:"catalog"`

	// Gitleaks adds the gitleaks rule set as a second high-tier engine.
	Gitleaks bool `koanf:"gitleaks"`
}

// TriageConfig controls how questions are answered.
type TriageConfig struct {
	// Answers is a YAML file of scripted answers.
	Answers string `koanf:"answers"`

	// NonInteractive answers every question from Policy instead of a terminal.
	NonInteractive bool `koanf:"non_interactive"`

	// Policy lists preferred answers for non-interactive runs, in order.
	Policy []string `koanf:"policy"`
}

// EmergencyConfig controls the emergency protocol.
type EmergencyConfig struct {
	// MaxAttempts caps "done" answers per emergency and run. 0 is unbounded.
	MaxAttempts int `koanf:"max_attempts"`
}

// SessionConfig controls remediation sessions.
type SessionConfig struct {
	LeaseTTL Duration `koanf:"lease_ttl"`
}

// StoreConfig selects where records are kept.
type StoreConfig struct {
	Backend   string `koanf:"backend"`
	Path      string `koanf:"path"`
	RedisURL  Secret `koanf:"redis_url"`
	KeyPrefix string `koanf:"key_prefix"`
}

// VCSConfig sets the commit author.
type VCSConfig struct {
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// TestsConfig describes the project's test command.
type TestsConfig struct {
	Command       string   `koanf:"command"`
	CoverageRegex string   `koanf:"coverage_regex"`
	Timeout       Duration `koanf:"timeout"`
}

// NotifyConfig enables NATS event publishing when URL is set.
type NotifyConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds the logging knobs exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds the OpenTelemetry export knobs exposed to users.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Session: SessionConfig{LeaseTTL: Duration(30 * time.Minute)},
		Store:   StoreConfig{Backend: BackendFile, KeyPrefix: "guardrail"},
		VCS: VCSConfig{
			AuthorName:  "guardrail",
			AuthorEmail: "guardrail@localhost",
		},
		Tests:  TestsConfig{Timeout: Duration(10 * time.Minute)},
		Notify: NotifyConfig{SubjectPrefix: "guardrail"},
		HTTP: HTTPConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			Protocol:   "grpc",
			Insecure:   true,
			SampleRate: 1.0,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Scan.Workers < 0 {
		return fmt.Errorf("scan.workers must be >= 0, got %d", c.Scan.Workers)
	}
	if c.Scan.MaxFileSize < 0 {
		return fmt.Errorf("scan.max_file_size must be >= 0, got %d", c.Scan.MaxFileSize)
	}
	if c.Emergency.MaxAttempts < 0 {
		return fmt.Errorf("emergency.max_attempts must be >= 0, got %d", c.Emergency.MaxAttempts)
	}
	if c.Session.LeaseTTL.Duration() <= 0 {
		return errors.New("session.lease_ttl must be positive")
	}

	switch c.Store.Backend {
	case BackendFile:
	case BackendRedis:
		if !c.Store.RedisURL.IsSet() {
			return errors.New("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendFile, BackendRedis, c.Store.Backend)
	}

	if c.Tests.Timeout.Duration() < 0 {
		return errors.New("tests.timeout cannot be negative")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d (must be 1-65535)", c.HTTP.Port)
	}
	if c.HTTP.ShutdownTimeout.Duration() <= 0 {
		return errors.New("http.shutdown_timeout must be positive")
	}
	if c.Triage.NonInteractive && c.Triage.Answers != "" {
		return errors.New("triage.answers and triage.non_interactive are mutually exclusive")
	}
	return nil
}
