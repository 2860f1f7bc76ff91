// ABOUTME: Configuration loading and parsing for warden.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warden configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Auth      AuthConfig       `yaml:"auth"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Admission AdmissionConfig  `yaml:"admission"`
	Dedupe    DedupeConfig     `yaml:"dedupe"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the activity ledger database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// authentication (warden logs a warning at startup).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RuntimeConfig locates the runtime manager's per-agent sockets and tunes the
// invoke circuit breaker.
type RuntimeConfig struct {
	SocketRoot string        `yaml:"socket_root"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-agent invoke circuit breaker
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	OpenFor     time.Duration `yaml:"-"`
	Interval    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	OpenForRaw  string `yaml:"open_for"`
	IntervalRaw string `yaml:"interval"`
}

// AdmissionConfig holds the default admission policy, per-agent overrides,
// and the invoke worker pool sizing.
type AdmissionConfig struct {
	QueueDepth      int `yaml:"queue_depth"`
	ConcurrentSlots int `yaml:"concurrent_slots"`
	Workers         int `yaml:"workers"`
	WorkerBacklog   int `yaml:"worker_backlog"`

	TerminateGrace   time.Duration `yaml:"-"`
	StuckLockAfter   time.Duration `yaml:"-"`
	WatchdogInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TerminateGraceRaw   string `yaml:"terminate_grace"`
	StuckLockAfterRaw   string `yaml:"stuck_lock_after"`
	WatchdogIntervalRaw string `yaml:"watchdog_interval"`

	Agents map[string]AgentPolicyConfig `yaml:"agents"`
}

// AgentPolicyConfig overrides parts of the admission policy for one agent
type AgentPolicyConfig struct {
	QueueDepth      int `yaml:"queue_depth"`
	ConcurrentSlots int `yaml:"concurrent_slots"`
}

// DedupeConfig sizes the idempotency key cache
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-"`
	MaxSize int           `yaml:"max_size"`

	TTLRaw string `yaml:"ttl"`
}

// ScheduleConfig defines one autonomous trigger submitted on a cron schedule.
// Spec accepts either a cron expression ("0 9 * * *") or a plain interval
// ("15m").
type ScheduleConfig struct {
	Name    string `yaml:"name"`
	Spec    string `yaml:"spec"`
	AgentID string `yaml:"agent_id"`
	Payload string `yaml:"payload"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Runtime.SocketRoot == "" {
		return fmt.Errorf("runtime.socket_root is required")
	}

	for i, schedule := range c.Schedules {
		if schedule.Name == "" {
			return fmt.Errorf("schedules[%d].name is required", i)
		}
		if schedule.Spec == "" {
			return fmt.Errorf("schedule %q: spec is required", schedule.Name)
		}
		if schedule.AgentID == "" {
			return fmt.Errorf("schedule %q: agent_id is required", schedule.Name)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Runtime.Breaker.OpenForRaw, "runtime.breaker.open_for", &cfg.Runtime.Breaker.OpenFor},
		{cfg.Runtime.Breaker.IntervalRaw, "runtime.breaker.interval", &cfg.Runtime.Breaker.Interval},
		{cfg.Admission.TerminateGraceRaw, "admission.terminate_grace", &cfg.Admission.TerminateGrace},
		{cfg.Admission.StuckLockAfterRaw, "admission.stuck_lock_after", &cfg.Admission.StuckLockAfter},
		{cfg.Admission.WatchdogIntervalRaw, "admission.watchdog_interval", &cfg.Admission.WatchdogInterval},
		{cfg.Dedupe.TTLRaw, "dedupe.ttl", &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
