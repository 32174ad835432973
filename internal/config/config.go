package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Device          DeviceConfig         `yaml:"device"`
	Notifications   NotificationsConfig  `yaml:"notifications"`
	Database        DatabaseConfig       `yaml:"database"`
	Log             LogConfig            `yaml:"log"`
	Reconciliation  ReconciliationConfig `yaml:"reconciliation"`
	Ledger          LedgerConfig         `yaml:"ledger"`
	Admin           AdminConfig          `yaml:"admin"`
	EventBus        EventBusConfig       `yaml:"eventbus"`
	ShutdownTimeout Duration             `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// DeviceConfig contains device agent connection settings
type DeviceConfig struct {
	Address      string   `yaml:"address"`
	Timeout      Duration `yaml:"timeout"`        // HTTP timeout for device RPCs
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // Device RPC rate limit (0 = default)
}

// NotificationsConfig contains ownership event stream settings
type NotificationsConfig struct {
	Enabled *bool  `yaml:"enabled"` // default: true when URL is set
	URL     string `yaml:"url"`

	// Event stream reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)
}

// IsEnabled reports whether the event stream should be consumed
func (c *NotificationsConfig) IsEnabled() bool {
	if c.Enabled != nil {
		return *c.Enabled && c.URL != ""
	}
	return c.URL != ""
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"` // JSON output instead of the console writer
}

// ReconciliationConfig contains reconciliation settings.
// The first four fields are hot-reloadable, see Knobs.
type ReconciliationConfig struct {
	StaleMarkingEnabled              bool `yaml:"stale_marking_enabled"`
	BundleBasedReconciliationEnabled bool `yaml:"bundle_based_reconciliation_enabled"`
	RetryCount                       int  `yaml:"retry_count"`
	DisableReconciliation            bool `yaml:"disable_reconciliation"`

	PerGroupTimeout Duration `yaml:"per_group_timeout"`
	MaxGroupTimeout Duration `yaml:"max_group_timeout"`
	DependencyWait  Duration `yaml:"dependency_wait"`
	Workers         int      `yaml:"workers"`        // Job queue workers (default: 4)
	MaxConcurrent   int      `yaml:"max_concurrent"` // Concurrent reconciliations across nodes (default: 8)
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// AdminConfig contains admin server settings
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration data and applies defaults
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./flowsyncd.sqlite"
	}

	// Device defaults
	if cfg.Device.Address == "" {
		cfg.Device.Address = "127.0.0.1:6653"
	}
	if cfg.Device.Timeout == 0 {
		cfg.Device.Timeout = Duration(10 * time.Second)
	}
	if cfg.Device.RateLimitRPS == 0 {
		cfg.Device.RateLimitRPS = 100.0
	}

	// Notification stream defaults
	if cfg.Notifications.MinRetryBackoff == 0 {
		cfg.Notifications.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.Notifications.MaxRetryBackoff == 0 {
		cfg.Notifications.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.Notifications.RetryMultiplier == 0 {
		cfg.Notifications.RetryMultiplier = 2.0
	}
	// MaxReconnects defaults to 0 (infinite), no need to set

	// Reconciliation defaults
	if cfg.Reconciliation.RetryCount == 0 {
		cfg.Reconciliation.RetryCount = 3
	}
	if cfg.Reconciliation.PerGroupTimeout == 0 {
		cfg.Reconciliation.PerGroupTimeout = Duration(5 * time.Second)
	}
	if cfg.Reconciliation.MaxGroupTimeout == 0 {
		cfg.Reconciliation.MaxGroupTimeout = Duration(60 * time.Second)
	}
	if cfg.Reconciliation.DependencyWait == 0 {
		cfg.Reconciliation.DependencyWait = Duration(500 * time.Millisecond)
	}
	if cfg.Reconciliation.Workers == 0 {
		cfg.Reconciliation.Workers = 4
	}
	if cfg.Reconciliation.MaxConcurrent == 0 {
		cfg.Reconciliation.MaxConcurrent = 8
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Admin defaults
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Admin.Host == "" {
		cfg.Admin.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
