package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Gateway         GatewayConfig     `yaml:"gateway"`
	Coordinator     CoordinatorConfig `yaml:"coordinator"`
	Database        DatabaseConfig    `yaml:"database"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	API             APIConfig         `yaml:"api"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Log             LogConfig         `yaml:"log"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// GatewayConfig contains DALI2 IoT gateway connection settings
type GatewayConfig struct {
	Host         string   `yaml:"host"`
	Timeout      Duration `yaml:"timeout"`        // HTTP timeout per request
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // Control writes per second
}

// CoordinatorConfig contains refresh and override timing
type CoordinatorConfig struct {
	RefreshInterval  Duration `yaml:"refresh_interval"`
	RefreshTimeout   Duration `yaml:"refresh_timeout"`
	GracePeriod      Duration `yaml:"grace_period"` // How long optimistic values win over refreshed state
	ScanPollInterval Duration `yaml:"scan_poll_interval"`
	ScanTimeout      Duration `yaml:"scan_timeout"`
	WarmStart        *bool    `yaml:"warm_start"` // Serve the last stored device list until the first refresh (default: true)
}

// IsWarmStart returns whether stored state is served on startup (default: true)
func (c *CoordinatorConfig) IsWarmStart() bool {
	return c.WarmStart == nil || *c.WarmStart
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// Retention returns the retention window
func (c *LedgerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// APIConfig contains REST API server settings
type APIConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns host:port
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Broker      string   `yaml:"broker"` // tcp://host:1883
	ClientID    string   `yaml:"client_id"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QoS         byte     `yaml:"qos"`
	Timeout     Duration `yaml:"timeout"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"` // Structured JSON output instead of the console writer
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

// Parse expands environment variables in data, decodes it and applies
// defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./dalid.sqlite"
	}

	// Gateway defaults
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = Duration(10 * time.Second)
	}
	if cfg.Gateway.RateLimitRPS == 0 {
		cfg.Gateway.RateLimitRPS = 10.0
	}

	// Coordinator defaults
	if cfg.Coordinator.RefreshInterval == 0 {
		cfg.Coordinator.RefreshInterval = Duration(30 * time.Second)
	}
	if cfg.Coordinator.RefreshTimeout == 0 {
		cfg.Coordinator.RefreshTimeout = Duration(10 * time.Second)
	}
	if cfg.Coordinator.GracePeriod == 0 {
		cfg.Coordinator.GracePeriod = Duration(5 * time.Second)
	}
	if cfg.Coordinator.ScanPollInterval == 0 {
		cfg.Coordinator.ScanPollInterval = Duration(2 * time.Second)
	}
	if cfg.Coordinator.ScanTimeout == 0 {
		cfg.Coordinator.ScanTimeout = Duration(10 * time.Minute)
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// API defaults
	if cfg.API.Host == "" {
		cfg.API.Host = "0.0.0.0"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "dalid"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "dalid"
	}
	cfg.MQTT.TopicPrefix = strings.TrimSuffix(cfg.MQTT.TopicPrefix, "/")
	if cfg.MQTT.Timeout == 0 {
		cfg.MQTT.Timeout = Duration(5 * time.Second)
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate reports configuration errors that defaults cannot fix.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Gateway.Host == "" {
		errs = append(errs, errors.New("gateway.host is required"))
	}
	if cfg.Gateway.RateLimitRPS < 0 {
		errs = append(errs, errors.New("gateway.rate_limit_rps must not be negative"))
	}
	if cfg.Coordinator.RefreshInterval.Duration() < time.Second {
		errs = append(errs, errors.New("coordinator.refresh_interval must be at least 1s"))
	}
	if cfg.Coordinator.GracePeriod < 0 {
		errs = append(errs, errors.New("coordinator.grace_period must not be negative"))
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d not in 0-2", cfg.MQTT.QoS))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// GetShutdownTimeout returns the shutdown timeout
func (cfg *Config) GetShutdownTimeout() time.Duration {
	return cfg.ShutdownTimeout.Duration()
}

// envPattern matches ${VAR} or ${VAR:default}
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
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
