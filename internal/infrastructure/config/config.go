package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for sparkplugd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Sparkplug SparkplugConfig `yaml:"sparkplug"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Roles accepted in sparkplug.role.
const (
	RoleNode        = "node"
	RoleApplication = "application"
)

// SparkplugConfig selects the session role and its identity.
type SparkplugConfig struct {
	// Version is "A" or "B".
	Version string `yaml:"version"`

	// Role is "node" (edge node plus its devices) or "application".
	Role string `yaml:"role"`

	GroupID       string         `yaml:"group_id"`
	EdgeNodeID    string         `yaml:"edge_node_id"`
	PrimaryHostID string         `yaml:"primary_host_id"`
	Metrics       []MetricConfig `yaml:"metrics"`
	Devices       []DeviceConfig `yaml:"devices"`

	// Application settings.
	HostID         string   `yaml:"host_id"`
	Groups         []string `yaml:"groups"`
	RequestRebirth bool     `yaml:"request_rebirth"`

	// RebirthRetry is in seconds. 0 disables retries.
	RebirthRetry int `yaml:"rebirth_retry"`
}

// MetricConfig declares one metric of a node or device BIRTH.
type MetricConfig struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Value any    `yaml:"value"`
}

// DeviceConfig declares a device under the edge node.
type DeviceConfig struct {
	ID      string         `yaml:"id"`
	Metrics []MetricConfig `yaml:"metrics"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`

	// ClientID prefixes the per-session client ids. Empty generates one.
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig controls how the supervisor restarts a session whose
// connection dropped. Delays are in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	// Path of the database file. Empty disables persistence.
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SPARKPLUG_SECTION_KEY
// For example: SPARKPLUG_DATABASE_PATH, SPARKPLUG_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Sparkplug: SparkplugConfig{
			Version:        "B",
			Role:           RoleNode,
			HostID:         "sparkplug-host",
			RequestRebirth: true,
			RebirthRetry:   30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/sparkplug.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SPARKPLUG_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Sparkplug identity
	if v := os.Getenv("SPARKPLUG_GROUP_ID"); v != "" {
		cfg.Sparkplug.GroupID = v
	}
	if v := os.Getenv("SPARKPLUG_EDGE_NODE_ID"); v != "" {
		cfg.Sparkplug.EdgeNodeID = v
	}
	if v := os.Getenv("SPARKPLUG_HOST_ID"); v != "" {
		cfg.Sparkplug.HostID = v
	}

	// MQTT
	if v := os.Getenv("SPARKPLUG_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SPARKPLUG_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SPARKPLUG_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("SPARKPLUG_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("SPARKPLUG_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	sp := c.Sparkplug
	switch strings.ToUpper(sp.Version) {
	case "A", "B":
	default:
		errs = append(errs, "sparkplug.version must be A or B")
	}

	switch sp.Role {
	case RoleNode:
		if sp.GroupID == "" {
			errs = append(errs, "sparkplug.group_id is required for role node")
		}
		if sp.EdgeNodeID == "" {
			errs = append(errs, "sparkplug.edge_node_id is required for role node")
		}
		errs = append(errs, validateMetrics("sparkplug.metrics", sp.Metrics)...)
		seen := make(map[string]bool, len(sp.Devices))
		for i, d := range sp.Devices {
			if d.ID == "" {
				errs = append(errs, fmt.Sprintf("sparkplug.devices[%d].id is required", i))
			} else if seen[d.ID] {
				errs = append(errs, fmt.Sprintf("sparkplug.devices[%d].id %q is duplicated", i, d.ID))
			}
			seen[d.ID] = true
			errs = append(errs, validateMetrics(fmt.Sprintf("sparkplug.devices[%d].metrics", i), d.Metrics)...)
		}
	case RoleApplication:
		if sp.HostID == "" {
			errs = append(errs, "sparkplug.host_id is required for role application")
		}
		if sp.RebirthRetry < 0 {
			errs = append(errs, "sparkplug.rebirth_retry must not be negative")
		}
	default:
		errs = append(errs, "sparkplug.role must be node or application")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.InitialDelay < 0 || c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect delays must satisfy 0 <= initial_delay <= max_delay")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validateMetrics(field string, metrics []MetricConfig) []string {
	var errs []string
	seen := make(map[string]bool, len(metrics))
	for i, m := range metrics {
		if m.Name == "" {
			errs = append(errs, fmt.Sprintf("%s[%d].name is required", field, i))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Sprintf("%s[%d].name %q is duplicated", field, i, m.Name))
		}
		seen[m.Name] = true
		if m.Type == "" {
			errs = append(errs, fmt.Sprintf("%s[%d].type is required", field, i))
		}
	}
	return errs
}

// GetRebirthRetry returns the application rebirth retry interval.
func (c *Config) GetRebirthRetry() time.Duration {
	return time.Duration(c.Sparkplug.RebirthRetry) * time.Second
}

// GetReconnectDelays returns the supervisor's initial and maximum restart delays.
func (c *Config) GetReconnectDelays() (initial, maxDelay time.Duration) {
	return time.Duration(c.MQTT.Reconnect.InitialDelay) * time.Second,
		time.Duration(c.MQTT.Reconnect.MaxDelay) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
