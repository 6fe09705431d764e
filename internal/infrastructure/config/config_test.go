package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
sparkplug:
  version: "B"
  role: "node"
  group_id: "plant"
  edge_node_id: "line-1"
  primary_host_id: "scada"
  metrics:
    - name: "temperature"
      type: "Double"
      value: 20.5
    - name: "running"
      type: "Boolean"
      value: false
  devices:
    - id: "pump"
      metrics:
        - name: "flow"
          type: "Float"
          value: 0
mqtt:
  broker:
    host: "broker.local"
    port: 8883
    tls: true
  qos: 1
database:
  path: "/tmp/test.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sparkplug.GroupID != "plant" {
		t.Errorf("Sparkplug.GroupID = %q, want %q", cfg.Sparkplug.GroupID, "plant")
	}
	if len(cfg.Sparkplug.Metrics) != 2 || cfg.Sparkplug.Metrics[0].Value != 20.5 {
		t.Errorf("Sparkplug.Metrics = %+v", cfg.Sparkplug.Metrics)
	}
	if len(cfg.Sparkplug.Devices) != 1 || cfg.Sparkplug.Devices[0].ID != "pump" {
		t.Errorf("Sparkplug.Devices = %+v", cfg.Sparkplug.Devices)
	}
	if cfg.MQTT.Broker.Host != "broker.local" || !cfg.MQTT.Broker.TLS {
		t.Errorf("MQTT.Broker = %+v", cfg.MQTT.Broker)
	}

	// Defaults survive a partial file.
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want default 8080", cfg.API.Port)
	}
	if cfg.WebSocket.Path != "/api/v1/ws" {
		t.Errorf("WebSocket.Path = %q, want default", cfg.WebSocket.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
sparkplug:
  role: "node"
  group_id: ""
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error for empty group_id, got nil")
	}
	if !strings.Contains(err.Error(), "sparkplug.group_id") || !strings.Contains(err.Error(), "sparkplug.edge_node_id") {
		t.Errorf("Load() error = %v, want every problem reported", err)
	}
}

func validNode() *Config {
	cfg := defaultConfig()
	cfg.Sparkplug.GroupID = "plant"
	cfg.Sparkplug.EdgeNodeID = "line-1"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid node", mutate: func(*Config) {}},
		{
			name: "valid application",
			mutate: func(c *Config) {
				c.Sparkplug.Role = RoleApplication
				c.Sparkplug.GroupID = ""
				c.Sparkplug.EdgeNodeID = ""
			},
		},
		{
			name:    "bad version",
			mutate:  func(c *Config) { c.Sparkplug.Version = "C" },
			wantErr: "sparkplug.version",
		},
		{
			name:    "bad role",
			mutate:  func(c *Config) { c.Sparkplug.Role = "broker" },
			wantErr: "sparkplug.role",
		},
		{
			name: "application without host",
			mutate: func(c *Config) {
				c.Sparkplug.Role = RoleApplication
				c.Sparkplug.HostID = ""
			},
			wantErr: "sparkplug.host_id",
		},
		{
			name: "duplicate metric",
			mutate: func(c *Config) {
				c.Sparkplug.Metrics = []MetricConfig{{Name: "a", Type: "Double"}, {Name: "a", Type: "Double"}}
			},
			wantErr: "duplicated",
		},
		{
			name:    "metric without type",
			mutate:  func(c *Config) { c.Sparkplug.Metrics = []MetricConfig{{Name: "a"}} },
			wantErr: "type is required",
		},
		{
			name:    "device without id",
			mutate:  func(c *Config) { c.Sparkplug.Devices = []DeviceConfig{{}} },
			wantErr: "devices[0].id",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid broker port",
			mutate:  func(c *Config) { c.MQTT.Broker.Port = 70000 },
			wantErr: "mqtt.broker.port",
		},
		{
			name:    "reconnect delays inverted",
			mutate:  func(c *Config) { c.MQTT.Reconnect.InitialDelay = 90 },
			wantErr: "mqtt.reconnect",
		},
		{
			name:    "influx without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "invalid api port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name: "api disabled ignores port",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validNode()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetDurations(t *testing.T) {
	cfg := &Config{
		Sparkplug: SparkplugConfig{RebirthRetry: 15},
		MQTT:      MQTTConfig{Reconnect: MQTTReconnectConfig{InitialDelay: 2, MaxDelay: 30}},
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetRebirthRetry(); got != 15*time.Second {
		t.Errorf("GetRebirthRetry() = %v, want 15s", got)
	}
	initial, maxDelay := cfg.GetReconnectDelays()
	if initial != 2*time.Second || maxDelay != 30*time.Second {
		t.Errorf("GetReconnectDelays() = %v, %v", initial, maxDelay)
	}
	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("SPARKPLUG_GROUP_ID", "env-group")
	t.Setenv("SPARKPLUG_EDGE_NODE_ID", "env-node")
	t.Setenv("SPARKPLUG_HOST_ID", "env-host")
	t.Setenv("SPARKPLUG_DATABASE_PATH", "/custom/path.db")
	t.Setenv("SPARKPLUG_MQTT_HOST", "mqtt.example.com")
	t.Setenv("SPARKPLUG_MQTT_USERNAME", "testuser")
	t.Setenv("SPARKPLUG_MQTT_PASSWORD", "testpass")
	t.Setenv("SPARKPLUG_INFLUXDB_TOKEN", "secret-token")

	applyEnvOverrides(cfg)

	checks := []struct{ field, got, want string }{
		{"Sparkplug.GroupID", cfg.Sparkplug.GroupID, "env-group"},
		{"Sparkplug.EdgeNodeID", cfg.Sparkplug.EdgeNodeID, "env-node"},
		{"Sparkplug.HostID", cfg.Sparkplug.HostID, "env-host"},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Sparkplug.Version != "B" {
		t.Errorf("defaultConfig Sparkplug.Version = %q, want B", cfg.Sparkplug.Version)
	}
	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
