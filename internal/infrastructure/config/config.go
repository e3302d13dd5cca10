package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Haiku fan bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Fan       FanConfig       `yaml:"fan"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// FanConfig contains the SenseMe device connection and polling settings.
type FanConfig struct {
	// Address is the IP address or hostname of the fan controller.
	Address string `yaml:"address"`

	// Port is the SenseMe UDP port. Haiku fans always listen on 31415.
	Port int `yaml:"port"`

	// Name is the device name used in every frame. When empty the bridge
	// performs a single best-effort lookup at startup.
	Name string `yaml:"name"`

	// ResponseTimeout is how long one attempt waits for a reply (milliseconds).
	ResponseTimeout int `yaml:"response_timeout"`

	// PollInterval is the full-state poll period (seconds).
	PollInterval int `yaml:"poll_interval"`

	// Whoosh enables the optional whoosh field. Older firmware does not
	// answer WHOOSH requests and would fail every poll cycle.
	Whoosh bool `yaml:"whoosh"`

	// LightOnLevel is the level assumed when the light is switched on from level 0.
	LightOnLevel int `yaml:"light_on_level"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	BaseTopic string              `yaml:"base_topic"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Panel    PanelConfig      `yaml:"panel"`
}

// PanelConfig controls the browser control page served under /panel.
// Dir overrides the embedded assets with files on disk.
type PanelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
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
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HAIKU_SECTION_KEY
// For example: HAIKU_FAN_ADDRESS, HAIKU_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults plus environment
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Fan: FanConfig{
			Address:         "192.168.1.100",
			Port:            31415,
			ResponseTimeout: 1000,
			PollInterval:    30,
			Whoosh:          true,
			LightOnLevel:    2,
		},
		Database: DatabaseConfig{
			Path:        "./data/haikubridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "haiku-bridge",
			},
			QoS:       1,
			BaseTopic: "haiku_fan",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
			},
			Panel: PanelConfig{
				Enabled: true,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "haiku",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HAIKU_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Fan
	if v := os.Getenv("HAIKU_FAN_ADDRESS"); v != "" {
		cfg.Fan.Address = v
	}
	if v := os.Getenv("HAIKU_FAN_NAME"); v != "" {
		cfg.Fan.Name = v
	}
	if v := os.Getenv("HAIKU_FAN_POLL_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HAIKU_FAN_POLL_INTERVAL: %w", err)
		}
		cfg.Fan.PollInterval = n
	}

	// Database
	if v := os.Getenv("HAIKU_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT. Setting a host implies the bus is wanted.
	if v := os.Getenv("HAIKU_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("HAIKU_MQTT_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HAIKU_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Broker.Port = n
	}
	if v := os.Getenv("HAIKU_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HAIKU_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("HAIKU_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("HAIKU_API_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HAIKU_API_PORT: %w", err)
		}
		cfg.API.Port = n
	}
	if v := os.Getenv("HAIKU_PANEL_DIR"); v != "" {
		cfg.API.Panel.Dir = v
	}

	// InfluxDB
	if v := os.Getenv("HAIKU_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Fan validation
	if c.Fan.Address == "" {
		errs = append(errs, "fan.address is required")
	}
	if c.Fan.Port < 1 || c.Fan.Port > 65535 {
		errs = append(errs, "fan.port must be between 1 and 65535")
	}
	if c.Fan.ResponseTimeout <= 0 {
		errs = append(errs, "fan.response_timeout must be positive")
	}
	if c.Fan.PollInterval <= 0 {
		errs = append(errs, "fan.poll_interval must be positive")
	}
	if c.Fan.LightOnLevel < 1 || c.Fan.LightOnLevel > 16 {
		errs = append(errs, "fan.light_on_level must be between 1 and 16")
	}
	if strings.ContainsAny(c.Fan.Name, ";<>()") {
		errs = append(errs, "fan.name must not contain frame delimiters")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.BaseTopic == "" || strings.ContainsAny(c.MQTT.BaseTopic, "+#") {
			errs = append(errs, "mqtt.base_topic must be non-empty and free of wildcards")
		}
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// GetPollInterval returns the fan poll period as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Fan.PollInterval) * time.Second
}

// GetResponseTimeout returns the per-attempt device response timeout.
func (c *Config) GetResponseTimeout() time.Duration {
	return time.Duration(c.Fan.ResponseTimeout) * time.Millisecond
}
