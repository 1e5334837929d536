package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment override.
const envPrefix = "PROCESSRUNNER_"

// Config is the root configuration structure for the process runner daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Settings  SettingsConfig  `yaml:"settings"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// SettingsConfig locates the runner configuration store.
type SettingsConfig struct {
	// Root is the directory holding global.config and one <name>.config
	// file per runner.
	Root string `yaml:"root"`
}

// DatabaseConfig contains SQLite database settings for the event history.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the remote-control hub.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// OutputRate is the maximum number of output lines per second relayed
	// per runner. 0 disables output relay.
	OutputRate int `yaml:"output_rate"`

	// OutputBurst is the number of lines that may be relayed at once.
	OutputBurst int `yaml:"output_burst"`
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

// APIConfig contains HTTP control surface settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains output streaming settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
	SendBuffer     int `yaml:"send_buffer"`
}

// InfluxDBConfig contains InfluxDB connection settings for runner metrics.
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
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig controls the scheduled-restart ticker.
type SchedulerConfig struct {
	// PollInterval is how often every runner is asked whether its daily
	// restart is due.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path (skipped when path is empty), then PROCESSRUNNER_*
// environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Settings: SettingsConfig{
			Root: "./data/runners",
		},
		Database: DatabaseConfig{
			Path:        "./data/processrunner.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "processrunner",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			OutputRate:  20,
			OutputBurst: 50,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     256,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path: "./data/processrunner.log.txt",
			},
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Minute,
		},
	}
}

// envOverride binds one PROCESSRUNNER_<key> variable to a field.
type envOverride struct {
	key string
	set func(string) error
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// envOverrides lists every supported variable, without the prefix.
func envOverrides(cfg *Config) []envOverride {
	return []envOverride{
		{"SETTINGS_ROOT", setString(&cfg.Settings.Root)},
		{"DATABASE_PATH", setString(&cfg.Database.Path)},
		{"MQTT_ENABLED", setBool(&cfg.MQTT.Enabled)},
		{"MQTT_HOST", setString(&cfg.MQTT.Broker.Host)},
		{"MQTT_USERNAME", setString(&cfg.MQTT.Auth.Username)},
		{"MQTT_PASSWORD", setString(&cfg.MQTT.Auth.Password)},
		{"API_HOST", setString(&cfg.API.Host)},
		{"API_PORT", setInt(&cfg.API.Port)},
		{"INFLUXDB_TOKEN", setString(&cfg.InfluxDB.Token)},
		{"LOG_LEVEL", setString(&cfg.Logging.Level)},
		{"SCHEDULER_POLL_INTERVAL", setDuration(&cfg.Scheduler.PollInterval)},
	}
}

// applyEnvOverrides sets each field whose variable is present and non-empty.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	for _, o := range envOverrides(cfg) {
		v, ok := lookup(envPrefix + o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, o.key, err)
		}
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Settings.Root != "", "settings.root is required")
	check(c.Database.Path != "", "database.path is required")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	check(c.MQTT.OutputRate >= 0, "mqtt.output_rate must not be negative")
	check(!c.API.Enabled || (c.API.Port >= 1 && c.API.Port <= 65535), "api.port must be between 1 and 65535")
	check(!c.InfluxDB.Enabled || c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")

	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		check(c.Logging.File.Path != "", "logging.file.path is required when logging.output is file")
	default:
		check(false, "logging.output must be stdout, stderr, or file")
	}

	check(c.Scheduler.PollInterval >= time.Second, "scheduler.poll_interval must be at least 1s")

	return errors.Join(errs...)
}

// ReadTimeout returns Read as a Duration.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return time.Duration(t.Read) * time.Second }

// WriteTimeout returns Write as a Duration.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return time.Duration(t.Write) * time.Second }

// IdleTimeout returns Idle as a Duration.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return time.Duration(t.Idle) * time.Second }
