package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/julienar/ixcharged/internal/charger"
	"github.com/julienar/ixcharged/internal/ixapi"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes environment overrides, e.g. IXCHARGED_DEVICE_API_KEY
const EnvPrefix = "IXCHARGED"

// Config represents the application configuration
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	API     APIConfig     `mapstructure:"api"`
	Polling PollingConfig `mapstructure:"polling"`
	Network NetworkConfig `mapstructure:"network"`
	Logging LoggingConfig `mapstructure:"logging"`
	Datadog DatadogConfig `mapstructure:"datadog"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// DeviceConfig identifies the charger. APIKey and CableType may change
// while the service runs; SerialNumber may not.
type DeviceConfig struct {
	APIKey       string `mapstructure:"api_key"`
	SerialNumber string `mapstructure:"serial_number"`
	DisplayName  string `mapstructure:"display_name"`
	CableType    string `mapstructure:"cable_type"`
}

// APIConfig contains the cloud API settings
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PollingConfig contains the refresh settings
type PollingConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	SwitchSettle time.Duration `mapstructure:"switch_settle"`
	NumberSettle time.Duration `mapstructure:"number_settle"`
}

// NetworkConfig contains the local HTTP API settings
type NetworkConfig struct {
	APIPort int        `mapstructure:"api_port"`
	Auth    AuthConfig `mapstructure:"auth"`
}

// AuthConfig contains HTTP basic auth settings for the local API
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"` // Optional: log file path
}

// DatadogConfig contains Datadog APM settings
type DatadogConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	AgentHost   string `mapstructure:"agent_host"`
	AgentPort   int    `mapstructure:"agent_port"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`    // Empty: generated per process
	TopicPrefix string `mapstructure:"topic_prefix"` // e.g., "hems" -> "hems/chargers/<serial>/..."
}

// MetricsConfig contains the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ixcharged")
		v.AddConfigPath("/etc/ixcharged")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults. Every key gets one so env overrides are picked up by
	// Unmarshal.
	v.SetDefault("device.api_key", "")
	v.SetDefault("device.serial_number", "")
	v.SetDefault("device.display_name", "EV Charger")
	v.SetDefault("device.cable_type", charger.DefaultCableType)
	v.SetDefault("api.base_url", ixapi.DefaultBaseURL)
	v.SetDefault("api.timeout", ixapi.DefaultTimeout)
	v.SetDefault("polling.interval", charger.DefaultPollInterval)
	v.SetDefault("polling.switch_settle", charger.DefaultSwitchReconcileDelay)
	v.SetDefault("polling.number_settle", charger.DefaultNumberReconcileDelay)
	v.SetDefault("network.api_port", 8080)
	v.SetDefault("network.auth.enabled", false)
	v.SetDefault("network.auth.username", "")
	v.SetDefault("network.auth.password", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("datadog.enabled", false)
	v.SetDefault("datadog.agent_host", "localhost")
	v.SetDefault("datadog.agent_port", 8126)
	v.SetDefault("datadog.service_name", "ixcharged")
	v.SetDefault("datadog.environment", "production")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic_prefix", "hems")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Fprintf(os.Stderr, "Warning: Config file not found, using defaults\n")
		} else {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	return decode(v)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Device.APIKey == "" {
		return fmt.Errorf("device.api_key is required")
	}

	if c.Device.SerialNumber == "" {
		return fmt.Errorf("device.serial_number is required")
	}

	if !charger.IsKnownCableType(c.Device.CableType) {
		return fmt.Errorf("device.cable_type must be one of %s", strings.Join(charger.CableTypes(), ", "))
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}

	if c.Polling.Interval < time.Second {
		return fmt.Errorf("polling.interval must be at least 1s")
	}

	if c.Network.APIPort < 1 || c.Network.APIPort > 65535 {
		return fmt.Errorf("network.api_port must be between 1 and 65535")
	}

	if c.Network.Auth.Enabled && (c.Network.Auth.Username == "" || c.Network.Auth.Password == "") {
		return fmt.Errorf("network.auth requires username and password when enabled")
	}

	if c.MQTT.Enabled && (c.MQTT.Port < 1 || c.MQTT.Port > 65535) {
		return fmt.Errorf("mqtt.port must be between 1 and 65535")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535")
		}
		if c.Metrics.Port == c.Network.APIPort {
			return fmt.Errorf("metrics.port must differ from network.api_port")
		}
	}

	return nil
}

// Changes lists the live-updatable settings that differ between two configs
type Changes struct {
	APIKey    bool
	CableType bool
}

// Any reports whether anything relevant changed
func (c Changes) Any() bool {
	return c.APIKey || c.CableType
}

// Diff compares the settings the running service can pick up without a
// restart.
func Diff(old, updated *Config) Changes {
	return Changes{
		APIKey:    old.Device.APIKey != updated.Device.APIKey,
		CableType: old.Device.CableType != updated.Device.CableType,
	}
}

// Watch reloads the config file on every change and calls onChange with the
// previous and new configuration. Invalid files are logged and skipped.
// The file must exist.
func Watch(configPath string, logger *zap.Logger, onChange func(old, updated *Config)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}

	current, err := decode(v)
	if err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Debug("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))

		updated, err := decode(v)
		if err != nil {
			logger.Error("Failed to reload config", zap.Error(err))
			return
		}
		if err := updated.Validate(); err != nil {
			logger.Error("Ignoring invalid config", zap.Error(err))
			return
		}
		if updated.Device.SerialNumber != current.Device.SerialNumber {
			logger.Warn("device.serial_number cannot change at runtime, restart required")
		}

		old := current
		current = updated
		onChange(old, updated)
	})
	v.WatchConfig()

	logger.Info("Watching config file", zap.String("file", v.ConfigFileUsed()))
	return nil
}
