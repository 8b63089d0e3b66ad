// Package config loads and validates the fedcore runtime configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority, applied by the command layer)
//  2. Environment variables (FEDCORE_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Environment variables are read only when a configuration file is found,
// and then only for keys that the file sets. Without a file, Load returns
// Default() and environment variables are not consulted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/fedcore/internal/telemetry"
	"github.com/marmos91/fedcore/pkg/fedtime"
)

// Config represents the fedcore broker/core configuration.
type Config struct {
	// Name is the broker or core name within the federation.
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// CoreType selects the transport backing the federation fabric.
	CoreType string `mapstructure:"core_type" validate:"required,oneof=tcp inproc test" yaml:"core_type"`

	// Listen is the endpoint this broker binds (e.g. "tcp://0.0.0.0:9500").
	Listen string `mapstructure:"listen" yaml:"listen"`

	// Broker is the parent broker endpoint; empty means run as root broker.
	Broker string `mapstructure:"broker" yaml:"broker"`

	// Federates is the expected child count for a broker. Startup logs once
	// this many cores have registered, or warns when the wait times out; the
	// broker serves either way. Zero disables the wait.
	Federates int `mapstructure:"federates" validate:"gte=0" yaml:"federates"`

	// Timeout bounds connection establishment and the grant wait.
	Timeout time.Duration `mapstructure:"timeout" validate:"required,gt=0" yaml:"timeout"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// MinDelta is the default minimum time between grants for hosted
	// federates. Must be positive in federations with dependency cycles.
	MinDelta fedtime.Time `mapstructure:"min_delta" yaml:"min_delta"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains the broker status/snapshot HTTP server configuration.
	API APIConfig `mapstructure:"api" yaml:"api"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format, text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server. When Enabled
// is false no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the /metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// APIConfig configures the broker's status and snapshot HTTP API.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the API listener.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := Default()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	if cfg.Broker != "" && cfg.Listen == "" {
		return fmt.Errorf("a core connecting to a broker must set listen for return traffic")
	}
	return nil
}

// Save writes the configuration as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file lookup.
// Environment variables use the FEDCORE_ prefix with underscores, e.g.
// FEDCORE_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("FEDCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "fedcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "fedcore")
}

// decodeHooks converts string durations and logical times from YAML.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		fedtimeDecodeHook(),
	)
}

// fedtimeDecodeHook parses fedtime.Time from "1.5s"-style strings or plain
// second counts.
func fedtimeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(fedtime.Time(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			var t fedtime.Time
			if err := t.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
			return t, nil
		case float64:
			return fedtime.FromSeconds(v), nil
		case int:
			return fedtime.FromSeconds(float64(v)), nil
		default:
			return data, nil
		}
	}
}
