package config

import (
	"time"

	"github.com/marmos91/fedcore/internal/telemetry"
	"github.com/marmos91/fedcore/pkg/fedtime"
)

// Default values applied when the configuration file omits a field.
const (
	DefaultName            = "fedcore"
	DefaultCoreType        = "tcp"
	DefaultListen          = "tcp://127.0.0.1:9500"
	DefaultTimeout         = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultLogLevel        = "INFO"
	DefaultLogFormat       = "text"
	DefaultLogOutput       = "stdout"
	DefaultMetricsPort     = 9090
	DefaultAPIPort         = 9600
)

// Default returns the full default configuration: a root TCP broker with
// text logging, metrics and API disabled.
func Default() *Config {
	return &Config{
		Name:            DefaultName,
		CoreType:        DefaultCoreType,
		Listen:          DefaultListen,
		Timeout:         DefaultTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		MinDelta:        fedtime.Epsilon,
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
			Output: DefaultLogOutput,
		},
		Telemetry: telemetry.DefaultConfig(),
		Metrics:   MetricsConfig{Port: DefaultMetricsPort},
		API:       APIConfig{Port: DefaultAPIPort},
	}
}

// ApplyDefaults fills zero-valued fields with defaults after unmarshal.
func ApplyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.CoreType == "" {
		cfg.CoreType = DefaultCoreType
	}
	if cfg.Listen == "" && cfg.Broker == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MinDelta == 0 {
		cfg.MinDelta = fedtime.Epsilon
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = DefaultLogOutput
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = DefaultAPIPort
	}
}
