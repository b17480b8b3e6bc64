package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for the controller.
type Config struct {
	// ServiceName identifies the service in traces and metrics.
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is the running version.
	ServiceVersion string `yaml:"service_version"`

	// Environment is the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures distributed tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics configures Prometheus metrics.
	Metrics MetricsConfig `yaml:"metrics"`

	// Events configures the in-process event bus.
	Events EventsConfig `yaml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format"`

	// Output specifies where logs go (stdout, stderr, or a file path).
	Output string `yaml:"output"`

	// EnableCaller adds file:line caller information.
	EnableCaller bool `yaml:"enable_caller"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool `yaml:"insecure"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate"`

	// ExportTimeout bounds a single export batch.
	ExportTimeout time.Duration `yaml:"export_timeout"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics are collected.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes all metric names.
	Namespace string `yaml:"namespace"`

	// ListenAddr is where the /metrics endpoint binds, if served.
	ListenAddr string `yaml:"listen_addr"`
}

// EventsConfig configures the in-process event bus.
type EventsConfig struct {
	// Enabled controls whether events are dispatched.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the bus channel capacity.
	BufferSize int `yaml:"buffer_size"`
}

// Validate checks config fields that have constrained values.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("sampling rate must be within [0, 1]")
		}
	}
	return nil
}

// DefaultConfig returns a config suitable for local runs.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "helmstead",
		ServiceVersion: "dev",
		Environment:    "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "helmstead",
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 256,
		},
	}
}
