package config

import (
	"os"

	"github.com/haasonsaas/parley/internal/observability"
)

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
	// RedactPatterns extend the built-in secret redaction.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// LogConfig converts the logging section to logger settings.
func (l LoggingConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:          l.Level,
		Format:         l.Format,
		Output:         os.Stdout,
		AddSource:      l.AddSource,
		RedactPatterns: l.RedactPatterns,
	}
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
	// SamplingRate is the fraction of traces recorded, 0.0 to 1.0.
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

// TraceConfig converts the tracing section to tracer settings. A disabled
// section yields an empty endpoint, which makes the tracer a no-op.
func (t TracingConfig) TraceConfig(version string) observability.TraceConfig {
	endpoint := t.Endpoint
	if !t.Enabled {
		endpoint = ""
	}
	return observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Environment:    t.Environment,
		Endpoint:       endpoint,
		SamplingRate:   t.SamplingRate,
		Attributes:     t.Attributes,
		EnableInsecure: t.Insecure,
	}
}
