// Package config loads the parley server configuration from YAML or JSON5.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/parley/internal/realtime"
	"github.com/haasonsaas/parley/internal/storage"
	"github.com/haasonsaas/parley/internal/typing"
)

// Config is the main configuration structure for parley.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads, defaults and validates the configuration file at path.
// ${VAR} references are expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverMemory
	}
	pool := storage.DefaultPoolConfig()
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = pool.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = pool.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = pool.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = pool.ConnMaxIdleTime
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = pool.ConnectTimeout
	}

	if cfg.Auth.AccessTTL == 0 {
		cfg.Auth.AccessTTL = 15 * time.Minute
	}
	if cfg.Auth.RefreshTTL == 0 {
		cfg.Auth.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "parley"
	}

	if cfg.Realtime.TypingTTL == 0 {
		cfg.Realtime.TypingTTL = typing.DefaultTTL
	}
	if cfg.Realtime.SweepSchedule == "" {
		cfg.Realtime.SweepSchedule = typing.DefaultSweepSchedule
	}
	if cfg.Realtime.SendBuffer == 0 {
		cfg.Realtime.SendBuffer = realtime.DefaultSendBuffer
	}
	if cfg.Realtime.MaxPayloadBytes == 0 {
		cfg.Realtime.MaxPayloadBytes = realtime.DefaultMaxPayloadBytes
	}
	if cfg.Realtime.PingInterval == 0 {
		cfg.Realtime.PingInterval = realtime.DefaultPingInterval
	}
	if cfg.Realtime.PongWait == 0 {
		cfg.Realtime.PongWait = realtime.DefaultPongWait
	}
	if cfg.Realtime.WriteWait == 0 {
		cfg.Realtime.WriteWait = realtime.DefaultWriteWait
	}
	if cfg.Realtime.MaxContentLength == 0 {
		cfg.Realtime.MaxContentLength = 4000
	}
	if cfg.Realtime.RateLimit.PerSecond == 0 {
		cfg.Realtime.RateLimit.PerSecond = 20
	}
	if cfg.Realtime.RateLimit.Burst == 0 {
		cfg.Realtime.RateLimit.Burst = 40
	}
	if cfg.Server.RefreshRateLimit.PerSecond == 0 {
		cfg.Server.RefreshRateLimit.PerSecond = 1
	}
	if cfg.Server.RefreshRateLimit.Burst == 0 {
		cfg.Server.RefreshRateLimit.Burst = 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "parley"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 0 and 65535"))
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, fmt.Errorf("database.url is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be one of memory, postgres, sqlite (got %q)", c.Database.Driver))
	}
	if c.Database.MaxOpenConns < 0 || c.Database.MaxIdleConns < 0 {
		errs = append(errs, fmt.Errorf("database pool sizes must not be negative"))
	}

	if strings.TrimSpace(c.Auth.AccessSecret) == "" {
		errs = append(errs, fmt.Errorf("auth.access_secret is required"))
	}
	if strings.TrimSpace(c.Auth.RefreshSecret) == "" {
		errs = append(errs, fmt.Errorf("auth.refresh_secret is required"))
	}
	if c.Auth.AccessSecret != "" && c.Auth.AccessSecret == c.Auth.RefreshSecret {
		errs = append(errs, fmt.Errorf("auth.refresh_secret must differ from auth.access_secret"))
	}
	if c.Auth.AccessTTL < 0 || c.Auth.RefreshTTL < 0 || c.Auth.Leeway < 0 {
		errs = append(errs, fmt.Errorf("auth durations must not be negative"))
	}
	if c.Auth.RefreshTTL > 0 && c.Auth.AccessTTL > c.Auth.RefreshTTL {
		errs = append(errs, fmt.Errorf("auth.access_ttl must not exceed auth.refresh_ttl"))
	}

	if c.Realtime.TypingTTL < 0 {
		errs = append(errs, fmt.Errorf("realtime.typing_ttl must not be negative"))
	}
	if c.Realtime.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("realtime.send_buffer must not be negative"))
	}
	if c.Realtime.PingInterval > 0 && c.Realtime.PongWait > 0 && c.Realtime.PingInterval >= c.Realtime.PongWait {
		errs = append(errs, fmt.Errorf("realtime.ping_interval must be shorter than realtime.pong_wait"))
	}
	if c.Realtime.MaxContentLength < 0 {
		errs = append(errs, fmt.Errorf("realtime.max_content_length must not be negative"))
	}
	if c.Realtime.RateLimit.PerSecond < 0 || c.Realtime.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("realtime.rate_limit values must not be negative"))
	}
	if c.Server.RefreshRateLimit.PerSecond < 0 || c.Server.RefreshRateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("server.refresh_rate_limit values must not be negative"))
	}
	if err := typing.ValidateSchedule(c.Realtime.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("realtime.sweep_schedule: %w", err))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error"))
	}

	rate := c.Observability.Tracing.SamplingRate
	if rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sampling_rate must be between 0 and 1"))
	}
	if c.Observability.Tracing.Enabled && strings.TrimSpace(c.Observability.Tracing.Endpoint) == "" {
		errs = append(errs, fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled"))
	}
	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with /"))
	}

	return errors.Join(errs...)
}
