package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/parley/internal/ratelimit"
	"github.com/haasonsaas/parley/internal/storage"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = storage.DriverPostgres
	DriverSQLite   = storage.DriverSQLite
)

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins restricts WebSocket handshakes by Origin header.
	// Empty allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RefreshRateLimit bounds /auth/refresh per client address.
	RefreshRateLimit ratelimit.Config `yaml:"refresh_rate_limit"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	// Driver is one of memory, postgres or sqlite.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	// AutoMigrate applies pending migrations when the server starts.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// Pool converts the database section to storage pool settings.
func (d DatabaseConfig) Pool() *storage.PoolConfig {
	return &storage.PoolConfig{
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
		ConnectTimeout:  d.ConnectTimeout,
	}
}
