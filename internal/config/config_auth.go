package config

import (
	"time"

	"github.com/haasonsaas/parley/internal/auth"
)

type AuthConfig struct {
	AccessSecret  string        `yaml:"access_secret"`
	RefreshSecret string        `yaml:"refresh_secret"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	Leeway        time.Duration `yaml:"leeway"`
}

// ServiceConfig converts the auth section to credential service settings.
func (a AuthConfig) ServiceConfig() auth.Config {
	return auth.Config{
		AccessSecret:  a.AccessSecret,
		RefreshSecret: a.RefreshSecret,
		AccessTTL:     a.AccessTTL,
		RefreshTTL:    a.RefreshTTL,
		Issuer:        a.Issuer,
		Audience:      a.Audience,
		Leeway:        a.Leeway,
	}
}
