package config

import (
	"time"

	"github.com/haasonsaas/parley/internal/ratelimit"
	"github.com/haasonsaas/parley/internal/realtime"
)

type RealtimeConfig struct {
	// TypingTTL is how long a typing state lives without a refresh.
	TypingTTL time.Duration `yaml:"typing_ttl"`
	// SweepSchedule is a cron spec for purging stale typing states.
	SweepSchedule    string        `yaml:"sweep_schedule"`
	SendBuffer       int           `yaml:"send_buffer"`
	MaxPayloadBytes  int64         `yaml:"max_payload_bytes"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
	WriteWait        time.Duration `yaml:"write_wait"`
	MaxContentLength int           `yaml:"max_content_length"`
	// RateLimit bounds inbound events per user across all connections.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// HubConfig converts the realtime section to hub settings.
func (r RealtimeConfig) HubConfig() realtime.Config {
	return realtime.Config{
		TypingTTL:        r.TypingTTL,
		SendBuffer:       r.SendBuffer,
		MaxPayloadBytes:  r.MaxPayloadBytes,
		PingInterval:     r.PingInterval,
		PongWait:         r.PongWait,
		WriteWait:        r.WriteWait,
		MaxContentLength: r.MaxContentLength,
	}
}
