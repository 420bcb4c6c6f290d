package realtime

import (
	"time"

	"github.com/haasonsaas/parley/internal/delivery"
	"github.com/haasonsaas/parley/internal/typing"
)

const (
	DefaultSendBuffer      = 64
	DefaultMaxPayloadBytes = 1 << 20
	DefaultPingInterval    = 15 * time.Second
	DefaultPongWait        = 45 * time.Second
	DefaultWriteWait       = 10 * time.Second
)

// Config tunes the realtime channel.
type Config struct {
	// TypingTTL is the age after which the sweeper purges a typing state.
	TypingTTL time.Duration
	// SendBuffer bounds the per-connection outbound queue. A connection
	// whose queue is full is closed.
	SendBuffer      int
	MaxPayloadBytes int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	// MaxContentLength caps message content in characters.
	MaxContentLength int
}

func (c Config) withDefaults() Config {
	if c.TypingTTL <= 0 {
		c.TypingTTL = typing.DefaultTTL
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait / 3
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = delivery.DefaultMaxContentLength
	}
	return c
}
