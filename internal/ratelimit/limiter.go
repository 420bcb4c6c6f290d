// Package ratelimit provides keyed token-bucket rate limiting for realtime
// events and HTTP endpoints.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// PerSecond is the sustained rate allowed per key.
	PerSecond float64 `yaml:"per_second"`
	// Burst is the number of requests a quiet key may make at once.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		PerSecond: 10,
		Burst:     20,
	}
}

func (c Config) withDefaults() Config {
	if c.PerSecond <= 0 {
		c.PerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = int(c.PerSecond * 2)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	return c
}

// bucket is a token bucket. Callers hold the limiter lock.
type bucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(cfg Config, now time.Time) *bucket {
	return &bucket{
		tokens:     float64(cfg.Burst),
		maxTokens:  float64(cfg.Burst),
		refillRate: cfg.PerSecond,
		lastRefill: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

func (b *bucket) take(now time.Time) bool {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *bucket) wait(now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= 1 {
		return 0
	}
	seconds := (1 - b.tokens) / b.refillRate
	return time.Duration(seconds * float64(time.Second))
}

const defaultMaxKeys = 10000

// Limiter manages one bucket per key (user id, client address). A nil or
// disabled limiter allows everything.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  Config
	maxKeys int
	now     func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the refill clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxKeys bounds the number of tracked keys before idle ones are pruned.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config, opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		config:  config.withDefaults(),
		maxKeys: defaultMaxKeys,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether a request for key may proceed and consumes a token
// if so.
func (l *Limiter) Allow(key string) bool {
	if l == nil || !l.config.Enabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.bucketLocked(key, now).take(now)
}

// WaitTime returns how long key must wait before its next request.
func (l *Limiter) WaitTime(key string) time.Duration {
	if l == nil || !l.config.Enabled {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return 0
	}
	return b.wait(l.now())
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucketLocked(key string, now time.Time) *bucket {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.pruneLocked(now)
	}
	b := newBucket(l.config, now)
	l.buckets[key] = b
	return b
}

// pruneLocked removes buckets that have refilled completely; those keys
// have been idle long enough that a fresh bucket is equivalent.
func (l *Limiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		b.refill(now)
		if b.tokens >= b.maxTokens {
			delete(l.buckets, key)
		}
	}
}
