package client

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// ReconnectPolicy shapes the delay between reconnect attempts after a
// transport drop.
type ReconnectPolicy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Factor is applied once per attempt.
	Factor float64
	// Jitter adds up to this fraction of the base delay, 0.0 to 1.0.
	Jitter float64
}

// DefaultReconnectPolicy starts at 500ms and caps at 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the wait before the given attempt, counted from 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand computes min(max, base + base*jitter*r) with
// base = initial * factor^(attempt-1).
func (p ReconnectPolicy) delayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*r)
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
