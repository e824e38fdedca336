// Package ratelimit throttles connection accepts.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type TokenBucket struct {
	rate       float64 // tokens per second
	burst      int     // max tokens
	available  float64
	lastRefill time.Time
	clock      clock.Clock
	mu         sync.Mutex
}

func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return NewTokenBucketWithClock(rate, burst, clock.New())
}

// NewTokenBucketWithClock is NewTokenBucket measured on clk.
func NewTokenBucketWithClock(rate float64, burst int, clk clock.Clock) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{rate: rate, burst: burst, available: float64(burst), lastRefill: clk.Now(), clock: clk}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.available += elapsed * tb.rate
	if tb.available > float64(tb.burst) {
		tb.available = float64(tb.burst)
	}
	tb.lastRefill = now
}

// Allow consumes n tokens if available and returns true, otherwise false.
func (tb *TokenBucket) Allow(n int) bool {
	_, ok := tb.reserve(n)
	return ok
}

// reserve takes n tokens or reports how long until they would be there.
func (tb *TokenBucket) reserve(n int) (time.Duration, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(tb.clock.Now())
	if tb.available >= float64(n) {
		tb.available -= float64(n)
		return 0, true
	}
	if tb.rate <= 0 {
		return time.Duration(math.MaxInt64), false
	}
	missing := float64(n) - tb.available
	return time.Duration(missing / tb.rate * float64(time.Second)), false
}

// Wait blocks until n tokens are available or ctx is done. It reports
// whether it had to wait at all.
func (tb *TokenBucket) Wait(ctx context.Context, n int) (bool, error) {
	waited := false
	for {
		delay, ok := tb.reserve(n)
		if ok {
			return waited, nil
		}
		waited = true
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		timer := tb.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
		}
	}
}
