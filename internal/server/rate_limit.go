package server

import (
	"math"
	"sync"
	"time"
)

// Admission control for the tunnel listener. Two token buckets gate every
// packet before parsing: a server-wide bucket and a per-source-IP bucket.
// Buckets replenish at a constant rate and cap at a burst size, so a
// client draining a long response can poll in bursts while the long-term
// average stays bounded.

// RateLimiter combines the global and per-IP levels. A packet must pass
// both to be handled.
type RateLimiter struct {
	global *tokenBucket
	perIP  *tokenBucket
}

// RateLimitSettings holds the limiter configuration. A rate or burst of
// zero disables that level.
type RateLimitSettings struct {
	GlobalQPS    float64
	GlobalBurst  int
	IPQPS        float64
	IPBurst      int
	MaxIPEntries int
}

// NewRateLimiter creates a RateLimiter from settings.
func NewRateLimiter(s RateLimitSettings) *RateLimiter {
	return &RateLimiter{
		global: newTokenBucket(s.GlobalQPS, s.GlobalBurst, 1),
		perIP:  newTokenBucket(s.IPQPS, s.IPBurst, s.MaxIPEntries),
	}
}

// Allow reports whether a packet from srcIP should be handled.
func (r *RateLimiter) Allow(srcIP string) bool {
	if r == nil {
		return true
	}
	if !r.global.allow("*") {
		return false
	}
	return r.perIP.allow(srcIP)
}

const bucketCleanupInterval = time.Minute

// tokenBucket tracks token counts per key. Each allowed request consumes
// one token; tokens replenish continuously up to the burst cap.
type tokenBucket struct {
	rate       float64
	burst      float64
	maxEntries int

	mu          sync.Mutex
	lastCleanup time.Time
	lastUpdate  map[string]time.Time
	tokens      map[string]float64
}

func newTokenBucket(rate float64, burst, maxEntries int) *tokenBucket {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &tokenBucket{
		rate:        rate,
		burst:       float64(burst),
		maxEntries:  maxEntries,
		lastCleanup: time.Now(),
		lastUpdate:  map[string]time.Time{},
		tokens:      map[string]float64{},
	}
}

// allow consumes one token for key if available. A rate or burst of zero
// disables the bucket entirely.
func (b *tokenBucket) allow(key string) bool {
	if b == nil || b.rate <= 0 || b.burst <= 0 {
		return true
	}

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastCleanup) > bucketCleanupInterval {
		b.cleanupLocked(now)
	}

	last, exists := b.lastUpdate[key]
	if !exists {
		if len(b.lastUpdate) >= b.maxEntries {
			b.cleanupLocked(now)
			if len(b.lastUpdate) >= b.maxEntries {
				// Still at capacity; refuse to track more sources.
				return false
			}
		}
		b.lastUpdate[key] = now
		b.tokens[key] = b.burst - 1
		return true
	}

	tokens := b.tokens[key]
	if elapsed := now.Sub(last).Seconds(); elapsed > 0 {
		tokens = math.Min(b.burst, tokens+elapsed*b.rate)
	}
	b.lastUpdate[key] = now

	if tokens >= 1 {
		b.tokens[key] = tokens - 1
		return true
	}
	b.tokens[key] = tokens
	return false
}

// cleanupLocked drops keys idle past the cleanup interval. Caller holds mu.
func (b *tokenBucket) cleanupLocked(now time.Time) {
	staleBefore := now.Add(-bucketCleanupInterval)
	for k, last := range b.lastUpdate {
		if !last.After(staleBefore) {
			delete(b.lastUpdate, k)
			delete(b.tokens, k)
		}
	}
	b.lastCleanup = now
}
