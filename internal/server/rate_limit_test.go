package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterDisabledByZeroSettings(t *testing.T) {
	r := NewRateLimiter(RateLimitSettings{})
	for i := 0; i < 1000; i++ {
		assert.True(t, r.Allow("192.0.2.1"))
	}
}

func TestRateLimiterNilAllowsAll(t *testing.T) {
	var r *RateLimiter
	assert.True(t, r.Allow("192.0.2.1"))
}

func TestPerIPBurstExhaustion(t *testing.T) {
	r := NewRateLimiter(RateLimitSettings{
		IPQPS: 0.001, IPBurst: 3, MaxIPEntries: 16,
	})

	for i := 0; i < 3; i++ {
		assert.True(t, r.Allow("192.0.2.1"), "request %d within burst", i)
	}
	assert.False(t, r.Allow("192.0.2.1"), "burst exhausted")

	// Another source has its own bucket.
	assert.True(t, r.Allow("192.0.2.2"))
}

func TestGlobalLimitCoversAllSources(t *testing.T) {
	r := NewRateLimiter(RateLimitSettings{
		GlobalQPS: 0.001, GlobalBurst: 2, MaxIPEntries: 16,
	})

	assert.True(t, r.Allow("192.0.2.1"))
	assert.True(t, r.Allow("192.0.2.2"))
	assert.False(t, r.Allow("192.0.2.3"), "global budget spent")
}

func TestBucketCapacityDeniesNewKeys(t *testing.T) {
	b := newTokenBucket(0.001, 100, 4)
	for i := 0; i < 4; i++ {
		assert.True(t, b.allow(fmt.Sprintf("192.0.2.%d", i)))
	}
	// A fifth fresh source cannot be tracked while all slots are live.
	assert.False(t, b.allow("192.0.2.200"))
	// Known sources keep working.
	assert.True(t, b.allow("192.0.2.1"))
}
