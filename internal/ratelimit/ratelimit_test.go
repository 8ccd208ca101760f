package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenDenied(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	// The full burst passes immediately.
	for i := 0; i < 5; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Errorf("request %d should pass within the burst", i)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("request beyond the burst should be denied")
	}

	// One token refills per second at 60/min.
	time.Sleep(time.Second)
	if !limiter.Allow("10.0.0.1") {
		t.Error("request after refill should pass")
	}
}

func TestCallersThrottledIndependently(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("10.0.0.1")
	}

	if limiter.Allow("10.0.0.1") {
		t.Error("exhausted caller should be throttled")
	}
	if !limiter.Allow("auth:bearer-abc") {
		t.Error("other caller should keep its own bucket")
	}
}

func TestRefillRate(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 600, // ten per second
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	if !limiter.Allow("caller") {
		t.Error("first request should pass")
	}
	if limiter.Allow("caller") {
		t.Error("bucket is empty, second request should be denied")
	}

	time.Sleep(110 * time.Millisecond)
	if !limiter.Allow("caller") {
		t.Error("a tenth of a second refills one token at 600/min")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want 10", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.CleanupInterval)
	}
}
