package protocol

import (
	"testing"
	"time"
)

func TestPeerRateLimiterBurst(t *testing.T) {
	prl := NewPeerRateLimiter(RateLimitConfig{
		MaxMessagesPerSecond: 1,
		MaxMessagesPerMinute: 1000,
		Burst:                5,
	})
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	prl.now = func() time.Time { return fixed }

	p := newPeerID(t)
	for i := 0; i < 5; i++ {
		if !prl.Allow(p) {
			t.Fatalf("message %d should be allowed within burst", i)
		}
	}
	if prl.Allow(p) {
		t.Error("message beyond burst should be rate limited")
	}

	// Other peers have their own bucket
	if !prl.Allow(newPeerID(t)) {
		t.Error("a different peer should not be limited")
	}
	if prl.PeerCount() != 2 {
		t.Errorf("expected 2 tracked peers, got %d", prl.PeerCount())
	}
}

func TestPeerRateLimiterPerMinute(t *testing.T) {
	prl := NewPeerRateLimiter(RateLimitConfig{
		MaxMessagesPerMinute: 3,
	})
	now := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	prl.now = func() time.Time { return now }

	p := newPeerID(t)
	for i := 0; i < 3; i++ {
		if !prl.Allow(p) {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if prl.Allow(p) {
		t.Error("fourth message in the same minute should be limited")
	}

	now = now.Add(time.Minute)
	if !prl.Allow(p) {
		t.Error("counter should reset in a new minute window")
	}
}

func TestPeerRateLimiterReset(t *testing.T) {
	prl := NewPeerRateLimiter(RateLimitConfig{MaxMessagesPerSecond: 1, Burst: 1})
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	prl.now = func() time.Time { return fixed }

	p := newPeerID(t)
	prl.Allow(p)
	if prl.Allow(p) {
		t.Fatal("second message should be limited")
	}

	prl.Reset(p)
	if !prl.Allow(p) {
		t.Error("reset peer should be allowed again")
	}
}

func TestRateLimitConfigEnabled(t *testing.T) {
	if (RateLimitConfig{}).Enabled() {
		t.Error("zero config should be disabled")
	}
	if !DefaultRateLimitConfig().Enabled() {
		t.Error("default config should be enabled")
	}
}
