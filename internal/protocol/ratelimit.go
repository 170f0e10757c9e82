package protocol

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

const (
	// maxTrackedPeers bounds limiter state; the least recently active peer
	// is evicted first.
	maxTrackedPeers = 4096
	// limiterIdleTTL is how long an idle peer keeps its limiter.
	limiterIdleTTL = 10 * time.Minute
)

// RateLimitConfig contains per-peer inbound rate limits.
type RateLimitConfig struct {
	// MaxMessagesPerSecond is the sustained rate limit per peer.
	MaxMessagesPerSecond float64
	// MaxMessagesPerMinute is an additional per-minute limit per peer.
	MaxMessagesPerMinute int
	// Burst is the maximum burst size allowed.
	Burst int
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxMessagesPerSecond: 50,
		MaxMessagesPerMinute: 1200,
		Burst:                100,
	}
}

// Enabled reports whether any limit is set.
func (c RateLimitConfig) Enabled() bool {
	return c.MaxMessagesPerSecond > 0 || c.MaxMessagesPerMinute > 0
}

// peerLimiter holds rate limiters for a single peer.
type peerLimiter struct {
	// Token bucket limiter for per-second rate limiting
	limiter *rate.Limiter
	// Fixed window counter for per-minute rate limiting
	minuteCount  int
	minuteWindow time.Time
}

// PeerRateLimiter tracks inbound message rates per author.
type PeerRateLimiter struct {
	config   RateLimitConfig
	limiters *expirable.LRU[peer.ID, *peerLimiter]
	now      func() time.Time
	mu       sync.Mutex
}

// NewPeerRateLimiter creates a limiter. Unset limits are treated as unlimited.
func NewPeerRateLimiter(config RateLimitConfig) *PeerRateLimiter {
	if config.Burst <= 0 {
		config.Burst = int(config.MaxMessagesPerSecond)
		if config.Burst < 1 {
			config.Burst = 1
		}
	}
	return &PeerRateLimiter{
		config:   config,
		limiters: expirable.NewLRU[peer.ID, *peerLimiter](maxTrackedPeers, nil, limiterIdleTTL),
		now:      time.Now,
	}
}

// Allow reports whether a message from peerID may be processed.
func (prl *PeerRateLimiter) Allow(peerID peer.ID) bool {
	prl.mu.Lock()
	defer prl.mu.Unlock()

	now := prl.now()
	pl, ok := prl.limiters.Get(peerID)
	if !ok {
		limit := rate.Inf
		if prl.config.MaxMessagesPerSecond > 0 {
			limit = rate.Limit(prl.config.MaxMessagesPerSecond)
		}
		pl = &peerLimiter{
			limiter:      rate.NewLimiter(limit, prl.config.Burst),
			minuteWindow: now.Truncate(time.Minute),
		}
	}
	// Re-adding refreshes the idle TTL.
	prl.limiters.Add(peerID, pl)

	if !pl.limiter.AllowN(now, 1) {
		log.Debugf("Rate limit exceeded (per-second) for peer %s", peerID.ShortString())
		return false
	}

	if prl.config.MaxMessagesPerMinute <= 0 {
		return true
	}

	currentMinute := now.Truncate(time.Minute)
	if currentMinute.After(pl.minuteWindow) {
		pl.minuteCount = 0
		pl.minuteWindow = currentMinute
	}

	pl.minuteCount++
	if pl.minuteCount > prl.config.MaxMessagesPerMinute {
		log.Debugf("Rate limit exceeded (per-minute) for peer %s: %d/%d", peerID.ShortString(), pl.minuteCount, prl.config.MaxMessagesPerMinute)
		return false
	}

	return true
}

// Reset clears rate limiting state for a specific peer.
func (prl *PeerRateLimiter) Reset(peerID peer.ID) {
	prl.limiters.Remove(peerID)
}

// PeerCount returns the number of peers currently being tracked.
func (prl *PeerRateLimiter) PeerCount() int {
	return prl.limiters.Len()
}
