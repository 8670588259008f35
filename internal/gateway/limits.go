package gateway

import (
	"sync"
	"time"
)

// Per-connection input limits.
const (
	// MaxInputSize caps one input frame's payload.
	MaxInputSize = 64 * 1024
	// MaxFrameSize is the websocket read limit.
	MaxFrameSize = 1024 * 1024

	MaxCols = 500
	MaxRows = 200

	// MessageRate is the sustained number of frames per second per socket.
	MessageRate  = 100
	MessageBurst = 200
)

// RateLimiter is a token bucket.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter allows rate tokens per second with the given burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes a token, reporting false when none is left.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.refillRate
	rl.lastRefill = now
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// ClampSize bounds a requested geometry to [1, MaxCols] x [1, MaxRows].
// ok is false for non-positive input.
func ClampSize(cols, rows int) (int, int, bool) {
	if cols <= 0 || rows <= 0 {
		return 0, 0, false
	}
	return min(cols, MaxCols), min(rows, MaxRows), true
}
