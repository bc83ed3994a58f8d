// Package limits provides per-device admission control for the gateway.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MessageRateLimiter enforces a token bucket per client identifier with
// capacity equal to the sustained rate. The refill clock is quantized to
// whole seconds: a bucket grants at most ratePerSecond acquisitions within
// one wall-clock second and replenishes only when the window rolls over,
// never fractionally mid-window.
//
// Buckets are created lazily on first acquisition and removed after staying
// idle for the TTL, so a churning fleet does not leak limiter state.
type MessageRateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	ratePerSecond int
	ttl           time.Duration
	now           func() time.Time

	logger      zerolog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// BucketSnapshot is the admin/testing view of one client's bucket.
type BucketSnapshot struct {
	ClientID string  `json:"clientId"`
	Tokens   float64 `json:"tokens"`
	Rate     int     `json:"ratePerSecond"`
}

// NewMessageRateLimiter builds a limiter allowing ratePerSecond frames per
// client. Idle buckets are dropped after five minutes.
func NewMessageRateLimiter(ratePerSecond int, logger zerolog.Logger) *MessageRateLimiter {
	l := &MessageRateLimiter{
		buckets:       make(map[string]*bucket),
		ratePerSecond: ratePerSecond,
		ttl:           5 * time.Minute,
		now:           time.Now,
		logger:        logger.With().Str("component", "rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// TryAcquire takes one token from the client's bucket. Non-blocking; false
// means the frame must be rejected with rate_limited.
//
// The acquisition time is truncated to the second, so the underlying
// limiter sees no elapsed time between two calls in the same window and a
// full second's refill exactly when the window boundary passes.
func (l *MessageRateLimiter) TryAcquire(clientID string) bool {
	return l.bucketFor(clientID).limiter.AllowN(l.now().Truncate(time.Second), 1)
}

// Reset discards the client's bucket so the next acquisition starts from a
// full one. Used on disconnect and by tests.
func (l *MessageRateLimiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, clientID)
}

// Snapshot returns the current bucket states for the admin surface.
func (l *MessageRateLimiter) Snapshot() []BucketSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	window := l.now().Truncate(time.Second)
	out := make([]BucketSnapshot, 0, len(l.buckets))
	for id, b := range l.buckets {
		out = append(out, BucketSnapshot{
			ClientID: id,
			Tokens:   b.limiter.TokensAt(window),
			Rate:     l.ratePerSecond,
		})
	}
	return out
}

func (l *MessageRateLimiter) bucketFor(clientID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[clientID]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		b.lastAccess = l.now()
		l.mu.Unlock()
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[clientID]; ok {
		b.lastAccess = l.now()
		return b
	}
	b = &bucket{
		limiter:    rate.NewLimiter(rate.Limit(l.ratePerSecond), l.ratePerSecond),
		lastAccess: l.now(),
	}
	l.buckets[clientID] = b
	return b
}

func (l *MessageRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *MessageRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, b := range l.buckets {
		if now.Sub(b.lastAccess) > l.ttl {
			delete(l.buckets, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.buckets)).
			Msg("Cleaned up idle rate limiter buckets")
	}
}

// Stop terminates the cleanup goroutine.
func (l *MessageRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
