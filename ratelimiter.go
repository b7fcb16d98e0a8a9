package sqlguard

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IngestRateLimiter applies a token bucket per client key.
type IngestRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ingestBucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

type ingestBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIngestRateLimiter allows rps sustained requests per key with the given
// burst. A non-positive rps disables limiting.
func NewIngestRateLimiter(rps float64, burst int) *IngestRateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &IngestRateLimiter{
		buckets: make(map[string]*ingestBucket),
		limit:   limit,
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

// Allow consumes one token for key. When rejected it returns how long the
// caller should wait before retrying.
func (rl *IngestRateLimiter) Allow(key string) (allowed bool, remaining int, retryAfter time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = &ingestBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = bucket
	}
	bucket.lastSeen = now
	rl.mu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0, time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, 0, delay
	}
	return true, int(bucket.limiter.TokensAt(now)), 0
}

// Burst reports the configured burst size.
func (rl *IngestRateLimiter) Burst() int {
	return rl.burst
}

// Cleanup drops buckets idle for longer than the idle timeout.
func (rl *IngestRateLimiter) Cleanup() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.lastSeen) > rl.idle {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// HealthCheck reports whether the limiter is usable.
func (rl *IngestRateLimiter) HealthCheck() error {
	if rl == nil {
		return errors.New("ingest rate limiter is nil")
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.buckets == nil || rl.now == nil {
		return errors.New("ingest rate limiter not initialized, use NewIngestRateLimiter")
	}
	return nil
}
