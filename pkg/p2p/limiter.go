package p2p

import (
	"sync"
	"time"

	"github.com/kevinms/leakybucket-go"
)

// RateLimiter charges bytes served against a per-peer leaky bucket:
// capacity limitBytes, draining over the configured period. An
// exhausted bucket rejects the whole request rather than queueing it.
type RateLimiter struct {
	mu        sync.Mutex
	collector *leakybucket.Collector
	limit     int64
}

// NewRateLimiter with limitBytes = 0 disables limiting.
func NewRateLimiter(limitBytes int64, period time.Duration) *RateLimiter {
	if limitBytes <= 0 || period <= 0 {
		return &RateLimiter{}
	}
	rate := float64(limitBytes) / period.Seconds()
	return &RateLimiter{
		collector: leakybucket.NewCollector(rate, limitBytes, true),
		limit:     limitBytes,
	}
}

// Allow tries to charge n bytes to a key. A request larger than the
// whole budget can never succeed and is rejected outright.
func (r *RateLimiter) Allow(key string, n int64) bool {
	if r.collector == nil {
		return true
	}
	if n > r.limit {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collector.Add(key, n) == n
}
