package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory token bucket per key.
//
// Each key gets an independent bucket. The bucket's shape comes from the
// key's rule prefix: SetRule pins a Limit to a prefix (the auth endpoints
// run much tighter than query throughput), and keys without a pinned rule
// fall back to the default Limit. A background goroutine evicts buckets
// idle past 10 minutes so per-IP auth keys cannot grow without bound.
type MemoryLimiter struct {
	def   Limit
	rules map[string]Limit // by rule prefix, fixed after SetRule calls

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter with def as the fallback
// Limit for keys whose rule prefix has no pinned rule. Call Close to stop
// the eviction goroutine.
func NewMemoryLimiter(def Limit) *MemoryLimiter {
	m := &MemoryLimiter{
		def:     def,
		rules:   make(map[string]Limit),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// SetRule pins a Limit to a rule prefix ("auth", "query"). Call during
// wiring, before the limiter serves traffic.
func (m *MemoryLimiter) SetRule(prefix string, l Limit) {
	m.rules[prefix] = l
}

// limitFor resolves the Limit for a key from its rule prefix.
func (m *MemoryLimiter) limitFor(key string) Limit {
	if prefix, _, ok := strings.Cut(key, ":"); ok {
		if l, found := m.rules[prefix]; found {
			return l
		}
	}
	return m.def
}

// Allow consumes one token from the bucket for key. Returns true if a token
// was available (request should proceed), false otherwise (rate limited).
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	limit := m.limitFor(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// First request for this key: start with a full bucket minus one token.
		m.buckets[key] = &bucket{
			tokens:     float64(limit.Burst) - 1,
			lastAccess: now,
		}
		return true, nil
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens += elapsed * limit.RPS
	if b.tokens > float64(limit.Burst) {
		b.tokens = float64(limit.Burst)
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
