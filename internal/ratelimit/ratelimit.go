// Package ratelimit throttles the two hot paths of the Uderia API:
// credential endpoints (per client IP, against password and API-key
// guessing) and collection queries (per user, so one caller's agent loop
// cannot starve embedding and Qdrant capacity for everyone else).
//
// The in-process MemoryLimiter fits the single-node deployment this server
// targets. Multi-node installs substitute a shared backend behind the
// Limiter interface.
package ratelimit

import "context"

// Limit is a token bucket shape: sustained requests per second plus the
// burst an idle caller may spend at once.
type Limit struct {
	RPS   float64
	Burst int
}

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. Keys are
	// "<rule>:<caller>", e.g. "auth:10.0.0.7" or "query:<user uuid>";
	// the rule prefix selects which Limit applies.
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
