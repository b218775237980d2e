package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryClient wraps a Client with jittered exponential backoff. Context
// cancellation and deadline errors are not retried; everything else is
// treated as transient, since provider SDKs wrap rate limits and transport
// failures inconsistently.
type RetryClient struct {
	inner      Client
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// WithRetry wraps a client. maxRetries counts retries after the first
// attempt; baseDelay is the first backoff step.
func WithRetry(inner Client, maxRetries int, baseDelay time.Duration, logger *slog.Logger) *RetryClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &RetryClient{inner: inner, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// Name identifies the wrapped provider.
func (c *RetryClient) Name() string {
	return c.inner.Name()
}

// Complete runs a completion with retries.
func (c *RetryClient) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			delay += time.Duration(rand.Int64N(int64(delay)))
			c.logger.Warn("llm: retrying completion",
				"provider", c.inner.Name(), "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}

		resp, err := c.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}
