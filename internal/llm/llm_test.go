package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyClient fails a fixed number of times before succeeding.
type flakyClient struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (c *flakyClient) Name() string { return "flaky" }

func (c *flakyClient) Complete(_ context.Context, _ Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return Response{}, fmt.Errorf("transient failure %d", c.calls)
	}
	return Response{Text: "ok", Model: "flaky-1"}, nil
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetryClientEventualSuccess(t *testing.T) {
	inner := &flakyClient{failures: 2}
	c := WithRetry(inner, 3, time.Millisecond, quiet())

	resp, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryClientExhaustsRetries(t *testing.T) {
	inner := &flakyClient{failures: 10}
	c := WithRetry(inner, 2, time.Millisecond, quiet())

	_, err := c.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls) // first attempt + 2 retries
}

func TestRetryClientRespectsCancellation(t *testing.T) {
	inner := &flakyClient{failures: 10}
	c := WithRetry(inner, 5, 50*time.Millisecond, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, Request{Prompt: "hi"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegistrySwap(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Client()
	require.Error(t, err)
	assert.Empty(t, r.ProviderName())

	first := &flakyClient{}
	old := r.Swap(first)
	assert.Nil(t, old)

	got, err := r.Client()
	require.NoError(t, err)
	assert.Same(t, Client(first), got)
	assert.Equal(t, "flaky", r.ProviderName())

	second := NewOllamaClient("http://localhost:11434", "llama3")
	old = r.Swap(second)
	assert.Same(t, Client(first), old)
	assert.Equal(t, "ollama", r.ProviderName())
}

func TestOllamaClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)

		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.Equal(t, "answer briefly", req.System)
		assert.False(t, req.Stream)

		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model: req.Model, Response: "the answer", Done: true,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3")
	resp, err := c.Complete(context.Background(), Request{System: "answer briefly", Prompt: "question"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", resp.Text)
	assert.Equal(t, "llama3", resp.Model)
}

func TestOllamaClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "missing-model")
	_, err := c.Complete(context.Background(), Request{Prompt: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
