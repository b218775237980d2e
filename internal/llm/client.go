// Package llm provides the completion clients used by extensions and the
// MCP classification path, plus the registry that lets admins swap the live
// provider at runtime.
package llm

import "context"

// Request is a single completion request.
type Request struct {
	System      string  // system instruction; optional
	Prompt      string  // user content
	Model       string  // override the client's default model; optional
	Temperature float32 // 0 means provider default
	MaxTokens   int     // 0 means provider default
}

// Response is a completion result.
type Response struct {
	Text  string
	Model string
}

// Client produces completions. Implementations are safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Name() string
}
