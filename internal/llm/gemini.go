package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient completes with the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llm: create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Name identifies the provider.
func (c *GeminiClient) Name() string {
	return "gemini"
}

// Complete runs one completion.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens) //nolint:gosec // bounded by config
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	result, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return Response{}, fmt.Errorf("llm: gemini generate: %w", err)
	}

	text := result.Text()
	if text == "" {
		return Response{}, fmt.Errorf("llm: gemini returned no text")
	}
	return Response{Text: text, Model: model}, nil
}
