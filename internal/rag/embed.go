// Package rag provides retrieval-augmented case storage: access-controlled
// knowledge collections backed by Qdrant, embedding providers, and the
// background indexer that drains the relational outbox into the vector store.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/genai"
)

// Provider generates embedding vectors for case questions and queries.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// GeminiProvider generates embeddings with the Gemini API.
type GeminiProvider struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGeminiProvider creates a provider backed by the Gemini embedding API.
func NewGeminiProvider(ctx context.Context, apiKey, model string, dimensions int) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("rag: gemini API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dimensions <= 0 {
		dimensions = 768
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("rag: create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model, dimensions: dimensions}, nil
}

// Embed generates a single embedding vector.
func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call.
func (p *GeminiProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := p.client.Models.EmbedContent(ctx, p.model, contents,
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"})
	if err != nil {
		return nil, fmt.Errorf("rag: gemini embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("rag: gemini returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vecs[i] = emb.Values
	}
	return vecs, nil
}

// Dimensions returns the configured vector size.
func (p *GeminiProvider) Dimensions() int {
	return p.dimensions
}

// OllamaProvider generates embeddings using a local Ollama server. This is
// the on-premises option: embeddings stay inside the customer's network.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOllamaProvider creates a provider that calls Ollama's embedding API.
// Dimensions must match the model's native output size (e.g. 1024 for
// mxbai-embed-large).
func NewOllamaProvider(baseURL, model string, dimensions int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
	}
}

// Dimensions returns the model's native vector size.
func (p *OllamaProvider) Dimensions() int {
	return p.dimensions
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates a single embedding vector from text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("rag: ollama marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("rag: ollama create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rag: ollama send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("rag: ollama status %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("rag: ollama decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("rag: ollama empty embedding returned")
	}
	return result.Embedding, nil
}

// ollamaMaxConcurrency bounds parallel requests to Ollama. Kept low to avoid
// overwhelming a single local GPU.
const ollamaMaxConcurrency = 4

// EmbedBatch generates embeddings for multiple texts. Ollama has no native
// batch API, so calls run concurrently under a bounded worker pool.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		vec, err := p.Embed(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}

	vecs := make([][]float32, len(texts))
	errs := make([]error, len(texts))
	sem := make(chan struct{}, ollamaMaxConcurrency)

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			vec, err := p.Embed(ctx, t)
			if err != nil {
				errs[idx] = fmt.Errorf("rag: batch item %d: %w", idx, err)
				return
			}
			vecs[idx] = vec
		}(i, text)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

// NoopProvider returns zero vectors. Used in tests and when no embedding
// backend is configured; similarity search degenerates to filter-only.
type NoopProvider struct {
	Dims int
}

func (p NoopProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, p.Dims), nil
}

func (p NoopProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = make([]float32, p.Dims)
	}
	return vecs, nil
}

func (p NoopProvider) Dimensions() int {
	return p.Dims
}
