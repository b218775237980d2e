package uderia

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Gemini/Ollama/noop provider. The method set deliberately matches the
// internal provider interface so external implementations plug in without
// an adapter.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}
