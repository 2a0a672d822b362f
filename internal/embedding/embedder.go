// Package embedding provides text embedding generation with multiple backend support.
package embedding

import (
	"context"
	"fmt"
)

// Embedder defines the interface for text embedding providers.
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	// More efficient than multiple Embed calls for bulk operations.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the embedding vector dimension, or 0 if the
	// provider decides it.
	Dimension() int
}

// ProviderType identifies the embedding provider.
type ProviderType string

const (
	// ProviderOllama uses a local Ollama server through langchaingo.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses the OpenAI embeddings API (or a compatible server).
	ProviderOpenAI ProviderType = "openai"

	// ProviderGemini uses Google's Gemini embedding models.
	ProviderGemini ProviderType = "gemini"

	// ProviderHash uses deterministic feature hashing. No network.
	ProviderHash ProviderType = "hash"
)

// Config holds configuration for creating an Embedder.
type Config struct {
	Provider ProviderType

	// Model is the embedding model name (provider-specific).
	// Ollama: "all-minilm:l6-v2" (384-dim), "nomic-embed-text" (768-dim)
	// Gemini: "gemini-embedding-001" (768-dim)
	Model string

	// ExpectedDimension is the required output dimension.
	// Set to 0 to accept whatever the provider returns.
	ExpectedDimension int

	OllamaHost string

	OpenAIAPIKey  string
	OpenAIBaseURL string

	GeminiAPIKey string
}

// New creates an Embedder based on the provided configuration.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case ProviderOllama, "":
		return NewOllama(cfg.OllamaHost, cfg.Model, cfg.ExpectedDimension)

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires API key")
		}
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model, cfg.ExpectedDimension)

	case ProviderGemini:
		return NewGemini(ctx, cfg.GeminiAPIKey, cfg.Model, cfg.ExpectedDimension)

	case ProviderHash:
		return NewHash(cfg.ExpectedDimension), nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

func checkDimension(v []float32, want int) error {
	if want > 0 && len(v) != want {
		return fmt.Errorf("dimension mismatch: got %d, want %d", len(v), want)
	}
	return nil
}
