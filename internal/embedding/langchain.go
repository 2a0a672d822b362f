package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	// DefaultOllamaModel is the embedding model that produces 384-dimensional vectors.
	DefaultOllamaModel = "all-minilm:l6-v2"

	// DefaultOllamaDimension is the dimension for all-minilm:l6-v2.
	DefaultOllamaDimension = 384

	// DefaultOpenAIModel is OpenAI's small embedding model (1536-dim).
	DefaultOpenAIModel = "text-embedding-3-small"
)

// LangchainEmbedder wraps a langchaingo embedder with dimension validation.
type LangchainEmbedder struct {
	model     embeddings.Embedder
	dimension int
	modelName string
}

// Compile-time check that LangchainEmbedder implements Embedder.
var _ Embedder = (*LangchainEmbedder)(nil)

// NewOllama creates an embedder backed by an Ollama server.
// If model is empty, uses DefaultOllamaModel. A zero dimension is filled in
// for DefaultOllamaModel and left to the server for other models.
func NewOllama(host, model string, dimension int) (*LangchainEmbedder, error) {
	if model == "" {
		model = DefaultOllamaModel
	}
	if dimension == 0 && model == DefaultOllamaModel {
		dimension = DefaultOllamaDimension
	}

	opts := []ollama.Option{ollama.WithModel(model)}
	if host != "" {
		opts = append(opts, ollama.WithServerURL(host))
	}
	client, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}

	return &LangchainEmbedder{model: emb, dimension: dimension, modelName: model}, nil
}

// NewOpenAI creates an embedder backed by the OpenAI API. baseURL may point at
// any OpenAI-compatible server.
func NewOpenAI(apiKey, baseURL, model string, dimension int) (*LangchainEmbedder, error) {
	if model == "" {
		model = DefaultOpenAIModel
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create openai embedder: %w", err)
	}

	return &LangchainEmbedder{model: emb, dimension: dimension, modelName: model}, nil
}

// Embed generates an embedding vector for text.
func (e *LangchainEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	textLen := len(text)
	slog.Debug("embedding text", "model", e.modelName, "text_len", textLen)

	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, []string{text})
	duration := time.Since(start)

	if err != nil {
		slog.Warn("embedding failed", "model", e.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	if err := checkDimension(vectors[0], e.dimension); err != nil {
		return nil, err
	}

	slog.Debug("embedding complete", "model", e.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds())
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LangchainEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors, err := e.model.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if err := checkDimension(v, e.dimension); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	return vectors, nil
}

// Model returns the embedding model name.
func (e *LangchainEmbedder) Model() string {
	return e.modelName
}

// Dimension returns the expected embedding dimension.
func (e *LangchainEmbedder) Dimension() int {
	return e.dimension
}
