package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultGeminiModel produces 768-dimensional vectors.
const DefaultGeminiModel = "gemini-embedding-001"

// GeminiEmbedder generates embeddings using Google's Gemini API.
type GeminiEmbedder struct {
	client    *genai.Client
	model     string
	dimension int
}

var _ Embedder = (*GeminiEmbedder)(nil)

// NewGemini creates a Gemini embedder. Similarity tasks get the
// SEMANTIC_SIMILARITY task type.
func NewGemini(ctx context.Context, apiKey, model string, dimension int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini embedding provider requires API key")
	}
	if model == "" {
		model = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: model, dimension: dimension}, nil
}

// Embed generates an embedding for a single text.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	cfg := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	if e.dimension > 0 {
		dim := int32(e.dimension)
		cfg.OutputDimensionality = &dim
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if err := checkDimension(emb.Values, e.dimension); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
		out[i] = emb.Values
	}
	return out, nil
}

// Model returns the embedding model name.
func (e *GeminiEmbedder) Model() string {
	return e.model
}

// Dimension returns the requested output dimension.
func (e *GeminiEmbedder) Dimension() int {
	return e.dimension
}
