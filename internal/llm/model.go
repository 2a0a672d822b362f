package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Model wraps a langchaingo LLM as a chain provider.
type Model struct {
	name      string
	llm       llms.Model
	modelName string
}

var _ Provider = (*Model)(nil)

// NewOpenAICompatible creates a provider for any OpenAI-compatible endpoint
// (Groq, OpenRouter, the Hugging Face router, OpenAI itself).
func NewOpenAICompatible(name, baseURL, apiKey, model string) (*Model, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key required", name)
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", name, err)
	}
	return &Model{name: name, llm: m, modelName: model}, nil
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(apiKey, model string) (*Model, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Anthropic API key required")
	}
	m, err := anthropic.New(
		anthropic.WithToken(apiKey),
		anthropic.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return &Model{name: ProviderAnthropic, llm: m, modelName: model}, nil
}

// NewOllama creates a provider for a local Ollama server.
func NewOllama(host, model string) (*Model, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if host != "" {
		opts = append(opts, ollama.WithServerURL(host))
	}
	m, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return &Model{name: ProviderOllama, llm: m, modelName: model}, nil
}

func (m *Model) Name() string  { return m.name }
func (m *Model) Model() string { return m.modelName }

// AttemptCompletion generates text with a system prompt.
func (m *Model) AttemptCompletion(ctx context.Context, req Request) (string, error) {
	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	var opts []llms.CallOption
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	response, err := m.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", m.name, err)
	}
	if len(response.Choices) == 0 {
		return "", Retryable(fmt.Errorf("%s: no response choices", m.name))
	}
	return response.Choices[0].Content, nil
}
