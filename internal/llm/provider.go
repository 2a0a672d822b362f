// Package llm drives text generation across an ordered list of model providers
// with per-provider retry, cooldown and API key rotation.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Request is one completion request.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Provider is one model backend. AttemptCompletion makes exactly one attempt;
// retry policy belongs to the Chain.
type Provider interface {
	Name() string
	Model() string
	AttemptCompletion(ctx context.Context, req Request) (string, error)
}

// Known provider names.
const (
	ProviderGroq        = "groq"
	ProviderGemini      = "gemini"
	ProviderHuggingFace = "huggingface"
	ProviderOpenRouter  = "openrouter"
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderOllama      = "ollama"
	ProviderBedrock     = "bedrock"
	ProviderStub        = "stub"
)

// DefaultOrder is the fallback priority used when none is configured.
var DefaultOrder = []string{ProviderGroq, ProviderGemini, ProviderHuggingFace, ProviderOpenRouter}

// Default endpoints for OpenAI-compatible providers.
const (
	GroqBaseURL        = "https://api.groq.com/openai/v1"
	HuggingFaceBaseURL = "https://router.huggingface.co/v1"
	OpenRouterBaseURL  = "https://openrouter.ai/api/v1"
)

var defaultModels = map[string]string{
	ProviderGroq:        "llama-3.3-70b-versatile",
	ProviderGemini:      "gemini-2.5-flash",
	ProviderHuggingFace: "Qwen/Qwen3-32B",
	ProviderOpenRouter:  "arcee-ai/trinity-large-preview:free",
	ProviderOpenAI:      "gpt-4o-mini",
	ProviderAnthropic:   "claude-3-5-haiku-latest",
	ProviderOllama:      "llama3.1",
	ProviderBedrock:     "anthropic.claude-3-haiku-20240307-v1:0",
}

// DefaultModel returns the stock model for a provider name.
func DefaultModel(provider string) string {
	return defaultModels[provider]
}

// ProviderConfig describes one entry of the fallback chain.
type ProviderConfig struct {
	Name    string
	Model   string
	Keys    []string // rotated on rate limits; ignored by ollama and bedrock
	BaseURL string   // overrides the default endpoint where one applies
	Region  string   // bedrock only
	Host    string   // ollama only
}

// NewProvider builds the adapter for cfg. Providers with several keys get one
// client per key behind a rotating wrapper.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	if cfg.Model == "" {
		cfg.Model = DefaultModel(name)
	}

	switch name {
	case ProviderGroq, ProviderHuggingFace, ProviderOpenRouter, ProviderOpenAI:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = map[string]string{
				ProviderGroq:        GroqBaseURL,
				ProviderHuggingFace: HuggingFaceBaseURL,
				ProviderOpenRouter:  OpenRouterBaseURL,
			}[name]
		}
		return perKey(name, cfg.Keys, func(key string) (Provider, error) {
			return NewOpenAICompatible(name, baseURL, key, cfg.Model)
		})

	case ProviderAnthropic:
		return perKey(name, cfg.Keys, func(key string) (Provider, error) {
			return NewAnthropic(key, cfg.Model)
		})

	case ProviderGemini:
		return perKey(name, cfg.Keys, func(key string) (Provider, error) {
			return NewGemini(ctx, key, cfg.Model)
		})

	case ProviderOllama:
		return NewOllama(cfg.Host, cfg.Model)

	case ProviderBedrock:
		return NewBedrock(ctx, cfg.Region, cfg.Model)

	case ProviderStub:
		return NewStub(0), nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Name)
	}
}

func perKey(name string, keys []string, build func(key string) (Provider, error)) (Provider, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: at least one API key required", name)
	}
	if len(keys) == 1 {
		return build(keys[0])
	}
	members := make([]Provider, 0, len(keys))
	for i, key := range keys {
		p, err := build(key)
		if err != nil {
			return nil, fmt.Errorf("%s key %d: %w", name, i, err)
		}
		members = append(members, p)
	}
	return NewRotating(name, members), nil
}
