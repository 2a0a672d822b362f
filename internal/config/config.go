// Package config loads run settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/intentmix/internal/db"
	"github.com/raphaelgruber/intentmix/internal/embedding"
	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/llm"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string
	SurrealDBTimeout   time.Duration

	// Embedding
	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingDimension int
	EmbeddingTimeout   time.Duration
	OllamaHost         string
	OpenAIBaseURL      string

	// Model call chain, highest priority first
	Providers      []string
	ProviderKeys   map[string][]string
	ProviderModels map[string]string
	BedrockRegion  string
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Cooldown       time.Duration
	CallTimeout    time.Duration
	Temperature    float64
	MaxTokens      int

	// Weight evolution
	Strategy        string
	WeightFloor     float64
	WeightCeiling   float64
	Damping         float64
	Boost           float64
	WalkRange       float64
	CoverageBoost   float64
	MinMix          int
	MaxMix          int
	EvolveEvery     int
	ExcludedIntents []string

	// Generation
	Difficulty         string
	DuplicateThreshold float64
	ReferenceK         int
	MinReferenceScore  float64
	MinQuestionLength  int
	Concurrency        int
	RequestSize        int

	// Files
	IntentsPath      string
	QuestionsPath    string
	EmbeddingsPath   string
	AgentPromptPath  string
	Sinks            []string
	OutputCSV        string
	SQLitePath       string
	MetricsPath      string
	EvolutionLogPath string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables. Variables from the
// .env file named by INTENTMIX_ENV_FILE (default ./.env) fill in whatever the
// process environment leaves unset.
func Load() (Config, error) {
	if err := ApplyDotEnv(getEnv("INTENTMIX_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "intentmix"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "questions"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),
		SurrealDBTimeout:   getEnvDuration("SURREALDB_CONNECT_TIMEOUT", 15*time.Second),

		EmbeddingProvider:  getEnv("INTENTMIX_EMBEDDING_PROVIDER", string(embedding.ProviderOllama)),
		EmbeddingModel:     getEnv("INTENTMIX_EMBEDDING_MODEL", "all-minilm:l6-v2"),
		EmbeddingDimension: getEnvInt("INTENTMIX_EMBEDDING_DIMENSION", 0),
		EmbeddingTimeout:   getEnvDuration("INTENTMIX_EMBEDDING_TIMEOUT", 30*time.Second),
		OllamaHost:         getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),

		Providers:     getEnvList("INTENTMIX_PROVIDERS", llm.DefaultOrder),
		BedrockRegion: getEnv("AWS_REGION", "us-east-1"),
		MaxAttempts:   getEnvInt("INTENTMIX_MAX_ATTEMPTS", 3),
		BaseBackoff:   getEnvDuration("INTENTMIX_BASE_BACKOFF", time.Second),
		MaxBackoff:    getEnvDuration("INTENTMIX_MAX_BACKOFF", 30*time.Second),
		Cooldown:      getEnvDuration("INTENTMIX_PROVIDER_COOLDOWN", 120*time.Second),
		CallTimeout:   getEnvDuration("INTENTMIX_CALL_TIMEOUT", 90*time.Second),
		Temperature:   getEnvFloat("INTENTMIX_TEMPERATURE", 0.5),
		MaxTokens:     getEnvInt("INTENTMIX_MAX_TOKENS", 2048),

		Strategy:        getEnv("INTENTMIX_STRATEGY", string(intent.StrategyAdaptive)),
		WeightFloor:     getEnvFloat("INTENTMIX_WEIGHT_FLOOR", 0.005),
		WeightCeiling:   getEnvFloat("INTENTMIX_WEIGHT_CEILING", 0.30),
		Damping:         getEnvFloat("INTENTMIX_DAMPING", 0.95),
		Boost:           getEnvFloat("INTENTMIX_BOOST", 1.1),
		WalkRange:       getEnvFloat("INTENTMIX_WALK_RANGE", 0.2),
		CoverageBoost:   getEnvFloat("INTENTMIX_COVERAGE_BOOST", 2.0),
		MinMix:          getEnvInt("INTENTMIX_MIN_MIX", 2),
		MaxMix:          getEnvInt("INTENTMIX_MAX_MIX", 3),
		EvolveEvery:     getEnvInt("INTENTMIX_EVOLVE_EVERY", 0),
		ExcludedIntents: getEnvList("INTENTMIX_EXCLUDED_INTENTS", []string{"18", "25"}),

		Difficulty:         getEnv("INTENTMIX_DIFFICULTY", "hard"),
		DuplicateThreshold: getEnvFloat("INTENTMIX_DUPLICATE_THRESHOLD", 0.85),
		ReferenceK:         getEnvInt("INTENTMIX_REFERENCE_K", 8),
		MinReferenceScore:  getEnvFloat("INTENTMIX_MIN_REFERENCE_SCORE", 0.70),
		MinQuestionLength:  getEnvInt("INTENTMIX_MIN_QUESTION_LENGTH", 10),
		Concurrency:        getEnvInt("INTENTMIX_CONCURRENCY", 4),
		RequestSize:        getEnvInt("INTENTMIX_REQUEST_SIZE", 0),

		IntentsPath:      getEnv("INTENTMIX_INTENTS_PATH", "intents.yaml"),
		QuestionsPath:    getEnv("INTENTMIX_QUESTIONS_PATH", "questions.csv"),
		EmbeddingsPath:   getEnv("INTENTMIX_EMBEDDINGS_PATH", "embeddings.csv"),
		AgentPromptPath:  getEnv("INTENTMIX_AGENT_PROMPT_PATH", ""),
		Sinks:            getEnvList("INTENTMIX_SINKS", []string{"csv"}),
		OutputCSV:        getEnv("INTENTMIX_OUTPUT_CSV", "generated_questions.csv"),
		SQLitePath:       getEnv("INTENTMIX_SQLITE_PATH", "generated_questions.db"),
		MetricsPath:      getEnv("INTENTMIX_METRICS_PATH", "generation_metrics.json"),
		EvolutionLogPath: getEnv("INTENTMIX_EVOLUTION_LOG_PATH", "intent_evolution_log.json"),

		LogFile:  getEnv("INTENTMIX_LOG_FILE", "generation.log"),
		LogLevel: parseLogLevel(getEnv("INTENTMIX_LOG_LEVEL", "INFO")),
	}

	cfg.ProviderKeys = map[string][]string{
		llm.ProviderGroq:        apiKeys("GROQ_API_KEYS", "GROQ_API_KEY"),
		llm.ProviderGemini:      apiKeys("GEMINI_API_KEYS", "GEMINI_API_KEY"),
		llm.ProviderHuggingFace: apiKeys("HF_TOKENS", "HF_TOKEN"),
		llm.ProviderOpenRouter:  apiKeys("OPENROUTER_API_KEYS", "OPENROUTER_API_KEY"),
		llm.ProviderOpenAI:      apiKeys("OPENAI_API_KEYS", "OPENAI_API_KEY"),
		llm.ProviderAnthropic:   apiKeys("ANTHROPIC_API_KEYS", "ANTHROPIC_API_KEY"),
	}
	cfg.ProviderModels = make(map[string]string)
	for _, name := range []string{
		llm.ProviderGroq, llm.ProviderGemini, llm.ProviderHuggingFace, llm.ProviderOpenRouter,
		llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderOllama, llm.ProviderBedrock,
	} {
		cfg.ProviderModels[name] = getEnv("INTENTMIX_"+strings.ToUpper(name)+"_MODEL", llm.DefaultModel(name))
	}

	return cfg, nil
}

// Validate checks ranges. All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		errs = append(errs, fmt.Errorf("duplicate threshold must be in (0,1], got %v", c.DuplicateThreshold))
	}
	if c.MinReferenceScore < 0 || c.MinReferenceScore > 1 {
		errs = append(errs, fmt.Errorf("minimum reference score must be in [0,1], got %v", c.MinReferenceScore))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts))
	}
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider is required"))
	}
	if c.IntentsPath == "" {
		errs = append(errs, errors.New("intents path is required"))
	}
	if _, err := c.TrackerParams(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrackerParams returns the weight evolution settings.
func (c Config) TrackerParams() (intent.Params, error) {
	strategy, err := intent.ParseStrategy(c.Strategy)
	if err != nil {
		return intent.Params{}, err
	}
	p := intent.Params{
		Strategy:      strategy,
		Floor:         c.WeightFloor,
		Ceiling:       c.WeightCeiling,
		Damping:       c.Damping,
		Boost:         c.Boost,
		WalkRange:     c.WalkRange,
		CoverageBoost: c.CoverageBoost,
		MinMix:        c.MinMix,
		MaxMix:        c.MaxMix,
		EvolveEvery:   c.EvolveEvery,
	}
	if err := p.Validate(); err != nil {
		return intent.Params{}, err
	}
	return p, nil
}

// ChainConfig returns the retry policy of the model call chain.
func (c Config) ChainConfig() llm.ChainConfig {
	return llm.ChainConfig{
		MaxAttempts: c.MaxAttempts,
		BaseBackoff: c.BaseBackoff,
		MaxBackoff:  c.MaxBackoff,
		Cooldown:    c.Cooldown,
		CallTimeout: c.CallTimeout,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
}

// ProviderConfigs returns one entry per configured provider, in order.
func (c Config) ProviderConfigs() []llm.ProviderConfig {
	out := make([]llm.ProviderConfig, 0, len(c.Providers))
	for _, name := range c.Providers {
		name = strings.ToLower(name)
		pc := llm.ProviderConfig{
			Name:  name,
			Model: c.ProviderModels[name],
			Keys:  c.ProviderKeys[name],
		}
		switch name {
		case llm.ProviderOllama:
			pc.Host = c.OllamaHost
		case llm.ProviderBedrock:
			pc.Region = c.BedrockRegion
		case llm.ProviderOpenAI:
			pc.BaseURL = c.OpenAIBaseURL
		}
		out = append(out, pc)
	}
	return out
}

// EmbeddingConfig returns the embedder settings.
func (c Config) EmbeddingConfig() embedding.Config {
	cfg := embedding.Config{
		Provider:          embedding.ProviderType(c.EmbeddingProvider),
		Model:             c.EmbeddingModel,
		ExpectedDimension: c.EmbeddingDimension,
		OllamaHost:        c.OllamaHost,
		OpenAIBaseURL:     c.OpenAIBaseURL,
	}
	if keys := c.ProviderKeys[llm.ProviderOpenAI]; len(keys) > 0 {
		cfg.OpenAIAPIKey = keys[0]
	}
	if keys := c.ProviderKeys[llm.ProviderGemini]; len(keys) > 0 {
		cfg.GeminiAPIKey = keys[0]
	}
	return cfg
}

// DBConfig returns the SurrealDB connection settings.
func (c Config) DBConfig() db.Config {
	return db.Config{
		URL:       c.SurrealDBURL,
		Namespace: c.SurrealDBNamespace,
		Database:  c.SurrealDBDatabase,
		Username:  c.SurrealDBUser,
		Password:  c.SurrealDBPass,
		AuthLevel: c.SurrealDBAuthLevel,

		ConnectTimeout: c.SurrealDBTimeout,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		slog.Warn("ignoring invalid number setting", "key", key, "value", val)
		return defaultVal
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") and bare seconds ("90").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	slog.Warn("ignoring invalid duration setting", "key", key, "value", val)
	return defaultVal
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return splitList(val)
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// apiKeys reads a comma separated key list, falling back to a single key.
func apiKeys(listKey, singleKey string) []string {
	if keys := getEnvList(listKey, nil); len(keys) > 0 {
		return keys
	}
	if key := getEnv(singleKey, ""); key != "" {
		return []string{key}
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
