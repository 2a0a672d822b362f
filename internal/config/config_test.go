package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/intentmix/internal/intent"
	"github.com/raphaelgruber/intentmix/internal/llm"
)

func writeDotEnv(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDotEnv(t *testing.T) {
	path := writeDotEnv(t, "# comment\n\nA=1\nexport B = two \nC=\"quoted value\"\nD='x'\nnot a pair\n=orphan\n")

	m, err := LoadDotEnv(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two", "C": "quoted value", "D": "x"}, m)
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	m, err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env"))
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestApplyDotEnvKeepsProcessEnv(t *testing.T) {
	path := writeDotEnv(t, "INTENTMIX_TEST_FROM_FILE=file\nINTENTMIX_TEST_OVERRIDE=file\n")
	t.Setenv("INTENTMIX_TEST_OVERRIDE", "env")
	t.Cleanup(func() { os.Unsetenv("INTENTMIX_TEST_FROM_FILE") })

	require.NoError(t, ApplyDotEnv(path))
	assert.Equal(t, "file", os.Getenv("INTENTMIX_TEST_FROM_FILE"))
	assert.Equal(t, "env", os.Getenv("INTENTMIX_TEST_OVERRIDE"))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INTENTMIX_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("GROQ_API_KEYS", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, llm.DefaultOrder, cfg.Providers)
	assert.Equal(t, []string{"18", "25"}, cfg.ExcludedIntents)
	assert.Equal(t, 0.85, cfg.DuplicateThreshold)
	assert.Equal(t, 0.70, cfg.MinReferenceScore)
	assert.Equal(t, 120*time.Second, cfg.Cooldown)
	assert.Equal(t, "llama-3.3-70b-versatile", cfg.ProviderModels[llm.ProviderGroq])
	assert.Empty(t, cfg.ProviderKeys[llm.ProviderGroq])

	params, err := cfg.TrackerParams()
	require.NoError(t, err)
	assert.Equal(t, intent.StrategyAdaptive, params.Strategy)
	assert.Equal(t, 0.30, params.Ceiling)
}

func TestLoadFromEnvironment(t *testing.T) {
	env := writeDotEnv(t, "INTENTMIX_STRATEGY=random_walk\nGROQ_API_KEYS=k1, k2,,k3\n")
	t.Setenv("INTENTMIX_ENV_FILE", env)
	t.Setenv("INTENTMIX_PROVIDERS", "groq, bedrock,ollama")
	t.Setenv("INTENTMIX_PROVIDER_COOLDOWN", "45")
	t.Setenv("INTENTMIX_CALL_TIMEOUT", "2m")
	t.Setenv("INTENTMIX_DUPLICATE_THRESHOLD", "0.9")
	t.Setenv("INTENTMIX_MAX_MIX", "not-a-number")
	t.Setenv("INTENTMIX_LOG_LEVEL", "debug")
	t.Setenv("AWS_REGION", "ap-south-1")
	t.Cleanup(func() {
		os.Unsetenv("INTENTMIX_STRATEGY")
		os.Unsetenv("GROQ_API_KEYS")
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "random_walk", cfg.Strategy)
	assert.Equal(t, 45*time.Second, cfg.Cooldown)
	assert.Equal(t, 2*time.Minute, cfg.CallTimeout)
	assert.Equal(t, 0.9, cfg.DuplicateThreshold)
	assert.Equal(t, 3, cfg.MaxMix)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)

	pcs := cfg.ProviderConfigs()
	require.Len(t, pcs, 3)
	assert.Equal(t, []string{"k1", "k2", "k3"}, pcs[0].Keys)
	assert.Equal(t, "ap-south-1", pcs[1].Region)
	assert.Equal(t, "http://localhost:11434", pcs[2].Host)
}

func TestValidate(t *testing.T) {
	t.Setenv("INTENTMIX_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold zero", func(c *Config) { c.DuplicateThreshold = 0 }},
		{"threshold above one", func(c *Config) { c.DuplicateThreshold = 1.2 }},
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"unknown strategy", func(c *Config) { c.Strategy = "greedy" }},
		{"inverted mix bounds", func(c *Config) { c.MinMix, c.MaxMix = 3, 2 }},
		{"floor out of range", func(c *Config) { c.WeightFloor = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Providers = append([]string(nil), base.Providers...)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("batch finished", "batch", 2)

	assert.Contains(t, stderr.String(), "batch finished")
	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, file.String(), `"batch":2`)
}

func TestSetupLoggerFallsBackToStderr(t *testing.T) {
	var stderr bytes.Buffer
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	logger, cleanup := SetupLoggerTo(&stderr, filepath.Join(blocker, "generation.log"), slog.LevelInfo)
	require.NoError(t, cleanup())
	logger.Info("still logging")
	assert.Contains(t, stderr.String(), "failed to open log file")
	assert.Contains(t, stderr.String(), "still logging")
}

func TestSetupLoggerWritesFile(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "generation.log")

	logger, cleanup := SetupLoggerTo(&stderr, path, slog.LevelInfo)
	logger.Info("run started", "run_id", "r1")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"r1"`)
}
