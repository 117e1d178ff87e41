package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Executor.BackendLimits["postgres"])
	assert.Equal(t, 6, cfg.Executor.BackendLimits["mongodb"])
	assert.Equal(t, 1, cfg.Executor.BackendLimits["ga4"])
	assert.Equal(t, 2, cfg.Executor.DefaultBackendLimit)
	assert.Equal(t, 24, cfg.Executor.MaxTotalWeight)
	assert.Equal(t, 16, cfg.Executor.MaxConcurrentOperations)
	assert.Equal(t, 60*time.Second, cfg.Executor.OperationTimeout)
	assert.Equal(t, 3, cfg.Executor.MaxRetryAttempts)
	assert.Equal(t, 5, cfg.Planning.SchemaItemsPerKind)
	assert.Equal(t, 4000, cfg.Planning.MaxSchemaTokens)
	assert.False(t, cfg.Planning.StatisticsProbes)
	assert.Equal(t, 1000, cfg.Aggregator.StreamingChunkSize)
	assert.False(t, cfg.Aggregator.CacheEnabled)
	assert.Equal(t, 300, cfg.Aggregator.CacheTTLSeconds)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero weight", func(c *Config) { c.Executor.MaxTotalWeight = 0 }},
		{"zero concurrency", func(c *Config) { c.Executor.MaxConcurrentOperations = 0 }},
		{"negative backend limit", func(c *Config) { c.Executor.BackendLimits["postgres"] = -1 }},
		{"zero timeout", func(c *Config) { c.Executor.OperationTimeout = 0 }},
		{"temperature out of range", func(c *Config) { c.LLM.Temperature = 1.5 }},
		{"no endpoints", func(c *Config) { c.LLM.Endpoints = nil }},
		{"endpoint without model", func(c *Config) { c.LLM.Endpoints = []EndpointConfig{{Provider: "ollama"}} }},
		{"empty registry path", func(c *Config) { c.Registry.Path = "" }},
		{"negative cache ttl", func(c *Config) { c.Aggregator.CacheTTLSeconds = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crossdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
executor:
  backend_limits:
    postgres: 4
  operation_timeout: 30s
planning:
  statistics_probes: true
aggregator:
  cache_enabled: true
  cache_ttl_seconds: 60
registry:
  path: /etc/crossdb/registry.yaml
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Executor.BackendLimits["postgres"])
	assert.Equal(t, 30*time.Second, cfg.Executor.OperationTimeout)
	assert.True(t, cfg.Planning.StatisticsProbes)
	assert.True(t, cfg.Aggregator.CacheEnabled)
	assert.Equal(t, 60, cfg.Aggregator.CacheTTLSeconds)
	assert.Equal(t, "/etc/crossdb/registry.yaml", cfg.Registry.Path)
	// Untouched sections keep their defaults.
	assert.Equal(t, 16, cfg.Executor.MaxConcurrentOperations)
}

func TestMergePrecedence(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Executor: ExecutorConfig{
			BackendLimits:  map[string]int{"qdrant": 9},
			MaxTotalWeight: 48,
		},
		LLM: LLMConfig{
			Endpoints: []EndpointConfig{{Provider: "openai", URL: "https://api.openai.com", Model: "gpt-4o"}},
		},
		NATS: NATSConfig{URL: "nats://localhost:4222"},
	})

	assert.Equal(t, 9, base.Executor.BackendLimits["qdrant"])
	assert.Equal(t, 8, base.Executor.BackendLimits["postgres"]) // untouched
	assert.Equal(t, 48, base.Executor.MaxTotalWeight)
	assert.Equal(t, "openai", base.LLM.Endpoints[0].Provider)
	assert.Equal(t, "nats://localhost:4222", base.NATS.URL)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Executor.MaxTotalWeight = 32
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 32, loaded.Executor.MaxTotalWeight)
}
