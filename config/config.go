// Package config provides configuration loading and management for crossdb.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete crossdb configuration.
type Config struct {
	Executor   ExecutorConfig   `yaml:"executor"`
	Planning   PlanningConfig   `yaml:"planning"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	LLM        LLMConfig        `yaml:"llm"`
	Registry   RegistryConfig   `yaml:"registry"`
	NATS       NATSConfig       `yaml:"nats"`
}

// ExecutorConfig bounds parallel plan execution.
type ExecutorConfig struct {
	// BackendLimits caps in-flight operations per backend kind.
	BackendLimits map[string]int `yaml:"backend_limits"`
	// DefaultBackendLimit applies to kinds absent from BackendLimits.
	DefaultBackendLimit int `yaml:"default_backend_limit"`
	// MaxTotalWeight caps the summed complexity weight of running operations.
	MaxTotalWeight int `yaml:"max_total_weight"`
	// MaxConcurrentOperations caps running operations regardless of weight.
	MaxConcurrentOperations int `yaml:"max_concurrent_operations"`
	// OperationTimeout bounds a single backend operation.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// MaxRetryAttempts is the retry budget for retryable backend errors.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	// AdaptiveTuning lets the executor adjust backend limits between plans.
	AdaptiveTuning bool `yaml:"adaptive_tuning"`
}

// PlanningConfig bounds plan synthesis.
type PlanningConfig struct {
	// SchemaItemsPerKind is how many schema snippets each backend kind
	// contributes to the LLM context.
	SchemaItemsPerKind int `yaml:"schema_items_per_kind"`
	// MaxSchemaTokens is the approximate token budget for schema context.
	MaxSchemaTokens int `yaml:"max_schema_tokens"`
	// StatisticsProbes enables pre-planning row-count probes on candidate
	// sources. Off by default: probes cost a round trip per source.
	StatisticsProbes bool `yaml:"statistics_probes"`
}

// AggregatorConfig bounds result aggregation.
type AggregatorConfig struct {
	// StreamingChunkSize is rows buffered per source in streaming mode.
	StreamingChunkSize int `yaml:"streaming_chunk_size"`
	// CacheEnabled turns on aggregation result caching. Recognized but not
	// acted on yet; see DESIGN.md.
	CacheEnabled bool `yaml:"cache_enabled"`
	// CacheTTLSeconds is how long cached aggregation results stay valid.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// LLMConfig configures the model endpoint chain.
type LLMConfig struct {
	// Endpoints are tried in order until one succeeds.
	Endpoints []EndpointConfig `yaml:"endpoints"`
	// Temperature for plan synthesis calls.
	Temperature float64 `yaml:"temperature"`
	// Timeout bounds a single completion call.
	Timeout time.Duration `yaml:"timeout"`
}

// EndpointConfig is one LLM endpoint in the fallback chain.
type EndpointConfig struct {
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
	Model    string `yaml:"model"`
}

// RegistryConfig locates the data source registry.
type RegistryConfig struct {
	// Path is the registry YAML file.
	Path string `yaml:"path"`
	// Watch reloads the registry when the file changes.
	Watch bool `yaml:"watch"`
}

// NATSConfig configures optional progress event forwarding.
type NATSConfig struct {
	// URL is the NATS server; empty disables forwarding.
	URL string `yaml:"url"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Executor: ExecutorConfig{
			BackendLimits: map[string]int{
				"postgres": 8,
				"mongodb":  6,
				"qdrant":   4,
				"slack":    2,
				"shopify":  2,
				"ga4":      1,
			},
			DefaultBackendLimit:     2,
			MaxTotalWeight:          24,
			MaxConcurrentOperations: 16,
			OperationTimeout:        60 * time.Second,
			MaxRetryAttempts:        3,
			AdaptiveTuning:          true,
		},
		Planning: PlanningConfig{
			SchemaItemsPerKind: 5,
			MaxSchemaTokens:    4000,
			StatisticsProbes:   false,
		},
		Aggregator: AggregatorConfig{
			StreamingChunkSize: 1000,
			CacheEnabled:       false,
			CacheTTLSeconds:    300,
		},
		LLM: LLMConfig{
			Endpoints: []EndpointConfig{
				{Provider: "ollama", Model: "qwen2.5-coder:32b"},
			},
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
		},
		Registry: RegistryConfig{
			Path:  "registry.yaml",
			Watch: false,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Executor.MaxTotalWeight <= 0 {
		return fmt.Errorf("executor.max_total_weight must be positive")
	}
	if c.Executor.MaxConcurrentOperations <= 0 {
		return fmt.Errorf("executor.max_concurrent_operations must be positive")
	}
	if c.Executor.DefaultBackendLimit <= 0 {
		return fmt.Errorf("executor.default_backend_limit must be positive")
	}
	for kind, limit := range c.Executor.BackendLimits {
		if limit <= 0 {
			return fmt.Errorf("executor.backend_limits[%s] must be positive", kind)
		}
	}
	if c.Executor.OperationTimeout <= 0 {
		return fmt.Errorf("executor.operation_timeout must be positive")
	}
	if c.Executor.MaxRetryAttempts < 0 {
		return fmt.Errorf("executor.max_retry_attempts must not be negative")
	}
	if c.Planning.SchemaItemsPerKind <= 0 {
		return fmt.Errorf("planning.schema_items_per_kind must be positive")
	}
	if c.Planning.MaxSchemaTokens <= 0 {
		return fmt.Errorf("planning.max_schema_tokens must be positive")
	}
	if c.Aggregator.StreamingChunkSize <= 0 {
		return fmt.Errorf("aggregator.streaming_chunk_size must be positive")
	}
	if c.Aggregator.CacheTTLSeconds < 0 {
		return fmt.Errorf("aggregator.cache_ttl_seconds must not be negative")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		return fmt.Errorf("llm.temperature must be between 0 and 1")
	}
	if len(c.LLM.Endpoints) == 0 {
		return fmt.Errorf("llm.endpoints must list at least one endpoint")
	}
	for i, ep := range c.LLM.Endpoints {
		if ep.Provider == "" {
			return fmt.Errorf("llm.endpoints[%d].provider is required", i)
		}
		if ep.Model == "" {
			return fmt.Errorf("llm.endpoints[%d].model is required", i)
		}
	}
	if c.Registry.Path == "" {
		return fmt.Errorf("registry.path is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	for kind, limit := range other.Executor.BackendLimits {
		if limit > 0 {
			if c.Executor.BackendLimits == nil {
				c.Executor.BackendLimits = make(map[string]int)
			}
			c.Executor.BackendLimits[kind] = limit
		}
	}
	if other.Executor.DefaultBackendLimit > 0 {
		c.Executor.DefaultBackendLimit = other.Executor.DefaultBackendLimit
	}
	if other.Executor.MaxTotalWeight > 0 {
		c.Executor.MaxTotalWeight = other.Executor.MaxTotalWeight
	}
	if other.Executor.MaxConcurrentOperations > 0 {
		c.Executor.MaxConcurrentOperations = other.Executor.MaxConcurrentOperations
	}
	if other.Executor.OperationTimeout > 0 {
		c.Executor.OperationTimeout = other.Executor.OperationTimeout
	}
	if other.Executor.MaxRetryAttempts > 0 {
		c.Executor.MaxRetryAttempts = other.Executor.MaxRetryAttempts
	}
	if other.Executor.AdaptiveTuning {
		c.Executor.AdaptiveTuning = true
	}

	if other.Planning.SchemaItemsPerKind > 0 {
		c.Planning.SchemaItemsPerKind = other.Planning.SchemaItemsPerKind
	}
	if other.Planning.MaxSchemaTokens > 0 {
		c.Planning.MaxSchemaTokens = other.Planning.MaxSchemaTokens
	}
	if other.Planning.StatisticsProbes {
		c.Planning.StatisticsProbes = true
	}

	if other.Aggregator.CacheEnabled {
		c.Aggregator.CacheEnabled = true
	}
	if other.Aggregator.CacheTTLSeconds > 0 {
		c.Aggregator.CacheTTLSeconds = other.Aggregator.CacheTTLSeconds
	}
	if other.Aggregator.StreamingChunkSize > 0 {
		c.Aggregator.StreamingChunkSize = other.Aggregator.StreamingChunkSize
	}

	if len(other.LLM.Endpoints) > 0 {
		c.LLM.Endpoints = other.LLM.Endpoints
	}
	if other.LLM.Temperature != 0 {
		c.LLM.Temperature = other.LLM.Temperature
	}
	if other.LLM.Timeout != 0 {
		c.LLM.Timeout = other.LLM.Timeout
	}

	if other.Registry.Path != "" {
		c.Registry.Path = other.Registry.Path
	}
	if other.Registry.Watch {
		c.Registry.Watch = true
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
}
