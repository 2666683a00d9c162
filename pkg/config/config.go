// Package config loads the segmenter configuration: an optional YAML file
// for defaults, environment variable overrides, and the three prompt
// template files the pipeline renders.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LLMSettings configures the provider binding and the model snapshot
// recorded on every run.
type LLMSettings struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	BaseURL     string  `yaml:"base_url"`
	// Environment variable holding the API key (never the key itself).
	APIKeyEnv string `yaml:"api_key_env"`
}

// RateLimitSettings configure the process-wide gateway limiter.
type RateLimitSettings struct {
	MaxRequestsPerMinute     int `yaml:"max_requests_per_minute"`
	MaxInputTokensPerMinute  int `yaml:"max_input_tokens_per_minute"`
	MaxOutputTokensPerMinute int `yaml:"max_output_tokens_per_minute"`
	MaxConcurrentRequests    int `yaml:"max_concurrent_requests"`
}

// PipelineSettings configure stage batching and call budgets.
type PipelineSettings struct {
	ProductsPerTaxonomyPrompt  int   `yaml:"products_per_taxonomy_prompt"`
	TaxonomiesPerConsolidation int   `yaml:"taxonomies_per_consolidation"`
	ProductsPerRefinement      int   `yaml:"products_per_refinement"`
	MaxLLMCallsPerExecute      int   `yaml:"max_llm_calls_per_execute"`
	MaxAttemptsPerCall         int   `yaml:"max_attempts_per_call"`
	ShuffleSeed                int64 `yaml:"shuffle_seed"`
}

// Config is the root configuration for the segmenter service.
type Config struct {
	LLM         LLMSettings       `yaml:"llm"`
	RateLimit   RateLimitSettings `yaml:"rate_limit"`
	Pipeline    PipelineSettings  `yaml:"pipeline"`
	StorageRoot string            `yaml:"storage_root"`

	Prompts *Prompts `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		LLM: LLMSettings{
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.2,
			MaxTokens:   4096,
			APIKeyEnv:   "LLM_API_KEY",
		},
		RateLimit: RateLimitSettings{
			MaxRequestsPerMinute:     3000,
			MaxInputTokensPerMinute:  120000,
			MaxOutputTokensPerMinute: 120000,
			MaxConcurrentRequests:    100,
		},
		Pipeline: PipelineSettings{
			ProductsPerTaxonomyPrompt:  40,
			TaxonomiesPerConsolidation: 20,
			ProductsPerRefinement:      40,
			MaxLLMCallsPerExecute:      500,
			MaxAttemptsPerCall:         2,
			ShuffleSeed:                42,
		},
		StorageRoot: "./data/llm_interactions",
	}
}

// Load reads <configDir>/segmenter.yaml (optional), applies environment
// overrides, and loads the prompt templates from <configDir>/prompts.
// Missing prompt files fail startup.
func Load(configDir string) (*Config, error) {
	cfg := defaults()

	yamlPath := filepath.Join(configDir, "segmenter.yaml")
	data, err := os.ReadFile(yamlPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", yamlPath, err)
		}
		slog.Info("Loaded configuration file", "path", yamlPath)
	case os.IsNotExist(err):
		slog.Info("No configuration file found, using defaults", "path", yamlPath)
	default:
		return nil, fmt.Errorf("failed to read %s: %w", yamlPath, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	prompts, err := LoadPrompts(filepath.Join(configDir, "prompts"))
	if err != nil {
		return nil, err
	}
	cfg.Prompts = prompts

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	overrideString("LLM_MODEL_NAME", &c.LLM.Model)
	overrideFloat("LLM_TEMPERATURE", &c.LLM.Temperature)
	overrideInt("LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	overrideString("LLM_BASE_URL", &c.LLM.BaseURL)

	overrideInt("MAX_REQUESTS_PER_MINUTE", &c.RateLimit.MaxRequestsPerMinute)
	overrideInt("MAX_INPUT_TOKENS_PER_MINUTE", &c.RateLimit.MaxInputTokensPerMinute)
	overrideInt("MAX_OUTPUT_TOKENS_PER_MINUTE", &c.RateLimit.MaxOutputTokensPerMinute)
	overrideInt("MAX_CONCURRENT_REQUESTS", &c.RateLimit.MaxConcurrentRequests)

	overrideInt("PRODUCTS_PER_TAXONOMY_PROMPT", &c.Pipeline.ProductsPerTaxonomyPrompt)
	overrideInt("TAXONOMIES_PER_CONSOLIDATION", &c.Pipeline.TaxonomiesPerConsolidation)
	overrideInt("PRODUCTS_PER_REFINEMENT", &c.Pipeline.ProductsPerRefinement)
	overrideInt("MAX_LLM_CALLS_PER_EXECUTE", &c.Pipeline.MaxLLMCallsPerExecute)
	overrideInt("MAX_ATTEMPTS_PER_CALL", &c.Pipeline.MaxAttemptsPerCall)

	overrideString("STORAGE_ROOT", &c.StorageRoot)
}

func (c *Config) validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model must not be empty")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens)
	}
	if c.Pipeline.ProductsPerTaxonomyPrompt <= 0 {
		return fmt.Errorf("pipeline.products_per_taxonomy_prompt must be positive")
	}
	if c.Pipeline.ProductsPerRefinement <= 0 {
		return fmt.Errorf("pipeline.products_per_refinement must be positive")
	}
	if c.Pipeline.MaxAttemptsPerCall < 1 {
		return fmt.Errorf("pipeline.max_attempts_per_call must be at least 1")
	}
	if c.RateLimit.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("rate_limit.max_concurrent_requests must be positive")
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root must not be empty")
	}
	return nil
}

// APIKey resolves the provider API key from the configured env var.
func (c *Config) APIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}

func overrideString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring non-integer environment override", "key", key, "value", v)
		}
	}
}

func overrideFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			slog.Warn("Ignoring non-numeric environment override", "key", key, "value", v)
		}
	}
}
