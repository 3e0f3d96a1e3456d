// Package config loads and validates server configuration.
//
// Configuration comes from a YAML file, with environment variables layered
// on top (MCP_TRANSPORT, MCP_PORT, LOG_LEVEL, MNEMON_API_KEY). A .env file
// in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Security holds request-admission limits.
type Security struct {
	EnableAuthentication      bool   `yaml:"enable_authentication"`
	APIKey                    string `yaml:"api_key"`
	AdminOperationsRequireAuth bool  `yaml:"admin_operations_require_auth"`
	RateLimitRequestsPerMinute int   `yaml:"rate_limit_requests_per_minute"`
	RateLimitBurst            int    `yaml:"rate_limit_burst"`
	MaxContentLength          int    `yaml:"max_content_length"`
	MaxQueryLength            int    `yaml:"max_query_length"`
	MaxPathLength             int    `yaml:"max_path_length"`
	MaxArraySize              int    `yaml:"max_array_size"`
}

// Database holds storage-engine settings.
type Database struct {
	Filename            string `yaml:"filename"`
	ConnectionPoolSize  int    `yaml:"connection_pool_size"`
	EnableWAL           bool   `yaml:"enable_wal"`
	CacheSizeKB         int    `yaml:"cache_size_kb"`
	BackupEnabled       bool   `yaml:"backup_enabled"`
	BackupIntervalHours int    `yaml:"backup_interval_hours"`
	SlowQueryThresholdMS int   `yaml:"slow_query_threshold_ms"`
}

// Embeddings holds local-inference settings.
type Embeddings struct {
	ModelName     string `yaml:"model_name"`
	Dimensions    int    `yaml:"dimensions"`
	BatchSize     int    `yaml:"batch_size"`
	BatchLatencyMS int   `yaml:"batch_latency_ms"`
	CacheSize     int    `yaml:"cache_size"`
	WarmupEnabled bool   `yaml:"warmup_enabled"`
}

// Search holds hybrid-search settings.
type Search struct {
	MaxResults          int     `yaml:"max_results"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	EnableHybridSearch  bool    `yaml:"enable_hybrid_search"`
	TextSearchWeight    float64 `yaml:"text_search_weight"`
	VectorSearchWeight  float64 `yaml:"vector_search_weight"`
	EnableReranking     bool    `yaml:"enable_reranking"`
	FusionAlgorithm     string  `yaml:"fusion_algorithm"`
	DistanceMetric      string  `yaml:"distance_metric"`
}

// CircuitBreaker holds per-breaker defaults.
type CircuitBreaker struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	SuccessThreshold       int `yaml:"success_threshold"`
	TimeoutSeconds         int `yaml:"timeout_seconds"`
}

// Retry holds read-retry settings.
type Retry struct {
	MaxRetries         int  `yaml:"max_retries"`
	BaseDelayMS        int  `yaml:"base_delay_ms"`
	MaxDelayMS         int  `yaml:"max_delay_ms"`
	ExponentialBackoff bool `yaml:"exponential_backoff"`
}

// Stability groups the failure-protection settings.
type Stability struct {
	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker"`
	Retry          Retry          `yaml:"retry"`
}

// Window holds context-window selection settings.
type Window struct {
	MaxTokens          int     `yaml:"max_tokens"`
	OverlapTokens      int     `yaml:"overlap_tokens"`
	PriorityBoost      float64 `yaml:"priority_boost"`
	RecencyWeight      float64 `yaml:"recency_weight"`
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	PreserveCodeBlocks bool    `yaml:"preserve_code_blocks"`
}

// Context groups context-window settings.
type Context struct {
	Window Window `yaml:"window"`
}

// Config is the full server configuration.
type Config struct {
	DataDir    string     `yaml:"data_dir"`
	Transport  string     `yaml:"transport"` // stdio or sse
	Port       int        `yaml:"port"`
	Security   Security   `yaml:"security"`
	Database   Database   `yaml:"database"`
	Embeddings Embeddings `yaml:"embeddings"`
	Search     Search     `yaml:"search"`
	Stability  Stability  `yaml:"stability"`
	Context    Context    `yaml:"context"`

	ToolTimeoutSeconds     int `yaml:"tool_timeout_seconds"`
	IndexingTimeoutSeconds int `yaml:"indexing_timeout_seconds"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:   "./data",
		Transport: "stdio",
		Port:      8310,
		Security: Security{
			AdminOperationsRequireAuth: true,
			RateLimitRequestsPerMinute: 120,
			RateLimitBurst:             20,
			MaxContentLength:           65536,
			MaxQueryLength:             1024,
			MaxPathLength:              512,
			MaxArraySize:               256,
		},
		Database: Database{
			Filename:             "mnemon.db",
			ConnectionPoolSize:   8,
			EnableWAL:            true,
			CacheSizeKB:          8192,
			BackupEnabled:        false,
			BackupIntervalHours:  24,
			SlowQueryThresholdMS: 500,
		},
		Embeddings: Embeddings{
			ModelName:      "ngram-project-v1",
			Dimensions:     256,
			BatchSize:      16,
			BatchLatencyMS: 10,
			CacheSize:      500,
			WarmupEnabled:  true,
		},
		Search: Search{
			MaxResults:          10,
			SimilarityThreshold: 0.7,
			EnableHybridSearch:  true,
			TextSearchWeight:    0.3,
			VectorSearchWeight:  0.7,
			EnableReranking:     true,
			FusionAlgorithm:     "rrf",
			DistanceMetric:      "cosine",
		},
		Stability: Stability{
			CircuitBreaker: CircuitBreaker{
				FailureThreshold:       5,
				RecoveryTimeoutSeconds: 30,
				SuccessThreshold:       2,
				TimeoutSeconds:         10,
			},
			Retry: Retry{
				MaxRetries:         3,
				BaseDelayMS:        50,
				MaxDelayMS:         2000,
				ExponentialBackoff: true,
			},
		},
		Context: Context{
			Window: Window{
				MaxTokens:          128000,
				OverlapTokens:      200,
				PriorityBoost:      1.5,
				RecencyWeight:      0.3,
				RelevanceThreshold: 0.1,
				PreserveCodeBlocks: true,
			},
		},
		ToolTimeoutSeconds:     30,
		IndexingTimeoutSeconds: 120,
	}
}

// Load reads the YAML file at path (if non-empty), layers env overrides,
// and validates. A missing file with an empty path yields defaults.
func Load(path string) (Config, error) {
	// .env is optional; missing files are fine
	godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MCP_TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("MCP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("MNEMON_API_KEY"); v != "" {
		c.Security.APIKey = v
	}
	if v := os.Getenv("MNEMON_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// Validate checks the configuration, returning the first offending key.
func (c *Config) Validate() error {
	if c.Transport != "stdio" && c.Transport != "sse" {
		return fmt.Errorf("transport: must be stdio or sse, got %q", c.Transport)
	}
	if c.Transport == "sse" && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("port: out of range: %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir: required")
	}
	if len(c.DataDir) > c.Security.MaxPathLength {
		return fmt.Errorf("data_dir: exceeds security.max_path_length")
	}
	if c.Database.Filename == "" {
		return fmt.Errorf("database.filename: required")
	}
	if c.Database.ConnectionPoolSize < 1 {
		return fmt.Errorf("database.connection_pool_size: must be >= 1")
	}
	if c.Embeddings.Dimensions < 8 {
		return fmt.Errorf("embeddings.dimensions: must be >= 8")
	}
	if c.Embeddings.BatchSize < 1 {
		return fmt.Errorf("embeddings.batch_size: must be >= 1")
	}
	if c.Search.SimilarityThreshold < -1 || c.Search.SimilarityThreshold > 1 {
		return fmt.Errorf("search.similarity_threshold: out of [-1,1]")
	}
	switch c.Search.FusionAlgorithm {
	case "rrf", "linear", "borda", "max", "min":
	default:
		return fmt.Errorf("search.fusion_algorithm: unknown %q", c.Search.FusionAlgorithm)
	}
	switch c.Search.DistanceMetric {
	case "cosine", "euclidean", "dot", "manhattan":
	default:
		return fmt.Errorf("search.distance_metric: unknown %q", c.Search.DistanceMetric)
	}
	if c.Security.EnableAuthentication && c.Security.APIKey == "" {
		return fmt.Errorf("security.api_key: required when authentication is enabled")
	}
	if c.Stability.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("stability.circuit_breaker.failure_threshold: must be >= 1")
	}
	if c.Stability.Retry.MaxRetries < 0 {
		return fmt.Errorf("stability.retry.max_retries: must be >= 0")
	}
	if c.Context.Window.MaxTokens < 1 {
		return fmt.Errorf("context.window.max_tokens: must be >= 1")
	}
	return nil
}
