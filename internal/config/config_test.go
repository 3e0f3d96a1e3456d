package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Database.ConnectionPoolSize != 8 {
		t.Errorf("pool size = %d, want 8", cfg.Database.ConnectionPoolSize)
	}
	if cfg.Embeddings.BatchSize != 16 {
		t.Errorf("batch size = %d, want 16", cfg.Embeddings.BatchSize)
	}
	if cfg.Search.SimilarityThreshold != 0.7 {
		t.Errorf("similarity threshold = %f, want 0.7", cfg.Search.SimilarityThreshold)
	}
	if cfg.Context.Window.MaxTokens != 128000 {
		t.Errorf("max tokens = %d, want 128000", cfg.Context.Window.MaxTokens)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /tmp/mnemon-test
transport: sse
port: 9000
search:
  max_results: 25
  fusion_algorithm: linear
embeddings:
  dimensions: 128
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != "sse" || cfg.Port != 9000 {
		t.Errorf("transport/port = %s/%d", cfg.Transport, cfg.Port)
	}
	if cfg.Search.MaxResults != 25 || cfg.Search.FusionAlgorithm != "linear" {
		t.Errorf("search overrides not applied: %+v", cfg.Search)
	}
	if cfg.Embeddings.Dimensions != 128 {
		t.Errorf("dimensions = %d", cfg.Embeddings.Dimensions)
	}
	// untouched keys keep defaults
	if cfg.Database.ConnectionPoolSize != 8 {
		t.Errorf("pool size lost default: %d", cfg.Database.ConnectionPoolSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MCP_TRANSPORT", "sse")
	t.Setenv("MCP_PORT", "7777")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != "sse" || cfg.Port != 7777 {
		t.Errorf("env overrides ignored: %s/%d", cfg.Transport, cfg.Port)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad transport", func(c *Config) { c.Transport = "grpc" }},
		{"bad fusion", func(c *Config) { c.Search.FusionAlgorithm = "magic" }},
		{"bad metric", func(c *Config) { c.Search.DistanceMetric = "chebyshev" }},
		{"tiny dimensions", func(c *Config) { c.Embeddings.Dimensions = 2 }},
		{"auth without key", func(c *Config) { c.Security.EnableAuthentication = true; c.Security.APIKey = "" }},
		{"threshold out of range", func(c *Config) { c.Search.SimilarityThreshold = 1.5 }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validation passed, want error", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("missing explicit config file should error")
	}
}
