package mcp

import (
	"time"

	"github.com/mnemon/mnemon/internal/contextwindow"
	"github.com/mnemon/mnemon/internal/embedding"
	"github.com/mnemon/mnemon/internal/extract"
	"github.com/mnemon/mnemon/internal/graph"
	"github.com/mnemon/mnemon/internal/graphquery"
	"github.com/mnemon/mnemon/internal/search"
	"github.com/mnemon/mnemon/internal/stability"
)

// Dependencies holds the services the tool handlers need.
type Dependencies struct {
	Store     *graph.Store
	Embedder  *embedding.Engine
	Hybrid    *search.Hybrid
	Graph     *graphquery.Engine
	Extractor *extract.Pipeline
	Breakers  *stability.Registry
	Dedup     *stability.Dedup
	Retry     stability.RetryConfig
	Selector  *contextwindow.Selector

	// Admission limits
	MaxContentLength int
	MaxQueryLength   int
	MaxArraySize     int

	// Per-operation deadline override for indexing
	IndexingTimeout time.Duration
}
