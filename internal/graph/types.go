package graph

import (
	"time"
)

// Source classifies how an episode's content was produced.
type Source string

const (
	SourceText    Source = "text"
	SourceJSON    Source = "json"
	SourceMessage Source = "message"
)

// ValidSource reports whether s is a known episode source.
func ValidSource(s Source) bool {
	return s == SourceText || s == SourceJSON || s == SourceMessage
}

// DefaultGroup is the namespace used when callers omit group_id.
const DefaultGroup = "default"

// Episode is a unit of ingested content. Episodes and their extractions are
// loosely coupled: deleting an episode leaves derived nodes and edges in
// place, since a node may be referenced by many episodes.
type Episode struct {
	ID                string    `json:"id"`
	ShortID           string    `json:"short_id,omitempty"`
	GroupID           string    `json:"group_id"`
	Name              string    `json:"name"`
	Content           string    `json:"content"`
	Source            Source    `json:"source"`
	SourceDescription string    `json:"source_description,omitempty"`
	Embedding         []float32 `json:"embedding,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Node is a distinct entity referenced by one or more episodes.
// (group_id, name, node_type) is unique; a second write with the same triple
// updates the existing row.
type Node struct {
	ID        string            `json:"id"`
	ShortID   string            `json:"short_id,omitempty"`
	GroupID   string            `json:"group_id"`
	Name      string            `json:"name"`
	NodeType  string            `json:"node_type"`
	Summary   string            `json:"summary,omitempty"`
	Salience  float64           `json:"salience,omitempty"`
	Aliases   []string          `json:"aliases,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Edge is a directed, typed, weighted link between two nodes in the same
// group. Weight is the extractor's confidence in [0,1].
type Edge struct {
	ID           string            `json:"id"`
	GroupID      string            `json:"group_id"`
	SourceNodeID string            `json:"source_node_id"`
	TargetNodeID string            `json:"target_node_id"`
	RelationType string            `json:"relation_type"`
	Summary      string            `json:"summary,omitempty"`
	Weight       float64           `json:"weight"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// FTSHit is one ranked full-text result.
type FTSHit struct {
	DocID   string  // node or episode id
	DocKind string  // "node" or "episode"
	GroupID string
	Score   float64 // higher is better
}

// VectorHit is one ranked vector-search result.
type VectorHit struct {
	NodeID     string
	Similarity float64
}

// MaxSummaryBytes bounds node summaries.
const MaxSummaryBytes = 4096
