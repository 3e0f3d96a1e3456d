package mcp

import (
	"time"

	"github.com/mnemon/mnemon/internal/errs"
	"github.com/mnemon/mnemon/internal/graph"
)

// Verbosity selects the response shape. It never changes behavior, only
// how much of each entity is serialized.
type Verbosity string

const (
	VerbositySummary Verbosity = "summary"
	VerbosityCompact Verbosity = "compact"
	VerbosityFull    Verbosity = "full"
)

// ParseVerbosity validates a verbosity argument, defaulting to compact.
func ParseVerbosity(s string) (Verbosity, error) {
	switch Verbosity(s) {
	case "":
		return VerbosityCompact, nil
	case VerbositySummary, VerbosityCompact, VerbosityFull:
		return Verbosity(s), nil
	default:
		return "", errs.Newf(errs.KindInvalidParameters, "unknown verbosity %q", s)
	}
}

func formatNode(n *graph.Node, v Verbosity) map[string]any {
	out := map[string]any{"id": n.ID}
	if v == VerbositySummary {
		return out
	}
	out["name"] = n.Name
	out["type"] = n.NodeType
	out["summary"] = n.Summary
	out["group_id"] = n.GroupID
	if v == VerbosityFull {
		out["short_id"] = n.ShortID
		out["salience"] = n.Salience
		out["aliases"] = n.Aliases
		out["metadata"] = n.Metadata
		out["created_at"] = n.CreatedAt.Format(time.RFC3339)
		out["updated_at"] = n.UpdatedAt.Format(time.RFC3339)
	}
	return out
}

func formatEpisode(ep *graph.Episode, v Verbosity) map[string]any {
	out := map[string]any{"id": ep.ID}
	if v == VerbositySummary {
		return out
	}
	out["name"] = ep.Name
	out["source"] = string(ep.Source)
	out["group_id"] = ep.GroupID
	if v == VerbosityFull {
		out["short_id"] = ep.ShortID
		out["content"] = ep.Content
		out["source_description"] = ep.SourceDescription
		out["created_at"] = ep.CreatedAt.Format(time.RFC3339)
	} else {
		content := ep.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		out["content"] = content
	}
	return out
}

func formatEdge(e *graph.Edge, v Verbosity) map[string]any {
	out := map[string]any{"id": e.ID}
	if v == VerbositySummary {
		return out
	}
	out["source_node_id"] = e.SourceNodeID
	out["target_node_id"] = e.TargetNodeID
	out["relation_type"] = e.RelationType
	out["summary"] = e.Summary
	out["group_id"] = e.GroupID
	if v == VerbosityFull {
		out["weight"] = e.Weight
		out["metadata"] = e.Metadata
		out["created_at"] = e.CreatedAt.Format(time.RFC3339)
	}
	return out
}

// envelope builds the common response wrapper.
func envelope(data map[string]any, degraded string, warnings []string) map[string]any {
	out := map[string]any{"success": true}
	for k, v := range data {
		out[k] = v
	}
	if degraded != "" {
		out["degraded"] = degraded
	}
	if len(warnings) > 0 {
		out["warnings"] = warnings
	}
	return out
}
