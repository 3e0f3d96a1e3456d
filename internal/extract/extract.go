// Package extract converts an episode body into proposed nodes and
// relations. It layers three passes: relation patterns (highest
// confidence), prose NER, and a capitalized-word fallback. The pipeline is
// a pure function of its input and the fixed ruleset; the only outside
// value is the embedding model-version tag stamped on proposals.
package extract

import (
	"sort"
	"strings"

	"github.com/mnemon/mnemon/internal/graph"
)

// Node type tags assigned by the extractor.
const (
	TypePerson       = "Person"
	TypeOrganization = "Organization"
	TypePlace        = "Place"
	TypeProduct      = "Product"
	TypeEvent        = "Event"
	TypeDate         = "Date"
	TypeTime         = "Time"
	TypeConcept      = "Concept"
)

// Candidate is an entity proposed by one of the passes.
type Candidate struct {
	Name       string
	Type       string
	Aliases    []string
	Confidence float64
}

// Result is the pipeline output. Every relation endpoint indexes into
// Nodes, so the store can ingest the whole set in one transaction.
type Result struct {
	Nodes     []*graph.Node
	Relations []graph.CandidateRelation
}

// Pipeline extracts candidate entities and relations from episode bodies.
type Pipeline struct {
	rules        *ruleExtractor
	ner          *nerExtractor
	modelVersion string
}

// NewPipeline creates a pipeline stamping proposals with the given
// embedding model version.
func NewPipeline(modelVersion string) *Pipeline {
	return &Pipeline{
		rules:        newRuleExtractor(),
		ner:          newNERExtractor(),
		modelVersion: modelVersion,
	}
}

// Extract proposes nodes and relations for an episode body. Every relation
// endpoint is present in the returned node slice.
func (p *Pipeline) Extract(groupID, episodeName, body string) Result {
	candidates, rels := p.rules.extract(body)
	candidates = append(candidates, p.ner.extract(body)...)
	candidates = append(candidates, extractCapitalized(body)...)

	merged, index := mergeCandidates(candidates)

	nodes := make([]*graph.Node, len(merged))
	for i, c := range merged {
		nodes[i] = &graph.Node{
			GroupID:  groupID,
			Name:     c.Name,
			NodeType: c.Type,
			Summary:  c.Type + " mentioned in " + episodeName,
			Aliases:  c.Aliases,
			Metadata: map[string]string{"model_version": p.modelVersion},
		}
	}

	out := make([]graph.CandidateRelation, 0, len(rels))
	for _, r := range rels {
		src, okS := index[nameKey(r.source)]
		dst, okT := index[nameKey(r.target)]
		if !okS || !okT || src == dst {
			continue
		}
		out = append(out, graph.CandidateRelation{
			SourceIdx:    src,
			TargetIdx:    dst,
			RelationType: r.relType,
			Summary:      r.summary,
			Weight:       r.weight,
		})
	}
	return Result{Nodes: nodes, Relations: out}
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// typeRank orders type sources: rule-assigned types beat NER, which beats
// the capitalized-word fallback's Concept.
func typeRank(c Candidate) int {
	switch {
	case c.Confidence >= 0.9:
		return 3
	case c.Confidence >= 0.75:
		return 2
	default:
		return 1
	}
}

// mergeCandidates deduplicates by case-folded name, keeping the
// highest-ranked type and unioning aliases. Output order is deterministic:
// by first appearance of each name.
func mergeCandidates(cands []Candidate) ([]Candidate, map[string]int) {
	index := make(map[string]int)
	var merged []Candidate
	for _, c := range cands {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		key := nameKey(c.Name)
		if i, ok := index[key]; ok {
			if typeRank(c) > typeRank(merged[i]) {
				merged[i].Type = c.Type
				merged[i].Confidence = c.Confidence
			}
			merged[i].Aliases = unionAliases(merged[i].Aliases, c.Aliases)
			continue
		}
		index[key] = len(merged)
		// Multiword names get their first token as an alias, so later
		// mentions like "Alice" resolve to "Alice Smith".
		if first, rest, found := strings.Cut(c.Name, " "); found && rest != "" && len(first) > 2 {
			c.Aliases = unionAliases(c.Aliases, []string{first})
		}
		merged = append(merged, c)
	}
	return merged, index
}

func unionAliases(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, x := range a {
		seen[nameKey(x)] = true
	}
	for _, x := range b {
		if !seen[nameKey(x)] {
			seen[nameKey(x)] = true
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}
