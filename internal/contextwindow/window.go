// Package contextwindow selects a token-budgeted subset of candidate
// chunks for large-result responses.
package contextwindow

import (
	"sort"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/mnemon/mnemon/internal/logging"
)

// ChunkType tags a candidate chunk's origin.
type ChunkType string

const (
	ChunkCode    ChunkType = "Code"
	ChunkDoc     ChunkType = "Doc"
	ChunkConfig  ChunkType = "Config"
	ChunkEpisode ChunkType = "Episode"
	ChunkNode    ChunkType = "Node"
	ChunkEdge    ChunkType = "Edge"
)

// Chunk is one selectable candidate.
type Chunk struct {
	Content    string
	Type       ChunkType
	Priority   float64 // caller-assigned importance
	Recency    float64 // 0..1, newer is higher
	Relevance  float64 // query relevance score
	LastAccess time.Time
}

// Options tunes selection.
type Options struct {
	MaxTokens          int
	OverlapTokens      int
	PriorityBoost      float64
	RecencyWeight      float64
	RelevanceThreshold float64
	PreserveCodeBlocks bool
}

// Selector scores and packs chunks into the token budget.
type Selector struct {
	opts Options
	enc  *tiktoken.Tiktoken
}

// NewSelector creates a selector. Token counting uses the cl100k_base BPE
// when its asset is available and a bytes/4 estimate otherwise.
func NewSelector(opts Options) *Selector {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 128000
	}
	if opts.PriorityBoost == 0 {
		opts.PriorityBoost = 1.5
	}
	if opts.RecencyWeight == 0 {
		opts.RecencyWeight = 0.3
	}
	s := &Selector{opts: opts}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logging.Warn("contextwindow", "tokenizer unavailable, using estimate: %v", err)
	} else {
		s.enc = enc
	}
	return s
}

// CountTokens counts (or estimates) the tokens in text.
func (s *Selector) CountTokens(text string) int {
	if s.enc != nil {
		return len(s.enc.Encode(text, nil, nil))
	}
	// The usual ~4 bytes/token estimate, never under 1 for non-empty text.
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

func (s *Selector) score(c Chunk) float64 {
	return c.Priority*s.opts.PriorityBoost + c.Recency*s.opts.RecencyWeight + c.Relevance
}

// Select returns chunks in descending score order until the budget
// (MaxTokens − OverlapTokens) is reached. Chunks under the relevance
// threshold are dropped. When PreserveCodeBlocks is on, code chunks are
// taken whole or not at all; other chunk types may be truncated at a line
// boundary to fill the remaining budget.
func (s *Selector) Select(chunks []Chunk) []Chunk {
	budget := s.opts.MaxTokens - s.opts.OverlapTokens
	if budget <= 0 {
		return nil
	}

	eligible := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Relevance < s.opts.RelevanceThreshold {
			continue
		}
		eligible = append(eligible, c)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		si, sj := s.score(eligible[i]), s.score(eligible[j])
		if si != sj {
			return si > sj
		}
		return eligible[i].LastAccess.After(eligible[j].LastAccess)
	})

	var selected []Chunk
	used := 0
	for _, c := range eligible {
		cost := s.CountTokens(c.Content)
		if used+cost <= budget {
			selected = append(selected, c)
			used += cost
			continue
		}
		remaining := budget - used
		if remaining <= 0 {
			break
		}
		if c.Type == ChunkCode && s.opts.PreserveCodeBlocks {
			continue // never split code mid-block; try a smaller chunk
		}
		if trimmed, ok := s.truncate(c.Content, remaining); ok {
			c.Content = trimmed
			selected = append(selected, c)
			used = budget
		}
		break
	}
	return selected
}

// truncate cuts content to at most budget tokens at a line boundary.
func (s *Selector) truncate(content string, budget int) (string, bool) {
	lines := strings.Split(content, "\n")
	var b strings.Builder
	used := 0
	for i, line := range lines {
		cost := s.CountTokens(line) + 1
		if used+cost > budget {
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		used += cost
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}
