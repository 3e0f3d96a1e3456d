// Package search implements full-text ranking, vector KNN, and the hybrid
// engine that fuses both.
package search

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/mnemon/mnemon/internal/graph"
)

// TextSearcher ranks documents through the store's FTS index, with query
// normalization and optional fuzzy expansion.
type TextSearcher struct {
	store *graph.Store
	fuzzy bool
}

// NewTextSearcher creates a text searcher. fuzzy enables Levenshtein ≤ 2
// expansion of long tokens against the group's name vocabulary.
func NewTextSearcher(store *graph.Store, fuzzy bool) *TextSearcher {
	return &TextSearcher{store: store, fuzzy: fuzzy}
}

// Normalize applies Unicode NFKC and case folding.
func Normalize(query string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(query)))
}

// Search runs the query against the FTS index. kindFilter restricts the
// document kind ("node", "episode", or empty for both).
func (t *TextSearcher) Search(query, kindFilter, groupFilter string, limit int) ([]graph.FTSHit, error) {
	normalized := Normalize(query)
	expr := t.buildMatch(normalized, groupFilter)
	if expr == "" {
		return nil, nil
	}
	return t.store.FTSSearch(expr, kindFilter, groupFilter, limit)
}

// buildMatch turns a normalized query into an FTS5 MATCH expression.
// Phrases in quotes keep adjacency, top-level AND/OR/NOT pass through, a
// trailing * becomes a prefix query, and everything else is quoted. Fuzzy
// expansion rewrites long tokens into OR-groups with near-spelled names.
func (t *TextSearcher) buildMatch(query, groupFilter string) string {
	var vocab []string
	if t.fuzzy {
		vocab, _ = t.store.NodeNames(groupFilter, 1000)
	}

	var out []string
	for _, tok := range splitQuery(query) {
		switch {
		case tok.phrase:
			out = append(out, `"`+escapeFTS(tok.text)+`"`)
		case tok.operator:
			out = append(out, strings.ToUpper(tok.text))
		case strings.HasSuffix(tok.text, "*"):
			base := strings.TrimSuffix(tok.text, "*")
			if base != "" {
				out = append(out, `"`+escapeFTS(base)+`"*`)
			}
		default:
			out = append(out, t.expandToken(tok.text, vocab))
		}
	}
	return strings.Join(out, " ")
}

// expandToken OR-joins a token with vocabulary names within edit distance 2.
// Only tokens of 4+ characters expand; short tokens stay exact.
func (t *TextSearcher) expandToken(tok string, vocab []string) string {
	quoted := `"` + escapeFTS(tok) + `"`
	if utf8.RuneCountInString(tok) < 4 || len(vocab) == 0 {
		return quoted
	}
	variants := []string{quoted}
	for _, name := range vocab {
		folded := strings.ToLower(name)
		if folded == tok {
			continue
		}
		if levenshtein(tok, folded, 2) <= 2 {
			variants = append(variants, `"`+escapeFTS(folded)+`"`)
		}
		if len(variants) >= 4 {
			break // bounded expansion keeps the query cheap
		}
	}
	if len(variants) == 1 {
		return quoted
	}
	return "(" + strings.Join(variants, " OR ") + ")"
}

type queryToken struct {
	text     string
	phrase   bool
	operator bool
}

// splitQuery tokenizes, honoring quoted phrases and top-level booleans.
func splitQuery(query string) []queryToken {
	var toks []queryToken
	rest := query
	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				// unterminated phrase: treat remainder as one phrase
				toks = append(toks, queryToken{text: rest[1:], phrase: true})
				break
			}
			toks = append(toks, queryToken{text: rest[1 : 1+end], phrase: true})
			rest = rest[end+2:]
			continue
		}
		sp := strings.IndexByte(rest, ' ')
		var word string
		if sp < 0 {
			word, rest = rest, ""
		} else {
			word, rest = rest[:sp], rest[sp+1:]
		}
		switch strings.ToUpper(word) {
		case "AND", "OR", "NOT":
			toks = append(toks, queryToken{text: word, operator: true})
		default:
			if word != "" {
				toks = append(toks, queryToken{text: word})
			}
		}
	}
	return toks
}

func escapeFTS(s string) string {
	return strings.ReplaceAll(s, `"`, `""`)
}

// levenshtein computes edit distance with an early-exit bound.
func levenshtein(a, b string, bound int) int {
	if abs(len(a)-len(b)) > bound {
		return bound + 1
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if cur[j] < rowMin {
				rowMin = cur[j]
			}
		}
		if rowMin > bound {
			return bound + 1
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
