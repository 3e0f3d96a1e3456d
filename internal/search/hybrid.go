package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mnemon/mnemon/internal/embedding"
	"github.com/mnemon/mnemon/internal/graph"
	"github.com/mnemon/mnemon/internal/logging"
	"github.com/mnemon/mnemon/internal/stability"
)

// Options configures the hybrid engine.
type Options struct {
	MaxResults          int
	SimilarityThreshold float64
	TextWeight          float64
	VectorWeight        float64
	Algorithm           string // rrf, linear, borda, max, min
	Metric              graph.Metric
	EnableRerank        bool
	CacheTTL            time.Duration
	CacheSize           int

	// Breakers, when set, guards each retrieval leg with its named
	// circuit breaker (fts, embedding, vector).
	Breakers *stability.Registry
}

// Result is one fused hit.
type Result struct {
	NodeID string  `json:"node_id"`
	Score  float64 `json:"score"`
}

// Response is a full hybrid answer. Degraded is "text_only" when the
// embedding step failed and only text results are present.
type Response struct {
	Results  []Result `json:"results"`
	Degraded string   `json:"degraded,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// rerank depth over the fused list.
const rerankDepth = 50

// Hybrid fans a query out to text and vector retrieval concurrently, fuses
// the two rankings, optionally reranks, caches, and collapses concurrent
// identical queries into one execution.
type Hybrid struct {
	store *graph.Store
	text  *TextSearcher
	embed *embedding.Engine
	opts  Options

	cache *expirable.LRU[string, *Response]
	sf    singleflight.Group
}

// NewHybrid creates the hybrid engine.
func NewHybrid(store *graph.Store, text *TextSearcher, embed *embedding.Engine, opts Options) *Hybrid {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	if opts.Algorithm == "" {
		opts.Algorithm = FuseRRF
	}
	if opts.Metric == "" {
		opts.Metric = graph.MetricCosine
	}
	if opts.CacheTTL <= 0 || opts.CacheTTL > 5*time.Minute {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	return &Hybrid{
		store: store,
		text:  text,
		embed: embed,
		opts:  opts,
		cache: expirable.NewLRU[string, *Response](opts.CacheSize, nil, opts.CacheTTL),
	}
}

// cacheKey folds the per-group write epoch into the key, so any write to
// the group invalidates all of its cached queries at once.
func (h *Hybrid) cacheKey(normQuery, group string, limit int) string {
	epoch := h.store.Epoch(group)
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%d", normQuery, group, limit, h.opts.Algorithm, epoch)))
	return fmt.Sprintf("%x", sum[:16])
}

// Search runs a hybrid query over nodes.
func (h *Hybrid) Search(ctx context.Context, query, group string, limit int) (*Response, error) {
	if limit <= 0 || limit > h.opts.MaxResults {
		limit = h.opts.MaxResults
	}
	normQuery := Normalize(query)
	key := h.cacheKey(normQuery, group, limit)

	if resp, ok := h.cache.Get(key); ok {
		return resp, nil
	}

	v, err, _ := h.sf.Do(key, func() (any, error) {
		resp, err := h.search(ctx, normQuery, group, limit)
		if err != nil {
			return nil, err
		}
		h.cache.Add(key, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (h *Hybrid) search(ctx context.Context, normQuery, group string, limit int) (*Response, error) {
	var (
		textHits []graph.FTSHit
		vecHits  []graph.VectorHit
		queryVec []float32
		embedErr error
	)

	guard := func(name string, fn func() error) error {
		if h.opts.Breakers == nil {
			return fn()
		}
		return h.opts.Breakers.Do(name, fn)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return guard("fts", func() error {
			hits, err := h.text.Search(normQuery, "node", group, rerankDepth)
			if err != nil {
				return err
			}
			textHits = hits
			return nil
		})
	})
	g.Go(func() error {
		err := guard("embedding", func() error {
			vec, err := h.embed.Embed(gctx, normQuery)
			if err != nil {
				return err
			}
			queryVec = vec
			return nil
		})
		if err != nil {
			embedErr = err // degrade, not fail
			return nil
		}
		if embedding.IsZero(queryVec) {
			return nil
		}
		err = guard("vector", func() error {
			hits, err := h.store.VectorSearch(queryVec, rerankDepth, group, h.opts.SimilarityThreshold, h.opts.Metric)
			if err != nil {
				return err
			}
			vecHits = hits
			return nil
		})
		if err != nil {
			embedErr = err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resp := &Response{}
	if embedErr != nil {
		resp.Degraded = "text_only"
		resp.Warnings = append(resp.Warnings, "vector retrieval unavailable; results are text-only")
		logging.Warn("search", "hybrid degraded to text-only: %v", embedErr)
	}

	textList := make([]ranked, 0, len(textHits))
	for _, hit := range textHits {
		textList = append(textList, ranked{ID: hit.DocID, Score: hit.Score})
	}
	vecList := make([]ranked, 0, len(vecHits))
	for _, hit := range vecHits {
		vecList = append(vecList, ranked{ID: hit.NodeID, Score: hit.Similarity})
	}

	fused := fuse(h.opts.Algorithm, textList, vecList, h.opts.TextWeight, h.opts.VectorWeight)

	if h.opts.EnableRerank && len(queryVec) > 0 {
		fused = h.rerank(normQuery, queryVec, fused)
	}

	if len(fused) > limit {
		fused = fused[:limit]
	}
	for _, r := range fused {
		resp.Results = append(resp.Results, Result{NodeID: r.ID, Score: r.Score})
	}
	return resp, nil
}

// rerank rescores the fused head by fresh cosine against each candidate's
// stored embedding, plus a small boost for exact query-token overlap with
// the node name.
func (h *Hybrid) rerank(normQuery string, queryVec []float32, fused []ranked) []ranked {
	depth := len(fused)
	if depth > rerankDepth {
		depth = rerankDepth
	}
	queryTokens := strings.Fields(normQuery)

	head := make([]ranked, depth)
	copy(head, fused[:depth])
	for i, r := range head {
		node, err := h.store.GetNode(r.ID)
		if err != nil {
			continue
		}
		score := r.Score
		if len(node.Embedding) == len(queryVec) && !embedding.IsZero(node.Embedding) {
			score = float64(embedding.Similarity(queryVec, node.Embedding))
		}
		score += overlapBoost(queryTokens, node.Name)
		head[i].Score = score
	}
	out := append(head, fused[depth:]...)
	return sortRanked(out)
}

// overlapBoost adds 0.05 per query token appearing exactly in the name,
// capped at 0.25.
func overlapBoost(queryTokens []string, name string) float64 {
	nameTokens := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(name)) {
		nameTokens[t] = true
	}
	var boost float64
	for _, t := range queryTokens {
		if nameTokens[t] {
			boost += 0.05
		}
	}
	if boost > 0.25 {
		boost = 0.25
	}
	return boost
}

func sortRanked(list []ranked) []ranked {
	scores := make(map[string]float64, len(list))
	for _, r := range list {
		scores[r.ID] = r.Score
	}
	return sortScores(scores)
}

// SimilarConcepts is pure vector retrieval for the query.
func (h *Hybrid) SimilarConcepts(ctx context.Context, query, group string, limit int) (*Response, error) {
	if limit <= 0 || limit > h.opts.MaxResults {
		limit = h.opts.MaxResults
	}
	vec, err := h.embed.Embed(ctx, Normalize(query))
	if err != nil {
		return nil, err
	}
	if embedding.IsZero(vec) {
		return &Response{}, nil
	}
	hits, err := h.store.VectorSearch(vec, limit, group, h.opts.SimilarityThreshold, h.opts.Metric)
	if err != nil {
		return nil, err
	}
	resp := &Response{}
	for _, hit := range hits {
		resp.Results = append(resp.Results, Result{NodeID: hit.NodeID, Score: hit.Similarity})
	}
	return resp, nil
}

// FactResult is one edge hit from a facts search.
type FactResult struct {
	Edge  *graph.Edge `json:"edge"`
	Score float64     `json:"score"`
}

// Facts finds edges incident to the nodes a hybrid query matches, ranked
// by node score weighted by edge confidence.
func (h *Hybrid) Facts(ctx context.Context, query, group string, limit int) ([]FactResult, string, error) {
	resp, err := h.Search(ctx, query, group, rerankDepth)
	if err != nil {
		return nil, "", err
	}
	nodeScore := make(map[string]float64, len(resp.Results))
	ids := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		nodeScore[r.NodeID] = r.Score
		ids = append(ids, r.NodeID)
	}
	edges, err := h.store.EdgesTouching(ids, limit*4)
	if err != nil {
		return nil, resp.Degraded, err
	}
	facts := make([]FactResult, 0, len(edges))
	for _, e := range edges {
		score := nodeScore[e.SourceNodeID]
		if s := nodeScore[e.TargetNodeID]; s > score {
			score = s
		}
		facts = append(facts, FactResult{Edge: e, Score: score * e.Weight})
	}
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Score != facts[j].Score {
			return facts[i].Score > facts[j].Score
		}
		return facts[i].Edge.ID < facts[j].Edge.ID
	})
	if len(facts) > limit {
		facts = facts[:limit]
	}
	return facts, resp.Degraded, nil
}
