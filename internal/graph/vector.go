package graph

import (
	"container/heap"
	"math"
	"sort"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/mnemon/mnemon/internal/errs"
)

// Metric selects the vector scorer. Vectors are L2-normalized at write, so
// cosine reduces to a dot product.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
	MetricManhattan Metric = "manhattan"
)

// VectorSearch returns up to k nodes whose stored embedding scores at or
// above threshold against queryVec, ordered by (-similarity, node_id) so
// repeated queries return identical orderings.
func (s *Store) VectorSearch(queryVec []float32, k int, groupFilter string, threshold float64, metric Metric) ([]VectorHit, error) {
	if len(queryVec) != s.opts.Dimensions {
		return nil, errs.Newf(errs.KindInvalidParameters, "query dimension %d, store uses %d", len(queryVec), s.opts.Dimensions)
	}
	if k <= 0 {
		k = 10
	}
	if metric == "" {
		metric = MetricCosine
	}

	// vec0 KNN only accelerates the cosine/dot case (L2 over unit vectors).
	if s.vecAvailable && (metric == MetricCosine || metric == MetricDot) {
		hits, err := s.vectorSearchVec(queryVec, k, groupFilter, threshold)
		if err == nil {
			return hits, nil
		}
		// fall through to the scan on vec errors
	}
	return s.vectorSearchScan(queryVec, k, groupFilter, threshold, metric)
}

// vectorSearchVec uses the vec0 virtual table for KNN.
func (s *Store) vectorSearchVec(queryVec []float32, k int, groupFilter string, threshold float64) ([]VectorHit, error) {
	serialized, err := sqlite_vec.SerializeFloat32(queryVec)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT node_id, group_id, distance
		FROM node_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, serialized, k*4)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var nodeID, groupID string
		var dist float64
		if err := rows.Scan(&nodeID, &groupID, &dist); err != nil {
			return nil, err
		}
		if groupFilter != "" && groupID != groupFilter {
			continue
		}
		// L2 on unit vectors: cosine_sim = 1 - dist²/2
		sim := 1.0 - (dist*dist)/2.0
		if sim < threshold {
			continue
		}
		hits = append(hits, VectorHit{NodeID: nodeID, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// vectorSearchScan is the reference path: a linear scan over the group's
// embeddings, keeping the top k in a bounded heap.
func (s *Store) vectorSearchScan(queryVec []float32, k int, groupFilter string, threshold float64, metric Metric) ([]VectorHit, error) {
	rows, err := s.db.Query(`
		SELECT node_id, vector FROM embeddings
		WHERE dimension = ? AND (? = '' OR group_id = ?)
	`, s.opts.Dimensions, groupFilter, groupFilter)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "query embeddings", err)
	}
	defer rows.Close()

	h := &hitHeap{}
	heap.Init(h)
	for rows.Next() {
		var nodeID string
		var blob []byte
		if err := rows.Scan(&nodeID, &blob); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan embedding", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		if isZeroVec(vec) {
			continue // missing embeddings never match
		}
		sim := score(queryVec, vec, metric)
		if sim < threshold {
			continue
		}
		heap.Push(h, VectorHit{NodeID: nodeID, Similarity: sim})
		if h.Len() > k {
			heap.Pop(h) // drop the current worst
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "iterate embeddings", err)
	}

	hits := make([]VectorHit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(VectorHit)
	}
	sortHits(hits)
	return hits, nil
}

func score(a, b []float32, metric Metric) float64 {
	switch metric {
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1.0 / (1.0 + math.Sqrt(sum))
	case MetricManhattan:
		var sum float64
		for i := range a {
			sum += math.Abs(float64(a[i]) - float64(b[i]))
		}
		return 1.0 / (1.0 + sum)
	default: // cosine and dot coincide on normalized vectors
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}
}

// sortHits orders by (-similarity, node_id) for determinism.
func sortHits(hits []VectorHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].NodeID < hits[j].NodeID
	})
}

// hitHeap is a min-heap on similarity (worst on top), with node id as the
// tiebreak so eviction is deterministic too.
type hitHeap []VectorHit

func (h hitHeap) Len() int { return len(h) }
func (h hitHeap) Less(i, j int) bool {
	if h[i].Similarity != h[j].Similarity {
		return h[i].Similarity < h[j].Similarity
	}
	return h[i].NodeID > h[j].NodeID
}
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(VectorHit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
