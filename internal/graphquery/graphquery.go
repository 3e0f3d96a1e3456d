// Package graphquery answers traversal, shortest-path, and centrality
// questions over a bounded in-memory projection of the stored graph.
package graphquery

import (
	"container/heap"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mnemon/mnemon/internal/errs"
	"github.com/mnemon/mnemon/internal/graph"
)

// Limits for the projection and the heavier centrality algorithms.
const (
	DefaultNMax        = 10000
	CentralityMaxNodes = 2000
	MaxDepth           = 3
)

type arc struct {
	to     string
	weight float64 // 1 - edge.weight, clamped to >= 0; lower is closer
}

// subgraph is a directed projection of one group.
type subgraph struct {
	nodes map[string]bool
	out   map[string][]arc
	in    map[string][]arc
}

// Engine projects subgraphs on demand and caches them per group with a
// 5-minute TTL; the group write epoch in the cache key handles
// invalidation.
type Engine struct {
	store *graph.Store
	nMax  int
	cache *expirable.LRU[string, *subgraph]
}

// New creates a query engine. nMax bounds projected subgraph size.
func New(store *graph.Store, nMax int) *Engine {
	if nMax <= 0 {
		nMax = DefaultNMax
	}
	return &Engine{
		store: store,
		nMax:  nMax,
		cache: expirable.NewLRU[string, *subgraph](16, nil, 5*time.Minute),
	}
}

func (e *Engine) project(groupID string) (*subgraph, error) {
	key := fmt.Sprintf("%s|%d", groupID, e.store.Epoch(groupID))
	if g, ok := e.cache.Get(key); ok {
		return g, nil
	}

	ids, err := e.store.NodeIDsForGroup(groupID, e.nMax)
	if err != nil {
		return nil, err
	}
	edges, err := e.store.EdgesForGroup(groupID, e.nMax*4)
	if err != nil {
		return nil, err
	}

	g := &subgraph{
		nodes: make(map[string]bool, len(ids)),
		out:   make(map[string][]arc),
		in:    make(map[string][]arc),
	}
	for _, id := range ids {
		g.nodes[id] = true
	}
	for _, edge := range edges {
		if !g.nodes[edge.SourceNodeID] || !g.nodes[edge.TargetNodeID] {
			continue
		}
		w := 1.0 - edge.Weight
		if w < 0 {
			w = 0
		}
		g.out[edge.SourceNodeID] = append(g.out[edge.SourceNodeID], arc{to: edge.TargetNodeID, weight: w})
		g.in[edge.TargetNodeID] = append(g.in[edge.TargetNodeID], arc{to: edge.SourceNodeID, weight: w})
	}
	// Deterministic adjacency order.
	for _, adj := range []map[string][]arc{g.out, g.in} {
		for _, arcs := range adj {
			sort.Slice(arcs, func(i, j int) bool { return arcs[i].to < arcs[j].to })
		}
	}

	e.cache.Add(key, g)
	return g, nil
}

// Neighbor is a node reached by traversal, with its BFS depth.
type Neighbor struct {
	NodeID string `json:"node_id"`
	Depth  int    `json:"depth"`
}

// Neighbors runs BFS from id up to depth hops (capped at 3), following
// edges in both directions.
func (e *Engine) Neighbors(groupID, id string, depth int) ([]Neighbor, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}
	g, err := e.project(groupID)
	if err != nil {
		return nil, err
	}
	if !g.nodes[id] {
		return nil, errs.New(errs.KindNotFound, "node not in group subgraph")
	}

	visited := map[string]int{id: 0}
	frontier := []string{id}
	var result []Neighbor
	for d := 1; d <= depth; d++ {
		var next []string
		for _, cur := range frontier {
			for _, adj := range [][]arc{g.out[cur], g.in[cur]} {
				for _, a := range adj {
					if _, seen := visited[a.to]; seen {
						continue
					}
					visited[a.to] = d
					next = append(next, a.to)
					result = append(result, Neighbor{NodeID: a.to, Depth: d})
				}
			}
		}
		frontier = next
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Depth != result[j].Depth {
			return result[i].Depth < result[j].Depth
		}
		return result[i].NodeID < result[j].NodeID
	})
	return result, nil
}

// Path is a shortest path between two nodes.
type Path struct {
	NodeIDs []string `json:"node_ids"`
	Cost    float64  `json:"cost"`
}

// ShortestPath runs Dijkstra over the directed projection. Edge weights
// are non-negative by construction.
func (e *Engine) ShortestPath(groupID, from, to string) (*Path, error) {
	g, err := e.project(groupID)
	if err != nil {
		return nil, err
	}
	if !g.nodes[from] || !g.nodes[to] {
		return nil, errs.New(errs.KindNotFound, "node not in group subgraph")
	}

	dist := map[string]float64{from: 0}
	prev := map[string]string{}
	pq := &pathHeap{{id: from, dist: 0}}
	heap.Init(pq)
	done := map[string]bool{}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pathItem)
		if done[item.id] {
			continue
		}
		done[item.id] = true
		if item.id == to {
			break
		}
		for _, a := range g.out[item.id] {
			nd := item.dist + a.weight
			if cur, ok := dist[a.to]; !ok || nd < cur {
				dist[a.to] = nd
				prev[a.to] = item.id
				heap.Push(pq, pathItem{id: a.to, dist: nd})
			}
		}
	}

	if !done[to] {
		return nil, errs.New(errs.KindNotFound, "no path between nodes")
	}
	var ids []string
	for cur := to; ; cur = prev[cur] {
		ids = append([]string{cur}, ids...)
		if cur == from {
			break
		}
	}
	return &Path{NodeIDs: ids, Cost: dist[to]}, nil
}

type pathItem struct {
	id   string
	dist float64
}

type pathHeap []pathItem

func (h pathHeap) Len() int { return len(h) }
func (h pathHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].id < h[j].id
}
func (h pathHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pathHeap) Push(x any)   { *h = append(*h, x.(pathItem)) }
func (h *pathHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ConnectedComponents partitions the group with union-find, ignoring edge
// direction. Components are ordered largest first; members sorted.
func (e *Engine) ConnectedComponents(groupID string) ([][]string, error) {
	g, err := e.project(groupID)
	if err != nil {
		return nil, err
	}

	parent := make(map[string]string, len(g.nodes))
	for id := range g.nodes {
		parent[id] = id
	}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}
	for from, arcs := range g.out {
		for _, a := range arcs {
			union(from, a.to)
		}
	}

	groups := make(map[string][]string)
	for id := range g.nodes {
		root := find(id)
		groups[root] = append(groups[root], id)
	}
	components := make([][]string, 0, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		components = append(components, members)
	}
	sort.Slice(components, func(i, j int) bool {
		if len(components[i]) != len(components[j]) {
			return len(components[i]) > len(components[j])
		}
		return components[i][0] < components[j][0]
	})
	return components, nil
}

// CentralityScores holds per-node centrality measures. Betweenness and
// closeness are only computed for subgraphs of at most CentralityMaxNodes.
type CentralityScores struct {
	Degree      map[string]int     `json:"degree"`
	Betweenness map[string]float64 `json:"betweenness,omitempty"`
	Closeness   map[string]float64 `json:"closeness,omitempty"`
}

// Centrality computes degree always, plus betweenness (Brandes) and
// closeness when the subgraph is small enough.
func (e *Engine) Centrality(groupID string) (*CentralityScores, error) {
	g, err := e.project(groupID)
	if err != nil {
		return nil, err
	}

	scores := &CentralityScores{Degree: make(map[string]int, len(g.nodes))}
	for id := range g.nodes {
		scores.Degree[id] = len(g.out[id]) + len(g.in[id])
	}
	if len(g.nodes) > CentralityMaxNodes {
		return scores, nil
	}

	scores.Betweenness = brandes(g)
	scores.Closeness = closeness(g)
	return scores, nil
}

// brandes computes betweenness centrality on the weighted projection,
// using Dijkstra for the single-source phase.
func brandes(g *subgraph) map[string]float64 {
	bc := make(map[string]float64, len(g.nodes))
	ids := sortedNodeIDs(g)
	const eps = 1e-9

	for _, s := range ids {
		var stack []string
		preds := make(map[string][]string)
		sigma := map[string]float64{s: 1}
		dist := map[string]float64{s: 0}
		settled := map[string]bool{}

		pq := &pathHeap{{id: s, dist: 0}}
		heap.Init(pq)
		for pq.Len() > 0 {
			item := heap.Pop(pq).(pathItem)
			if settled[item.id] {
				continue
			}
			settled[item.id] = true
			stack = append(stack, item.id)
			for _, a := range g.out[item.id] {
				nd := dist[item.id] + a.weight
				cur, seen := dist[a.to]
				switch {
				case !seen || nd < cur-eps:
					dist[a.to] = nd
					sigma[a.to] = sigma[item.id]
					preds[a.to] = []string{item.id}
					heap.Push(pq, pathItem{id: a.to, dist: nd})
				case nd <= cur+eps:
					sigma[a.to] += sigma[item.id]
					preds[a.to] = append(preds[a.to], item.id)
				}
			}
		}

		delta := make(map[string]float64)
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				bc[w] += delta[w]
			}
		}
	}
	return bc
}

// closeness is 1 / mean BFS distance to reachable nodes.
func closeness(g *subgraph) map[string]float64 {
	cc := make(map[string]float64, len(g.nodes))
	for _, s := range sortedNodeIDs(g) {
		dist := map[string]int{s: 0}
		queue := []string{s}
		var total, reached int
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			for _, a := range g.out[v] {
				if _, seen := dist[a.to]; seen {
					continue
				}
				dist[a.to] = dist[v] + 1
				total += dist[a.to]
				reached++
				queue = append(queue, a.to)
			}
		}
		if total > 0 {
			cc[s] = float64(reached) / float64(total)
		}
	}
	return cc
}

func sortedNodeIDs(g *subgraph) []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
