package mcp

import (
	"context"

	"github.com/mnemon/mnemon/internal/contextwindow"
	"github.com/mnemon/mnemon/internal/errs"
	"github.com/mnemon/mnemon/internal/graph"
	"github.com/mnemon/mnemon/internal/stability"
)

// RegisterAll registers the full tool surface.
func RegisterAll(server *Server, deps *Dependencies) {
	registerMemoryTools(server, deps)
	registerSearchTools(server, deps)
	registerGraphTools(server, deps)
	registerAdminTools(server, deps)
}

// Argument helpers. Missing keys yield zero values; type mismatches are
// treated as missing so handlers can enforce their own requirements.

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func groupArg(args map[string]any) string {
	g := argString(args, "group_id")
	if g == "" {
		return graph.DefaultGroup
	}
	return g
}

func registerMemoryTools(server *Server, deps *Dependencies) {
	server.RegisterTool(toolDefinition{
		Name:        "add_memory",
		Description: "Ingest an episode: extract entities and relationships, embed them, and persist everything atomically.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"name":               {Type: "string", Description: "Short episode title"},
				"episode_body":       {Type: "string", Description: "The content to ingest"},
				"source":             {Type: "string", Description: "Content kind: text (default), json, or message"},
				"source_description": {Type: "string", Description: "Where the content came from (optional)"},
				"group_id":           {Type: "string", Description: "Namespace for the episode (default \"default\")"},
				"verbosity":          {Type: "string", Description: "Response shape: summary, compact (default), or full"},
			},
			Required: []string{"name", "episode_body"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return handleAddMemory(ctx, deps, args)
	}, false, deps.IndexingTimeout)

	server.RegisterTool(toolDefinition{
		Name:        "get_episodes",
		Description: "List the most recent episodes in a group, newest first.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"group_id":  {Type: "string", Description: "Namespace to list (default \"default\")"},
				"last_n":    {Type: "number", Description: "How many episodes to return (default 10)"},
				"verbosity": {Type: "string", Description: "Response shape: summary, compact (default), or full"},
			},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return handleGetEpisodes(ctx, deps, args)
	}, false, 0)
}

func handleAddMemory(ctx context.Context, deps *Dependencies, args map[string]any) (map[string]any, error) {
	name := argString(args, "name")
	body := argString(args, "episode_body")
	if name == "" || body == "" {
		return nil, errs.New(errs.KindInvalidParameters, "name and episode_body are required")
	}
	if len(body) > deps.MaxContentLength {
		return nil, errs.New(errs.KindSizeLimit, "episode_body exceeds max_content_length")
	}
	verbosity, err := ParseVerbosity(argString(args, "verbosity"))
	if err != nil {
		return nil, err
	}
	source := graph.Source(argString(args, "source"))
	if source == "" {
		source = graph.SourceText
	}
	if !graph.ValidSource(source) {
		return nil, errs.Newf(errs.KindInvalidParameters, "unknown source %q", source)
	}
	groupID := groupArg(args)

	// Extraction is pure and happens before any ticket is held.
	extracted := deps.Extractor.Extract(groupID, name, body)

	// Embed entity texts and the episode content. Inference failure fails
	// the whole add: a half-embedded graph is worse than a clean error.
	texts := make([]string, 0, len(extracted.Nodes)+1)
	for _, n := range extracted.Nodes {
		texts = append(texts, n.Name+" "+n.Summary)
	}
	texts = append(texts, body)

	var vecs [][]float32
	err = deps.Breakers.Do("embedding", func() error {
		var embedErr error
		vecs, embedErr = deps.Embedder.EmbedBatch(ctx, texts)
		return embedErr
	})
	if err != nil {
		return nil, err
	}
	for i, n := range extracted.Nodes {
		n.Embedding = vecs[i]
	}

	ep := &graph.Episode{
		GroupID:           groupID,
		Name:              name,
		Content:           body,
		Source:            source,
		SourceDescription: argString(args, "source_description"),
		Embedding:         vecs[len(vecs)-1],
	}

	var res *graph.IngestResult
	err = deps.Breakers.Do("storage", func() error {
		var ingestErr error
		res, ingestErr = deps.Store.IngestEpisode(ctx, ep, extracted.Nodes, extracted.Relations)
		return ingestErr
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"episode_id":            res.EpisodeID,
		"entities_created":      res.NodesCreated,
		"relationships_created": res.EdgesCreated,
	}
	if verbosity != VerbositySummary {
		data["entities_updated"] = res.NodesUpdated
		data["group_id"] = groupID
	}
	if verbosity == VerbosityFull {
		data["node_ids"] = res.NodeIDs
		data["model_version"] = deps.Embedder.ModelVersion()
	}
	return envelope(data, "", nil), nil
}

func handleGetEpisodes(ctx context.Context, deps *Dependencies, args map[string]any) (map[string]any, error) {
	verbosity, err := ParseVerbosity(argString(args, "verbosity"))
	if err != nil {
		return nil, err
	}
	groupID := groupArg(args)
	lastN := argInt(args, "last_n", 10)
	if lastN > deps.MaxArraySize {
		lastN = deps.MaxArraySize
	}

	var episodes []*graph.Episode
	err = stability.RetryRead(ctx, deps.Retry, func() error {
		return deps.Breakers.Do("storage", func() error {
			var qerr error
			episodes, qerr = deps.Store.IterEpisodes(groupID, lastN)
			return qerr
		})
	})
	if err != nil {
		return nil, err
	}

	// Full responses can blow past the caller's token budget; run the
	// chunk selector over episode contents before formatting.
	if verbosity == VerbosityFull && deps.Selector != nil {
		episodes = selectEpisodes(deps.Selector, episodes)
	}

	out := make([]map[string]any, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, formatEpisode(ep, verbosity))
	}
	return envelope(map[string]any{"episodes": out, "count": len(out)}, "", nil), nil
}

// selectEpisodes trims an episode list to the token budget, newest first.
func selectEpisodes(sel *contextwindow.Selector, episodes []*graph.Episode) []*graph.Episode {
	chunks := make([]contextwindow.Chunk, len(episodes))
	byContent := make(map[string]*graph.Episode, len(episodes))
	for i, ep := range episodes {
		recency := 1.0 - float64(i)/float64(len(episodes))
		chunks[i] = contextwindow.Chunk{
			Content:    ep.Content,
			Type:       contextwindow.ChunkEpisode,
			Priority:   1,
			Recency:    recency,
			Relevance:  1,
			LastAccess: ep.CreatedAt,
		}
		byContent[ep.Content] = ep
	}
	selected := sel.Select(chunks)
	if len(selected) == len(episodes) {
		return episodes
	}
	out := make([]*graph.Episode, 0, len(selected))
	for _, c := range selected {
		if ep, ok := byContent[c.Content]; ok {
			out = append(out, ep)
		}
	}
	return out
}

func registerSearchTools(server *Server, deps *Dependencies) {
	server.RegisterTool(toolDefinition{
		Name:        "search_memory",
		Description: "Search the knowledge graph. Operations: nodes (hybrid text+vector), facts (relationships), similar_concepts (vector only).",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"operation":    {Type: "string", Description: "nodes, facts, or similar_concepts"},
				"query":        {Type: "string", Description: "Search query"},
				"limit":        {Type: "number", Description: "Max results (default 10)"},
				"group_filter": {Type: "string", Description: "Restrict to one namespace (optional)"},
				"verbosity":    {Type: "string", Description: "Response shape: summary, compact (default), or full"},
			},
			Required: []string{"operation", "query"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return handleSearchMemory(ctx, deps, args)
	}, false, 0)
}

func handleSearchMemory(ctx context.Context, deps *Dependencies, args map[string]any) (map[string]any, error) {
	query := argString(args, "query")
	if query == "" {
		return nil, errs.New(errs.KindInvalidParameters, "query is required")
	}
	if len(query) > deps.MaxQueryLength {
		return nil, errs.New(errs.KindSizeLimit, "query exceeds max_query_length")
	}
	verbosity, err := ParseVerbosity(argString(args, "verbosity"))
	if err != nil {
		return nil, err
	}
	operation := argString(args, "operation")
	limit := argInt(args, "limit", 10)
	if limit > deps.MaxArraySize {
		limit = deps.MaxArraySize
	}
	group := argString(args, "group_filter")

	// Identical concurrent searches share one execution.
	key := stability.Key("search_memory", map[string]any{
		"op": operation, "q": query, "limit": limit, "group": group,
	})
	v, _, err := deps.Dedup.Do(key, func() (any, error) {
		switch operation {
		case "nodes":
			return searchNodes(ctx, deps, query, group, limit)
		case "facts":
			return searchFacts(ctx, deps, query, group, limit)
		case "similar_concepts":
			return searchSimilar(ctx, deps, query, group, limit)
		default:
			return nil, errs.Newf(errs.KindInvalidParameters, "unknown operation %q", operation)
		}
	})
	if err != nil {
		return nil, err
	}
	sr := v.(*searchOutcome)

	return formatSearchOutcome(sr, verbosity), nil
}

// searchOutcome is the dedup-shared result of one search execution.
type searchOutcome struct {
	nodes    []*graph.Node
	scores   map[string]float64
	edges    []map[string]any // pre-shaped facts (edge + score)
	degraded string
	warnings []string
}

func searchNodes(ctx context.Context, deps *Dependencies, query, group string, limit int) (*searchOutcome, error) {
	resp, err := deps.Hybrid.Search(ctx, query, group, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Results))
	scores := make(map[string]float64, len(resp.Results))
	for _, r := range resp.Results {
		ids = append(ids, r.NodeID)
		scores[r.NodeID] = r.Score
	}
	nodes, err := deps.Store.NodesByIDs(ids)
	if err != nil {
		return nil, err
	}
	return &searchOutcome{nodes: nodes, scores: scores, degraded: resp.Degraded, warnings: resp.Warnings}, nil
}

func searchSimilar(ctx context.Context, deps *Dependencies, query, group string, limit int) (*searchOutcome, error) {
	resp, err := deps.Hybrid.SimilarConcepts(ctx, query, group, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Results))
	scores := make(map[string]float64, len(resp.Results))
	for _, r := range resp.Results {
		ids = append(ids, r.NodeID)
		scores[r.NodeID] = r.Score
	}
	nodes, err := deps.Store.NodesByIDs(ids)
	if err != nil {
		return nil, err
	}
	return &searchOutcome{nodes: nodes, scores: scores}, nil
}

func searchFacts(ctx context.Context, deps *Dependencies, query, group string, limit int) (*searchOutcome, error) {
	facts, degraded, err := deps.Hybrid.Facts(ctx, query, group, limit)
	if err != nil {
		return nil, err
	}
	shaped := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		shaped = append(shaped, map[string]any{"edge": f.Edge, "score": f.Score})
	}
	return &searchOutcome{edges: shaped, degraded: degraded}, nil
}

func formatSearchOutcome(sr *searchOutcome, verbosity Verbosity) map[string]any {
	if sr.edges != nil {
		shaped := sr.edges
		if verbosity == VerbositySummary {
			ids := make([]map[string]any, 0, len(shaped))
			for _, f := range shaped {
				edge := f["edge"].(*graph.Edge)
				ids = append(ids, map[string]any{"id": edge.ID})
			}
			return envelope(map[string]any{"facts": ids, "count": len(ids)}, sr.degraded, sr.warnings)
		}
		out := make([]map[string]any, 0, len(shaped))
		for _, f := range shaped {
			edge := f["edge"].(*graph.Edge)
			m := formatEdge(edge, verbosity)
			m["score"] = f["score"]
			out = append(out, m)
		}
		return envelope(map[string]any{"facts": out, "count": len(out)}, sr.degraded, sr.warnings)
	}

	out := make([]map[string]any, 0, len(sr.nodes))
	for _, n := range sr.nodes {
		m := formatNode(n, verbosity)
		if verbosity == VerbositySummary {
			// summary keeps ids plus just enough to identify the hit
			m["name"] = n.Name
			m["type"] = n.NodeType
		}
		if verbosity != VerbositySummary {
			m["score"] = sr.scores[n.ID]
		}
		out = append(out, m)
	}
	return envelope(map[string]any{"nodes": out, "count": len(out)}, sr.degraded, sr.warnings)
}

func registerGraphTools(server *Server, deps *Dependencies) {
	server.RegisterTool(toolDefinition{
		Name:        "get_neighbors",
		Description: "BFS neighborhood of a node, up to 3 hops.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"uuid":     {Type: "string", Description: "Node id"},
				"depth":    {Type: "number", Description: "Hops to traverse, 1-3 (default 1)"},
				"group_id": {Type: "string", Description: "Namespace (default \"default\")"},
			},
			Required: []string{"uuid"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		neighbors, err := deps.Graph.Neighbors(groupArg(args), argString(args, "uuid"), argInt(args, "depth", 1))
		if err != nil {
			return nil, err
		}
		return envelope(map[string]any{"neighbors": neighbors, "count": len(neighbors)}, "", nil), nil
	}, false, 0)

	server.RegisterTool(toolDefinition{
		Name:        "get_shortest_path",
		Description: "Dijkstra shortest path between two nodes; edge cost is 1 minus the relation confidence.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"from_uuid": {Type: "string", Description: "Start node id"},
				"to_uuid":   {Type: "string", Description: "End node id"},
				"group_id":  {Type: "string", Description: "Namespace (default \"default\")"},
			},
			Required: []string{"from_uuid", "to_uuid"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		path, err := deps.Graph.ShortestPath(groupArg(args), argString(args, "from_uuid"), argString(args, "to_uuid"))
		if err != nil {
			return nil, err
		}
		return envelope(map[string]any{"path": path.NodeIDs, "cost": path.Cost}, "", nil), nil
	}, false, 0)

	server.RegisterTool(toolDefinition{
		Name:        "get_communities",
		Description: "Connected components of a group's graph, largest first.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"group_id": {Type: "string", Description: "Namespace (default \"default\")"},
			},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		components, err := deps.Graph.ConnectedComponents(groupArg(args))
		if err != nil {
			return nil, err
		}
		return envelope(map[string]any{"components": components, "count": len(components)}, "", nil), nil
	}, false, 0)

	server.RegisterTool(toolDefinition{
		Name:        "get_centrality",
		Description: "Centrality measures for a group: degree always; betweenness and closeness for graphs up to 2000 nodes.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"group_id": {Type: "string", Description: "Namespace (default \"default\")"},
			},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		scores, err := deps.Graph.Centrality(groupArg(args))
		if err != nil {
			return nil, err
		}
		return envelope(map[string]any{"centrality": scores}, "", nil), nil
	}, false, 0)

	server.RegisterTool(toolDefinition{
		Name:        "get_stats",
		Description: "Row counts per table, embedding cache hit and miss counts, and circuit breaker states.",
		InputSchema: inputSchema{
			Type:       "object",
			Properties: map[string]property{},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		stats, err := deps.Store.Stats()
		if err != nil {
			return nil, err
		}
		hits, misses := deps.Embedder.CacheStats()
		return envelope(map[string]any{
			"tables":                 stats,
			"embedding_cache_hits":   hits,
			"embedding_cache_misses": misses,
			"breakers":               deps.Breakers.States(),
		}, "", nil), nil
	}, false, 0)
}

func registerAdminTools(server *Server, deps *Dependencies) {
	server.RegisterTool(toolDefinition{
		Name:        "get_entity_edge",
		Description: "Fetch a relationship by id.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"uuid":      {Type: "string", Description: "Edge id"},
				"verbosity": {Type: "string", Description: "Response shape: summary, compact (default), or full"},
			},
			Required: []string{"uuid"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		verbosity, err := ParseVerbosity(argString(args, "verbosity"))
		if err != nil {
			return nil, err
		}
		var edge *graph.Edge
		err = stability.RetryRead(ctx, deps.Retry, func() error {
			return deps.Breakers.Do("storage", func() error {
				var qerr error
				edge, qerr = deps.Store.GetEdge(argString(args, "uuid"))
				return qerr
			})
		})
		if err != nil {
			return nil, err
		}
		return envelope(map[string]any{"edge": formatEdge(edge, verbosity)}, "", nil), nil
	}, false, 0)

	server.RegisterTool(toolDefinition{
		Name:        "delete_entity_edge",
		Description: "Delete a relationship by id.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"uuid": {Type: "string", Description: "Edge id"},
			},
			Required: []string{"uuid"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		err := deps.Breakers.Do("storage", func() error {
			return deps.Store.DeleteEdge(argString(args, "uuid"))
		})
		if err != nil {
			return nil, err
		}
		return envelope(map[string]any{"deleted": argString(args, "uuid")}, "", nil), nil
	}, true, 0)

	server.RegisterTool(toolDefinition{
		Name:        "delete_episode",
		Description: "Delete an episode by id. Entities and relationships extracted from it remain.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"uuid": {Type: "string", Description: "Episode id"},
			},
			Required: []string{"uuid"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		err := deps.Breakers.Do("storage", func() error {
			return deps.Store.DeleteEpisode(argString(args, "uuid"))
		})
		if err != nil {
			return nil, err
		}
		return envelope(map[string]any{"deleted": argString(args, "uuid")}, "", nil), nil
	}, true, 0)

	server.RegisterTool(toolDefinition{
		Name:        "clear_graph",
		Description: "Delete every episode, entity, and relationship in a group. Refuses without confirm=true.",
		InputSchema: inputSchema{
			Type: "object",
			Properties: map[string]property{
				"group_id": {Type: "string", Description: "Namespace to clear (default \"default\")"},
				"confirm":  {Type: "boolean", Description: "Must be true"},
			},
			Required: []string{"confirm"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		if !argBool(args, "confirm") {
			return nil, errs.New(errs.KindInvalidParameters, "clear_graph requires confirm=true")
		}
		groupID := groupArg(args)
		var deleted int
		err := deps.Breakers.Do("storage", func() error {
			var cerr error
			deleted, cerr = deps.Store.ClearGroup(groupID, true)
			return cerr
		})
		if err != nil {
			return nil, err
		}
		return envelope(map[string]any{"group_id": groupID, "deleted": deleted}, "", nil), nil
	}, true, 0)
}

