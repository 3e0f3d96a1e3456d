package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mnemon/mnemon/internal/contextwindow"
	"github.com/mnemon/mnemon/internal/embedding"
	"github.com/mnemon/mnemon/internal/extract"
	"github.com/mnemon/mnemon/internal/graph"
	"github.com/mnemon/mnemon/internal/graphquery"
	"github.com/mnemon/mnemon/internal/search"
	"github.com/mnemon/mnemon/internal/stability"
)

const testDims = 64

type testEnv struct {
	server *Server
	store  *graph.Store
	deps   *Dependencies
}

func setupTestServer(t *testing.T, opts ...func(*serverConfig)) *testEnv {
	t.Helper()
	cfg := &serverConfig{
		rpm:       6000,
		burst:     1000,
		apiKey:    "",
		authOn:    false,
		adminAuth: false,
	}
	for _, o := range opts {
		o(cfg)
	}

	store, err := graph.Open(t.TempDir(), graph.Options{Filename: "test.db", Dimensions: testDims, EnableWAL: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	embedder, err := embedding.NewEngine(embedding.NewNGramModel(testDims), embedding.Options{})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(embedder.Close)

	breakers := stability.NewRegistry(stability.BreakerConfig{
		FailureThreshold: 5, RecoveryTimeout: time.Second, SuccessThreshold: 1,
	})
	text := search.NewTextSearcher(store, false)
	hybrid := search.NewHybrid(store, text, embedder, search.Options{
		MaxResults: 10, SimilarityThreshold: 0.0, TextWeight: 0.3, VectorWeight: 0.7,
		Algorithm: search.FuseRRF, EnableRerank: true, Breakers: breakers,
	})

	deps := &Dependencies{
		Store:            store,
		Embedder:         embedder,
		Hybrid:           hybrid,
		Graph:            graphquery.New(store, 0),
		Extractor:        extract.NewPipeline(embedder.ModelVersion()),
		Breakers:         breakers,
		Dedup:            stability.NewDedup(),
		Retry:            stability.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond},
		Selector:         contextwindow.NewSelector(contextwindow.Options{MaxTokens: 128000}),
		MaxContentLength: 1024,
		MaxQueryLength:   128,
		MaxArraySize:     64,
		IndexingTimeout:  30 * time.Second,
	}

	auth := NewAuthenticator(cfg.authOn, cfg.adminAuth, cfg.apiKey)
	limiter := NewRateLimiter(cfg.rpm, cfg.burst)
	server := NewServer("mnemon-test", "0.0.0", auth, limiter, NewMetrics(), 30*time.Second)
	RegisterAll(server, deps)
	server.initialized.Store(true)

	return &testEnv{server: server, store: store, deps: deps}
}

type serverConfig struct {
	rpm, burst        int
	apiKey            string
	authOn, adminAuth bool
}

func call(t *testing.T, env *testEnv, tool string, args map[string]any) (map[string]any, *jsonRPCError) {
	t.Helper()
	return callWithClient(t, env, tool, args, "test-client", "")
}

func callWithClient(t *testing.T, env *testEnv, tool string, args map[string]any, client, token string) (map[string]any, *jsonRPCError) {
	t.Helper()
	params, _ := json.Marshal(toolsCallParams{Name: tool, Arguments: args})
	resp := env.server.HandleRequest(context.Background(), jsonRPCRequest{
		JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params,
	}, client, token)
	if resp == nil {
		t.Fatal("nil response for tools/call")
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	result, ok := resp.Result.(toolsCallResult)
	if !ok || len(result.Content) == 0 {
		t.Fatalf("unexpected result shape: %+v", resp.Result)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	return out, nil
}

func TestInitializeHandshake(t *testing.T) {
	env := setupTestServer(t)
	env.server.initialized.Store(false)

	// requests before initialized are rejected (except initialize/ping)
	params, _ := json.Marshal(toolsCallParams{Name: "get_stats"})
	resp := env.server.HandleRequest(context.Background(), jsonRPCRequest{
		JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params,
	}, "c", "")
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("pre-init call error = %+v, want %d", resp.Error, codeInvalidRequest)
	}

	// ping is always allowed
	resp = env.server.HandleRequest(context.Background(), jsonRPCRequest{JSONRPC: "2.0", ID: 2, Method: "ping"}, "c", "")
	if resp.Error != nil {
		t.Fatalf("ping rejected: %+v", resp.Error)
	}

	resp = env.server.HandleRequest(context.Background(), jsonRPCRequest{JSONRPC: "2.0", ID: 3, Method: "initialize"}, "c", "")
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	init, ok := resp.Result.(initializeResult)
	if !ok || init.ProtocolVersion != protocolVersion {
		t.Fatalf("initialize result: %+v", resp.Result)
	}

	if r := env.server.HandleRequest(context.Background(), jsonRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"}, "c", ""); r != nil {
		t.Fatal("notification should not produce a response")
	}

	resp = env.server.HandleRequest(context.Background(), jsonRPCRequest{
		JSONRPC: "2.0", ID: 4, Method: "tools/call", Params: params,
	}, "c", "")
	if resp.Error != nil {
		t.Fatalf("post-init call rejected: %+v", resp.Error)
	}
}

func TestAddAndFind(t *testing.T) {
	env := setupTestServer(t)

	out, rpcErr := call(t, env, "add_memory", map[string]any{
		"name":         "Meeting",
		"episode_body": "Alice works at TechCorp with Bob",
		"source":       "text",
	})
	if rpcErr != nil {
		t.Fatalf("add_memory: %+v", rpcErr)
	}
	if out["success"] != true {
		t.Error("success != true")
	}
	if n := out["entities_created"].(float64); n < 3 {
		t.Errorf("entities_created = %v, want >= 3", n)
	}
	if n := out["relationships_created"].(float64); n < 1 {
		t.Errorf("relationships_created = %v, want >= 1", n)
	}

	found, rpcErr := call(t, env, "search_memory", map[string]any{
		"operation": "nodes", "query": "Alice", "limit": 5, "verbosity": "summary",
	})
	if rpcErr != nil {
		t.Fatalf("search_memory: %+v", rpcErr)
	}
	nodes := found["nodes"].([]any)
	if len(nodes) == 0 {
		t.Fatal("no nodes found")
	}
	first := nodes[0].(map[string]any)
	if first["name"] != "Alice" {
		t.Errorf("first name = %v, want Alice", first["name"])
	}
	if first["type"] != "Person" {
		t.Errorf("first type = %v, want Person", first["type"])
	}
}

func TestIdempotentUpsert(t *testing.T) {
	env := setupTestServer(t)
	body := map[string]any{"name": "Meeting", "episode_body": "Alice works at TechCorp"}

	first, rpcErr := call(t, env, "add_memory", body)
	if rpcErr != nil {
		t.Fatalf("first add: %+v", rpcErr)
	}
	second, rpcErr := call(t, env, "add_memory", body)
	if rpcErr != nil {
		t.Fatalf("second add: %+v", rpcErr)
	}
	if first["episode_id"] == second["episode_id"] {
		t.Error("episode ids should differ")
	}

	found, _ := call(t, env, "search_memory", map[string]any{
		"operation": "nodes", "query": "TechCorp", "limit": 10,
	})
	var orgs int
	for _, n := range found["nodes"].([]any) {
		node := n.(map[string]any)
		if node["name"] == "TechCorp" {
			orgs++
		}
	}
	if orgs != 1 {
		t.Errorf("TechCorp nodes = %d, want exactly 1", orgs)
	}
}

func TestDeleteFlow(t *testing.T) {
	env := setupTestServer(t)

	added, rpcErr := call(t, env, "add_memory", map[string]any{
		"name":         "Unique",
		"episode_body": "Alice mentioned the quixotic initiative",
	})
	if rpcErr != nil {
		t.Fatalf("add: %+v", rpcErr)
	}
	epID := added["episode_id"].(string)

	if _, rpcErr := call(t, env, "delete_episode", map[string]any{"uuid": epID}); rpcErr != nil {
		t.Fatalf("delete: %+v", rpcErr)
	}

	episodes, _ := call(t, env, "get_episodes", map[string]any{"last_n": 50})
	for _, e := range episodes["episodes"].([]any) {
		if e.(map[string]any)["id"] == epID {
			t.Error("deleted episode still listed")
		}
	}

	hits, err := env.store.FTSSearch(`"quixotic"`, "episode", "", 10)
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(hits) != 0 {
		t.Error("deleted episode text still in FTS")
	}

	// nodes created from the episode still match by name
	found, _ := call(t, env, "search_memory", map[string]any{"operation": "nodes", "query": "Alice"})
	if len(found["nodes"].([]any)) == 0 {
		t.Error("derived node gone after episode delete")
	}

	if _, rpcErr := call(t, env, "delete_episode", map[string]any{"uuid": epID}); rpcErr == nil || rpcErr.Code != codeNotFound {
		t.Errorf("double delete = %+v, want code %d", rpcErr, codeNotFound)
	}
}

func TestClearGraphRequiresConfirm(t *testing.T) {
	env := setupTestServer(t)
	call(t, env, "add_memory", map[string]any{"name": "x", "episode_body": "Alice works at TechCorp"})

	_, rpcErr := call(t, env, "clear_graph", map[string]any{})
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Fatalf("unconfirmed clear = %+v, want %d", rpcErr, codeInvalidParams)
	}

	out, rpcErr := call(t, env, "clear_graph", map[string]any{"confirm": true})
	if rpcErr != nil {
		t.Fatalf("confirmed clear: %+v", rpcErr)
	}
	if out["deleted"].(float64) == 0 {
		t.Error("nothing deleted")
	}

	episodes, _ := call(t, env, "get_episodes", map[string]any{"last_n": 50})
	if episodes["count"].(float64) != 0 {
		t.Error("episodes remain after clear")
	}
}

func TestSizeLimits(t *testing.T) {
	env := setupTestServer(t)

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}
	_, rpcErr := call(t, env, "add_memory", map[string]any{"name": "n", "episode_body": string(big)})
	if rpcErr == nil || rpcErr.Code != codeSizeLimit {
		t.Errorf("oversized body = %+v, want %d", rpcErr, codeSizeLimit)
	}

	_, rpcErr = call(t, env, "search_memory", map[string]any{"operation": "nodes", "query": string(big[:256])})
	if rpcErr == nil || rpcErr.Code != codeSizeLimit {
		t.Errorf("oversized query = %+v, want %d", rpcErr, codeSizeLimit)
	}
}

func TestRateLimit(t *testing.T) {
	env := setupTestServer(t, func(c *serverConfig) { c.rpm = 60; c.burst = 10 })

	var limited bool
	for i := 0; i < 11; i++ {
		_, rpcErr := callWithClient(t, env, "get_stats", nil, "hot-client", "")
		if rpcErr != nil {
			if rpcErr.Code != codeRateLimit {
				t.Fatalf("unexpected error: %+v", rpcErr)
			}
			if i < 10 {
				t.Fatalf("limited too early at request %d", i+1)
			}
			limited = true
		}
	}
	if !limited {
		t.Fatal("11th request not rate limited")
	}

	// a different client has its own bucket
	if _, rpcErr := callWithClient(t, env, "get_stats", nil, "cold-client", ""); rpcErr != nil {
		t.Errorf("other client limited: %+v", rpcErr)
	}
}

func TestAdminRequiresAuth(t *testing.T) {
	env := setupTestServer(t, func(c *serverConfig) {
		c.adminAuth = true
		c.apiKey = "secret-token"
	})

	// reads work without a token
	if _, rpcErr := call(t, env, "get_stats", nil); rpcErr != nil {
		t.Fatalf("read rejected: %+v", rpcErr)
	}

	_, rpcErr := callWithClient(t, env, "clear_graph", map[string]any{"confirm": true}, "c", "")
	if rpcErr == nil || rpcErr.Code != codeAuth {
		t.Fatalf("unauthenticated admin = %+v, want %d", rpcErr, codeAuth)
	}
	_, rpcErr = callWithClient(t, env, "clear_graph", map[string]any{"confirm": true}, "c", "Bearer wrong")
	if rpcErr == nil || rpcErr.Code != codeAuth {
		t.Fatalf("wrong token = %+v, want %d", rpcErr, codeAuth)
	}
	if _, rpcErr = callWithClient(t, env, "clear_graph", map[string]any{"confirm": true}, "c", "Bearer secret-token"); rpcErr != nil {
		t.Fatalf("valid token rejected: %+v", rpcErr)
	}
}

func TestVerbosityShapes(t *testing.T) {
	env := setupTestServer(t)
	call(t, env, "add_memory", map[string]any{"name": "m", "episode_body": "Alice works at TechCorp"})

	summary, _ := call(t, env, "search_memory", map[string]any{"operation": "nodes", "query": "Alice", "verbosity": "summary"})
	node := summary["nodes"].([]any)[0].(map[string]any)
	if _, ok := node["created_at"]; ok {
		t.Error("summary verbosity leaked timestamps")
	}

	full, _ := call(t, env, "search_memory", map[string]any{"operation": "nodes", "query": "Alice", "verbosity": "full"})
	node = full["nodes"].([]any)[0].(map[string]any)
	if _, ok := node["created_at"]; !ok {
		t.Error("full verbosity missing timestamps")
	}

	_, rpcErr := call(t, env, "search_memory", map[string]any{"operation": "nodes", "query": "Alice", "verbosity": "chatty"})
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Errorf("unknown verbosity = %+v, want %d", rpcErr, codeInvalidParams)
	}
}

func TestUnknownToolAndOperation(t *testing.T) {
	env := setupTestServer(t)

	_, rpcErr := call(t, env, "no_such_tool", nil)
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Errorf("unknown tool = %+v", rpcErr)
	}
	_, rpcErr = call(t, env, "search_memory", map[string]any{"operation": "teleport", "query": "x"})
	if rpcErr == nil || rpcErr.Code != codeInvalidParams {
		t.Errorf("unknown operation = %+v", rpcErr)
	}
}

func TestGraphToolsFlow(t *testing.T) {
	env := setupTestServer(t)
	call(t, env, "add_memory", map[string]any{"name": "m", "episode_body": "Alice works at TechCorp with Bob"})

	found, _ := call(t, env, "search_memory", map[string]any{"operation": "nodes", "query": "Alice", "verbosity": "compact"})
	aliceID := found["nodes"].([]any)[0].(map[string]any)["id"].(string)

	neighbors, rpcErr := call(t, env, "get_neighbors", map[string]any{"uuid": aliceID, "depth": 2})
	if rpcErr != nil {
		t.Fatalf("get_neighbors: %+v", rpcErr)
	}
	if neighbors["count"].(float64) == 0 {
		t.Error("Alice has no neighbors despite extracted relations")
	}

	if _, rpcErr = call(t, env, "get_communities", nil); rpcErr != nil {
		t.Errorf("get_communities: %+v", rpcErr)
	}
	if _, rpcErr = call(t, env, "get_centrality", nil); rpcErr != nil {
		t.Errorf("get_centrality: %+v", rpcErr)
	}
}

func TestFactsOperation(t *testing.T) {
	env := setupTestServer(t)
	call(t, env, "add_memory", map[string]any{"name": "m", "episode_body": "Alice works at TechCorp"})

	facts, rpcErr := call(t, env, "search_memory", map[string]any{"operation": "facts", "query": "Alice"})
	if rpcErr != nil {
		t.Fatalf("facts: %+v", rpcErr)
	}
	if facts["count"].(float64) < 1 {
		t.Error("no facts returned")
	}
}

func TestGetAndDeleteEdge(t *testing.T) {
	env := setupTestServer(t)
	call(t, env, "add_memory", map[string]any{"name": "m", "episode_body": "Alice works at TechCorp"})

	facts, _ := call(t, env, "search_memory", map[string]any{"operation": "facts", "query": "Alice", "verbosity": "compact"})
	edgeID := facts["facts"].([]any)[0].(map[string]any)["id"].(string)

	edge, rpcErr := call(t, env, "get_entity_edge", map[string]any{"uuid": edgeID})
	if rpcErr != nil {
		t.Fatalf("get_entity_edge: %+v", rpcErr)
	}
	if edge["edge"].(map[string]any)["id"] != edgeID {
		t.Error("edge id mismatch")
	}

	if _, rpcErr = call(t, env, "delete_entity_edge", map[string]any{"uuid": edgeID}); rpcErr != nil {
		t.Fatalf("delete_entity_edge: %+v", rpcErr)
	}
	_, rpcErr = call(t, env, "get_entity_edge", map[string]any{"uuid": edgeID})
	if rpcErr == nil || rpcErr.Code != codeNotFound {
		t.Errorf("get after delete = %+v, want %d", rpcErr, codeNotFound)
	}
}

func TestBreakerTripsViaTools(t *testing.T) {
	env := setupTestServer(t)

	// Trip the storage breaker directly, then observe fail-fast at the tool layer.
	for i := 0; i < 5; i++ {
		env.deps.Breakers.Do("storage", func() error {
			return context.DeadlineExceeded
		})
	}

	start := time.Now()
	_, rpcErr := call(t, env, "get_episodes", nil)
	if rpcErr == nil || rpcErr.Code != codeCircuitOpen {
		t.Fatalf("call with open breaker = %+v, want %d", rpcErr, codeCircuitOpen)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("fail-fast took %s", elapsed)
	}
}
