package graph

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnemon/mnemon/internal/errs"
)

const testDims = 8

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{
		Filename:   "test.db",
		PoolSize:   4,
		EnableWAL:  true,
		Dimensions: testDims,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func unitVec(seed int) []float32 {
	v := make([]float32, testDims)
	var norm float64
	for i := range v {
		v[i] = float32((seed*7+i*3)%11) + 1
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func TestEpisodeRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	id, err := s.PutEpisode(&Episode{
		Name:    "Standup",
		Content: "Discussed the migration plan",
		Source:  SourceText,
	})
	if err != nil {
		t.Fatalf("PutEpisode: %v", err)
	}

	ep, err := s.GetEpisode(id)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if ep.Name != "Standup" || ep.GroupID != DefaultGroup || ep.Source != SourceText {
		t.Errorf("round trip mismatch: %+v", ep)
	}
	if ep.ShortID == "" {
		t.Error("short id not assigned")
	}

	// short id lookup resolves too
	if _, err := s.GetEpisode(ep.ShortID); err != nil {
		t.Errorf("lookup by short id: %v", err)
	}
}

func TestGetEpisodeNotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetEpisode("no-such-id")
	if !errs.Is(err, errs.KindNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}
}

func TestNodeUpsertIdempotent(t *testing.T) {
	s := setupTestStore(t)

	n := &Node{Name: "Alice", NodeType: "Person", Summary: "An engineer", Embedding: unitVec(1)}
	id1, wasNew, err := s.PutNode(n)
	if err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if !wasNew {
		t.Error("first write should create")
	}

	first, _ := s.GetNode(id1)

	time.Sleep(5 * time.Millisecond)
	id2, wasNew, err := s.PutNode(&Node{Name: "Alice", NodeType: "Person", Summary: "A lead engineer", Embedding: unitVec(2)})
	if err != nil {
		t.Fatalf("second PutNode: %v", err)
	}
	if wasNew {
		t.Error("second write should update")
	}
	if id1 != id2 {
		t.Errorf("ids differ: %s vs %s", id1, id2)
	}

	second, _ := s.GetNode(id1)
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("updated_at did not advance")
	}
	if second.Summary != "A lead engineer" {
		t.Errorf("summary not refreshed: %q", second.Summary)
	}

	stats, _ := s.Stats()
	if stats["nodes"] != 1 {
		t.Errorf("node rows = %d, want 1", stats["nodes"])
	}
}

func TestNodeEmbeddingNormInvariant(t *testing.T) {
	s := setupTestStore(t)
	_, _, err := s.PutNode(&Node{Name: "Vec", NodeType: "Concept", Embedding: unitVec(3)})
	if err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	n, err := s.FindNodeByKey(DefaultGroup, "Vec", "Concept")
	if err != nil {
		t.Fatalf("FindNodeByKey: %v", err)
	}
	var norm float64
	for _, x := range n.Embedding {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if math.Abs(norm-1.0) > 1e-4 {
		t.Errorf("stored embedding norm = %f", norm)
	}
}

func TestEmbeddingDimensionRejected(t *testing.T) {
	s := setupTestStore(t)
	_, _, err := s.PutNode(&Node{Name: "Bad", NodeType: "Concept", Embedding: make([]float32, testDims+1)})
	if !errs.Is(err, errs.KindInvalidParameters) {
		t.Errorf("err = %v, want InvalidParameters", err)
	}
}

func TestEdgeEndpointEnforcement(t *testing.T) {
	s := setupTestStore(t)

	aliceID, _, _ := s.PutNode(&Node{Name: "Alice", NodeType: "Person"})
	corpID, _, _ := s.PutNode(&Node{Name: "TechCorp", NodeType: "Organization"})

	edgeID, err := s.PutEdge(&Edge{
		SourceNodeID: aliceID,
		TargetNodeID: corpID,
		RelationType: "WORKS_AT",
		Weight:       0.9,
	})
	if err != nil {
		t.Fatalf("PutEdge: %v", err)
	}

	e, err := s.GetEdge(edgeID)
	if err != nil {
		t.Fatalf("GetEdge: %v", err)
	}
	src, err := s.GetNode(e.SourceNodeID)
	if err != nil {
		t.Fatalf("source endpoint: %v", err)
	}
	dst, err := s.GetNode(e.TargetNodeID)
	if err != nil {
		t.Fatalf("target endpoint: %v", err)
	}
	if src.GroupID != e.GroupID || dst.GroupID != e.GroupID {
		t.Error("edge endpoints not in edge's group")
	}

	// missing endpoint fails
	_, err = s.PutEdge(&Edge{SourceNodeID: aliceID, TargetNodeID: "missing", RelationType: "KNOWS", Weight: 0.5})
	if !errs.Is(err, errs.KindNotFound) {
		t.Errorf("err = %v, want NotFound", err)
	}

	// cross-group endpoint fails
	otherID, _, _ := s.PutNode(&Node{GroupID: "other", Name: "Zed", NodeType: "Person"})
	_, err = s.PutEdge(&Edge{GroupID: DefaultGroup, SourceNodeID: aliceID, TargetNodeID: otherID, RelationType: "KNOWS", Weight: 0.5})
	if !errs.Is(err, errs.KindInvalidParameters) {
		t.Errorf("cross-group err = %v, want InvalidParameters", err)
	}
}

func TestDeleteEpisodeLooseCoupling(t *testing.T) {
	s := setupTestStore(t)

	res, err := s.IngestEpisode(context.Background(), &Episode{
		Name:    "Meeting",
		Content: "Alice joined the xylophone committee",
		Source:  SourceText,
	}, []*Node{{Name: "Alice", NodeType: "Person", Embedding: unitVec(1)}}, nil)
	if err != nil {
		t.Fatalf("IngestEpisode: %v", err)
	}

	// unique substring is findable before the delete
	hits, err := s.FTSSearch(`"xylophone"`, "", "", 10)
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("episode content not indexed")
	}

	if err := s.DeleteEpisode(res.EpisodeID); err != nil {
		t.Fatalf("DeleteEpisode: %v", err)
	}

	if _, err := s.GetEpisode(res.EpisodeID); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("get after delete = %v, want NotFound", err)
	}
	hits, _ = s.FTSSearch(`"xylophone"`, "episode", "", 10)
	if len(hits) != 0 {
		t.Error("deleted episode still in FTS")
	}

	// derived node remains
	if _, err := s.FindNodeByKey(DefaultGroup, "Alice", "Person"); err != nil {
		t.Errorf("derived node gone after episode delete: %v", err)
	}

	if err := s.DeleteEpisode(res.EpisodeID); !errs.Is(err, errs.KindNotFound) {
		t.Errorf("double delete = %v, want NotFound", err)
	}
}

func TestIngestAtomicRollback(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.IngestEpisode(context.Background(), &Episode{
		Name:    "Broken",
		Content: "body",
		Source:  SourceText,
	}, []*Node{{Name: "Solo", NodeType: "Person"}}, []CandidateRelation{
		{SourceIdx: 0, TargetIdx: 5, RelationType: "KNOWS", Weight: 0.5}, // out of range
	})
	if err == nil {
		t.Fatal("expected failure")
	}

	stats, _ := s.Stats()
	if stats["episodes"] != 0 || stats["nodes"] != 0 {
		t.Errorf("partial write survived rollback: %v", stats)
	}
}

func TestClearGroup(t *testing.T) {
	s := setupTestStore(t)

	s.PutEpisode(&Episode{GroupID: "work", Name: "a", Content: "alpha content", Source: SourceText})
	s.PutNode(&Node{GroupID: "work", Name: "Alpha", NodeType: "Concept", Embedding: unitVec(1)})
	s.PutEpisode(&Episode{GroupID: "home", Name: "b", Content: "beta content", Source: SourceText})

	if _, err := s.ClearGroup("work", false); !errs.Is(err, errs.KindInvalidParameters) {
		t.Fatalf("unconfirmed clear = %v, want InvalidParameters", err)
	}

	before := s.Epoch("work")
	deleted, err := s.ClearGroup("work", true)
	if err != nil {
		t.Fatalf("ClearGroup: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if s.Epoch("work") <= before {
		t.Error("epoch not bumped")
	}

	eps, _ := s.IterEpisodes("work", 50)
	if len(eps) != 0 {
		t.Error("episodes remain after clear")
	}
	hits, _ := s.VectorSearch(unitVec(1), 10, "work", 0.0, MetricCosine)
	if len(hits) != 0 {
		t.Error("vectors remain after clear")
	}

	// other group untouched
	eps, _ = s.IterEpisodes("home", 50)
	if len(eps) != 1 {
		t.Error("unrelated group was cleared")
	}
}

func TestIterEpisodesOrder(t *testing.T) {
	s := setupTestStore(t)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.PutEpisode(&Episode{
			Name:      string(rune('a' + i)),
			Content:   "content",
			Source:    SourceText,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	eps, err := s.IterEpisodes(DefaultGroup, 3)
	if err != nil {
		t.Fatalf("IterEpisodes: %v", err)
	}
	if len(eps) != 3 {
		t.Fatalf("len = %d, want 3", len(eps))
	}
	for i := 1; i < len(eps); i++ {
		if eps[i].CreatedAt.After(eps[i-1].CreatedAt) {
			t.Error("episodes not newest first")
		}
	}
}

func TestVectorSearchOrderingDeterministic(t *testing.T) {
	s := setupTestStore(t)
	for i := 0; i < 10; i++ {
		s.PutNode(&Node{Name: string(rune('A' + i)), NodeType: "Concept", Embedding: unitVec(i)})
	}

	query := unitVec(3)
	a, err := s.VectorSearch(query, 5, "", 0.0, MetricCosine)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	b, _ := s.VectorSearch(query, 5, "", 0.0, MetricCosine)

	if len(a) == 0 || len(a) != len(b) {
		t.Fatalf("result sizes: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].NodeID != b[i].NodeID {
			t.Fatalf("orderings differ at %d", i)
		}
	}
	for i := 1; i < len(a); i++ {
		if a[i].Similarity > a[i-1].Similarity {
			t.Error("similarities not descending")
		}
	}
}

func TestVectorSearchThreshold(t *testing.T) {
	s := setupTestStore(t)
	s.PutNode(&Node{Name: "Exact", NodeType: "Concept", Embedding: unitVec(1)})
	s.PutNode(&Node{Name: "Far", NodeType: "Concept", Embedding: unitVec(9)})

	hits, err := s.VectorSearch(unitVec(1), 10, "", 0.999, MetricCosine)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	for _, h := range hits {
		if h.Similarity < 0.999 {
			t.Errorf("hit below threshold: %f", h.Similarity)
		}
	}
}

func TestVectorSearchDimensionMismatch(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.VectorSearch(make([]float32, testDims*2), 5, "", 0, MetricCosine)
	if !errs.Is(err, errs.KindInvalidParameters) {
		t.Errorf("err = %v, want InvalidParameters", err)
	}
}

func TestFTSFieldBoosts(t *testing.T) {
	s := setupTestStore(t)

	// "rocket" in a node name should outrank "rocket" in episode content.
	s.PutNode(&Node{Name: "Rocket Program", NodeType: "Concept", Summary: "space things"})
	s.PutEpisode(&Episode{Name: "Notes", Content: "we talked about the rocket briefly", Source: SourceText})

	hits, err := s.FTSSearch(`"rocket"`, "", "", 10)
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(hits) < 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].DocKind != "node" {
		t.Errorf("top hit kind = %s, want node (name boost)", hits[0].DocKind)
	}
}

func TestFTSMalformedQuery(t *testing.T) {
	s := setupTestStore(t)
	s.PutNode(&Node{Name: "X", NodeType: "Concept"})
	_, err := s.FTSSearch(`AND AND (((`, "", "", 10)
	if err == nil {
		t.Skip("FTS accepted the expression; parser is lenient in this build")
	}
	if !errs.Is(err, errs.KindInvalidParameters) && !errs.Is(err, errs.KindStorage) {
		t.Errorf("unexpected kind: %v", err)
	}
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := unitVec(4)
	decoded, err := DecodeVector(EncodeVector(vec))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(decoded) != len(vec) {
		t.Fatalf("len = %d, want %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Errorf("component %d differs", i)
		}
	}

	if _, err := DecodeVector([]byte{1, 2}); err == nil {
		t.Error("short blob accepted")
	}
	if _, err := DecodeVector(append(EncodeVector(vec), 0)); err == nil {
		t.Error("oversize blob accepted")
	}
}

func TestEpochBumpsOnWrites(t *testing.T) {
	s := setupTestStore(t)
	e0 := s.Epoch(DefaultGroup)
	s.PutEpisode(&Episode{Name: "a", Content: "b", Source: SourceText})
	e1 := s.Epoch(DefaultGroup)
	if e1 <= e0 {
		t.Error("epoch not bumped by episode write")
	}
	s.PutNode(&Node{Name: "N", NodeType: "Concept"})
	if s.Epoch(DefaultGroup) <= e1 {
		t.Error("epoch not bumped by node write")
	}
}

func TestBackupSnapshot(t *testing.T) {
	s := setupTestStore(t)
	s.PutEpisode(&Episode{Name: "a", Content: "b", Source: SourceText})

	path, err := s.Backup()
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}

	// the snapshot file itself must be a readable database
	restored, err := Open(filepath.Dir(path), Options{Filename: filepath.Base(path), Dimensions: testDims})
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer restored.Close()
	stats, err := restored.Stats()
	if err != nil {
		t.Fatalf("snapshot stats: %v", err)
	}
	if stats["episodes"] != 1 {
		t.Errorf("snapshot episodes = %d, want 1", stats["episodes"])
	}
}
