package graph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mnemon/mnemon/internal/errs"
)

// CandidateRelation is an extracted relation whose endpoints are indices
// into the candidate node slice passed to IngestEpisode. Index-based
// endpoints let the whole extraction land in one transaction before any
// node ids exist.
type CandidateRelation struct {
	SourceIdx    int
	TargetIdx    int
	RelationType string
	Summary      string
	Weight       float64
}

// IngestResult reports what a single add_memory write produced.
type IngestResult struct {
	EpisodeID    string
	NodeIDs      []string
	NodesCreated int
	NodesUpdated int
	EdgesCreated int
}

// IngestEpisode writes an episode plus its extracted nodes, edges, and
// embeddings in a single transaction. Any failure, or cancellation before
// commit, rolls the whole write back.
func (s *Store) IngestEpisode(ctx context.Context, ep *Episode, nodes []*Node, rels []CandidateRelation) (*IngestResult, error) {
	if ep.GroupID == "" {
		ep.GroupID = DefaultGroup
	}
	if !ValidSource(ep.Source) {
		return nil, errs.Newf(errs.KindInvalidParameters, "unknown source %q", ep.Source)
	}
	for _, r := range rels {
		if r.SourceIdx < 0 || r.SourceIdx >= len(nodes) || r.TargetIdx < 0 || r.TargetIdx >= len(nodes) {
			return nil, errs.New(errs.KindInvalidParameters, "relation endpoint out of range")
		}
	}

	release := s.acquireWrite("ingest_episode")
	defer release()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.ShortID == "" {
		ep.ShortID = generateShortID(ep.ID)
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	var embBlob []byte
	if len(ep.Embedding) > 0 {
		if len(ep.Embedding) != s.opts.Dimensions {
			return nil, errs.Newf(errs.KindInvalidParameters, "embedding dimension %d, store uses %d", len(ep.Embedding), s.opts.Dimensions)
		}
		embBlob = EncodeVector(normalizeVector(ep.Embedding))
	}
	_, err = tx.Exec(`
		INSERT INTO episodes (id, short_id, group_id, name, content, source, source_description, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ep.ID, ep.ShortID, ep.GroupID, ep.Name, ep.Content, string(ep.Source), ep.SourceDescription, embBlob, ep.CreatedAt)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "insert episode", err)
	}

	res := &IngestResult{EpisodeID: ep.ID, NodeIDs: make([]string, len(nodes))}
	for i, n := range nodes {
		n.GroupID = ep.GroupID
		id, wasNew, err := s.upsertNodeTx(tx, n)
		if err != nil {
			return nil, err
		}
		res.NodeIDs[i] = id
		if wasNew {
			res.NodesCreated++
		} else {
			res.NodesUpdated++
		}
	}

	for _, r := range rels {
		e := &Edge{
			GroupID:      ep.GroupID,
			SourceNodeID: res.NodeIDs[r.SourceIdx],
			TargetNodeID: res.NodeIDs[r.TargetIdx],
			RelationType: r.RelationType,
			Summary:      r.Summary,
			Weight:       r.Weight,
			Metadata:     map[string]string{"episode_id": ep.ID},
		}
		if _, err := s.insertEdgeTx(tx, e); err != nil {
			return nil, err
		}
		res.EdgesCreated++
	}

	// Cancellation before commit rolls the write back.
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTimeout, "ingest canceled", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "commit ingest", err)
	}
	s.bumpEpoch(ep.GroupID)
	return res, nil
}
