package graph

import (
	"database/sql"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"

	"github.com/mnemon/mnemon/internal/errs"
)

// PutNode upserts a node by its (group_id, name, node_type) unique key.
// A second write with the same triple updates the row in place, refreshes
// updated_at and the embedding, and bumps salience. Returns the node id and
// whether a new row was created.
func (s *Store) PutNode(n *Node) (string, bool, error) {
	release := s.acquireWrite("put_node")
	defer release()

	tx, err := s.db.Begin()
	if err != nil {
		return "", false, errs.Wrap(errs.KindStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	id, wasNew, err := s.upsertNodeTx(tx, n)
	if err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, errs.Wrap(errs.KindStorage, "commit node", err)
	}
	s.bumpEpoch(n.GroupID)
	return id, wasNew, nil
}

func (s *Store) upsertNodeTx(tx *sql.Tx, n *Node) (string, bool, error) {
	if n.GroupID == "" {
		n.GroupID = DefaultGroup
	}
	if n.Name == "" || n.NodeType == "" {
		return "", false, errs.New(errs.KindInvalidParameters, "node name and node_type are required")
	}
	if len(n.Summary) > MaxSummaryBytes {
		return "", false, errs.New(errs.KindSizeLimit, "node summary too large")
	}
	if len(n.Embedding) > 0 && len(n.Embedding) != s.opts.Dimensions {
		return "", false, errs.Newf(errs.KindInvalidParameters, "embedding dimension %d, store uses %d", len(n.Embedding), s.opts.Dimensions)
	}

	now := time.Now().UTC()

	var existingID string
	err := tx.QueryRow(`SELECT id FROM nodes WHERE group_id = ? AND name = ? AND node_type = ?`,
		n.GroupID, n.Name, n.NodeType).Scan(&existingID)
	wasNew := err == sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return "", false, errs.Wrap(errs.KindStorage, "lookup node", err)
	}

	if wasNew {
		n.ID = uuid.NewString()
		n.ShortID = generateShortID(n.ID)
		n.CreatedAt = now
		n.UpdatedAt = now
		if n.Salience == 0 {
			n.Salience = 1
		}
		_, err = tx.Exec(`
			INSERT INTO nodes (id, short_id, group_id, name, node_type, summary, salience, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, n.ID, n.ShortID, n.GroupID, n.Name, n.NodeType, n.Summary, n.Salience, metadataToJSON(n.Metadata), n.CreatedAt, n.UpdatedAt)
		if err != nil {
			return "", false, errs.Wrap(errs.KindStorage, "insert node", err)
		}
	} else {
		n.ID = existingID
		n.UpdatedAt = now
		_, err = tx.Exec(`
			UPDATE nodes SET
				summary = CASE WHEN ? != '' THEN ? ELSE summary END,
				salience = salience + 1,
				metadata = CASE WHEN ? != '' THEN ? ELSE metadata END,
				updated_at = ?
			WHERE id = ?
		`, n.Summary, n.Summary, metadataToJSON(n.Metadata), metadataToJSON(n.Metadata), n.UpdatedAt, n.ID)
		if err != nil {
			return "", false, errs.Wrap(errs.KindStorage, "update node", err)
		}
	}

	for _, alias := range n.Aliases {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO node_aliases (node_id, alias) VALUES (?, ?)`, n.ID, alias); err != nil {
			return "", false, errs.Wrap(errs.KindStorage, "insert alias", err)
		}
	}

	if len(n.Embedding) > 0 {
		if err := s.putEmbeddingTx(tx, n); err != nil {
			return "", false, err
		}
	}
	return n.ID, wasNew, nil
}

// putEmbeddingTx writes the node's vector into the embeddings table and,
// when the vec0 index is available, mirrors it there keyed by the
// embeddings rowid. Vectors are L2-normalized here.
func (s *Store) putEmbeddingTx(tx *sql.Tx, n *Node) error {
	n.Embedding = normalizeVector(n.Embedding)
	_, err := tx.Exec(`
		INSERT INTO embeddings (id, node_id, group_id, dimension, model_version, vector)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			dimension = excluded.dimension,
			model_version = excluded.model_version,
			vector = excluded.vector
	`, uuid.NewString(), n.ID, n.GroupID, s.opts.Dimensions, s.modelVersionFor(n), EncodeVector(n.Embedding))
	if err != nil {
		return errs.Wrap(errs.KindStorage, "upsert embedding", err)
	}

	if s.vecAvailable {
		var rowid int64
		if err := tx.QueryRow(`SELECT rowid FROM embeddings WHERE node_id = ?`, n.ID).Scan(&rowid); err != nil {
			return errs.Wrap(errs.KindStorage, "embedding rowid", err)
		}
		tx.Exec(`DELETE FROM node_vec WHERE rowid = ?`, rowid)
		if isZeroVec(n.Embedding) {
			return nil // missing embeddings stay out of the KNN index
		}
		serialized, err := sqlite_vec.SerializeFloat32(n.Embedding)
		if err != nil {
			return errs.Wrap(errs.KindStorage, "serialize vector", err)
		}
		if _, err := tx.Exec(`INSERT INTO node_vec(rowid, embedding, node_id, group_id) VALUES (?, ?, ?, ?)`,
			rowid, serialized, n.ID, n.GroupID); err != nil {
			return errs.Wrap(errs.KindStorage, "index vector", err)
		}
	}
	return nil
}

func isZeroVec(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// modelVersionFor returns the version tag stamped on stored vectors.
// Nodes carry it in metadata when the extractor set one.
func (s *Store) modelVersionFor(n *Node) string {
	if v, ok := n.Metadata["model_version"]; ok {
		return v
	}
	return "unknown"
}

// GetNode fetches a node (with aliases and embedding) by full or short id.
func (s *Store) GetNode(id string) (*Node, error) {
	row := s.db.QueryRow(`
		SELECT id, short_id, group_id, name, node_type, summary, salience, COALESCE(metadata, ''), created_at, updated_at
		FROM nodes WHERE id = ? OR short_id = ?
	`, id, id)

	var n Node
	var metadata string
	err := row.Scan(&n.ID, &n.ShortID, &n.GroupID, &n.Name, &n.NodeType, &n.Summary, &n.Salience, &metadata, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "node not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "scan node", err)
	}
	n.Metadata = metadataFromJSON(metadata)

	aliasRows, err := s.db.Query(`SELECT alias FROM node_aliases WHERE node_id = ?`, n.ID)
	if err == nil {
		for aliasRows.Next() {
			var a string
			if aliasRows.Scan(&a) == nil {
				n.Aliases = append(n.Aliases, a)
			}
		}
		aliasRows.Close()
	}

	var blob []byte
	if err := s.db.QueryRow(`SELECT vector FROM embeddings WHERE node_id = ?`, n.ID).Scan(&blob); err == nil {
		n.Embedding, _ = DecodeVector(blob)
	}
	return &n, nil
}

// FindNodeByKey looks a node up by its unique triple.
func (s *Store) FindNodeByKey(groupID, name, nodeType string) (*Node, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM nodes WHERE group_id = ? AND name = ? AND node_type = ?`,
		groupID, name, nodeType).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "node not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "lookup node", err)
	}
	return s.GetNode(id)
}

// NodesByIDs fetches nodes preserving the given order; missing ids are
// skipped.
func (s *Store) NodesByIDs(ids []string) ([]*Node, error) {
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := s.GetNode(id)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				continue
			}
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
