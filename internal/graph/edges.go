package graph

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mnemon/mnemon/internal/errs"
)

// PutEdge inserts an edge. Both endpoints must already exist in the same
// group; a missing endpoint fails the write.
func (s *Store) PutEdge(e *Edge) (string, error) {
	release := s.acquireWrite("put_edge")
	defer release()

	tx, err := s.db.Begin()
	if err != nil {
		return "", errs.Wrap(errs.KindStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	id, err := s.insertEdgeTx(tx, e)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", errs.Wrap(errs.KindStorage, "commit edge", err)
	}
	s.bumpEpoch(e.GroupID)
	return id, nil
}

func (s *Store) insertEdgeTx(tx *sql.Tx, e *Edge) (string, error) {
	if e.GroupID == "" {
		e.GroupID = DefaultGroup
	}
	if e.Weight < 0 || e.Weight > 1 {
		return "", errs.New(errs.KindInvalidParameters, "edge weight must be in [0,1]")
	}
	if e.RelationType == "" {
		return "", errs.New(errs.KindInvalidParameters, "relation_type is required")
	}

	for _, nodeID := range []string{e.SourceNodeID, e.TargetNodeID} {
		var group string
		err := tx.QueryRow(`SELECT group_id FROM nodes WHERE id = ?`, nodeID).Scan(&group)
		if err == sql.ErrNoRows {
			return "", errs.New(errs.KindNotFound, "edge endpoint not found")
		}
		if err != nil {
			return "", errs.Wrap(errs.KindStorage, "lookup endpoint", err)
		}
		if group != e.GroupID {
			return "", errs.New(errs.KindInvalidParameters, "edge endpoints must share the edge's group")
		}
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(`
		INSERT INTO edges (id, group_id, source_node_id, target_node_id, relation_type, summary, weight, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.GroupID, e.SourceNodeID, e.TargetNodeID, e.RelationType, e.Summary, e.Weight, metadataToJSON(e.Metadata), e.CreatedAt)
	if err != nil {
		return "", errs.Wrap(errs.KindStorage, "insert edge", err)
	}
	return e.ID, nil
}

// GetEdge fetches an edge by id.
func (s *Store) GetEdge(id string) (*Edge, error) {
	row := s.db.QueryRow(`
		SELECT id, group_id, source_node_id, target_node_id, relation_type, summary, weight, COALESCE(metadata, ''), created_at
		FROM edges WHERE id = ?
	`, id)

	var e Edge
	var metadata string
	err := row.Scan(&e.ID, &e.GroupID, &e.SourceNodeID, &e.TargetNodeID, &e.RelationType, &e.Summary, &e.Weight, &metadata, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "edge not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "scan edge", err)
	}
	e.Metadata = metadataFromJSON(metadata)
	return &e, nil
}

// DeleteEdge removes an edge by id.
func (s *Store) DeleteEdge(id string) error {
	release := s.acquireWrite("delete_edge")
	defer release()

	var groupID string
	err := s.db.QueryRow(`SELECT group_id FROM edges WHERE id = ?`, id).Scan(&groupID)
	if err == sql.ErrNoRows {
		return errs.New(errs.KindNotFound, "edge not found")
	}
	if err != nil {
		return errs.Wrap(errs.KindStorage, "lookup edge", err)
	}
	if _, err := s.db.Exec(`DELETE FROM edges WHERE id = ?`, id); err != nil {
		return errs.Wrap(errs.KindStorage, "delete edge", err)
	}
	s.bumpEpoch(groupID)
	return nil
}

// EdgesForGroup streams all edges in a group, capped at limit.
func (s *Store) EdgesForGroup(groupID string, limit int) ([]*Edge, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.Query(`
		SELECT id, group_id, source_node_id, target_node_id, relation_type, summary, weight, COALESCE(metadata, ''), created_at
		FROM edges WHERE group_id = ? LIMIT ?
	`, groupID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "query edges", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		var e Edge
		var metadata string
		if err := rows.Scan(&e.ID, &e.GroupID, &e.SourceNodeID, &e.TargetNodeID, &e.RelationType, &e.Summary, &e.Weight, &metadata, &e.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan edge", err)
		}
		e.Metadata = metadataFromJSON(metadata)
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// EdgesTouching returns edges incident to any of the given nodes, gathered
// node by node in the order of nodeIDs; each node's edges are ordered by
// weight descending then id.
func (s *Store) EdgesTouching(nodeIDs []string, limit int) ([]*Edge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	seen := make(map[string]bool)
	var edges []*Edge
	for _, nodeID := range nodeIDs {
		rows, err := s.db.Query(`
			SELECT id, group_id, source_node_id, target_node_id, relation_type, summary, weight, COALESCE(metadata, ''), created_at
			FROM edges WHERE source_node_id = ? OR target_node_id = ?
			ORDER BY weight DESC, id
		`, nodeID, nodeID)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, "query incident edges", err)
		}
		for rows.Next() {
			var e Edge
			var metadata string
			if err := rows.Scan(&e.ID, &e.GroupID, &e.SourceNodeID, &e.TargetNodeID, &e.RelationType, &e.Summary, &e.Weight, &metadata, &e.CreatedAt); err != nil {
				rows.Close()
				return nil, errs.Wrap(errs.KindStorage, "scan edge", err)
			}
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			e.Metadata = metadataFromJSON(metadata)
			edges = append(edges, &e)
			if len(edges) >= limit {
				rows.Close()
				return edges, nil
			}
		}
		rows.Close()
	}
	return edges, nil
}

// NodeIDsForGroup lists node ids in a group, capped at limit.
func (s *Store) NodeIDsForGroup(groupID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.Query(`SELECT id FROM nodes WHERE group_id = ? LIMIT ?`, groupID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "query nodes", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan node id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
