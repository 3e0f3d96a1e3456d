package graph

import (
	"strings"

	"github.com/mnemon/mnemon/internal/errs"
)

// Field boosts applied through bm25() column weights. Column order matches
// the search_fts declaration; unindexed columns carry zero weight.
const bm25Weights = "0.0, 0.0, 0.0, 2.0, 1.5, 1.2, 1.0, 0.8"

// FTSSearch runs an FTS5 MATCH query and returns ranked hits, best first.
// matchExpr must be a valid FTS5 expression (the text-search layer builds
// it). kindFilter restricts to "node" or "episode" when non-empty; ties
// break by most recent update, then salience.
func (s *Store) FTSSearch(matchExpr string, kindFilter, groupFilter string, limit int) ([]FTSHit, error) {
	if strings.TrimSpace(matchExpr) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT f.doc_id, f.doc_kind, f.group_id,
			-bm25(search_fts, ` + bm25Weights + `) AS score,
			COALESCE(n.updated_at, e.created_at) AS ts,
			COALESCE(n.salience, 0) AS salience
		FROM search_fts f
		LEFT JOIN nodes n ON f.doc_kind = 'node' AND n.id = f.doc_id
		LEFT JOIN episodes e ON f.doc_kind = 'episode' AND e.id = f.doc_id
		WHERE search_fts MATCH ?
			AND (? = '' OR f.doc_kind = ?)
			AND (? = '' OR f.group_id = ?)
		ORDER BY score DESC, ts DESC, salience DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, matchExpr, kindFilter, kindFilter, groupFilter, groupFilter, limit)
	if err != nil {
		// FTS5 reports malformed MATCH expressions as query errors.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, errs.New(errs.KindInvalidParameters, "malformed search query")
		}
		return nil, errs.Wrap(errs.KindStorage, "fts query", err)
	}
	defer rows.Close()

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		var ts, salience any
		if err := rows.Scan(&h.DocID, &h.DocKind, &h.GroupID, &h.Score, &ts, &salience); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan fts hit", err)
		}
		hits = append(hits, h)
	}
	// The driver can defer MATCH parse errors until the first row is read.
	if err := rows.Err(); err != nil {
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return nil, errs.New(errs.KindInvalidParameters, "malformed search query")
		}
		return nil, errs.Wrap(errs.KindStorage, "fts query", err)
	}
	return hits, nil
}

// NodeNames returns the most salient node names in a group, used as the
// vocabulary for fuzzy query expansion. Aliases are not included.
func (s *Store) NodeNames(groupFilter string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`
		SELECT name FROM nodes WHERE (? = '' OR group_id = ?)
		ORDER BY salience DESC, name LIMIT ?
	`, groupFilter, groupFilter, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "query node names", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan name", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
