package graph

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mnemon/mnemon/internal/errs"
)

// PutEpisode inserts an episode and returns its id.
func (s *Store) PutEpisode(ep *Episode) (string, error) {
	if ep.GroupID == "" {
		ep.GroupID = DefaultGroup
	}
	if !ValidSource(ep.Source) {
		return "", errs.Newf(errs.KindInvalidParameters, "unknown source %q", ep.Source)
	}
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
			return "", errs.Newf(errs.KindInvalidParameters, "embedding dimension %d, store uses %d", len(ep.Embedding), s.opts.Dimensions)
		}
		embBlob = EncodeVector(normalizeVector(ep.Embedding))
	}

	release := s.acquireWrite("put_episode")
	defer release()

	_, err := s.db.Exec(`
		INSERT INTO episodes (id, short_id, group_id, name, content, source, source_description, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ep.ID, ep.ShortID, ep.GroupID, ep.Name, ep.Content, string(ep.Source), ep.SourceDescription, embBlob, ep.CreatedAt)
	if err != nil {
		return "", errs.Wrap(errs.KindStorage, "insert episode", err)
	}
	s.bumpEpoch(ep.GroupID)
	return ep.ID, nil
}

// GetEpisode fetches an episode by full or short id.
func (s *Store) GetEpisode(id string) (*Episode, error) {
	row := s.db.QueryRow(`
		SELECT id, short_id, group_id, name, content, source, COALESCE(source_description, ''), embedding, created_at
		FROM episodes WHERE id = ? OR short_id = ?
	`, id, id)
	return scanEpisode(row)
}

func scanEpisode(row *sql.Row) (*Episode, error) {
	var ep Episode
	var source string
	var embBlob []byte
	err := row.Scan(&ep.ID, &ep.ShortID, &ep.GroupID, &ep.Name, &ep.Content, &source, &ep.SourceDescription, &embBlob, &ep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "episode not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "scan episode", err)
	}
	ep.Source = Source(source)
	if len(embBlob) > 0 {
		ep.Embedding, _ = DecodeVector(embBlob)
	}
	return &ep, nil
}

// DeleteEpisode removes an episode. Derived nodes and edges stay: the
// coupling between episodes and extractions is loose.
func (s *Store) DeleteEpisode(id string) error {
	release := s.acquireWrite("delete_episode")
	defer release()

	var groupID string
	err := s.db.QueryRow(`SELECT group_id FROM episodes WHERE id = ? OR short_id = ?`, id, id).Scan(&groupID)
	if err == sql.ErrNoRows {
		return errs.New(errs.KindNotFound, "episode not found")
	}
	if err != nil {
		return errs.Wrap(errs.KindStorage, "lookup episode", err)
	}
	if _, err := s.db.Exec(`DELETE FROM episodes WHERE id = ? OR short_id = ?`, id, id); err != nil {
		return errs.Wrap(errs.KindStorage, "delete episode", err)
	}
	s.bumpEpoch(groupID)
	return nil
}

// IterEpisodes returns the most recent lastN episodes in a group,
// newest first.
func (s *Store) IterEpisodes(groupID string, lastN int) ([]*Episode, error) {
	if groupID == "" {
		groupID = DefaultGroup
	}
	if lastN <= 0 {
		lastN = 10
	}
	rows, err := s.db.Query(`
		SELECT id, short_id, group_id, name, content, source, COALESCE(source_description, ''), created_at
		FROM episodes WHERE group_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, groupID, lastN)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "query episodes", err)
	}
	defer rows.Close()

	var eps []*Episode
	for rows.Next() {
		var ep Episode
		var source string
		if err := rows.Scan(&ep.ID, &ep.ShortID, &ep.GroupID, &ep.Name, &ep.Content, &source, &ep.SourceDescription, &ep.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "scan episode", err)
		}
		ep.Source = Source(source)
		eps = append(eps, &ep)
	}
	return eps, rows.Err()
}
