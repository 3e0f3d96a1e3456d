// Package graph is the storage engine: a single WAL-mode SQLite file holding
// episodes, nodes, edges, embeddings, and a trigger-maintained FTS5 index.
//
// All rows are owned here. Other components read and write exclusively
// through this API; none of them retain references to storage internals.
package graph

import (
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mnemon/mnemon/internal/errs"
	"github.com/mnemon/mnemon/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// Options configures the store.
type Options struct {
	Filename           string
	PoolSize           int
	EnableWAL          bool
	CacheSizeKB        int
	Dimensions         int // embedding dimension D; all vectors must match
	SlowQueryThreshold time.Duration
}

// Store wraps the SQLite database for the knowledge graph.
type Store struct {
	db   *sql.DB
	path string
	opts Options

	vecAvailable bool

	// writeMu is the exclusive writer ticket. WAL already serializes
	// writers; the mutex keeps queueing fair and lets slow leases be timed.
	writeMu sync.Mutex

	// epochs holds one counter per group, bumped on every committed write.
	// Search and graph caches fold the epoch into their keys, which is the
	// whole invalidation story. globalEpoch covers unfiltered queries.
	epochs      sync.Map // group_id -> *atomic.Int64
	globalEpoch atomic.Int64
}

// Open opens or creates the store under dataDir.
func Open(dataDir string, opts Options) (*Store, error) {
	if opts.Filename == "" {
		opts.Filename = "mnemon.db"
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 8
	}
	if opts.SlowQueryThreshold <= 0 {
		opts.SlowQueryThreshold = 500 * time.Millisecond
	}
	if opts.Dimensions <= 0 {
		return nil, errs.New(errs.KindInvalidParameters, "embedding dimension required")
	}

	dbPath := filepath.Join(dataDir, opts.Filename)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "create data directory", err)
	}

	dsn := dbPath + "?_busy_timeout=5000&_foreign_keys=on"
	if opts.EnableWAL {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "open database", err)
	}
	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(opts.PoolSize)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorage, "ping database", err)
	}
	if opts.CacheSizeKB > 0 {
		db.Exec(fmt.Sprintf("PRAGMA cache_size = -%d", opts.CacheSizeKB))
	}

	s := &Store{db: db, path: dbPath, opts: opts}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorage, "migrate schema", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Warn("graph", "sqlite-vec not available: %v — vector search falls back to full scan", err)
	} else {
		logging.Info("graph", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if err := s.ensureVecTable(); err != nil {
			logging.Warn("graph", "vec init: %v", err)
			s.vecAvailable = false
		}
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Ping checks database liveness for health reporting.
func (s *Store) Ping() error { return s.db.Ping() }

// Dimensions returns the configured embedding dimension.
func (s *Store) Dimensions() int { return s.opts.Dimensions }

// acquireWrite takes the exclusive writer ticket. The returned release
// function logs leases held longer than the slow-query threshold.
func (s *Store) acquireWrite(op string) func() {
	s.writeMu.Lock()
	start := time.Now()
	return func() {
		held := time.Since(start)
		s.writeMu.Unlock()
		if held > s.opts.SlowQueryThreshold {
			logging.Warn("graph", "slow write lease: %s held %s", op, held)
		}
	}
}

// Epoch returns the current write epoch for a group. The empty group id
// (no filter) maps to the global epoch, bumped by writes to any group.
func (s *Store) Epoch(groupID string) int64 {
	if groupID == "" {
		return s.globalEpoch.Load()
	}
	if v, ok := s.epochs.Load(groupID); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// bumpEpoch invalidates group-scoped caches after a committed write.
func (s *Store) bumpEpoch(groupID string) {
	v, _ := s.epochs.LoadOrStore(groupID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	s.globalEpoch.Add(1)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		short_id TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT 'default',
		name TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		source_description TEXT,
		embedding BLOB,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_episodes_group ON episodes(group_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_episodes_short_id ON episodes(short_id);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		short_id TEXT NOT NULL DEFAULT '',
		group_id TEXT NOT NULL DEFAULT 'default',
		name TEXT NOT NULL,
		node_type TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		salience REAL NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(group_id, name, node_type)
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_group ON nodes(group_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_name ON nodes(name);
	CREATE INDEX IF NOT EXISTS idx_nodes_short_id ON nodes(short_id);

	CREATE TABLE IF NOT EXISTS node_aliases (
		node_id TEXT NOT NULL,
		alias TEXT NOT NULL,
		PRIMARY KEY (node_id, alias),
		FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL DEFAULT 'default',
		source_node_id TEXT NOT NULL,
		target_node_id TEXT NOT NULL,
		relation_type TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		weight REAL NOT NULL DEFAULT 1.0,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (source_node_id) REFERENCES nodes(id) ON DELETE CASCADE,
		FOREIGN KEY (target_node_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_edges_group ON edges(group_id);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_node_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_node_id);

	CREATE TABLE IF NOT EXISTS embeddings (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL UNIQUE,
		group_id TEXT NOT NULL DEFAULT 'default',
		dimension INTEGER NOT NULL,
		model_version TEXT NOT NULL,
		vector BLOB NOT NULL,
		FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_embeddings_group ON embeddings(group_id);

	-- FTS5 over node name/summary/metadata and episode name/content.
	-- A standalone table fed by triggers: external-content FTS mirrors a
	-- single table only, and this index spans two.
	CREATE VIRTUAL TABLE IF NOT EXISTS search_fts USING fts5(
		doc_id UNINDEXED,
		doc_kind UNINDEXED,
		group_id UNINDEXED,
		name,
		node_type,
		summary,
		content,
		metadata,
		tokenize='unicode61 remove_diacritics 2'
	);

	CREATE TRIGGER IF NOT EXISTS nodes_fts_ai AFTER INSERT ON nodes BEGIN
		INSERT INTO search_fts(doc_id, doc_kind, group_id, name, node_type, summary, content, metadata)
		VALUES (NEW.id, 'node', NEW.group_id, NEW.name, NEW.node_type, NEW.summary, '', COALESCE(NEW.metadata, ''));
	END;

	CREATE TRIGGER IF NOT EXISTS nodes_fts_au AFTER UPDATE ON nodes BEGIN
		DELETE FROM search_fts WHERE doc_id = OLD.id AND doc_kind = 'node';
		INSERT INTO search_fts(doc_id, doc_kind, group_id, name, node_type, summary, content, metadata)
		VALUES (NEW.id, 'node', NEW.group_id, NEW.name, NEW.node_type, NEW.summary, '', COALESCE(NEW.metadata, ''));
	END;

	CREATE TRIGGER IF NOT EXISTS nodes_fts_ad AFTER DELETE ON nodes BEGIN
		DELETE FROM search_fts WHERE doc_id = OLD.id AND doc_kind = 'node';
	END;

	CREATE TRIGGER IF NOT EXISTS episodes_fts_ai AFTER INSERT ON episodes BEGIN
		INSERT INTO search_fts(doc_id, doc_kind, group_id, name, node_type, summary, content, metadata)
		VALUES (NEW.id, 'episode', NEW.group_id, NEW.name, '', '', NEW.content, '');
	END;

	CREATE TRIGGER IF NOT EXISTS episodes_fts_ad AFTER DELETE ON episodes BEGIN
		DELETE FROM search_fts WHERE doc_id = OLD.id AND doc_kind = 'episode';
	END;

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// ensureVecTable creates the vec0 KNN index and backfills existing node
// embeddings. Uses integer rowids mapped from the embeddings table.
func (s *Store) ensureVecTable() error {
	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS node_vec USING vec0(
			embedding float[%d],
			+node_id TEXT,
			+group_id TEXT
		)
	`, s.opts.Dimensions))
	if err != nil {
		return fmt.Errorf("create node_vec(float[%d]): %w", s.opts.Dimensions, err)
	}

	rows, err := s.db.Query(`SELECT rowid, node_id, group_id, vector FROM embeddings WHERE dimension = ?`, s.opts.Dimensions)
	if err != nil {
		return nil
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return nil
	}
	var count int
	for rows.Next() {
		var rowid int64
		var nodeID, groupID string
		var blob []byte
		if err := rows.Scan(&rowid, &nodeID, &groupID, &blob); err != nil {
			continue
		}
		vec, err := DecodeVector(blob)
		if err != nil || len(vec) != s.opts.Dimensions {
			continue
		}
		serialized, serErr := sqlite_vec.SerializeFloat32(vec)
		if serErr != nil {
			continue
		}
		// vec0 does not reliably support INSERT OR REPLACE; DELETE + INSERT.
		tx.Exec(`DELETE FROM node_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO node_vec(rowid, embedding, node_id, group_id) VALUES (?, ?, ?, ?)`,
			rowid, serialized, nodeID, groupID); err != nil {
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return nil
	}
	if count > 0 {
		logging.Info("graph", "vec backfill: indexed %d nodes (dim=%d)", count, s.opts.Dimensions)
	}
	return nil
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	for _, table := range []string{"episodes", "nodes", "edges", "embeddings", "node_aliases"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, errs.Wrap(errs.KindStorage, "count rows", err)
		}
		stats[table] = count
	}
	return stats, nil
}

// ClearGroup deletes every row in a group. Refuses without confirm.
func (s *Store) ClearGroup(groupID string, confirm bool) (int, error) {
	if !confirm {
		return 0, errs.New(errs.KindInvalidParameters, "clear requires confirm=true")
	}
	release := s.acquireWrite("clear_group")
	defer release()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "begin transaction", err)
	}
	defer tx.Rollback()

	var deleted int
	// Edges and embeddings cascade from nodes; count them first.
	for _, q := range []string{
		"SELECT COUNT(*) FROM episodes WHERE group_id = ?",
		"SELECT COUNT(*) FROM nodes WHERE group_id = ?",
		"SELECT COUNT(*) FROM edges WHERE group_id = ?",
	} {
		var n int
		if err := tx.QueryRow(q, groupID).Scan(&n); err != nil {
			return 0, errs.Wrap(errs.KindStorage, "count group rows", err)
		}
		deleted += n
	}

	if s.vecAvailable {
		tx.Exec(`DELETE FROM node_vec WHERE rowid IN (SELECT e.rowid FROM embeddings e WHERE e.group_id = ?)`, groupID)
	}
	for _, q := range []string{
		"DELETE FROM edges WHERE group_id = ?",
		"DELETE FROM nodes WHERE group_id = ?",
		"DELETE FROM episodes WHERE group_id = ?",
	} {
		if _, err := tx.Exec(q, groupID); err != nil {
			return 0, errs.Wrap(errs.KindStorage, "clear group", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindStorage, "commit clear", err)
	}
	s.bumpEpoch(groupID)
	logging.Info("graph", "cleared group %q: %d rows", groupID, deleted)
	return deleted, nil
}

// normalizeVector returns a unit-length copy. Vectors are normalized at
// write so cosine similarity reduces to a dot product; the zero vector
// (missing embedding) passes through unchanged.
func normalizeVector(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// EncodeVector serializes a vector as a length-prefixed little-endian
// float32 blob.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4+4*len(v))
	binary.LittleEndian.PutUint32(buf, uint32(len(v)))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector parses a blob written by EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("vector blob too short: %d bytes", len(blob))
	}
	n := binary.LittleEndian.Uint32(blob)
	if len(blob) != int(4+4*n) {
		return nil, fmt.Errorf("vector blob length mismatch: header %d, payload %d bytes", n, len(blob)-4)
	}
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4+4*i:]))
	}
	return v, nil
}

// generateShortID derives a stable 8-char short id from a full id.
func generateShortID(id string) string {
	h := sha256.Sum256([]byte(id))
	return hex.EncodeToString(h[:])[:8]
}

// metadataToJSON flattens a small metadata map into a stable string for
// storage and FTS indexing. encoding/json sorts map keys, so the row text
// is deterministic.
func metadataToJSON(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func metadataFromJSON(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
