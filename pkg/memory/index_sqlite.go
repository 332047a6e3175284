package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"
)

// SQLiteIndex is an exact nearest-neighbor index over CBOR-encoded vectors.
// Each query scans one (user, conversation) namespace, which is bounded by
// the conversation's own history.
type SQLiteIndex struct {
	db     *sql.DB
	ownsDB bool
}

// NewSQLiteIndex opens a standalone vector database under dir.
func NewSQLiteIndex(dir string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "vectors.db"))
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	db.SetMaxOpenConns(1)
	idx := &SQLiteIndex{db: db, ownsDB: true}
	if err := idx.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// NewSQLiteIndexOn shares an already open database, typically the history
// store's, so tests and single-file deployments need only one path.
func NewSQLiteIndexOn(db *sql.DB) (*SQLiteIndex, error) {
	idx := &SQLiteIndex{db: db}
	if err := idx.init(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (x *SQLiteIndex) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS vectors (
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			item_id TEXT NOT NULL,
			dims INTEGER NOT NULL,
			vector BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (user_id, conversation_id, kind, item_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := x.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite index failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func (x *SQLiteIndex) Close() error {
	if x == nil || x.db == nil || !x.ownsDB {
		return nil
	}
	return x.db.Close()
}

func (x *SQLiteIndex) Upsert(ctx context.Context, userID, conversationID string, ref ItemRef, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("index upsert %s: %w: empty vector", ref.Key(), ErrInvalidInput)
	}
	blob, err := cbor.Marshal(vector)
	if err != nil {
		return fmt.Errorf("index encode vector: %w", err)
	}
	_, err = x.db.ExecContext(ctx, `
INSERT INTO vectors(user_id, conversation_id, kind, item_id, dims, vector, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, conversation_id, kind, item_id) DO UPDATE SET
	dims = excluded.dims,
	vector = excluded.vector,
	updated_at_ms = excluded.updated_at_ms`,
		userID, conversationID, string(ref.Kind), ref.ID, len(vector), blob, nowMS())
	if err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	return nil
}

func (x *SQLiteIndex) Query(ctx context.Context, userID, conversationID string, vector []float32, topK int) ([]ScoredRef, error) {
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	rows, err := x.db.QueryContext(ctx, `
SELECT kind, item_id, vector FROM vectors
WHERE user_id = ? AND conversation_id = ? AND dims = ?`, userID, conversationID, len(vector))
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}
	defer rows.Close()

	qnorm := norm(vector)
	hits := make([]ScoredRef, 0, topK)
	for rows.Next() {
		var kind, id string
		var blob []byte
		if err := rows.Scan(&kind, &id, &blob); err != nil {
			return nil, fmt.Errorf("index scan: %w", err)
		}
		var stored []float32
		if err := cbor.Unmarshal(blob, &stored); err != nil || len(stored) != len(vector) {
			// Undecodable rows are skipped; the reindex sweep rewrites them.
			continue
		}
		hits = append(hits, ScoredRef{
			Ref:   ItemRef{Kind: ItemKind(kind), ID: id},
			Score: cosine(vector, qnorm, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index iterate: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Ref.Key() < hits[j].Ref.Key()
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (x *SQLiteIndex) Remove(ctx context.Context, userID, conversationID string, refs ...ItemRef) error {
	for _, ref := range refs {
		if _, err := x.db.ExecContext(ctx, `
DELETE FROM vectors WHERE user_id = ? AND conversation_id = ? AND kind = ? AND item_id = ?`,
			userID, conversationID, string(ref.Kind), ref.ID); err != nil {
			return fmt.Errorf("index remove %s: %w", ref.Key(), err)
		}
	}
	return nil
}

func (x *SQLiteIndex) DeleteNamespace(ctx context.Context, userID, conversationID string) error {
	if _, err := x.db.ExecContext(ctx, `
DELETE FROM vectors WHERE user_id = ? AND conversation_id = ?`, userID, conversationID); err != nil {
		return fmt.Errorf("index delete namespace: %w", err)
	}
	return nil
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// cosine returns the similarity clamped to [0,1].
func cosine(q []float32, qnorm float64, v []float32) float64 {
	vnorm := norm(v)
	if qnorm == 0 || vnorm == 0 {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
	}
	return clampScore(dot / (qnorm * vnorm))
}

func clampScore(s float64) float64 {
	switch {
	case math.IsNaN(s) || s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
