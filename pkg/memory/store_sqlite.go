package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded history and summary store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the history database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection: SQLite serializes writers anyway, and a single
	// connection makes every read transaction a consistent snapshot.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle so a co-located SQLiteIndex can share it.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			last_seq INTEGER NOT NULL DEFAULT 0,
			last_turn_at_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (user_id, conversation_id)
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			important INTEGER NOT NULL DEFAULT 0,
			embedding_ref TEXT NOT NULL DEFAULT '',
			summarized INTEGER NOT NULL DEFAULT 0,
			summary_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS turns_conversation_seq_idx ON turns(user_id, conversation_id, seq);`,
		`CREATE INDEX IF NOT EXISTS turns_conversation_active_idx ON turns(user_id, conversation_id, summarized, seq DESC);`,
		`CREATE INDEX IF NOT EXISTS turns_conversation_important_idx ON turns(user_id, conversation_id, important, seq);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			range_start_seq INTEGER NOT NULL,
			range_end_seq INTEGER NOT NULL,
			range_start_id TEXT NOT NULL,
			range_end_id TEXT NOT NULL,
			range_start_at_ms INTEGER NOT NULL,
			range_end_at_ms INTEGER NOT NULL,
			turn_count INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding_ref TEXT NOT NULL DEFAULT '',
			pinned INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (user_id, id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS summaries_conversation_range_idx ON summaries(user_id, conversation_id, range_start_seq);`,
		`CREATE TABLE IF NOT EXISTS compaction_leases (
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			holder TEXT NOT NULL,
			expires_at_ms INTEGER NOT NULL,
			PRIMARY KEY (user_id, conversation_id)
		);`,
		`CREATE TABLE IF NOT EXISTS compaction_runs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			status TEXT NOT NULL,
			source_count INTEGER NOT NULL,
			retained_count INTEGER NOT NULL,
			summary_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS compaction_runs_conversation_idx ON compaction_runs(user_id, conversation_id, started_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	return truncateRunes(strings.Join(strings.Fields(sql), " "), 80)
}

func nowMS() int64 { return time.Now().UnixMilli() }

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

const turnColumns = `id, user_id, conversation_id, seq, role, content, created_at_ms, important, embedding_ref, summarized, summary_id`

func scanTurn(row rowScanner) (Turn, error) {
	var t Turn
	var role string
	var createdMS int64
	var important, summarized int
	if err := row.Scan(&t.ID, &t.UserID, &t.ConversationID, &t.Seq, &role, &t.Content, &createdMS, &important, &t.EmbeddingRef, &summarized, &t.SummaryID); err != nil {
		return Turn{}, err
	}
	t.Role = Role(role)
	t.CreatedAt = msTime(createdMS)
	t.Important = important == 1
	t.Summarized = summarized == 1
	return t, nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	out := []Turn{}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

const summaryColumns = `id, user_id, conversation_id, range_start_seq, range_end_seq, range_start_id, range_end_id, range_start_at_ms, range_end_at_ms, turn_count, text, embedding_ref, pinned, created_at_ms`

func scanSummary(row rowScanner) (Summary, error) {
	var s Summary
	var startMS, endMS, createdMS int64
	var pinned int
	if err := row.Scan(&s.ID, &s.UserID, &s.ConversationID, &s.RangeStartSeq, &s.RangeEndSeq, &s.RangeStartID, &s.RangeEndID, &startMS, &endMS, &s.TurnCount, &s.Text, &s.EmbeddingRef, &pinned, &createdMS); err != nil {
		return Summary{}, err
	}
	s.RangeStartAt = msTime(startMS)
	s.RangeEndAt = msTime(endMS)
	s.CreatedAt = msTime(createdMS)
	s.Pinned = pinned == 1
	return s, nil
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	defer rows.Close()
	out := []Summary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if strings.TrimSpace(turn.UserID) == "" || strings.TrimSpace(turn.ConversationID) == "" {
		return Turn{}, fmt.Errorf("append turn: %w: empty user or conversation id", ErrInvalidInput)
	}
	if !turn.Role.Valid() {
		return Turn{}, fmt.Errorf("append turn: %w: role %q", ErrInvalidInput, turn.Role)
	}
	if turn.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Turn{}, fmt.Errorf("append turn id: %w", err)
		}
		turn.ID = id.String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanTurn(tx.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE user_id = ? AND id = ?`, turn.UserID, turn.ID))
	switch {
	case err == nil:
		if existing.ConversationID != turn.ConversationID {
			return Turn{}, fmt.Errorf("append turn: %w: id %s belongs to another conversation", ErrInvalidInput, turn.ID)
		}
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Turn{}, fmt.Errorf("append turn lookup: %w", err)
	}

	now := nowMS()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO conversations(user_id, conversation_id, last_seq, last_turn_at_ms, created_at_ms, updated_at_ms)
VALUES(?, ?, 0, 0, ?, ?)
ON CONFLICT(user_id, conversation_id) DO NOTHING`, turn.UserID, turn.ConversationID, now, now); err != nil {
		return Turn{}, fmt.Errorf("append turn ensure conversation: %w", err)
	}

	var lastSeq, lastAtMS int64
	if err := tx.QueryRowContext(ctx, `
SELECT last_seq, last_turn_at_ms FROM conversations WHERE user_id = ? AND conversation_id = ?`,
		turn.UserID, turn.ConversationID).Scan(&lastSeq, &lastAtMS); err != nil {
		return Turn{}, fmt.Errorf("append turn read sequence: %w", err)
	}

	createdMS := now
	if !turn.CreatedAt.IsZero() {
		createdMS = turn.CreatedAt.UnixMilli()
	}
	// Keep timestamps non-decreasing along the sequence.
	if createdMS < lastAtMS {
		createdMS = lastAtMS
	}
	turn.Seq = lastSeq + 1
	turn.CreatedAt = msTime(createdMS)
	turn.Summarized = false
	turn.SummaryID = ""

	if _, err := tx.ExecContext(ctx, `
INSERT INTO turns(id, user_id, conversation_id, seq, role, content, created_at_ms, important, embedding_ref, summarized, summary_id)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '')`,
		turn.ID, turn.UserID, turn.ConversationID, turn.Seq, string(turn.Role), turn.Content, createdMS, boolInt(turn.Important), turn.EmbeddingRef); err != nil {
		return Turn{}, fmt.Errorf("append turn insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations SET last_seq = ?, last_turn_at_ms = ?, updated_at_ms = ?
WHERE user_id = ? AND conversation_id = ?`, turn.Seq, createdMS, now, turn.UserID, turn.ConversationID); err != nil {
		return Turn{}, fmt.Errorf("append turn advance sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("append turn commit: %w", err)
	}
	return turn, nil
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, userID, conversationID string, recent int) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snap Snapshot
	if err := tx.QueryRowContext(ctx, `
SELECT last_seq FROM conversations WHERE user_id = ? AND conversation_id = ?`, userID, conversationID).Scan(&snap.LastSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("load snapshot conversation: %w", err)
	}

	if recent > 0 {
		rows, err := tx.QueryContext(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = ? AND conversation_id = ? AND summarized = 0
ORDER BY seq DESC
LIMIT ?`, userID, conversationID, recent)
		if err != nil {
			return Snapshot{}, fmt.Errorf("load snapshot recent: %w", err)
		}
		if snap.Recent, err = scanTurns(rows); err != nil {
			return Snapshot{}, err
		}
		for i, j := 0, len(snap.Recent)-1; i < j; i, j = i+1, j-1 {
			snap.Recent[i], snap.Recent[j] = snap.Recent[j], snap.Recent[i]
		}
	}

	rows, err := tx.QueryContext(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = ? AND conversation_id = ? AND important = 1
ORDER BY seq ASC`, userID, conversationID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot pinned turns: %w", err)
	}
	if snap.PinnedTurns, err = scanTurns(rows); err != nil {
		return Snapshot{}, err
	}

	rows, err = tx.QueryContext(ctx, `
SELECT `+summaryColumns+` FROM summaries
WHERE user_id = ? AND conversation_id = ? AND pinned = 1
ORDER BY range_start_seq ASC`, userID, conversationID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot pinned summaries: %w", err)
	}
	if snap.PinnedSummaries, err = scanSummaries(rows); err != nil {
		return Snapshot{}, err
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot commit: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = ? AND conversation_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?`, userID, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return scanTurns(rows)
}

func (s *SQLiteStore) ListUnsummarizedTurns(ctx context.Context, userID, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = ? AND conversation_id = ? AND summarized = 0
ORDER BY seq ASC
LIMIT ?`, userID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsummarized turns: %w", err)
	}
	return scanTurns(rows)
}

func (s *SQLiteStore) CountUnsummarized(ctx context.Context, userID, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM turns WHERE user_id = ? AND conversation_id = ? AND summarized = 0`,
		userID, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsummarized: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) GetTurns(ctx context.Context, userID string, ids []string) (map[string]Turn, error) {
	ids = uniqueStrings(ids)
	out := make(map[string]Turn, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+turnColumns+` FROM turns WHERE user_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		out[t.ID] = t
	}
	return out, nil
}

func (s *SQLiteStore) GetSummaries(ctx context.Context, userID string, ids []string) (map[string]Summary, error) {
	ids = uniqueStrings(ids)
	out := make(map[string]Summary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+summaryColumns+` FROM summaries WHERE user_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get summaries: %w", err)
	}
	summaries, err := scanSummaries(rows)
	if err != nil {
		return nil, err
	}
	for _, sm := range summaries {
		out[sm.ID] = sm
	}
	return out, nil
}

func (s *SQLiteStore) ListSummaries(ctx context.Context, userID, conversationID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+summaryColumns+` FROM summaries
WHERE user_id = ? AND conversation_id = ?
ORDER BY range_start_seq ASC`, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return scanSummaries(rows)
}

func (s *SQLiteStore) SetEmbeddingRef(ctx context.Context, userID string, ref ItemRef, embeddingRef string) error {
	var table string
	switch ref.Kind {
	case ItemTurn:
		table = "turns"
	case ItemSummary:
		table = "summaries"
	default:
		return fmt.Errorf("set embedding ref: %w: kind %q", ErrInvalidInput, ref.Kind)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET embedding_ref = ? WHERE user_id = ? AND id = ?`, embeddingRef, userID, ref.ID); err != nil {
		return fmt.Errorf("set embedding ref: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUnindexed(ctx context.Context, userID, conversationID string, limit int) ([]Turn, []Summary, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = ? AND conversation_id = ? AND embedding_ref = '' AND summarized = 0 AND role <> 'system'
ORDER BY seq ASC
LIMIT ?`, userID, conversationID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list unindexed turns: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, nil, err
	}
	rows, err = s.db.QueryContext(ctx, `
SELECT `+summaryColumns+` FROM summaries
WHERE user_id = ? AND conversation_id = ? AND embedding_ref = ''
ORDER BY range_start_seq ASC
LIMIT ?`, userID, conversationID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list unindexed summaries: %w", err)
	}
	summaries, err := scanSummaries(rows)
	if err != nil {
		return nil, nil, err
	}
	return turns, summaries, nil
}

// ListConversations lists conversations for userID, or for every user when
// userID is empty (maintenance sweeps only).
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]ConversationInfo, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT c.user_id, c.conversation_id, c.last_seq, c.updated_at_ms,
	(SELECT COUNT(*) FROM turns t WHERE t.user_id = c.user_id AND t.conversation_id = c.conversation_id AND t.summarized = 0)
FROM conversations c
WHERE (? = '' OR c.user_id = ?)
ORDER BY c.updated_at_ms DESC
LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []ConversationInfo{}
	for rows.Next() {
		var info ConversationInfo
		var updatedMS int64
		if err := rows.Scan(&info.UserID, &info.ConversationID, &info.LastSeq, &updatedMS, &info.Unsummarized); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		info.UpdatedAt = msTime(updatedMS)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ClearConversation(ctx context.Context, userID, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear conversation begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"turns", "summaries", "compaction_leases", "compaction_runs", "conversations"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = ? AND conversation_id = ?`, userID, conversationID); err != nil {
			return fmt.Errorf("clear conversation %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear conversation commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AcquireCompactionLease(ctx context.Context, userID, conversationID, holder string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	var current string
	var expiresMS int64
	err = tx.QueryRowContext(ctx, `
SELECT holder, expires_at_ms FROM compaction_leases WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).Scan(&current, &expiresMS)
	switch {
	case err == nil:
		if current != holder && expiresMS > now {
			return Lease{}, ErrLeaseHeld
		}
	case !errors.Is(err, sql.ErrNoRows):
		return Lease{}, fmt.Errorf("acquire lease select: %w", err)
	}

	expires := now + ttl.Milliseconds()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO compaction_leases(user_id, conversation_id, holder, expires_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(user_id, conversation_id) DO UPDATE SET holder = excluded.holder, expires_at_ms = excluded.expires_at_ms`,
		userID, conversationID, holder, expires); err != nil {
		return Lease{}, fmt.Errorf("acquire lease upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, fmt.Errorf("acquire lease commit: %w", err)
	}
	return Lease{UserID: userID, ConversationID: conversationID, Holder: holder, ExpiresAt: msTime(expires)}, nil
}

func (s *SQLiteStore) ReleaseCompactionLease(ctx context.Context, lease Lease) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM compaction_leases WHERE user_id = ? AND conversation_id = ? AND holder = ?`,
		lease.UserID, lease.ConversationID, lease.Holder); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CommitSummary(ctx context.Context, lease Lease, summary Summary, turnIDs []string) error {
	turnIDs = uniqueStrings(turnIDs)
	if len(turnIDs) == 0 {
		return fmt.Errorf("commit summary: %w: no turns", ErrRangeConflict)
	}
	if summary.UserID != lease.UserID || summary.ConversationID != lease.ConversationID {
		return fmt.Errorf("commit summary: %w: lease does not cover summary conversation", ErrLeaseLost)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit summary begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var holder string
	var expiresMS int64
	if err := tx.QueryRowContext(ctx, `
SELECT holder, expires_at_ms FROM compaction_leases WHERE user_id = ? AND conversation_id = ?`,
		lease.UserID, lease.ConversationID).Scan(&holder, &expiresMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseLost
		}
		return fmt.Errorf("commit summary lease check: %w", err)
	}
	if holder != lease.Holder || expiresMS <= nowMS() {
		return ErrLeaseLost
	}

	args := make([]any, 0, len(turnIDs)+2)
	args = append(args, summary.UserID, summary.ConversationID)
	for _, id := range turnIDs {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx, `
SELECT seq, summarized FROM turns
WHERE user_id = ? AND conversation_id = ? AND id IN (`+placeholders(len(turnIDs))+`)`, args...)
	if err != nil {
		return fmt.Errorf("commit summary load turns: %w", err)
	}
	seqs := make([]int64, 0, len(turnIDs))
	for rows.Next() {
		var seq int64
		var summarized int
		if err := rows.Scan(&seq, &summarized); err != nil {
			rows.Close()
			return fmt.Errorf("commit summary scan turn: %w", err)
		}
		if summarized == 1 {
			rows.Close()
			return fmt.Errorf("commit summary: %w: turn seq %d already summarized", ErrRangeConflict, seq)
		}
		seqs = append(seqs, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("commit summary iterate turns: %w", err)
	}
	if err := checkContiguous(seqs, len(turnIDs), summary); err != nil {
		return err
	}

	var prefixGap int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM turns
WHERE user_id = ? AND conversation_id = ? AND summarized = 0 AND seq < ?`,
		summary.UserID, summary.ConversationID, summary.RangeStartSeq).Scan(&prefixGap); err != nil {
		return fmt.Errorf("commit summary prefix check: %w", err)
	}
	if prefixGap > 0 {
		return fmt.Errorf("commit summary: %w: %d older turns remain unsummarized", ErrRangeConflict, prefixGap)
	}

	var overlap int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM summaries
WHERE user_id = ? AND conversation_id = ? AND range_end_seq >= ?`,
		summary.UserID, summary.ConversationID, summary.RangeStartSeq).Scan(&overlap); err != nil {
		return fmt.Errorf("commit summary overlap check: %w", err)
	}
	if overlap > 0 {
		return fmt.Errorf("commit summary: %w: overlaps an existing summary", ErrRangeConflict)
	}

	updateArgs := make([]any, 0, len(turnIDs)+3)
	updateArgs = append(updateArgs, summary.ID, summary.UserID, summary.ConversationID)
	for _, id := range turnIDs {
		updateArgs = append(updateArgs, id)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE turns SET summarized = 1, summary_id = ?
WHERE user_id = ? AND conversation_id = ? AND summarized = 0 AND id IN (`+placeholders(len(turnIDs))+`)`, updateArgs...)
	if err != nil {
		return fmt.Errorf("commit summary mark turns: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected != int64(len(turnIDs)) {
		return fmt.Errorf("commit summary: %w: marked %d of %d turns", ErrRangeConflict, affected, len(turnIDs))
	}

	createdMS := nowMS()
	if !summary.CreatedAt.IsZero() {
		createdMS = summary.CreatedAt.UnixMilli()
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO summaries(`+summaryColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.UserID, summary.ConversationID, summary.RangeStartSeq, summary.RangeEndSeq,
		summary.RangeStartID, summary.RangeEndID, summary.RangeStartAt.UnixMilli(), summary.RangeEndAt.UnixMilli(),
		summary.TurnCount, summary.Text, summary.EmbeddingRef, boolInt(summary.Pinned), createdMS); err != nil {
		return fmt.Errorf("commit summary insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit summary commit: %w", err)
	}
	return nil
}

// checkContiguous verifies the covered seqs form exactly the summary's closed range.
func checkContiguous(seqs []int64, want int, summary Summary) error {
	if len(seqs) != want {
		return fmt.Errorf("commit summary: %w: found %d of %d turns", ErrRangeConflict, len(seqs), want)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			return fmt.Errorf("commit summary: %w: gap between seq %d and %d", ErrRangeConflict, seqs[i-1], seqs[i])
		}
	}
	if seqs[0] != summary.RangeStartSeq || seqs[len(seqs)-1] != summary.RangeEndSeq {
		return fmt.Errorf("commit summary: %w: range [%d,%d] does not match turns [%d,%d]",
			ErrRangeConflict, summary.RangeStartSeq, summary.RangeEndSeq, seqs[0], seqs[len(seqs)-1])
	}
	return nil
}

func (s *SQLiteStore) StartCompaction(ctx context.Context, run CompactionRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO compaction_runs(id, user_id, conversation_id, status, source_count, retained_count, summary_id, error, started_at_ms, completed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, '', '', ?, 0)`,
		run.ID, run.UserID, run.ConversationID, CompactionRunning, run.SourceCount, run.RetainedCount, nowMS())
	if err != nil {
		return "", fmt.Errorf("start compaction: %w", err)
	}
	return run.ID, nil
}

func (s *SQLiteStore) CompleteCompaction(ctx context.Context, runID, summaryID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE compaction_runs SET status = ?, summary_id = ?, completed_at_ms = ? WHERE id = ?`,
		CompactionCompleted, summaryID, nowMS(), runID)
	if err != nil {
		return fmt.Errorf("complete compaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailCompaction(ctx context.Context, runID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE compaction_runs SET status = ?, error = ?, completed_at_ms = ? WHERE id = ?`,
		CompactionFailed, errMsg, nowMS(), runID)
	if err != nil {
		return fmt.Errorf("fail compaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCompactions(ctx context.Context, userID, conversationID string, limit int) ([]CompactionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, conversation_id, status, source_count, retained_count, summary_id, error, started_at_ms, completed_at_ms
FROM compaction_runs
WHERE user_id = ? AND conversation_id = ?
ORDER BY started_at_ms DESC
LIMIT ?`, userID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list compactions: %w", err)
	}
	defer rows.Close()

	out := []CompactionRun{}
	for rows.Next() {
		var run CompactionRun
		var startedMS, completedMS int64
		if err := rows.Scan(&run.ID, &run.UserID, &run.ConversationID, &run.Status, &run.SourceCount, &run.RetainedCount, &run.SummaryID, &run.Error, &startedMS, &completedMS); err != nil {
			return nil, fmt.Errorf("scan compaction: %w", err)
		}
		run.StartedAt = msTime(startedMS)
		run.CompletedAt = msTime(completedMS)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compactions: %w", err)
	}
	return out, nil
}
