package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the shared-deployment HistoryStore. Column layout matches
// SQLiteStore so both share the row scanners.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initHistorySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initHistorySchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			last_seq BIGINT NOT NULL DEFAULT 0,
			last_turn_at_ms BIGINT NOT NULL DEFAULT 0,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			PRIMARY KEY (user_id, conversation_id)
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			important INTEGER NOT NULL DEFAULT 0,
			embedding_ref TEXT NOT NULL DEFAULT '',
			summarized INTEGER NOT NULL DEFAULT 0,
			summary_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, id),
			UNIQUE (user_id, conversation_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation_active ON turns (user_id, conversation_id, summarized, seq DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_conversation_important ON turns (user_id, conversation_id, important, seq);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			range_start_seq BIGINT NOT NULL,
			range_end_seq BIGINT NOT NULL,
			range_start_id TEXT NOT NULL,
			range_end_id TEXT NOT NULL,
			range_start_at_ms BIGINT NOT NULL,
			range_end_at_ms BIGINT NOT NULL,
			turn_count INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding_ref TEXT NOT NULL DEFAULT '',
			pinned INTEGER NOT NULL DEFAULT 0,
			created_at_ms BIGINT NOT NULL,
			PRIMARY KEY (user_id, id),
			UNIQUE (user_id, conversation_id, range_start_seq)
		);`,
		`CREATE TABLE IF NOT EXISTS compaction_leases (
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			holder TEXT NOT NULL,
			expires_at_ms BIGINT NOT NULL,
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
			started_at_ms BIGINT NOT NULL,
			completed_at_ms BIGINT NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_compaction_runs_conversation ON compaction_runs (user_id, conversation_id, started_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init history schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func pgTurns(rows pgx.Rows) ([]Turn, error) {
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

func pgSummaries(rows pgx.Rows) ([]Summary, error) {
	defer rows.Close()
	out := []Summary{}
	for rows.Next() {
		sm, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := nowMS()
	if _, err := tx.Exec(ctx, `
INSERT INTO conversations (user_id, conversation_id, last_seq, last_turn_at_ms, created_at_ms, updated_at_ms)
VALUES ($1, $2, 0, 0, $3, $3)
ON CONFLICT (user_id, conversation_id) DO NOTHING`, turn.UserID, turn.ConversationID, now); err != nil {
		return Turn{}, fmt.Errorf("append turn ensure conversation: %w", err)
	}

	// The row lock serializes appenders per conversation.
	var lastSeq, lastAtMS int64
	if err := tx.QueryRow(ctx, `
SELECT last_seq, last_turn_at_ms FROM conversations
WHERE user_id = $1 AND conversation_id = $2
FOR UPDATE`, turn.UserID, turn.ConversationID).Scan(&lastSeq, &lastAtMS); err != nil {
		return Turn{}, fmt.Errorf("append turn read sequence: %w", err)
	}

	existing, err := scanTurn(tx.QueryRow(ctx, `SELECT `+turnColumns+` FROM turns WHERE user_id = $1 AND id = $2`, turn.UserID, turn.ID))
	switch {
	case err == nil:
		if existing.ConversationID != turn.ConversationID {
			return Turn{}, fmt.Errorf("append turn: %w: id %s belongs to another conversation", ErrInvalidInput, turn.ID)
		}
		return existing, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Turn{}, fmt.Errorf("append turn lookup: %w", err)
	}

	createdMS := now
	if !turn.CreatedAt.IsZero() {
		createdMS = turn.CreatedAt.UnixMilli()
	}
	if createdMS < lastAtMS {
		createdMS = lastAtMS
	}
	turn.Seq = lastSeq + 1
	turn.CreatedAt = msTime(createdMS)
	turn.Summarized = false
	turn.SummaryID = ""

	if _, err := tx.Exec(ctx, `
INSERT INTO turns (id, user_id, conversation_id, seq, role, content, created_at_ms, important, embedding_ref, summarized, summary_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, '')`,
		turn.ID, turn.UserID, turn.ConversationID, turn.Seq, string(turn.Role), turn.Content, createdMS, boolInt(turn.Important), turn.EmbeddingRef); err != nil {
		return Turn{}, fmt.Errorf("append turn insert: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE conversations SET last_seq = $1, last_turn_at_ms = $2, updated_at_ms = $3
WHERE user_id = $4 AND conversation_id = $5`, turn.Seq, createdMS, now, turn.UserID, turn.ConversationID); err != nil {
		return Turn{}, fmt.Errorf("append turn advance sequence: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Turn{}, fmt.Errorf("append turn commit: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, userID, conversationID string, recent int) (Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var snap Snapshot
	if err := tx.QueryRow(ctx, `
SELECT last_seq FROM conversations WHERE user_id = $1 AND conversation_id = $2`, userID, conversationID).Scan(&snap.LastSeq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("load snapshot conversation: %w", err)
	}

	if recent > 0 {
		rows, err := tx.Query(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = $1 AND conversation_id = $2 AND summarized = 0
ORDER BY seq DESC
LIMIT $3`, userID, conversationID, recent)
		if err != nil {
			return Snapshot{}, fmt.Errorf("load snapshot recent: %w", err)
		}
		if snap.Recent, err = pgTurns(rows); err != nil {
			return Snapshot{}, err
		}
		for i, j := 0, len(snap.Recent)-1; i < j; i, j = i+1, j-1 {
			snap.Recent[i], snap.Recent[j] = snap.Recent[j], snap.Recent[i]
		}
	}

	rows, err := tx.Query(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = $1 AND conversation_id = $2 AND important = 1
ORDER BY seq ASC`, userID, conversationID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot pinned turns: %w", err)
	}
	if snap.PinnedTurns, err = pgTurns(rows); err != nil {
		return Snapshot{}, err
	}

	rows, err = tx.Query(ctx, `
SELECT `+summaryColumns+` FROM summaries
WHERE user_id = $1 AND conversation_id = $2 AND pinned = 1
ORDER BY range_start_seq ASC`, userID, conversationID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot pinned summaries: %w", err)
	}
	if snap.PinnedSummaries, err = pgSummaries(rows); err != nil {
		return Snapshot{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot commit: %w", err)
	}
	return snap, nil
}

// pgLimit maps "no limit" onto LIMIT ALL.
func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *PostgresStore) ListTurns(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]Turn, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = $1 AND conversation_id = $2 AND seq > $3
ORDER BY seq ASC
LIMIT $4`, userID, conversationID, afterSeq, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return pgTurns(rows)
}

func (s *PostgresStore) ListUnsummarizedTurns(ctx context.Context, userID, conversationID string, limit int) ([]Turn, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = $1 AND conversation_id = $2 AND summarized = 0
ORDER BY seq ASC
LIMIT $3`, userID, conversationID, pgLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list unsummarized turns: %w", err)
	}
	return pgTurns(rows)
}

func (s *PostgresStore) CountUnsummarized(ctx context.Context, userID, conversationID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM turns WHERE user_id = $1 AND conversation_id = $2 AND summarized = 0`,
		userID, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsummarized: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetTurns(ctx context.Context, userID string, ids []string) (map[string]Turn, error) {
	ids = uniqueStrings(ids)
	out := make(map[string]Turn, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+turnColumns+` FROM turns WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	turns, err := pgTurns(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		out[t.ID] = t
	}
	return out, nil
}

func (s *PostgresStore) GetSummaries(ctx context.Context, userID string, ids []string) (map[string]Summary, error) {
	ids = uniqueStrings(ids)
	out := make(map[string]Summary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+summaryColumns+` FROM summaries WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("get summaries: %w", err)
	}
	summaries, err := pgSummaries(rows)
	if err != nil {
		return nil, err
	}
	for _, sm := range summaries {
		out[sm.ID] = sm
	}
	return out, nil
}

func (s *PostgresStore) ListSummaries(ctx context.Context, userID, conversationID string) ([]Summary, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+summaryColumns+` FROM summaries
WHERE user_id = $1 AND conversation_id = $2
ORDER BY range_start_seq ASC`, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return pgSummaries(rows)
}

func (s *PostgresStore) SetEmbeddingRef(ctx context.Context, userID string, ref ItemRef, embeddingRef string) error {
	var table string
	switch ref.Kind {
	case ItemTurn:
		table = "turns"
	case ItemSummary:
		table = "summaries"
	default:
		return fmt.Errorf("set embedding ref: %w: kind %q", ErrInvalidInput, ref.Kind)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE `+table+` SET embedding_ref = $1 WHERE user_id = $2 AND id = $3`, embeddingRef, userID, ref.ID); err != nil {
		return fmt.Errorf("set embedding ref: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnindexed(ctx context.Context, userID, conversationID string, limit int) ([]Turn, []Summary, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+turnColumns+` FROM turns
WHERE user_id = $1 AND conversation_id = $2 AND embedding_ref = '' AND summarized = 0 AND role <> 'system'
ORDER BY seq ASC
LIMIT $3`, userID, conversationID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list unindexed turns: %w", err)
	}
	turns, err := pgTurns(rows)
	if err != nil {
		return nil, nil, err
	}
	rows, err = s.pool.Query(ctx, `
SELECT `+summaryColumns+` FROM summaries
WHERE user_id = $1 AND conversation_id = $2 AND embedding_ref = ''
ORDER BY range_start_seq ASC
LIMIT $3`, userID, conversationID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list unindexed summaries: %w", err)
	}
	summaries, err := pgSummaries(rows)
	if err != nil {
		return nil, nil, err
	}
	return turns, summaries, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string, limit int) ([]ConversationInfo, error) {
	rows, err := s.pool.Query(ctx, `
SELECT c.user_id, c.conversation_id, c.last_seq, c.updated_at_ms,
	(SELECT COUNT(*) FROM turns t WHERE t.user_id = c.user_id AND t.conversation_id = c.conversation_id AND t.summarized = 0)
FROM conversations c
WHERE ($1 = '' OR c.user_id = $1)
ORDER BY c.updated_at_ms DESC
LIMIT $2`, userID, pgLimit(limit))
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

func (s *PostgresStore) ClearConversation(ctx context.Context, userID, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("clear conversation begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, table := range []string{"turns", "summaries", "compaction_leases", "compaction_runs", "conversations"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1 AND conversation_id = $2`, userID, conversationID); err != nil {
			return fmt.Errorf("clear conversation %s: %w", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("clear conversation commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) AcquireCompactionLease(ctx context.Context, userID, conversationID, holder string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	now := nowMS()
	expires := now + ttl.Milliseconds()
	// The conditional upsert only takes over a lease that is ours or expired.
	tag, err := s.pool.Exec(ctx, `
INSERT INTO compaction_leases (user_id, conversation_id, holder, expires_at_ms)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, conversation_id) DO UPDATE SET
	holder = EXCLUDED.holder,
	expires_at_ms = EXCLUDED.expires_at_ms
WHERE compaction_leases.holder = EXCLUDED.holder OR compaction_leases.expires_at_ms <= $5`,
		userID, conversationID, holder, expires, now)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Lease{}, ErrLeaseHeld
	}
	return Lease{UserID: userID, ConversationID: conversationID, Holder: holder, ExpiresAt: msTime(expires)}, nil
}

func (s *PostgresStore) ReleaseCompactionLease(ctx context.Context, lease Lease) error {
	if _, err := s.pool.Exec(ctx, `
DELETE FROM compaction_leases WHERE user_id = $1 AND conversation_id = $2 AND holder = $3`,
		lease.UserID, lease.ConversationID, lease.Holder); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) CommitSummary(ctx context.Context, lease Lease, summary Summary, turnIDs []string) error {
	turnIDs = uniqueStrings(turnIDs)
	if len(turnIDs) == 0 {
		return fmt.Errorf("commit summary: %w: no turns", ErrRangeConflict)
	}
	if summary.UserID != lease.UserID || summary.ConversationID != lease.ConversationID {
		return fmt.Errorf("commit summary: %w: lease does not cover summary conversation", ErrLeaseLost)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("commit summary begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var holder string
	var expiresMS int64
	if err := tx.QueryRow(ctx, `
SELECT holder, expires_at_ms FROM compaction_leases
WHERE user_id = $1 AND conversation_id = $2
FOR UPDATE`, lease.UserID, lease.ConversationID).Scan(&holder, &expiresMS); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLeaseLost
		}
		return fmt.Errorf("commit summary lease check: %w", err)
	}
	if holder != lease.Holder || expiresMS <= nowMS() {
		return ErrLeaseLost
	}

	rows, err := tx.Query(ctx, `
SELECT seq, summarized FROM turns
WHERE user_id = $1 AND conversation_id = $2 AND id = ANY($3)
FOR UPDATE`, summary.UserID, summary.ConversationID, turnIDs)
	if err != nil {
		return fmt.Errorf("commit summary load turns: %w", err)
	}
	seqs := make([]int64, 0, len(turnIDs))
	var already int64 = -1
	for rows.Next() {
		var seq int64
		var summarized int
		if err := rows.Scan(&seq, &summarized); err != nil {
			rows.Close()
			return fmt.Errorf("commit summary scan turn: %w", err)
		}
		if summarized == 1 {
			already = seq
		}
		seqs = append(seqs, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("commit summary iterate turns: %w", err)
	}
	if already >= 0 {
		return fmt.Errorf("commit summary: %w: turn seq %d already summarized", ErrRangeConflict, already)
	}
	if err := checkContiguous(seqs, len(turnIDs), summary); err != nil {
		return err
	}

	var prefixGap, overlap int
	if err := tx.QueryRow(ctx, `
SELECT COUNT(*) FROM turns
WHERE user_id = $1 AND conversation_id = $2 AND summarized = 0 AND seq < $3`,
		summary.UserID, summary.ConversationID, summary.RangeStartSeq).Scan(&prefixGap); err != nil {
		return fmt.Errorf("commit summary prefix check: %w", err)
	}
	if prefixGap > 0 {
		return fmt.Errorf("commit summary: %w: %d older turns remain unsummarized", ErrRangeConflict, prefixGap)
	}
	if err := tx.QueryRow(ctx, `
SELECT COUNT(*) FROM summaries
WHERE user_id = $1 AND conversation_id = $2 AND range_end_seq >= $3`,
		summary.UserID, summary.ConversationID, summary.RangeStartSeq).Scan(&overlap); err != nil {
		return fmt.Errorf("commit summary overlap check: %w", err)
	}
	if overlap > 0 {
		return fmt.Errorf("commit summary: %w: overlaps an existing summary", ErrRangeConflict)
	}

	tag, err := tx.Exec(ctx, `
UPDATE turns SET summarized = 1, summary_id = $1
WHERE user_id = $2 AND conversation_id = $3 AND summarized = 0 AND id = ANY($4)`,
		summary.ID, summary.UserID, summary.ConversationID, turnIDs)
	if err != nil {
		return fmt.Errorf("commit summary mark turns: %w", err)
	}
	if tag.RowsAffected() != int64(len(turnIDs)) {
		return fmt.Errorf("commit summary: %w: marked %d of %d turns", ErrRangeConflict, tag.RowsAffected(), len(turnIDs))
	}

	createdMS := nowMS()
	if !summary.CreatedAt.IsZero() {
		createdMS = summary.CreatedAt.UnixMilli()
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO summaries (`+summaryColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		summary.ID, summary.UserID, summary.ConversationID, summary.RangeStartSeq, summary.RangeEndSeq,
		summary.RangeStartID, summary.RangeEndID, summary.RangeStartAt.UnixMilli(), summary.RangeEndAt.UnixMilli(),
		summary.TurnCount, summary.Text, summary.EmbeddingRef, boolInt(summary.Pinned), createdMS); err != nil {
		return fmt.Errorf("commit summary insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit summary commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) StartCompaction(ctx context.Context, run CompactionRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, err := s.pool.Exec(ctx, `
INSERT INTO compaction_runs (id, user_id, conversation_id, status, source_count, retained_count, summary_id, error, started_at_ms, completed_at_ms)
VALUES ($1, $2, $3, $4, $5, $6, '', '', $7, 0)`,
		run.ID, run.UserID, run.ConversationID, CompactionRunning, run.SourceCount, run.RetainedCount, nowMS()); err != nil {
		return "", fmt.Errorf("start compaction: %w", err)
	}
	return run.ID, nil
}

func (s *PostgresStore) CompleteCompaction(ctx context.Context, runID, summaryID string) error {
	if _, err := s.pool.Exec(ctx, `
UPDATE compaction_runs SET status = $1, summary_id = $2, completed_at_ms = $3 WHERE id = $4`,
		CompactionCompleted, summaryID, nowMS(), runID); err != nil {
		return fmt.Errorf("complete compaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailCompaction(ctx context.Context, runID, errMsg string) error {
	if _, err := s.pool.Exec(ctx, `
UPDATE compaction_runs SET status = $1, error = $2, completed_at_ms = $3 WHERE id = $4`,
		CompactionFailed, errMsg, nowMS(), runID); err != nil {
		return fmt.Errorf("fail compaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCompactions(ctx context.Context, userID, conversationID string, limit int) ([]CompactionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, conversation_id, status, source_count, retained_count, summary_id, error, started_at_ms, completed_at_ms
FROM compaction_runs
WHERE user_id = $1 AND conversation_id = $2
ORDER BY started_at_ms DESC
LIMIT $3`, userID, conversationID, limit)
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
