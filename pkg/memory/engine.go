package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/dotsetgreg/dotcontext/pkg/logger"
	"github.com/dotsetgreg/dotcontext/pkg/providers"
	"github.com/dotsetgreg/dotcontext/pkg/reliability"
)

const (
	maxIDLength = 128
	// maxQueryRunes bounds the retry after the embedding provider rejects
	// an over-long query.
	maxQueryRunes = 2048
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@\-]*$`)

// Degradation reasons reported in AssembledContext.Degraded.
const (
	DegradedEmbedding = "embedding_unavailable"
	DegradedIndex     = "index_unavailable"
	DegradedHistory   = "history_unavailable"
	DegradedDeadline  = "deadline_exceeded"
	DegradedSkipped   = "items_skipped"
)

// EngineConfig configures the assembly engine.
type EngineConfig struct {
	// Settings are the defaults when neither the request nor Resolver
	// supplies any.
	Settings        Settings
	Resolver        SettingsResolver
	AssembleTimeout time.Duration
	IngestWorkers   int
	StoreAttempts   int
	Compactor       CompactorConfig
	Scheduler       SchedulerConfig
	Metrics         *Metrics
}

// AssembleRequest is one inbound turn. Settings, when nil, come from the
// engine's resolver.
type AssembleRequest struct {
	UserID         string
	ConversationID string
	Query          string
	TokenBudget    int
	Settings       *Settings
	// TurnID makes persistence of the inbound turn idempotent across retries.
	TurnID    string
	Role      Role
	Important bool
	// Ephemeral skips persisting the query as a turn.
	Ephemeral bool
}

// Engine is the public entry point: it assembles a budgeted context for each
// inbound turn and persists the turn off the request path.
type Engine struct {
	cfg       EngineConfig
	store     HistoryStore
	index     SimilarityIndex
	embedder  Embedder
	compactor *Compactor
	scheduler *Scheduler
	ingest    *ingestor
	metrics   *Metrics

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewEngine wires the engine. index and embedder may be nil, in which case
// retrieval runs on recency and pinned items only. The engine does not own
// store or index; callers close them after Engine.Close.
func NewEngine(store HistoryStore, index SimilarityIndex, embedder Embedder, summarizer Summarizer, cfg EngineConfig) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if cfg.Settings == (Settings{}) {
		cfg.Settings = DefaultSettings()
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.AssembleTimeout <= 0 {
		cfg.AssembleTimeout = 1500 * time.Millisecond
	}
	if cfg.StoreAttempts <= 0 {
		cfg.StoreAttempts = 3
	}
	if cfg.Resolver == nil {
		defaults := cfg.Settings
		cfg.Resolver = func(string, string) Settings { return defaults }
	}
	if index == nil || embedder == nil {
		index, embedder = nil, nil
	}

	compactor := NewCompactor(store, index, embedder, summarizer, cfg.Compactor, cfg.Metrics)
	scheduler, err := NewScheduler(compactor, store, index, embedder, cfg.Resolver, cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		index:     index,
		embedder:  embedder,
		compactor: compactor,
		scheduler: scheduler,
		metrics:   cfg.Metrics,
	}
	e.ingest = newIngestor(cfg.IngestWorkers, cfg.Metrics, e.handleIngest)
	return e, nil
}

// Scheduler exposes the compaction scheduler, mainly for sweeps and tests.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.ingest.close()
		e.closeErr = e.scheduler.Close()
	})
	return e.closeErr
}

func validateID(kind, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, kind)
	}
	if len(v) > maxIDLength || !idPattern.MatchString(v) {
		return fmt.Errorf("%w: malformed %s", ErrInvalidInput, kind)
	}
	return nil
}

func (e *Engine) settingsFor(userID, conversationID string, override *Settings) Settings {
	if override != nil {
		return *override
	}
	return e.cfg.Resolver(userID, conversationID)
}

// Assemble selects the context for one inbound turn. Only invalid input is
// reported as an error; dependency failures degrade the result instead.
func (e *Engine) Assemble(ctx context.Context, req AssembleRequest) (AssembledContext, error) {
	if e.closed.Load() {
		return AssembledContext{}, ErrClosed
	}
	settings := e.settingsFor(req.UserID, req.ConversationID, req.Settings)
	if err := e.validateAssemble(req, settings); err != nil {
		e.metrics.invalidInput()
		return AssembledContext{}, err
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, e.cfg.AssembleTimeout)
	defer cancel()

	type snapshotResult struct {
		snap Snapshot
		err  error
	}
	snapCh := make(chan snapshotResult, 1)
	semCh := make(chan semanticResult, 1)
	go func() {
		snap, err := e.store.LoadSnapshot(actx, req.UserID, req.ConversationID, settings.RecencyWindow)
		snapCh <- snapshotResult{snap: snap, err: err}
	}()
	go func() {
		semCh <- e.semantic(actx, req, settings)
	}()

	var (
		snap     Snapshot
		sem      semanticResult
		degraded []string
	)
	gotSnap, gotSem := false, false
	for !gotSnap || !gotSem {
		select {
		case r := <-snapCh:
			gotSnap = true
			if r.err != nil {
				degraded = append(degraded, deadlineOr(actx, DegradedHistory)...)
				e.logDependency("history", req, r.err)
				continue
			}
			snap = r.snap
		case r := <-semCh:
			gotSem = true
			sem = r
			degraded = append(degraded, deadlineOr(actx, r.degraded...)...)
		case <-actx.Done():
			degraded = append(degraded, DegradedDeadline)
			if !gotSnap {
				e.logDependency("history", req, actx.Err())
			}
			gotSnap, gotSem = true, true
		}
	}

	cands := NewRanker(settings).Rank(snap, sem.hits)
	budgeter := NewBudgeter(settings.ModelFamily)
	budgeter.Estimate(cands)
	res := budgeter.Fit(cands, req.TokenBudget)

	skipped := len(sem.unresolved) + len(res.Unestimable)
	if skipped > 0 {
		degraded = append(degraded, DegradedSkipped)
		e.metrics.skipped("unresolved", len(sem.unresolved))
		e.metrics.skipped("unestimable", len(res.Unestimable))
		logger.WarnCF("engine", "Skipped malformed items", map[string]interface{}{
			"user_id":         req.UserID,
			"conversation_id": req.ConversationID,
			"unresolved":      refKeys(sem.unresolved),
			"unestimable":     refKeys(res.Unestimable),
		})
	}

	out := res.Context
	out.Degraded = uniqueStrings(degraded)
	e.metrics.observeAssemble(time.Since(start), out)
	logger.DebugCF("engine", "Context assembled", map[string]interface{}{
		"user_id":         req.UserID,
		"conversation_id": req.ConversationID,
		"candidates":      len(cands),
		"items":           len(out.Items),
		"total_tokens":    out.TotalTokens,
		"budget":          req.TokenBudget,
		"truncated":       out.Truncated,
		"degraded":        out.Degraded,
	})

	if !req.Ephemeral && strings.TrimSpace(req.Query) != "" {
		role := req.Role
		if role == "" {
			role = RoleUser
		}
		job := ingestJob{
			turn: Turn{
				ID:             req.TurnID,
				UserID:         req.UserID,
				ConversationID: req.ConversationID,
				Role:           role,
				Content:        req.Query,
				CreatedAt:      time.Now().UTC(),
				Important:      req.Important,
			},
			vector:   sem.vector,
			settings: settings,
		}
		if err := e.ingest.enqueue(job); err != nil {
			logger.WarnCF("engine", "Inbound turn not persisted", map[string]interface{}{
				"user_id":         req.UserID,
				"conversation_id": req.ConversationID,
				"error":           err.Error(),
			})
		}
	}
	return out, nil
}

func (e *Engine) validateAssemble(req AssembleRequest, settings Settings) error {
	if err := validateID("user_id", req.UserID); err != nil {
		return err
	}
	if err := validateID("conversation_id", req.ConversationID); err != nil {
		return err
	}
	if req.TokenBudget <= 0 {
		return fmt.Errorf("%w: token budget must be positive", ErrInvalidInput)
	}
	if req.Role != "" && !req.Role.Valid() {
		return fmt.Errorf("%w: unknown role", ErrInvalidInput)
	}
	if req.TurnID != "" && len(req.TurnID) > maxIDLength {
		return fmt.Errorf("%w: malformed turn_id", ErrInvalidInput)
	}
	return settings.Validate()
}

// deadlineOr reports a dependency that gave up because the assembly deadline
// expired as deadline_exceeded rather than as its own failure.
func deadlineOr(actx context.Context, reasons ...string) []string {
	if len(reasons) > 0 && actx.Err() != nil {
		return []string{DegradedDeadline}
	}
	return reasons
}

type semanticResult struct {
	hits       []SemanticHit
	vector     []float32
	unresolved []ItemRef
	degraded   []string
}

func (e *Engine) semantic(ctx context.Context, req AssembleRequest, settings Settings) semanticResult {
	var res semanticResult
	if e.embedder == nil || !settings.SemanticSearch || settings.SemanticTopN <= 0 || strings.TrimSpace(req.Query) == "" {
		return res
	}

	vec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil && errors.Is(err, providers.ErrRejected) && utf8.RuneCountInString(req.Query) > maxQueryRunes {
		vec, err = e.embedder.Embed(ctx, string([]rune(req.Query)[:maxQueryRunes]))
	}
	if err != nil {
		res.degraded = append(res.degraded, DegradedEmbedding)
		e.logDependency("embedding", req, err)
		return res
	}
	res.vector = vec

	scored, err := e.index.Query(ctx, req.UserID, req.ConversationID, vec, settings.SemanticTopN+settings.RecencyWindow)
	if err != nil {
		res.degraded = append(res.degraded, DegradedIndex)
		e.logDependency("index", req, err)
		return res
	}
	if len(scored) == 0 {
		res.hits = []SemanticHit{}
		return res
	}

	var turnIDs, summaryIDs []string
	for _, s := range scored {
		switch s.Ref.Kind {
		case ItemTurn:
			turnIDs = append(turnIDs, s.Ref.ID)
		case ItemSummary:
			summaryIDs = append(summaryIDs, s.Ref.ID)
		}
	}
	turns, err := e.store.GetTurns(ctx, req.UserID, turnIDs)
	if err != nil {
		res.degraded = append(res.degraded, DegradedHistory)
		e.logDependency("history", req, err)
		return res
	}
	summaries, err := e.store.GetSummaries(ctx, req.UserID, summaryIDs)
	if err != nil {
		res.degraded = append(res.degraded, DegradedHistory)
		e.logDependency("history", req, err)
		return res
	}

	res.hits = make([]SemanticHit, 0, len(scored))
	for _, s := range scored {
		hit := SemanticHit{Ref: s.Ref, Score: clampScore(s.Score)}
		switch s.Ref.Kind {
		case ItemTurn:
			t, ok := turns[s.Ref.ID]
			if !ok || t.ConversationID != req.ConversationID {
				res.unresolved = append(res.unresolved, s.Ref)
				continue
			}
			hit.Turn = &t
		case ItemSummary:
			sm, ok := summaries[s.Ref.ID]
			if !ok || sm.ConversationID != req.ConversationID {
				res.unresolved = append(res.unresolved, s.Ref)
				continue
			}
			hit.Summary = &sm
		default:
			res.unresolved = append(res.unresolved, s.Ref)
			continue
		}
		res.hits = append(res.hits, hit)
	}
	return res
}

// logDependency records a degraded dependency without surfacing its text to
// the caller.
func (e *Engine) logDependency(dep string, req AssembleRequest, err error) {
	logger.WarnCF("engine", "Dependency degraded", map[string]interface{}{
		"dependency":      dep,
		"user_id":         req.UserID,
		"conversation_id": req.ConversationID,
		"transient":       !errors.Is(err, providers.ErrRejected) && !errors.Is(err, ErrPermanentDependency),
		"error":           err.Error(),
	})
}

func refKeys(refs []ItemRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Key())
	}
	return out
}

func (e *Engine) handleIngest(ctx context.Context, job ingestJob) (Turn, error) {
	var (
		stored Turn
		err    error
	)
	for attempt := 0; attempt < e.cfg.StoreAttempts; attempt++ {
		if attempt > 0 {
			if serr := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, 100*time.Millisecond, 2*time.Second)); serr != nil {
				break
			}
		}
		stored, err = e.store.AppendTurn(ctx, job.turn)
		if err == nil || errors.Is(err, ErrInvalidInput) {
			break
		}
	}
	if err != nil {
		e.metrics.ingest("failed")
		logger.ErrorCF("engine", "Turn persistence failed", map[string]interface{}{
			"user_id":         job.turn.UserID,
			"conversation_id": job.turn.ConversationID,
			"error":           err.Error(),
		})
		return Turn{}, err
	}
	e.metrics.ingest("stored")

	if e.index != nil && stored.Role != RoleSystem && stored.EmbeddingRef == "" {
		e.indexTurn(ctx, stored, job.vector)
	}
	e.scheduler.Notify(stored.UserID, stored.ConversationID, job.settings)
	return stored, nil
}

// indexTurn is best effort; a turn left without an embedding ref is picked
// up by the reindex sweep.
func (e *Engine) indexTurn(ctx context.Context, t Turn, vector []float32) {
	if len(vector) == 0 {
		vec, err := e.embedder.Embed(ctx, t.Content)
		if err != nil {
			logger.DebugCF("engine", "Turn embedding deferred", map[string]interface{}{
				"turn_id": t.ID,
				"error":   err.Error(),
			})
			return
		}
		vector = vec
	}
	if err := e.index.Upsert(ctx, t.UserID, t.ConversationID, t.Ref(), vector); err != nil {
		logger.WarnCF("engine", "Turn index upsert failed", map[string]interface{}{
			"turn_id": t.ID,
			"error":   err.Error(),
		})
		return
	}
	if err := e.store.SetEmbeddingRef(ctx, t.UserID, t.Ref(), e.embedder.ModelID()); err != nil {
		logger.WarnCF("engine", "Embedding ref update failed", map[string]interface{}{
			"turn_id": t.ID,
			"error":   err.Error(),
		})
	}
}

// RecordTurn persists a turn through the same ordered path as Assemble, for
// outbound assistant replies and imported history, and waits for the write.
func (e *Engine) RecordTurn(ctx context.Context, turn Turn) (Turn, error) {
	if e.closed.Load() {
		return Turn{}, ErrClosed
	}
	if err := validateID("user_id", turn.UserID); err != nil {
		return Turn{}, err
	}
	if err := validateID("conversation_id", turn.ConversationID); err != nil {
		return Turn{}, err
	}
	if turn.Role == "" {
		turn.Role = RoleAssistant
	}
	if !turn.Role.Valid() {
		return Turn{}, fmt.Errorf("%w: unknown role", ErrInvalidInput)
	}
	if strings.TrimSpace(turn.Content) == "" {
		return Turn{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	settings := e.settingsFor(turn.UserID, turn.ConversationID, nil)
	done := make(chan ingestResult, 1)
	if err := e.ingest.enqueue(ingestJob{turn: turn, settings: settings, done: done}); err != nil {
		return Turn{}, err
	}
	select {
	case <-ctx.Done():
		return Turn{}, ctx.Err()
	case res := <-done:
		return res.turn, res.err
	}
}

// Flush waits until every turn accepted so far for the conversation has been
// persisted.
func (e *Engine) Flush(ctx context.Context, userID, conversationID string) error {
	done := make(chan ingestResult, 1)
	if err := e.ingest.enqueue(ingestJob{
		turn:    Turn{UserID: userID, ConversationID: conversationID},
		barrier: true,
		done:    done,
	}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// History returns stored turns after afterSeq in sequence order.
func (e *Engine) History(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]Turn, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	if err := validateID("conversation_id", conversationID); err != nil {
		return nil, err
	}
	return e.store.ListTurns(ctx, userID, conversationID, afterSeq, limit)
}

// Summaries lists a conversation's summaries oldest first.
func (e *Engine) Summaries(ctx context.Context, userID, conversationID string) ([]Summary, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	if err := validateID("conversation_id", conversationID); err != nil {
		return nil, err
	}
	return e.store.ListSummaries(ctx, userID, conversationID)
}

// ClearConversation is the operator-invoked retention path: it removes one
// conversation's history and vectors once pending writes have landed.
func (e *Engine) ClearConversation(ctx context.Context, userID, conversationID string) error {
	if err := validateID("user_id", userID); err != nil {
		return err
	}
	if err := validateID("conversation_id", conversationID); err != nil {
		return err
	}
	if err := e.Flush(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := e.store.ClearConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	if e.index != nil {
		if err := e.index.DeleteNamespace(ctx, userID, conversationID); err != nil {
			return err
		}
	}
	logger.InfoCF("engine", "Conversation cleared", map[string]interface{}{
		"user_id":         userID,
		"conversation_id": conversationID,
	})
	return nil
}

// Compact runs compaction now. With force it folds everything older than the
// recency window even below the threshold.
func (e *Engine) Compact(ctx context.Context, userID, conversationID string, force bool) (CompactionResult, error) {
	if err := validateID("user_id", userID); err != nil {
		return CompactionResult{}, err
	}
	if err := validateID("conversation_id", conversationID); err != nil {
		return CompactionResult{}, err
	}
	if err := e.Flush(ctx, userID, conversationID); err != nil {
		return CompactionResult{}, err
	}
	settings := e.settingsFor(userID, conversationID, nil)
	return e.scheduler.RunOnce(ctx, userID, conversationID, settings, force)
}
