package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotcontext/pkg/logger"
)

// Phase is a conversation's position in the compaction state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePending     Phase = "pending"
	PhaseSummarizing Phase = "summarizing"
)

// SettingsResolver yields the effective settings for a conversation when the
// sweep re-evaluates it without a live request.
type SettingsResolver func(userID, conversationID string) Settings

type SchedulerConfig struct {
	Workers   int
	QueueSize int
	// SweepSchedule is a cron expression; empty disables the sweep.
	SweepSchedule string
	ReindexBatch  int
}

type convKey struct {
	userID         string
	conversationID string
}

type convState struct {
	phase    Phase
	queued   bool
	dirty    bool
	settings Settings
}

// Scheduler runs compaction off the request path. Notify never blocks;
// repeated notifications for one conversation coalesce into a single run.
type Scheduler struct {
	compactor *Compactor
	store     HistoryStore
	index     SimilarityIndex
	embedder  Embedder
	resolve   SettingsResolver
	cfg       SchedulerConfig

	mu     sync.Mutex
	convs  map[convKey]*convState
	queue  chan convKey
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	sweepWG   sync.WaitGroup
	closeOnce sync.Once

	// onPhase observes transitions; tests use it to hold a run mid-flight.
	onPhase func(userID, conversationID string, from, to Phase)
}

func NewScheduler(compactor *Compactor, store HistoryStore, index SimilarityIndex, embedder Embedder, resolve SettingsResolver, cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ReindexBatch <= 0 {
		cfg.ReindexBatch = 64
	}
	if cfg.SweepSchedule != "" {
		g := gronx.New()
		if !g.IsValid(cfg.SweepSchedule) {
			return nil, fmt.Errorf("invalid sweep schedule %q", cfg.SweepSchedule)
		}
	}
	if resolve == nil {
		resolve = func(string, string) Settings { return DefaultSettings() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		compactor: compactor,
		store:     store,
		index:     index,
		embedder:  embedder,
		resolve:   resolve,
		cfg:       cfg,
		convs:     make(map[convKey]*convState),
		queue:     make(chan convKey, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	if cfg.SweepSchedule != "" {
		s.sweepWG.Add(1)
		go s.runSweep()
	}
	return s, nil
}

// Notify asks for a threshold re-evaluation of one conversation.
func (s *Scheduler) Notify(userID, conversationID string, settings Settings) {
	key := convKey{userID: userID, conversationID: conversationID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	st := s.stateLocked(key)
	st.settings = settings
	switch {
	case st.phase != PhaseIdle:
		st.dirty = true
		return
	case st.queued:
		return
	}
	select {
	case s.queue <- key:
		st.queued = true
	default:
		// The next sweep picks the conversation up again.
		logger.WarnCF("compaction", "Compaction queue full; evaluation dropped", map[string]interface{}{
			"user_id":         userID,
			"conversation_id": conversationID,
		})
	}
}

// State reports the conversation's current phase.
func (s *Scheduler) State(userID, conversationID string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.convs[convKey{userID: userID, conversationID: conversationID}]; ok {
		return st.phase
	}
	return PhaseIdle
}

// RunOnce compacts synchronously, coalescing with any in-flight run.
func (s *Scheduler) RunOnce(ctx context.Context, userID, conversationID string, settings Settings, force bool) (CompactionResult, error) {
	key := convKey{userID: userID, conversationID: conversationID}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return CompactionResult{}, ErrClosed
	}
	st := s.stateLocked(key)
	if st.phase != PhaseIdle {
		st.dirty = true
		s.mu.Unlock()
		return CompactionResult{Reason: "in_progress"}, nil
	}
	s.setPhaseLocked(key, st, PhasePending)
	s.setPhaseLocked(key, st, PhaseSummarizing)
	s.mu.Unlock()

	res, err := s.compactor.Run(ctx, userID, conversationID, settings, force)
	s.finish(key)
	return res, err
}

// Close stops the sweep, drains queued evaluations and waits for workers.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.sweepWG.Wait()

		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		s.wg.Wait()
		s.cancel()
	})
	return nil
}

func (s *Scheduler) stateLocked(key convKey) *convState {
	st, ok := s.convs[key]
	if !ok {
		st = &convState{phase: PhaseIdle}
		s.convs[key] = st
	}
	return st
}

func (s *Scheduler) setPhaseLocked(key convKey, st *convState, to Phase) {
	from := st.phase
	st.phase = to
	if s.onPhase != nil {
		s.onPhase(key.userID, key.conversationID, from, to)
	}
}

func (s *Scheduler) runWorker() {
	defer s.wg.Done()
	for key := range s.queue {
		s.evaluate(key)
	}
}

func (s *Scheduler) evaluate(key convKey) {
	s.mu.Lock()
	st := s.stateLocked(key)
	st.queued = false
	if st.phase != PhaseIdle {
		st.dirty = true
		s.mu.Unlock()
		return
	}
	settings := st.settings
	s.mu.Unlock()

	due, err := s.compactor.Due(s.ctx, key.userID, key.conversationID, settings)
	if err != nil {
		logger.WarnCF("compaction", "Threshold evaluation failed", map[string]interface{}{
			"user_id":         key.userID,
			"conversation_id": key.conversationID,
			"error":           err.Error(),
		})
		return
	}
	if !due {
		return
	}

	s.mu.Lock()
	if st.phase != PhaseIdle {
		st.dirty = true
		s.mu.Unlock()
		return
	}
	s.setPhaseLocked(key, st, PhasePending)
	s.setPhaseLocked(key, st, PhaseSummarizing)
	settings = st.settings
	s.mu.Unlock()

	if _, err := s.compactor.Run(s.ctx, key.userID, key.conversationID, settings, false); err != nil {
		logger.WarnCF("compaction", "Compaction failed; history left unsummarized", map[string]interface{}{
			"user_id":         key.userID,
			"conversation_id": key.conversationID,
			"error":           err.Error(),
		})
	}
	s.finish(key)
}

// finish returns the conversation to Idle and re-queues it if notifications
// arrived while it was busy.
func (s *Scheduler) finish(key convKey) {
	s.mu.Lock()
	st := s.stateLocked(key)
	s.setPhaseLocked(key, st, PhaseIdle)
	dirty := st.dirty
	st.dirty = false
	settings := st.settings
	s.mu.Unlock()

	if dirty {
		s.Notify(key.userID, key.conversationID, settings)
	}
}

func (s *Scheduler) runSweep() {
	defer s.sweepWG.Done()
	for {
		next, err := gronx.NextTickAfter(s.cfg.SweepSchedule, time.Now(), false)
		if err != nil {
			logger.ErrorCF("compaction", "Sweep schedule evaluation failed", map[string]interface{}{
				"schedule": s.cfg.SweepSchedule,
				"error":    err.Error(),
			})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep re-notifies every conversation over its threshold and indexes items
// whose embedding was deferred.
func (s *Scheduler) Sweep(ctx context.Context) {
	convs, err := s.store.ListConversations(ctx, "", 0)
	if err != nil {
		logger.WarnCF("compaction", "Sweep listing failed", map[string]interface{}{"error": err.Error()})
		return
	}
	notified := 0
	for _, info := range convs {
		settings := s.resolve(info.UserID, info.ConversationID)
		s.reindex(ctx, info.UserID, info.ConversationID)
		if info.Unsummarized >= settings.CompactionThreshold {
			s.Notify(info.UserID, info.ConversationID, settings)
			notified++
		}
	}
	logger.DebugCF("compaction", "Sweep complete", map[string]interface{}{
		"conversations": len(convs),
		"notified":      notified,
	})
}

func (s *Scheduler) reindex(ctx context.Context, userID, conversationID string) {
	if s.embedder == nil || s.index == nil {
		return
	}
	turns, summaries, err := s.store.ListUnindexed(ctx, userID, conversationID, s.cfg.ReindexBatch)
	if err != nil {
		return
	}
	upsert := func(ref ItemRef, text string) bool {
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return false
		}
		if err := s.index.Upsert(ctx, userID, conversationID, ref, vec); err != nil {
			return false
		}
		return s.store.SetEmbeddingRef(ctx, userID, ref, s.embedder.ModelID()) == nil
	}
	for _, t := range turns {
		if !upsert(t.Ref(), t.Content) {
			return
		}
	}
	for _, sm := range summaries {
		if !upsert(sm.Ref(), sm.Text) {
			return
		}
	}
}
