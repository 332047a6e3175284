// Package api exposes the context assembly engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotsetgreg/dotcontext/pkg/logger"
	"github.com/dotsetgreg/dotcontext/pkg/memory"
)

// Engine is the subset of *memory.Engine the server drives.
type Engine interface {
	Assemble(ctx context.Context, req memory.AssembleRequest) (memory.AssembledContext, error)
	RecordTurn(ctx context.Context, turn memory.Turn) (memory.Turn, error)
	History(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]memory.Turn, error)
	Summaries(ctx context.Context, userID, conversationID string) ([]memory.Summary, error)
	ClearConversation(ctx context.Context, userID, conversationID string) error
	Compact(ctx context.Context, userID, conversationID string, force bool) (memory.CompactionResult, error)
}

// SettingsResolver supplies per-conversation defaults, notably the token
// budget when a request omits one.
type SettingsResolver func(userID, conversationID string) memory.Settings

type Server struct {
	engine   Engine
	resolve  SettingsResolver
	gatherer prometheus.Gatherer
	started  time.Time
}

func New(engine Engine, resolve SettingsResolver, gatherer prometheus.Gatherer) *Server {
	if resolve == nil {
		resolve = func(string, string) memory.Settings { return memory.DefaultSettings() }
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{engine: engine, resolve: resolve, gatherer: gatherer, started: time.Now()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Post("/v1/assemble", s.handleAssemble)
	r.Post("/v1/turns", s.handleRecordTurn)
	r.Route("/v1/conversations/{user}/{conversation}", func(r chi.Router) {
		r.Get("/turns", s.handleHistory)
		r.Get("/summaries", s.handleSummaries)
		r.Post("/compact", s.handleCompact)
		r.Delete("/", s.handleClear)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

type assembleRequest struct {
	UserID         string             `json:"user_id"`
	ConversationID string             `json:"conversation_id"`
	Query          string             `json:"query"`
	TokenBudget    *int               `json:"token_budget,omitempty"`
	TurnID         string             `json:"turn_id,omitempty"`
	Role           string             `json:"role,omitempty"`
	Important      bool               `json:"important,omitempty"`
	Ephemeral      bool               `json:"ephemeral,omitempty"`
	Settings       *settingsOverrides `json:"settings,omitempty"`
}

// settingsOverrides patches the resolved settings for one request.
type settingsOverrides struct {
	RecencyWindow  *int  `json:"recency_window,omitempty"`
	SemanticTopN   *int  `json:"semantic_top_n,omitempty"`
	SemanticSearch *bool `json:"semantic_search,omitempty"`
}

type contextItem struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
	Pinned    bool      `json:"pinned,omitempty"`
	Score     float64   `json:"score,omitempty"`
}

type assembleResponse struct {
	Items       []contextItem `json:"items"`
	TotalTokens int           `json:"total_tokens"`
	Budget      int           `json:"budget"`
	Truncated   bool          `json:"truncated"`
	Degraded    []string      `json:"degraded,omitempty"`
}

func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	var req assembleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}

	settings := s.resolve(req.UserID, req.ConversationID)
	budget := settings.TokenBudget
	if req.TokenBudget != nil {
		budget = *req.TokenBudget
	}
	var override *memory.Settings
	if o := req.Settings; o != nil {
		if o.RecencyWindow != nil {
			settings.RecencyWindow = *o.RecencyWindow
		}
		if o.SemanticTopN != nil {
			settings.SemanticTopN = *o.SemanticTopN
		}
		if o.SemanticSearch != nil {
			settings.SemanticSearch = *o.SemanticSearch
		}
		override = &settings
	}

	ac, err := s.engine.Assemble(r.Context(), memory.AssembleRequest{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		TokenBudget:    budget,
		Settings:       override,
		TurnID:         req.TurnID,
		Role:           memory.Role(req.Role),
		Important:      req.Important,
		Ephemeral:      req.Ephemeral,
	})
	if err != nil {
		s.respondEngineError(w, "assemble", err)
		return
	}

	resp := assembleResponse{
		Items:       make([]contextItem, 0, len(ac.Items)),
		TotalTokens: ac.TotalTokens,
		Budget:      ac.Budget,
		Truncated:   ac.Truncated,
		Degraded:    ac.Degraded,
	}
	for _, it := range ac.Items {
		resp.Items = append(resp.Items, contextItem{
			Kind:      string(it.Ref.Kind),
			ID:        it.Ref.ID,
			Role:      string(it.Role),
			Content:   it.Content,
			Timestamp: it.Timestamp,
			Tokens:    it.Tokens,
			Pinned:    it.Pinned,
			Score:     it.SemanticScore,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

type recordTurnRequest struct {
	ID             string    `json:"id,omitempty"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Important      bool      `json:"important,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

type turnView struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Important      bool      `json:"important,omitempty"`
	Summarized     bool      `json:"summarized,omitempty"`
	SummaryID      string    `json:"summary_id,omitempty"`
}

func toTurnView(t memory.Turn) turnView {
	return turnView{
		ID:             t.ID,
		UserID:         t.UserID,
		ConversationID: t.ConversationID,
		Seq:            t.Seq,
		Role:           string(t.Role),
		Content:        t.Content,
		CreatedAt:      t.CreatedAt,
		Important:      t.Important,
		Summarized:     t.Summarized,
		SummaryID:      t.SummaryID,
	}
}

func (s *Server) handleRecordTurn(w http.ResponseWriter, r *http.Request) {
	var req recordTurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object")
		return
	}
	stored, err := s.engine.RecordTurn(r.Context(), memory.Turn{
		ID:             req.ID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Role:           memory.Role(req.Role),
		Content:        req.Content,
		Important:      req.Important,
		CreatedAt:      req.CreatedAt,
	})
	if err != nil {
		s.respondEngineError(w, "record_turn", err)
		return
	}
	respondJSON(w, http.StatusCreated, toTurnView(stored))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, conversationID := chi.URLParam(r, "user"), chi.URLParam(r, "conversation")
	afterSeq, err := queryInt(r, "after_seq")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "after_seq must be an integer")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
		return
	}
	turns, err := s.engine.History(r.Context(), userID, conversationID, afterSeq, int(limit))
	if err != nil {
		s.respondEngineError(w, "history", err)
		return
	}
	out := make([]turnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, toTurnView(t))
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": out})
}

type summaryView struct {
	ID            string    `json:"id"`
	RangeStartSeq int64     `json:"range_start_seq"`
	RangeEndSeq   int64     `json:"range_end_seq"`
	RangeStartAt  time.Time `json:"range_start_at"`
	RangeEndAt    time.Time `json:"range_end_at"`
	TurnCount     int       `json:"turn_count"`
	Text          string    `json:"text"`
	Pinned        bool      `json:"pinned,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toSummaryView(sm memory.Summary) summaryView {
	return summaryView{
		ID:            sm.ID,
		RangeStartSeq: sm.RangeStartSeq,
		RangeEndSeq:   sm.RangeEndSeq,
		RangeStartAt:  sm.RangeStartAt,
		RangeEndAt:    sm.RangeEndAt,
		TurnCount:     sm.TurnCount,
		Text:          sm.Text,
		Pinned:        sm.Pinned,
		CreatedAt:     sm.CreatedAt,
	}
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.engine.Summaries(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "conversation"))
	if err != nil {
		s.respondEngineError(w, "summaries", err)
		return
	}
	out := make([]summaryView, 0, len(summaries))
	for _, sm := range summaries {
		out = append(out, toSummaryView(sm))
	}
	respondJSON(w, http.StatusOK, map[string]any{"summaries": out})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := strings.TrimSpace(r.URL.Query().Get("force")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "force must be a boolean")
			return
		}
		force = v
	}
	res, err := s.engine.Compact(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "conversation"), force)
	if err != nil {
		s.respondEngineError(w, "compact", err)
		return
	}
	body := map[string]any{"result": res.Reason, "folded": res.Folded}
	if res.Summary != nil {
		body["summary"] = toSummaryView(*res.Summary)
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearConversation(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "conversation")); err != nil {
		s.respondEngineError(w, "clear", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondEngineError maps engine errors onto status codes. Only invalid input
// carries its message to the client; everything else is logged and reported
// generically.
func (s *Server) respondEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, memory.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, memory.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "unavailable", "engine is shutting down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "timeout", "request did not complete in time")
	default:
		logger.ErrorCF("api", "Request failed", map[string]interface{}{
			"op":    op,
			"error": err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
