package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotcontext/pkg/memory"
	"github.com/dotsetgreg/dotcontext/pkg/providers"
)

func testSettings() memory.Settings {
	s := memory.DefaultSettings()
	s.RecencyWindow = 3
	s.CompactionThreshold = 100
	s.TokenBudget = 800
	return s
}

func newTestServer(t *testing.T) (*httptest.Server, *memory.Engine) {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	settings := testSettings()
	resolve := func(string, string) memory.Settings { return settings }
	engine, err := memory.NewEngine(store, memory.NewChromemIndex(), providers.NewChargramEmbedder(64), nil, memory.EngineConfig{
		Settings: settings,
		Resolver: resolve,
		Metrics:  memory.NewMetrics(reg, "api_test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	srv := httptest.NewServer(New(engine, resolve, reg).Router())
	t.Cleanup(srv.Close)
	return srv, engine
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func TestServer_RecordAssembleAndHistory(t *testing.T) {
	srv, _ := newTestServer(t)

	for i, content := range []string{"I love hiking in the alps", "noted", "what's for lunch", "pasta"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/turns", map[string]any{
			"user_id": "u1", "conversation_id": "c1", "role": role, "content": content,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, "%v", body)
		assert.EqualValues(t, i+1, body["seq"])
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/assemble", map[string]any{
		"user_id": "u1", "conversation_id": "c1", "query": "where do I like hiking?", "ephemeral": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	assert.EqualValues(t, 800, body["budget"])
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, items)
	assert.LessOrEqual(t, body["total_tokens"].(float64), 800.0)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/u1/c1/turns?after_seq=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turns := body["turns"].([]any)
	require.Len(t, turns, 2)
	assert.Equal(t, "what's for lunch", turns[0].(map[string]any)["content"])
}

func TestServer_InvalidInputIs400(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/assemble", map[string]any{
		"user_id": "", "conversation_id": "c1", "query": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/assemble", map[string]any{
		"user_id": "u1", "conversation_id": "c1", "query": "x", "token_budget": 0,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/assemble", map[string]any{
		"user_id": "u1", "conversation_id": "c1", "unknown_field": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/u1/c1/turns?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CompactAndClear(t *testing.T) {
	srv, engine := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := engine.RecordTurn(ctx, memory.Turn{UserID: "u1", ConversationID: "c1", Role: memory.RoleUser, Content: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/u1/c1/compact?force=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "%v", body)
	assert.Equal(t, "completed", body["result"])
	assert.EqualValues(t, 2, body["folded"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/u1/c1/summaries", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["summaries"].([]any), 1)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/v1/conversations/u1/c1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/u1/c1/turns", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["turns"])
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	_, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/assemble", map[string]any{
		"user_id": "u1", "conversation_id": "c1", "query": "hello", "ephemeral": true,
	})
	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "api_test_assemblies_total")
}

type failingEngine struct{ err error }

func (f failingEngine) Assemble(context.Context, memory.AssembleRequest) (memory.AssembledContext, error) {
	return memory.AssembledContext{}, f.err
}
func (f failingEngine) RecordTurn(context.Context, memory.Turn) (memory.Turn, error) {
	return memory.Turn{}, f.err
}
func (f failingEngine) History(context.Context, string, string, int64, int) ([]memory.Turn, error) {
	return nil, f.err
}
func (f failingEngine) Summaries(context.Context, string, string) ([]memory.Summary, error) {
	return nil, f.err
}
func (f failingEngine) ClearConversation(context.Context, string, string) error { return f.err }
func (f failingEngine) Compact(context.Context, string, string, bool) (memory.CompactionResult, error) {
	return memory.CompactionResult{}, f.err
}

func TestServer_ErrorMappingHidesInternals(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: errors.New("pq: connection refused at 10.0.0.7"), status: http.StatusInternalServerError, code: "internal"},
		{err: memory.ErrClosed, status: http.StatusServiceUnavailable, code: "unavailable"},
		{err: context.DeadlineExceeded, status: http.StatusServiceUnavailable, code: "timeout"},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(New(failingEngine{err: tc.err}, nil, prometheus.NewRegistry()).Router())
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/u1/c1/turns", nil)
		srv.Close()
		assert.Equal(t, tc.status, resp.StatusCode)
		assert.Equal(t, tc.code, body["code"])
		assert.False(t, strings.Contains(fmt.Sprint(body["error"]), "10.0.0.7"))
	}
}

func TestServer_AcceptsRawJSONBody(t *testing.T) {
	srv, _ := newTestServer(t)
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/assemble", strings.NewReader(`{"user_id":"u1","conversation_id":"c1","query":"hi","token_budget":50,"ephemeral":true}`))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
