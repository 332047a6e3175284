package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotcontext/pkg/providers"
)

type scriptedProvider struct {
	mu    sync.Mutex
	calls atomic.Int32
	errs  []error
	block bool
}

func (p *scriptedProvider) ModelID() string { return "scripted" }
func (p *scriptedProvider) Dimensions() int { return 3 }

func (p *scriptedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	n := int(p.calls.Add(1)) - 1
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func newTestClient(t *testing.T, p providers.EmbeddingProvider, opts Options) *Client {
	t.Helper()
	c, err := NewClient(p, opts)
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(c.Close)
	return c
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	p := &scriptedProvider{errs: []error{providers.ErrUnavailable, providers.ErrUnavailable}}
	c := newTestClient(t, p, Options{MaxAttempts: 3, BreakerThreshold: 10})

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 1, 0}, vec)
	assert.EqualValues(t, 3, p.calls.Load())
}

func TestClient_DoesNotRetryRejected(t *testing.T) {
	p := &scriptedProvider{errs: []error{providers.ErrRejected}}
	c := newTestClient(t, p, Options{MaxAttempts: 3})

	_, err := c.Embed(context.Background(), "too long")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestClient_ExhaustedRetriesAreUnavailable(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("boom"), errors.New("boom")}}
	c := newTestClient(t, p, Options{MaxAttempts: 2, BreakerThreshold: 10})

	_, err := c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.EqualValues(t, 2, p.calls.Load())
}

func TestClient_BreakerShortCircuits(t *testing.T) {
	p := &scriptedProvider{errs: []error{providers.ErrUnavailable, providers.ErrUnavailable, providers.ErrUnavailable}}
	c := newTestClient(t, p, Options{MaxAttempts: 1, BreakerThreshold: 2, BreakerCooldown: time.Hour})

	var results []string
	c.SetObserver(func(r string) { results = append(results, r) })

	_, err := c.Embed(context.Background(), "a")
	require.Error(t, err)
	_, err = c.Embed(context.Background(), "b")
	require.Error(t, err)
	assert.False(t, c.Healthy())

	_, err = c.Embed(context.Background(), "c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.EqualValues(t, 2, p.calls.Load(), "open breaker must not reach the provider")
	assert.Equal(t, []string{"unavailable", "unavailable", "circuit_open"}, results)
}

func TestClient_CachesIdenticalText(t *testing.T) {
	p := &scriptedProvider{}
	c := newTestClient(t, p, Options{})

	first, err := c.Embed(context.Background(), "same text")
	require.NoError(t, err)
	c.cache.Wait()

	first[0] = 999 // callers get copies

	second, err := c.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 1, 0}, second)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestClient_PerAttemptTimeout(t *testing.T) {
	p := &scriptedProvider{block: true}
	c := newTestClient(t, p, Options{Timeout: 20 * time.Millisecond, MaxAttempts: 2, BreakerThreshold: 10})

	start := time.Now()
	_, err := c.Embed(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.EqualValues(t, 2, p.calls.Load())
}

func TestClient_CallerCancellation(t *testing.T) {
	p := &scriptedProvider{block: true}
	c := newTestClient(t, p, Options{Timeout: time.Second, MaxAttempts: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Embed(ctx, "slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestClient_DimensionMismatchRejected(t *testing.T) {
	c := newTestClient(t, wrongDims{}, Options{})
	_, err := c.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
}

type wrongDims struct{}

func (wrongDims) ModelID() string { return "wrong" }
func (wrongDims) Dimensions() int { return 4 }
func (wrongDims) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 2}, nil
}
