// Package embedding wraps an EmbeddingProvider with timeouts, retries, a
// circuit breaker and a content-addressed vector cache.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/dotsetgreg/dotcontext/pkg/logger"
	"github.com/dotsetgreg/dotcontext/pkg/providers"
	"github.com/dotsetgreg/dotcontext/pkg/reliability"
)

var (
	ErrUnavailable = providers.ErrUnavailable
	ErrRejected    = providers.ErrRejected
)

type Options struct {
	Timeout          time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	CacheEntries     int64
}

// Observer receives one callback per Embed outcome ("ok", "cache_hit",
// "unavailable", "rejected", "circuit_open").
type Observer func(result string)

type Client struct {
	provider providers.EmbeddingProvider
	opts     Options
	breaker  *reliability.Breaker
	cache    *ristretto.Cache
	group    singleflight.Group
	observe  Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewClient(provider providers.EmbeddingProvider, opts Options) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 2 * time.Second
	}
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = 10000
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: opts.CacheEntries * 10,
		MaxCost:     opts.CacheEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	return &Client{
		provider: provider,
		opts:     opts,
		breaker:  reliability.NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		cache:    cache,
		observe:  func(string) {},
		sleep:    reliability.Sleep,
	}, nil
}

// SetObserver installs an outcome callback, typically a metrics counter.
func (c *Client) SetObserver(o Observer) {
	if o == nil {
		o = func(string) {}
	}
	c.observe = o
}

func (c *Client) ModelID() string { return c.provider.ModelID() }

func (c *Client) Dimensions() int { return c.provider.Dimensions() }

// Breaker exposes the circuit breaker state for health reporting.
func (c *Client) Breaker() *reliability.Breaker { return c.breaker }

// Healthy reports whether calls are currently let through.
func (c *Client) Healthy() bool {
	return c.breaker.State() != reliability.BreakerOpen
}

func (c *Client) Close() {
	c.cache.Close()
}

// Embed returns the vector for text. Identical text under the same model
// always yields the same vector once cached; concurrent requests for the same
// text share one upstream call.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			c.observe("cache_hit")
			return cloneVector(vec), nil
		}
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Detached so one caller's cancellation does not fail the others.
		return c.embedWithRetry(context.WithoutCancel(ctx), text)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("embed: %w: %v", ErrUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		vec := res.Val.([]float32)
		c.cache.Set(key, vec, 1)
		return cloneVector(vec), nil
	}
}

func (c *Client) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, reliability.ExponentialBackoff(attempt-1, c.opts.BackoffBase, c.opts.BackoffCap)); err != nil {
				break
			}
		}
		if err := c.breaker.Allow(); err != nil {
			c.observe("circuit_open")
			return nil, fmt.Errorf("embed: %w: %v", ErrUnavailable, err)
		}

		vec, err := c.callOnce(ctx, text)
		if err == nil {
			c.breaker.Success()
			c.observe("ok")
			return vec, nil
		}
		if errors.Is(err, ErrRejected) {
			c.breaker.Release()
			c.observe("rejected")
			return nil, fmt.Errorf("embed: %w", err)
		}
		c.breaker.Failure()
		lastErr = err
		logger.DebugCF("embedding", "Embedding attempt failed", map[string]interface{}{
			"attempt": attempt + 1,
			"model":   c.provider.ModelID(),
			"error":   err.Error(),
		})
	}
	c.observe("unavailable")
	if lastErr == nil {
		lastErr = ErrUnavailable
	}
	if !errors.Is(lastErr, ErrUnavailable) {
		lastErr = fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
	}
	return nil, fmt.Errorf("embed: %w", lastErr)
}

func (c *Client) callOnce(ctx context.Context, text string) ([]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	vec, err := c.provider.Embed(callCtx, text)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrRejected) {
			// Unclassified provider errors are treated as transient.
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	if dims := c.provider.Dimensions(); dims > 0 && len(vec) != dims {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrRejected, len(vec), dims)
	}
	return vec, nil
}

func (c *Client) cacheKey(text string) string {
	sum := blake3.Sum256([]byte(c.provider.ModelID() + "\x00" + text))
	return string(sum[:])
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
