package memory

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type ingestJob struct {
	turn     Turn
	vector   []float32
	settings Settings
	// barrier jobs carry no turn; they complete once everything queued
	// before them on the shard has been handled.
	barrier bool
	done    chan ingestResult
}

type ingestResult struct {
	turn Turn
	err  error
}

type ingestShard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []ingestJob
	closed bool
}

// ingestor serializes writes per conversation by hashing each conversation
// onto one of a fixed set of FIFO shards. Shards are unbounded so an
// accepted turn is never dropped.
type ingestor struct {
	shards  []*ingestShard
	handle  func(ctx context.Context, job ingestJob) (Turn, error)
	metrics *Metrics
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func newIngestor(workers int, metrics *Metrics, handle func(ctx context.Context, job ingestJob) (Turn, error)) *ingestor {
	if workers <= 0 {
		workers = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &ingestor{
		shards:  make([]*ingestShard, workers),
		handle:  handle,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range g.shards {
		sh := &ingestShard{}
		sh.cond = sync.NewCond(&sh.mu)
		g.shards[i] = sh
		g.wg.Add(1)
		go g.run(sh)
	}
	return g
}

func (g *ingestor) shardFor(userID, conversationID string) *ingestShard {
	h := xxhash.Sum64String(userID + "\x00" + conversationID)
	return g.shards[h%uint64(len(g.shards))]
}

func (g *ingestor) enqueue(job ingestJob) error {
	sh := g.shardFor(job.turn.UserID, job.turn.ConversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return ErrClosed
	}
	sh.jobs = append(sh.jobs, job)
	if !job.barrier {
		g.metrics.queueDepth(1)
	}
	sh.cond.Signal()
	return nil
}

func (g *ingestor) run(sh *ingestShard) {
	defer g.wg.Done()
	for {
		sh.mu.Lock()
		for len(sh.jobs) == 0 && !sh.closed {
			sh.cond.Wait()
		}
		if len(sh.jobs) == 0 {
			sh.mu.Unlock()
			return
		}
		job := sh.jobs[0]
		sh.jobs[0] = ingestJob{}
		sh.jobs = sh.jobs[1:]
		sh.mu.Unlock()

		var res ingestResult
		if !job.barrier {
			g.metrics.queueDepth(-1)
			res.turn, res.err = g.handle(g.ctx, job)
		}
		if job.done != nil {
			job.done <- res
		}
	}
}

// close stops intake and waits until every queued job has been handled.
func (g *ingestor) close() {
	for _, sh := range g.shards {
		sh.mu.Lock()
		sh.closed = true
		sh.cond.Broadcast()
		sh.mu.Unlock()
	}
	g.wg.Wait()
	g.cancel()
}
