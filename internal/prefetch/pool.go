// Package prefetch warms the image cache in the background for batches of
// post ids.
package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	errs "mediagate/pkg/errors"
	"mediagate/pkg/fetch"
	"mediagate/pkg/gateway"
	"mediagate/pkg/logger"
	"mediagate/pkg/metrics"
	"mediagate/pkg/ratelimit"
)

// Resolver fetches a variant of a post through its fallback chain
type Resolver interface {
	Resolve(ctx context.Context, v gateway.Variant, id int64, rangeHeader string) (*fetch.Result, error)
}

// Result is the outcome of one warmup job
type Result struct {
	ID       int64
	Success  bool
	Cached   bool
	Error    error
	Duration time.Duration
	Size     int
}

// Options configures a Pool
type Options struct {
	Workers   int
	QueueSize int
	// Variant is the rendition warmed; defaults to the image preview
	Variant gateway.Variant
	// OnResult, if set, is called from the worker after each job
	OnResult func(Result)
}

// Stats counts jobs by outcome
type Stats struct {
	Queued  int   `json:"queued"`
	Done    int64 `json:"done"`
	Cached  int64 `json:"cached"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Pool runs warmup jobs on a fixed set of workers
type Pool struct {
	numWorkers int
	variant    gateway.Variant
	onResult   func(Result)

	mu      sync.RWMutex
	stopped bool
	jobs    chan int64

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool

	resolver Resolver
	limiter  ratelimit.Limiter
	metrics  metrics.Metrics
	logger   logger.Logger

	done    atomic.Int64
	cached  atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewPool creates a pool; call Start to run it
func NewPool(resolver Resolver, limiter ratelimit.Limiter, opts Options, m metrics.Metrics, log logger.Logger) *Pool {
	if log == nil {
		log = logger.GetLogger()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 2
	}
	if limiter == nil {
		limiter = ratelimit.PerMinute(60)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		numWorkers: opts.Workers,
		variant:    opts.Variant,
		onResult:   opts.OnResult,
		jobs:       make(chan int64, opts.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		resolver:   resolver,
		limiter:    limiter,
		metrics:    m,
		logger:     log.WithField("component", "prefetch"),
	}
}

// Start launches the workers. It is a no-op after the first call.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	logger.LogComponentStart(p.logger, "prefetch", map[string]interface{}{
		"workers": p.numWorkers,
		"queue":   cap(p.jobs),
		"variant": p.variant.String(),
	})

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop rejects new work, aborts in-flight fetches and waits for the workers.
// Queued jobs that have not started are discarded.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	logger.LogComponentStop(p.logger, "prefetch", "shutdown")
}

// Enqueue queues ids without blocking and returns how many were accepted.
// Ids that do not fit in the queue are dropped.
func (p *Pool) Enqueue(ids []int64) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.dropped.Add(int64(len(ids)))
		return 0
	}

	accepted := 0
	for _, id := range ids {
		select {
		case p.jobs <- id:
			accepted++
		default:
			p.dropped.Add(1)
			p.metrics.IncPrefetch("dropped")
		}
	}
	if accepted < len(ids) {
		p.logger.WarnWithFields("prefetch queue full", map[string]interface{}{
			"requested": len(ids),
			"accepted":  accepted,
		})
	}
	return accepted
}

// Stats returns the job counters
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:  len(p.jobs),
		Done:    p.done.Load(),
		Cached:  p.cached.Load(),
		Failed:  p.failed.Load(),
		Dropped: p.dropped.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for postID := range p.jobs {
		if p.ctx.Err() != nil {
			// Drain without work so Stop returns promptly
			continue
		}
		res := p.processJob(postID, id)
		if p.onResult != nil {
			p.onResult(res)
		}
	}
}

func (p *Pool) processJob(postID int64, workerID int) Result {
	start := time.Now()
	result := Result{ID: postID}

	if err := p.limiter.Wait(p.ctx); err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result
	}

	res, err := p.resolver.Resolve(p.ctx, p.variant, postID, "")
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		if p.ctx.Err() != nil {
			return result
		}
		p.failed.Add(1)
		label := "failed"
		if errs.IsNotFound(err) {
			label = "not_found"
		}
		p.metrics.IncPrefetch(label)
		p.logger.WithError(err).DebugWithFields("warmup failed", map[string]interface{}{
			"worker_id": workerID,
			"post_id":   postID,
		})
		return result
	}
	defer res.Close()

	result.Success = true
	result.Cached = res.Cached
	result.Size = len(res.Body)
	p.done.Add(1)
	if res.Cached {
		p.cached.Add(1)
		p.metrics.IncPrefetch("cached")
	} else {
		p.metrics.IncPrefetch("ok")
	}

	p.logger.DebugWithFields("warmup complete", map[string]interface{}{
		"worker_id": workerID,
		"post_id":   postID,
		"cached":    res.Cached,
		"size":      result.Size,
		"duration":  result.Duration,
	})
	return result
}
