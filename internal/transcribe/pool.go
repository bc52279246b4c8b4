package transcribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kmizuno/streamscribe/internal/observe"
)

// DefaultQueueDepth is the per-stream cap on segments waiting for a worker.
// Submit blocks once a stream reaches it, which stalls that stream's reader
// and lets the backpressure policy upstream decide what to drop.
const DefaultQueueDepth = 8

var (
	// ErrPoolClosed is returned by Submit after the pool has shut down.
	ErrPoolClosed = errors.New("transcribe: pool closed")

	// ErrDetached is delivered to pending jobs when their stream detaches.
	ErrDetached = errors.New("transcribe: stream detached")
)

type job struct {
	req  Request
	done chan Result
}

type streamQueue struct {
	jobs []*job
}

// Pool schedules segment transcription across streams. Each stream has a
// bounded FIFO queue; workers service the queues round-robin so every stream
// makes progress. Results arrive on the channel Submit returns, one per
// request.
type Pool struct {
	tr      Transcriber
	workers int
	depth   int

	mu      sync.Mutex
	cond    *sync.Cond
	streams map[string]*streamQueue
	order   []string
	cursor  int
	closed  bool
}

// PoolOption configures a [Pool].
type PoolOption func(*Pool)

// WithWorkers overrides the worker count.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueDepth overrides the per-stream queue cap.
func WithQueueDepth(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.depth = n
		}
	}
}

// NewPool creates a pool over tr. Worker count defaults to [Workers] for the
// engine's acceleration mode.
func NewPool(tr Transcriber, opts ...PoolOption) *Pool {
	p := &Pool{
		tr:      tr,
		workers: Workers(tr.Accelerated()),
		depth:   DefaultQueueDepth,
		streams: make(map[string]*streamQueue),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run services queues until ctx is cancelled, then fails every pending job
// and returns. Call once.
func (p *Pool) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for range p.workers {
		g.Go(func() error { return p.worker(ctx) })
	}
	err := g.Wait()
	p.failAll(context.Cause(ctx))
	return err
}

// Submit queues one segment for streamID and returns the channel its result
// will arrive on. It blocks while the stream's queue is full.
func (p *Pool) Submit(ctx context.Context, streamID string, req Request) (<-chan Result, error) {
	stop := context.AfterFunc(ctx, p.cond.Broadcast)
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q, ok := p.streams[streamID]
		if !ok {
			q = &streamQueue{}
			p.streams[streamID] = q
			p.order = append(p.order, streamID)
		}
		if len(q.jobs) < p.depth {
			j := &job{req: req, done: make(chan Result, 1)}
			q.jobs = append(q.jobs, j)
			p.cond.Broadcast()
			return j.done, nil
		}
		p.cond.Wait()
	}
}

// Detach drops a stream's pending jobs, each completed with [ErrDetached].
// Jobs already on a worker finish normally.
func (p *Pool) Detach(streamID string) {
	p.mu.Lock()
	q, ok := p.streams[streamID]
	if ok {
		delete(p.streams, streamID)
		for i, id := range p.order {
			if id == streamID {
				p.order = append(p.order[:i], p.order[i+1:]...)
				if p.cursor > i {
					p.cursor--
				}
				break
			}
		}
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	for _, j := range q.jobs {
		j.done <- Result{Seq: j.req.Seq, StartMs: j.req.StartMs, EndMs: j.req.EndMs, Err: ErrDetached}
	}
	p.cond.Broadcast()
}

func (p *Pool) worker(ctx context.Context) error {
	for {
		j, err := p.next(ctx)
		if err != nil {
			return err
		}
		start := time.Now()
		res := p.tr.Transcribe(ctx, j.req)
		observe.Default().TranscribeDuration.Record(ctx, time.Since(start).Seconds())
		j.done <- res
		// Draining a slot may unblock a Submit.
		p.cond.Broadcast()
	}
}

// next pops the next job fairly across streams, advancing a cursor so a
// stream with a deep queue does not monopolize the workers.
func (p *Pool) next(ctx context.Context) (*job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, ctx.Err()
		}
		if len(p.order) > 0 {
			n := len(p.order)
			for i := range n {
				id := p.order[(p.cursor+i)%n]
				q := p.streams[id]
				if len(q.jobs) == 0 {
					continue
				}
				j := q.jobs[0]
				q.jobs = q.jobs[1:]
				p.cursor = (p.cursor + i + 1) % n
				return j, nil
			}
		}
		p.cond.Wait()
	}
}

// failAll completes every queued job with err after shutdown.
func (p *Pool) failAll(err error) {
	if err == nil {
		err = ErrPoolClosed
	}
	p.mu.Lock()
	streams := p.streams
	p.streams = make(map[string]*streamQueue)
	p.order = nil
	p.mu.Unlock()
	for _, q := range streams {
		for _, j := range q.jobs {
			j.done <- Result{Seq: j.req.Seq, StartMs: j.req.StartMs, EndMs: j.req.EndMs, Err: err}
		}
	}
}
