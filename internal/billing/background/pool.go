// Package background runs best-effort side effects (notifications, cache
// invalidation, provider metadata writes) off the request path.
package background

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultTaskTimeout = 30 * time.Second

// Task is a unit of best-effort work.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Pool is a fixed-size worker pool fed by a bounded queue. Submit never
// blocks the caller: when the queue is full the task is dropped and logged.
type Pool struct {
	workers     int
	tasks       chan job
	taskTimeout time.Duration

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool

	dropped   atomic.Int64
	failed    atomic.Int64
	completed atomic.Int64

	// OnResult, when set, observes each finished task.
	OnResult func(name string, err error)
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	return &Pool{
		workers:     workers,
		tasks:       make(chan job, queueSize),
		taskTimeout: defaultTaskTimeout,
	}
}

// SetTaskTimeout overrides the per-task deadline.
func (p *Pool) SetTaskTimeout(d time.Duration) {
	if d > 0 {
		p.taskTimeout = d
	}
}

// Start launches the workers. They exit when ctx is cancelled or the pool
// is closed and drained.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit enqueues fn. It reports false when the task was dropped because
// the queue is full or the pool is closed.
func (p *Pool) Submit(name string, fn Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.dropped.Add(1)
		log.Warn().Str("task", name).Msg("Background pool closed, dropping task")
		return false
	}
	select {
	case p.tasks <- job{name: name, fn: fn}:
		return true
	default:
		p.dropped.Add(1)
		log.Warn().Str("task", name).Int("queue_capacity", cap(p.tasks)).Msg("Background queue full, dropping task")
		return false
	}
}

// Close stops accepting tasks and waits for queued work to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns completed, failed and dropped task counts.
func (p *Pool) Stats() (completed, failed, dropped int64) {
	return p.completed.Load(), p.failed.Load(), p.dropped.Load()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("Background worker stopped")
			return
		case j, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(ctx, j)
		}
	}
}

func (p *Pool) run(ctx context.Context, j job) {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.taskTimeout)
	defer cancel()

	start := time.Now()
	err := safeCall(taskCtx, j.fn)
	if err != nil {
		p.failed.Add(1)
		log.Warn().Err(err).Str("task", j.name).Dur("elapsed", time.Since(start)).Msg("Background task failed")
	} else {
		p.completed.Add(1)
		log.Debug().Str("task", j.name).Dur("elapsed", time.Since(start)).Msg("Background task completed")
	}
	if p.OnResult != nil {
		p.OnResult(j.name, err)
	}
}

func safeCall(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
