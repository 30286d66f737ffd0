// Package async provides the bounded task pool used for fire-and-forget
// work: vendor push fan-out and file promotion. Bounding the pool keeps
// a burst of side effects from exploding into unbounded goroutines.
package async

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/vanish/internal/monitoring"
	"github.com/rs/zerolog"
)

// Task is a unit of background work.
type Task func()

// Pool runs tasks on a fixed set of workers over a buffered queue.
// When the queue is full, Submit drops the task and counts it; dropped
// side effects are acceptable, dropped request handlers are not, which
// is why only fire-and-forget work goes through here.
type Pool struct {
	workers int
	tasks   chan Task
	ctx     context.Context
	wg      sync.WaitGroup
	dropped int64
	logger  zerolog.Logger
}

func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  logger.With().Str("component", "async").Logger(),
	}
}

// Start launches the workers. Call once.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			if task != nil {
				p.run(task)
			}
		case <-p.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-p.tasks:
					if task != nil {
						p.run(task)
					}
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Task panic recovered, worker continues")
		}
	}()
	task()
}

// Submit enqueues a task, dropping it if the queue is full.
func (p *Pool) Submit(task Task) {
	select {
	case p.tasks <- task:
	default:
		atomic.AddInt64(&p.dropped, 1)
		monitoring.TasksDropped.Inc()
	}
}

// Wait blocks until all workers have exited after context cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dropped returns how many tasks were rejected by a full queue.
func (p *Pool) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}
