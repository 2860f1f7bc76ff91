// ABOUTME: Bounded worker pool reserved for blocking runtime invocations.
// ABOUTME: Never shared with terminal I/O, which requires zero dedicated workers.

package admission

import (
	"log/slog"
	"sync"
)

// Pool runs blocking runtime calls on a fixed number of workers with a
// bounded backlog. New submissions fail fast when the backlog is full;
// already-admitted work is handed over with Enqueue, which waits for a worker
// instead of being dropped.
type Pool struct {
	tasks  chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	closeOnce sync.Once
}

// NewPool starts workers goroutines draining a backlog of the given size.
func NewPool(workers, backlog int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 8
	}
	if backlog <= 0 {
		backlog = workers * 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		tasks:  make(chan func(), backlog),
		quit:   make(chan struct{}),
		logger: logger.With("component", "invoke-pool"),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.logger.Debug("worker pool started", "workers", workers, "backlog", backlog)
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			task()
		}
	}
}

// TrySubmit offers a task without waiting. False means the backlog is full
// and the caller should reject the new work with a capacity error.
func (p *Pool) TrySubmit(task func()) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Enqueue hands over a task that must not be dropped, waiting for backlog
// space if necessary. Used when promoting queued waiters: they were admitted
// under the queue bound and are never evicted by pool pressure.
func (p *Pool) Enqueue(task func()) {
	select {
	case p.tasks <- task:
		return
	case <-p.quit:
		return
	default:
	}
	go func() {
		select {
		case p.tasks <- task:
		case <-p.quit:
		}
	}()
}

// Close stops the workers. Tasks still in the backlog are discarded.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
