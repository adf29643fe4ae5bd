// Package worker implements the fixed pool of single-threaded event loops
// that sessions are pinned to. Each worker drains its own task queue on one
// goroutine, so work enqueued on a worker never runs concurrently with
// other work on that same worker — the mechanism the session layer relies
// on to stay lock-free for its own state.
package worker

import (
    "runtime"
    "sync"
    "sync/atomic"

    "github.com/riverside-tel/orange-cti/pkg/logger"
)

// Task is a unit of work pinned to a single worker's goroutine.
type Task func()

// Worker drains tasks off its own channel, one at a time, forever.
type Worker struct {
    id      int
    tasks   chan Task
    done    chan struct{}
    pending int64
}

// ID returns the worker's index within its pool.
func (w *Worker) ID() int { return w.id }

// Enqueue schedules task to run on this worker. It never blocks the
// caller beyond the queue depth configured at pool creation.
func (w *Worker) Enqueue(task Task) {
    atomic.AddInt64(&w.pending, 1)
    w.tasks <- task
}

// QueueDepth reports the number of tasks currently queued, for metrics.
func (w *Worker) QueueDepth() int64 {
    return atomic.LoadInt64(&w.pending)
}

func (w *Worker) run() {
    for task := range w.tasks {
        func() {
            defer func() {
                atomic.AddInt64(&w.pending, -1)
                if r := recover(); r != nil {
                    logger.WithField("worker_id", w.id).WithField("panic", r).Error("Worker task panicked")
                }
            }()
            task()
        }()
    }
    close(w.done)
}

// Pool is the fixed set of workers sessions are round-robin assigned to.
type Pool struct {
    workers []*Worker
    mu      sync.Mutex
    next    int
}

// DefaultCount returns max(1, NumCPU-1), the count used when no explicit
// worker count is configured.
func DefaultCount() int {
    n := runtime.NumCPU()
    if n > 1 {
        n--
    }
    return n
}

// NewPool creates n workers, each with a task queue of the given depth,
// and starts their run loops.
func NewPool(n, queueDepth int) *Pool {
    if n <= 0 {
        n = DefaultCount()
    }
    if queueDepth <= 0 {
        queueDepth = 256
    }

    p := &Pool{workers: make([]*Worker, n)}
    for i := 0; i < n; i++ {
        w := &Worker{
            id:    i,
            tasks: make(chan Task, queueDepth),
            done:  make(chan struct{}),
        }
        p.workers[i] = w
        go w.run()
    }

    logger.WithField("worker_count", n).Info("Worker pool started")
    return p
}

// Count returns the number of workers in the pool.
func (p *Pool) Count() int { return len(p.workers) }

// Next returns the next worker in round-robin order, advancing the
// internal cursor: currentWorkerIndex = (currentWorkerIndex + 1) % N.
func (p *Pool) Next() *Worker {
    p.mu.Lock()
    defer p.mu.Unlock()

    w := p.workers[p.next]
    p.next = (p.next + 1) % len(p.workers)
    return w
}

// At returns the worker with the given index.
func (p *Pool) At(i int) *Worker {
    return p.workers[i%len(p.workers)]
}

// Stop closes every worker's task queue and waits for its run loop to
// drain and exit.
func (p *Pool) Stop() {
    for _, w := range p.workers {
        close(w.tasks)
    }
    for _, w := range p.workers {
        <-w.done
    }
    logger.Info("Worker pool stopped")
}
