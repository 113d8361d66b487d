package async

import (
	"context"
	"errors"
	"sync"
)

// ErrExecutorStopped is returned when work is posted to a stopped worker.
var ErrExecutorStopped = errors.New("executor stopped")

// TaskExecutor runs posted jobs one at a time, in order.
type TaskExecutor interface {
	// Execute posts a job. It returns false when the queue is full or the executor stopped.
	Execute(job func()) bool
	// Defer posts a job that must not run inline with the caller.
	Defer(job func()) bool
}

// TaskWorker is a single goroutine draining a bounded job queue.
type TaskWorker struct {
	name  string
	queue chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewTaskWorker starts a worker with the given queue capacity.
func NewTaskWorker(name string, capacity int) *TaskWorker {
	if capacity <= 0 {
		capacity = 1
	}
	w := &TaskWorker{
		name:  name,
		queue: make(chan func(), capacity),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// Name returns the worker label.
func (w *TaskWorker) Name() string { return w.name }

func (w *TaskWorker) loop() {
	defer close(w.done)
	for {
		select {
		case job := <-w.queue:
			job()
		case <-w.quit:
			// drain what was accepted before the stop
			for {
				select {
				case job := <-w.queue:
					job()
				default:
					return
				}
			}
		}
	}
}

// Execute posts a job without blocking.
func (w *TaskWorker) Execute(job func()) bool {
	select {
	case <-w.quit:
		return false
	default:
	}
	select {
	case w.queue <- job:
		return true
	default:
		return false
	}
}

// Defer is equivalent to Execute for a queue-backed worker.
func (w *TaskWorker) Defer(job func()) bool {
	return w.Execute(job)
}

// Pending returns the number of queued jobs.
func (w *TaskWorker) Pending() int { return len(w.queue) }

// Stop drains accepted jobs and waits for the worker goroutine to exit.
func (w *TaskWorker) Stop(ctx context.Context) error {
	w.once.Do(func() { close(w.quit) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteAndWait posts job and blocks until it ran.
func ExecuteAndWait(ctx context.Context, exec TaskExecutor, job func()) error {
	finished := make(chan struct{})
	if !exec.Execute(func() {
		defer close(finished)
		job()
	}) {
		return ErrDispatchFailed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ManualExecutor queues jobs until RunPending is called. Used to drive tests deterministically.
type ManualExecutor struct {
	mu       sync.Mutex
	jobs     []func()
	capacity int
}

// NewManualExecutor creates a manual executor; capacity <= 0 means unbounded.
func NewManualExecutor(capacity int) *ManualExecutor {
	return &ManualExecutor{capacity: capacity}
}

// Execute queues a job, failing if the configured capacity is reached.
func (m *ManualExecutor) Execute(job func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity > 0 && len(m.jobs) >= m.capacity {
		return false
	}
	m.jobs = append(m.jobs, job)
	return true
}

// Defer queues a job.
func (m *ManualExecutor) Defer(job func()) bool {
	return m.Execute(job)
}

// SetCapacity changes the queue limit.
func (m *ManualExecutor) SetCapacity(capacity int) {
	m.mu.Lock()
	m.capacity = capacity
	m.mu.Unlock()
}

// Pending returns the number of queued jobs.
func (m *ManualExecutor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// RunPending runs jobs until the queue is empty, including jobs queued while running.
func (m *ManualExecutor) RunPending() int {
	n := 0
	for m.RunNext() {
		n++
	}
	return n
}

// RunNext runs a single queued job.
func (m *ManualExecutor) RunNext() bool {
	m.mu.Lock()
	if len(m.jobs) == 0 {
		m.mu.Unlock()
		return false
	}
	job := m.jobs[0]
	m.jobs[0] = nil
	m.jobs = m.jobs[1:]
	m.mu.Unlock()
	job()
	return true
}
