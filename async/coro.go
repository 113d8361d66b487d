package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout resumes a task whose awaited exchange did not complete in time.
	ErrTimeout = errors.New("async: timeout")
	// ErrCancelled resumes a task whose context was cancelled while suspended.
	ErrCancelled = errors.New("async: cancelled")
	// ErrAborted marks a procedure that terminated early.
	ErrAborted = errors.New("async: aborted")
	// ErrDispatchFailed is returned when the target executor rejected a job.
	ErrDispatchFailed = errors.New("async: dispatch failed")
)

// State is the lifecycle of a task.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateSuspended
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateCompleted || s == StateAborted }

// resumeRetryInterval spaces retries when a resume cannot be queued on a full executor.
const resumeRetryInterval = time.Millisecond

// Coro is the handle a task body uses to suspend. The body runs on its own goroutine but
// only while the executor job that resumed it is blocked waiting for the next yield, so at
// most one task step executes per executor at any time.
type Coro struct {
	ctx    context.Context
	name   string
	mu     sync.Mutex
	exec   TaskExecutor
	resume chan struct{}
	yield  chan struct{}
	state  *atomic.Int32
	step   func()
}

// Context returns the task context; it is cancelled by Task.Cancel.
func (c *Coro) Context() context.Context { return c.ctx }

// Name returns the task name.
func (c *Coro) Name() string { return c.name }

// Executor returns the executor the task currently runs on.
func (c *Coro) Executor() TaskExecutor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exec
}

func (c *Coro) setExecutor(exec TaskExecutor) {
	c.mu.Lock()
	c.exec = exec
	c.mu.Unlock()
}

// Abortf builds an error that terminates the task as aborted when returned from the body.
func (c *Coro) Abortf(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrAborted, c.name, fmt.Sprintf(format, args...))
}

// park hands the baton back to the executor and blocks until a step resumes the task.
// The caller must already have arranged for the step to be posted.
func (c *Coro) park() {
	c.state.Store(int32(StateSuspended))
	c.yield <- struct{}{}
	<-c.resume
	c.state.Store(int32(StateRunning))
}

// waker returns an idempotent callback that reschedules the task on its executor.
func (c *Coro) waker() func() {
	var once sync.Once
	return func() {
		once.Do(func() { c.dispatch(c.step) })
	}
}

// dispatch posts job on the current executor. A full queue is retried, never dropped.
func (c *Coro) dispatch(job func()) {
	if c.Executor().Execute(job) {
		return
	}
	time.AfterFunc(resumeRetryInterval, func() { c.dispatch(job) })
}

// suspendOn parks until any source is ready or the task context is cancelled.
func (c *Coro) suspendOn(sources ...Notifier) {
	for _, s := range sources {
		if s.Ready() {
			return
		}
	}
	wake := c.waker()
	for _, s := range sources {
		s.Subscribe(wake)
	}
	stop := context.AfterFunc(c.ctx, wake)
	c.park()
	stop()
}

// Await suspends the task until a is ready and returns its result.
func Await[T any](c *Coro, a Awaitable[T]) (T, error) {
	var zero T
	if !a.Ready() {
		if c.ctx.Err() != nil {
			return zero, ErrCancelled
		}
		c.suspendOn(a)
		if !a.Ready() {
			return zero, ErrCancelled
		}
	}
	return a.Result()
}

// AwaitWithTimeout is Await bounded by ticks of timers. Expiry returns ErrTimeout.
func AwaitWithTimeout[T any](c *Coro, a Awaitable[T], timers *TimerManager, ticks uint64) (T, error) {
	var zero T
	if a.Ready() {
		return a.Result()
	}
	if ticks == 0 {
		return zero, ErrTimeout
	}
	expired := NewEvent[struct{}]()
	timer := timers.Create(c.Executor())
	timer.Set(ticks, func() { expired.Set(struct{}{}) })
	timer.Run()
	c.suspendOn(a, expired)
	timer.Stop()

	switch {
	case a.Ready():
		return a.Result()
	case expired.Ready():
		return zero, ErrTimeout
	}
	return zero, ErrCancelled
}

// Task is a resumable procedure producing a T.
type Task[T any] struct {
	coro      *Coro
	body      func(*Coro) (T, error)
	cancel    context.CancelFunc
	state     atomic.Int32
	startOnce sync.Once
	runOnce   sync.Once
	done      *Event[T]
	doneCh    chan struct{}
}

// NewTask creates a task in the created state. It starts on Start or when first awaited.
func NewTask[T any](ctx context.Context, exec TaskExecutor, name string, body func(*Coro) (T, error)) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		body:   body,
		cancel: cancel,
		done:   NewEvent[T](),
		doneCh: make(chan struct{}),
	}
	t.coro = &Coro{
		ctx:    ctx,
		name:   name,
		exec:   exec,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
		state:  &t.state,
	}
	t.coro.step = t.step
	return t
}

// Launch creates and starts a task.
func Launch[T any](ctx context.Context, exec TaskExecutor, name string, body func(*Coro) (T, error)) *Task[T] {
	t := NewTask(ctx, exec, name, body)
	t.Start()
	return t
}

// Start schedules the first step of the task.
func (t *Task[T]) Start() {
	t.startOnce.Do(func() { t.coro.dispatch(t.step) })
}

// step is the executor job: hand the baton to the body and wait until it yields or ends.
func (t *Task[T]) step() {
	t.runOnce.Do(func() { go t.run() })
	t.coro.resume <- struct{}{}
	<-t.coro.yield
}

func (t *Task[T]) run() {
	c := t.coro
	<-c.resume
	t.state.Store(int32(StateRunning))

	v, err := t.invoke()
	if err != nil {
		t.state.Store(int32(StateAborted))
	} else {
		t.state.Store(int32(StateCompleted))
	}
	t.cancel()
	t.done.SetResult(v, err)
	close(t.doneCh)
	c.yield <- struct{}{}
}

func (t *Task[T]) invoke() (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrAborted, t.coro.name, r)
		}
	}()
	return t.body(t.coro)
}

// Name returns the task name.
func (t *Task[T]) Name() string { return t.coro.name }

// State returns the current lifecycle state.
func (t *Task[T]) State() State { return State(t.state.Load()) }

// Cancel resumes a suspended task with ErrCancelled at its current await.
func (t *Task[T]) Cancel() { t.cancel() }

// Ready reports whether the task finished.
func (t *Task[T]) Ready() bool { return t.done.Ready() }

// Subscribe starts the task if needed and registers a completion callback.
func (t *Task[T]) Subscribe(fn func()) {
	t.Start()
	t.done.Subscribe(fn)
}

// Result returns the value and error of a finished task.
func (t *Task[T]) Result() (T, error) { return t.done.Result() }

// Done is closed when the task finishes.
func (t *Task[T]) Done() <-chan struct{} { return t.doneCh }

// Wait blocks a plain goroutine until the task finishes. Task bodies use Await instead.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	t.Start()
	select {
	case <-t.doneCh:
		return t.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
