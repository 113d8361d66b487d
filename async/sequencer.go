package async

import (
	"context"
	"sync"
)

type sequencedJob struct {
	name string
	body func(*Coro) error
}

// TaskSequencer runs scheduled procedures one after the other on one executor, so the
// procedures of a UE never interleave.
type TaskSequencer struct {
	mu       sync.Mutex
	ctx      context.Context
	exec     TaskExecutor
	capacity int
	queue    []sequencedJob
	running  bool
}

// NewTaskSequencer creates a sequencer; capacity <= 0 means unbounded.
func NewTaskSequencer(ctx context.Context, exec TaskExecutor, capacity int) *TaskSequencer {
	return &TaskSequencer{ctx: ctx, exec: exec, capacity: capacity}
}

// Schedule enqueues a procedure. It returns false when the queue is full.
func (s *TaskSequencer) Schedule(name string, body func(*Coro) error) bool {
	s.mu.Lock()
	if s.capacity > 0 && len(s.queue) >= s.capacity {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, sequencedJob{name: name, body: body})
	if s.running {
		s.mu.Unlock()
		return true
	}
	s.running = true
	next := s.popLocked()
	s.mu.Unlock()
	s.launch(next)
	return true
}

func (s *TaskSequencer) popLocked() sequencedJob {
	job := s.queue[0]
	s.queue[0] = sequencedJob{}
	s.queue = s.queue[1:]
	return job
}

func (s *TaskSequencer) launch(job sequencedJob) {
	t := Launch(s.ctx, s.exec, job.name, func(c *Coro) (struct{}, error) {
		return struct{}{}, job.body(c)
	})
	t.Subscribe(s.onDone)
}

func (s *TaskSequencer) onDone() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	next := s.popLocked()
	s.mu.Unlock()
	s.launch(next)
}

// Len returns the number of procedures waiting behind the running one.
func (s *TaskSequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Idle reports whether nothing is running or queued.
func (s *TaskSequencer) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.running && len(s.queue) == 0
}
