package async

import (
	"sync"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
)

type timerState uint8

const (
	timerIdle timerState = iota
	timerRunning
	timerExpired
)

// TimerManager keeps tick-driven timers ordered by deadline. One tick is one millisecond
// of simulated time; the slot clock calls Tick.
type TimerManager struct {
	mu      sync.Mutex
	now     uint64
	nextID  uint32
	running *rbt.Tree[uint64, *UniqueTimer]
}

// NewTimerManager creates an empty timer manager at tick 0.
func NewTimerManager() *TimerManager {
	return &TimerManager{running: rbt.New[uint64, *UniqueTimer]()}
}

// deadline in the upper half, timer id in the lower half keeps keys unique
func timerKey(deadline uint64, id uint32) uint64 {
	return deadline<<32 | uint64(id)
}

// Now returns the current tick.
func (m *TimerManager) Now() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NofRunning returns the number of armed timers.
func (m *TimerManager) NofRunning() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running.Size()
}

// Create returns an idle timer whose callbacks run on exec.
func (m *TimerManager) Create(exec TaskExecutor) *UniqueTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return &UniqueTimer{mgr: m, id: m.nextID, exec: exec}
}

type expiry struct {
	timer *UniqueTimer
	epoch uint64
	cb    func()
}

// Tick advances time by one tick and dispatches every expired callback to its executor.
func (m *TimerManager) Tick() {
	m.mu.Lock()
	m.now++
	var fired []expiry
	for !m.running.Empty() {
		n := m.running.Left()
		if n.Key>>32 > m.now {
			break
		}
		m.running.Remove(n.Key)
		t := n.Value
		t.state = timerExpired
		fired = append(fired, expiry{timer: t, epoch: t.epoch, cb: t.callback})
	}
	m.mu.Unlock()

	for _, e := range fired {
		e := e
		if e.cb == nil {
			continue
		}
		if e.timer.exec.Execute(func() { e.timer.fire(e.epoch, e.cb) }) {
			continue
		}
		// executor full, try again on the next tick
		m.mu.Lock()
		if e.timer.epoch == e.epoch {
			e.timer.state = timerRunning
			e.timer.deadline = m.now + 1
			m.running.Put(timerKey(e.timer.deadline, e.timer.id), e.timer)
		}
		m.mu.Unlock()
	}
}

// UniqueTimer is a single restartable timer.
type UniqueTimer struct {
	mgr      *TimerManager
	id       uint32
	exec     TaskExecutor
	duration uint64
	callback func()
	deadline uint64
	state    timerState
	epoch    uint64
}

// Set configures duration and callback, stopping the timer if it was running.
func (t *UniqueTimer) Set(duration uint64, cb func()) {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	t.stopLocked()
	t.duration = duration
	t.callback = cb
}

// Run (re)starts the timer for its configured duration.
func (t *UniqueTimer) Run() {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	t.stopLocked()
	t.epoch++
	t.state = timerRunning
	t.deadline = m.now + t.duration
	m.running.Put(timerKey(t.deadline, t.id), t)
}

// Stop disarms the timer. A callback already dispatched but not yet run is suppressed.
func (t *UniqueTimer) Stop() {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	t.stopLocked()
}

func (t *UniqueTimer) stopLocked() {
	if t.state == timerRunning {
		t.mgr.running.Remove(timerKey(t.deadline, t.id))
	}
	t.state = timerIdle
	t.epoch++
}

func (t *UniqueTimer) fire(epoch uint64, cb func()) {
	t.mgr.mu.Lock()
	stale := t.epoch != epoch
	t.mgr.mu.Unlock()
	if stale {
		return
	}
	cb()
}

// IsRunning reports whether the timer is armed.
func (t *UniqueTimer) IsRunning() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return t.state == timerRunning
}

// IsExpired reports whether the timer reached its deadline since the last Run.
func (t *UniqueTimer) IsExpired() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return t.state == timerExpired
}

// Duration returns the configured duration in ticks.
func (t *UniqueTimer) Duration() uint64 {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return t.duration
}

// Wait suspends the task for ticks. It returns ErrCancelled if the task is cancelled first.
func (t *UniqueTimer) Wait(c *Coro, ticks uint64) error {
	ev := NewEvent[struct{}]()
	t.Set(ticks, func() { ev.Set(struct{}{}) })
	t.Run()
	if _, err := Await[struct{}](c, ev); err != nil {
		t.Stop()
		return err
	}
	return nil
}

// Sleep suspends the task for ticks using a throwaway timer.
func Sleep(c *Coro, timers *TimerManager, ticks uint64) error {
	return timers.Create(c.Executor()).Wait(c, ticks)
}
