package main

import (
	"math"
	"sync"
	"time"
)

// SlotClock orchestrates slot progression across the cells and the control plane.
// Components repeatedly call WaitForSlot to obtain the slot to execute, run it, and then call
// MarkDone. Once every component reports completion the clock moves to the next slot, as
// long as it is released, not paused and below the maximum.
type SlotClock struct {
	mu         sync.Mutex
	cond       *sync.Cond
	targetSlot int
	maxTarget  int
	// released is the last slot the pacer allows to start.
	released int
	paused   bool
	stopped  bool

	componentDone map[string]int

	stallThreshold time.Duration
	stallBitmap    map[string]bool
	lastProgress   map[string]time.Time

	finished     chan struct{}
	finishedOnce sync.Once
}

// NewSlotClock creates a clock for the given component identifiers. Nothing is released
// until Release or ReleaseAll is called.
func NewSlotClock(componentIDs []string) *SlotClock {
	sc := &SlotClock{
		maxTarget:      math.MaxInt32,
		released:       -1,
		componentDone:  make(map[string]int, len(componentIDs)),
		stallBitmap:    make(map[string]bool, len(componentIDs)),
		lastProgress:   make(map[string]time.Time, len(componentIDs)),
		stallThreshold: 5 * time.Second,
		finished:       make(chan struct{}),
	}
	for _, id := range componentIDs {
		sc.componentDone[id] = -1
		sc.lastProgress[id] = time.Now()
	}
	sc.cond = sync.NewCond(&sc.mu)
	return sc
}

// SetMaxTarget sets the last slot the clock runs.
func (sc *SlotClock) SetMaxTarget(maxSlot int) {
	sc.mu.Lock()
	sc.maxTarget = maxSlot
	sc.checkFinishedLocked()
	sc.cond.Broadcast()
	sc.mu.Unlock()
}

// Release allows slots up to and including slot to start.
func (sc *SlotClock) Release(slot int) {
	sc.mu.Lock()
	if slot > sc.released {
		sc.released = slot
		sc.cond.Broadcast()
	}
	sc.mu.Unlock()
}

// ReleaseAll lets the clock run unpaced.
func (sc *SlotClock) ReleaseAll() { sc.Release(math.MaxInt32) }

// Pause holds components at their next WaitForSlot.
func (sc *SlotClock) Pause() {
	sc.mu.Lock()
	sc.paused = true
	sc.mu.Unlock()
}

// Resume lifts a Pause.
func (sc *SlotClock) Resume() {
	sc.mu.Lock()
	sc.paused = false
	sc.cond.Broadcast()
	sc.mu.Unlock()
}

// Paused reports whether the clock is paused.
func (sc *SlotClock) Paused() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.paused
}

// Stop notifies all waiters that the clock is shutting down.
func (sc *SlotClock) Stop() {
	sc.mu.Lock()
	sc.stopped = true
	sc.cond.Broadcast()
	sc.mu.Unlock()
}

// Finished is closed once every component completed the maximum slot.
func (sc *SlotClock) Finished() <-chan struct{} { return sc.finished }

// WaitForSlot blocks until the clock assigns a slot for the component to execute.
// Returns -1 when the clock has been stopped or has finished.
func (sc *SlotClock) WaitForSlot(componentID string) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for {
		if sc.stopped || sc.targetSlot > sc.maxTarget {
			return -1
		}
		if !sc.paused && sc.targetSlot <= sc.released {
			if done := sc.componentDone[componentID]; done < sc.targetSlot {
				return sc.targetSlot
			}
		}
		sc.cond.Wait()
	}
}

// MarkDone records the component's completed slot and advances the clock when every
// component reached the current target.
func (sc *SlotClock) MarkDone(componentID string, slot int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if slot <= sc.componentDone[componentID] {
		return
	}
	sc.componentDone[componentID] = slot
	sc.lastProgress[componentID] = time.Now()
	sc.stallBitmap[componentID] = false
	if !sc.stopped && sc.allDoneLocked() && sc.targetSlot <= sc.maxTarget {
		sc.targetSlot++
		sc.checkFinishedLocked()
	}
	sc.cond.Broadcast()
}

// ReportStall marks a component as currently stalled. The component calls ClearStall once
// progress resumes.
func (sc *SlotClock) ReportStall(componentID string) {
	sc.mu.Lock()
	sc.stallBitmap[componentID] = true
	sc.mu.Unlock()
}

// ClearStall clears the stall bit for a component.
func (sc *SlotClock) ClearStall(componentID string) {
	sc.mu.Lock()
	sc.stallBitmap[componentID] = false
	sc.lastProgress[componentID] = time.Now()
	sc.mu.Unlock()
}

// Stalled lists the components flagged as stalled or silent for longer than the stall
// threshold while the clock runs.
func (sc *SlotClock) Stalled() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var out []string
	now := time.Now()
	for id, stalled := range sc.stallBitmap {
		if stalled {
			out = append(out, id)
		}
	}
	if sc.paused || sc.targetSlot > sc.released {
		return out
	}
	for id, last := range sc.lastProgress {
		if !sc.stallBitmap[id] && now.Sub(last) > sc.stallThreshold {
			out = append(out, id)
		}
	}
	return out
}

// TargetSlot returns the slot being executed.
func (sc *SlotClock) TargetSlot() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.targetSlot
}

// SnapshotProgress returns copies of target, max, and component completion states.
func (sc *SlotClock) SnapshotProgress() (target int, max int, done map[string]int) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	target = sc.targetSlot
	max = sc.maxTarget
	done = make(map[string]int, len(sc.componentDone))
	for k, v := range sc.componentDone {
		done[k] = v
	}
	return
}

func (sc *SlotClock) allDoneLocked() bool {
	for _, done := range sc.componentDone {
		if done < sc.targetSlot {
			return false
		}
	}
	return true
}

func (sc *SlotClock) checkFinishedLocked() {
	if sc.targetSlot > sc.maxTarget {
		sc.finishedOnce.Do(func() { close(sc.finished) })
	}
}
