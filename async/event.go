package async

import "sync"

// Notifier is anything a coroutine can suspend on.
type Notifier interface {
	// Ready reports whether the awaited value is available.
	Ready() bool
	// Subscribe registers fn to run once the value becomes available. If it already is,
	// fn runs immediately.
	Subscribe(fn func())
}

// Awaitable is a Notifier that yields a result.
type Awaitable[T any] interface {
	Notifier
	Result() (T, error)
}

// Event is a single-shot value that tasks can await. It is safe for use from any goroutine.
type Event[T any] struct {
	mu    sync.Mutex
	set   bool
	value T
	err   error
	subs  []func()
}

// NewEvent creates an unset event.
func NewEvent[T any]() *Event[T] {
	return &Event[T]{}
}

// Set completes the event with a value. It returns false if the event was already set.
func (e *Event[T]) Set(v T) bool {
	return e.complete(v, nil)
}

// Fail completes the event with an error.
func (e *Event[T]) Fail(err error) bool {
	var zero T
	return e.complete(zero, err)
}

// SetResult completes the event with both a value and an error.
func (e *Event[T]) SetResult(v T, err error) bool {
	return e.complete(v, err)
}

func (e *Event[T]) complete(v T, err error) bool {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return false
	}
	e.set = true
	e.value = v
	e.err = err
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
	return true
}

// Ready reports whether Set or Fail was called.
func (e *Event[T]) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// IsSet is an alias of Ready.
func (e *Event[T]) IsSet() bool { return e.Ready() }

// Subscribe registers a completion callback.
func (e *Event[T]) Subscribe(fn func()) {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		fn()
		return
	}
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

// Result returns the value or error the event was completed with.
func (e *Event[T]) Result() (T, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.err
}

// Reset returns the event to the unset state, dropping pending subscribers.
func (e *Event[T]) Reset() {
	e.mu.Lock()
	var zero T
	e.set = false
	e.value = zero
	e.err = nil
	e.subs = nil
	e.mu.Unlock()
}
