package async

import (
	"errors"
	"fmt"
	"sync"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
	lru "github.com/hashicorp/golang-lru"

	"github.com/Readm/gnb_sim/logging"
)

var (
	// ErrNoTransactionID is returned when every id of the space is outstanding.
	ErrNoTransactionID = errors.New("async: no free transaction id")
	// ErrTransactionBusy is returned when a reserved id is still outstanding.
	ErrTransactionBusy = errors.New("async: transaction id in use")
)

// lateCacheSize bounds how many timed out ids are remembered to classify late responses.
const lateCacheSize = 64

// TransactionID correlates a request with its response.
type TransactionID uint32

// Transaction is one outstanding request. It is awaitable.
type Transaction[R any] struct {
	id    TransactionID
	ev    *Event[R]
	timer *UniqueTimer
}

// ID returns the transaction id to put in the outgoing message.
func (t *Transaction[R]) ID() TransactionID { return t.id }

// Ready reports whether the response, a timeout or a cancellation arrived.
func (t *Transaction[R]) Ready() bool { return t.ev.Ready() }

// Subscribe registers a completion callback.
func (t *Transaction[R]) Subscribe(fn func()) { t.ev.Subscribe(fn) }

// Result returns the response or ErrTimeout / ErrCancelled.
func (t *Transaction[R]) Result() (R, error) { return t.ev.Result() }

// Await suspends c until the transaction completes.
func (t *Transaction[R]) Await(c *Coro) (R, error) { return Await[R](c, t) }

// TransactionManager allocates ids from a bounded space and routes responses to exactly one
// waiter. An id is reusable once its transaction completed, timed out or was cancelled.
type TransactionManager[R any] struct {
	mu      sync.Mutex
	name    string
	size    uint32
	next    uint32
	pending *rbt.Tree[TransactionID, *Transaction[R]]
	late    *lru.Cache
	timers  *TimerManager
	exec    TaskExecutor
	log     *logging.Logger
}

// NewTransactionManager creates a manager for ids 0..size-1. Timeout callbacks run on exec.
func NewTransactionManager[R any](name string, size int, timers *TimerManager, exec TaskExecutor, log *logging.Logger) *TransactionManager[R] {
	if size <= 0 {
		panic("transaction id space must not be empty")
	}
	late, err := lru.New(lateCacheSize)
	if err != nil {
		panic(err)
	}
	return &TransactionManager[R]{
		name:    name,
		size:    uint32(size),
		pending: rbt.New[TransactionID, *Transaction[R]](),
		late:    late,
		timers:  timers,
		exec:    exec,
		log:     log,
	}
}

// Create allocates the next free id after the last one handed out. timeoutTicks == 0 means
// the transaction only ends by Set or Cancel.
func (m *TransactionManager[R]) Create(timeoutTicks uint64) (*Transaction[R], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := uint32(0); i < m.size; i++ {
		id := TransactionID((m.next + i) % m.size)
		if _, busy := m.pending.Get(id); busy {
			continue
		}
		m.next = (uint32(id) + 1) % m.size
		return m.startLocked(id, timeoutTicks), nil
	}
	return nil, ErrNoTransactionID
}

// CreateWithID reserves an id chosen by the peer, e.g. the RRC transaction of a handover
// command built by the source cell.
func (m *TransactionManager[R]) CreateWithID(id TransactionID, timeoutTicks uint64) (*Transaction[R], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint32(id) >= m.size {
		return nil, fmt.Errorf("%s: transaction id %d outside [0,%d)", m.name, id, m.size)
	}
	if _, busy := m.pending.Get(id); busy {
		return nil, fmt.Errorf("%w: %s id %d", ErrTransactionBusy, m.name, id)
	}
	return m.startLocked(id, timeoutTicks), nil
}

func (m *TransactionManager[R]) startLocked(id TransactionID, timeoutTicks uint64) *Transaction[R] {
	tx := &Transaction[R]{id: id, ev: NewEvent[R]()}
	m.pending.Put(id, tx)
	m.late.Remove(id)
	if timeoutTicks > 0 {
		tx.timer = m.timers.Create(m.exec)
		tx.timer.Set(timeoutTicks, func() { m.expire(tx) })
		tx.timer.Run()
	}
	return tx
}

func (m *TransactionManager[R]) expire(tx *Transaction[R]) {
	if !m.release(tx, true) {
		return
	}
	m.log.Debugf("%s: transaction %d timed out", m.name, tx.id)
	tx.ev.Fail(ErrTimeout)
}

// release removes tx from the pending set if it still owns its id.
func (m *TransactionManager[R]) release(tx *Transaction[R], timedOut bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pending.Get(tx.id)
	if !ok || cur != tx {
		return false
	}
	m.pending.Remove(tx.id)
	if timedOut {
		m.late.Add(tx.id, struct{}{})
	}
	return true
}

func (m *TransactionManager[R]) take(id TransactionID) (*Transaction[R], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.pending.Get(id)
	if !ok {
		return nil, m.late.Contains(id)
	}
	m.pending.Remove(id)
	return tx, false
}

// Set delivers a response. Unknown and late ids are logged and discarded.
func (m *TransactionManager[R]) Set(id TransactionID, resp R) bool {
	tx, late := m.take(id)
	if tx == nil {
		if late {
			m.log.Warnf("%s: discarding late response for transaction %d", m.name, id)
		} else {
			m.log.Warnf("%s: discarding response for unknown transaction %d", m.name, id)
		}
		return false
	}
	if tx.timer != nil {
		tx.timer.Stop()
	}
	return tx.ev.Set(resp)
}

// Cancel ends the transaction with ErrCancelled.
func (m *TransactionManager[R]) Cancel(id TransactionID) bool {
	tx, _ := m.take(id)
	if tx == nil {
		return false
	}
	if tx.timer != nil {
		tx.timer.Stop()
	}
	return tx.ev.Fail(ErrCancelled)
}

// CancelAll cancels every outstanding transaction, e.g. on UE removal.
func (m *TransactionManager[R]) CancelAll() {
	m.mu.Lock()
	ids := m.pending.Keys()
	m.mu.Unlock()
	for _, id := range ids {
		m.Cancel(id)
	}
}

// NofPending returns the number of outstanding transactions.
func (m *TransactionManager[R]) NofPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.Size()
}
