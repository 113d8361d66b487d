package cucp

import (
	"context"
	"errors"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/logging"
)

// rrcTransactionSpace is the RRC-TransactionIdentifier range 0..3.
const rrcTransactionSpace = 4

// RRCUE is the RRC entity of one UE. Its transactions time out on the control executor.
type RRCUE struct {
	ue    core.UEIndex
	ctx   context.Context
	exec  async.TaskExecutor
	txs   *async.TransactionManager[RRCULMessage]
	ticks uint64
	log   *logging.Logger
}

func newRRCUE(ctx context.Context, ue core.UEIndex, timers *async.TimerManager, exec async.TaskExecutor, ticks uint64, log *logging.Logger) *RRCUE {
	log = log.With("ue", ue)
	return &RRCUE{
		ue:    ue,
		ctx:   ctx,
		exec:  exec,
		txs:   async.NewTransactionManager[RRCULMessage]("rrc", rrcTransactionSpace, timers, exec, log),
		ticks: ticks,
		log:   log,
	}
}

// StartTransaction opens a transaction for a CU initiated DL-DCCH message. timeout == 0
// falls back to the configured default.
func (r *RRCUE) StartTransaction(timeout uint64) (*async.Transaction[RRCULMessage], error) {
	if timeout == 0 {
		timeout = r.ticks
	}
	return r.txs.Create(timeout)
}

// HandleReconfigurationCompleteExpected reserves txID and returns a task that resolves to
// true once the matching RRCReconfigurationComplete arrives, false on timeout. The id is
// reserved before returning so a fast reply is never lost.
func (r *RRCUE) HandleReconfigurationCompleteExpected(txID async.TransactionID, timeout uint64) *async.Task[bool] {
	tx, err := r.txs.CreateWithID(txID, timeout)
	return async.Launch(r.ctx, r.exec, "rrc-reconfiguration-complete", func(c *async.Coro) (bool, error) {
		if err != nil {
			return false, err
		}
		msg, err := tx.Await(c)
		if err != nil {
			if errors.Is(err, async.ErrTimeout) {
				r.log.Warnf("no RRCReconfigurationComplete for transaction %d", txID)
				return false, nil
			}
			return false, err
		}
		_, ok := msg.(RRCReconfigurationComplete)
		return ok, nil
	})
}

// HandleULDCCH routes an UL-DCCH message to its transaction. It returns false for
// messages nobody waits for.
func (r *RRCUE) HandleULDCCH(msg RRCULMessage) bool {
	switch m := msg.(type) {
	case RRCReconfigurationComplete:
		return r.txs.Set(m.TransactionID, m)
	case RRCSetupComplete:
		return r.txs.Set(m.TransactionID, m)
	default:
		r.log.Warnf("unhandled UL-DCCH message %T", msg)
		return false
	}
}

// NofPending returns the outstanding RRC transactions.
func (r *RRCUE) NofPending() int { return r.txs.NofPending() }

func (r *RRCUE) cancel() { r.txs.CancelAll() }
