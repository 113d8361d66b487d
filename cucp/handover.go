package cucp

import (
	"errors"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
)

// HandoverOutcome is the result of an intra-CU handover on the target side.
type HandoverOutcome uint8

const (
	HandoverSuccess HandoverOutcome = iota
	HandoverTargetMissing
	HandoverSourceMissing
	HandoverReconfTimeout
)

func (o HandoverOutcome) String() string {
	switch o {
	case HandoverSuccess:
		return "success"
	case HandoverTargetMissing:
		return "target-missing"
	case HandoverSourceMissing:
		return "source-missing"
	case HandoverReconfTimeout:
		return "reconfiguration-timeout"
	}
	return "unknown"
}

// HandoverRequest asks the target UE context to take over from the source.
type HandoverRequest struct {
	SourceUE core.UEIndex
	TargetUE core.UEIndex
	// TransactionID is the RRC transaction of the reconfiguration sent through the source.
	TransactionID async.TransactionID
	TimeoutTicks  uint64
}

// HandoverHandler runs intra-CU handovers.
type HandoverHandler interface {
	StartHandover(req HandoverRequest) *async.Task[HandoverOutcome]
}

type mobility struct {
	run     *procedureRunner
	ues     *UEManager
	release UEContextReleaseHandler
	timeout uint64
}

func (m *mobility) Descriptor() hooks.PluginDescriptor {
	return capabilityDescriptor("mobility", "intra-CU handover")
}

func (m *mobility) Register(broker *hooks.PluginBroker) error {
	return registerCapability(m, broker)
}

// StartHandover waits for the UE to complete the reconfiguration on the target, then moves
// the security and bearer context from source to target and releases the source. Both UEs
// are looked up again after every suspension; if either is gone nothing is moved.
func (m *mobility) StartHandover(req HandoverRequest) *async.Task[HandoverOutcome] {
	return launchProcedure(m.run, "intra-cu-handover", req.TargetUE, func(c *async.Coro, log *logging.Logger) (HandoverOutcome, bool, error) {
		target := m.ues.FindUE(req.TargetUE)
		if target == nil {
			log.Warnf("target ue=%d not found", req.TargetUE)
			return HandoverTargetMissing, false, nil
		}
		timeout := req.TimeoutTicks
		if timeout == 0 {
			timeout = m.timeout
		}
		reconf := target.RRC().HandleReconfigurationCompleteExpected(req.TransactionID, timeout)
		ok, err := async.Await[bool](c, reconf)
		switch {
		case c.Context().Err() != nil:
			return HandoverReconfTimeout, false, err
		case errors.Is(err, async.ErrCancelled):
			// the target's transactions are cancelled when it is removed
			if m.ues.FindUE(req.TargetUE) != nil {
				return HandoverReconfTimeout, false, nil
			}
		case err != nil:
			log.Warnf("awaiting reconfiguration: %v", err)
			return HandoverReconfTimeout, false, nil
		case !ok:
			return HandoverReconfTimeout, false, nil
		}

		if m.ues.FindUE(req.TargetUE) == nil {
			log.Warnf("target ue=%d removed during handover", req.TargetUE)
			return HandoverTargetMissing, false, nil
		}
		if m.ues.FindUE(req.SourceUE) == nil {
			log.Warnf("source ue=%d removed during handover", req.SourceUE)
			return HandoverSourceMissing, false, nil
		}
		if err := m.ues.TransferContext(req.SourceUE, req.TargetUE); err != nil {
			return HandoverSourceMissing, false, nil
		}

		released, err := async.Await[core.UEIndex](c, m.release.StartUEContextRelease(req.SourceUE, CauseNormalRelease))
		if err != nil {
			return HandoverSuccess, true, err
		}
		if !released.Valid() {
			log.Warnf("source ue=%d was already gone at release", req.SourceUE)
		}
		return HandoverSuccess, true, nil
	})
}
