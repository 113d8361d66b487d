package cucp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
)

// f1apProcedure names the UE associated class 1 procedures awaiting a DU outcome.
type f1apProcedure uint8

const (
	f1apUEContextSetup f1apProcedure = iota
	f1apUEContextModification
	f1apUEContextRelease
	nofF1APProcedures
)

// ueF1APEvents holds at most one pending outcome per procedure of a UE.
type ueF1APEvents struct {
	pending [nofF1APProcedures]*async.Event[F1APMessage]
}

func (e *ueF1APEvents) expect(p f1apProcedure) *async.Event[F1APMessage] {
	if old := e.pending[p]; old != nil {
		old.Fail(async.ErrCancelled)
	}
	ev := async.NewEvent[F1APMessage]()
	e.pending[p] = ev
	return ev
}

func (e *ueF1APEvents) deliver(p f1apProcedure, msg F1APMessage) bool {
	ev := e.pending[p]
	if ev == nil {
		return false
	}
	e.pending[p] = nil
	return ev.Set(msg)
}

// forget drops ev if it is still the pending one, after a timeout.
func (e *ueF1APEvents) forget(p f1apProcedure, ev *async.Event[F1APMessage]) {
	if e.pending[p] == ev {
		e.pending[p] = nil
	}
}

func (e *ueF1APEvents) cancel() {
	for p, ev := range e.pending {
		if ev != nil {
			ev.Fail(async.ErrCancelled)
			e.pending[p] = nil
		}
	}
}

// F1SetupHandler validates F1 setup requests and remembers the served cells.
type F1SetupHandler interface {
	HandleF1Setup(req F1SetupRequest) F1APMessage
	ServedCell(id NRCGI) (cell ServedCell, duIndex int, ok bool)
}

type servedCellEntry struct {
	cell    ServedCell
	duIndex int
}

type f1Interface struct {
	run    *procedureRunner
	mu     sync.RWMutex
	cells  map[NRCGI]servedCellEntry
	nofDUs int
}

func newF1Interface(run *procedureRunner) *f1Interface {
	return &f1Interface{run: run, cells: make(map[NRCGI]servedCellEntry)}
}

func (f *f1Interface) Descriptor() hooks.PluginDescriptor {
	return capabilityDescriptor("f1-interface", "F1 setup and served cell tracking")
}

func (f *f1Interface) Register(broker *hooks.PluginBroker) error {
	return registerCapability(f, broker)
}

// validateF1Setup checks the mandatory IEs of a setup request.
func validateF1Setup(req F1SetupRequest) error {
	if len(req.ServedCells) == 0 {
		return fmt.Errorf("%w: served cells", ErrMissingIE)
	}
	for _, c := range req.ServedCells {
		if len(c.MIB) == 0 || len(c.SIB1) == 0 {
			return fmt.Errorf("%w: system information of cell %d", ErrMissingIE, c.NRCGI)
		}
	}
	return nil
}

// HandleF1Setup accepts a DU when it serves at least one cell, every cell carries system
// information and no cell is already served by another DU.
func (f *f1Interface) HandleF1Setup(req F1SetupRequest) F1APMessage {
	run := f.run.begin("f1-setup", core.InvalidUEIndex)
	reject := func(cause Cause, err error) F1APMessage {
		run.log.Warnf("rejecting DU %d: %v", req.GNBDUID, err)
		f.run.finish(run, false, nil)
		return F1SetupFailure{TransactionID: req.TransactionID, Cause: cause}
	}
	if err := validateF1Setup(req); err != nil {
		return reject(CauseMissingIE, err)
	}

	f.mu.Lock()
	seen := make(map[NRCGI]bool, len(req.ServedCells))
	for _, c := range req.ServedCells {
		if _, dup := f.cells[c.NRCGI]; dup || seen[c.NRCGI] {
			f.mu.Unlock()
			return reject(CauseMisconfiguration, fmt.Errorf("cell %d already served", c.NRCGI))
		}
		seen[c.NRCGI] = true
	}
	du := f.nofDUs
	f.nofDUs++
	resp := F1SetupResponse{TransactionID: req.TransactionID}
	for _, c := range req.ServedCells {
		f.cells[c.NRCGI] = servedCellEntry{cell: c, duIndex: du}
		resp.CellsToActivate = append(resp.CellsToActivate, c.NRCGI)
	}
	f.mu.Unlock()
	run.log.Infof("DU %d %q accepted with %d cells", req.GNBDUID, req.Name, len(req.ServedCells))
	f.run.finish(run, true, nil)
	return resp
}

func (f *f1Interface) ServedCell(id NRCGI) (ServedCell, int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.cells[id]
	return e.cell, e.duIndex, ok
}

// ueAttacher creates UE contexts for the first RRC message of a UE.
type ueAttacher interface {
	attachUE(m InitialULRRCMessageTransfer, cell ServedCell, duIndex int)
}

// F1APCU terminates F1AP towards the DUs. Messages are handled on the control executor.
type F1APCU struct {
	ues    *UEManager
	exec   async.TaskExecutor
	du     F1APNotifier
	setup  F1SetupHandler
	attach ueAttacher
	log    *logging.Logger

	dropped   atomic.Uint64
	discarded atomic.Uint64
}

// HandleMessage posts msg to the control executor. A full queue drops the message.
func (f *F1APCU) HandleMessage(msg F1APMessage) {
	if !f.exec.Execute(func() { f.dispatch(msg) }) {
		f.dropped.Add(1)
		f.log.Warnf("control executor full, dropping %T", msg)
	}
}

// Dropped returns how many messages found the control executor full.
func (f *F1APCU) Dropped() uint64 { return f.dropped.Load() }

// Discarded returns how many messages referenced an unknown UE or were not expected.
func (f *F1APCU) Discarded() uint64 { return f.discarded.Load() }

func (f *F1APCU) dispatch(msg F1APMessage) {
	switch m := msg.(type) {
	case F1SetupRequest:
		f.du.OnNewF1APMessage(f.setup.HandleF1Setup(m))
	case InitialULRRCMessageTransfer:
		cell, du, ok := f.setup.ServedCell(m.NRCGI)
		if !ok {
			f.discard("initial UL RRC from unknown cell %d", m.NRCGI)
			return
		}
		f.attach.attachUE(m, cell, du)
	case ULRRCMessageTransfer:
		ue := f.ues.FindByCUUEF1APID(m.CUUEF1APID)
		if ue == nil {
			f.discard("UL RRC for unknown gNB-CU UE F1AP ID %d", m.CUUEF1APID)
			return
		}
		if !ue.rrc.HandleULDCCH(m.RRC) {
			f.discarded.Add(1)
		}
	case UEContextSetupResponse:
		f.deliver(m.CUUEF1APID, f1apUEContextSetup, m)
	case UEContextSetupFailure:
		f.deliver(m.CUUEF1APID, f1apUEContextSetup, m)
	case UEContextModificationResponse:
		f.deliver(m.CUUEF1APID, f1apUEContextModification, m)
	case UEContextModificationFailure:
		f.deliver(m.CUUEF1APID, f1apUEContextModification, m)
	case UEContextReleaseComplete:
		f.deliver(m.CUUEF1APID, f1apUEContextRelease, m)
	default:
		f.discard("unhandled F1AP message %T", msg)
	}
}

func (f *F1APCU) deliver(id CUUEF1APID, p f1apProcedure, msg F1APMessage) {
	ue := f.ues.FindByCUUEF1APID(id)
	if ue == nil {
		f.discard("%T for unknown gNB-CU UE F1AP ID %d", msg, id)
		return
	}
	if !ue.f1ap.deliver(p, msg) {
		f.discard("ue=%d: unexpected %T", ue.index, msg)
	}
}

func (f *F1APCU) discard(format string, args ...any) {
	f.discarded.Add(1)
	f.log.Warnf("discarding: "+format, args...)
}
