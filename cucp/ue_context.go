package cucp

import (
	"errors"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
)

// DUNotifier applies UE context changes to the MAC of the serving cell. Both calls run
// inside a control task and may hop to the cell executor.
type DUNotifier interface {
	AddUE(c *async.Coro, ue core.UEIndex, pci uint16, rnti core.RNTI, lcids []core.LCID) error
	RemoveUE(c *async.Coro, ue core.UEIndex, pci uint16) error
}

// UEContextReleaseHandler releases UE contexts.
type UEContextReleaseHandler interface {
	StartUEContextRelease(idx core.UEIndex, cause Cause) *async.Task[core.UEIndex]
}

// UEContextHandler sets up and modifies UE contexts at the DU.
type UEContextHandler interface {
	StartUEContextSetup(idx core.UEIndex, sessions []PDUSession) *async.Task[bool]
	StartUEContextModification(idx core.UEIndex, mod BearerModification) *async.Task[bool]
}

// BearerModification adds and removes DRBs of one PDU session.
type BearerModification struct {
	SessionID uint8
	Setup     []DRB
	Release   []DRBID
}

type ueLifecycle struct {
	run     *procedureRunner
	ues     *UEManager
	du      F1APNotifier
	amf     NGAPNotifier
	mac     DUNotifier
	timeout uint64
}

func (l *ueLifecycle) Descriptor() hooks.PluginDescriptor {
	return capabilityDescriptor("ue-lifecycle", "UE attach, context setup, modification and release")
}

func (l *ueLifecycle) Register(broker *hooks.PluginBroker) error {
	return registerCapability(l, broker)
}

// attachUE creates the UE for its first UL RRC message and answers with RRCSetup. Once
// RRCSetupComplete arrives the UE is announced to the AMF.
func (l *ueLifecycle) attachUE(m InitialULRRCMessageTransfer, cell ServedCell, duIndex int) {
	idx, err := l.ues.AddUE(duIndex, cell.PCI, m.CRNTI)
	if err != nil {
		l.run.log.Warnf("rejecting rnti=%s on pci=%d: %v", m.CRNTI, cell.PCI, err)
		return
	}
	cuID, err := l.ues.AllocateCUUEF1APID(idx)
	if err != nil {
		l.ues.RemoveUE(idx)
		l.run.log.Warnf("rejecting rnti=%s on pci=%d: %v", m.CRNTI, cell.PCI, err)
		return
	}
	if err := l.ues.SetDUUEF1APID(idx, m.DUUEF1APID); err != nil {
		l.ues.RemoveUE(idx)
		l.run.log.Warnf("rejecting rnti=%s on pci=%d: %v", m.CRNTI, cell.PCI, err)
		return
	}
	ue := l.ues.FindUE(idx)
	tx, err := ue.rrc.StartTransaction(0)
	if err != nil {
		l.ues.RemoveUE(idx)
		l.run.log.Warnf("ue=%d: %v", idx, err)
		return
	}
	l.du.OnNewF1APMessage(DLRRCMessageTransfer{
		CUUEF1APID: cuID,
		DUUEF1APID: m.DUUEF1APID,
		SRBID:      0,
		RRC:        RRCSetup{TransactionID: tx.ID()},
	})

	ue.tasks.Schedule("rrc-setup", func(c *async.Coro) error {
		_, err := inlineProcedure(l.run, c, "rrc-setup", idx, func(c *async.Coro, log *logging.Logger) (struct{}, bool, error) {
			if _, err := tx.Await(c); err != nil {
				if errors.Is(err, async.ErrTimeout) {
					log.Warnf("no RRCSetupComplete, dropping the UE")
					l.ues.RemoveUE(idx)
					return struct{}{}, false, nil
				}
				return struct{}{}, false, err
			}
			ranID, err := l.ues.AllocateRANUENGAPID(idx)
			if err != nil {
				return struct{}{}, false, err
			}
			l.amf.OnNewNGAPMessage(InitialUEMessage{RANUENGAPID: ranID, NRCGI: m.NRCGI, TAC: cell.TAC})
			return struct{}{}, true, nil
		})
		return err
	})
}

// awaitDU waits for the DU outcome of p and forgets the pending event on timeout.
func (l *ueLifecycle) awaitDU(c *async.Coro, ue *UE, p f1apProcedure, ev *async.Event[F1APMessage]) (F1APMessage, error) {
	msg, err := async.AwaitWithTimeout[F1APMessage](c, ev, l.run.timers, l.timeout)
	if err != nil {
		ue.f1ap.forget(p, ev)
	}
	return msg, err
}

func sessionDRBs(sessions []PDUSession) []DRB {
	var out []DRB
	for _, s := range sessions {
		out = append(out, s.DRBs...)
	}
	return out
}

func keepDRBs(drbs []DRB, ids []DRBID) []DRB {
	var out []DRB
	for _, d := range drbs {
		for _, id := range ids {
			if d.ID == id {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func ueLCIDs(b BearerContext) []core.LCID {
	lcids := []core.LCID{core.LCIDSRB1, core.LCIDSRB2}
	for _, s := range b.Sessions {
		for _, d := range s.DRBs {
			lcids = append(lcids, d.LCID)
		}
	}
	return lcids
}

// StartUEContextSetup sets up the UE at the DU with the DRBs of sessions and attaches it to
// the MAC of its cell.
func (l *ueLifecycle) StartUEContextSetup(idx core.UEIndex, sessions []PDUSession) *async.Task[bool] {
	return launchProcedure(l.run, "ue-context-setup", idx, func(c *async.Coro, log *logging.Logger) (bool, bool, error) {
		ok, err := l.setupContext(c, log, idx, sessions)
		return ok, ok, err
	})
}

func (l *ueLifecycle) setupContext(c *async.Coro, log *logging.Logger, idx core.UEIndex, sessions []PDUSession) (bool, error) {
	ue := l.ues.FindUE(idx)
	if ue == nil {
		log.Warnf("ue not found")
		return false, nil
	}
	duID, _ := ue.DUUEF1APID()
	ev := ue.f1ap.expect(f1apUEContextSetup)
	l.du.OnNewF1APMessage(UEContextSetupRequest{
		CUUEF1APID: ue.cuF1APID,
		DUUEF1APID: duID,
		DRBs:       sessionDRBs(sessions),
	})
	msg, err := l.awaitDU(c, ue, f1apUEContextSetup, ev)
	if errors.Is(err, async.ErrTimeout) {
		log.Warnf("no response from the DU")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var resp UEContextSetupResponse
	switch m := msg.(type) {
	case UEContextSetupResponse:
		resp = m
	case UEContextSetupFailure:
		log.Warnf("DU rejected the context: %s", m.Cause)
		return false, nil
	}
	if ue = l.ues.FindUE(idx); ue == nil {
		log.Warnf("ue removed during context setup")
		return false, nil
	}
	if err := l.ues.SetDUUEF1APID(idx, resp.DUUEF1APID); err != nil {
		log.Warnf("context setup response: %v", err)
		return false, nil
	}
	_ = l.ues.UpdateBearers(idx, func(b *BearerContext) {
		for _, s := range sessions {
			s.DRBs = keepDRBs(s.DRBs, resp.DRBsSetup)
			b.Sessions = append(b.Sessions, s)
		}
	})
	if l.mac != nil {
		if err := l.mac.AddUE(c, idx, ue.pci, ue.rnti, ueLCIDs(l.ues.FindUE(idx).Bearers())); err != nil {
			log.Warnf("MAC attach failed: %v", err)
			return false, nil
		}
	}
	return true, nil
}

// StartUEContextModification adds and removes DRBs of a UE.
func (l *ueLifecycle) StartUEContextModification(idx core.UEIndex, mod BearerModification) *async.Task[bool] {
	return launchProcedure(l.run, "ue-context-modification", idx, func(c *async.Coro, log *logging.Logger) (bool, bool, error) {
		ue := l.ues.FindUE(idx)
		if ue == nil {
			log.Warnf("ue not found")
			return false, false, nil
		}
		duID, _ := ue.DUUEF1APID()
		ev := ue.f1ap.expect(f1apUEContextModification)
		l.du.OnNewF1APMessage(UEContextModificationRequest{
			CUUEF1APID:    ue.cuF1APID,
			DUUEF1APID:    duID,
			DRBsToSetup:   mod.Setup,
			DRBsToRelease: mod.Release,
		})
		msg, err := l.awaitDU(c, ue, f1apUEContextModification, ev)
		if errors.Is(err, async.ErrTimeout) {
			log.Warnf("no response from the DU")
			return false, false, nil
		}
		if err != nil {
			return false, false, err
		}
		resp, ok := msg.(UEContextModificationResponse)
		if !ok {
			log.Warnf("DU rejected the modification: %s", msg.(UEContextModificationFailure).Cause)
			return false, false, nil
		}
		if len(resp.DRBsFailed) > 0 {
			log.Warnf("DRBs %v failed to set up", resp.DRBsFailed)
		}
		err = l.ues.UpdateBearers(idx, func(b *BearerContext) {
			applyModification(b, mod, resp.DRBsSetup)
		})
		if err != nil {
			log.Warnf("ue removed during modification")
			return false, false, nil
		}
		return true, true, nil
	})
}

func applyModification(b *BearerContext, mod BearerModification, setup []DRBID) {
	for i := range b.Sessions {
		kept := b.Sessions[i].DRBs[:0]
		for _, d := range b.Sessions[i].DRBs {
			released := false
			for _, id := range mod.Release {
				if d.ID == id {
					released = true
					break
				}
			}
			if !released {
				kept = append(kept, d)
			}
		}
		b.Sessions[i].DRBs = kept
	}
	added := keepDRBs(mod.Setup, setup)
	if len(added) == 0 {
		return
	}
	for i := range b.Sessions {
		if b.Sessions[i].ID == mod.SessionID {
			b.Sessions[i].DRBs = append(b.Sessions[i].DRBs, added...)
			return
		}
	}
	b.Sessions = append(b.Sessions, PDUSession{ID: mod.SessionID, DRBs: added})
}

// StartUEContextRelease releases a UE at the DU and the MAC and removes its context. The
// task yields the released index or InvalidUEIndex when the UE does not exist.
func (l *ueLifecycle) StartUEContextRelease(idx core.UEIndex, cause Cause) *async.Task[core.UEIndex] {
	return launchProcedure(l.run, "ue-context-release", idx, func(c *async.Coro, log *logging.Logger) (core.UEIndex, bool, error) {
		return l.release(c, log, idx, cause)
	})
}

func (l *ueLifecycle) release(c *async.Coro, log *logging.Logger, idx core.UEIndex, cause Cause) (core.UEIndex, bool, error) {
	ue := l.ues.FindUE(idx)
	if ue == nil {
		log.Warnf("ue not found")
		return core.InvalidUEIndex, false, nil
	}
	duID, _ := ue.DUUEF1APID()
	ev := ue.f1ap.expect(f1apUEContextRelease)
	l.du.OnNewF1APMessage(UEContextReleaseCommand{CUUEF1APID: ue.cuF1APID, DUUEF1APID: duID, Cause: cause})
	_, err := l.awaitDU(c, ue, f1apUEContextRelease, ev)
	switch {
	case errors.Is(err, async.ErrTimeout):
		log.Warnf("no UEContextReleaseComplete, releasing anyway")
	case err != nil:
		return core.InvalidUEIndex, false, err
	}

	if ue = l.ues.FindUE(idx); ue == nil {
		log.Warnf("ue removed during release")
		return core.InvalidUEIndex, false, nil
	}
	if l.mac != nil {
		if err := l.mac.RemoveUE(c, idx, ue.pci); err != nil {
			log.Warnf("MAC detach failed: %v", err)
		}
	}
	l.ues.RemoveUE(idx)
	log.Infof("released, cause %s", cause)
	return idx, true, nil
}

// handleInitialContextSetup runs the AMF request on the UE sequencer: F1 context setup, then
// RRC reconfiguration, then the answer to the AMF.
func (l *ueLifecycle) handleInitialContextSetup(req InitialContextSetupRequest) {
	fail := InitialContextSetupFailure{RANUENGAPID: req.RANUENGAPID, AMFUENGAPID: req.AMFUENGAPID, Cause: CauseRadioNetwork}
	ue := l.ues.FindByRANUENGAPID(req.RANUENGAPID)
	if ue == nil {
		l.run.log.Warnf("InitialContextSetupRequest for unknown RAN UE NGAP ID %d", req.RANUENGAPID)
		l.amf.OnNewNGAPMessage(fail)
		return
	}
	idx := ue.index
	scheduled := ue.tasks.Schedule("initial-context-setup", func(c *async.Coro) error {
		ok, err := inlineProcedure(l.run, c, "initial-context-setup", idx, func(c *async.Coro, log *logging.Logger) (bool, bool, error) {
			ok, err := l.initialContextSetup(c, log, idx, req)
			return ok, ok, err
		})
		if ok {
			l.amf.OnNewNGAPMessage(InitialContextSetupResponse{RANUENGAPID: req.RANUENGAPID, AMFUENGAPID: req.AMFUENGAPID})
		} else {
			l.amf.OnNewNGAPMessage(fail)
		}
		return err
	})
	if !scheduled {
		fail.Cause = CauseOverload
		l.amf.OnNewNGAPMessage(fail)
	}
}

func (l *ueLifecycle) initialContextSetup(c *async.Coro, log *logging.Logger, idx core.UEIndex, req InitialContextSetupRequest) (bool, error) {
	if err := l.ues.SetAMFUENGAPID(idx, req.AMFUENGAPID); err != nil {
		return false, nil
	}
	if err := l.ues.SetSecurity(idx, req.Security); err != nil {
		return false, nil
	}
	ok, err := l.setupContext(c, log, idx, req.PDUSessions)
	if !ok || err != nil {
		return false, err
	}
	ue := l.ues.FindUE(idx)
	if ue == nil {
		return false, nil
	}
	tx, err := ue.rrc.StartTransaction(l.timeout)
	if err != nil {
		log.Warnf("%v", err)
		return false, nil
	}
	duID, _ := ue.DUUEF1APID()
	l.du.OnNewF1APMessage(DLRRCMessageTransfer{
		CUUEF1APID: ue.cuF1APID,
		DUUEF1APID: duID,
		SRBID:      1,
		RRC:        RRCReconfiguration{TransactionID: tx.ID(), DRBs: sessionDRBs(ue.Bearers().Sessions)},
	})
	if _, err := tx.Await(c); err != nil {
		if errors.Is(err, async.ErrTimeout) {
			log.Warnf("no RRCReconfigurationComplete")
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// handleNGRelease runs an AMF release command on the UE sequencer and confirms it.
func (l *ueLifecycle) handleNGRelease(cmd NGUEContextReleaseCommand) {
	done := NGUEContextReleaseComplete{RANUENGAPID: cmd.RANUENGAPID, AMFUENGAPID: cmd.AMFUENGAPID}
	ue := l.ues.FindByRANUENGAPID(cmd.RANUENGAPID)
	if ue == nil {
		l.run.log.Warnf("release command for unknown RAN UE NGAP ID %d", cmd.RANUENGAPID)
		l.amf.OnNewNGAPMessage(done)
		return
	}
	idx := ue.index
	ue.tasks.Schedule("ng-ue-context-release", func(c *async.Coro) error {
		_, err := inlineProcedure(l.run, c, "ue-context-release", idx, func(c *async.Coro, log *logging.Logger) (core.UEIndex, bool, error) {
			return l.release(c, log, idx, cmd.Cause)
		})
		l.amf.OnNewNGAPMessage(done)
		return err
	})
}
