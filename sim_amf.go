package main

import (
	"sync"
	"sync/atomic"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/cucp"
	"github.com/Readm/gnb_sim/logging"
)

// ngapSink is the CU side entry point for AMF messages.
type ngapSink interface {
	HandleNGAPMessage(msg cucp.NGAPMessage)
}

const (
	firstAMFUEID  cucp.AMFUENGAPID = 1
	firstULTEID   uint32           = 0x100
	defaultSST                     = 1
	defaultQoSFID                  = 9
)

// simAMF plays the core network: NG setup is accepted and every UE gets one PDU session on
// a single DRB.
type simAMF struct {
	name string
	cu   ngapSink
	log  *logging.Logger
	// onSessionUp runs once the gNB confirmed the initial context of a UE.
	onSessionUp func(ran cucp.RANUENGAPID, session cucp.PDUSession)

	mu       sync.Mutex
	pending  map[cucp.RANUENGAPID]cucp.PDUSession
	nextAMF  cucp.AMFUENGAPID
	nextTEID uint32

	sessions atomic.Uint64
	failures atomic.Uint64
}

func newSimAMF(name string, log *logging.Logger) *simAMF {
	return &simAMF{
		name:     name,
		log:      log.Named("amf"),
		pending:  make(map[cucp.RANUENGAPID]cucp.PDUSession),
		nextAMF:  firstAMFUEID,
		nextTEID: firstULTEID,
	}
}

func (a *simAMF) OnNewNGAPMessage(msg cucp.NGAPMessage) {
	switch m := msg.(type) {
	case cucp.NGSetupRequest:
		a.log.Infof("NG setup from %q, node %d", m.RANNodeName, m.GlobalRANNodeID)
		a.cu.HandleNGAPMessage(cucp.NGSetupResponse{AMFName: a.name})
	case cucp.InitialUEMessage:
		a.cu.HandleNGAPMessage(a.initialContext(m))
	case cucp.InitialContextSetupResponse:
		a.mu.Lock()
		session, ok := a.pending[m.RANUENGAPID]
		delete(a.pending, m.RANUENGAPID)
		a.mu.Unlock()
		if !ok {
			return
		}
		a.sessions.Add(1)
		if a.onSessionUp != nil {
			a.onSessionUp(m.RANUENGAPID, session)
		}
	case cucp.InitialContextSetupFailure:
		a.mu.Lock()
		delete(a.pending, m.RANUENGAPID)
		a.mu.Unlock()
		a.failures.Add(1)
		a.log.Warnf("initial context setup failed for RAN UE NGAP ID %d: %s", m.RANUENGAPID, m.Cause)
	case cucp.NGUEContextReleaseComplete:
		a.log.Debugf("RAN UE NGAP ID %d released", m.RANUENGAPID)
	default:
		a.log.Warnf("ignoring %T", msg)
	}
}

func (a *simAMF) initialContext(m cucp.InitialUEMessage) cucp.InitialContextSetupRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	session := cucp.PDUSession{
		ID:       1,
		ULTEID:   a.nextTEID,
		SliceSST: defaultSST,
		DRBs:     []cucp.DRB{{ID: 1, LCID: core.LCIDMinDRB, QoSFlows: []uint8{defaultQoSFID}}},
	}
	req := cucp.InitialContextSetupRequest{
		RANUENGAPID: m.RANUENGAPID,
		AMFUENGAPID: a.nextAMF,
		Security:    cucp.SecurityContext{IntegrityAlgo: 2, CipheringAlgo: 2, KgNB: [32]byte{byte(a.nextAMF)}},
		PDUSessions: []cucp.PDUSession{session},
	}
	a.pending[m.RANUENGAPID] = session
	a.nextAMF++
	a.nextTEID++
	return req
}

// Sessions counts PDU sessions the gNB confirmed.
func (a *simAMF) Sessions() uint64 { return a.sessions.Load() }
