package main

import (
	"sync"
	"sync/atomic"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/cucp"
	"github.com/Readm/gnb_sim/logging"
	"github.com/Readm/gnb_sim/mac"
)

// f1apSink is the CU side entry point for DU messages.
type f1apSink interface {
	HandleMessage(msg cucp.F1APMessage)
}

type simUE struct {
	duID  cucp.DUUEF1APID
	cuID  cucp.CUUEF1APID
	cell  CellConfig
	rnti  core.RNTI
	ready bool
}

// simDU plays the DU and the UEs camping on its cells. Every CU request is accepted and UEs
// access the network one per slot once F1 is up.
type simDU struct {
	id         uint64
	cells      []CellConfig
	uesPerCell int
	cu         f1apSink
	log        *logging.Logger
	// onActivate runs on F1 setup success with the cells the CU activated.
	onActivate func(cells []cucp.NRCGI)

	mu       sync.Mutex
	ues      map[cucp.DUUEF1APID]*simUE
	queue    []*simUE
	nextDUID cucp.DUUEF1APID
	up       bool

	attached atomic.Uint64
	released atomic.Uint64
}

func newSimDU(id uint64, cells []CellConfig, uesPerCell int, log *logging.Logger) *simDU {
	return &simDU{
		id:         id,
		cells:      cells,
		uesPerCell: uesPerCell,
		log:        log.Named("du"),
		ues:        make(map[cucp.DUUEF1APID]*simUE),
	}
}

// Start sends the F1 setup request.
func (d *simDU) Start() {
	req := cucp.F1SetupRequest{TransactionID: 0, GNBDUID: d.id, Name: "gnbsim-du"}
	for _, c := range d.cells {
		req.ServedCells = append(req.ServedCells, cucp.ServedCell{
			NRCGI: cucp.NRCGI(c.NRCGI),
			PCI:   c.PCI,
			TAC:   c.TAC,
			MIB:   mac.EncodeMIB(c.mib(), 0),
			SIB1:  []byte(c.SIB1),
		})
	}
	d.cu.HandleMessage(req)
}

// Up reports whether F1 setup succeeded.
func (d *simDU) Up() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.up
}

// OnSlot lets the next waiting UE start its RRC connection.
func (d *simDU) OnSlot() {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	ue := d.queue[0]
	d.queue = d.queue[1:]
	d.ues[ue.duID] = ue
	d.mu.Unlock()

	d.cu.HandleMessage(cucp.InitialULRRCMessageTransfer{
		DUUEF1APID: ue.duID,
		NRCGI:      cucp.NRCGI(ue.cell.NRCGI),
		CRNTI:      ue.rnti,
		RRC:        cucp.RRCSetupRequest{UEIdentity: uint64(ue.rnti)},
	})
}

func (d *simDU) OnNewF1APMessage(msg cucp.F1APMessage) {
	switch m := msg.(type) {
	case cucp.F1SetupResponse:
		d.activate(m.CellsToActivate)
	case cucp.F1SetupFailure:
		d.log.Errorf("F1 setup rejected: %s", m.Cause)
	case cucp.DLRRCMessageTransfer:
		d.handleDLRRC(m)
	case cucp.UEContextSetupRequest:
		ue := d.find(m.DUUEF1APID)
		if ue == nil {
			d.cu.HandleMessage(cucp.UEContextSetupFailure{CUUEF1APID: m.CUUEF1APID, DUUEF1APID: m.DUUEF1APID, Cause: cucp.CauseRadioNetwork})
			return
		}
		resp := cucp.UEContextSetupResponse{CUUEF1APID: m.CUUEF1APID, DUUEF1APID: ue.duID, CRNTI: ue.rnti}
		for _, drb := range m.DRBs {
			resp.DRBsSetup = append(resp.DRBsSetup, drb.ID)
		}
		d.cu.HandleMessage(resp)
	case cucp.UEContextModificationRequest:
		resp := cucp.UEContextModificationResponse{CUUEF1APID: m.CUUEF1APID, DUUEF1APID: m.DUUEF1APID}
		for _, drb := range m.DRBsToSetup {
			resp.DRBsSetup = append(resp.DRBsSetup, drb.ID)
		}
		d.cu.HandleMessage(resp)
	case cucp.UEContextReleaseCommand:
		d.mu.Lock()
		delete(d.ues, m.DUUEF1APID)
		d.mu.Unlock()
		d.released.Add(1)
		d.cu.HandleMessage(cucp.UEContextReleaseComplete{CUUEF1APID: m.CUUEF1APID, DUUEF1APID: m.DUUEF1APID})
	default:
		d.log.Warnf("ignoring %T", msg)
	}
}

func (d *simDU) activate(cells []cucp.NRCGI) {
	active := make(map[cucp.NRCGI]bool, len(cells))
	for _, c := range cells {
		active[c] = true
	}
	d.mu.Lock()
	d.up = true
	for _, c := range d.cells {
		if !active[cucp.NRCGI(c.NRCGI)] {
			continue
		}
		for i := 0; i < d.uesPerCell; i++ {
			ue := &simUE{duID: d.nextDUID, cell: c, rnti: firstCRNTI + core.RNTI(d.nextDUID)}
			d.nextDUID++
			d.queue = append(d.queue, ue)
		}
	}
	d.mu.Unlock()
	d.log.Infof("F1 up, %d cells active", len(cells))
	if d.onActivate != nil {
		d.onActivate(cells)
	}
}

func (d *simDU) handleDLRRC(m cucp.DLRRCMessageTransfer) {
	ue := d.find(m.DUUEF1APID)
	if ue == nil {
		d.log.Warnf("DL RRC for unknown gNB-DU UE F1AP ID %d", m.DUUEF1APID)
		return
	}
	switch rrc := m.RRC.(type) {
	case cucp.RRCSetup:
		d.mu.Lock()
		ue.cuID = m.CUUEF1APID
		d.mu.Unlock()
		d.cu.HandleMessage(cucp.ULRRCMessageTransfer{
			CUUEF1APID: m.CUUEF1APID,
			DUUEF1APID: m.DUUEF1APID,
			SRBID:      1,
			RRC:        cucp.RRCSetupComplete{TransactionID: rrc.TransactionID},
		})
	case cucp.RRCReconfiguration:
		d.mu.Lock()
		first := !ue.ready
		ue.ready = true
		d.mu.Unlock()
		if first {
			d.attached.Add(1)
		}
		d.cu.HandleMessage(cucp.ULRRCMessageTransfer{
			CUUEF1APID: m.CUUEF1APID,
			DUUEF1APID: m.DUUEF1APID,
			SRBID:      1,
			RRC:        cucp.RRCReconfigurationComplete{TransactionID: rrc.TransactionID},
		})
	case cucp.RRCRelease:
	}
}

func (d *simDU) find(id cucp.DUUEF1APID) *simUE {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ues[id]
}

// Attached counts UEs that completed their first reconfiguration.
func (d *simDU) Attached() uint64 { return d.attached.Load() }
