package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/cucp"
	"github.com/Readm/gnb_sim/logging"
)

type f1apRecorder struct{ msgs []cucp.F1APMessage }

func (r *f1apRecorder) HandleMessage(msg cucp.F1APMessage) { r.msgs = append(r.msgs, msg) }

func (r *f1apRecorder) last() cucp.F1APMessage { return r.msgs[len(r.msgs)-1] }

type ngapRecorder struct{ msgs []cucp.NGAPMessage }

func (r *ngapRecorder) HandleNGAPMessage(msg cucp.NGAPMessage) { r.msgs = append(r.msgs, msg) }

func TestSimDU_F1SetupAndAccess(t *testing.T) {
	cells := []CellConfig{presetCell(1), presetCell(2)}
	du := newSimDU(7, cells, 2, logging.Discard())
	cu := &f1apRecorder{}
	du.cu = cu
	var activated []cucp.NRCGI
	du.onActivate = func(ids []cucp.NRCGI) { activated = ids }

	du.Start()
	req, ok := cu.last().(cucp.F1SetupRequest)
	require.True(t, ok)
	assert.Equal(t, uint64(7), req.GNBDUID)
	require.Len(t, req.ServedCells, 2)
	assert.Equal(t, uint16(2), req.ServedCells[1].PCI)
	assert.Equal(t, []byte(defaultSIB1), req.ServedCells[0].SIB1)
	assert.NotEmpty(t, req.ServedCells[0].MIB)

	du.OnSlot()
	assert.Len(t, cu.msgs, 1, "no access before F1 is up")
	assert.False(t, du.Up())

	// only the first cell is activated
	du.OnNewF1APMessage(cucp.F1SetupResponse{CellsToActivate: []cucp.NRCGI{cucp.NRCGI(cells[0].NRCGI)}})
	assert.True(t, du.Up())
	assert.Equal(t, []cucp.NRCGI{cucp.NRCGI(cells[0].NRCGI)}, activated)

	for i := 0; i < 4; i++ {
		du.OnSlot()
	}
	require.Len(t, cu.msgs, 3, "two UEs in the active cell, one per slot")
	for i, msg := range cu.msgs[1:] {
		ul, ok := msg.(cucp.InitialULRRCMessageTransfer)
		require.True(t, ok)
		assert.Equal(t, cucp.DUUEF1APID(i), ul.DUUEF1APID)
		assert.Equal(t, firstCRNTI+core.RNTI(i), ul.CRNTI)
		assert.Equal(t, cucp.NRCGI(cells[0].NRCGI), ul.NRCGI)
	}
}

func TestSimDU_AnswersCU(t *testing.T) {
	du := newSimDU(1, []CellConfig{presetCell(1)}, 1, logging.Discard())
	cu := &f1apRecorder{}
	du.cu = cu
	du.OnNewF1APMessage(cucp.F1SetupResponse{CellsToActivate: []cucp.NRCGI{cucp.NRCGI(presetCell(1).NRCGI)}})
	du.OnSlot()

	du.OnNewF1APMessage(cucp.DLRRCMessageTransfer{CUUEF1APID: 5, DUUEF1APID: 0, RRC: cucp.RRCSetup{TransactionID: 1}})
	assert.Equal(t, cucp.ULRRCMessageTransfer{CUUEF1APID: 5, DUUEF1APID: 0, SRBID: 1, RRC: cucp.RRCSetupComplete{TransactionID: 1}}, cu.last())

	du.OnNewF1APMessage(cucp.UEContextSetupRequest{CUUEF1APID: 5, DUUEF1APID: 0, DRBs: []cucp.DRB{{ID: 1}, {ID: 2}}})
	resp, ok := cu.last().(cucp.UEContextSetupResponse)
	require.True(t, ok)
	assert.Equal(t, []cucp.DRBID{1, 2}, resp.DRBsSetup)
	assert.Equal(t, firstCRNTI, resp.CRNTI)

	du.OnNewF1APMessage(cucp.DLRRCMessageTransfer{CUUEF1APID: 5, DUUEF1APID: 0, RRC: cucp.RRCReconfiguration{TransactionID: 2}})
	du.OnNewF1APMessage(cucp.DLRRCMessageTransfer{CUUEF1APID: 5, DUUEF1APID: 0, RRC: cucp.RRCReconfiguration{TransactionID: 3}})
	assert.Equal(t, uint64(1), du.Attached(), "only the first reconfiguration attaches")

	du.OnNewF1APMessage(cucp.UEContextSetupRequest{CUUEF1APID: 6, DUUEF1APID: 9})
	assert.IsType(t, cucp.UEContextSetupFailure{}, cu.last())

	du.OnNewF1APMessage(cucp.UEContextReleaseCommand{CUUEF1APID: 5, DUUEF1APID: 0})
	assert.Equal(t, cucp.UEContextReleaseComplete{CUUEF1APID: 5, DUUEF1APID: 0}, cu.last())
	assert.Nil(t, du.find(0))
}

func TestSimAMF_Sessions(t *testing.T) {
	amf := newSimAMF("amf-test", logging.Discard())
	cu := &ngapRecorder{}
	amf.cu = cu
	type up struct {
		ran     cucp.RANUENGAPID
		session cucp.PDUSession
	}
	var ups []up
	amf.onSessionUp = func(ran cucp.RANUENGAPID, s cucp.PDUSession) { ups = append(ups, up{ran, s}) }

	amf.OnNewNGAPMessage(cucp.NGSetupRequest{RANNodeName: "gnb"})
	assert.Equal(t, cucp.NGSetupResponse{AMFName: "amf-test"}, cu.msgs[0])

	amf.OnNewNGAPMessage(cucp.InitialUEMessage{RANUENGAPID: 10})
	amf.OnNewNGAPMessage(cucp.InitialUEMessage{RANUENGAPID: 11})
	require.Len(t, cu.msgs, 3)
	first, ok := cu.msgs[1].(cucp.InitialContextSetupRequest)
	require.True(t, ok)
	second := cu.msgs[2].(cucp.InitialContextSetupRequest)
	assert.Equal(t, firstAMFUEID, first.AMFUENGAPID)
	assert.Equal(t, firstAMFUEID+1, second.AMFUENGAPID)
	require.Len(t, first.PDUSessions, 1)
	assert.Equal(t, firstULTEID, first.PDUSessions[0].ULTEID)
	assert.Equal(t, firstULTEID+1, second.PDUSessions[0].ULTEID)
	assert.Equal(t, core.LCIDMinDRB, first.PDUSessions[0].DRBs[0].LCID)

	amf.OnNewNGAPMessage(cucp.InitialContextSetupResponse{RANUENGAPID: 10, AMFUENGAPID: first.AMFUENGAPID})
	amf.OnNewNGAPMessage(cucp.InitialContextSetupFailure{RANUENGAPID: 11, Cause: cucp.CauseRadioNetwork})
	// a late duplicate is ignored
	amf.OnNewNGAPMessage(cucp.InitialContextSetupResponse{RANUENGAPID: 10})

	assert.Equal(t, uint64(1), amf.Sessions())
	assert.Equal(t, uint64(1), amf.failures.Load())
	require.Len(t, ups, 1)
	assert.Equal(t, cucp.RANUENGAPID(10), ups[0].ran)
	assert.Equal(t, first.PDUSessions[0], ups[0].session)
}
