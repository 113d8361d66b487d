package cucp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
)

type recordingDU struct {
	msgs []F1APMessage
}

func (d *recordingDU) OnNewF1APMessage(m F1APMessage) { d.msgs = append(d.msgs, m) }

func (d *recordingDU) last() F1APMessage {
	if len(d.msgs) == 0 {
		return nil
	}
	return d.msgs[len(d.msgs)-1]
}

type recordingAMF struct {
	msgs []NGAPMessage
}

func (a *recordingAMF) OnNewNGAPMessage(m NGAPMessage) { a.msgs = append(a.msgs, m) }

func (a *recordingAMF) last() NGAPMessage {
	if len(a.msgs) == 0 {
		return nil
	}
	return a.msgs[len(a.msgs)-1]
}

type recordingMAC struct {
	added   []core.UEIndex
	lcids   map[core.UEIndex][]core.LCID
	removed []core.UEIndex
}

func (m *recordingMAC) AddUE(_ *async.Coro, ue core.UEIndex, _ uint16, _ core.RNTI, lcids []core.LCID) error {
	m.added = append(m.added, ue)
	m.lcids[ue] = lcids
	return nil
}

func (m *recordingMAC) RemoveUE(_ *async.Coro, ue core.UEIndex, _ uint16) error {
	m.removed = append(m.removed, ue)
	return nil
}

type harness struct {
	exec   *async.ManualExecutor
	timers *async.TimerManager
	du     *recordingDU
	amf    *recordingAMF
	mac    *recordingMAC
	procs  []hooks.ProcedureContext
	cu     *CUCP
}

const testTimeout = 5

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.ProcedureTimeout == 0 {
		cfg.ProcedureTimeout = testTimeout
	}
	h := &harness{
		exec:   async.NewManualExecutor(0),
		timers: async.NewTimerManager(),
		du:     &recordingDU{},
		amf:    &recordingAMF{},
		mac:    &recordingMAC{lcids: make(map[core.UEIndex][]core.LCID)},
	}
	broker := hooks.NewPluginBroker()
	broker.RegisterProcedureDone(func(ctx *hooks.ProcedureContext) error {
		h.procs = append(h.procs, *ctx)
		return nil
	})
	h.cu = New(context.Background(), cfg, Deps{
		Exec:   h.exec,
		Timers: h.timers,
		DU:     h.du,
		AMF:    h.amf,
		MAC:    h.mac,
		Broker: broker,
	})
	require.NoError(t, h.cu.RegisterCapabilities(broker))
	return h
}

func (h *harness) run() { h.exec.RunPending() }

func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.timers.Tick()
		h.run()
	}
}

func (h *harness) fromDU(m F1APMessage) {
	h.cu.F1AP().HandleMessage(m)
	h.run()
}

func (h *harness) fromAMF(m NGAPMessage) {
	h.cu.HandleNGAPMessage(m)
	h.run()
}

func (h *harness) procedures(name string) []hooks.ProcedureContext {
	var out []hooks.ProcedureContext
	for _, p := range h.procs {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}

const testCell NRCGI = 0x101

func testServedCell() ServedCell {
	return ServedCell{NRCGI: testCell, PCI: 1, TAC: 7, MIB: []byte{1, 2, 3}, SIB1: []byte{4, 5}}
}

func (h *harness) setupDU(t *testing.T) {
	t.Helper()
	h.fromDU(F1SetupRequest{TransactionID: 1, GNBDUID: 1, Name: "du-1", ServedCells: []ServedCell{testServedCell()}})
	require.IsType(t, F1SetupResponse{}, h.du.last())
}

// attach runs the RRC setup of a UE and returns its index and the RAN UE NGAP ID sent to
// the AMF.
func (h *harness) attach(t *testing.T, rnti core.RNTI, duID DUUEF1APID) (core.UEIndex, RANUENGAPID) {
	t.Helper()
	h.fromDU(InitialULRRCMessageTransfer{DUUEF1APID: duID, NRCGI: testCell, CRNTI: rnti, RRC: RRCSetupRequest{UEIdentity: uint64(rnti)}})
	dl, ok := h.du.last().(DLRRCMessageTransfer)
	require.True(t, ok, "expected RRCSetup, got %T", h.du.last())
	setup, ok := dl.RRC.(RRCSetup)
	require.True(t, ok)
	assert.Equal(t, duID, dl.DUUEF1APID)

	h.fromDU(ULRRCMessageTransfer{CUUEF1APID: dl.CUUEF1APID, DUUEF1APID: duID, SRBID: 1, RRC: RRCSetupComplete{TransactionID: setup.TransactionID}})
	initial, ok := h.amf.last().(InitialUEMessage)
	require.True(t, ok, "expected InitialUEMessage, got %T", h.amf.last())
	assert.Equal(t, testCell, initial.NRCGI)

	ue := h.cu.UEs().FindByRNTI(1, rnti)
	require.NotNil(t, ue)
	return ue.Index(), initial.RANUENGAPID
}

var testSession = PDUSession{ID: 1, ULTEID: 0x10, SliceSST: 1, DRBs: []DRB{{ID: 1, LCID: 4, QoSFlows: []uint8{9}}}}

// establish runs initial context setup for an attached UE until the AMF gets its answer.
func (h *harness) establish(t *testing.T, idx core.UEIndex, ranID RANUENGAPID) {
	t.Helper()
	h.fromAMF(InitialContextSetupRequest{
		RANUENGAPID: ranID,
		AMFUENGAPID: 77,
		Security:    SecurityContext{IntegrityAlgo: 2, CipheringAlgo: 2},
		PDUSessions: []PDUSession{testSession},
	})
	req, ok := h.du.last().(UEContextSetupRequest)
	require.True(t, ok, "expected UEContextSetupRequest, got %T", h.du.last())
	h.fromDU(UEContextSetupResponse{CUUEF1APID: req.CUUEF1APID, DUUEF1APID: req.DUUEF1APID, DRBsSetup: []DRBID{1}})

	dl, ok := h.du.last().(DLRRCMessageTransfer)
	require.True(t, ok, "expected RRCReconfiguration, got %T", h.du.last())
	reconf, ok := dl.RRC.(RRCReconfiguration)
	require.True(t, ok)
	h.fromDU(ULRRCMessageTransfer{CUUEF1APID: dl.CUUEF1APID, DUUEF1APID: dl.DUUEF1APID, SRBID: 1, RRC: RRCReconfigurationComplete{TransactionID: reconf.TransactionID}})
	require.Equal(t, InitialContextSetupResponse{RANUENGAPID: ranID, AMFUENGAPID: 77}, h.amf.last())
}

func TestF1SetupValidation(t *testing.T) {
	h := newHarness(t, Config{})

	h.fromDU(F1SetupRequest{TransactionID: 1, GNBDUID: 1})
	assert.Equal(t, F1SetupFailure{TransactionID: 1, Cause: CauseMissingIE}, h.du.last())

	noSIB := testServedCell()
	noSIB.SIB1 = nil
	h.fromDU(F1SetupRequest{TransactionID: 2, GNBDUID: 1, ServedCells: []ServedCell{noSIB}})
	assert.Equal(t, F1SetupFailure{TransactionID: 2, Cause: CauseMissingIE}, h.du.last())

	h.fromDU(F1SetupRequest{TransactionID: 3, GNBDUID: 1, ServedCells: []ServedCell{testServedCell()}})
	assert.Equal(t, F1SetupResponse{TransactionID: 3, CellsToActivate: []NRCGI{testCell}}, h.du.last())

	h.fromDU(F1SetupRequest{TransactionID: 4, GNBDUID: 2, ServedCells: []ServedCell{testServedCell()}})
	assert.Equal(t, F1SetupFailure{TransactionID: 4, Cause: CauseMisconfiguration}, h.du.last())

	cell, du, ok := h.cu.F1Setup().ServedCell(testCell)
	require.True(t, ok)
	assert.Equal(t, 0, du)
	assert.Equal(t, uint16(1), cell.PCI)

	runs := h.procedures("f1-setup")
	require.Len(t, runs, 4)
	assert.False(t, runs[0].Success)
	assert.True(t, runs[2].Success)
	assert.NotEqual(t, runs[0].ID, runs[2].ID)
}

func TestValidateF1SetupWrapsMissingIE(t *testing.T) {
	assert.ErrorIs(t, validateF1Setup(F1SetupRequest{}), ErrMissingIE)
	assert.NoError(t, validateF1Setup(F1SetupRequest{ServedCells: []ServedCell{testServedCell()}}))
}

func TestCapabilitiesRegistered(t *testing.T) {
	h := newHarness(t, Config{})
	broker := hooks.NewPluginBroker()
	require.NoError(t, h.cu.RegisterCapabilities(broker))

	var names []string
	for _, d := range broker.ListPlugins(hooks.PluginCategoryCapability) {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"ue-lifecycle", "mobility", "ng-interface", "f1-interface"}, names)
	assert.Len(t, h.cu.Capabilities(), 4)
}

func TestAttachAndInitialContextSetup(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDU(t)
	idx, ranID := h.attach(t, 0x4601, 10)
	h.establish(t, idx, ranID)

	ue := h.cu.UEs().FindUE(idx)
	require.NotNil(t, ue)
	require.NotNil(t, ue.Security())
	assert.Equal(t, uint8(2), ue.Security().CipheringAlgo)
	assert.Equal(t, []DRBID{1}, ue.Bearers().DRBIDs())
	amfID, ok := ue.AMFUENGAPID()
	require.True(t, ok)
	assert.Equal(t, AMFUENGAPID(77), amfID)

	assert.Equal(t, []core.UEIndex{idx}, h.mac.added)
	assert.Equal(t, []core.LCID{core.LCIDSRB1, core.LCIDSRB2, 4}, h.mac.lcids[idx])

	for _, name := range []string{"rrc-setup", "initial-context-setup"} {
		runs := h.procedures(name)
		require.Len(t, runs, 1, name)
		assert.True(t, runs[0].Success, name)
		assert.Equal(t, idx, runs[0].UE)
	}
}

func TestInitialContextSetupRejectedByDU(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDU(t)
	idx, ranID := h.attach(t, 0x4601, 10)

	h.fromAMF(InitialContextSetupRequest{RANUENGAPID: ranID, AMFUENGAPID: 5, PDUSessions: []PDUSession{testSession}})
	req := h.du.last().(UEContextSetupRequest)
	h.fromDU(UEContextSetupFailure{CUUEF1APID: req.CUUEF1APID, DUUEF1APID: req.DUUEF1APID, Cause: CauseOverload})

	assert.Equal(t, InitialContextSetupFailure{RANUENGAPID: ranID, AMFUENGAPID: 5, Cause: CauseRadioNetwork}, h.amf.last())
	assert.Empty(t, h.mac.added)
	assert.Empty(t, h.cu.UEs().FindUE(idx).Bearers().Sessions)
}

func TestInitialContextSetupTimesOut(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDU(t)
	_, ranID := h.attach(t, 0x4601, 10)

	h.fromAMF(InitialContextSetupRequest{RANUENGAPID: ranID, AMFUENGAPID: 5, PDUSessions: []PDUSession{testSession}})
	h.tick(testTimeout - 1)
	assert.IsType(t, InitialUEMessage{}, h.amf.last(), "no answer before the timeout")
	h.tick(1)
	assert.IsType(t, InitialContextSetupFailure{}, h.amf.last())

	// a late response finds no waiter
	req := h.du.msgs[len(h.du.msgs)-1].(UEContextSetupRequest)
	before := h.cu.F1AP().Discarded()
	h.fromDU(UEContextSetupResponse{CUUEF1APID: req.CUUEF1APID, DRBsSetup: []DRBID{1}})
	assert.Equal(t, before+1, h.cu.F1AP().Discarded())
}

func TestInitialContextSetupForUnknownUE(t *testing.T) {
	h := newHarness(t, Config{})
	h.fromAMF(InitialContextSetupRequest{RANUENGAPID: 42, AMFUENGAPID: 1})
	assert.Equal(t, InitialContextSetupFailure{RANUENGAPID: 42, AMFUENGAPID: 1, Cause: CauseRadioNetwork}, h.amf.last())
}

func TestInitialContextSetupForUERemovedBeforeStart(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDU(t)
	idx, ranID := h.attach(t, 0x4601, 10)
	sent := len(h.du.msgs)

	h.cu.HandleNGAPMessage(InitialContextSetupRequest{RANUENGAPID: ranID, AMFUENGAPID: 77, Security: SecurityContext{IntegrityAlgo: 2}, PDUSessions: []PDUSession{testSession}})
	require.True(t, h.exec.RunNext(), "dispatch schedules the procedure")
	require.True(t, h.cu.UEs().RemoveUE(idx))
	h.run()

	assert.Equal(t, InitialContextSetupFailure{RANUENGAPID: ranID, AMFUENGAPID: 77, Cause: CauseRadioNetwork}, h.amf.last())
	assert.Len(t, h.du.msgs, sent, "no F1 context setup for a removed UE")
}

func TestRRCSetupTimeoutDropsUE(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDU(t)
	h.fromDU(InitialULRRCMessageTransfer{DUUEF1APID: 3, NRCGI: testCell, CRNTI: 0x4601})
	require.Equal(t, 1, h.cu.UEs().NofUEs())

	h.tick(testTimeout)
	assert.Equal(t, 0, h.cu.UEs().NofUEs())
	assert.Empty(t, h.amf.msgs)
}

func TestInitialULRRCFromUnknownCellDiscarded(t *testing.T) {
	h := newHarness(t, Config{})
	h.fromDU(InitialULRRCMessageTransfer{DUUEF1APID: 3, NRCGI: 999, CRNTI: 0x4601})
	assert.Equal(t, 0, h.cu.UEs().NofUEs())
	assert.Equal(t, uint64(1), h.cu.F1AP().Discarded())
	assert.Empty(t, h.du.msgs)
}

func TestAttachWithDuplicateDUUEF1APIDRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDU(t)
	first, _ := h.attach(t, 0x4601, 10)
	sent := len(h.du.msgs)

	h.fromDU(InitialULRRCMessageTransfer{DUUEF1APID: 10, NRCGI: testCell, CRNTI: 0x4602, RRC: RRCSetupRequest{UEIdentity: 0x4602}})
	assert.Nil(t, h.cu.UEs().FindByRNTI(1, 0x4602))
	assert.Equal(t, []core.UEIndex{first}, h.cu.UEs().Indexes())
	assert.Len(t, h.du.msgs, sent, "no RRCSetup for the rejected UE")
}

func TestResponseForUnknownUEDiscarded(t *testing.T) {
	h := newHarness(t, Config{})
	h.fromDU(UEContextSetupResponse{CUUEF1APID: 999})
	h.fromDU(UEContextReleaseComplete{CUUEF1APID: 999})
	h.fromDU(ULRRCMessageTransfer{CUUEF1APID: 999, RRC: RRCReconfigurationComplete{}})
	assert.Equal(t, uint64(3), h.cu.F1AP().Discarded())
}

func TestFullControlExecutorDropsMessages(t *testing.T) {
	h := newHarness(t, Config{})
	h.exec.SetCapacity(1)
	h.cu.F1AP().HandleMessage(F1SetupRequest{TransactionID: 1})
	h.cu.F1AP().HandleMessage(F1SetupRequest{TransactionID: 2})
	assert.Equal(t, uint64(1), h.cu.F1AP().Dropped())
	h.run()
	require.Len(t, h.du.msgs, 1)
}

func TestNGReleaseCommand(t *testing.T) {
	h := newHarness(t, Config{})
	h.setupDU(t)
	idx, ranID := h.attach(t, 0x4601, 10)
	h.establish(t, idx, ranID)

	h.fromAMF(NGUEContextReleaseCommand{RANUENGAPID: ranID, AMFUENGAPID: 77, Cause: CauseNormalRelease})
	cmd, ok := h.du.last().(UEContextReleaseCommand)
	require.True(t, ok)
	assert.Equal(t, CauseNormalRelease, cmd.Cause)
	h.fromDU(UEContextReleaseComplete{CUUEF1APID: cmd.CUUEF1APID, DUUEF1APID: cmd.DUUEF1APID})

	assert.Equal(t, NGUEContextReleaseComplete{RANUENGAPID: ranID, AMFUENGAPID: 77}, h.amf.last())
	assert.Equal(t, []core.UEIndex{idx}, h.mac.removed)
	assert.Nil(t, h.cu.UEs().FindUE(idx))
	assert.Nil(t, h.cu.UEs().FindByRANUENGAPID(ranID))
	assert.Empty(t, h.cu.Snapshot().UEs)
}
