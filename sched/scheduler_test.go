package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/policy"
)

func newTestScheduler(t *testing.T, mutate func(*CellConfig), opts ...Option) *CellScheduler {
	t.Helper()
	cfg := DefaultCellConfig(0)
	if mutate != nil {
		mutate(&cfg)
	}
	return NewCellScheduler(cfg, policy.NewRoundRobin(), opts...)
}

func addUEWithData(s *CellScheduler, idx core.UEIndex, dlBytes int) {
	s.AddUE(UEConfig{Index: idx, RNTI: core.RNTI(0x4601 + uint16(idx))})
	s.DLBufferStateIndication(idx, core.LCIDMinDRB, dlBytes)
}

func TestInvalidConfigPanics(t *testing.T) {
	cfg := DefaultCellConfig(0)
	cfg.NofPRBs = 0
	cfg.CORESETs[0].NofPRBs = 7
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nof_prbs 0")
	assert.Contains(t, err.Error(), "multiple of 6")

	assert.Panics(t, func() { NewCellScheduler(cfg, nil) })
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultCellConfig(3)
	require.NoError(t, cfg.Validate())
	ss, ok := cfg.UESearchSpace()
	require.True(t, ok)
	assert.False(t, ss.Common)
	cs, ok := cfg.CORESET(0)
	require.True(t, ok)
	assert.Equal(t, 16, cs.NofCCEs())
}

func TestOneUEGetsOneGrantPerSlot(t *testing.T) {
	s := newTestScheduler(t, nil)
	addUEWithData(s, 0, 100000)

	for _, count := range []uint32{100, 101} {
		res := s.SlotIndication(core.SlotPointFromCount(1, count))
		require.Len(t, res.DL.UEGrants, 1, "slot %d", count)
		assert.Equal(t, core.UEIndex(0), res.DL.UEGrants[0].UE)
		assert.Equal(t, core.RNTI(0x4601), res.DL.UEGrants[0].RNTI)
		assert.Positive(t, res.DL.UEGrants[0].TBSBytes)
		assert.Equal(t, []core.LCID{core.LCIDMinDRB}, res.DL.UEGrants[0].LCIDs)
		assert.Equal(t, 0, res.Failed.PDCCH)
		require.Len(t, res.DL.DLPDCCHs, 1)
		assert.Equal(t, core.DCIFormat1_1, res.DL.DLPDCCHs[0].Format)
	}
}

func TestRoundRobinFairnessAcrossSlots(t *testing.T) {
	const nofUEs = 4
	s := newTestScheduler(t, func(c *CellConfig) { c.MaxUEGrants = 1 })
	for i := 0; i < nofUEs; i++ {
		addUEWithData(s, core.UEIndex(i), 100000)
	}

	served := make(map[core.UEIndex]int)
	for i := 0; i < nofUEs; i++ {
		res := s.SlotIndication(core.SlotPointFromCount(1, uint32(200+i)))
		require.Len(t, res.DL.UEGrants, 1)
		served[res.DL.UEGrants[0].UE]++
	}
	assert.Len(t, served, nofUEs)
}

func TestGrantsNeverOverlapInSlot(t *testing.T) {
	s := newTestScheduler(t, func(c *CellConfig) { c.MaxUEGrants = 16; c.MaxPDCCHPerSlot = 16 })
	for i := 0; i < 10; i++ {
		addUEWithData(s, core.UEIndex(i), 100)
		s.ULBSRIndication(core.UEIndex(i), 200)
	}

	for count := uint32(40); count < 60; count++ {
		res := s.SlotIndication(core.SlotPointFromCount(1, count))
		var rbs []core.Interval
		for _, d := range res.DL.DLPDCCHs {
			rbs = append(rbs, d.Ctx.RBs)
		}
		for _, u := range res.DL.ULPDCCHs {
			rbs = append(rbs, u.Ctx.RBs)
		}
		assertDisjoint(t, rbs)

		var pdsch []core.Interval
		for _, g := range res.DL.UEGrants {
			pdsch = append(pdsch, g.PRBs)
		}
		assertDisjoint(t, pdsch)
	}
}

func assertDisjoint(t *testing.T, ivs []core.Interval) {
	t.Helper()
	for i := range ivs {
		for j := i + 1; j < len(ivs); j++ {
			assert.False(t, ivs[i].Overlaps(ivs[j]), "%s overlaps %s", ivs[i], ivs[j])
		}
	}
}

func TestULGrantLandsAtK2(t *testing.T) {
	s := newTestScheduler(t, nil)
	s.AddUE(UEConfig{Index: 1, RNTI: 0x4602})
	s.ULBSRIndication(1, 300)

	slot := core.SlotPointFromCount(1, 10)
	res := s.SlotIndication(slot)
	require.Len(t, res.UL.PUSCHs, 1)
	assert.True(t, res.UL.PUSCHs[0].Slot.Equal(slot.Add(4)))
	assert.True(t, res.UL.Slot.Equal(slot.Add(4)))
	require.Len(t, res.DL.ULPDCCHs, 1)
	assert.Equal(t, core.RNTI(0x4602), res.DL.ULPDCCHs[0].RNTI)
	assert.Empty(t, res.DL.UEGrants)
}

func TestSRTriggersULGrant(t *testing.T) {
	s := newTestScheduler(t, nil)
	s.AddUE(UEConfig{Index: 0, RNTI: 0x4601})
	s.SRIndication(0)

	res := s.SlotIndication(core.SlotPointFromCount(1, 11))
	require.Len(t, res.UL.PUSCHs, 1)

	res = s.SlotIndication(core.SlotPointFromCount(1, 12))
	assert.Empty(t, res.UL.PUSCHs, "SR is consumed by the first grant")
}

func TestRemovedUEIsNotScheduled(t *testing.T) {
	var events []hooks.UEEventKind
	broker := hooks.NewPluginBroker()
	broker.RegisterUEEvent(func(ctx *hooks.UEContext) error {
		events = append(events, ctx.Kind)
		return nil
	})
	s := newTestScheduler(t, nil, WithBroker(broker))
	addUEWithData(s, 0, 5000)
	require.Len(t, s.SlotIndication(core.SlotPointFromCount(1, 1)).DL.UEGrants, 1)

	s.RemoveUE(0)
	s.DLBufferStateIndication(0, core.LCIDMinDRB, 5000)
	res := s.SlotIndication(core.SlotPointFromCount(1, 2))
	assert.Empty(t, res.DL.UEGrants)
	assert.Equal(t, 0, s.NofUEs())
	assert.Equal(t, []hooks.UEEventKind{hooks.UECreated, hooks.UEReleased}, events)
}

func TestDuplicateUERejected(t *testing.T) {
	s := newTestScheduler(t, nil)
	s.AddUE(UEConfig{Index: 0, RNTI: 0x4601})
	s.AddUE(UEConfig{Index: 0, RNTI: 0x4602})
	s.AddUE(UEConfig{Index: 1, RNTI: 0x4601})
	s.SlotIndication(core.SlotPointFromCount(1, 1))
	assert.Equal(t, 1, s.NofUEs())
}

func TestBroadcastSchedule(t *testing.T) {
	s := newTestScheduler(t, nil)

	res := s.SlotIndication(core.SlotPointFromCount(1, 160))
	require.Len(t, res.DL.SSBs, 1)
	assert.Empty(t, res.DL.SIBs)

	res = s.SlotIndication(core.SlotPointFromCount(1, 161))
	assert.Empty(t, res.DL.SSBs)
	require.Len(t, res.DL.SIBs, 1)
	require.Len(t, res.DL.DLPDCCHs, 1)
	assert.Equal(t, core.SIRNTI, res.DL.DLPDCCHs[0].RNTI)
	assert.Equal(t, core.DCIFormat1_0, res.DL.DLPDCCHs[0].Format)
	assert.Equal(t, 101, res.DL.SIBs[0].TBSBytes)
}

func TestSSBAndUEShareSlotWithoutOverlap(t *testing.T) {
	s := newTestScheduler(t, nil)
	addUEWithData(s, 0, 100000)

	res := s.SlotIndication(core.SlotPointFromCount(1, 20))
	require.Len(t, res.DL.SSBs, 1)
	require.Len(t, res.DL.UEGrants, 1)
	assert.False(t, res.DL.SSBs[0].PRBs.Overlaps(res.DL.UEGrants[0].PRBs))
}

func TestAllocationFailureCounted(t *testing.T) {
	var failures []hooks.AllocChannel
	broker := hooks.NewPluginBroker()
	broker.RegisterAllocationFailed(func(ctx *hooks.AllocationContext) error {
		failures = append(failures, ctx.Channel)
		return nil
	})
	// PDSCH region fully reserved
	s := newTestScheduler(t, func(c *CellConfig) {
		c.ReservedPRBs = []core.Interval{{Start: 48, Stop: 51}}
		c.SSBPRBs = core.Interval{Start: 0, Stop: 48}
		c.SSBPeriodSlots = 1
		c.PDSCHSymbols = core.Interval{Start: 2, Stop: 6}
	}, WithBroker(broker))
	addUEWithData(s, 0, 1000)

	res := s.SlotIndication(core.SlotPointFromCount(1, 5))
	assert.Empty(t, res.DL.UEGrants)
	assert.Empty(t, res.DL.DLPDCCHs, "PDCCH rolled back")
	assert.Equal(t, 1, res.Failed.PDSCH)
	assert.Equal(t, []hooks.AllocChannel{hooks.AllocPDSCH}, failures)
}

func TestMetricsReportedPerPeriod(t *testing.T) {
	var reports []CellMetricsReport
	s := newTestScheduler(t, func(c *CellConfig) { c.MetricsPeriod = 2 },
		WithMetricsNotifier(MetricsNotifierFunc(func(r CellMetricsReport) { reports = append(reports, r) })))
	addUEWithData(s, 0, 100000)
	s.CQIIndication(0, 9)
	s.CRCIndication(0, true)
	s.CRCIndication(0, false)

	s.SlotIndication(core.SlotPointFromCount(1, 1))
	assert.Empty(t, reports)
	s.SlotIndication(core.SlotPointFromCount(1, 2))
	require.Len(t, reports, 1)

	r := reports[0]
	assert.Equal(t, 2, r.Slots)
	assert.Equal(t, 2, r.DLGrants)
	assert.Equal(t, 1, r.NofUEs)
	assert.Equal(t, uint64(1), r.CRCOK)
	assert.Equal(t, uint64(1), r.CRCKO)
	assert.InDelta(t, 9.0, r.AvgCQI, 1e-9)
	assert.Positive(t, r.DLBytes)
	assert.Equal(t, r, s.LastMetrics())
}

func TestProportionalFairPolicyPlugsIn(t *testing.T) {
	cfg := DefaultCellConfig(0)
	cfg.MaxUEGrants = 1
	s := NewCellScheduler(cfg, policy.NewProportionalFair())
	assert.Equal(t, "time_pf", s.PolicyName())
	for i := 0; i < 3; i++ {
		addUEWithData(s, core.UEIndex(i), 100000)
	}

	served := make(map[core.UEIndex]bool)
	for count := uint32(1); count <= 6; count++ {
		res := s.SlotIndication(core.SlotPointFromCount(1, count))
		require.Len(t, res.DL.UEGrants, 1)
		served[res.DL.UEGrants[0].UE] = true
	}
	assert.Len(t, served, 3)
}
