package sched

import (
	"time"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
	"github.com/Readm/gnb_sim/policy"
)

const (
	ssbSymbolStart = 2
	ssbNofSymbols  = 4
	// sib1SlotOffset places SIB1 one slot after the SSB burst of its period.
	sib1SlotOffset = 1
	sib1CQI        = 5
)

// Option customises a CellScheduler.
type Option func(*CellScheduler)

// WithLogger sets the scheduler logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *CellScheduler) { s.log = log }
}

// WithBroker routes allocation failures and UE events to plugins.
func WithBroker(b *hooks.PluginBroker) Option {
	return func(s *CellScheduler) { s.broker = b }
}

// WithMetricsNotifier sets the consumer of periodic metrics reports.
func WithMetricsNotifier(n MetricsNotifier) Option {
	return func(s *CellScheduler) { s.metrics.notifier = n }
}

// CellScheduler computes the scheduling result of one cell, one slot at a time.
// SlotIndication must not be called concurrently; UE indications may come from any goroutine.
type CellScheduler struct {
	cfg     CellConfig
	log     *logging.Logger
	warn    *logging.Throttled
	broker  *hooks.PluginBroker
	policy  policy.Policy
	pdcch   *PDCCHScheduler
	dlGrids *ResourceGridRing
	ulGrids *ResourceGridRing
	ues     *ueRepository
	events  ueEventQueue
	alloc   ueCellGridAllocator
	result  core.SchedResult
	metrics cellMetrics
}

// NewCellScheduler builds the scheduler of a cell. An invalid configuration is a
// programming error and panics; callers validate user input first.
func NewCellScheduler(cfg CellConfig, p policy.Policy, opts ...Option) *CellScheduler {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	if p == nil {
		p = policy.NewRoundRobin()
	}
	s := &CellScheduler{
		cfg:    cfg,
		log:    logging.Discard(),
		policy: p,
		ues:    newUERepository(),
	}
	s.metrics = cellMetrics{period: cfg.MetricsPeriod, cur: CellMetricsReport{Cell: cfg.Cell}}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("cell", cfg.Cell)
	s.warn = logging.NewThrottled(s.log, time.Second, 5)
	s.pdcch = NewPDCCHScheduler(&s.cfg, s.log)
	ringSize := cfg.K2 + 2
	if ringSize < defaultGridRingSize {
		ringSize = defaultGridRingSize
	}
	s.dlGrids = NewResourceGridRing(cfg.NofPRBs, ringSize)
	s.ulGrids = NewResourceGridRing(cfg.NofPRBs, ringSize)
	s.alloc.s = s
	return s
}

// Config returns the cell configuration.
func (s *CellScheduler) Config() CellConfig { return s.cfg }

// PolicyName returns the name of the active policy.
func (s *CellScheduler) PolicyName() string { return s.policy.Name() }

// NofUEs returns the UEs known after the last slot.
func (s *CellScheduler) NofUEs() int { return s.ues.Len() }

// LastMetrics returns the most recent completed metrics report.
func (s *CellScheduler) LastMetrics() CellMetricsReport { return s.metrics.lastReport() }

// AddUE queues the creation of a UE for the next slot.
func (s *CellScheduler) AddUE(cfg UEConfig) {
	s.events.push(ueEvent{kind: evAddUE, cfg: cfg, ue: cfg.Index})
}

// RemoveUE queues the removal of a UE for the next slot.
func (s *CellScheduler) RemoveUE(idx core.UEIndex) {
	s.events.push(ueEvent{kind: evRemoveUE, ue: idx})
}

// DLBufferStateIndication sets the pending DL bytes of a logical channel.
func (s *CellScheduler) DLBufferStateIndication(idx core.UEIndex, lcid core.LCID, bytes int) {
	s.events.push(ueEvent{kind: evDLBufferState, ue: idx, lcid: lcid, bytes: bytes})
}

// ULBSRIndication sets the UL buffer status reported by the UE.
func (s *CellScheduler) ULBSRIndication(idx core.UEIndex, bytes int) {
	s.events.push(ueEvent{kind: evULBSR, ue: idx, bytes: bytes})
}

// SRIndication flags a scheduling request.
func (s *CellScheduler) SRIndication(idx core.UEIndex) {
	s.events.push(ueEvent{kind: evSR, ue: idx})
}

// CQIIndication records a wideband CQI report.
func (s *CellScheduler) CQIIndication(idx core.UEIndex, cqi uint8) {
	s.events.push(ueEvent{kind: evCQI, ue: idx, cqi: cqi})
}

// CRCIndication records the decoding outcome of a PUSCH.
func (s *CellScheduler) CRCIndication(idx core.UEIndex, ok bool) {
	s.events.push(ueEvent{kind: evCRC, ue: idx, ok: ok})
}

// SlotIndication runs the scheduler for slot. The returned result is reused on the next call.
func (s *CellScheduler) SlotIndication(slot core.SlotPoint) *core.SchedResult {
	s.applyEvents()

	s.result.Reset(slot)
	s.result.UL.Slot = slot.Add(s.cfg.K2)
	s.pdcch.SlotIndication(slot)
	dlGrid := s.dlGrids.Get(slot)
	ulGrid := s.ulGrids.Get(slot.Add(s.cfg.K2))
	for _, iv := range s.cfg.ReservedPRBs {
		dlGrid.Fill(core.Interval{Start: 0, Stop: core.NofOFDMSymbolsPerSlot}, iv)
	}
	s.alloc.begin(slot, dlGrid, ulGrid)

	s.scheduleBroadcast(slot)

	for _, ue := range s.ues.ordered {
		ue.beginSlot()
	}
	s.policy.DLSched(&s.alloc, s.ues, slot)
	s.policy.ULSched(&s.alloc, s.ues, slot)
	s.scheduleSROpportunities()
	for _, ue := range s.ues.ordered {
		ue.endSlot()
	}

	s.metrics.onSlot(&s.result, s.ues.Len(), dlGrid.UsedPRBs())
	return &s.result
}

func (s *CellScheduler) applyEvents() {
	for _, ev := range s.events.drain() {
		if ev.kind == evAddUE {
			if s.ues.Len() >= s.cfg.MaxUEs {
				s.log.Warnf("ue=%d rnti=%s: cell full, creation dropped", ev.cfg.Index, ev.cfg.RNTI)
				continue
			}
			if !s.ues.add(newUE(ev.cfg)) {
				s.log.Warnf("ue=%d rnti=%s: duplicate UE, creation dropped", ev.cfg.Index, ev.cfg.RNTI)
				continue
			}
			s.log.Debugf("ue=%d rnti=%s: created", ev.cfg.Index, ev.cfg.RNTI)
			_ = s.broker.EmitUEEvent(&hooks.UEContext{Cell: s.cfg.Cell, UE: ev.cfg.Index, RNTI: ev.cfg.RNTI, Kind: hooks.UECreated})
			continue
		}
		if ev.kind == evRemoveUE {
			if ue := s.ues.remove(ev.ue); ue != nil {
				s.log.Debugf("ue=%d rnti=%s: removed", ue.index, ue.rnti)
				_ = s.broker.EmitUEEvent(&hooks.UEContext{Cell: s.cfg.Cell, UE: ue.index, RNTI: ue.rnti, Kind: hooks.UEReleased})
			}
			continue
		}

		ue := s.ues.find(ev.ue)
		if ue == nil {
			s.warn.Warnf("ue=%d: indication for unknown UE discarded", ev.ue)
			continue
		}
		switch ev.kind {
		case evDLBufferState:
			if int(ev.lcid) < len(ue.dlBS) {
				ue.dlBS[ev.lcid] = ev.bytes
			}
		case evULBSR:
			ue.ulBSR = ev.bytes
		case evSR:
			ue.sr = true
		case evCQI:
			if ev.cqi <= core.MaxCQI {
				ue.cqi = ev.cqi
				s.metrics.onCQI(ev.cqi)
			}
		case evCRC:
			if ev.ok {
				ue.crcOK++
			} else {
				ue.crcKO++
			}
			s.metrics.onCRC(ev.ok)
		}
	}
}

// scheduleBroadcast reserves SSB resources and places SIB1 with its SI-RNTI DCI.
func (s *CellScheduler) scheduleBroadcast(slot core.SlotPoint) {
	sa := &s.alloc.dl
	count := int(slot.Count())
	if count%s.cfg.SSBPeriodSlots == 0 {
		symbols := core.Interval{Start: ssbSymbolStart, Stop: ssbSymbolStart + ssbNofSymbols}
		sa.Grid.Fill(symbols, s.cfg.SSBPRBs)
		s.result.DL.SSBs = append(s.result.DL.SSBs, core.SSBInfo{SSBIndex: 0, Symbols: symbols, PRBs: s.cfg.SSBPRBs})
	}
	if s.cfg.SIB1PeriodSlots == 0 || count%s.cfg.SIB1PeriodSlots != sib1SlotOffset {
		return
	}
	css, _ := s.cfg.CommonSearchSpace()
	al, ok := aggregationLevelFor(0, css)
	if !ok || s.pdcch.AllocCommon(sa, core.SIRNTI, css.ID, al) == nil {
		s.result.Failed.PDCCH++
		s.allocFailed(core.SIRNTI, hooks.AllocPDCCH)
		return
	}
	symbols := s.cfg.PDSCHSymbols
	want := core.PRBsForBytes(s.cfg.SIB1Bytes, sib1CQI, symbols.Length(), s.cfg.NofPRBs)
	prbs := sa.Grid.FindFree(symbols, want, core.Interval{Start: 0, Stop: s.cfg.NofPRBs})
	if prbs.Length() < want {
		s.pdcch.CancelLast(sa)
		s.result.Failed.PDSCH++
		s.allocFailed(core.SIRNTI, hooks.AllocPDSCH)
		return
	}
	sa.Grid.Fill(symbols, prbs)
	s.result.DL.SIBs = append(s.result.DL.SIBs, core.SIBInfo{
		SIIndicator: 0,
		PRBs:        prbs,
		Symbols:     symbols,
		TBSBytes:    s.cfg.SIB1Bytes,
	})
}

// scheduleSROpportunities lists the UEs with a PUCCH SR occasion in the UL slot.
func (s *CellScheduler) scheduleSROpportunities() {
	if s.cfg.SRPeriodSlots <= 0 {
		return
	}
	count := int(s.result.UL.Slot.Count())
	for _, ue := range s.ues.ordered {
		if count%s.cfg.SRPeriodSlots == int(ue.index)%s.cfg.SRPeriodSlots {
			s.result.UL.SRs = append(s.result.UL.SRs, ue.rnti)
		}
	}
}

func (s *CellScheduler) allocFailed(rnti core.RNTI, ch hooks.AllocChannel) {
	s.log.Debugf("slot=%s rnti=%s: %s allocation failed", s.result.DL.Slot, rnti, ch)
	_ = s.broker.EmitAllocationFailed(&hooks.AllocationContext{Cell: s.cfg.Cell, Slot: s.result.DL.Slot, RNTI: rnti, Channel: ch})
}
