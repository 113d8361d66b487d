package sched

import (
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/logging"
)

// SlotAllocator bundles the per-slot state the allocators write into.
type SlotAllocator struct {
	Slot   core.SlotPoint
	Grid   *ResourceGrid
	Result *core.SchedResult
}

type pdcchRecord struct {
	coreset core.CORESETID
	cces    core.Interval
	rbs     core.Interval
	symbols core.Interval
	dl      bool
}

// PDCCHScheduler places DCIs in the CORESETs of one cell, one slot at a time.
type PDCCHScheduler struct {
	cfg     *CellConfig
	log     *logging.Logger
	slot    core.SlotPoint
	cces    map[core.CORESETID]*rbBitmap
	records []pdcchRecord
}

// NewPDCCHScheduler creates the scheduler for the CORESETs of cfg.
func NewPDCCHScheduler(cfg *CellConfig, log *logging.Logger) *PDCCHScheduler {
	p := &PDCCHScheduler{
		cfg:  cfg,
		log:  log,
		cces: make(map[core.CORESETID]*rbBitmap, len(cfg.CORESETs)),
	}
	for _, cs := range cfg.CORESETs {
		bm := newRBBitmap(cs.NofCCEs())
		p.cces[cs.ID] = &bm
	}
	return p
}

// SlotIndication starts a new slot and forgets every allocation of the previous one.
func (p *PDCCHScheduler) SlotIndication(slot core.SlotPoint) {
	p.slot = slot
	for _, bm := range p.cces {
		bm.reset()
	}
	p.records = p.records[:0]
}

// NofAllocations returns the number of DCIs placed in the current slot.
func (p *PDCCHScheduler) NofAllocations() int { return len(p.records) }

// Remaining returns how many more DCIs the slot accepts.
func (p *PDCCHScheduler) Remaining() int { return p.cfg.MaxPDCCHPerSlot - len(p.records) }

// AllocCommon places a DCI 1_0 for a broadcast or RA RNTI in a common search space.
func (p *PDCCHScheduler) AllocCommon(sa *SlotAllocator, rnti core.RNTI, ss core.SearchSpaceID, al core.AggregationLevel) *core.PDCCHDL {
	ctx, ok := p.alloc(sa, rnti, ss, al, true)
	if !ok {
		return nil
	}
	sa.Result.DL.DLPDCCHs = append(sa.Result.DL.DLPDCCHs, core.PDCCHDL{RNTI: rnti, Format: core.DCIFormat1_0, Ctx: ctx})
	return &sa.Result.DL.DLPDCCHs[len(sa.Result.DL.DLPDCCHs)-1]
}

// AllocDLUE places a DL DCI for a C-RNTI.
func (p *PDCCHScheduler) AllocDLUE(sa *SlotAllocator, rnti core.RNTI, ss core.SearchSpaceID, al core.AggregationLevel, format core.DCIFormat) *core.PDCCHDL {
	ctx, ok := p.alloc(sa, rnti, ss, al, true)
	if !ok {
		return nil
	}
	sa.Result.DL.DLPDCCHs = append(sa.Result.DL.DLPDCCHs, core.PDCCHDL{RNTI: rnti, Format: format, Ctx: ctx})
	return &sa.Result.DL.DLPDCCHs[len(sa.Result.DL.DLPDCCHs)-1]
}

// AllocULUE places a UL DCI for a C-RNTI.
func (p *PDCCHScheduler) AllocULUE(sa *SlotAllocator, rnti core.RNTI, ss core.SearchSpaceID, al core.AggregationLevel, format core.DCIFormat) *core.PDCCHUL {
	ctx, ok := p.alloc(sa, rnti, ss, al, false)
	if !ok {
		return nil
	}
	sa.Result.DL.ULPDCCHs = append(sa.Result.DL.ULPDCCHs, core.PDCCHUL{RNTI: rnti, Format: format, Ctx: ctx})
	return &sa.Result.DL.ULPDCCHs[len(sa.Result.DL.ULPDCCHs)-1]
}

// CancelLast undoes the most recent allocation of the slot. It returns false if there is none.
func (p *PDCCHScheduler) CancelLast(sa *SlotAllocator) bool {
	if len(p.records) == 0 {
		return false
	}
	rec := p.records[len(p.records)-1]
	p.records = p.records[:len(p.records)-1]
	p.cces[rec.coreset].clear(rec.cces)
	sa.Grid.Clear(rec.symbols, rec.rbs)
	if rec.dl {
		sa.Result.DL.DLPDCCHs = sa.Result.DL.DLPDCCHs[:len(sa.Result.DL.DLPDCCHs)-1]
	} else {
		sa.Result.DL.ULPDCCHs = sa.Result.DL.ULPDCCHs[:len(sa.Result.DL.ULPDCCHs)-1]
	}
	return true
}

func (p *PDCCHScheduler) alloc(sa *SlotAllocator, rnti core.RNTI, ssID core.SearchSpaceID, al core.AggregationLevel, dl bool) (core.PDCCHContext, bool) {
	if len(p.records) >= p.cfg.MaxPDCCHPerSlot {
		return core.PDCCHContext{}, false
	}
	ss, ok := p.cfg.SearchSpace(ssID)
	if !ok {
		p.log.Warnf("rnti=%s: search space %d not configured", rnti, ssID)
		return core.PDCCHContext{}, false
	}
	cs, ok := p.cfg.CORESET(ss.CORESET)
	if !ok {
		return core.PDCCHContext{}, false
	}
	if int(al) >= core.NofAggregationLevels {
		return core.PDCCHContext{}, false
	}
	nofCands := ss.NofCandidates[al]
	nofCCEs := cs.NofCCEs()
	level := core.ToCCEs(al)
	if nofCands == 0 || level > nofCCEs {
		return core.PDCCHContext{}, false
	}

	y := 0
	if !ss.Common {
		y = hashY(rnti, cs.ID, sa.Slot.Slot())
	}
	bm := p.cces[cs.ID]
	symbols := cs.Symbols()
	for m := 0; m < nofCands; m++ {
		cce := candidateCCE(y, m, nofCands, level, nofCCEs)
		cces := core.Interval{Start: cce, Stop: cce + level}
		if bm.any(cces) {
			continue
		}
		rbs := cs.CCEToRBs(cce, level)
		if sa.Grid.Collides(symbols, rbs) || p.reserved(rbs) {
			continue
		}
		bm.fill(cces)
		sa.Grid.Fill(symbols, rbs)
		p.records = append(p.records, pdcchRecord{coreset: cs.ID, cces: cces, rbs: rbs, symbols: symbols, dl: dl})
		return core.PDCCHContext{
			CORESET:     cs.ID,
			SearchSpace: ss.ID,
			CCEIndex:    cce,
			AggLevel:    al,
			RBs:         rbs,
			Symbols:     symbols,
		}, true
	}
	return core.PDCCHContext{}, false
}

func (p *PDCCHScheduler) reserved(rbs core.Interval) bool {
	for _, iv := range p.cfg.ReservedPRBs {
		if iv.Overlaps(rbs) {
			return true
		}
	}
	return false
}

// hashY computes Y_p,n for a UE-specific search space (TS 38.213 10.1).
func hashY(rnti core.RNTI, coreset core.CORESETID, slotInFrame uint32) int {
	const d = 65537
	a := [3]uint64{39827, 39829, 39839}[uint(coreset)%3]
	y := uint64(rnti)
	for n := uint32(0); n <= slotInFrame; n++ {
		y = (a * y) % d
	}
	return int(y)
}

// candidateCCE returns the first CCE of candidate m at aggregation level L.
func candidateCCE(y, m, nofCands, level, nofCCEs int) int {
	return level * ((y + m*nofCCEs/(level*nofCands)) % (nofCCEs / level))
}
