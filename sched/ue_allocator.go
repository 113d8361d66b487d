package sched

import (
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/policy"
)

// ueCellGridAllocator places PDCCH plus PDSCH/PUSCH for the UEs the policy picks.
type ueCellGridAllocator struct {
	s  *CellScheduler
	dl SlotAllocator
	ul SlotAllocator
}

func (a *ueCellGridAllocator) begin(slot core.SlotPoint, dlGrid, ulGrid *ResourceGrid) {
	a.dl = SlotAllocator{Slot: slot, Grid: dlGrid, Result: &a.s.result}
	a.ul = SlotAllocator{Slot: slot.Add(a.s.cfg.K2), Grid: ulGrid, Result: &a.s.result}
}

// aggregationLevelFor picks the lowest level the channel can sustain that the search
// space monitors.
func aggregationLevelFor(cqi uint8, ss SearchSpaceConfig) (core.AggregationLevel, bool) {
	want := core.AL2
	switch {
	case cqi < 4:
		want = core.AL8
	case cqi < 8:
		want = core.AL4
	}
	for al := want; int(al) < core.NofAggregationLevels; al++ {
		if ss.NofCandidates[al] > 0 {
			return al, true
		}
	}
	for al := want; al > core.AL1; al-- {
		if ss.NofCandidates[al-1] > 0 {
			return al - 1, true
		}
	}
	return 0, false
}

func (a *ueCellGridAllocator) AllocateDL(req policy.GrantRequest) policy.AllocOutcome {
	s := a.s
	res := &s.result
	if len(res.DL.UEGrants) >= s.cfg.MaxUEGrants || s.pdcch.Remaining() <= 0 {
		return policy.AllocSkipSlot
	}
	ue := s.ues.find(req.UE.Index())
	if ue == nil || ue.dlGranted {
		return policy.AllocSkipUE
	}
	ss, _ := s.cfg.UESearchSpace()
	al, ok := aggregationLevelFor(ue.cqi, ss)
	if !ok {
		return policy.AllocSkipUE
	}
	if s.pdcch.AllocDLUE(&a.dl, ue.rnti, ss.ID, al, core.DCIFormat1_1) == nil {
		res.Failed.PDCCH++
		s.allocFailed(ue.rnti, hooks.AllocPDCCH)
		return policy.AllocSkipUE
	}

	symbols := s.cfg.PDSCHSymbols
	want := core.PRBsForBytes(req.Bytes, ue.cqi, symbols.Length(), s.cfg.NofPRBs)
	prbs := a.dl.Grid.FindFree(symbols, want, core.Interval{Start: 0, Stop: s.cfg.NofPRBs})
	tbs := core.EstimateTBSBytes(ue.cqi, prbs.Length(), symbols.Length())
	if prbs.Empty() || tbs == 0 {
		s.pdcch.CancelLast(&a.dl)
		res.Failed.PDSCH++
		s.allocFailed(ue.rnti, hooks.AllocPDSCH)
		return policy.AllocSkipSlot
	}
	a.dl.Grid.Fill(symbols, prbs)
	res.DL.UEGrants = append(res.DL.UEGrants, core.PDSCHGrant{
		UE:       ue.index,
		RNTI:     ue.rnti,
		PRBs:     prbs,
		Symbols:  symbols,
		MCS:      core.CQIToMCS(ue.cqi),
		TBSBytes: tbs,
		LCIDs:    ue.pendingLCIDs(),
	})
	ue.dlGranted = true
	ue.slotDL += tbs
	ue.consumeDL(tbs)
	return policy.AllocSuccess
}

func (a *ueCellGridAllocator) AllocateUL(req policy.GrantRequest) policy.AllocOutcome {
	s := a.s
	res := &s.result
	if len(res.UL.PUSCHs) >= s.cfg.MaxUEGrants || s.pdcch.Remaining() <= 0 {
		return policy.AllocSkipSlot
	}
	ue := s.ues.find(req.UE.Index())
	if ue == nil || ue.ulGranted {
		return policy.AllocSkipUE
	}
	ss, _ := s.cfg.UESearchSpace()
	al, ok := aggregationLevelFor(ue.cqi, ss)
	if !ok {
		return policy.AllocSkipUE
	}
	if s.pdcch.AllocULUE(&a.dl, ue.rnti, ss.ID, al, core.DCIFormat0_1) == nil {
		res.Failed.PDCCH++
		s.allocFailed(ue.rnti, hooks.AllocPDCCH)
		return policy.AllocSkipUE
	}

	symbols := s.cfg.PUSCHSymbols
	want := core.PRBsForBytes(req.Bytes, ue.cqi, symbols.Length(), s.cfg.NofPRBs)
	prbs := a.ul.Grid.FindFree(symbols, want, core.Interval{Start: 0, Stop: s.cfg.NofPRBs})
	tbs := core.EstimateTBSBytes(ue.cqi, prbs.Length(), symbols.Length())
	if prbs.Empty() || tbs == 0 {
		s.pdcch.CancelLast(&a.dl)
		res.Failed.PUSCH++
		s.allocFailed(ue.rnti, hooks.AllocPUSCH)
		return policy.AllocSkipSlot
	}
	a.ul.Grid.Fill(symbols, prbs)
	res.UL.PUSCHs = append(res.UL.PUSCHs, core.PUSCHGrant{
		UE:       ue.index,
		RNTI:     ue.rnti,
		Slot:     a.ul.Slot,
		PRBs:     prbs,
		Symbols:  symbols,
		MCS:      core.CQIToMCS(ue.cqi),
		TBSBytes: tbs,
	})
	ue.ulGranted = true
	ue.slotUL += tbs
	ue.consumeUL(tbs)
	return policy.AllocSuccess
}
