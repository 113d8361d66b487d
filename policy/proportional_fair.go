package policy

import (
	"sort"

	"github.com/Readm/gnb_sim/core"
)

// minAvgRate keeps the PF metric finite for UEs that were never served.
const minAvgRate = 1.0

type pfCandidate struct {
	ue     UE
	metric float64
}

// proportionalFair serves UEs in decreasing order of achievable rate over average rate.
type proportionalFair struct {
	candidates []pfCandidate
}

// NewProportionalFair creates a proportional-fair policy.
func NewProportionalFair() Policy {
	return &proportionalFair{}
}

func (p *proportionalFair) Name() string { return "time_pf" }

func (p *proportionalFair) DLSched(alloc DLAllocator, ues UERepository, _ core.SlotPoint) {
	p.rank(ues, dlEligible, func(ue UE) float64 { return ue.AvgDLRate() })
	for _, c := range p.candidates {
		if alloc.AllocateDL(GrantRequest{UE: c.ue, Bytes: c.ue.PendingDLBytes()}) == AllocSkipSlot {
			return
		}
	}
}

func (p *proportionalFair) ULSched(alloc ULAllocator, ues UERepository, _ core.SlotPoint) {
	p.rank(ues, ulEligible, func(ue UE) float64 { return ue.AvgULRate() })
	for _, c := range p.candidates {
		if alloc.AllocateUL(GrantRequest{UE: c.ue, Bytes: c.ue.PendingULBytes()}) == AllocSkipSlot {
			return
		}
	}
}

func (p *proportionalFair) rank(ues UERepository, eligible func(UE) bool, avg func(UE) float64) {
	p.candidates = p.candidates[:0]
	for i := 0; i < ues.Len(); i++ {
		ue := ues.At(i)
		if !eligible(ue) {
			continue
		}
		cqi := ue.LastCQI()
		if cqi == 0 {
			// UL without CQI: treat as mid-range channel
			cqi = core.MaxCQI / 2
		}
		a := avg(ue)
		if a < minAvgRate {
			a = minAvgRate
		}
		p.candidates = append(p.candidates, pfCandidate{
			ue:     ue,
			metric: core.CQIToSpectralEfficiency(cqi) / a,
		})
	}
	sort.SliceStable(p.candidates, func(i, j int) bool {
		if p.candidates[i].metric != p.candidates[j].metric {
			return p.candidates[i].metric > p.candidates[j].metric
		}
		return p.candidates[i].ue.Index() < p.candidates[j].ue.Index()
	})
}
