package policy

import "github.com/Readm/gnb_sim/core"

// roundRobin walks the UE list from a start position that moves by one every call, so a UE
// with pending data is first in line at least once every Len() slots.
type roundRobin struct {
	nextDL uint32
	nextUL uint32
}

// NewRoundRobin creates the reference time-domain round-robin policy.
func NewRoundRobin() Policy {
	return &roundRobin{}
}

func (p *roundRobin) Name() string { return "time_rr" }

func (p *roundRobin) DLSched(alloc DLAllocator, ues UERepository, _ core.SlotPoint) {
	start := p.nextDL
	p.nextDL++
	roundRobinWalk(ues, start, dlEligible, func(ue UE) AllocOutcome {
		return alloc.AllocateDL(GrantRequest{UE: ue, Bytes: ue.PendingDLBytes()})
	})
}

func (p *roundRobin) ULSched(alloc ULAllocator, ues UERepository, _ core.SlotPoint) {
	start := p.nextUL
	p.nextUL++
	roundRobinWalk(ues, start, ulEligible, func(ue UE) AllocOutcome {
		return alloc.AllocateUL(GrantRequest{UE: ue, Bytes: ue.PendingULBytes()})
	})
}

func roundRobinWalk(ues UERepository, start uint32, eligible func(UE) bool, allocate func(UE) AllocOutcome) {
	n := ues.Len()
	if n == 0 {
		return
	}
	first := int(start % uint32(n))
	for i := 0; i < n; i++ {
		ue := ues.At((first + i) % n)
		if !eligible(ue) {
			continue
		}
		if allocate(ue) == AllocSkipSlot {
			return
		}
	}
}
