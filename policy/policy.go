package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Readm/gnb_sim/core"
)

// UE is the read-only view of a UE the policy decides on.
type UE interface {
	Index() core.UEIndex
	RNTI() core.RNTI
	HasPendingDL() bool
	PendingDLBytes() int
	HasPendingUL() bool
	PendingULBytes() int
	LastCQI() uint8
	// AvgDLRate and AvgULRate are the moving average of served bytes per slot.
	AvgDLRate() float64
	AvgULRate() float64
}

// UERepository is the snapshot of UEs for one slot, ordered by UE index.
type UERepository interface {
	Len() int
	At(i int) UE
}

// AllocOutcome tells the policy whether to keep walking the UE list.
type AllocOutcome int

const (
	// AllocSuccess means a grant was placed.
	AllocSuccess AllocOutcome = iota
	// AllocSkipUE means this UE cannot be served now; try the next one.
	AllocSkipUE
	// AllocSkipSlot means the slot has no room left for any UE.
	AllocSkipSlot
)

// GrantRequest asks the allocator for a grant serving up to Bytes.
type GrantRequest struct {
	UE    UE
	Bytes int
}

// DLAllocator places PDCCH + PDSCH for a UE.
type DLAllocator interface {
	AllocateDL(req GrantRequest) AllocOutcome
}

// ULAllocator places PDCCH + PUSCH for a UE.
type ULAllocator interface {
	AllocateUL(req GrantRequest) AllocOutcome
}

// Policy decides which UEs get grants in a slot. A cell scheduler owns one instance.
type Policy interface {
	Name() string
	DLSched(alloc DLAllocator, ues UERepository, slot core.SlotPoint)
	ULSched(alloc ULAllocator, ues UERepository, slot core.SlotPoint)
}

func dlEligible(ue UE) bool { return ue.HasPendingDL() && ue.LastCQI() > 0 }

func ulEligible(ue UE) bool { return ue.HasPendingUL() }

// Constructor builds a fresh policy instance.
type Constructor func() Policy

var constructors = map[string]Constructor{
	"rr":      NewRoundRobin,
	"time_rr": NewRoundRobin,
	"pf":      NewProportionalFair,
	"time_pf": NewProportionalFair,
}

// New returns a policy by name.
func New(name string) (Policy, error) {
	ctor, ok := constructors[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown scheduling policy %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(), nil
}

// Names lists the registered policy names.
func Names() []string {
	out := make([]string, 0, len(constructors))
	for name := range constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
