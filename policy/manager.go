package policy

import "github.com/Readm/gnb_sim/core"

// UEFilter decides whether a UE is visible to the wrapped policy.
type UEFilter func(ue UE) bool

type manager struct {
	primary  Policy
	filter   UEFilter
	fallback Policy
}

// NewManager wraps a policy so filters and fallbacks can be layered on top.
func NewManager(p Policy) Policy {
	if p == nil {
		p = NewRoundRobin()
	}
	return &manager{primary: p}
}

// WithPrimary returns a copy of the manager using the provided primary policy.
func WithPrimary(m Policy, p Policy) Policy {
	base := asManager(m)
	base.primary = p
	return base
}

// WithUEFilter returns a copy that hides UEs rejected by f from both policies.
func WithUEFilter(m Policy, f UEFilter) Policy {
	base := asManager(m)
	base.filter = f
	return base
}

// WithFallback returns a copy that runs p when the primary placed no grant in a slot.
func WithFallback(m Policy, p Policy) Policy {
	base := asManager(m)
	base.fallback = p
	return base
}

func (m *manager) Name() string {
	if m.fallback != nil {
		return m.primary.Name() + "+" + m.fallback.Name()
	}
	return m.primary.Name()
}

func (m *manager) DLSched(alloc DLAllocator, ues UERepository, slot core.SlotPoint) {
	view := m.view(ues)
	counter := &countingDL{inner: alloc}
	m.primary.DLSched(counter, view, slot)
	if m.fallback != nil && counter.granted == 0 && !counter.full {
		m.fallback.DLSched(alloc, view, slot)
	}
}

func (m *manager) ULSched(alloc ULAllocator, ues UERepository, slot core.SlotPoint) {
	view := m.view(ues)
	counter := &countingUL{inner: alloc}
	m.primary.ULSched(counter, view, slot)
	if m.fallback != nil && counter.granted == 0 && !counter.full {
		m.fallback.ULSched(alloc, view, slot)
	}
}

func (m *manager) view(ues UERepository) UERepository {
	if m.filter == nil {
		return ues
	}
	out := make(filteredUEs, 0, ues.Len())
	for i := 0; i < ues.Len(); i++ {
		if ue := ues.At(i); m.filter(ue) {
			out = append(out, ue)
		}
	}
	return out
}

type filteredUEs []UE

func (f filteredUEs) Len() int    { return len(f) }
func (f filteredUEs) At(i int) UE { return f[i] }

type countingDL struct {
	inner   DLAllocator
	granted int
	full    bool
}

func (c *countingDL) AllocateDL(req GrantRequest) AllocOutcome {
	out := c.inner.AllocateDL(req)
	switch out {
	case AllocSuccess:
		c.granted++
	case AllocSkipSlot:
		c.full = true
	}
	return out
}

type countingUL struct {
	inner   ULAllocator
	granted int
	full    bool
}

func (c *countingUL) AllocateUL(req GrantRequest) AllocOutcome {
	out := c.inner.AllocateUL(req)
	switch out {
	case AllocSuccess:
		c.granted++
	case AllocSkipSlot:
		c.full = true
	}
	return out
}

func asManager(m Policy) *manager {
	if concrete, ok := m.(*manager); ok {
		return &manager{
			primary:  concrete.primary,
			filter:   concrete.filter,
			fallback: concrete.fallback,
		}
	}
	if m == nil {
		m = NewRoundRobin()
	}
	return &manager{primary: m}
}
