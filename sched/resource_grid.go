package sched

import (
	"fmt"

	"github.com/Readm/gnb_sim/core"
)

// ResourceGrid is the symbol x PRB occupancy of one slot on one carrier.
type ResourceGrid struct {
	slot    core.SlotPoint
	nofPRBs int
	symbols [core.NofOFDMSymbolsPerSlot]rbBitmap
}

// NewResourceGrid creates an empty grid of nofPRBs resource blocks.
func NewResourceGrid(nofPRBs int) *ResourceGrid {
	g := &ResourceGrid{nofPRBs: nofPRBs}
	for i := range g.symbols {
		g.symbols[i] = newRBBitmap(nofPRBs)
	}
	return g
}

// Slot is the slot the grid currently describes.
func (g *ResourceGrid) Slot() core.SlotPoint { return g.slot }

// NofPRBs returns the carrier width.
func (g *ResourceGrid) NofPRBs() int { return g.nofPRBs }

func (g *ResourceGrid) symbolRange(symbols core.Interval) (int, int) {
	start, stop := symbols.Start, symbols.Stop
	if start < 0 {
		start = 0
	}
	if stop > core.NofOFDMSymbolsPerSlot {
		stop = core.NofOFDMSymbolsPerSlot
	}
	return start, stop
}

// Fill marks the PRBs as used on every symbol of symbols.
func (g *ResourceGrid) Fill(symbols, prbs core.Interval) {
	start, stop := g.symbolRange(symbols)
	for s := start; s < stop; s++ {
		g.symbols[s].fill(prbs)
	}
}

// Clear releases PRBs previously filled.
func (g *ResourceGrid) Clear(symbols, prbs core.Interval) {
	start, stop := g.symbolRange(symbols)
	for s := start; s < stop; s++ {
		g.symbols[s].clear(prbs)
	}
}

// Collides reports whether any PRB of prbs is in use on any symbol of symbols.
func (g *ResourceGrid) Collides(symbols, prbs core.Interval) bool {
	if prbs.Start < 0 || prbs.Stop > g.nofPRBs {
		return true
	}
	start, stop := g.symbolRange(symbols)
	for s := start; s < stop; s++ {
		if g.symbols[s].any(prbs) {
			return true
		}
	}
	return false
}

// FindFree returns the first contiguous PRB interval inside limits that is free on all
// symbols and at most nofPRBs wide. The result is empty when nothing fits.
func (g *ResourceGrid) FindFree(symbols core.Interval, nofPRBs int, limits core.Interval) core.Interval {
	if nofPRBs <= 0 {
		return core.Interval{}
	}
	start, stop := g.symbolRange(symbols)
	if start >= stop {
		return core.Interval{}
	}
	used := newRBBitmap(g.nofPRBs)
	for s := start; s < stop; s++ {
		used.or(&g.symbols[s])
	}
	return used.firstFree(nofPRBs, limits)
}

// UsedPRBs counts PRBs occupied on at least one symbol.
func (g *ResourceGrid) UsedPRBs() int {
	used := newRBBitmap(g.nofPRBs)
	for s := range g.symbols {
		used.or(&g.symbols[s])
	}
	return used.count()
}

// Reset clears the grid and rebinds it to slot.
func (g *ResourceGrid) Reset(slot core.SlotPoint) {
	g.slot = slot
	for i := range g.symbols {
		g.symbols[i].reset()
	}
}

// ResourceGridRing keeps one grid per slot for a window of future slots.
type ResourceGridRing struct {
	grids []*ResourceGrid
	mask  uint32
}

// NewResourceGridRing creates a ring of at least minSize grids, rounded up to a power of two.
func NewResourceGridRing(nofPRBs, minSize int) *ResourceGridRing {
	size := 1
	for size < minSize {
		size <<= 1
	}
	r := &ResourceGridRing{grids: make([]*ResourceGrid, size), mask: uint32(size - 1)}
	for i := range r.grids {
		r.grids[i] = NewResourceGrid(nofPRBs)
	}
	return r
}

// Size returns the number of slots the ring holds.
func (r *ResourceGridRing) Size() int { return len(r.grids) }

// Get returns the grid of slot, resetting a stale entry left over from a slot that wrapped.
func (r *ResourceGridRing) Get(slot core.SlotPoint) *ResourceGrid {
	g := r.grids[slot.Count()&r.mask]
	if !g.slot.Valid() || !g.slot.Equal(slot) {
		g.Reset(slot)
	}
	return g
}

func (g *ResourceGrid) String() string {
	return fmt.Sprintf("grid{slot=%s used_prbs=%d/%d}", g.slot, g.UsedPRBs(), g.nofPRBs)
}
