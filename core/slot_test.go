package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotPointFields(t *testing.T) {
	sl := NewSlotPoint(1, 10, 7)
	assert.Equal(t, uint32(10), sl.SFN())
	assert.Equal(t, uint32(7), sl.Slot())
	assert.Equal(t, uint32(3), sl.SubframeIndex())
	assert.Equal(t, "10.7", sl.String())
	assert.True(t, sl.Valid())
	assert.False(t, SlotPoint{}.Valid())
}

func TestSlotPointWrapsAtHyperframe(t *testing.T) {
	last := NewSlotPoint(0, NofSFNs-1, 9)
	next := last.Add(1)
	require.Equal(t, uint32(0), next.SFN())
	require.Equal(t, uint32(0), next.Slot())

	assert.Equal(t, 1, next.Sub(last))
	assert.Equal(t, -1, last.Sub(next))
	assert.True(t, last.Less(next), "ordering must survive the wrap")
	assert.Equal(t, last, next.Add(-1))
}

func TestSlotPointOrdering(t *testing.T) {
	a := SlotPointFromCount(0, 100)
	b := SlotPointFromCount(0, 101)
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
	assert.True(t, a.Equal(SlotPointFromCount(0, 100)))
}

func TestIntervalOverlap(t *testing.T) {
	a := Interval{Start: 0, Stop: 4}
	assert.True(t, a.Overlaps(Interval{Start: 3, Stop: 6}))
	assert.False(t, a.Overlaps(Interval{Start: 4, Stop: 6}))
	assert.False(t, a.Overlaps(Interval{}))
	assert.True(t, a.Contains(Interval{Start: 1, Stop: 2}))
	assert.Equal(t, 4, a.Length())
}

func TestRNTIRanges(t *testing.T) {
	assert.True(t, RNTI(0x4601).IsCRNTI())
	assert.False(t, SIRNTI.IsCRNTI())
	assert.False(t, InvalidRNTI.IsCRNTI())
	assert.Equal(t, 16, ToCCEs(AL16))
}
