package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Readm/gnb_sim/core"
)

func TestBitmapAcrossWordBoundary(t *testing.T) {
	bm := newRBBitmap(130)
	bm.fill(core.Interval{Start: 60, Stop: 70})
	assert.Equal(t, 10, bm.count())
	assert.True(t, bm.any(core.Interval{Start: 69, Stop: 80}))
	assert.False(t, bm.any(core.Interval{Start: 70, Stop: 130}))
	assert.True(t, bm.test(63))
	assert.True(t, bm.test(64))

	bm.clear(core.Interval{Start: 62, Stop: 66})
	assert.Equal(t, 6, bm.count())
	assert.False(t, bm.test(64))

	bm.fill(core.Interval{Start: 0, Stop: 500})
	assert.Equal(t, 130, bm.count())
	bm.reset()
	assert.True(t, bm.isZero())
}

func TestBitmapFirstFree(t *testing.T) {
	bm := newRBBitmap(20)
	bm.fill(core.Interval{Start: 3, Stop: 5})
	bm.fill(core.Interval{Start: 8, Stop: 9})

	assert.Equal(t, core.Interval{Start: 0, Stop: 3}, bm.firstFree(3, core.Interval{Start: 0, Stop: 20}))
	assert.Equal(t, core.Interval{Start: 9, Stop: 13}, bm.firstFree(4, core.Interval{Start: 0, Stop: 20}))
	// no run of 15: the widest run wins
	assert.Equal(t, core.Interval{Start: 9, Stop: 20}, bm.firstFree(15, core.Interval{Start: 0, Stop: 20}))
	assert.True(t, bm.firstFree(2, core.Interval{Start: 3, Stop: 5}).Empty())
}

func TestResourceGridFillCollides(t *testing.T) {
	g := NewResourceGrid(51)
	g.Fill(core.Interval{Start: 2, Stop: 6}, core.Interval{Start: 0, Stop: 20})

	assert.True(t, g.Collides(core.Interval{Start: 5, Stop: 14}, core.Interval{Start: 19, Stop: 25}))
	assert.False(t, g.Collides(core.Interval{Start: 6, Stop: 14}, core.Interval{Start: 0, Stop: 20}))
	assert.False(t, g.Collides(core.Interval{Start: 0, Stop: 14}, core.Interval{Start: 20, Stop: 51}))
	assert.True(t, g.Collides(core.Interval{Start: 0, Stop: 1}, core.Interval{Start: 50, Stop: 52}), "out of carrier")
	assert.Equal(t, 20, g.UsedPRBs())

	free := g.FindFree(core.Interval{Start: 2, Stop: 14}, 10, core.Interval{Start: 0, Stop: 51})
	assert.Equal(t, core.Interval{Start: 20, Stop: 30}, free)
	assert.True(t, g.FindFree(core.Interval{Start: 2, Stop: 14}, 0, core.Interval{Start: 0, Stop: 51}).Empty())

	g.Clear(core.Interval{Start: 0, Stop: 14}, core.Interval{Start: 0, Stop: 51})
	assert.Equal(t, 0, g.UsedPRBs())
}

func TestResourceGridRingResetsStaleSlots(t *testing.T) {
	r := NewResourceGridRing(51, 6)
	require.Equal(t, 8, r.Size())

	s0 := core.SlotPointFromCount(1, 100)
	g := r.Get(s0)
	g.Fill(core.Interval{Start: 0, Stop: 14}, core.Interval{Start: 0, Stop: 10})
	assert.Same(t, g, r.Get(s0))
	assert.Equal(t, 10, r.Get(s0).UsedPRBs())

	// same ring position one lap later
	wrapped := r.Get(s0.Add(8))
	assert.Same(t, g, wrapped)
	assert.Equal(t, 0, wrapped.UsedPRBs())
	assert.True(t, wrapped.Slot().Equal(s0.Add(8)))
}
