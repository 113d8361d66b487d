package sched

import (
	"math/bits"

	"github.com/Readm/gnb_sim/core"
)

// rbBitmap stores occupancy bits for a row of resource blocks or CCEs.
type rbBitmap struct {
	words []uint64
	size  int
}

func newRBBitmap(size int) rbBitmap {
	return rbBitmap{words: make([]uint64, (size+63)/64), size: size}
}

func (b *rbBitmap) clip(iv core.Interval) core.Interval {
	if iv.Start < 0 {
		iv.Start = 0
	}
	if iv.Stop > b.size {
		iv.Stop = b.size
	}
	return iv
}

// span walks the words touched by iv and hands each word index with its mask to fn.
// fn returning false stops the walk.
func (b *rbBitmap) span(iv core.Interval, fn func(word int, mask uint64) bool) {
	iv = b.clip(iv)
	for pos := iv.Start; pos < iv.Stop; {
		word := pos / 64
		bit := uint(pos % 64)
		n := 64 - int(bit)
		if rem := iv.Stop - pos; rem < n {
			n = rem
		}
		mask := ^uint64(0)
		if n < 64 {
			mask = (uint64(1)<<uint(n) - 1) << bit
		}
		if !fn(word, mask) {
			return
		}
		pos += n
	}
}

func (b *rbBitmap) fill(iv core.Interval) {
	b.span(iv, func(word int, mask uint64) bool {
		b.words[word] |= mask
		return true
	})
}

func (b *rbBitmap) clear(iv core.Interval) {
	b.span(iv, func(word int, mask uint64) bool {
		b.words[word] &^= mask
		return true
	})
}

func (b *rbBitmap) any(iv core.Interval) bool {
	found := false
	b.span(iv, func(word int, mask uint64) bool {
		found = b.words[word]&mask != 0
		return !found
	})
	return found
}

func (b *rbBitmap) test(pos int) bool {
	if pos < 0 || pos >= b.size {
		return false
	}
	return b.words[pos/64]&(uint64(1)<<uint(pos%64)) != 0
}

func (b *rbBitmap) count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// or merges other into b. Both must have the same size.
func (b *rbBitmap) or(other *rbBitmap) {
	for i := range b.words {
		b.words[i] |= other.words[i]
	}
}

// firstFree returns the first run of up to n free positions inside within, preferring a
// full run of n. A shorter run is returned only when no full one exists.
func (b *rbBitmap) firstFree(n int, within core.Interval) core.Interval {
	within = b.clip(within)
	best := core.Interval{}
	run := core.Interval{Start: within.Start, Stop: within.Start}
	for pos := within.Start; pos < within.Stop; pos++ {
		if b.test(pos) {
			run = core.Interval{Start: pos + 1, Stop: pos + 1}
			continue
		}
		run.Stop = pos + 1
		if run.Length() >= n {
			return run
		}
		if run.Length() > best.Length() {
			best = run
		}
	}
	return best
}

func (b *rbBitmap) isZero() bool {
	for _, w := range b.words {
		if w != 0 {
			return false
		}
	}
	return true
}

func (b *rbBitmap) reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}
