package core

import "fmt"

const (
	// NofSFNs is the number of system frames in one hyperframe period.
	NofSFNs = 1024
	// NofSubframesPerFrame is fixed at 10 for every numerology.
	NofSubframesPerFrame = 10
	// MaxNumerology is the highest supported subcarrier spacing index (240 kHz).
	MaxNumerology = 4
)

// SlotsPerSubframe returns 2^numerology.
func SlotsPerSubframe(numerology uint8) int {
	return 1 << numerology
}

// SlotsPerFrame returns the number of slots in a 10 ms frame.
func SlotsPerFrame(numerology uint8) int {
	return NofSubframesPerFrame * SlotsPerSubframe(numerology)
}

// SlotPoint identifies a transmission opportunity: (numerology, count within hyperframe).
// The count is sfn*slotsPerFrame + slot and wraps at the hyperframe boundary.
type SlotPoint struct {
	numerology uint8
	count      uint32
	valid      bool
}

// NewSlotPoint builds a slot point from SFN and slot index within the frame.
func NewSlotPoint(numerology uint8, sfn uint32, slot uint32) SlotPoint {
	if numerology > MaxNumerology {
		panic(fmt.Sprintf("invalid numerology %d", numerology))
	}
	spf := uint32(SlotsPerFrame(numerology))
	if sfn >= NofSFNs || slot >= spf {
		panic(fmt.Sprintf("invalid slot point sfn=%d slot=%d numerology=%d", sfn, slot, numerology))
	}
	return SlotPoint{numerology: numerology, count: sfn*spf + slot, valid: true}
}

// SlotPointFromCount builds a slot point from a raw count, reduced modulo the hyperframe.
func SlotPointFromCount(numerology uint8, count uint32) SlotPoint {
	period := hyperframeSlots(numerology)
	return SlotPoint{numerology: numerology, count: count % period, valid: true}
}

func hyperframeSlots(numerology uint8) uint32 {
	return uint32(NofSFNs * SlotsPerFrame(numerology))
}

// Valid reports whether the slot point was initialized.
func (s SlotPoint) Valid() bool { return s.valid }

// Numerology returns the subcarrier spacing index.
func (s SlotPoint) Numerology() uint8 { return s.numerology }

// Count returns the raw slot count within the hyperframe.
func (s SlotPoint) Count() uint32 { return s.count }

// SFN returns the system frame number.
func (s SlotPoint) SFN() uint32 { return s.count / uint32(SlotsPerFrame(s.numerology)) }

// Slot returns the slot index within the frame.
func (s SlotPoint) Slot() uint32 { return s.count % uint32(SlotsPerFrame(s.numerology)) }

// SubframeIndex returns the subframe (0..9) containing this slot.
func (s SlotPoint) SubframeIndex() uint32 {
	return s.Slot() / uint32(SlotsPerSubframe(s.numerology))
}

// Add returns the slot point n slots later (n may be negative).
func (s SlotPoint) Add(n int) SlotPoint {
	period := int64(hyperframeSlots(s.numerology))
	v := (int64(s.count) + int64(n)) % period
	if v < 0 {
		v += period
	}
	return SlotPoint{numerology: s.numerology, count: uint32(v), valid: s.valid}
}

// Sub returns the signed distance s - other, taking the shortest way around the hyperframe.
func (s SlotPoint) Sub(other SlotPoint) int {
	period := int64(hyperframeSlots(s.numerology))
	d := (int64(s.count) - int64(other.count)) % period
	if d < 0 {
		d += period
	}
	if d >= period/2 {
		d -= period
	}
	return int(d)
}

// Less reports whether s comes strictly before other.
func (s SlotPoint) Less(other SlotPoint) bool { return s.Sub(other) < 0 }

// Equal compares numerology and count.
func (s SlotPoint) Equal(other SlotPoint) bool {
	return s.numerology == other.numerology && s.count == other.count && s.valid == other.valid
}

func (s SlotPoint) String() string {
	if !s.valid {
		return "invalid"
	}
	return fmt.Sprintf("%d.%d", s.SFN(), s.Slot())
}
