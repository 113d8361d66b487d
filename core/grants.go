package core

import "fmt"

// AggregationLevel is the number of CCEs used by one PDCCH candidate.
type AggregationLevel uint8

const (
	AL1 AggregationLevel = iota
	AL2
	AL4
	AL8
	AL16
)

// NofAggregationLevels is the number of defined aggregation levels.
const NofAggregationLevels = 5

// ToCCEs returns the CCE count of the aggregation level.
func ToCCEs(al AggregationLevel) int { return 1 << al }

func (al AggregationLevel) String() string { return fmt.Sprintf("AL%d", ToCCEs(al)) }

// DCIFormat identifies the DCI payload of a grant.
type DCIFormat uint8

const (
	DCIFormat1_0 DCIFormat = iota
	DCIFormat1_1
	DCIFormat0_0
	DCIFormat0_1
)

func (f DCIFormat) String() string {
	switch f {
	case DCIFormat1_0:
		return "1_0"
	case DCIFormat1_1:
		return "1_1"
	case DCIFormat0_0:
		return "0_0"
	case DCIFormat0_1:
		return "0_1"
	}
	return "unknown"
}

// Interval is a half-open range [Start, Stop).
type Interval struct {
	Start int
	Stop  int
}

// Length returns Stop - Start.
func (i Interval) Length() int { return i.Stop - i.Start }

// Empty reports a zero-length interval.
func (i Interval) Empty() bool { return i.Stop <= i.Start }

// Overlaps reports whether both intervals share at least one element.
func (i Interval) Overlaps(o Interval) bool {
	return !i.Empty() && !o.Empty() && i.Start < o.Stop && o.Start < i.Stop
}

// Contains reports whether o lies entirely within i.
func (i Interval) Contains(o Interval) bool {
	return o.Start >= i.Start && o.Stop <= i.Stop
}

func (i Interval) String() string { return fmt.Sprintf("[%d,%d)", i.Start, i.Stop) }

// PDCCHContext describes where a DCI was placed.
type PDCCHContext struct {
	CORESET     CORESETID
	SearchSpace SearchSpaceID
	CCEIndex    int
	AggLevel    AggregationLevel
	RBs         Interval
	Symbols     Interval
}

// PDCCHDL is a downlink DCI allocated in the slot.
type PDCCHDL struct {
	RNTI   RNTI
	Format DCIFormat
	Ctx    PDCCHContext
}

// PDCCHUL is an uplink DCI allocated in the slot.
type PDCCHUL struct {
	RNTI   RNTI
	Format DCIFormat
	Ctx    PDCCHContext
}

// PDSCHGrant is a UE downlink data allocation.
type PDSCHGrant struct {
	UE       UEIndex
	RNTI     RNTI
	PRBs     Interval
	Symbols  Interval
	MCS      uint8
	TBSBytes int
	LCIDs    []LCID
}

// PUSCHGrant is a UE uplink data allocation.
type PUSCHGrant struct {
	UE       UEIndex
	RNTI     RNTI
	Slot     SlotPoint
	PRBs     Interval
	Symbols  Interval
	MCS      uint8
	TBSBytes int
}

// SSBInfo is a scheduled SS/PBCH block.
type SSBInfo struct {
	SSBIndex uint8
	Symbols  Interval
	PRBs     Interval
}

// SIBInfo is a scheduled system information broadcast.
type SIBInfo struct {
	SIIndicator uint8
	PRBs        Interval
	Symbols     Interval
	TBSBytes    int
}

// DLSchedResult holds everything scheduled for the downlink in one slot.
type DLSchedResult struct {
	Slot     SlotPoint
	SSBs     []SSBInfo
	SIBs     []SIBInfo
	DLPDCCHs []PDCCHDL
	ULPDCCHs []PDCCHUL
	UEGrants []PDSCHGrant
}

// ULSchedResult holds uplink allocations that land in Slot.
type ULSchedResult struct {
	Slot   SlotPoint
	PUSCHs []PUSCHGrant
	SRs    []RNTI
}

// SchedFailures counts dropped allocations of one slot.
type SchedFailures struct {
	PDCCH int
	PDSCH int
	PUSCH int
}

// SchedResult is the output of one scheduler slot indication.
type SchedResult struct {
	DL     DLSchedResult
	UL     ULSchedResult
	Failed SchedFailures
}

// Reset empties the result while keeping capacity.
func (r *SchedResult) Reset(slot SlotPoint) {
	r.DL.Slot = slot
	r.DL.SSBs = r.DL.SSBs[:0]
	r.DL.SIBs = r.DL.SIBs[:0]
	r.DL.DLPDCCHs = r.DL.DLPDCCHs[:0]
	r.DL.ULPDCCHs = r.DL.ULPDCCHs[:0]
	r.DL.UEGrants = r.DL.UEGrants[:0]
	r.UL.PUSCHs = r.UL.PUSCHs[:0]
	r.UL.SRs = r.UL.SRs[:0]
	r.Failed = SchedFailures{}
}

// SSBPDU is the PHY-facing description of an SSB transmission.
type SSBPDU struct {
	PCI              uint16
	SSBIndex         uint8
	SFN              uint32
	HalfFrame        bool
	BetaPSS          uint8
	SubcarrierOffset uint8
	MIB              []byte
}

// DLPDU is one assembled transport block.
type DLPDU struct {
	RNTI    RNTI
	Payload []byte
}

// DLDataResult carries the assembled payloads for the DL grants of a slot.
type DLDataResult struct {
	Slot   SlotPoint
	SSBs   []SSBPDU
	SIBs   []DLPDU
	UEPDUs []DLPDU
}
