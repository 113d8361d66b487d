package core

import "fmt"

// RNTI is the radio network temporary identifier of a UE within a cell.
type RNTI uint16

const (
	InvalidRNTI RNTI = 0x0000
	MinCRNTI    RNTI = 0x0001
	MaxCRNTI    RNTI = 0xFFEF
	PRNTI       RNTI = 0xFFFE
	SIRNTI      RNTI = 0xFFFF
)

// IsCRNTI reports whether the value lies in the C-RNTI range.
func (r RNTI) IsCRNTI() bool { return r >= MinCRNTI && r <= MaxCRNTI }

func (r RNTI) String() string { return fmt.Sprintf("0x%04x", uint16(r)) }

// RARNTI computes the RA-RNTI for a PRACH occasion (TS 38.321 5.1.3).
func RARNTI(symbolID, slotID, freqID, ulCarrierID uint16) RNTI {
	return RNTI(1 + symbolID + 14*slotID + 14*80*freqID + 14*80*8*ulCarrierID)
}

// UEIndex is the cell-group scoped index of a UE context.
type UEIndex uint16

// InvalidUEIndex marks an absent UE.
const InvalidUEIndex UEIndex = 0xFFFF

// Valid reports whether the index refers to a UE.
func (i UEIndex) Valid() bool { return i != InvalidUEIndex }

// CellIndex identifies a cell served by the DU.
type CellIndex uint8

// LCID is a MAC logical channel identifier.
type LCID uint8

const (
	LCIDSRB0    LCID = 0
	LCIDSRB1    LCID = 1
	LCIDSRB2    LCID = 2
	LCIDMinDRB  LCID = 4
	LCIDMaxDRB  LCID = 32
	LCIDPadding LCID = 63
)

// MaxNofLCIDs bounds the per-UE logical channel arrays.
const MaxNofLCIDs = 33

// SearchSpaceID identifies a PDCCH search space of the BWP.
type SearchSpaceID uint8

// CORESETID identifies a control resource set.
type CORESETID uint8
