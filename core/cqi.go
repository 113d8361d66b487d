package core

// MaxCQI is the highest CQI index of the 4-bit CQI tables.
const MaxCQI = 15

// spectral efficiency (bits per RE) for CQI 0..15, TS 38.214 Table 5.2.2.1-2
var cqiEfficiency = [MaxCQI + 1]float64{
	0, 0.1523, 0.2344, 0.3770, 0.6016, 0.8770, 1.1758, 1.4766,
	1.9141, 2.4063, 2.7305, 3.3223, 3.9023, 4.5234, 5.1152, 5.5547,
}

// CQIToSpectralEfficiency maps a CQI report to bits per resource element.
func CQIToSpectralEfficiency(cqi uint8) float64 {
	if cqi > MaxCQI {
		cqi = MaxCQI
	}
	return cqiEfficiency[cqi]
}

// CQIToMCS picks an MCS index (Table 5.1.3.1-1 range 0..28) roughly matching the CQI.
func CQIToMCS(cqi uint8) uint8 {
	if cqi == 0 {
		return 0
	}
	if cqi > MaxCQI {
		cqi = MaxCQI
	}
	return uint8((int(cqi)*28 + MaxCQI/2) / MaxCQI)
}

// NofSubcarriersPerRB is the number of subcarriers in one PRB.
const NofSubcarriersPerRB = 12

// NofOFDMSymbolsPerSlot is the symbol count of a normal cyclic prefix slot.
const NofOFDMSymbolsPerSlot = 14

// EstimateTBSBytes approximates the transport block size for nofPRBs over nofSymbols.
// One symbol per PRB is reserved for DM-RS.
func EstimateTBSBytes(cqi uint8, nofPRBs, nofSymbols int) int {
	dataSymbols := nofSymbols - 1
	if dataSymbols <= 0 || nofPRBs <= 0 {
		return 0
	}
	res := nofPRBs * NofSubcarriersPerRB * dataSymbols
	return int(float64(res)*CQIToSpectralEfficiency(cqi)) / 8
}

// PRBsForBytes returns the minimum PRB count carrying bytes, capped at maxPRBs.
func PRBsForBytes(bytes int, cqi uint8, nofSymbols, maxPRBs int) int {
	if bytes <= 0 || maxPRBs <= 0 {
		return 0
	}
	perPRB := EstimateTBSBytes(cqi, 1, nofSymbols)
	if perPRB <= 0 {
		return 0
	}
	n := (bytes + perPRB - 1) / perPRB
	if n > maxPRBs {
		n = maxPRBs
	}
	return n
}
