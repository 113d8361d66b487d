package mac

import "github.com/Readm/gnb_sim/core"

// MIBConfig holds the MIB fields that do not change per slot.
type MIBConfig struct {
	SubcarrierSpacingCommon uint8 `mapstructure:"scs_common"`
	SubcarrierOffset        uint8 `mapstructure:"ssb_subcarrier_offset"`
	DMRSTypeAPosition       uint8 `mapstructure:"dmrs_typea_pos"`
	PDCCHConfigSIB1         uint8 `mapstructure:"pdcch_config_sib1"`
	CellBarred              bool  `mapstructure:"cell_barred"`
	IntraFreqReselection    bool  `mapstructure:"intra_freq_reselection"`
}

// ssbAssembler turns scheduled SSBs and SIBs into PHY payloads.
type ssbAssembler struct {
	pci  uint16
	mib  MIBConfig
	sib1 []byte
	buf  []byte
}

func newSSBAssembler(pci uint16, mib MIBConfig, sib1 []byte) *ssbAssembler {
	return &ssbAssembler{pci: pci, mib: mib, sib1: sib1}
}

// encodeMIB packs the 24-bit BCCH-BCH message (TS 38.331 MIB, 6 SFN MSBs).
func (a *ssbAssembler) encodeMIB(sfn uint32) []byte {
	var bits uint32
	put := func(v uint32, n uint) { bits = bits<<n | (v & (1<<n - 1)) }
	put(0, 1) // message choice: mib
	put(sfn>>4, 6)
	put(uint32(a.mib.SubcarrierSpacingCommon), 1)
	put(uint32(a.mib.SubcarrierOffset), 4)
	put(uint32(a.mib.DMRSTypeAPosition), 1)
	put(uint32(a.mib.PDCCHConfigSIB1), 8)
	put(boolBit(a.mib.CellBarred), 1)
	put(boolBit(a.mib.IntraFreqReselection), 1)
	put(0, 1) // spare
	return []byte{byte(bits >> 16), byte(bits >> 8), byte(bits)}
}

// EncodeMIB packs the MIB a cell with this configuration broadcasts in frame sfn.
func EncodeMIB(mib MIBConfig, sfn uint32) []byte {
	return (&ssbAssembler{mib: mib}).encodeMIB(sfn)
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (a *ssbAssembler) assembleSSBs(slot core.SlotPoint, ssbs []core.SSBInfo, out []core.SSBPDU) []core.SSBPDU {
	halfFrame := slot.Slot() >= uint32(core.SlotsPerFrame(slot.Numerology())/2)
	for _, ssb := range ssbs {
		out = append(out, core.SSBPDU{
			PCI:              a.pci,
			SSBIndex:         ssb.SSBIndex,
			SFN:              slot.SFN(),
			HalfFrame:        halfFrame,
			BetaPSS:          0,
			SubcarrierOffset: a.mib.SubcarrierOffset,
			MIB:              a.encodeMIB(slot.SFN()),
		})
	}
	return out
}

// assembleSIB returns the SIB1 payload padded to the scheduled TBS.
func (a *ssbAssembler) assembleSIB(sib core.SIBInfo) core.DLPDU {
	size := sib.TBSBytes
	if size < len(a.sib1) {
		size = len(a.sib1)
	}
	payload := make([]byte, size)
	copy(payload, a.sib1)
	return core.DLPDU{RNTI: core.SIRNTI, Payload: payload}
}
