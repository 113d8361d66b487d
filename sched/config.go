package sched

import (
	"errors"
	"fmt"

	"github.com/Readm/gnb_sim/core"
)

// Limits taken from TS 38.211/38.213.
const (
	MaxNofPRBs          = 275
	MaxCORESETDuration  = 3
	NofREGsPerCCE       = 6
	MaxPDCCHCandidates  = 8
	MaxNofReservedPRBs  = 8
	DefaultMaxUEs       = 1024
	defaultGridRingSize = 16
)

// CORESETConfig describes a non-interleaved control resource set.
type CORESETConfig struct {
	ID       core.CORESETID `mapstructure:"id"`
	StartPRB int            `mapstructure:"start_prb"`
	NofPRBs  int            `mapstructure:"nof_prbs"`
	Duration int            `mapstructure:"duration"`
}

// NofCCEs is the number of CCEs the CORESET spans.
func (c CORESETConfig) NofCCEs() int {
	return c.NofPRBs * c.Duration / NofREGsPerCCE
}

// Symbols is the symbol interval of the CORESET, starting at symbol 0.
func (c CORESETConfig) Symbols() core.Interval {
	return core.Interval{Start: 0, Stop: c.Duration}
}

// CCEToRBs maps a CCE range of a non-interleaved CORESET onto PRBs.
func (c CORESETConfig) CCEToRBs(cce, nofCCEs int) core.Interval {
	return core.Interval{
		Start: c.StartPRB + cce*NofREGsPerCCE/c.Duration,
		Stop:  c.StartPRB + (cce+nofCCEs)*NofREGsPerCCE/c.Duration,
	}
}

// SearchSpaceConfig lists the PDCCH candidates monitored per aggregation level.
type SearchSpaceConfig struct {
	ID            core.SearchSpaceID             `mapstructure:"id"`
	CORESET       core.CORESETID                 `mapstructure:"coreset"`
	Common        bool                           `mapstructure:"common"`
	NofCandidates [core.NofAggregationLevels]int `mapstructure:"nof_candidates"`
}

// CellConfig is the static configuration of one scheduled cell.
type CellConfig struct {
	Cell            core.CellIndex      `mapstructure:"cell"`
	PCI             uint16              `mapstructure:"pci"`
	Numerology      uint8               `mapstructure:"numerology"`
	NofPRBs         int                 `mapstructure:"nof_prbs"`
	CORESETs        []CORESETConfig     `mapstructure:"coresets"`
	SearchSpaces    []SearchSpaceConfig `mapstructure:"search_spaces"`
	SSBPeriodSlots  int                 `mapstructure:"ssb_period_slots"`
	SSBPRBs         core.Interval       `mapstructure:"ssb_prbs"`
	SIB1PeriodSlots int                 `mapstructure:"sib1_period_slots"`
	SIB1Bytes       int                 `mapstructure:"sib1_bytes"`
	PDSCHSymbols    core.Interval       `mapstructure:"pdsch_symbols"`
	PUSCHSymbols    core.Interval       `mapstructure:"pusch_symbols"`
	K2              int                 `mapstructure:"k2"`
	MaxUEs          int                 `mapstructure:"max_ues"`
	MaxPDCCHPerSlot int                 `mapstructure:"max_pdcch_per_slot"`
	MaxUEGrants     int                 `mapstructure:"max_ue_grants"`
	ReservedPRBs    []core.Interval     `mapstructure:"reserved_prbs"`
	SRPeriodSlots   int                 `mapstructure:"sr_period_slots"`
	MetricsPeriod   int                 `mapstructure:"metrics_period_slots"`
}

// DefaultCellConfig returns a 20 MHz, 30 kHz SCS cell with a 16 CCE CORESET#0.
func DefaultCellConfig(cell core.CellIndex) CellConfig {
	return CellConfig{
		Cell:       cell,
		PCI:        uint16(cell) + 1,
		Numerology: 1,
		NofPRBs:    51,
		CORESETs: []CORESETConfig{
			{ID: 0, StartPRB: 0, NofPRBs: 48, Duration: 2},
		},
		SearchSpaces: []SearchSpaceConfig{
			{ID: 0, CORESET: 0, Common: true, NofCandidates: [core.NofAggregationLevels]int{0, 0, 4, 2, 1}},
			{ID: 1, CORESET: 0, Common: false, NofCandidates: [core.NofAggregationLevels]int{0, 2, 2, 1, 0}},
		},
		SSBPeriodSlots:  20,
		SSBPRBs:         core.Interval{Start: 0, Stop: 20},
		SIB1PeriodSlots: 160,
		SIB1Bytes:       101,
		PDSCHSymbols:    core.Interval{Start: 2, Stop: core.NofOFDMSymbolsPerSlot},
		PUSCHSymbols:    core.Interval{Start: 0, Stop: core.NofOFDMSymbolsPerSlot},
		K2:              4,
		MaxUEs:          DefaultMaxUEs,
		MaxPDCCHPerSlot: 8,
		MaxUEGrants:     8,
		SRPeriodSlots:   40,
		MetricsPeriod:   1000,
	}
}

// CORESET looks up a CORESET by id.
func (c *CellConfig) CORESET(id core.CORESETID) (CORESETConfig, bool) {
	for _, cs := range c.CORESETs {
		if cs.ID == id {
			return cs, true
		}
	}
	return CORESETConfig{}, false
}

// SearchSpace looks up a search space by id.
func (c *CellConfig) SearchSpace(id core.SearchSpaceID) (SearchSpaceConfig, bool) {
	for _, ss := range c.SearchSpaces {
		if ss.ID == id {
			return ss, true
		}
	}
	return SearchSpaceConfig{}, false
}

// CommonSearchSpace returns the first common search space.
func (c *CellConfig) CommonSearchSpace() (SearchSpaceConfig, bool) {
	for _, ss := range c.SearchSpaces {
		if ss.Common {
			return ss, true
		}
	}
	return SearchSpaceConfig{}, false
}

// UESearchSpace returns the first UE-specific search space, falling back to the common one.
func (c *CellConfig) UESearchSpace() (SearchSpaceConfig, bool) {
	for _, ss := range c.SearchSpaces {
		if !ss.Common {
			return ss, true
		}
	}
	return c.CommonSearchSpace()
}

// Validate reports every problem with the configuration.
func (c *CellConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Numerology > core.MaxNumerology {
		add("numerology %d exceeds %d", c.Numerology, core.MaxNumerology)
	}
	if c.NofPRBs <= 0 || c.NofPRBs > MaxNofPRBs {
		add("nof_prbs %d outside 1..%d", c.NofPRBs, MaxNofPRBs)
	}
	if len(c.CORESETs) == 0 {
		add("at least one CORESET is required")
	}
	seenCS := make(map[core.CORESETID]bool)
	for _, cs := range c.CORESETs {
		if seenCS[cs.ID] {
			add("duplicate CORESET %d", cs.ID)
		}
		seenCS[cs.ID] = true
		if cs.Duration < 1 || cs.Duration > MaxCORESETDuration {
			add("CORESET %d duration %d outside 1..%d", cs.ID, cs.Duration, MaxCORESETDuration)
		}
		if cs.NofPRBs <= 0 || cs.NofPRBs%NofREGsPerCCE != 0 {
			add("CORESET %d nof_prbs %d must be a positive multiple of %d", cs.ID, cs.NofPRBs, NofREGsPerCCE)
		}
		if cs.StartPRB < 0 || cs.StartPRB+cs.NofPRBs > c.NofPRBs {
			add("CORESET %d [%d,%d) exceeds carrier of %d PRBs", cs.ID, cs.StartPRB, cs.StartPRB+cs.NofPRBs, c.NofPRBs)
		}
		if cs.Duration > 0 && cs.Duration > c.PDSCHSymbols.Start {
			add("CORESET %d duration %d overlaps PDSCH start symbol %d", cs.ID, cs.Duration, c.PDSCHSymbols.Start)
		}
	}
	hasCommon := false
	for _, ss := range c.SearchSpaces {
		if !seenCS[ss.CORESET] {
			add("search space %d references unknown CORESET %d", ss.ID, ss.CORESET)
		}
		hasCommon = hasCommon || ss.Common
		for lvl, n := range ss.NofCandidates {
			if n < 0 || n > MaxPDCCHCandidates {
				add("search space %d %s candidates %d outside 0..%d", ss.ID, core.AggregationLevel(lvl), n, MaxPDCCHCandidates)
			}
		}
	}
	if !hasCommon {
		add("a common search space is required")
	}
	if c.SSBPeriodSlots <= 0 {
		add("ssb_period_slots must be positive")
	}
	if c.SSBPRBs.Empty() || c.SSBPRBs.Stop > c.NofPRBs {
		add("ssb_prbs %s invalid for %d PRBs", c.SSBPRBs, c.NofPRBs)
	}
	if c.SIB1PeriodSlots < 0 {
		add("sib1_period_slots must not be negative")
	}
	if c.PDSCHSymbols.Empty() || c.PDSCHSymbols.Stop > core.NofOFDMSymbolsPerSlot {
		add("pdsch_symbols %s invalid", c.PDSCHSymbols)
	}
	if c.PUSCHSymbols.Empty() || c.PUSCHSymbols.Stop > core.NofOFDMSymbolsPerSlot {
		add("pusch_symbols %s invalid", c.PUSCHSymbols)
	}
	if c.K2 < 0 || c.K2 > 32 {
		add("k2 %d outside 0..32", c.K2)
	}
	if c.MaxUEs <= 0 || c.MaxUEs > DefaultMaxUEs {
		add("max_ues %d outside 1..%d", c.MaxUEs, DefaultMaxUEs)
	}
	if c.MaxPDCCHPerSlot <= 0 {
		add("max_pdcch_per_slot must be positive")
	}
	if c.MaxUEGrants <= 0 {
		add("max_ue_grants must be positive")
	}
	if c.SRPeriodSlots < 0 {
		add("sr_period_slots must not be negative")
	}
	if c.MetricsPeriod < 0 {
		add("metrics_period_slots must not be negative")
	}
	if len(c.ReservedPRBs) > MaxNofReservedPRBs {
		add("at most %d reserved PRB intervals", MaxNofReservedPRBs)
	}
	for _, iv := range c.ReservedPRBs {
		if iv.Empty() || iv.Start < 0 || iv.Stop > c.NofPRBs {
			add("reserved PRBs %s invalid", iv)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("cell %d: %w", c.Cell, errors.Join(errs...))
}
