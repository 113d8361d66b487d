package main

import (
	"time"

	"github.com/Readm/gnb_sim/cucp"
)

// Preset is a named, ready to run configuration.
type Preset struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Config      *Config `json:"-"`
}

const defaultSIB1 = "gnbsim-sib1"

func presetCell(pci uint16) CellConfig {
	return CellConfig{
		PCI:             pci,
		NRCGI:           0x19b000 + uint64(pci),
		TAC:             7,
		Numerology:      1,
		NofPRBs:         51,
		SSBPeriodSlots:  20,
		SIB1PeriodSlots: 160,
		SIB1:            defaultSIB1,
	}
}

func baseConfig() *Config {
	return &Config{
		Log:       LogConfig{Level: "info"},
		Cells:     []CellConfig{presetCell(1)},
		Scheduler: SchedulerConfig{Policy: "rr", MaxUEGrantsPerSlot: 8, MetricsPeriodSlots: 1000},
		Clock:     ClockConfig{SlotDuration: 500 * time.Microsecond, TotalSlots: 4000},
		Traffic:   TrafficConfig{UEs: 1, RatePerSlot: 1, SDUBytes: 500, ULBytes: 200},
		GTPU:      GTPUConfig{EnableSeq: true},
		CUCP: CUCPConfig{
			MaxUEs:           cucp.DefaultMaxUEs,
			MaxSetupRetries:  3,
			NGSetupTimeout:   50,
			ProcedureTimeout: 100,
			HandoverTimeout:  200,
		},
		Web:     WebConfig{Addr: "127.0.0.1:8080", TraceEverySlots: 10},
		Metrics: MetricsConfig{Format: "log"},
	}
}

// GetPredefinedConfigs returns all available presets.
func GetPredefinedConfigs() []Preset {
	single := baseConfig()

	rr := baseConfig()
	rr.Traffic.UEs = 8
	rr.Traffic.RatePerSlot = 2

	pf := baseConfig()
	pf.Scheduler.Policy = "pf"
	pf.Traffic.UEs = 8
	pf.Traffic.RatePerSlot = 2

	two := baseConfig()
	two.Cells = []CellConfig{presetCell(1), presetCell(2)}
	two.Traffic.UEs = 4

	return []Preset{
		{Name: "single_cell", Description: "One 20 MHz cell with a single UE and light DL traffic", Config: single},
		{Name: "multi_ue_rr", Description: "One cell, 8 UEs with saturating DL traffic, round robin", Config: rr},
		{Name: "multi_ue_pf", Description: "One cell, 8 UEs with saturating DL traffic, proportional fair", Config: pf},
		{Name: "two_cells", Description: "Two cells served by one DU, 4 UEs each", Config: two},
	}
}

// GetConfigByName returns a fresh copy of a preset, or nil when unknown.
func GetConfigByName(name string) *Config {
	for _, p := range GetPredefinedConfigs() {
		if p.Name == name {
			return p.Config.clone()
		}
	}
	return nil
}
