package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/logging"
	"github.com/Readm/gnb_sim/mac"
	"github.com/Readm/gnb_sim/policy"
)

const (
	DefaultTotalSlots      = 4000
	DefaultSDUBytes        = 500
	DefaultTraceEverySlots = 10
	maxCells               = 16
)

// ValidateConfig applies structural checks to Config and populates defaults where required.
// The cell configurations are checked the way the cell constructors will check them.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	if len(cfg.Cells) == 0 {
		return errors.New("at least one cell is required")
	}
	if len(cfg.Cells) > maxCells {
		return fmt.Errorf("at most %d cells are supported, got %d", maxCells, len(cfg.Cells))
	}
	if cfg.Clock.TotalSlots < 0 {
		return fmt.Errorf("clock.total_slots must be non-negative, got %d", cfg.Clock.TotalSlots)
	}
	if cfg.Clock.SlotDuration < 0 {
		return fmt.Errorf("clock.slot_duration must be non-negative, got %s", cfg.Clock.SlotDuration)
	}
	if cfg.Traffic.UEs < 0 {
		return fmt.Errorf("traffic.ues must be non-negative, got %d", cfg.Traffic.UEs)
	}
	if cfg.Traffic.RatePerSlot < 0 {
		return fmt.Errorf("traffic.rate_per_slot must be non-negative, got %.3f", cfg.Traffic.RatePerSlot)
	}
	if cfg.Traffic.UEs*len(cfg.Cells) > int(core.MaxCRNTI-firstCRNTI) {
		return fmt.Errorf("%d UEs exceed the C-RNTI range", cfg.Traffic.UEs*len(cfg.Cells))
	}
	if cfg.Scheduler.Policy == "" {
		cfg.Scheduler.Policy = "rr"
	}
	if _, err := policy.New(cfg.Scheduler.Policy); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Metrics.Format) {
	case "":
		cfg.Metrics.Format = "log"
	case "log", "json", "table":
	default:
		return fmt.Errorf("metrics.format must be log, json or table, got %q", cfg.Metrics.Format)
	}

	seenPCI := make(map[uint16]bool, len(cfg.Cells))
	seenCGI := make(map[uint64]bool, len(cfg.Cells))
	for i := range cfg.Cells {
		c := &cfg.Cells[i]
		if c.PCI > mac.MaxPCI {
			return fmt.Errorf("cell %d: pci %d exceeds %d", i, c.PCI, mac.MaxPCI)
		}
		if seenPCI[c.PCI] {
			return fmt.Errorf("cell %d: duplicate pci %d", i, c.PCI)
		}
		seenPCI[c.PCI] = true
		if c.NRCGI == 0 {
			c.NRCGI = 0x19b000 + uint64(c.PCI)
		}
		if seenCGI[c.NRCGI] {
			return fmt.Errorf("cell %d: duplicate nrcgi %d", i, c.NRCGI)
		}
		seenCGI[c.NRCGI] = true
		if c.SIB1 == "" {
			c.SIB1 = defaultSIB1
		}
		idx := core.CellIndex(i)
		sc := c.schedConfig(idx, cfg.Scheduler)
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("cell %d: %w", i, err)
		}
		if err := c.macConfig(idx).Validate(); err != nil {
			return fmt.Errorf("cell %d: %w", i, err)
		}
	}

	if cfg.Clock.TotalSlots == 0 {
		cfg.Clock.TotalSlots = DefaultTotalSlots
	}
	if cfg.Traffic.SDUBytes <= 0 {
		cfg.Traffic.SDUBytes = DefaultSDUBytes
	}
	if cfg.Web.Enabled && cfg.Web.Addr == "" {
		cfg.Web.Addr = "127.0.0.1:8080"
	}
	if cfg.Web.TraceEverySlots <= 0 {
		cfg.Web.TraceEverySlots = DefaultTraceEverySlots
	}
	if cfg.Clock.SlotDuration > time.Second {
		return fmt.Errorf("clock.slot_duration %s is longer than a second", cfg.Clock.SlotDuration)
	}

	return nil
}
