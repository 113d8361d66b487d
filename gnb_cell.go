package main

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/mac"
	"github.com/Readm/gnb_sim/sched"
)

const (
	firstCRNTI core.RNTI = 0x4601
	// reportedCQI is what every simulated UE reports.
	reportedCQI      = 12
	cellQueueSize    = 256
	defaultULLCGroup = 0
)

func (c CellConfig) schedConfig(idx core.CellIndex, s SchedulerConfig) sched.CellConfig {
	sc := sched.DefaultCellConfig(idx)
	sc.PCI = c.PCI
	sc.Numerology = c.Numerology
	if c.NofPRBs > 0 {
		sc.NofPRBs = c.NofPRBs
	}
	if c.SSBPeriodSlots > 0 {
		sc.SSBPeriodSlots = c.SSBPeriodSlots
	}
	if c.SIB1PeriodSlots > 0 {
		sc.SIB1PeriodSlots = c.SIB1PeriodSlots
	}
	if n := len(c.SIB1); n > sc.SIB1Bytes {
		sc.SIB1Bytes = n
	}
	if s.MaxUEGrantsPerSlot > 0 {
		sc.MaxUEGrants = s.MaxUEGrantsPerSlot
	}
	if s.MetricsPeriodSlots > 0 {
		sc.MetricsPeriod = s.MetricsPeriodSlots
	}
	return sc
}

func (c CellConfig) mib() mac.MIBConfig {
	return mac.MIBConfig{SubcarrierSpacingCommon: 1, DMRSTypeAPosition: 0, IntraFreqReselection: true}
}

func (c CellConfig) macConfig(idx core.CellIndex) mac.CellConfig {
	return mac.CellConfig{
		Cell:         idx,
		PCI:          c.PCI,
		MIB:          c.mib(),
		SIB1:         []byte(c.SIB1),
		SDUQueueSize: c.SDUQueueSize,
	}
}

// cellRuntime is one cell with its executor, scheduler and radio.
type cellRuntime struct {
	id    string
	cfg   CellConfig
	index core.CellIndex
	exec  *async.TaskWorker
	sched *sched.CellScheduler
	proc  *mac.CellProcessor
	phy   *loopbackPHY
}

// loopbackPHY stands in for the radio and the UEs of one cell. Every PUSCH decodes, UEs with
// UL backlog raise SRs and every SR occasion carries a CQI report.
type loopbackPHY struct {
	ul *mac.ControlInfoHandler

	mu        sync.Mutex
	ulBacklog map[core.RNTI]int

	dlGrants atomic.Uint64
	ulGrants atomic.Uint64
	dlBytes  atomic.Uint64
	ulBytes  atomic.Uint64
	ssbs     atomic.Uint64
	sibs     atomic.Uint64
}

func newLoopbackPHY() *loopbackPHY {
	return &loopbackPHY{ulBacklog: make(map[core.RNTI]int)}
}

func (p *loopbackPHY) OnNewDownlinkScheduler(res core.DLSchedResult) {
	p.dlGrants.Add(uint64(len(res.UEGrants)))
}

func (p *loopbackPHY) OnNewDownlinkData(res core.DLDataResult) {
	p.ssbs.Add(uint64(len(res.SSBs)))
	p.sibs.Add(uint64(len(res.SIBs)))
	for _, pdu := range res.UEPDUs {
		p.dlBytes.Add(uint64(len(pdu.Payload)))
	}
}

func (p *loopbackPHY) OnNewUplinkScheduler(res core.ULSchedResult) {
	if p.ul == nil {
		return
	}
	for _, g := range res.PUSCHs {
		p.ulGrants.Add(1)
		left := p.consumeUL(g.RNTI, g.TBSBytes)
		p.ul.HandleCRC(mac.CRCIndication{
			Slot:    res.Slot,
			RNTI:    g.RNTI,
			OK:      true,
			Payload: mac.EncodeShortBSR(defaultULLCGroup, left),
		})
	}
	for _, rnti := range res.SRs {
		p.ul.HandleUCI(mac.UCIIndication{
			Slot:   res.Slot,
			RNTI:   rnti,
			SR:     p.pendingUL(rnti) > 0,
			HasCQI: true,
			CQI:    reportedCQI,
		})
	}
}

// AddULData queues bytes at the UE, to be announced on its next SR occasion.
func (p *loopbackPHY) AddULData(rnti core.RNTI, bytes int) {
	p.mu.Lock()
	p.ulBacklog[rnti] += bytes
	p.mu.Unlock()
}

// ForgetUE drops the UL backlog of a released UE.
func (p *loopbackPHY) ForgetUE(rnti core.RNTI) {
	p.mu.Lock()
	delete(p.ulBacklog, rnti)
	p.mu.Unlock()
}

func (p *loopbackPHY) pendingUL(rnti core.RNTI) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ulBacklog[rnti]
}

func (p *loopbackPHY) consumeUL(rnti core.RNTI, tbs int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	served := min(tbs, p.ulBacklog[rnti])
	p.ulBacklog[rnti] -= served
	p.ulBytes.Add(uint64(served))
	return p.ulBacklog[rnti]
}

// PHYCounters is what the loopback radio saw.
type PHYCounters struct {
	DLGrants uint64 `json:"dl_grants"`
	ULGrants uint64 `json:"ul_grants"`
	DLBytes  uint64 `json:"dl_bytes"`
	ULBytes  uint64 `json:"ul_bytes"`
	SSBs     uint64 `json:"ssbs"`
	SIBs     uint64 `json:"sibs"`
}

func (p *loopbackPHY) counters() PHYCounters {
	return PHYCounters{
		DLGrants: p.dlGrants.Load(),
		ULGrants: p.ulGrants.Load(),
		DLBytes:  p.dlBytes.Load(),
		ULBytes:  p.ulBytes.Load(),
		SSBs:     p.ssbs.Load(),
		SIBs:     p.sibs.Load(),
	}
}

// cellDirectory routes CU-CP UE context changes to the MAC of the serving cell.
type cellDirectory map[uint16]*cellRuntime

func (d cellDirectory) AddUE(c *async.Coro, ue core.UEIndex, pci uint16, rnti core.RNTI, lcids []core.LCID) error {
	cell, ok := d[pci]
	if !ok {
		return fmt.Errorf("no cell with pci %d", pci)
	}
	return cell.proc.AddUE(c, mac.UEConfig{Index: ue, RNTI: rnti, LCIDs: lcids, InitialCQI: reportedCQI})
}

func (d cellDirectory) RemoveUE(c *async.Coro, ue core.UEIndex, pci uint16) error {
	cell, ok := d[pci]
	if !ok {
		return fmt.Errorf("no cell with pci %d", pci)
	}
	return cell.proc.RemoveUE(c, ue)
}
