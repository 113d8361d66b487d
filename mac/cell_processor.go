package mac

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
	"github.com/Readm/gnb_sim/sched"
)

// MaxPCI is the largest physical cell identity.
const MaxPCI = 1007

// PHYNotifier is the lower-layer sink of the per-slot results, called in DL-sched, DL-data,
// UL-sched order.
type PHYNotifier interface {
	OnNewDownlinkScheduler(res core.DLSchedResult)
	OnNewDownlinkData(res core.DLDataResult)
	OnNewUplinkScheduler(res core.ULSchedResult)
}

// Scheduler is the part of the cell scheduler the processor drives.
type Scheduler interface {
	ULFeedbackNotifier
	BufferStateNotifier
	SlotIndication(slot core.SlotPoint) *core.SchedResult
	AddUE(cfg sched.UEConfig)
	RemoveUE(idx core.UEIndex)
}

// CellConfig is the MAC level configuration of a cell.
type CellConfig struct {
	Cell         core.CellIndex
	PCI          uint16
	MIB          MIBConfig
	SIB1         []byte
	SDUQueueSize int
}

// Validate checks the MAC cell configuration.
func (c CellConfig) Validate() error {
	var errs []error
	if c.PCI > MaxPCI {
		errs = append(errs, fmt.Errorf("pci %d exceeds %d", c.PCI, MaxPCI))
	}
	if c.MIB.SubcarrierOffset > 15 {
		errs = append(errs, fmt.Errorf("ssb subcarrier offset %d exceeds 15", c.MIB.SubcarrierOffset))
	}
	if len(c.SIB1) == 0 {
		errs = append(errs, errors.New("sib1 payload is empty"))
	}
	return errors.Join(errs...)
}

// Deps are the collaborators of a cell processor.
type Deps struct {
	Exec   async.TaskExecutor
	Timers *async.TimerManager
	Sched  Scheduler
	PHY    PHYNotifier
	Broker *hooks.PluginBroker
	Log    *logging.Logger
}

// ProcessorStats counts slot indications by outcome.
type ProcessorStats struct {
	Processed     uint64
	Dropped       uint64
	Lost          uint64
	PDCCHFailures uint64
}

// CellProcessor drives one cell through its slot pipeline.
type CellProcessor struct {
	cfg    CellConfig
	exec   async.TaskExecutor
	timers *async.TimerManager
	sched  Scheduler
	phy    PHYNotifier
	broker *hooks.PluginBroker
	log    *logging.Logger
	warn   *logging.Throttled

	ues    *DLUEManager
	ul     *ControlInfoHandler
	ssb    *ssbAssembler
	enc    PDUEncoder
	pduBuf []byte

	active   atomic.Bool
	inFlight atomic.Bool
	last     core.SlotPoint

	processed     atomic.Uint64
	dropped       atomic.Uint64
	lost          atomic.Uint64
	pdcchFailures atomic.Uint64
}

// NewCellProcessor creates an inactive cell. Invalid configuration or missing mandatory
// collaborators panic.
func NewCellProcessor(cfg CellConfig, deps Deps) *CellProcessor {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("mac: cell %d: %v", cfg.Cell, err))
	}
	if deps.Exec == nil || deps.Sched == nil || deps.PHY == nil {
		panic(fmt.Sprintf("mac: cell %d: executor, scheduler and PHY notifier are mandatory", cfg.Cell))
	}
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	log = log.With("cell", cfg.Cell)
	p := &CellProcessor{
		cfg:    cfg,
		exec:   deps.Exec,
		timers: deps.Timers,
		sched:  deps.Sched,
		phy:    deps.PHY,
		broker: deps.Broker,
		log:    log,
		warn:   logging.NewThrottled(log, time.Second, 5),
		ssb:    newSSBAssembler(cfg.PCI, cfg.MIB, cfg.SIB1),
	}
	p.ues = NewDLUEManager(deps.Sched, cfg.SDUQueueSize)
	p.ul = NewControlInfoHandler(p.ues, deps.Sched, log)
	return p
}

// Cell returns the cell index.
func (p *CellProcessor) Cell() core.CellIndex { return p.cfg.Cell }

// Executor returns the executor owning the slot path.
func (p *CellProcessor) Executor() async.TaskExecutor { return p.exec }

// UEs returns the DL UE manager fed by the upper layers.
func (p *CellProcessor) UEs() *DLUEManager { return p.ues }

// ControlInfo returns the UL feedback handler.
func (p *CellProcessor) ControlInfo() *ControlInfoHandler { return p.ul }

// Active reports whether the cell schedules.
func (p *CellProcessor) Active() bool { return p.active.Load() }

// Start activates the cell on its executor.
func (p *CellProcessor) Start(ctx context.Context) *async.Task[struct{}] {
	return async.Launch(ctx, p.exec, fmt.Sprintf("cell%d-start", p.cfg.Cell), func(c *async.Coro) (struct{}, error) {
		if p.active.Swap(true) {
			p.log.Warnf("Cell already active")
			return struct{}{}, nil
		}
		p.log.Infof("Cell activated, pci=%d", p.cfg.PCI)
		return struct{}{}, nil
	})
}

// Stop deactivates the cell on its executor. Slot indications keep producing empty results.
func (p *CellProcessor) Stop(ctx context.Context) *async.Task[struct{}] {
	return async.Launch(ctx, p.exec, fmt.Sprintf("cell%d-stop", p.cfg.Cell), func(c *async.Coro) (struct{}, error) {
		if p.active.Swap(false) {
			p.log.Infof("Cell deactivated")
		}
		return struct{}{}, nil
	})
}

// Stats returns the slot counters.
func (p *CellProcessor) Stats() ProcessorStats {
	return ProcessorStats{
		Processed:     p.processed.Load(),
		Dropped:       p.dropped.Load(),
		Lost:          p.lost.Load(),
		PDCCHFailures: p.pdcchFailures.Load(),
	}
}

// HandleSlotIndication processes one slot. It must be called serially per cell; a concurrent
// call panics. Stale or repeated slots are dropped and gaps are counted as lost.
func (p *CellProcessor) HandleSlotIndication(slot core.SlotPoint) {
	if !p.inFlight.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("mac: cell %d: concurrent slot indication %s", p.cfg.Cell, slot))
	}
	defer p.inFlight.Store(false)

	lost := 0
	if p.last.Valid() {
		diff := slot.Sub(p.last)
		if diff <= 0 {
			p.dropped.Add(1)
			p.warn.Warnf("slot=%s: indication not after last slot %s, dropped", slot, p.last)
			return
		}
		lost = diff - 1
	}
	if lost > 0 {
		p.lost.Add(uint64(lost))
		p.warn.Warnf("slot=%s: %d slot indications lost", slot, lost)
	}
	p.last = slot
	p.processed.Add(1)

	if !p.active.Load() {
		p.phy.OnNewDownlinkScheduler(core.DLSchedResult{Slot: slot})
		p.phy.OnNewDownlinkData(core.DLDataResult{Slot: slot})
		p.phy.OnNewUplinkScheduler(core.ULSchedResult{Slot: slot})
		return
	}

	_ = p.broker.EmitBeforeSlot(&hooks.SlotContext{Cell: p.cfg.Cell, Slot: slot, Lost: lost})

	res := p.sched.SlotIndication(slot)
	if res.Failed.PDCCH > 0 {
		p.pdcchFailures.Add(uint64(res.Failed.PDCCH))
	}
	p.phy.OnNewDownlinkScheduler(res.DL)
	p.phy.OnNewDownlinkData(p.assembleDLData(slot, res))
	p.phy.OnNewUplinkScheduler(res.UL)

	if err := p.broker.EmitAfterSlot(&hooks.SlotContext{Cell: p.cfg.Cell, Slot: slot, Result: res, Lost: lost}); err != nil {
		p.log.Debugf("slot=%s: after-slot hook: %v", slot, err)
	}
}

func (p *CellProcessor) assembleDLData(slot core.SlotPoint, res *core.SchedResult) core.DLDataResult {
	data := core.DLDataResult{Slot: slot}
	data.SSBs = p.ssb.assembleSSBs(slot, res.DL.SSBs, nil)
	for _, sib := range res.DL.SIBs {
		data.SIBs = append(data.SIBs, p.ssb.assembleSIB(sib))
	}
	total := 0
	for _, g := range res.DL.UEGrants {
		total += g.TBSBytes
	}
	// one backing array per slot; the PHY owns it after the call
	p.pduBuf = make([]byte, 0, total)
	for _, g := range res.DL.UEGrants {
		start := len(p.pduBuf)
		pdu := p.ues.BuildPDU(&p.enc, g, p.pduBuf[start:start:start+g.TBSBytes])
		p.pduBuf = p.pduBuf[:start+len(pdu)]
		data.UEPDUs = append(data.UEPDUs, core.DLPDU{RNTI: g.RNTI, Payload: pdu})
	}
	return data
}

// UEConfig describes a UE being attached to the cell.
type UEConfig struct {
	Index      core.UEIndex
	RNTI       core.RNTI
	LCIDs      []core.LCID
	InitialCQI uint8
}

// hop moves c to the cell executor, blocking on a full queue when a timer service exists.
func (p *CellProcessor) hop(c *async.Coro, target async.TaskExecutor) error {
	if p.timers != nil {
		return async.ExecuteOnBlocking(c, target, p.timers, p.log)
	}
	return async.ExecuteOn(c, target)
}

// AddUE registers a UE from a control task: the task hops to the cell executor, updates the
// MAC and scheduler state there and hops back.
func (p *CellProcessor) AddUE(c *async.Coro, ue UEConfig) error {
	back := c.Executor()
	if err := p.hop(c, p.exec); err != nil {
		return fmt.Errorf("mac: add ue=%d: %w", ue.Index, err)
	}
	err := p.ues.AddUE(ue.Index, ue.RNTI, ue.LCIDs)
	if err == nil {
		p.sched.AddUE(sched.UEConfig{Index: ue.Index, RNTI: ue.RNTI, LCIDs: ue.LCIDs, InitialCQI: ue.InitialCQI})
		p.log.Debugf("ue=%d rnti=%s: attached", ue.Index, ue.RNTI)
	}
	if herr := p.hop(c, back); herr != nil {
		return errors.Join(err, herr)
	}
	return err
}

// RemoveUE detaches a UE from a control task, on the cell executor.
func (p *CellProcessor) RemoveUE(c *async.Coro, idx core.UEIndex) error {
	back := c.Executor()
	if err := p.hop(c, p.exec); err != nil {
		return fmt.Errorf("mac: remove ue=%d: %w", idx, err)
	}
	if p.ues.RemoveUE(idx) {
		p.sched.RemoveUE(idx)
		p.log.Debugf("ue=%d: detached", idx)
	}
	return p.hop(c, back)
}
