package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/cucp"
	"github.com/Readm/gnb_sim/gtpu"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
	"github.com/Readm/gnb_sim/mac"
	"github.com/Readm/gnb_sim/policy"
	"github.com/Readm/gnb_sim/sched"
)

const (
	ctrlComponent   = "ctrl"
	ctrlQueueSize   = 4096
	gnbNodeID       = 0x19b
	stallRetry      = 100 * time.Microsecond
	statsEverySlots = 100
	stallCheckSlots = 1000
	releaseTimeout  = 2 * time.Second
	firstDLTEID     = 0x8000
)

var traceDescriptor = hooks.PluginDescriptor{
	Name:        "trace",
	Category:    hooks.PluginCategoryTrace,
	Description: "Slot summaries streamed over the websocket",
}

var allocWarnDescriptor = hooks.PluginDescriptor{
	Name:        "alloc-warn",
	Category:    hooks.PluginCategoryInstrumentation,
	Description: "Throttled warnings for dropped PDCCH/PDSCH/PUSCH grants",
}

// GNB is a complete simulated gNB: CU-CP, one MAC/scheduler per cell, a loopback radio,
// a simulated DU and AMF, and the user plane fed by the traffic generator.
type GNB struct {
	ctx     context.Context
	cfg     *Config
	log     *logging.Logger
	warn    *logging.Throttled
	broker  *hooks.PluginBroker
	plugins *hooks.Registry
	timers  *async.TimerManager
	ctrl    *async.TaskWorker
	cu      *cucp.CUCP
	cells   []*cellRuntime
	byPCI   cellDirectory
	du      *simDU
	amf     *simAMF
	demux   *gtpu.Demux
	gateway *gtpu.Gateway
	upf     net.PacketConn
	traffic *TrafficGenerator
	clock   *SlotClock
	stats   *StatsCollector
	web     *WebServer

	mu       sync.Mutex
	tunnels  map[core.UEIndex]uint32
	nextTEID atomic.Uint32
}

// NewGNB builds every component of cfg, which must have passed ValidateConfig. Periodic
// metrics are written to out. Control tasks end with ctx.
func NewGNB(ctx context.Context, cfg *Config, log *logging.Logger, out io.Writer) (*GNB, error) {
	g := &GNB{
		ctx:     ctx,
		cfg:     cfg,
		log:     log,
		warn:    logging.NewThrottled(log, time.Second, 5),
		broker:  hooks.NewPluginBroker(),
		timers:  async.NewTimerManager(),
		ctrl:    async.NewTaskWorker("cucp", ctrlQueueSize),
		byPCI:   make(cellDirectory, len(cfg.Cells)),
		stats:   NewStatsCollector(),
		demux:   gtpu.NewDemux(log.Named("gtpu")),
		tunnels: make(map[core.UEIndex]uint32),
	}
	g.nextTEID.Store(firstDLTEID)
	if err := g.loadPlugins(); err != nil {
		g.Close()
		return nil, err
	}

	metrics := metricsNotifier(cfg.Metrics.Format, out, log)
	ids := make([]string, 0, len(cfg.Cells)+1)
	for i, cc := range cfg.Cells {
		cell, err := g.newCell(core.CellIndex(i), cc, metrics)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.cells = append(g.cells, cell)
		g.byPCI[cc.PCI] = cell
		ids = append(ids, cell.id)
	}
	ids = append(ids, ctrlComponent)

	g.du = newSimDU(1, cfg.Cells, cfg.Traffic.UEs, log)
	g.amf = newSimAMF("gnbsim-amf", log)
	g.cu = cucp.New(ctx, g.cucpConfig(), cucp.Deps{
		Exec:   g.ctrl,
		Timers: g.timers,
		DU:     g.du,
		AMF:    g.amf,
		MAC:    g.byPCI,
		Broker: g.broker,
		Log:    log,
	})
	if err := g.cu.RegisterCapabilities(g.broker); err != nil {
		g.Close()
		return nil, err
	}
	g.du.cu = g.cu.F1AP()
	g.du.onActivate = g.activateCells
	g.amf.cu = g.cu
	g.amf.onSessionUp = g.startFlow
	g.broker.RegisterUEEvent(g.onUEEvent)

	if err := g.setupUserPlane(); err != nil {
		g.Close()
		return nil, err
	}

	g.clock = NewSlotClock(ids)
	g.clock.SetMaxTarget(cfg.Clock.TotalSlots - 1)
	return g, nil
}

func (g *GNB) loadPlugins() error {
	g.plugins = hooks.NewRegistry(g.broker)
	if err := g.plugins.RegisterGlobal("stats", statsDescriptor, g.stats.Install); err != nil {
		return err
	}
	if err := g.plugins.RegisterCell("alloc-warn", allocWarnDescriptor, g.allocWarnPlugin); err != nil {
		return err
	}
	names := []string{"stats", "alloc-warn"}
	if g.cfg.Web.Enabled {
		g.web = NewWebServer(g.cfg.Web.Addr, g.log)
		if err := g.plugins.RegisterGlobal("trace", traceDescriptor, g.web.TracePlugin(g.cfg.Web.TraceEverySlots)); err != nil {
			return err
		}
		names = append(names, "trace")
	}
	cells := make([]core.CellIndex, len(g.cfg.Cells))
	for i := range cells {
		cells[i] = core.CellIndex(i)
	}
	return g.plugins.Load(names, cells)
}

// allocWarnPlugin logs dropped grants of one cell, at most a few per second.
func (g *GNB) allocWarnPlugin(cell core.CellIndex, broker *hooks.PluginBroker) error {
	warn := logging.NewThrottled(g.log.With("cell", cell), time.Second, 3)
	broker.RegisterAllocationFailed(func(ctx *hooks.AllocationContext) error {
		if ctx.Cell == cell {
			warn.Warnf("%s allocation failed for rnti=%#x at %s", ctx.Channel, ctx.RNTI, ctx.Slot)
		}
		return nil
	})
	return nil
}

func metricsNotifier(format string, out io.Writer, log *logging.Logger) sched.MetricsNotifier {
	switch strings.ToLower(format) {
	case "json":
		return sched.NewJSONMetricsConsumer(out)
	case "table":
		return sched.NewTableMetricsConsumer(out)
	}
	return sched.LogMetricsConsumer{Log: log.Named("metrics")}
}

func (g *GNB) newCell(idx core.CellIndex, cc CellConfig, metrics sched.MetricsNotifier) (*cellRuntime, error) {
	pol, err := policy.New(g.cfg.Scheduler.Policy)
	if err != nil {
		return nil, err
	}
	s := sched.NewCellScheduler(cc.schedConfig(idx, g.cfg.Scheduler), pol,
		sched.WithLogger(g.log),
		sched.WithBroker(g.broker),
		sched.WithMetricsNotifier(metrics),
	)
	cell := &cellRuntime{
		id:    fmt.Sprintf("cell%d", idx),
		cfg:   cc,
		index: idx,
		exec:  async.NewTaskWorker(fmt.Sprintf("cell%d", idx), cellQueueSize),
		sched: s,
		phy:   newLoopbackPHY(),
	}
	cell.proc = mac.NewCellProcessor(cc.macConfig(idx), mac.Deps{
		Exec:   cell.exec,
		Timers: g.timers,
		Sched:  s,
		PHY:    cell.phy,
		Broker: g.broker,
		Log:    g.log,
	})
	cell.phy.ul = cell.proc.ControlInfo()
	return cell, nil
}

func (g *GNB) cucpConfig() cucp.Config {
	c := g.cfg.CUCP
	var tacs []uint32
	for _, cell := range g.cfg.Cells {
		if !slices.Contains(tacs, cell.TAC) {
			tacs = append(tacs, cell.TAC)
		}
	}
	return cucp.Config{
		MaxUEs:           c.MaxUEs,
		ProcedureTimeout: c.ProcedureTimeout,
		HandoverTimeout:  c.HandoverTimeout,
		NGSetup: cucp.NGSetupConfig{
			GlobalRANNodeID: gnbNodeID,
			RANNodeName:     "gnbsim",
			SupportedTACs:   tacs,
			MaxSetupRetries: c.MaxSetupRetries,
			TimeoutTicks:    c.NGSetupTimeout,
			BackoffBase:     1,
		},
	}
}

// setupUserPlane binds the N3 gateway when configured; otherwise G-PDUs go straight from the
// generator into the demux.
func (g *GNB) setupUserPlane() error {
	addr := g.cfg.GTPU.BindAddr
	if addr == "" {
		g.traffic = NewTrafficGenerator(g.cfg.Traffic, demuxWriter{demux: g.demux}, nil, g.cfg.GTPU.EnableSeq, g.log)
		return nil
	}
	gw, err := gtpu.Listen(addr, g.demux, 1, g.log.Named("gtpu"))
	if err != nil {
		return err
	}
	g.gateway = gw
	upf, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("upf socket: %w", err)
	}
	g.upf = upf
	g.traffic = NewTrafficGenerator(g.cfg.Traffic, upf, gw.LocalAddr(), g.cfg.GTPU.EnableSeq, g.log)
	return nil
}

// CUCP returns the control plane.
func (g *GNB) CUCP() *cucp.CUCP { return g.cu }

// Clock returns the slot clock.
func (g *GNB) Clock() *SlotClock { return g.clock }

// Stats returns the instrumentation plugin.
func (g *GNB) Stats() *StatsCollector { return g.stats }

// Run drives the slots until the configured total, ctx cancellation or a stop command.
func (g *GNB) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, runCtx := errgroup.WithContext(ctx)

	if g.gateway != nil {
		eg.Go(func() error { return g.gateway.Serve(runCtx) })
	}
	if g.web != nil {
		eg.Go(func() error { return g.web.Serve(runCtx) })
		eg.Go(func() error {
			g.serveCommands(runCtx, cancel)
			return nil
		})
	}
	for _, cell := range g.cells {
		cell := cell
		eg.Go(func() error { return g.driveCell(runCtx, cell) })
	}
	eg.Go(func() error { return g.driveControl(runCtx) })
	eg.Go(func() error { return g.pace(runCtx) })
	eg.Go(func() error { return g.setup(runCtx) })
	eg.Go(func() error {
		select {
		case <-g.clock.Finished():
			g.log.Infof("all %d slots done", g.cfg.Clock.TotalSlots)
			g.releaseAll(runCtx)
		case <-runCtx.Done():
		}
		g.clock.Stop()
		cancel()
		return nil
	})
	return eg.Wait()
}

func (g *GNB) setup(ctx context.Context) error {
	res, err := g.cu.StartNGSetup().Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ng setup: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("ng setup failed after %d attempts: %s", res.Attempts, res.Cause)
	}
	g.log.Infof("NG connected to %s after %d attempt(s)", res.AMFName, res.Attempts)
	g.du.Start()
	return nil
}

func (g *GNB) pace(ctx context.Context) error {
	d := g.cfg.Clock.SlotDuration
	if d <= 0 {
		g.clock.ReleaseAll()
		return nil
	}
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		g.clock.Release(g.clock.TargetSlot())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (g *GNB) driveCell(ctx context.Context, cell *cellRuntime) error {
	for {
		n := g.clock.WaitForSlot(cell.id)
		if n < 0 {
			return nil
		}
		slot := core.SlotPointFromCount(cell.cfg.Numerology, uint32(n))
		done := make(chan struct{})
		job := func() {
			defer close(done)
			cell.proc.HandleSlotIndication(slot)
		}
		for !cell.exec.Execute(job) {
			g.clock.ReportStall(cell.id)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(stallRetry):
			}
		}
		select {
		case <-done:
		case <-ctx.Done():
			return nil
		}
		g.clock.MarkDone(cell.id, n)
	}
}

func (g *GNB) driveControl(ctx context.Context) error {
	for {
		n := g.clock.WaitForSlot(ctrlComponent)
		if n < 0 {
			return nil
		}
		g.timers.Tick()
		g.du.OnSlot()
		g.traffic.OnSlot(n)
		if g.web != nil && n%statsEverySlots == 0 {
			g.web.UpdateStats(g.Snapshot())
		}
		if n > 0 && n%stallCheckSlots == 0 {
			if stalled := g.clock.Stalled(); len(stalled) > 0 {
				g.warn.Warnf("slot %d: stalled components %v", n, stalled)
			}
		}
		g.clock.MarkDone(ctrlComponent, n)
	}
}

func (g *GNB) serveCommands(ctx context.Context, stop context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-g.web.Commands():
			switch cmd.Type {
			case CommandPause:
				g.clock.Pause()
				g.log.Infof("paused at slot %d", g.clock.TargetSlot())
			case CommandResume:
				g.clock.Resume()
				g.log.Infof("resumed at slot %d", g.clock.TargetSlot())
			case CommandStop:
				g.log.Infof("stop requested at slot %d", g.clock.TargetSlot())
				stop()
				return
			}
		}
	}
}

// activateCells starts the MAC of the cells the CU activated in F1 setup.
func (g *GNB) activateCells(ids []cucp.NRCGI) {
	for _, id := range ids {
		for _, cell := range g.cells {
			if cucp.NRCGI(cell.cfg.NRCGI) == id {
				cell.proc.Start(g.ctx)
			}
		}
	}
}

// startFlow binds a DL tunnel for a UE whose PDU session is up and starts its traffic.
func (g *GNB) startFlow(ran cucp.RANUENGAPID, session cucp.PDUSession) {
	ue := g.cu.UEs().FindByRANUENGAPID(ran)
	if ue == nil || len(session.DRBs) == 0 {
		return
	}
	cell, ok := g.byPCI[ue.PCI()]
	if !ok {
		return
	}
	idx, rnti, lcid := ue.Index(), ue.RNTI(), session.DRBs[0].LCID
	teid := g.nextTEID.Add(1)
	err := g.demux.Bind(teid, gtpu.SDUHandlerFunc(func(_ uint32, sdu []byte) {
		if err := cell.proc.UEs().EnqueueSDU(rnti, lcid, sdu); err != nil && !errors.Is(err, mac.ErrSDUQueueFull) {
			g.warn.Warnf("ue=%d: %v", idx, err)
		}
	}))
	if err != nil {
		g.log.Errorf("ue=%d: %v", idx, err)
		return
	}
	g.mu.Lock()
	g.tunnels[idx] = teid
	g.mu.Unlock()
	g.traffic.AddFlow(idx, rnti, teid, cell.phy)
}

func (g *GNB) onUEEvent(ctx *hooks.UEContext) error {
	if ctx.Kind != hooks.UEReleased {
		return nil
	}
	g.traffic.RemoveFlow(ctx.UE)
	g.mu.Lock()
	teid, ok := g.tunnels[ctx.UE]
	delete(g.tunnels, ctx.UE)
	g.mu.Unlock()
	if ok {
		g.demux.Unbind(teid)
	}
	for _, cell := range g.cells {
		if cell.index == ctx.Cell {
			cell.phy.ForgetUE(ctx.RNTI)
		}
	}
	return nil
}

// releaseAll releases every UE context before shutdown.
func (g *GNB) releaseAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()
	for _, idx := range g.cu.UEs().Indexes() {
		if _, err := g.cu.StartUEContextRelease(idx, cucp.CauseNormalRelease).Wait(ctx); err != nil {
			g.log.Warnf("releasing ue=%d: %v", idx, err)
			return
		}
	}
}

// Close stops the executors and releases the sockets.
func (g *GNB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	var errs []error
	for _, cell := range g.cells {
		errs = append(errs, cell.exec.Stop(ctx))
	}
	errs = append(errs, g.ctrl.Stop(ctx))
	if g.gateway != nil {
		errs = append(errs, g.gateway.Close())
	}
	if g.upf != nil {
		errs = append(errs, g.upf.Close())
	}
	return errors.Join(errs...)
}

// CellSnapshot is the state of one cell.
type CellSnapshot struct {
	Cell      core.CellIndex          `json:"cell"`
	PCI       uint16                  `json:"pci"`
	Active    bool                    `json:"active"`
	UEs       int                     `json:"ues"`
	Policy    string                  `json:"policy"`
	Processor mac.ProcessorStats      `json:"processor"`
	PHY       PHYCounters             `json:"phy"`
	Enqueued  uint64                  `json:"sdus_enqueued"`
	Dropped   uint64                  `json:"sdus_dropped"`
	Metrics   sched.CellMetricsReport `json:"metrics"`
}

// Snapshot is the state served by /api/stats.
type Snapshot struct {
	Slot        int                      `json:"slot"`
	Paused      bool                     `json:"paused"`
	Stalled     []string                 `json:"stalled,omitempty"`
	NGConnected bool                     `json:"ng_connected"`
	F1Up        bool                     `json:"f1_up"`
	UEs         int                      `json:"ues"`
	Attached    uint64                   `json:"attached"`
	Sessions    uint64                   `json:"sessions"`
	F1Dropped   uint64                   `json:"f1_dropped"`
	F1Discarded uint64                   `json:"f1_discarded"`
	Cells       []CellSnapshot           `json:"cells"`
	Traffic     TrafficStats             `json:"traffic"`
	GTPU        gtpu.DemuxStats          `json:"gtpu"`
	Stats       StatsSummary             `json:"stats"`
	Plugins     []hooks.PluginDescriptor `json:"plugins"`
}

// Snapshot collects the current state of every component.
func (g *GNB) Snapshot() *Snapshot {
	cu := g.cu.Snapshot()
	s := &Snapshot{
		Slot:        g.clock.TargetSlot(),
		Paused:      g.clock.Paused(),
		Stalled:     g.clock.Stalled(),
		NGConnected: cu.NGConnected,
		F1Up:        g.du.Up(),
		UEs:         len(cu.UEs),
		Attached:    g.du.Attached(),
		Sessions:    g.amf.Sessions(),
		F1Dropped:   cu.F1Dropped,
		F1Discarded: cu.F1Discarded,
		Traffic:     g.traffic.Stats(),
		GTPU:        g.demux.Stats(),
		Stats:       g.stats.Summary(),
		Plugins:     g.broker.ListAllPlugins(),
	}
	for _, cell := range g.cells {
		s.Cells = append(s.Cells, CellSnapshot{
			Cell:      cell.index,
			PCI:       cell.cfg.PCI,
			Active:    cell.proc.Active(),
			UEs:       cell.proc.UEs().NofUEs(),
			Policy:    cell.sched.PolicyName(),
			Processor: cell.proc.Stats(),
			PHY:       cell.phy.counters(),
			Enqueued:  cell.proc.UEs().Enqueued(),
			Dropped:   cell.proc.UEs().Dropped(),
			Metrics:   cell.sched.LastMetrics(),
		})
	}
	return s
}
