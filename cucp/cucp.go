// Package cucp implements the gNB CU control plane: UE contexts, F1AP towards the DUs,
// NGAP towards the AMF and the procedures tying them together. Every procedure is an
// async task on one control executor.
package cucp

import (
	"context"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
)

// Defaults applied by New to zero config values, in timer ticks.
const (
	DefaultProcedureTimeout = 100
	DefaultHandoverTimeout  = 200
	DefaultNGSetupTimeout   = 50
	DefaultBackoffMax       = 64
)

// Config configures a CU-CP.
type Config struct {
	MaxUEs int
	// ProcedureTimeout bounds every wait for a DU or UE answer.
	ProcedureTimeout uint64
	HandoverTimeout  uint64
	NGSetup          NGSetupConfig
}

// Deps are the collaborators of a CU-CP.
type Deps struct {
	Exec   async.TaskExecutor
	Timers *async.TimerManager
	DU     F1APNotifier
	AMF    NGAPNotifier
	// MAC may be nil when no cell is attached.
	MAC    DUNotifier
	Broker *hooks.PluginBroker
	Log    *logging.Logger
}

// CUCP composes the control plane capabilities and delegates to them.
type CUCP struct {
	UEContextReleaseHandler
	UEContextHandler
	HandoverHandler
	NGSetupHandler

	exec async.TaskExecutor
	ues  *UEManager
	f1ap *F1APCU
	f1   F1SetupHandler
	ng   *ngInterface
	ue   *ueLifecycle
	caps []Capability
	log  *logging.Logger
}

// New wires a CU-CP. Tasks it launches end when ctx is cancelled.
func New(ctx context.Context, cfg Config, deps Deps) *CUCP {
	if deps.Exec == nil || deps.Timers == nil || deps.DU == nil || deps.AMF == nil {
		panic("cucp: executor, timers, DU and AMF are mandatory")
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if cfg.ProcedureTimeout == 0 {
		cfg.ProcedureTimeout = DefaultProcedureTimeout
	}
	if cfg.HandoverTimeout == 0 {
		cfg.HandoverTimeout = DefaultHandoverTimeout
	}
	if cfg.NGSetup.TimeoutTicks == 0 {
		cfg.NGSetup.TimeoutTicks = DefaultNGSetupTimeout
	}
	if cfg.NGSetup.BackoffMax == 0 {
		cfg.NGSetup.BackoffMax = DefaultBackoffMax
	}
	log := deps.Log.Named("cucp")
	run := &procedureRunner{ctx: ctx, exec: deps.Exec, timers: deps.Timers, broker: deps.Broker, log: log}
	ues := NewUEManager(ctx, UEManagerConfig{MaxUEs: cfg.MaxUEs, RRCTransactionTicks: cfg.ProcedureTimeout}, deps.Exec, deps.Timers, log)

	lifecycle := &ueLifecycle{run: run, ues: ues, du: deps.DU, amf: deps.AMF, mac: deps.MAC, timeout: cfg.ProcedureTimeout}
	mob := &mobility{run: run, ues: ues, release: lifecycle, timeout: cfg.HandoverTimeout}
	ng := &ngInterface{run: run, cfg: cfg.NGSetup, amf: deps.AMF}
	f1 := newF1Interface(run)

	c := &CUCP{
		UEContextReleaseHandler: lifecycle,
		UEContextHandler:        lifecycle,
		HandoverHandler:         mob,
		NGSetupHandler:          ng,
		exec:                    deps.Exec,
		ues:                     ues,
		f1:                      f1,
		ng:                      ng,
		ue:                      lifecycle,
		caps:                    []Capability{lifecycle, mob, ng, f1},
		log:                     log,
	}
	c.f1ap = &F1APCU{ues: ues, exec: deps.Exec, du: deps.DU, setup: f1, attach: lifecycle, log: log.Named("f1ap")}
	return c
}

// Capabilities lists the composed capabilities.
func (c *CUCP) Capabilities() []Capability { return c.caps }

// RegisterCapabilities announces every capability to broker.
func (c *CUCP) RegisterCapabilities(broker *hooks.PluginBroker) error {
	for _, cp := range c.caps {
		if err := cp.Register(broker); err != nil {
			return err
		}
	}
	return nil
}

// UEs returns the UE registry.
func (c *CUCP) UEs() *UEManager { return c.ues }

// F1AP returns the F1AP entry point for DU messages.
func (c *CUCP) F1AP() *F1APCU { return c.f1ap }

// F1Setup returns the F1 setup capability.
func (c *CUCP) F1Setup() F1SetupHandler { return c.f1 }

// HandleNGAPMessage posts an AMF message to the control executor.
func (c *CUCP) HandleNGAPMessage(msg NGAPMessage) {
	if !c.exec.Execute(func() { c.dispatchNGAP(msg) }) {
		c.log.Warnf("control executor full, dropping %T", msg)
	}
}

func (c *CUCP) dispatchNGAP(msg NGAPMessage) {
	switch m := msg.(type) {
	case NGSetupResponse, NGSetupFailure:
		if !c.ng.handle(m) {
			c.log.Warnf("discarding unexpected %T", m)
		}
	case InitialContextSetupRequest:
		c.ue.handleInitialContextSetup(m)
	case NGUEContextReleaseCommand:
		c.ue.handleNGRelease(m)
	default:
		c.log.Warnf("discarding unhandled NGAP message %T", msg)
	}
}

// Snapshot is a point in time view of the CU-CP for observers.
type Snapshot struct {
	UEs         []core.UEIndex
	NGConnected bool
	F1Dropped   uint64
	F1Discarded uint64
}

// Snapshot returns the current state.
func (c *CUCP) Snapshot() Snapshot {
	return Snapshot{
		UEs:         c.ues.Indexes(),
		NGConnected: c.ng.Connected(),
		F1Dropped:   c.f1ap.Dropped(),
		F1Discarded: c.f1ap.Discarded(),
	}
}
