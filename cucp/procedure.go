package cucp

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
)

// Capability is a self-contained part of the CU-CP that announces itself to the broker.
type Capability interface {
	Descriptor() hooks.PluginDescriptor
	Register(broker *hooks.PluginBroker) error
}

func capabilityDescriptor(name, description string) hooks.PluginDescriptor {
	return hooks.PluginDescriptor{
		Name:        name,
		Category:    hooks.PluginCategoryCapability,
		Description: description,
	}
}

func registerCapability(c Capability, broker *hooks.PluginBroker) error {
	if broker == nil {
		return nil
	}
	broker.RegisterPluginMetadata(c.Descriptor())
	return nil
}

// procedureRunner launches control-plane procedures on the control executor and reports
// each finished run to the broker.
type procedureRunner struct {
	ctx    context.Context
	exec   async.TaskExecutor
	timers *async.TimerManager
	broker *hooks.PluginBroker
	log    *logging.Logger
}

type procedureRun struct {
	name  string
	id    string
	ue    core.UEIndex
	start time.Time
	log   *logging.Logger
}

func (r *procedureRunner) begin(name string, ue core.UEIndex) *procedureRun {
	id := uuid.New().String()
	log := r.log.With("procedure", name).With("id", id)
	if ue.Valid() {
		log = log.With("ue", ue)
	}
	return &procedureRun{name: name, id: id, ue: ue, start: time.Now(), log: log}
}

func (r *procedureRunner) finish(p *procedureRun, success bool, err error) {
	if err != nil {
		p.log.Warnf("aborted: %v", err)
	} else {
		p.log.Debugf("finished, success=%t", success)
	}
	if herr := r.broker.EmitProcedureDone(&hooks.ProcedureContext{
		Name:     p.name,
		ID:       p.id,
		UE:       p.ue,
		Success:  success && err == nil,
		Err:      err,
		Duration: time.Since(p.start),
	}); herr != nil {
		p.log.Warnf("procedure hook failed: %v", herr)
	}
}

// launchProcedure runs body as a task. body reports whether the procedure succeeded; a
// negative outcome is not an error.
func launchProcedure[T any](r *procedureRunner, name string, ue core.UEIndex, body func(c *async.Coro, log *logging.Logger) (T, bool, error)) *async.Task[T] {
	run := r.begin(name, ue)
	return async.Launch(r.ctx, r.exec, name, func(c *async.Coro) (T, error) {
		v, ok, err := body(c, run.log)
		r.finish(run, ok, err)
		return v, err
	})
}

// inlineProcedure runs body inside an already running task, e.g. a UE sequencer job.
func inlineProcedure[T any](r *procedureRunner, c *async.Coro, name string, ue core.UEIndex, body func(c *async.Coro, log *logging.Logger) (T, bool, error)) (T, error) {
	run := r.begin(name, ue)
	v, ok, err := body(c, run.log)
	r.finish(run, ok, err)
	return v, err
}
