package hooks

import (
	"sync"
	"time"

	"github.com/Readm/gnb_sim/core"
)

// PluginCategory represents the high-level role of a plugin.
type PluginCategory string

const (
	// PluginCategoryInstrumentation covers metrics, tracing, and diagnostics.
	PluginCategoryInstrumentation PluginCategory = "instrumentation"
	// PluginCategoryTrace covers slot trace streaming to external consumers.
	PluginCategoryTrace PluginCategory = "trace"
	// PluginCategoryPolicy covers scheduling policy extensions.
	PluginCategoryPolicy PluginCategory = "policy"
	// PluginCategoryCapability covers control-plane capabilities of the CU-CP.
	PluginCategoryCapability PluginCategory = "capability"
)

// PluginDescriptor describes a plugin registered with the broker.
type PluginDescriptor struct {
	Name        string
	Category    PluginCategory
	Description string
}

// SlotContext is passed to slot stage hooks. Result is only valid during the call.
type SlotContext struct {
	Cell   core.CellIndex
	Slot   core.SlotPoint
	Result *core.SchedResult
	// Lost counts slots skipped since the previous indication.
	Lost int
}

// AllocChannel names the channel an allocation failed on.
type AllocChannel string

const (
	AllocPDCCH AllocChannel = "pdcch"
	AllocPDSCH AllocChannel = "pdsch"
	AllocPUSCH AllocChannel = "pusch"
)

// AllocationContext describes one dropped grant.
type AllocationContext struct {
	Cell    core.CellIndex
	Slot    core.SlotPoint
	RNTI    core.RNTI
	Channel AllocChannel
}

// UEEventKind distinguishes UE lifecycle notifications.
type UEEventKind string

const (
	UECreated  UEEventKind = "created"
	UEReleased UEEventKind = "released"
)

// UEContext describes a UE lifecycle change.
type UEContext struct {
	Cell core.CellIndex
	UE   core.UEIndex
	RNTI core.RNTI
	Kind UEEventKind
}

// ProcedureContext describes a finished control-plane procedure.
type ProcedureContext struct {
	Name     string
	ID       string
	UE       core.UEIndex
	Success  bool
	Err      error
	Duration time.Duration
}

type SlotHook func(ctx *SlotContext) error
type AllocationFailedHook func(ctx *AllocationContext) error
type UEEventHook func(ctx *UEContext) error
type ProcedureHook func(ctx *ProcedureContext) error

// HookBundle groups multiple hook handlers that belong to one plugin.
type HookBundle struct {
	BeforeSlot       []SlotHook
	AfterSlot        []SlotHook
	AllocationFailed []AllocationFailedHook
	UEEvent          []UEEventHook
	ProcedureDone    []ProcedureHook
}

// PluginBroker coordinates hook registration and triggering.
type PluginBroker struct {
	mu sync.RWMutex

	beforeSlotHooks       []SlotHook
	afterSlotHooks        []SlotHook
	allocationFailedHooks []AllocationFailedHook
	ueEventHooks          []UEEventHook
	procedureHooks        []ProcedureHook

	pluginCatalog map[PluginCategory][]PluginDescriptor
	pluginIndex   map[string]PluginDescriptor
}

// NewPluginBroker creates an empty broker instance.
func NewPluginBroker() *PluginBroker {
	return &PluginBroker{
		pluginCatalog: make(map[PluginCategory][]PluginDescriptor),
		pluginIndex:   make(map[string]PluginDescriptor),
	}
}

// RegisterBeforeSlot adds a hook run before the scheduler processes a slot.
func (p *PluginBroker) RegisterBeforeSlot(h SlotHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beforeSlotHooks = append(p.beforeSlotHooks, h)
}

// RegisterAfterSlot adds a hook run once the slot result was handed to the PHY.
func (p *PluginBroker) RegisterAfterSlot(h SlotHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.afterSlotHooks = append(p.afterSlotHooks, h)
}

// RegisterAllocationFailed adds a hook run for every dropped grant.
func (p *PluginBroker) RegisterAllocationFailed(h AllocationFailedHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocationFailedHooks = append(p.allocationFailedHooks, h)
}

// RegisterUEEvent adds a hook for UE creation and release.
func (p *PluginBroker) RegisterUEEvent(h UEEventHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ueEventHooks = append(p.ueEventHooks, h)
}

// RegisterProcedureDone adds a hook for finished procedures.
func (p *PluginBroker) RegisterProcedureDone(h ProcedureHook) {
	if p == nil || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procedureHooks = append(p.procedureHooks, h)
}

// emit runs a snapshot of handlers and stops at the first error.
func emit[C any, H ~func(*C) error](p *PluginBroker, hooks *[]H, ctx *C) error {
	if p == nil || ctx == nil {
		return nil
	}
	p.mu.RLock()
	handlers := make([]H, len(*hooks))
	copy(handlers, *hooks)
	p.mu.RUnlock()
	for _, handler := range handlers {
		if err := handler(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EmitBeforeSlot triggers BeforeSlot hooks.
func (p *PluginBroker) EmitBeforeSlot(ctx *SlotContext) error {
	if p == nil {
		return nil
	}
	return emit(p, &p.beforeSlotHooks, ctx)
}

// EmitAfterSlot triggers AfterSlot hooks.
func (p *PluginBroker) EmitAfterSlot(ctx *SlotContext) error {
	if p == nil {
		return nil
	}
	return emit(p, &p.afterSlotHooks, ctx)
}

// EmitAllocationFailed triggers AllocationFailed hooks.
func (p *PluginBroker) EmitAllocationFailed(ctx *AllocationContext) error {
	if p == nil {
		return nil
	}
	return emit(p, &p.allocationFailedHooks, ctx)
}

// EmitUEEvent triggers UE lifecycle hooks.
func (p *PluginBroker) EmitUEEvent(ctx *UEContext) error {
	if p == nil {
		return nil
	}
	return emit(p, &p.ueEventHooks, ctx)
}

// EmitProcedureDone triggers procedure hooks.
func (p *PluginBroker) EmitProcedureDone(ctx *ProcedureContext) error {
	if p == nil {
		return nil
	}
	return emit(p, &p.procedureHooks, ctx)
}

// RegisterBundle registers a plugin descriptor together with all hook handlers.
func (p *PluginBroker) RegisterBundle(desc PluginDescriptor, bundle HookBundle) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.registerDescriptorLocked(desc)

	p.beforeSlotHooks = append(p.beforeSlotHooks, bundle.BeforeSlot...)
	p.afterSlotHooks = append(p.afterSlotHooks, bundle.AfterSlot...)
	p.allocationFailedHooks = append(p.allocationFailedHooks, bundle.AllocationFailed...)
	p.ueEventHooks = append(p.ueEventHooks, bundle.UEEvent...)
	p.procedureHooks = append(p.procedureHooks, bundle.ProcedureDone...)
}

// RegisterPluginMetadata stores plugin metadata without registering hooks.
func (p *PluginBroker) RegisterPluginMetadata(desc PluginDescriptor) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerDescriptorLocked(desc)
}

// ListPlugins returns descriptors for plugins in the requested category.
func (p *PluginBroker) ListPlugins(category PluginCategory) []PluginDescriptor {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	catalog := p.pluginCatalog[category]
	if len(catalog) == 0 {
		return nil
	}
	out := make([]PluginDescriptor, len(catalog))
	copy(out, catalog)
	return out
}

// ListAllPlugins returns descriptors of every registered plugin.
func (p *PluginBroker) ListAllPlugins() []PluginDescriptor {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PluginDescriptor, 0, len(p.pluginIndex))
	for _, desc := range p.pluginIndex {
		out = append(out, desc)
	}
	return out
}

func (p *PluginBroker) registerDescriptorLocked(desc PluginDescriptor) {
	if desc.Name == "" {
		return
	}
	if _, exists := p.pluginIndex[desc.Name]; exists {
		return
	}
	p.pluginIndex[desc.Name] = desc
	p.pluginCatalog[desc.Category] = append(p.pluginCatalog[desc.Category], desc)
}
