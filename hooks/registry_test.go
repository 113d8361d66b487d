package hooks

import (
	"errors"
	"testing"

	"github.com/Readm/gnb_sim/core"
)

func TestRegistryLoadGlobalAndCell(t *testing.T) {
	broker := NewPluginBroker()
	reg := NewRegistry(broker)

	statsDesc := PluginDescriptor{Name: "stats", Category: PluginCategoryInstrumentation}
	globalCalls := 0
	if err := reg.RegisterGlobal("stats", statsDesc, func(b *PluginBroker) error {
		globalCalls++
		b.RegisterBundle(statsDesc, HookBundle{
			AfterSlot: []SlotHook{func(ctx *SlotContext) error { return nil }},
		})
		return nil
	}); err != nil {
		t.Fatalf("RegisterGlobal failed: %v", err)
	}

	var cells []core.CellIndex
	if err := reg.RegisterCell("alloc-warn", PluginDescriptor{Category: PluginCategoryTrace}, func(cell core.CellIndex, b *PluginBroker) error {
		cells = append(cells, cell)
		return nil
	}); err != nil {
		t.Fatalf("RegisterCell failed: %v", err)
	}

	if err := reg.Load([]string{"stats", "alloc-warn"}, []core.CellIndex{0, 2}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// loading again is a no-op
	if err := reg.Load([]string{"stats"}, []core.CellIndex{0, 2}); err != nil {
		t.Fatalf("second Load failed: %v", err)
	}

	if globalCalls != 1 {
		t.Errorf("global factory ran %d times, want 1", globalCalls)
	}
	if len(cells) != 2 || cells[0] != 0 || cells[1] != 2 {
		t.Errorf("cell factory saw %v, want [0 2]", cells)
	}
	if got := reg.Loaded(); len(got) != 2 || got[0] != "stats" || got[1] != "alloc-warn" {
		t.Errorf("Loaded() = %v", got)
	}

	desc, scope, ok := reg.Descriptor("alloc-warn")
	if !ok || scope != ScopeCell || desc.Name != "alloc-warn" {
		t.Errorf("Descriptor(alloc-warn) = %+v %v %v", desc, scope, ok)
	}
	if n := len(broker.ListAllPlugins()); n != 2 {
		t.Errorf("expected 2 plugin descriptors, got %d", n)
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	reg := NewRegistry(NewPluginBroker())

	desc := PluginDescriptor{Name: "dup", Category: PluginCategoryPolicy}
	if err := reg.RegisterGlobal("dup", desc, func(b *PluginBroker) error { return nil }); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := reg.RegisterGlobal("dup", desc, func(b *PluginBroker) error { return nil }); err == nil {
		t.Errorf("expected duplicate registration to fail")
	}
	if err := reg.RegisterCell("dup", desc, func(cell core.CellIndex, b *PluginBroker) error { return nil }); err == nil {
		t.Errorf("expected a cell plugin to collide with the global one")
	}
	if err := reg.RegisterCell("", desc, func(cell core.CellIndex, b *PluginBroker) error { return nil }); err == nil {
		t.Errorf("expected empty name to fail")
	}
	if err := reg.RegisterGlobal("nil", desc, nil); err == nil {
		t.Errorf("expected nil factory to fail")
	}
}

func TestRegistryLoadErrors(t *testing.T) {
	reg := NewRegistry(NewPluginBroker())

	if err := reg.Load([]string{"missing"}, nil); err == nil {
		t.Fatalf("expected error for missing plugin")
	}

	boom := errors.New("boom")
	if err := reg.RegisterCell("bad", PluginDescriptor{}, func(cell core.CellIndex, b *PluginBroker) error {
		if cell == 1 {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatalf("RegisterCell failed: %v", err)
	}
	err := reg.Load([]string{"bad"}, []core.CellIndex{0, 1})
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
	if len(reg.Loaded()) != 0 {
		t.Errorf("failed plugin must not be marked loaded")
	}
}
