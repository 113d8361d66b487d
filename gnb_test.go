package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Readm/gnb_sim/logging"
)

func testGNBConfig(t *testing.T, preset string) *Config {
	t.Helper()
	cfg := GetConfigByName(preset)
	require.NotNil(t, cfg)
	cfg.Log.Level = "error"
	cfg.Clock.SlotDuration = 100 * time.Microsecond
	cfg.Clock.TotalSlots = 2000
	cfg.Traffic.UEs = 2
	require.NoError(t, ValidateConfig(cfg))
	return cfg
}

func runGNBToCompletion(t *testing.T, cfg *Config) *Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	g, err := NewGNB(ctx, cfg, logging.Discard(), io.Discard)
	require.NoError(t, err)
	defer func() { assert.NoError(t, g.Close()) }()

	require.NoError(t, g.Run(ctx))
	require.NoError(t, ctx.Err(), "run hit the test deadline")
	return g.Snapshot()
}

func TestGNB_AttachAndTraffic(t *testing.T) {
	tests := []struct {
		name   string
		preset string
		bind   string
	}{
		{"single cell in process", "single_cell", ""},
		{"two cells in process", "two_cells", ""},
		{"udp gateway", "single_cell", "127.0.0.1:0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testGNBConfig(t, tt.preset)
			cfg.GTPU.BindAddr = tt.bind
			ues := uint64(cfg.Traffic.UEs * len(cfg.Cells))

			snap := runGNBToCompletion(t, cfg)

			assert.Equal(t, cfg.Clock.TotalSlots, snap.Slot)
			assert.True(t, snap.NGConnected)
			assert.True(t, snap.F1Up)
			assert.Equal(t, ues, snap.Attached)
			assert.Equal(t, ues, snap.Sessions)
			assert.Positive(t, snap.Traffic.Sent)
			assert.Positive(t, snap.GTPU.Delivered)
			assert.Zero(t, snap.GTPU.Malformed)
			// every UE is released before shutdown
			assert.Zero(t, snap.UEs)

			require.Len(t, snap.Cells, len(cfg.Cells))
			for _, c := range snap.Cells {
				assert.True(t, c.Active, "cell %d", c.Cell)
				assert.Equal(t, uint64(cfg.Clock.TotalSlots), c.Processor.Processed)
				assert.Zero(t, c.Processor.Dropped)
				assert.Positive(t, c.PHY.SSBs)
				assert.Positive(t, c.PHY.SIBs)
				assert.Positive(t, c.PHY.DLGrants)
				assert.Positive(t, c.PHY.DLBytes)
				assert.Positive(t, c.Enqueued)
				assert.Equal(t, cfg.Scheduler.Policy, c.Policy)
			}

			assert.Equal(t, int(ues), snap.Stats.UEsCreated)
			require.Len(t, snap.Stats.Cells, len(cfg.Cells))
			names := make([]string, 0, len(snap.Plugins))
			for _, p := range snap.Plugins {
				names = append(names, p.Name)
			}
			assert.Contains(t, names, "stats")
		})
	}
}

func TestGNB_CancelStopsRun(t *testing.T) {
	cfg := testGNBConfig(t, defaultPreset)
	cfg.Clock.SlotDuration = time.Millisecond
	cfg.Clock.TotalSlots = 1_000_000

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, err := NewGNB(ctx, cfg, logging.Discard(), io.Discard)
	require.NoError(t, err)
	defer g.Close()

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Less(t, g.Clock().TargetSlot(), cfg.Clock.TotalSlots)
}

func TestGNB_WebCommands(t *testing.T) {
	cfg := testGNBConfig(t, defaultPreset)
	cfg.Web.Enabled = true
	cfg.Web.Addr = "127.0.0.1:0"
	cfg.Clock.SlotDuration = time.Millisecond
	cfg.Clock.TotalSlots = 1_000_000

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, err := NewGNB(ctx, cfg, logging.Discard(), io.Discard)
	require.NoError(t, err)
	defer g.Close()

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.True(t, g.web.queueCommand(ControlCommand{Type: CommandPause}))
	require.Eventually(t, g.Clock().Paused, time.Second, 5*time.Millisecond)

	require.True(t, g.web.queueCommand(ControlCommand{Type: CommandResume}))
	require.Eventually(t, func() bool { return !g.Clock().Paused() }, time.Second, 5*time.Millisecond)

	require.True(t, g.web.queueCommand(ControlCommand{Type: CommandStop}))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after stop command")
	}
	assert.NoError(t, ctx.Err())
}
