package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Preset(t *testing.T) {
	testChdir(t, t.TempDir())

	cfg, err := LoadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, GetConfigByName(defaultPreset), cfg)

	cfg, err = LoadConfig("", "two_cells")
	require.NoError(t, err)
	require.Len(t, cfg.Cells, 2)
	assert.Equal(t, uint16(2), cfg.Cells[1].PCI)
	assert.Equal(t, 500*time.Microsecond, cfg.Clock.SlotDuration)

	_, err = LoadConfig("", "nope")
	assert.ErrorContains(t, err, "unknown preset")
}

func TestLoadConfig_FileOverridesPreset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gnb.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[scheduler]
policy = "pf"

[clock]
total_slots = 100
slot_duration = "0s"
`), 0o644))

	cfg, err := LoadConfig(path, "multi_ue_rr")
	require.NoError(t, err)
	assert.Equal(t, "pf", cfg.Scheduler.Policy)
	assert.Equal(t, 100, cfg.Clock.TotalSlots)
	assert.Zero(t, cfg.Clock.SlotDuration)
	// untouched keys keep the preset values
	assert.Equal(t, 8, cfg.Traffic.UEs)
	assert.Equal(t, 8, cfg.Scheduler.MaxUEGrantsPerSlot)
	assert.Len(t, cfg.Cells, 1)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("GNBSIM_TRAFFIC_UES", "3")
	t.Setenv("GNBSIM_LOG_LEVEL", "debug")

	cfg, err := LoadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Traffic.UEs)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestDumpConfig_RoundTrip(t *testing.T) {
	cfg := GetConfigByName("two_cells")
	cfg.Scheduler.Policy = "time_pf"

	var buf bytes.Buffer
	require.NoError(t, DumpConfig(&buf, cfg, "yaml"))
	path := filepath.Join(t.TempDir(), "dump.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	loaded, err := LoadConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	buf.Reset()
	require.NoError(t, DumpConfig(&buf, cfg, "toml"))
	assert.Contains(t, buf.String(), "[scheduler]")
	assert.Contains(t, buf.String(), "time_pf")

	assert.Error(t, DumpConfig(&buf, cfg, "json"))
}

func TestGetConfigByName_ReturnsCopy(t *testing.T) {
	a := GetConfigByName("two_cells")
	require.NotNil(t, a)
	a.Cells[0].PCI = 99
	b := GetConfigByName("two_cells")
	assert.Equal(t, uint16(1), b.Cells[0].PCI)

	assert.Nil(t, GetConfigByName("missing"))
}

func TestValidateConfig_Presets(t *testing.T) {
	for _, p := range GetPredefinedConfigs() {
		t.Run(p.Name, func(t *testing.T) {
			assert.NoError(t, ValidateConfig(p.Config))
		})
	}
}

func TestValidateConfig_Defaults(t *testing.T) {
	cfg := GetConfigByName(defaultPreset)
	cfg.Clock.TotalSlots = 0
	cfg.Traffic.SDUBytes = 0
	cfg.Scheduler.Policy = ""
	cfg.Metrics.Format = ""
	cfg.Cells[0].NRCGI = 0
	cfg.Cells[0].SIB1 = ""
	cfg.Web = WebConfig{Enabled: true}

	require.NoError(t, ValidateConfig(cfg))
	assert.Equal(t, DefaultTotalSlots, cfg.Clock.TotalSlots)
	assert.Equal(t, DefaultSDUBytes, cfg.Traffic.SDUBytes)
	assert.Equal(t, "rr", cfg.Scheduler.Policy)
	assert.Equal(t, "log", cfg.Metrics.Format)
	assert.Equal(t, uint64(0x19b001), cfg.Cells[0].NRCGI)
	assert.Equal(t, defaultSIB1, cfg.Cells[0].SIB1)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.Addr)
	assert.Equal(t, DefaultTraceEverySlots, cfg.Web.TraceEverySlots)
}

func TestValidateConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"nil cells", func(c *Config) { c.Cells = nil }, "at least one cell"},
		{"too many cells", func(c *Config) {
			for i := 0; i <= maxCells; i++ {
				c.Cells = append(c.Cells, presetCell(uint16(10+i)))
			}
		}, "at most"},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }, "chatty"},
		{"negative slots", func(c *Config) { c.Clock.TotalSlots = -1 }, "total_slots"},
		{"negative ues", func(c *Config) { c.Traffic.UEs = -1 }, "traffic.ues"},
		{"negative rate", func(c *Config) { c.Traffic.RatePerSlot = -0.5 }, "rate_per_slot"},
		{"rnti range", func(c *Config) { c.Traffic.UEs = 70000 }, "C-RNTI"},
		{"policy", func(c *Config) { c.Scheduler.Policy = "edf" }, "edf"},
		{"metrics format", func(c *Config) { c.Metrics.Format = "xml" }, "metrics.format"},
		{"pci range", func(c *Config) { c.Cells[0].PCI = 1008 }, "exceeds"},
		{"duplicate pci", func(c *Config) { c.Cells = append(c.Cells, c.Cells[0]) }, "duplicate pci"},
		{"duplicate nrcgi", func(c *Config) {
			dup := presetCell(2)
			dup.NRCGI = c.Cells[0].NRCGI
			c.Cells = append(c.Cells, dup)
		}, "duplicate nrcgi"},
		{"slot duration", func(c *Config) { c.Clock.SlotDuration = 2 * time.Second }, "longer than a second"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetConfigByName(defaultPreset)
			tt.mutate(cfg)
			assert.ErrorContains(t, ValidateConfig(cfg), tt.want)
		})
	}
	assert.Error(t, ValidateConfig(nil))
}

// testChdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func testChdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
