package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix         = "GNBSIM"
	defaultConfigName = "gnbsim"
	defaultPreset     = "single_cell"
)

// Config is the full simulator configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log" toml:"log"`
	Cells     []CellConfig    `mapstructure:"cells" yaml:"cells" toml:"cells"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Clock     ClockConfig     `mapstructure:"clock" yaml:"clock" toml:"clock"`
	Traffic   TrafficConfig   `mapstructure:"traffic" yaml:"traffic" toml:"traffic"`
	GTPU      GTPUConfig      `mapstructure:"gtpu" yaml:"gtpu" toml:"gtpu"`
	CUCP      CUCPConfig      `mapstructure:"cucp" yaml:"cucp" toml:"cucp"`
	Web       WebConfig       `mapstructure:"web" yaml:"web" toml:"web"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics" toml:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" toml:"level"`
}

// CellConfig describes one simulated cell. Zero values take the scheduler defaults.
type CellConfig struct {
	PCI             uint16 `mapstructure:"pci" yaml:"pci" toml:"pci"`
	NRCGI           uint64 `mapstructure:"nrcgi" yaml:"nrcgi" toml:"nrcgi"`
	TAC             uint32 `mapstructure:"tac" yaml:"tac" toml:"tac"`
	Numerology      uint8  `mapstructure:"numerology" yaml:"numerology" toml:"numerology"`
	NofPRBs         int    `mapstructure:"nof_prbs" yaml:"nof_prbs" toml:"nof_prbs"`
	SSBPeriodSlots  int    `mapstructure:"ssb_period_slots" yaml:"ssb_period_slots" toml:"ssb_period_slots"`
	SIB1PeriodSlots int    `mapstructure:"sib1_period_slots" yaml:"sib1_period_slots" toml:"sib1_period_slots"`
	// SIB1 is the broadcast payload, sent as is.
	SIB1         string `mapstructure:"sib1" yaml:"sib1" toml:"sib1"`
	SDUQueueSize int    `mapstructure:"sdu_queue_size" yaml:"sdu_queue_size" toml:"sdu_queue_size"`
}

type SchedulerConfig struct {
	Policy             string `mapstructure:"policy" yaml:"policy" toml:"policy"`
	MaxUEGrantsPerSlot int    `mapstructure:"max_ue_grants_per_slot" yaml:"max_ue_grants_per_slot" toml:"max_ue_grants_per_slot"`
	MetricsPeriodSlots int    `mapstructure:"metrics_period_slots" yaml:"metrics_period_slots" toml:"metrics_period_slots"`
}

// ClockConfig paces the slot clock. A zero SlotDuration runs slots back to back.
type ClockConfig struct {
	SlotDuration time.Duration `mapstructure:"slot_duration" yaml:"slot_duration" toml:"slot_duration"`
	TotalSlots   int           `mapstructure:"total_slots" yaml:"total_slots" toml:"total_slots"`
}

// TrafficConfig drives the simulated UEs. UEs is per cell; RatePerSlot is the mean number of
// DL SDUs per UE and slot.
type TrafficConfig struct {
	UEs         int     `mapstructure:"ues" yaml:"ues" toml:"ues"`
	RatePerSlot float64 `mapstructure:"rate_per_slot" yaml:"rate_per_slot" toml:"rate_per_slot"`
	SDUBytes    int     `mapstructure:"sdu_bytes" yaml:"sdu_bytes" toml:"sdu_bytes"`
	ULBytes     int     `mapstructure:"ul_bytes_per_slot" yaml:"ul_bytes_per_slot" toml:"ul_bytes_per_slot"`
}

// GTPUConfig places the N3 endpoint. An empty BindAddr keeps user plane traffic in process.
type GTPUConfig struct {
	BindAddr  string `mapstructure:"bind_addr" yaml:"bind_addr" toml:"bind_addr"`
	EnableSeq bool   `mapstructure:"enable_seq" yaml:"enable_seq" toml:"enable_seq"`
}

// CUCPConfig holds control plane limits, timeouts in slots.
type CUCPConfig struct {
	MaxUEs           int    `mapstructure:"max_ues" yaml:"max_ues" toml:"max_ues"`
	MaxSetupRetries  int    `mapstructure:"max_setup_retries" yaml:"max_setup_retries" toml:"max_setup_retries"`
	NGSetupTimeout   uint64 `mapstructure:"ng_setup_timeout" yaml:"ng_setup_timeout" toml:"ng_setup_timeout"`
	ProcedureTimeout uint64 `mapstructure:"procedure_timeout" yaml:"procedure_timeout" toml:"procedure_timeout"`
	HandoverTimeout  uint64 `mapstructure:"handover_timeout" yaml:"handover_timeout" toml:"handover_timeout"`
}

type WebConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled" toml:"enabled"`
	Addr            string `mapstructure:"addr" yaml:"addr" toml:"addr"`
	TraceEverySlots int    `mapstructure:"trace_every_slots" yaml:"trace_every_slots" toml:"trace_every_slots"`
}

// MetricsConfig selects the periodic scheduler report sink: log, json or table.
type MetricsConfig struct {
	Format string `mapstructure:"format" yaml:"format" toml:"format"`
}

// LoadConfig layers the named preset, the config file and GNBSIM_* environment variables.
// With an empty path ./gnbsim.{toml,yaml} is used when present.
func LoadConfig(path, preset string) (*Config, error) {
	if preset == "" {
		preset = defaultPreset
	}
	base := GetConfigByName(preset)
	if base == nil {
		return nil, fmt.Errorf("unknown preset %q", preset)
	}
	defaults, err := yaml.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encode preset %s: %w", preset, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("load preset %s: %w", preset, err)
	}
	// the file format follows its extension
	v.SetConfigType("")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(".")
	}
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// DumpConfig writes cfg as toml or yaml.
func DumpConfig(w io.Writer, cfg *Config, format string) error {
	var (
		out []byte
		err error
	)
	switch strings.ToLower(format) {
	case "toml":
		out, err = toml.Marshal(cfg)
	case "yaml", "yml":
		out, err = yaml.Marshal(cfg)
	default:
		return fmt.Errorf("unknown format %q (toml, yaml)", format)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	_, err = w.Write(out)
	return err
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Cells = append([]CellConfig(nil), c.Cells...)
	return &cp
}
