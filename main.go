package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Readm/gnb_sim/logging"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gnbsim",
		Short:        "5G gNB simulator: CU-CP, MAC scheduler and GTP-U on a slot clock",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newRunCmd(),
		newConfigCmd(),
		newPresetsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

type loadFlags struct {
	config string
	preset string
}

func (f *loadFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "config file (toml or yaml); defaults to ./gnbsim.* when present")
	cmd.Flags().StringVarP(&f.preset, "preset", "p", defaultPreset, "predefined configuration the file is layered on")
}

func newRunCmd() *cobra.Command {
	var (
		load     loadFlags
		slots    int
		headless bool
		policy   string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(load.config, load.preset)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("slots") {
				cfg.Clock.TotalSlots = slots
			}
			if cmd.Flags().Changed("policy") {
				cfg.Scheduler.Policy = policy
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if headless {
				cfg.Web.Enabled = false
			}
			if err := ValidateConfig(cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			level, _ := logging.ParseLevel(cfg.Log.Level)
			log := logging.New(level, "gnbsim")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGNB(ctx, cfg, log, cmd)
		},
	}
	load.bind(cmd)
	cmd.Flags().IntVar(&slots, "slots", 0, "number of slots to run")
	cmd.Flags().BoolVar(&headless, "headless", false, "disable the web API")
	cmd.Flags().StringVar(&policy, "policy", "", "scheduling policy (rr, pf, time_rr, time_pf)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return cmd
}

func runGNB(ctx context.Context, cfg *Config, log *logging.Logger, cmd *cobra.Command) error {
	g, err := NewGNB(ctx, cfg, log, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}()

	log.Infof("running %d cell(s), %d UE(s) per cell, %d slots, policy %s",
		len(cfg.Cells), cfg.Traffic.UEs, cfg.Clock.TotalSlots, cfg.Scheduler.Policy)
	runErr := g.Run(ctx)

	snap := g.Snapshot()
	out := cmd.OutOrStdout()
	PrintStats(out, snap.Stats)
	fmt.Fprintf(out, "slot %d: %d UE(s) attached, %d session(s), %d SDU(s) sent, %d G-PDU(s) delivered\n",
		snap.Slot, snap.Attached, snap.Sessions, snap.Traffic.Sent, snap.GTPU.Delivered)
	return runErr
}

func newConfigCmd() *cobra.Command {
	var (
		load   loadFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(load.config, load.preset)
			if err != nil {
				return err
			}
			if err := ValidateConfig(cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return DumpConfig(cmd.OutOrStdout(), cfg, format)
		},
	}
	load.bind(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", "toml", "output format (toml, yaml)")
	return cmd
}

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the predefined configurations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"Name", "Cells", "UEs/cell", "Policy", "Description"})
			for _, p := range GetPredefinedConfigs() {
				table.Append([]string{
					p.Name,
					strconv.Itoa(len(p.Config.Cells)),
					strconv.Itoa(p.Config.Traffic.UEs),
					p.Config.Scheduler.Policy,
					p.Description,
				})
			}
			table.Render()
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
