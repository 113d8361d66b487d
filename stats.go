package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/stat"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
)

// maxSamples bounds the per-slot sample window of a cell.
const maxSamples = 8192

// sampleWindow keeps the most recent samples.
type sampleWindow struct {
	buf  []float64
	next int
}

func (w *sampleWindow) add(v float64) {
	if len(w.buf) < maxSamples {
		w.buf = append(w.buf, v)
		return
	}
	w.buf[w.next] = v
	w.next = (w.next + 1) % maxSamples
}

func (w *sampleWindow) meanStd() (float64, float64) {
	switch len(w.buf) {
	case 0:
		return 0, 0
	case 1:
		return w.buf[0], 0
	}
	return stat.MeanStdDev(w.buf, nil)
}

type cellSamples struct {
	slots    int
	lost     int
	dlGrants sampleWindow
	ulGrants sampleWindow
	failures map[hooks.AllocChannel]int
}

type procSamples struct {
	ok      int
	failed  int
	latency sampleWindow
}

// StatsCollector is the built-in instrumentation plugin. It samples every slot, every
// dropped allocation and every finished control procedure.
type StatsCollector struct {
	mu         sync.Mutex
	cells      map[core.CellIndex]*cellSamples
	procs      map[string]*procSamples
	ueCreated  int
	ueReleased int
}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		cells: make(map[core.CellIndex]*cellSamples),
		procs: make(map[string]*procSamples),
	}
}

var statsDescriptor = hooks.PluginDescriptor{
	Name:        "stats",
	Category:    hooks.PluginCategoryInstrumentation,
	Description: "Per cell grant statistics and control procedure latency",
}

// Install registers the collector hooks with broker.
func (s *StatsCollector) Install(broker *hooks.PluginBroker) error {
	broker.RegisterAfterSlot(s.onSlot)
	broker.RegisterAllocationFailed(s.onAllocationFailed)
	broker.RegisterUEEvent(s.onUEEvent)
	broker.RegisterProcedureDone(s.onProcedure)
	return nil
}

func (s *StatsCollector) cell(idx core.CellIndex) *cellSamples {
	c, ok := s.cells[idx]
	if !ok {
		c = &cellSamples{failures: make(map[hooks.AllocChannel]int)}
		s.cells[idx] = c
	}
	return c
}

func (s *StatsCollector) onSlot(ctx *hooks.SlotContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cell(ctx.Cell)
	c.slots++
	c.lost += ctx.Lost
	if ctx.Result != nil {
		c.dlGrants.add(float64(len(ctx.Result.DL.UEGrants)))
		c.ulGrants.add(float64(len(ctx.Result.UL.PUSCHs)))
	}
	return nil
}

func (s *StatsCollector) onAllocationFailed(ctx *hooks.AllocationContext) error {
	s.mu.Lock()
	s.cell(ctx.Cell).failures[ctx.Channel]++
	s.mu.Unlock()
	return nil
}

func (s *StatsCollector) onUEEvent(ctx *hooks.UEContext) error {
	s.mu.Lock()
	switch ctx.Kind {
	case hooks.UECreated:
		s.ueCreated++
	case hooks.UEReleased:
		s.ueReleased++
	}
	s.mu.Unlock()
	return nil
}

func (s *StatsCollector) onProcedure(ctx *hooks.ProcedureContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[ctx.Name]
	if !ok {
		p = &procSamples{}
		s.procs[ctx.Name] = p
	}
	if ctx.Success {
		p.ok++
	} else {
		p.failed++
	}
	p.latency.add(float64(ctx.Duration.Microseconds()) / 1000)
	return nil
}

type CellSummary struct {
	Cell          core.CellIndex `json:"cell"`
	Slots         int            `json:"slots"`
	LostSlots     int            `json:"lost_slots"`
	DLGrantsMean  float64        `json:"dl_grants_mean"`
	DLGrantsStd   float64        `json:"dl_grants_std"`
	ULGrantsMean  float64        `json:"ul_grants_mean"`
	ULGrantsStd   float64        `json:"ul_grants_std"`
	PDCCHFailures int            `json:"pdcch_failures"`
	PDSCHFailures int            `json:"pdsch_failures"`
	PUSCHFailures int            `json:"pusch_failures"`
}

type ProcedureSummary struct {
	Name          string  `json:"name"`
	OK            int     `json:"ok"`
	Failed        int     `json:"failed"`
	LatencyMeanMs float64 `json:"latency_mean_ms"`
	LatencyStdMs  float64 `json:"latency_std_ms"`
}

// StatsSummary is the aggregate view of a run.
type StatsSummary struct {
	Cells       []CellSummary      `json:"cells"`
	Procedures  []ProcedureSummary `json:"procedures"`
	UEsCreated  int                `json:"ues_created"`
	UEsReleased int                `json:"ues_released"`
}

// Summary computes means and deviations over the sample windows.
func (s *StatsCollector) Summary() StatsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSummary{UEsCreated: s.ueCreated, UEsReleased: s.ueReleased}
	for idx, c := range s.cells {
		cs := CellSummary{
			Cell:          idx,
			Slots:         c.slots,
			LostSlots:     c.lost,
			PDCCHFailures: c.failures[hooks.AllocPDCCH],
			PDSCHFailures: c.failures[hooks.AllocPDSCH],
			PUSCHFailures: c.failures[hooks.AllocPUSCH],
		}
		cs.DLGrantsMean, cs.DLGrantsStd = c.dlGrants.meanStd()
		cs.ULGrantsMean, cs.ULGrantsStd = c.ulGrants.meanStd()
		out.Cells = append(out.Cells, cs)
	}
	sort.Slice(out.Cells, func(i, j int) bool { return out.Cells[i].Cell < out.Cells[j].Cell })
	for name, p := range s.procs {
		ps := ProcedureSummary{Name: name, OK: p.ok, Failed: p.failed}
		ps.LatencyMeanMs, ps.LatencyStdMs = p.latency.meanStd()
		out.Procedures = append(out.Procedures, ps)
	}
	sort.Slice(out.Procedures, func(i, j int) bool { return out.Procedures[i].Name < out.Procedures[j].Name })
	return out
}

// failureCell highlights non-zero failure counts.
func failureCell(n int) string {
	if n == 0 {
		return "0"
	}
	return color.RedString("%d", n)
}

// PrintStats renders a summary as two tables.
func PrintStats(w io.Writer, sum StatsSummary) {
	if len(sum.Cells) == 0 && len(sum.Procedures) == 0 {
		fmt.Fprintln(w, "No stats available")
		return
	}
	fmt.Fprintln(w, color.New(color.Bold).Sprint("=== Cell Statistics ==="))
	cells := tablewriter.NewWriter(w)
	cells.SetHeader([]string{"Cell", "Slots", "Lost", "DL grants/slot", "UL grants/slot", "PDCCH fail", "PDSCH fail", "PUSCH fail"})
	for _, c := range sum.Cells {
		cells.Append([]string{
			strconv.Itoa(int(c.Cell)),
			strconv.Itoa(c.Slots),
			failureCell(c.LostSlots),
			fmt.Sprintf("%.2f ± %.2f", c.DLGrantsMean, c.DLGrantsStd),
			fmt.Sprintf("%.2f ± %.2f", c.ULGrantsMean, c.ULGrantsStd),
			failureCell(c.PDCCHFailures),
			failureCell(c.PDSCHFailures),
			failureCell(c.PUSCHFailures),
		})
	}
	cells.Render()

	fmt.Fprintln(w)
	fmt.Fprintln(w, color.New(color.Bold).Sprint("=== Procedure Statistics ==="))
	procs := tablewriter.NewWriter(w)
	procs.SetHeader([]string{"Procedure", "OK", "Failed", "Latency ms"})
	for _, p := range sum.Procedures {
		procs.Append([]string{
			p.Name,
			color.GreenString("%d", p.OK),
			failureCell(p.Failed),
			fmt.Sprintf("%.3f ± %.3f", p.LatencyMeanMs, p.LatencyStdMs),
		})
	}
	procs.Render()
	fmt.Fprintf(w, "UEs created: %d, released: %d\n", sum.UEsCreated, sum.UEsReleased)
}
