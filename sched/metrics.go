package sched

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/olekukonko/tablewriter"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/logging"
)

// CellMetricsReport aggregates one metrics period of a cell.
type CellMetricsReport struct {
	Cell          core.CellIndex `json:"cell"`
	Slots         int            `json:"slots"`
	NofUEs        int            `json:"nof_ues"`
	DLGrants      int            `json:"dl_grants"`
	ULGrants      int            `json:"ul_grants"`
	PDCCHFailures int            `json:"pdcch_failures"`
	PDSCHFailures int            `json:"pdsch_failures"`
	PUSCHFailures int            `json:"pusch_failures"`
	DLBytes       uint64         `json:"dl_bytes"`
	ULBytes       uint64         `json:"ul_bytes"`
	CRCOK         uint64         `json:"crc_ok"`
	CRCKO         uint64         `json:"crc_ko"`
	AvgCQI        float64        `json:"avg_cqi"`
	MaxUsedPRBs   int            `json:"max_used_prbs"`
}

// MetricsNotifier receives a report at the end of every metrics period.
type MetricsNotifier interface {
	ReportMetrics(r CellMetricsReport)
}

// MetricsNotifierFunc adapts a function to MetricsNotifier.
type MetricsNotifierFunc func(r CellMetricsReport)

func (f MetricsNotifierFunc) ReportMetrics(r CellMetricsReport) { f(r) }

type cellMetrics struct {
	period   int
	notifier MetricsNotifier
	cur      CellMetricsReport
	cqiSum   uint64
	cqiCount uint64

	mu   sync.Mutex
	last CellMetricsReport
}

func (m *cellMetrics) onSlot(res *core.SchedResult, nofUEs int, usedPRBs int) {
	m.cur.Slots++
	m.cur.NofUEs = nofUEs
	m.cur.DLGrants += len(res.DL.UEGrants)
	m.cur.ULGrants += len(res.UL.PUSCHs)
	m.cur.PDCCHFailures += res.Failed.PDCCH
	m.cur.PDSCHFailures += res.Failed.PDSCH
	m.cur.PUSCHFailures += res.Failed.PUSCH
	for _, g := range res.DL.UEGrants {
		m.cur.DLBytes += uint64(g.TBSBytes)
	}
	for _, g := range res.UL.PUSCHs {
		m.cur.ULBytes += uint64(g.TBSBytes)
	}
	if usedPRBs > m.cur.MaxUsedPRBs {
		m.cur.MaxUsedPRBs = usedPRBs
	}
	if m.period > 0 && m.cur.Slots >= m.period {
		m.flush()
	}
}

func (m *cellMetrics) onCQI(cqi uint8) {
	m.cqiSum += uint64(cqi)
	m.cqiCount++
}

func (m *cellMetrics) onCRC(ok bool) {
	if ok {
		m.cur.CRCOK++
	} else {
		m.cur.CRCKO++
	}
}

func (m *cellMetrics) flush() {
	if m.cqiCount > 0 {
		m.cur.AvgCQI = float64(m.cqiSum) / float64(m.cqiCount)
	}
	report := m.cur
	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	if m.notifier != nil {
		m.notifier.ReportMetrics(report)
	}
	m.cur = CellMetricsReport{Cell: report.Cell, NofUEs: report.NofUEs}
	m.cqiSum, m.cqiCount = 0, 0
}

func (m *cellMetrics) lastReport() CellMetricsReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// LogMetricsConsumer writes one structured log line per report.
type LogMetricsConsumer struct {
	Log *logging.Logger
}

func (c LogMetricsConsumer) ReportMetrics(r CellMetricsReport) {
	c.Log.With("cell", r.Cell).Infof(
		"slots=%d ues=%d dl_grants=%d ul_grants=%d dl_bytes=%d ul_bytes=%d pdcch_fail=%d pdsch_fail=%d pusch_fail=%d crc=%d/%d cqi=%.1f",
		r.Slots, r.NofUEs, r.DLGrants, r.ULGrants, r.DLBytes, r.ULBytes,
		r.PDCCHFailures, r.PDSCHFailures, r.PUSCHFailures, r.CRCOK, r.CRCOK+r.CRCKO, r.AvgCQI)
}

// JSONMetricsConsumer writes one JSON object per line.
type JSONMetricsConsumer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONMetricsConsumer writes reports to w.
func NewJSONMetricsConsumer(w io.Writer) *JSONMetricsConsumer {
	return &JSONMetricsConsumer{enc: json.NewEncoder(w)}
}

func (c *JSONMetricsConsumer) ReportMetrics(r CellMetricsReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.enc.Encode(r)
}

// TableMetricsConsumer renders each report as a table row block.
type TableMetricsConsumer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTableMetricsConsumer renders reports to w.
func NewTableMetricsConsumer(w io.Writer) *TableMetricsConsumer {
	return &TableMetricsConsumer{out: w}
}

func (c *TableMetricsConsumer) ReportMetrics(r CellMetricsReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	RenderMetricsTable(c.out, []CellMetricsReport{r})
}

// RenderMetricsTable prints reports with one row per cell.
func RenderMetricsTable(w io.Writer, reports []CellMetricsReport) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Cell", "Slots", "UEs", "DL grants", "UL grants", "DL bytes", "UL bytes", "PDCCH fail", "PDSCH fail", "PUSCH fail", "CRC ok/ko", "CQI"})
	for _, r := range reports {
		table.Append([]string{
			strconv.Itoa(int(r.Cell)),
			strconv.Itoa(r.Slots),
			strconv.Itoa(r.NofUEs),
			strconv.Itoa(r.DLGrants),
			strconv.Itoa(r.ULGrants),
			strconv.FormatUint(r.DLBytes, 10),
			strconv.FormatUint(r.ULBytes, 10),
			strconv.Itoa(r.PDCCHFailures),
			strconv.Itoa(r.PDSCHFailures),
			strconv.Itoa(r.PUSCHFailures),
			fmt.Sprintf("%d/%d", r.CRCOK, r.CRCKO),
			fmt.Sprintf("%.1f", r.AvgCQI),
		})
	}
	table.Render()
}
