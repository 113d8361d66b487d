package mac

import (
	"sync/atomic"
	"time"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/logging"
)

// CRCIndication is the PUSCH decoding outcome reported by the PHY.
type CRCIndication struct {
	Slot    core.SlotPoint
	RNTI    core.RNTI
	OK      bool
	Payload []byte
}

// UCIIndication carries PUCCH/PUSCH uplink control information.
type UCIIndication struct {
	Slot   core.SlotPoint
	RNTI   core.RNTI
	SR     bool
	HasCQI bool
	CQI    uint8
	RSSI   float64
}

// ULFeedbackNotifier is the scheduler side of the UL feedback path.
type ULFeedbackNotifier interface {
	CRCIndication(idx core.UEIndex, ok bool)
	SRIndication(idx core.UEIndex)
	CQIIndication(idx core.UEIndex, cqi uint8)
	ULBSRIndication(idx core.UEIndex, bytes int)
}

// ControlInfoHandler decodes UL feedback and forwards it to the scheduler.
type ControlInfoHandler struct {
	ues   *DLUEManager
	sched ULFeedbackNotifier
	warn  *logging.Throttled
	log   *logging.Logger

	unknown  atomic.Uint64
	rssiSum  atomic.Int64
	rssiCnt  atomic.Int64
	bsrCount atomic.Uint64
}

// NewControlInfoHandler wires UL feedback of a cell.
func NewControlInfoHandler(ues *DLUEManager, sched ULFeedbackNotifier, log *logging.Logger) *ControlInfoHandler {
	return &ControlInfoHandler{
		ues:   ues,
		sched: sched,
		log:   log,
		warn:  logging.NewThrottled(log, time.Second, 3),
	}
}

func (h *ControlInfoHandler) resolve(rnti core.RNTI, what string) (core.UEIndex, bool) {
	idx, ok := h.ues.FindRNTI(rnti)
	if !ok {
		h.unknown.Add(1)
		h.warn.Warnf("rnti=%s: %s for unknown RNTI discarded", rnti, what)
	}
	return idx, ok
}

// HandleCRC forwards a CRC and decodes BSR CEs of correctly received PDUs.
func (h *ControlInfoHandler) HandleCRC(ind CRCIndication) {
	idx, ok := h.resolve(ind.RNTI, "CRC")
	if !ok {
		return
	}
	h.sched.CRCIndication(idx, ind.OK)
	if !ind.OK || len(ind.Payload) == 0 {
		return
	}
	subPDUs, err := DecodeULPDU(ind.Payload)
	if err != nil {
		h.log.Debugf("rnti=%s slot=%s: %v", ind.RNTI, ind.Slot, err)
	}
	for _, sp := range subPDUs {
		switch sp.LCID {
		case lcidShortBSR, lcidShortTruncBSR:
			if _, bytes, ok := ShortBSR(sp.Payload); ok {
				h.bsrCount.Add(1)
				h.sched.ULBSRIndication(idx, bytes)
			}
		}
	}
}

// HandleUCI forwards SR and CQI reports and accumulates RSSI.
func (h *ControlInfoHandler) HandleUCI(ind UCIIndication) {
	idx, ok := h.resolve(ind.RNTI, "UCI")
	if !ok {
		return
	}
	if ind.SR {
		h.sched.SRIndication(idx)
	}
	if ind.HasCQI {
		h.sched.CQIIndication(idx, ind.CQI)
	}
	if ind.RSSI != 0 {
		h.rssiSum.Add(int64(ind.RSSI * 10))
		h.rssiCnt.Add(1)
	}
}

// ULStats is a snapshot of the UL feedback counters.
type ULStats struct {
	UnknownRNTI uint64
	BSRs        uint64
	AvgRSSI     float64
}

// Stats returns the UL feedback counters.
func (h *ControlInfoHandler) Stats() ULStats {
	s := ULStats{UnknownRNTI: h.unknown.Load(), BSRs: h.bsrCount.Load()}
	if n := h.rssiCnt.Load(); n > 0 {
		s.AvgRSSI = float64(h.rssiSum.Load()) / 10 / float64(n)
	}
	return s
}
