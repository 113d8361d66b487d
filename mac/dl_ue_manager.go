package mac

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Readm/gnb_sim/core"
)

// DefaultSDUQueueSize bounds the SDUs buffered per logical channel.
const DefaultSDUQueueSize = 256

var (
	ErrUnknownRNTI  = errors.New("mac: unknown rnti")
	ErrDuplicateUE  = errors.New("mac: ue already exists")
	ErrLCIDInactive = errors.New("mac: logical channel not configured")
	ErrSDUQueueFull = errors.New("mac: sdu queue full")
)

// BufferStateNotifier receives the DL buffer occupancy of a logical channel.
type BufferStateNotifier interface {
	DLBufferStateIndication(idx core.UEIndex, lcid core.LCID, bytes int)
}

type lcQueue struct {
	active bool
	sdus   [][]byte
	bytes  int
}

type dlUE struct {
	index core.UEIndex
	rnti  core.RNTI
	lcs   [core.MaxNofLCIDs]lcQueue
}

// DLUEManager buffers DL SDUs per UE and logical channel until a grant pulls them.
type DLUEManager struct {
	mu       sync.Mutex
	ues      map[core.UEIndex]*dlUE
	byRNTI   map[core.RNTI]core.UEIndex
	bs       BufferStateNotifier
	maxSDUs  int
	dropped  atomic.Uint64
	enqueued atomic.Uint64
}

// NewDLUEManager creates an empty manager. bs may be nil.
func NewDLUEManager(bs BufferStateNotifier, maxSDUsPerLC int) *DLUEManager {
	if maxSDUsPerLC <= 0 {
		maxSDUsPerLC = DefaultSDUQueueSize
	}
	return &DLUEManager{
		ues:     make(map[core.UEIndex]*dlUE),
		byRNTI:  make(map[core.RNTI]core.UEIndex),
		bs:      bs,
		maxSDUs: maxSDUsPerLC,
	}
}

// AddUE registers a UE with its configured logical channels. SRB0 and SRB1 are always active.
func (m *DLUEManager) AddUE(idx core.UEIndex, rnti core.RNTI, lcids []core.LCID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ues[idx]; ok {
		return fmt.Errorf("%w: ue=%d", ErrDuplicateUE, idx)
	}
	if _, ok := m.byRNTI[rnti]; ok {
		return fmt.Errorf("%w: rnti=%s", ErrDuplicateUE, rnti)
	}
	ue := &dlUE{index: idx, rnti: rnti}
	ue.lcs[core.LCIDSRB0].active = true
	ue.lcs[core.LCIDSRB1].active = true
	for _, lcid := range lcids {
		if int(lcid) < len(ue.lcs) {
			ue.lcs[lcid].active = true
		}
	}
	m.ues[idx] = ue
	m.byRNTI[rnti] = idx
	return nil
}

// RemoveUE drops a UE and everything buffered for it.
func (m *DLUEManager) RemoveUE(idx core.UEIndex) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.ues[idx]
	if !ok {
		return false
	}
	delete(m.ues, idx)
	delete(m.byRNTI, ue.rnti)
	return true
}

// FindRNTI resolves an RNTI to its UE index.
func (m *DLUEManager) FindRNTI(rnti core.RNTI) (core.UEIndex, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byRNTI[rnti]
	return idx, ok
}

// NofUEs returns the registered UE count.
func (m *DLUEManager) NofUEs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ues)
}

// EnqueueSDU buffers an SDU and reports the new buffer state.
func (m *DLUEManager) EnqueueSDU(rnti core.RNTI, lcid core.LCID, sdu []byte) error {
	m.mu.Lock()
	idx, ok := m.byRNTI[rnti]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRNTI, rnti)
	}
	ue := m.ues[idx]
	if int(lcid) >= len(ue.lcs) || !ue.lcs[lcid].active {
		m.mu.Unlock()
		return fmt.Errorf("%w: rnti=%s lcid=%d", ErrLCIDInactive, rnti, lcid)
	}
	lc := &ue.lcs[lcid]
	if len(lc.sdus) >= m.maxSDUs {
		m.mu.Unlock()
		m.dropped.Add(1)
		return fmt.Errorf("%w: rnti=%s lcid=%d", ErrSDUQueueFull, rnti, lcid)
	}
	lc.sdus = append(lc.sdus, sdu)
	lc.bytes += len(sdu)
	pending := lc.bytes
	m.mu.Unlock()

	m.enqueued.Add(1)
	if m.bs != nil {
		m.bs.DLBufferStateIndication(idx, lcid, pending)
	}
	return nil
}

// PendingBytes returns the bytes buffered on a logical channel.
func (m *DLUEManager) PendingBytes(idx core.UEIndex, lcid core.LCID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.ues[idx]
	if !ok || int(lcid) >= len(ue.lcs) {
		return 0
	}
	return ue.lcs[lcid].bytes
}

// Dropped counts SDUs rejected because a queue was full.
func (m *DLUEManager) Dropped() uint64 { return m.dropped.Load() }

// Enqueued counts SDUs accepted.
func (m *DLUEManager) Enqueued() uint64 { return m.enqueued.Load() }

type bsUpdate struct {
	lcid  core.LCID
	bytes int
}

// BuildPDU fills the transport block of grant with buffered SDUs, SRBs first, and pads the
// rest. The buffer state of every touched channel is reported afterwards.
func (m *DLUEManager) BuildPDU(enc *PDUEncoder, grant core.PDSCHGrant, buf []byte) []byte {
	enc.Reset(buf, grant.TBSBytes)

	var updates [core.MaxNofLCIDs]bsUpdate
	nofUpdates := 0
	m.mu.Lock()
	ue, ok := m.ues[grant.UE]
	if ok && ue.rnti == grant.RNTI {
		for lcid := range ue.lcs {
			lc := &ue.lcs[lcid]
			popped := false
			for len(lc.sdus) > 0 {
				room := enc.MaxSDUSize()
				if room <= 0 {
					break
				}
				sdu := lc.sdus[0]
				n := len(sdu)
				if n > room {
					n = room
				}
				if enc.AddSDU(core.LCID(lcid), sdu[:n]) != nil {
					break
				}
				lc.bytes -= n
				popped = true
				if n < len(sdu) {
					// segment: the tail stays at the head of the queue
					lc.sdus[0] = sdu[n:]
					break
				}
				lc.sdus[0] = nil
				lc.sdus = lc.sdus[1:]
			}
			if popped {
				updates[nofUpdates] = bsUpdate{lcid: core.LCID(lcid), bytes: lc.bytes}
				nofUpdates++
			}
		}
	}
	m.mu.Unlock()

	if m.bs != nil {
		for _, u := range updates[:nofUpdates] {
			m.bs.DLBufferStateIndication(grant.UE, u.lcid, u.bytes)
		}
	}
	return enc.Finish()
}
