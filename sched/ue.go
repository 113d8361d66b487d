package sched

import (
	"sort"
	"sync"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/policy"
)

const (
	// pfAlpha is the EWMA weight of the current slot in the PF averages.
	pfAlpha = 0.05
	// srGrantBytes is the UL grant size given on an SR without a BSR.
	srGrantBytes = 256
	defaultCQI   = 7
)

// UEConfig is what the scheduler needs to know about a new UE.
type UEConfig struct {
	Index      core.UEIndex
	RNTI       core.RNTI
	LCIDs      []core.LCID
	InitialCQI uint8
}

// UE is the scheduler view of one connected UE.
type UE struct {
	index  core.UEIndex
	rnti   core.RNTI
	lcids  []core.LCID
	dlBS   [core.MaxNofLCIDs]int
	ulBSR  int
	sr     bool
	cqi    uint8
	avgDL  float64
	avgUL  float64
	slotDL int
	slotUL int
	crcOK  uint64
	crcKO  uint64

	dlGranted bool
	ulGranted bool
}

func newUE(cfg UEConfig) *UE {
	cqi := cfg.InitialCQI
	if cqi == 0 {
		cqi = defaultCQI
	}
	lcids := cfg.LCIDs
	if len(lcids) == 0 {
		lcids = []core.LCID{core.LCIDSRB1, core.LCIDMinDRB}
	}
	return &UE{index: cfg.Index, rnti: cfg.RNTI, lcids: append([]core.LCID(nil), lcids...), cqi: cqi}
}

func (u *UE) Index() core.UEIndex { return u.index }
func (u *UE) RNTI() core.RNTI     { return u.rnti }
func (u *UE) LastCQI() uint8      { return u.cqi }
func (u *UE) AvgDLRate() float64  { return u.avgDL }
func (u *UE) AvgULRate() float64  { return u.avgUL }
func (u *UE) HasPendingUL() bool  { return u.ulBSR > 0 || u.sr }

// HasPendingDL reports buffered DL bytes on any configured logical channel.
func (u *UE) HasPendingDL() bool { return u.PendingDLBytes() > 0 }

// PendingDLBytes sums the DL buffer state over logical channels.
func (u *UE) PendingDLBytes() int {
	total := 0
	for _, bs := range u.dlBS {
		total += bs
	}
	return total
}

// PendingULBytes is the last BSR, or a minimum grant when only an SR was received.
func (u *UE) PendingULBytes() int {
	if u.ulBSR == 0 && u.sr {
		return srGrantBytes
	}
	return u.ulBSR
}

// pendingLCIDs lists logical channels with data, SRBs first.
func (u *UE) pendingLCIDs() []core.LCID {
	var out []core.LCID
	for lcid, bs := range u.dlBS {
		if bs > 0 {
			out = append(out, core.LCID(lcid))
		}
	}
	return out
}

// consumeDL removes up to n bytes from the buffer estimate, SRBs first.
func (u *UE) consumeDL(n int) {
	for lcid := range u.dlBS {
		if n <= 0 {
			return
		}
		take := u.dlBS[lcid]
		if take > n {
			take = n
		}
		u.dlBS[lcid] -= take
		n -= take
	}
}

func (u *UE) consumeUL(n int) {
	u.sr = false
	u.ulBSR -= n
	if u.ulBSR < 0 {
		u.ulBSR = 0
	}
}

func (u *UE) beginSlot() {
	u.slotDL, u.slotUL = 0, 0
	u.dlGranted, u.ulGranted = false, false
}

func (u *UE) endSlot() {
	u.avgDL = (1-pfAlpha)*u.avgDL + pfAlpha*float64(u.slotDL)
	u.avgUL = (1-pfAlpha)*u.avgUL + pfAlpha*float64(u.slotUL)
}

// ueRepository owns the UEs of a cell. It is only touched from the slot path.
type ueRepository struct {
	byIndex map[core.UEIndex]*UE
	byRNTI  map[core.RNTI]core.UEIndex
	ordered []*UE
}

func newUERepository() *ueRepository {
	return &ueRepository{
		byIndex: make(map[core.UEIndex]*UE),
		byRNTI:  make(map[core.RNTI]core.UEIndex),
	}
}

func (r *ueRepository) Len() int           { return len(r.ordered) }
func (r *ueRepository) At(i int) policy.UE { return r.ordered[i] }

func (r *ueRepository) find(idx core.UEIndex) *UE { return r.byIndex[idx] }

func (r *ueRepository) findByRNTI(rnti core.RNTI) *UE {
	idx, ok := r.byRNTI[rnti]
	if !ok {
		return nil
	}
	return r.byIndex[idx]
}

func (r *ueRepository) add(ue *UE) bool {
	if _, ok := r.byIndex[ue.index]; ok {
		return false
	}
	if _, ok := r.byRNTI[ue.rnti]; ok {
		return false
	}
	r.byIndex[ue.index] = ue
	r.byRNTI[ue.rnti] = ue.index
	i := sort.Search(len(r.ordered), func(i int) bool { return r.ordered[i].index > ue.index })
	r.ordered = append(r.ordered, nil)
	copy(r.ordered[i+1:], r.ordered[i:])
	r.ordered[i] = ue
	return true
}

func (r *ueRepository) remove(idx core.UEIndex) *UE {
	ue, ok := r.byIndex[idx]
	if !ok {
		return nil
	}
	delete(r.byIndex, idx)
	delete(r.byRNTI, ue.rnti)
	for i, u := range r.ordered {
		if u == ue {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	return ue
}

type ueEventKind uint8

const (
	evAddUE ueEventKind = iota
	evRemoveUE
	evDLBufferState
	evULBSR
	evSR
	evCQI
	evCRC
)

type ueEvent struct {
	kind  ueEventKind
	cfg   UEConfig
	ue    core.UEIndex
	lcid  core.LCID
	bytes int
	cqi   uint8
	ok    bool
}

// ueEventQueue collects UE events from any goroutine until the next slot drains them.
type ueEventQueue struct {
	mu      sync.Mutex
	pending []ueEvent
	spare   []ueEvent
}

func (q *ueEventQueue) push(ev ueEvent) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
}

// drain swaps the buffers and returns the events queued so far.
func (q *ueEventQueue) drain() []ueEvent {
	q.mu.Lock()
	out := q.pending
	q.pending = q.spare[:0]
	q.spare = out
	q.mu.Unlock()
	return out
}
