package cucp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/logging"
)

// DefaultMaxUEs bounds the UE contexts of a CU-CP.
const DefaultMaxUEs = 1024

var (
	ErrUnknownUE   = errors.New("cucp: unknown ue")
	ErrDuplicateUE = errors.New("cucp: ue already exists")
	ErrMissingIE   = errors.New("cucp: missing mandatory ie")
)

// SecurityContext is the AS security state of a UE.
type SecurityContext struct {
	IntegrityAlgo uint8
	CipheringAlgo uint8
	KgNB          [32]byte
}

// BearerContext holds the PDU sessions of a UE.
type BearerContext struct {
	Sessions []PDUSession
}

// DRBIDs lists every DRB of every session, in session order.
func (b BearerContext) DRBIDs() []DRBID {
	var out []DRBID
	for _, s := range b.Sessions {
		for _, d := range s.DRBs {
			out = append(out, d.ID)
		}
	}
	return out
}

func (b BearerContext) clone() BearerContext {
	out := BearerContext{Sessions: make([]PDUSession, len(b.Sessions))}
	for i, s := range b.Sessions {
		s.DRBs = append([]DRB(nil), s.DRBs...)
		out.Sessions[i] = s
	}
	return out
}

// UE is the CU-CP context of one UE. Its accessors are meant for the control executor.
type UE struct {
	index   core.UEIndex
	duIndex int
	pci     uint16
	rnti    core.RNTI

	cuF1APID  CUUEF1APID
	duF1APID  DUUEF1APID
	hasDUID   bool
	ranNGAPID RANUENGAPID
	hasRANID  bool
	amfNGAPID AMFUENGAPID
	hasAMFID  bool

	security *SecurityContext
	bearers  BearerContext

	rrc   *RRCUE
	f1ap  ueF1APEvents
	tasks *async.TaskSequencer
}

func (u *UE) Index() core.UEIndex            { return u.index }
func (u *UE) DUIndex() int                   { return u.duIndex }
func (u *UE) PCI() uint16                    { return u.pci }
func (u *UE) RNTI() core.RNTI                { return u.rnti }
func (u *UE) CUUEF1APID() CUUEF1APID         { return u.cuF1APID }
func (u *UE) Security() *SecurityContext     { return u.security }
func (u *UE) Bearers() BearerContext         { return u.bearers }
func (u *UE) RRC() *RRCUE                    { return u.rrc }
func (u *UE) Tasks() *async.TaskSequencer    { return u.tasks }
func (u *UE) DUUEF1APID() (DUUEF1APID, bool) { return u.duF1APID, u.hasDUID }

// RANUENGAPID returns the NGAP id allocated by the CU-CP, if any.
func (u *UE) RANUENGAPID() (RANUENGAPID, bool) { return u.ranNGAPID, u.hasRANID }

// AMFUENGAPID returns the NGAP id chosen by the AMF, if any.
func (u *UE) AMFUENGAPID() (AMFUENGAPID, bool) { return u.amfNGAPID, u.hasAMFID }

// UEManagerConfig configures the UE registry.
type UEManagerConfig struct {
	MaxUEs int
	// RRCTransactionTicks bounds every RRC transaction not given an explicit timeout.
	RRCTransactionTicks uint64
}

// UEManager owns the UE contexts and their identifiers. It must only be mutated from the
// control executor; reads from other goroutines are safe.
type UEManager struct {
	mu     sync.RWMutex
	cfg    UEManagerConfig
	ctx    context.Context
	exec   async.TaskExecutor
	timers *async.TimerManager
	log    *logging.Logger

	ues     map[core.UEIndex]*UE
	indexes *idPool
	cuF1AP  *idPool
	ranNGAP *idPool
	byRNTI  map[cellRNTI]core.UEIndex
	byCUID  map[CUUEF1APID]core.UEIndex
	byDUID  map[duF1APKey]core.UEIndex
	byRANID map[RANUENGAPID]core.UEIndex
}

type cellRNTI struct {
	pci  uint16
	rnti core.RNTI
}

// DU UE F1AP IDs are chosen by each DU, so they are only unique per DU.
type duF1APKey struct {
	du int
	id DUUEF1APID
}

// NewUEManager creates an empty registry. Tasks of its UEs run on exec.
func NewUEManager(ctx context.Context, cfg UEManagerConfig, exec async.TaskExecutor, timers *async.TimerManager, log *logging.Logger) *UEManager {
	if cfg.MaxUEs <= 0 {
		cfg.MaxUEs = DefaultMaxUEs
	}
	if log == nil {
		log = logging.Discard()
	}
	return &UEManager{
		cfg:     cfg,
		ctx:     ctx,
		exec:    exec,
		timers:  timers,
		log:     log,
		ues:     make(map[core.UEIndex]*UE),
		indexes: newIDPool("ue-index", 0, uint64(cfg.MaxUEs-1)),
		cuF1AP:  newIDPool("gnb-cu-ue-f1ap-id", 0, uint64(cfg.MaxUEs-1)),
		ranNGAP: newIDPool("ran-ue-ngap-id", 0, uint64(cfg.MaxUEs-1)),
		byRNTI:  make(map[cellRNTI]core.UEIndex),
		byCUID:  make(map[CUUEF1APID]core.UEIndex),
		byDUID:  make(map[duF1APKey]core.UEIndex),
		byRANID: make(map[RANUENGAPID]core.UEIndex),
	}
}

// AddUE creates a UE context for a C-RNTI of a DU cell.
func (m *UEManager) AddUE(duIndex int, pci uint16, rnti core.RNTI) (core.UEIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cellRNTI{pci: pci, rnti: rnti}
	if idx, ok := m.byRNTI[key]; ok {
		return core.InvalidUEIndex, fmt.Errorf("%w: pci=%d rnti=%s is ue=%d", ErrDuplicateUE, pci, rnti, idx)
	}
	id, err := m.indexes.allocate()
	if err != nil {
		return core.InvalidUEIndex, err
	}
	idx := core.UEIndex(id)
	ue := &UE{
		index:   idx,
		duIndex: duIndex,
		pci:     pci,
		rnti:    rnti,
		tasks:   async.NewTaskSequencer(m.ctx, m.exec, 16),
	}
	ue.rrc = newRRCUE(m.ctx, idx, m.timers, m.exec, m.cfg.RRCTransactionTicks, m.log)
	m.ues[idx] = ue
	m.byRNTI[key] = idx
	m.log.Debugf("ue=%d pci=%d rnti=%s: created", idx, pci, rnti)
	return idx, nil
}

// FindUE returns the context of idx or nil.
func (m *UEManager) FindUE(idx core.UEIndex) *UE {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ues[idx]
}

// FindByRNTI resolves a C-RNTI of a cell.
func (m *UEManager) FindByRNTI(pci uint16, rnti core.RNTI) *UE {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byRNTI[cellRNTI{pci: pci, rnti: rnti}]
	if !ok {
		return nil
	}
	return m.ues[idx]
}

// AllocateCUUEF1APID assigns a fresh gNB-CU UE F1AP ID to idx.
func (m *UEManager) AllocateCUUEF1APID(idx core.UEIndex) (CUUEF1APID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.ues[idx]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownUE, idx)
	}
	raw, err := m.cuF1AP.allocate()
	if err != nil {
		return 0, err
	}
	if cur, ok := m.byCUID[ue.cuF1APID]; ok && cur == idx {
		delete(m.byCUID, ue.cuF1APID)
		m.cuF1AP.release(uint64(ue.cuF1APID))
	}
	ue.cuF1APID = CUUEF1APID(raw)
	m.byCUID[ue.cuF1APID] = idx
	return ue.cuF1APID, nil
}

// SetDUUEF1APID records the id chosen by the DU. The id must not belong to another live UE
// of the same DU.
func (m *UEManager) SetDUUEF1APID(idx core.UEIndex, id DUUEF1APID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.ues[idx]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUE, idx)
	}
	key := duF1APKey{du: ue.duIndex, id: id}
	if cur, ok := m.byDUID[key]; ok && cur != idx {
		return fmt.Errorf("%w: du=%d gNB-DU UE F1AP ID %d is ue=%d", ErrDuplicateUE, ue.duIndex, id, cur)
	}
	if ue.hasDUID {
		delete(m.byDUID, duF1APKey{du: ue.duIndex, id: ue.duF1APID})
	}
	ue.duF1APID, ue.hasDUID = id, true
	m.byDUID[key] = idx
	return nil
}

// AllocateRANUENGAPID assigns a fresh RAN UE NGAP ID to idx.
func (m *UEManager) AllocateRANUENGAPID(idx core.UEIndex) (RANUENGAPID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.ues[idx]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownUE, idx)
	}
	if ue.hasRANID {
		return ue.ranNGAPID, nil
	}
	raw, err := m.ranNGAP.allocate()
	if err != nil {
		return 0, err
	}
	ue.ranNGAPID, ue.hasRANID = RANUENGAPID(raw), true
	m.byRANID[ue.ranNGAPID] = idx
	return ue.ranNGAPID, nil
}

// SetAMFUENGAPID records the id chosen by the AMF.
func (m *UEManager) SetAMFUENGAPID(idx core.UEIndex, id AMFUENGAPID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.ues[idx]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUE, idx)
	}
	ue.amfNGAPID, ue.hasAMFID = id, true
	return nil
}

// FindByCUUEF1APID resolves a gNB-CU UE F1AP ID.
func (m *UEManager) FindByCUUEF1APID(id CUUEF1APID) *UE {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byCUID[id]
	if !ok {
		return nil
	}
	return m.ues[idx]
}

// FindByRANUENGAPID resolves a RAN UE NGAP ID.
func (m *UEManager) FindByRANUENGAPID(id RANUENGAPID) *UE {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byRANID[id]
	if !ok {
		return nil
	}
	return m.ues[idx]
}

// SetSecurity installs the AS security context of a UE.
func (m *UEManager) SetSecurity(idx core.UEIndex, sec SecurityContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.ues[idx]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUE, idx)
	}
	ue.security = &sec
	return nil
}

// UpdateBearers replaces the bearer context of a UE through fn.
func (m *UEManager) UpdateBearers(idx core.UEIndex, fn func(*BearerContext)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ue, ok := m.ues[idx]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownUE, idx)
	}
	b := ue.bearers.clone()
	fn(&b)
	ue.bearers = b
	return nil
}

// TransferContext moves security, bearer and NGAP state from src to dst in one step. The
// RAN UE NGAP ID moves with it, so the AMF keeps addressing the UE after src is released.
// Neither UE is modified when one of them is missing.
func (m *UEManager) TransferContext(src, dst core.UEIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.ues[src]
	if !ok {
		return fmt.Errorf("%w: source %d", ErrUnknownUE, src)
	}
	d, ok := m.ues[dst]
	if !ok {
		return fmt.Errorf("%w: target %d", ErrUnknownUE, dst)
	}
	d.security, s.security = s.security, nil
	d.bearers, s.bearers = s.bearers, BearerContext{}
	if s.hasAMFID {
		d.amfNGAPID, d.hasAMFID = s.amfNGAPID, true
		s.hasAMFID = false
	}
	if s.hasRANID {
		if d.hasRANID {
			delete(m.byRANID, d.ranNGAPID)
			m.ranNGAP.release(uint64(d.ranNGAPID))
		}
		d.ranNGAPID, d.hasRANID = s.ranNGAPID, true
		m.byRANID[d.ranNGAPID] = dst
		s.hasRANID = false
	}
	return nil
}

// RemoveUE drops a UE, cancels its RRC transactions and releases all its identifiers.
func (m *UEManager) RemoveUE(idx core.UEIndex) bool {
	m.mu.Lock()
	ue, ok := m.ues[idx]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.ues, idx)
	delete(m.byRNTI, cellRNTI{pci: ue.pci, rnti: ue.rnti})
	if cur, ok := m.byCUID[ue.cuF1APID]; ok && cur == idx {
		delete(m.byCUID, ue.cuF1APID)
		m.cuF1AP.release(uint64(ue.cuF1APID))
	}
	if ue.hasDUID {
		key := duF1APKey{du: ue.duIndex, id: ue.duF1APID}
		if cur, ok := m.byDUID[key]; ok && cur == idx {
			delete(m.byDUID, key)
		}
	}
	if ue.hasRANID {
		delete(m.byRANID, ue.ranNGAPID)
		m.ranNGAP.release(uint64(ue.ranNGAPID))
	}
	m.indexes.release(uint64(idx))
	m.mu.Unlock()

	ue.rrc.cancel()
	ue.f1ap.cancel()
	m.log.Debugf("ue=%d: removed", idx)
	return true
}

// NofUEs returns the number of UE contexts.
func (m *UEManager) NofUEs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ues)
}

// Indexes returns the UE indexes in ascending order.
func (m *UEManager) Indexes() []core.UEIndex {
	m.mu.RLock()
	out := make([]core.UEIndex, 0, len(m.ues))
	for idx := range m.ues {
		out = append(out, idx)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
