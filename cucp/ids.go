package cucp

import (
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set"
)

// ErrPoolExhausted is returned when every identifier of a pool is in use.
var ErrPoolExhausted = errors.New("cucp: identifier pool exhausted")

// CUUEF1APID is the gNB-CU UE F1AP ID.
type CUUEF1APID uint32

// DUUEF1APID is the gNB-DU UE F1AP ID.
type DUUEF1APID uint32

// RANUENGAPID is the RAN UE NGAP ID.
type RANUENGAPID uint64

// AMFUENGAPID is the AMF UE NGAP ID.
type AMFUENGAPID uint64

// idPool hands out identifiers of [min, max] round robin, skipping those still in use.
// It is owned by the control executor.
type idPool struct {
	name     string
	min, max uint64
	next     uint64
	used     mapset.Set
}

func newIDPool(name string, min, max uint64) *idPool {
	return &idPool{name: name, min: min, max: max, next: min, used: mapset.NewThreadUnsafeSet()}
}

func (p *idPool) size() uint64 { return p.max - p.min + 1 }

func (p *idPool) allocate() (uint64, error) {
	if uint64(p.used.Cardinality()) >= p.size() {
		return 0, fmt.Errorf("%w: %s", ErrPoolExhausted, p.name)
	}
	for i := uint64(0); i < p.size(); i++ {
		id := p.min + (p.next-p.min+i)%p.size()
		if p.used.Add(id) {
			p.next = id + 1
			if p.next > p.max {
				p.next = p.min
			}
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrPoolExhausted, p.name)
}

func (p *idPool) release(id uint64) { p.used.Remove(id) }

func (p *idPool) inUse(id uint64) bool { return p.used.Contains(id) }

func (p *idPool) len() int { return p.used.Cardinality() }
