package main

import (
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/gtpu"
	"github.com/Readm/gnb_sim/logging"
)

// virtualSlot is the limiter time step; token rates are expressed per slot.
const virtualSlot = time.Millisecond

// demuxWriter delivers G-PDUs straight into a demux, for runs without a UDP endpoint.
type demuxWriter struct {
	demux *gtpu.Demux
}

func (w demuxWriter) WriteTo(p []byte, _ net.Addr) (int, error) {
	return len(p), w.demux.HandlePDU(p)
}

// ulSink accepts UL data waiting at a UE.
type ulSink interface {
	AddULData(rnti core.RNTI, bytes int)
}

type flow struct {
	ue     core.UEIndex
	rnti   core.RNTI
	tunnel *gtpu.Tunnel
	ul     ulSink
	lim    *rate.Limiter
}

// TrafficGenerator plays the UPF: it sends DL G-PDUs towards the gNB tunnels and loads UL
// backlog at the UEs. It is driven by the slot clock, so the token buckets run on slot time.
type TrafficGenerator struct {
	cfg     TrafficConfig
	out     gtpu.PacketWriter
	peer    net.Addr
	seq     bool
	payload []byte
	epoch   time.Time
	log     *logging.Logger
	warn    *logging.Throttled

	mu    sync.Mutex
	flows map[core.UEIndex]*flow

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewTrafficGenerator sends through out to peer; peer may be nil for an in process writer.
func NewTrafficGenerator(cfg TrafficConfig, out gtpu.PacketWriter, peer net.Addr, enableSeq bool, log *logging.Logger) *TrafficGenerator {
	payload := make([]byte, cfg.SDUBytes)
	for i := range payload {
		payload[i] = byte(i)
	}
	log = log.Named("traffic")
	return &TrafficGenerator{
		cfg:     cfg,
		out:     out,
		peer:    peer,
		seq:     enableSeq,
		payload: payload,
		epoch:   time.Unix(0, 0),
		log:     log,
		warn:    logging.NewThrottled(log, time.Second, 3),
		flows:   make(map[core.UEIndex]*flow),
	}
}

func (g *TrafficGenerator) limiter() *rate.Limiter {
	burst := int(math.Ceil(g.cfg.RatePerSlot))
	if burst < 1 {
		burst = 1
	}
	perSecond := g.cfg.RatePerSlot * float64(time.Second/virtualSlot)
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// AddFlow starts traffic for a UE whose DL tunnel endpoint is teid.
func (g *TrafficGenerator) AddFlow(ue core.UEIndex, rnti core.RNTI, teid uint32, ul ulSink) {
	f := &flow{
		ue:     ue,
		rnti:   rnti,
		tunnel: gtpu.NewTunnel(g.out, g.peer, teid, g.seq),
		ul:     ul,
		lim:    g.limiter(),
	}
	g.mu.Lock()
	g.flows[ue] = f
	g.mu.Unlock()
	g.log.Debugf("ue=%d rnti=%s: flow on teid=0x%x", ue, rnti, teid)
}

// RemoveFlow stops the traffic of a UE.
func (g *TrafficGenerator) RemoveFlow(ue core.UEIndex) {
	g.mu.Lock()
	delete(g.flows, ue)
	g.mu.Unlock()
}

// NofFlows returns the active flow count.
func (g *TrafficGenerator) NofFlows() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flows)
}

// OnSlot emits the SDUs the token buckets allow at slot.
func (g *TrafficGenerator) OnSlot(slot int) {
	if g.cfg.RatePerSlot <= 0 && g.cfg.ULBytes <= 0 {
		return
	}
	now := g.epoch.Add(time.Duration(slot) * virtualSlot)
	g.mu.Lock()
	flows := make([]*flow, 0, len(g.flows))
	for _, f := range g.flows {
		flows = append(flows, f)
	}
	g.mu.Unlock()

	for _, f := range flows {
		for g.cfg.RatePerSlot > 0 && f.lim.AllowN(now, 1) {
			if err := f.tunnel.Send(g.payload); err != nil {
				g.failed.Add(1)
				g.warn.Warnf("ue=%d: %v", f.ue, err)
				break
			}
			g.sent.Add(1)
		}
		if g.cfg.ULBytes > 0 && f.ul != nil {
			f.ul.AddULData(f.rnti, g.cfg.ULBytes)
		}
	}
}

// TrafficStats counts generated SDUs.
type TrafficStats struct {
	Flows  int    `json:"flows"`
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// Stats returns the generator counters.
func (g *TrafficGenerator) Stats() TrafficStats {
	return TrafficStats{Flows: g.NofFlows(), Sent: g.sent.Load(), Failed: g.failed.Load()}
}
