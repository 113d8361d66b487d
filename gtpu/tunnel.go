package gtpu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Readm/gnb_sim/logging"
)

var (
	ErrDuplicateTEID = errors.New("gtpu: teid already bound")
	ErrUnknownTEID   = errors.New("gtpu: unknown teid")
)

// SDUHandler receives the T-PDUs of one local TEID.
type SDUHandler interface {
	HandleSDU(teid uint32, sdu []byte)
}

// SDUHandlerFunc adapts a function to SDUHandler.
type SDUHandlerFunc func(teid uint32, sdu []byte)

func (f SDUHandlerFunc) HandleSDU(teid uint32, sdu []byte) { f(teid, sdu) }

// DemuxStats counts RX outcomes.
type DemuxStats struct {
	Delivered   uint64
	UnknownTEID uint64
	Malformed   uint64
	EndMarkers  uint64
}

// Demux routes received G-PDUs to the handler bound to their TEID.
type Demux struct {
	mu       sync.RWMutex
	handlers map[uint32]SDUHandler
	log      *logging.Logger

	delivered atomic.Uint64
	unknown   atomic.Uint64
	malformed atomic.Uint64
	endMarker atomic.Uint64
}

// NewDemux creates an empty demultiplexer.
func NewDemux(log *logging.Logger) *Demux {
	if log == nil {
		log = logging.Discard()
	}
	return &Demux{handlers: make(map[uint32]SDUHandler), log: log}
}

// Bind routes teid to h.
func (d *Demux) Bind(teid uint32, h SDUHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[teid]; ok {
		return fmt.Errorf("%w: 0x%08x", ErrDuplicateTEID, teid)
	}
	d.handlers[teid] = h
	return nil
}

// Unbind removes the route of teid.
func (d *Demux) Unbind(teid uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.handlers[teid]
	delete(d.handlers, teid)
	return ok
}

// HandlePDU dissects a raw PDU and delivers its T-PDU.
func (d *Demux) HandlePDU(pdu []byte) error {
	teid, err := ReadTEID(pdu)
	if err != nil {
		d.malformed.Add(1)
		return err
	}
	d.mu.RLock()
	h, ok := d.handlers[teid]
	d.mu.RUnlock()
	if !ok {
		d.unknown.Add(1)
		d.log.Debugf("teid=0x%08x: pdu for unknown tunnel discarded", teid)
		return fmt.Errorf("%w: 0x%08x", ErrUnknownTEID, teid)
	}
	hdr, sdu, err := Unpack(pdu)
	if err != nil {
		d.malformed.Add(1)
		d.log.Warnf("teid=0x%08x: %v", teid, err)
		return err
	}
	switch hdr.MessageType {
	case MsgDataPDU:
		d.delivered.Add(1)
		h.HandleSDU(teid, sdu)
	case MsgEndMarker:
		d.endMarker.Add(1)
		d.log.Debugf("teid=0x%08x: end marker", teid)
	default:
		d.log.Debugf("teid=0x%08x: message type 0x%02x ignored on tunnel", teid, hdr.MessageType)
	}
	return nil
}

// Stats returns the RX counters.
func (d *Demux) Stats() DemuxStats {
	return DemuxStats{
		Delivered:   d.delivered.Load(),
		UnknownTEID: d.unknown.Load(),
		Malformed:   d.malformed.Load(),
		EndMarkers:  d.endMarker.Load(),
	}
}

// PacketWriter is the datagram sink of a tunnel; net.PacketConn implements it.
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// Tunnel is the TX side of one bearer towards a peer TEID.
type Tunnel struct {
	peerTEID  uint32
	peer      net.Addr
	out       PacketWriter
	enableSeq bool

	mu  sync.Mutex
	seq uint16
}

// NewTunnel creates a TX tunnel. With enableSeq every G-PDU carries an incrementing
// sequence number.
func NewTunnel(out PacketWriter, peer net.Addr, peerTEID uint32, enableSeq bool) *Tunnel {
	return &Tunnel{peerTEID: peerTEID, peer: peer, out: out, enableSeq: enableSeq}
}

// Encode packs sdu into a G-PDU, consuming a sequence number when enabled.
func (t *Tunnel) Encode(sdu []byte) ([]byte, error) {
	hdr := Header{
		Flags:       Flags{Version: FlagsVersionV1, ProtocolType: FlagsGTPProtocol},
		MessageType: MsgDataPDU,
		TEID:        t.peerTEID,
	}
	if t.enableSeq {
		t.mu.Lock()
		hdr.Flags.SeqNumber = true
		hdr.SeqNumber = t.seq
		t.seq++
		t.mu.Unlock()
	}
	return Pack(hdr, sdu)
}

// Send encodes sdu and writes it to the peer.
func (t *Tunnel) Send(sdu []byte) error {
	pdu, err := t.Encode(sdu)
	if err != nil {
		return err
	}
	_, err = t.out.WriteTo(pdu, t.peer)
	return err
}

const maxDatagramSize = 9000

// Gateway is a UDP GTP-U endpoint serving the demux and answering echo requests.
type Gateway struct {
	conn    net.PacketConn
	demux   *Demux
	restart uint8
	log     *logging.Logger

	echoes atomic.Uint64
}

// Listen binds a gateway to addr ("host:port").
func Listen(addr string, demux *Demux, restartCounter uint8, log *logging.Logger) (*Gateway, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("gtpu: listen %s: %w", addr, err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Gateway{conn: conn, demux: demux, restart: restartCounter, log: log}, nil
}

// LocalAddr returns the bound address.
func (g *Gateway) LocalAddr() net.Addr { return g.conn.LocalAddr() }

// Conn returns the socket, usable as a tunnel PacketWriter.
func (g *Gateway) Conn() net.PacketConn { return g.conn }

// EchoesAnswered counts echo responses sent.
func (g *Gateway) EchoesAnswered() uint64 { return g.echoes.Load() }

// Serve reads datagrams until ctx ends or the socket fails.
func (g *Gateway) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = g.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	g.log.Infof("GTP-U gateway listening on %s", g.conn.LocalAddr())
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := g.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gtpu: read: %w", err)
		}
		pdu := append([]byte(nil), buf[:n]...)
		g.handle(pdu, from)
	}
}

func (g *Gateway) handle(pdu []byte, from net.Addr) {
	if len(pdu) >= BaseHeaderLen && pdu[1] == MsgEchoRequest {
		hdr, _, err := Unpack(pdu)
		if err != nil {
			g.log.Warnf("echo request from %s: %v", from, err)
			return
		}
		resp, err := Pack(Header{
			Flags:       Flags{Version: FlagsVersionV1, ProtocolType: FlagsGTPProtocol, SeqNumber: true},
			MessageType: MsgEchoResponse,
			SeqNumber:   hdr.SeqNumber,
			Recovery:    &IERecovery{RestartCounter: g.restart},
		}, nil)
		if err != nil {
			g.log.Errorf("echo response: %v", err)
			return
		}
		if _, err := g.conn.WriteTo(resp, from); err != nil {
			g.log.Warnf("echo response to %s: %v", from, err)
			return
		}
		g.echoes.Add(1)
		return
	}
	if err := g.demux.HandlePDU(pdu); err != nil {
		g.log.Debugf("pdu from %s: %v", from, err)
	}
}

// Close releases the socket.
func (g *Gateway) Close() error { return g.conn.Close() }
