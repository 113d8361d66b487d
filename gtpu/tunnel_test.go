package gtpu

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu   sync.Mutex
	sdus [][]byte
}

func (c *capture) HandleSDU(_ uint32, sdu []byte) {
	c.mu.Lock()
	c.sdus = append(c.sdus, append([]byte(nil), sdu...))
	c.mu.Unlock()
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sdus)
}

type sink struct {
	pdus [][]byte
}

func (s *sink) WriteTo(p []byte, _ net.Addr) (int, error) {
	s.pdus = append(s.pdus, p)
	return len(p), nil
}

func TestTunnelSequenceNumbers(t *testing.T) {
	out := &sink{}
	tun := NewTunnel(out, nil, 0xabcd, true)
	for i := 0; i < 3; i++ {
		require.NoError(t, tun.Send([]byte{byte(i)}))
	}
	require.Len(t, out.pdus, 3)
	for i, pdu := range out.pdus {
		hdr, sdu, err := Unpack(pdu)
		require.NoError(t, err)
		assert.Equal(t, uint32(0xabcd), hdr.TEID)
		assert.True(t, hdr.Flags.SeqNumber)
		assert.Equal(t, uint16(i), hdr.SeqNumber)
		assert.Equal(t, []byte{byte(i)}, sdu)
	}

	plain := NewTunnel(out, nil, 1, false)
	pdu, err := plain.Encode([]byte{1})
	require.NoError(t, err)
	assert.Len(t, pdu, BaseHeaderLen+1)
}

func TestDemuxRoutesByTEID(t *testing.T) {
	d := NewDemux(nil)
	c := &capture{}
	require.NoError(t, d.Bind(10, c))
	assert.ErrorIs(t, d.Bind(10, c), ErrDuplicateTEID)

	ok, _ := NewTunnel(&sink{}, nil, 10, false).Encode([]byte("a"))
	other, _ := NewTunnel(&sink{}, nil, 11, false).Encode([]byte("b"))
	require.NoError(t, d.HandlePDU(ok))
	assert.ErrorIs(t, d.HandlePDU(other), ErrUnknownTEID)
	assert.Error(t, d.HandlePDU([]byte{0x30}))

	end, err := Pack(Header{Flags: v1, MessageType: MsgEndMarker, TEID: 10}, nil)
	require.NoError(t, err)
	require.NoError(t, d.HandlePDU(end))

	st := d.Stats()
	assert.Equal(t, DemuxStats{Delivered: 1, UnknownTEID: 1, Malformed: 1, EndMarkers: 1}, st)
	assert.Equal(t, [][]byte{[]byte("a")}, c.sdus)

	assert.True(t, d.Unbind(10))
	assert.False(t, d.Unbind(10))
}

func TestGatewayEchoAndData(t *testing.T) {
	d := NewDemux(nil)
	c := &capture{}
	require.NoError(t, d.Bind(0x77, c))

	gw, err := Listen("127.0.0.1:0", d, 4, nil)
	require.NoError(t, err)
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- gw.Serve(ctx) }()

	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	echo, err := Pack(Header{
		Flags:       withFlags(func(f *Flags) { f.SeqNumber = true }),
		MessageType: MsgEchoRequest,
		SeqNumber:   99,
	}, nil)
	require.NoError(t, err)
	_, err = peer.WriteTo(echo, gw.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 128)
	n, _, err := peer.ReadFrom(buf)
	require.NoError(t, err)
	resp, _, err := Unpack(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, MsgEchoResponse, resp.MessageType)
	assert.Equal(t, uint16(99), resp.SeqNumber)
	require.NotNil(t, resp.Recovery)
	assert.Equal(t, uint8(4), resp.Recovery.RestartCounter)

	tun := NewTunnel(peer, gw.LocalAddr(), 0x77, true)
	require.NoError(t, tun.Send([]byte("hello")))
	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), gw.EchoesAnswered())

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not stop")
	}
}
