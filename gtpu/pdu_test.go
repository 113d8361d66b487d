package gtpu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var v1 = Flags{Version: FlagsVersionV1, ProtocolType: FlagsGTPProtocol}

func withFlags(f func(*Flags)) Flags {
	out := v1
	f(&out)
	return out
}

func TestSeqNumberScenario(t *testing.T) {
	in := Header{
		Flags:       withFlags(func(f *Flags) { f.SeqNumber = true }),
		MessageType: MsgDataPDU,
		TEID:        0x12345678,
		SeqNumber:   7,
	}
	sdu := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}

	pdu, err := Pack(in, sdu)
	require.NoError(t, err)
	require.Len(t, pdu, ExtendedHeaderLen+len(sdu))
	assert.Equal(t, []byte{0x32, 0xff, 0x00, 0x09, 0x12, 0x34, 0x56, 0x78, 0x00, 0x07, 0x00, 0x00}, pdu[:ExtendedHeaderLen])

	out, payload, err := Unpack(pdu)
	require.NoError(t, err)
	assert.Equal(t, uint16(len(sdu)+4), out.Length)
	if diff := cmp.Diff(in, out, cmpopts.IgnoreFields(Header{}, "Length"), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, sdu, payload)
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		hdr  Header
		sdu  []byte
	}{
		{
			name: "plain",
			hdr:  Header{Flags: v1, MessageType: MsgDataPDU, TEID: 1},
			sdu:  []byte("payload"),
		},
		{
			name: "npdu",
			hdr: Header{
				Flags:       withFlags(func(f *Flags) { f.NPDU = true }),
				MessageType: MsgDataPDU,
				TEID:        0xffffffff,
				NPDUNumber:  0x42,
			},
			sdu: []byte{1},
		},
		{
			name: "seq and npdu",
			hdr: Header{
				Flags:       withFlags(func(f *Flags) { f.SeqNumber, f.NPDU = true, true }),
				MessageType: MsgDataPDU,
				TEID:        9,
				SeqNumber:   0xfffe,
				NPDUNumber:  3,
			},
			sdu: []byte{1, 2, 3},
		},
		{
			name: "extension chain",
			hdr: Header{
				Flags:          withFlags(func(f *Flags) { f.ExtHdr, f.SeqNumber = true, true }),
				MessageType:    MsgDataPDU,
				TEID:           0x1000,
				SeqNumber:      12,
				NextExtHdrType: ExtPDUSessionContainer,
				Extensions: []ExtensionHeader{
					{Type: ExtPDUSessionContainer, Container: []byte{0x00, 0x09}},
					{Type: ExtUDPPort, Container: []byte{0x08, 0x68, 0x00, 0x00, 0x00, 0x00}},
				},
			},
			sdu: []byte("ip packet"),
		},
		{
			name: "G-PDU payload starting like an IE",
			hdr:  Header{Flags: v1, MessageType: MsgDataPDU, TEID: 5},
			sdu:  []byte{ieRecovery, 0x09, 0x01, 0x02},
		},
		{
			name: "end marker",
			hdr:  Header{Flags: v1, MessageType: MsgEndMarker, TEID: 77},
		},
		{
			name: "echo response with IEs",
			hdr: Header{
				Flags:       withFlags(func(f *Flags) { f.SeqNumber = true }),
				MessageType: MsgEchoResponse,
				SeqNumber:   5,
				Recovery:    &IERecovery{RestartCounter: 2},
				PrivateExtensions: []IEPrivateExtension{
					{ID: 0x1234, Value: []byte("vendor")},
				},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pdu, err := Pack(tc.hdr, tc.sdu)
			require.NoError(t, err)
			teid, err := ReadTEID(pdu)
			require.NoError(t, err)
			assert.Equal(t, tc.hdr.TEID, teid)

			out, payload, err := Unpack(pdu)
			require.NoError(t, err)
			assert.Equal(t, int(out.Length), len(pdu)-BaseHeaderLen)
			if diff := cmp.Diff(tc.hdr, out, cmpopts.IgnoreFields(Header{}, "Length"), cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("header mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.sdu, payload, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPackRejects(t *testing.T) {
	_, err := Pack(Header{Flags: Flags{Version: 2, ProtocolType: 1}, MessageType: MsgDataPDU}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFlag)

	_, err = Pack(Header{Flags: Flags{Version: 1}, MessageType: MsgDataPDU}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFlag)

	_, err = Pack(Header{Flags: v1, MessageType: 0x10}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Pack(Header{
		Flags:       withFlags(func(f *Flags) { f.ExtHdr = true }),
		MessageType: MsgDataPDU,
		Extensions:  []ExtensionHeader{{Type: ExtPDUSessionContainer, Container: []byte{1}}},
	}, nil)
	assert.ErrorIs(t, err, ErrExtension, "container not padded to 4 bytes")

	_, err = Pack(Header{Flags: withFlags(func(f *Flags) { f.ExtHdr = true }), MessageType: MsgDataPDU, TEID: 1}, []byte{1})
	assert.ErrorIs(t, err, ErrExtension, "E flag without extensions")

	_, err = Pack(Header{
		Flags:       v1,
		MessageType: MsgDataPDU,
		Extensions:  []ExtensionHeader{{Type: ExtPDUSessionContainer, Container: []byte{0, 9}}},
	}, nil)
	assert.ErrorIs(t, err, ErrExtension, "extensions without E flag")

	_, err = Pack(Header{Flags: v1, MessageType: MsgDataPDU, TEID: 5, Recovery: &IERecovery{RestartCounter: 9}}, []byte{1, 2})
	assert.ErrorIs(t, err, ErrMessageBody)

	_, err = Pack(Header{Flags: v1, MessageType: MsgDataPDU, PrivateExtensions: []IEPrivateExtension{{ID: 1}}}, nil)
	assert.ErrorIs(t, err, ErrMessageBody)

	_, err = Pack(Header{Flags: withFlags(func(f *Flags) { f.SeqNumber = true }), MessageType: MsgEchoRequest}, []byte{ieRecovery, 3})
	assert.ErrorIs(t, err, ErrMessageBody)
}

func TestDissectRejects(t *testing.T) {
	valid, err := Pack(Header{Flags: withFlags(func(f *Flags) { f.SeqNumber = true }), MessageType: MsgDataPDU, TEID: 1}, []byte{1, 2})
	require.NoError(t, err)

	_, err = Dissect(valid[:5])
	assert.ErrorIs(t, err, ErrTooShort)

	_, err = Dissect(valid[:10])
	assert.ErrorIs(t, err, ErrTooShort, "extended header needs 12 bytes")

	_, err = Dissect(valid[:len(valid)-1])
	assert.ErrorIs(t, err, ErrLengthMismatch)

	bad := append([]byte(nil), valid...)
	bad[0] = 0x52 // version 2
	_, err = Dissect(bad)
	assert.ErrorIs(t, err, ErrUnsupportedFlag)

	noExt := append([]byte(nil), valid...)
	noExt[0] |= 0x04
	_, err = Dissect(noExt)
	assert.ErrorIs(t, err, ErrExtension, "E flag with next type 0")

	for _, typ := range []ExtensionHeaderType{ExtReserved0, ExtReserved3, ExtRANContainer, 0xd0} {
		b := append([]byte(nil), valid...)
		b[0] |= 0x04
		b[11] = byte(typ)
		_, err = Dissect(b)
		assert.ErrorIs(t, err, ErrNotComprehended, "type 0x%02x", uint8(typ))
	}
}

func TestUnknownExtensionNotRequiringComprehensionIsSkipped(t *testing.T) {
	hdr := Header{
		Flags:          withFlags(func(f *Flags) { f.ExtHdr = true }),
		MessageType:    MsgDataPDU,
		TEID:           3,
		NextExtHdrType: 0x11,
		Extensions:     []ExtensionHeader{{Type: 0x11, Container: []byte{0xaa, 0xbb}}},
	}
	pdu, err := Pack(hdr, []byte{9})
	require.NoError(t, err)
	d, err := Dissect(pdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, d.Payload())
	require.Len(t, d.Header.Extensions, 1)
}
