// Package gtpu implements the GTP-U v1 header codec (TS 29.281 section 5) and a
// minimal tunnel endpoint for the user-plane path.
package gtpu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BaseHeaderLen is the mandatory part of the header.
	BaseHeaderLen = 8

	// ExtendedHeaderLen adds sequence number, N-PDU number and next extension type.
	ExtendedHeaderLen = 12

	FlagsVersionV1   = 1
	FlagsGTPProtocol = 1
)

// Message types handled by the endpoint.
const (
	MsgEchoRequest     uint8 = 0x01
	MsgEchoResponse    uint8 = 0x02
	MsgErrorIndication uint8 = 0x1a
	MsgEndMarker       uint8 = 0xfe
	MsgDataPDU         uint8 = 0xff
)

const maxExtensionHeaders = 4

// ExtensionHeaderType is the "next extension header type" value (TS 29.281 Figure 5.2.1-3).
type ExtensionHeaderType uint8

const (
	ExtNoMore                ExtensionHeaderType = 0x00
	ExtReserved0             ExtensionHeaderType = 0x01
	ExtReserved1             ExtensionHeaderType = 0x02
	ExtLongPDCPPDUNumber0    ExtensionHeaderType = 0x03
	ExtServiceClassIndicator ExtensionHeaderType = 0x20
	ExtUDPPort               ExtensionHeaderType = 0x40
	ExtRANContainer          ExtensionHeaderType = 0x81
	ExtLongPDCPPDUNumber1    ExtensionHeaderType = 0x82
	ExtXwRANContainer        ExtensionHeaderType = 0x83
	ExtNRRANContainer        ExtensionHeaderType = 0x84
	ExtPDUSessionContainer   ExtensionHeaderType = 0x85
	ExtPDCPPDUNumber         ExtensionHeaderType = 0xc0
	ExtReserved2             ExtensionHeaderType = 0xc1
	ExtReserved3             ExtensionHeaderType = 0xff
)

// Information element types, written in ascending order.
const (
	ieRecovery         uint8 = 14
	iePrivateExtension uint8 = 255
)

var (
	ErrTooShort        = errors.New("gtpu: pdu too short")
	ErrUnsupportedFlag = errors.New("gtpu: unsupported flags")
	ErrUnsupportedType = errors.New("gtpu: unsupported message type")
	ErrExtension       = errors.New("gtpu: invalid extension header")
	ErrNotComprehended = errors.New("gtpu: extension header not comprehended")
	ErrLengthMismatch  = errors.New("gtpu: length field mismatch")
	ErrMalformedIE     = errors.New("gtpu: malformed information element")
	ErrMessageBody     = errors.New("gtpu: body does not fit the message type")
)

// Flags is the first octet of the header.
type Flags struct {
	Version      uint8
	ProtocolType uint8
	ExtHdr       bool
	SeqNumber    bool
	NPDU         bool
}

// ExtensionHeader is one element of the extension header chain.
type ExtensionHeader struct {
	Type      ExtensionHeaderType
	Container []byte
}

// IERecovery carries the restart counter of the sending endpoint.
type IERecovery struct {
	RestartCounter uint8
}

// IEPrivateExtension is a vendor specific information element.
type IEPrivateExtension struct {
	ID    uint16
	Value []byte
}

// Header is a decoded GTP-U header. Flags.ExtHdr must agree with Extensions and
// NextExtHdrType mirrors the first extension; Length is computed by Pack. Recovery and
// PrivateExtensions only belong to signalling messages, whose body is made of IEs alone.
type Header struct {
	Flags             Flags
	MessageType       uint8
	Length            uint16
	TEID              uint32
	SeqNumber         uint16
	NPDUNumber        uint8
	NextExtHdrType    ExtensionHeaderType
	Extensions        []ExtensionHeader
	Recovery          *IERecovery
	PrivateExtensions []IEPrivateExtension
}

func (h *Header) hasOptional() bool {
	return len(h.Extensions) > 0 || h.Flags.SeqNumber || h.Flags.NPDU
}

func checkFlags(f Flags) error {
	if f.Version != FlagsVersionV1 {
		return fmt.Errorf("%w: version=%d", ErrUnsupportedFlag, f.Version)
	}
	if f.ProtocolType != FlagsGTPProtocol {
		return fmt.Errorf("%w: pt=%d", ErrUnsupportedFlag, f.ProtocolType)
	}
	return nil
}

func checkMessageType(t uint8) error {
	switch t {
	case MsgDataPDU, MsgEchoRequest, MsgEchoResponse, MsgErrorIndication, MsgEndMarker:
		return nil
	}
	return fmt.Errorf("%w: 0x%02x", ErrUnsupportedType, t)
}

// comprehended reports whether a receiver may process a PDU carrying ext.
// Unknown types are only fatal when their two top bits ask for comprehension.
func comprehended(ext ExtensionHeaderType) bool {
	switch ext {
	case ExtNoMore, ExtPDUSessionContainer, ExtPDCPPDUNumber:
		return true
	case ExtReserved0, ExtReserved1, ExtReserved2, ExtReserved3:
		return false
	}
	comp := uint8(ext) >> 6
	return comp != 0b10 && comp != 0b11
}

func length(h *Header, sduLen int) int {
	n := sduLen
	if h.hasOptional() {
		n += 4
	}
	for _, ext := range h.Extensions {
		n += 2 + len(ext.Container)
	}
	if h.Recovery != nil {
		n += 2
	}
	for _, pe := range h.PrivateExtensions {
		n += 5 + len(pe.Value)
	}
	return n
}

// Pack encodes h followed by sdu. Only a G-PDU carries an sdu; other messages carry the
// IEs of h instead.
func Pack(h Header, sdu []byte) ([]byte, error) {
	if err := checkFlags(h.Flags); err != nil {
		return nil, err
	}
	if err := checkMessageType(h.MessageType); err != nil {
		return nil, err
	}
	if h.MessageType == MsgDataPDU {
		if h.Recovery != nil || len(h.PrivateExtensions) > 0 {
			return nil, fmt.Errorf("%w: information elements in a G-PDU", ErrMessageBody)
		}
	} else if len(sdu) > 0 {
		return nil, fmt.Errorf("%w: %d byte payload in message type 0x%02x", ErrMessageBody, len(sdu), h.MessageType)
	}
	if h.Flags.ExtHdr != (len(h.Extensions) > 0) {
		return nil, fmt.Errorf("%w: E flag %t with %d extensions", ErrExtension, h.Flags.ExtHdr, len(h.Extensions))
	}
	if len(h.Extensions) > maxExtensionHeaders {
		return nil, fmt.Errorf("%w: %d extensions", ErrExtension, len(h.Extensions))
	}
	for _, ext := range h.Extensions {
		if (2+len(ext.Container))%4 != 0 || 2+len(ext.Container) > 4*0xff {
			return nil, fmt.Errorf("%w: type=0x%02x container of %d bytes", ErrExtension, uint8(ext.Type), len(ext.Container))
		}
	}
	l := length(&h, len(sdu))
	if l > 0xffff {
		return nil, fmt.Errorf("gtpu: pdu length %d exceeds 65535", l)
	}

	buf := make([]byte, BaseHeaderLen, BaseHeaderLen+l)
	buf[0] = h.Flags.Version<<5 | h.Flags.ProtocolType<<4
	if h.Flags.ExtHdr {
		buf[0] |= 0x04
	}
	if h.Flags.SeqNumber {
		buf[0] |= 0x02
	}
	if h.Flags.NPDU {
		buf[0] |= 0x01
	}
	buf[1] = h.MessageType
	binary.BigEndian.PutUint16(buf[2:4], uint16(l))
	binary.BigEndian.PutUint32(buf[4:8], h.TEID)

	if h.hasOptional() {
		next := ExtNoMore
		if len(h.Extensions) > 0 {
			next = h.Extensions[0].Type
		}
		buf = binary.BigEndian.AppendUint16(buf, h.SeqNumber)
		buf = append(buf, h.NPDUNumber, byte(next))
	}
	for i, ext := range h.Extensions {
		next := ExtNoMore
		if i+1 < len(h.Extensions) {
			next = h.Extensions[i+1].Type
		}
		buf = append(buf, byte((2+len(ext.Container))/4))
		buf = append(buf, ext.Container...)
		buf = append(buf, byte(next))
	}
	if h.Recovery != nil {
		buf = append(buf, ieRecovery, h.Recovery.RestartCounter)
	}
	for _, pe := range h.PrivateExtensions {
		buf = append(buf, iePrivateExtension)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(pe.Value)+2))
		buf = binary.BigEndian.AppendUint16(buf, pe.ID)
		buf = append(buf, pe.Value...)
	}
	return append(buf, sdu...), nil
}

// ReadTEID returns the TEID of a raw PDU without decoding the rest.
func ReadTEID(buf []byte) (uint32, error) {
	if len(buf) < BaseHeaderLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooShort, len(buf))
	}
	return binary.BigEndian.Uint32(buf[4:8]), nil
}

// DissectedPDU is a header split off a raw PDU. Payload aliases the input buffer.
type DissectedPDU struct {
	Header    Header
	HeaderLen int
	Buf       []byte
}

// Payload returns everything after the header, IEs included.
func (d *DissectedPDU) Payload() []byte { return d.Buf[d.HeaderLen:] }

// Dissect decodes the header of buf and validates its extension chain and length.
func Dissect(buf []byte) (*DissectedPDU, error) {
	if len(buf) < BaseHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(buf))
	}
	d := &DissectedPDU{Buf: buf}
	h := &d.Header
	h.Flags = Flags{
		Version:      buf[0] >> 5,
		ProtocolType: (buf[0] >> 4) & 1,
		ExtHdr:       buf[0]&0x04 != 0,
		SeqNumber:    buf[0]&0x02 != 0,
		NPDU:         buf[0]&0x01 != 0,
	}
	if err := checkFlags(h.Flags); err != nil {
		return nil, err
	}
	h.MessageType = buf[1]
	h.Length = binary.BigEndian.Uint16(buf[2:4])
	h.TEID = binary.BigEndian.Uint32(buf[4:8])
	pos := BaseHeaderLen

	if h.Flags.ExtHdr || h.Flags.SeqNumber || h.Flags.NPDU {
		if len(buf) < ExtendedHeaderLen {
			return nil, fmt.Errorf("%w: extended header needs %d bytes, got %d", ErrTooShort, ExtendedHeaderLen, len(buf))
		}
		h.SeqNumber = binary.BigEndian.Uint16(buf[8:10])
		h.NPDUNumber = buf[10]
		h.NextExtHdrType = ExtensionHeaderType(buf[11])
		if !comprehended(h.NextExtHdrType) {
			return nil, fmt.Errorf("%w: type=0x%02x", ErrNotComprehended, uint8(h.NextExtHdrType))
		}
		pos = ExtendedHeaderLen
	}

	if h.Flags.ExtHdr {
		if h.NextExtHdrType == ExtNoMore {
			return nil, fmt.Errorf("%w: E flag set without extensions", ErrExtension)
		}
		next := h.NextExtHdrType
		for next != ExtNoMore {
			if !comprehended(next) {
				return nil, fmt.Errorf("%w: type=0x%02x", ErrNotComprehended, uint8(next))
			}
			if len(h.Extensions) == maxExtensionHeaders {
				return nil, fmt.Errorf("%w: more than %d extensions", ErrExtension, maxExtensionHeaders)
			}
			if pos >= len(buf) {
				return nil, fmt.Errorf("%w: extension header", ErrTooShort)
			}
			size := int(buf[pos]) * 4
			if size == 0 {
				return nil, fmt.Errorf("%w: zero length", ErrExtension)
			}
			if pos+size > len(buf) {
				return nil, fmt.Errorf("%w: extension of %d bytes", ErrTooShort, size)
			}
			ext := ExtensionHeader{Type: next, Container: buf[pos+1 : pos+size-1]}
			h.Extensions = append(h.Extensions, ext)
			next = ExtensionHeaderType(buf[pos+size-1])
			pos += size
		}
	}
	d.HeaderLen = pos

	if int(h.Length) != len(buf)-BaseHeaderLen {
		return nil, fmt.Errorf("%w: header says %d, pdu carries %d", ErrLengthMismatch, h.Length, len(buf)-BaseHeaderLen)
	}
	return d, nil
}

// Unpack decodes a full PDU. A G-PDU returns its T-PDU. For signalling messages the
// Recovery and Private Extension IEs are parsed into h and the returned slice holds the
// IEs that are not modelled here, starting at the first one of another type.
func Unpack(buf []byte) (Header, []byte, error) {
	d, err := Dissect(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if err := checkMessageType(d.Header.MessageType); err != nil {
		return Header{}, nil, err
	}
	payload := d.Payload()
	if d.Header.MessageType == MsgDataPDU {
		return d.Header, payload, nil
	}
	rest, err := readIEs(&d.Header, payload)
	if err != nil {
		return Header{}, nil, err
	}
	return d.Header, rest, nil
}

func readIEs(h *Header, b []byte) ([]byte, error) {
	for len(b) > 0 {
		switch b[0] {
		case ieRecovery:
			if len(b) < 2 {
				return nil, fmt.Errorf("%w: recovery", ErrMalformedIE)
			}
			h.Recovery = &IERecovery{RestartCounter: b[1]}
			b = b[2:]
		case iePrivateExtension:
			if len(b) < 5 {
				return nil, fmt.Errorf("%w: private extension", ErrMalformedIE)
			}
			n := int(binary.BigEndian.Uint16(b[1:3]))
			if n < 2 || 3+n > len(b) {
				return nil, fmt.Errorf("%w: private extension length %d", ErrMalformedIE, n)
			}
			h.PrivateExtensions = append(h.PrivateExtensions, IEPrivateExtension{
				ID:    binary.BigEndian.Uint16(b[3:5]),
				Value: b[5 : 3+n],
			})
			b = b[3+n:]
		default:
			return b, nil
		}
	}
	return b, nil
}
