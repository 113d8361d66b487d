package mac

import (
	"errors"
	"fmt"

	"github.com/Readm/gnb_sim/core"
)

// UL-SCH LCIDs for MAC CEs (TS 38.321 Table 6.2.1-2).
const (
	lcidShortTruncBSR core.LCID = 59
	lcidLongTruncBSR  core.LCID = 60
	lcidShortBSR      core.LCID = 61
	lcidLongBSR       core.LCID = 62
)

const (
	maxShortSDULen = 255
	shortSubhdrLen = 2
	longSubhdrLen  = 3
)

var (
	// ErrTruncatedPDU reports a subheader that runs past the end of the PDU.
	ErrTruncatedPDU = errors.New("mac: truncated pdu")
	// ErrPDUFull reports that an SDU does not fit in the remaining transport block.
	ErrPDUFull = errors.New("mac: sdu does not fit")
)

// bufferSizeLevels maps the 5-bit BSR index to its upper bound in bytes (TS 38.321 Table 6.1.3.1-1).
var bufferSizeLevels = [32]int{
	0, 10, 14, 20, 28, 38, 53, 74, 102, 142, 198, 276, 384, 535, 745, 1038,
	1446, 2014, 2806, 3909, 5446, 7587, 10570, 14726, 20516, 28581, 39818, 55474, 77284, 107669, 150000, 150001,
}

// BufferSizeFromIndex converts a short BSR index to bytes.
func BufferSizeFromIndex(idx uint8) int {
	return bufferSizeLevels[idx&0x1f]
}

// BufferSizeToIndex returns the smallest index whose level covers bytes.
func BufferSizeToIndex(bytes int) uint8 {
	for i, lvl := range bufferSizeLevels {
		if bytes <= lvl {
			return uint8(i)
		}
	}
	return uint8(len(bufferSizeLevels) - 1)
}

// subheaderLen is the R/F/LCID/L subheader size for an SDU of n bytes.
func subheaderLen(n int) int {
	if n > maxShortSDULen {
		return longSubhdrLen
	}
	return shortSubhdrLen
}

// PDUEncoder builds a DL-SCH MAC PDU in place.
type PDUEncoder struct {
	buf []byte
	tbs int
}

// Reset starts a new PDU of tbs bytes, reusing buf's storage.
func (e *PDUEncoder) Reset(buf []byte, tbs int) {
	if cap(buf) < tbs {
		buf = make([]byte, 0, tbs)
	}
	e.buf = buf[:0]
	e.tbs = tbs
}

// Remaining returns the bytes still free in the transport block.
func (e *PDUEncoder) Remaining() int { return e.tbs - len(e.buf) }

// MaxSDUSize returns the largest SDU that still fits with its subheader.
func (e *PDUEncoder) MaxSDUSize() int {
	rem := e.Remaining()
	switch {
	case rem > maxShortSDULen+longSubhdrLen:
		return rem - longSubhdrLen
	case rem > shortSubhdrLen:
		n := rem - shortSubhdrLen
		if n > maxShortSDULen {
			n = maxShortSDULen
		}
		return n
	}
	return 0
}

// AddSDU appends an SDU with its subheader.
func (e *PDUEncoder) AddSDU(lcid core.LCID, sdu []byte) error {
	n := len(sdu)
	hdr := subheaderLen(n)
	if hdr+n > e.Remaining() {
		return fmt.Errorf("%w: lcid=%d len=%d remaining=%d", ErrPDUFull, lcid, n, e.Remaining())
	}
	if hdr == longSubhdrLen {
		e.buf = append(e.buf, 0x40|byte(lcid&0x3f), byte(n>>8), byte(n))
	} else {
		e.buf = append(e.buf, byte(lcid&0x3f), byte(n))
	}
	e.buf = append(e.buf, sdu...)
	return nil
}

// Finish pads the PDU up to the TBS with a padding subheader and returns it.
func (e *PDUEncoder) Finish() []byte {
	if rem := e.Remaining(); rem > 0 {
		e.buf = append(e.buf, byte(core.LCIDPadding))
		for i := 1; i < rem; i++ {
			e.buf = append(e.buf, 0)
		}
	}
	return e.buf
}

// Subheader is one decoded UL-SCH subPDU.
type Subheader struct {
	LCID    core.LCID
	Payload []byte
}

// DecodeULPDU splits a UL-SCH MAC PDU into its subPDUs. Padding ends the walk.
func DecodeULPDU(pdu []byte) ([]Subheader, error) {
	var out []Subheader
	for pos := 0; pos < len(pdu); {
		lcid := core.LCID(pdu[pos] & 0x3f)
		long := pdu[pos]&0x40 != 0
		pos++
		if lcid == core.LCIDPadding {
			break
		}
		var n int
		switch lcid {
		case lcidShortBSR, lcidShortTruncBSR:
			n = 1
		default:
			if long {
				if pos+2 > len(pdu) {
					return out, ErrTruncatedPDU
				}
				n = int(pdu[pos])<<8 | int(pdu[pos+1])
				pos += 2
			} else {
				if pos+1 > len(pdu) {
					return out, ErrTruncatedPDU
				}
				n = int(pdu[pos])
				pos++
			}
		}
		if pos+n > len(pdu) {
			return out, ErrTruncatedPDU
		}
		out = append(out, Subheader{LCID: lcid, Payload: pdu[pos : pos+n]})
		pos += n
	}
	return out, nil
}

// ShortBSR decodes a short BSR CE into its LCG and buffer size in bytes.
func ShortBSR(ce []byte) (lcg uint8, bytes int, ok bool) {
	if len(ce) != 1 {
		return 0, 0, false
	}
	return ce[0] >> 5, BufferSizeFromIndex(ce[0] & 0x1f), true
}

// EncodeShortBSR builds the subPDU of a short BSR for tests and UL traffic generation.
func EncodeShortBSR(lcg uint8, bytes int) []byte {
	return []byte{byte(lcidShortBSR), lcg<<5 | BufferSizeToIndex(bytes)}
}
