package mac

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/logging"
)

func TestEncoderShortLongAndPadding(t *testing.T) {
	var enc PDUEncoder
	enc.Reset(nil, 320)
	require.NoError(t, enc.AddSDU(core.LCIDSRB1, []byte{0xaa, 0xbb}))
	require.NoError(t, enc.AddSDU(core.LCIDMinDRB, bytes.Repeat([]byte{0x11}, 300)))
	assert.ErrorIs(t, enc.AddSDU(core.LCIDMinDRB, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}), ErrPDUFull)
	pdu := enc.Finish()
	require.Len(t, pdu, 320)

	assert.Equal(t, []byte{0x01, 0x02, 0xaa, 0xbb}, pdu[:4])
	assert.Equal(t, []byte{0x44, 0x01, 0x2c}, pdu[4:7])
	assert.Equal(t, byte(core.LCIDPadding), pdu[307])

	subs, err := DecodeULPDU(pdu)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, core.LCIDSRB1, subs[0].LCID)
	assert.Len(t, subs[1].Payload, 300)
}

func TestMaxSDUSizeFitsExactly(t *testing.T) {
	for _, tbs := range []int{3, 100, 257, 258, 259, 1000} {
		var enc PDUEncoder
		enc.Reset(nil, tbs)
		n := enc.MaxSDUSize()
		require.NoError(t, enc.AddSDU(core.LCIDMinDRB, make([]byte, n)), "tbs=%d", tbs)
		assert.LessOrEqual(t, enc.Remaining(), 1, "tbs=%d", tbs)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, err := DecodeULPDU([]byte{0x04, 10, 1, 2})
	assert.ErrorIs(t, err, ErrTruncatedPDU)
	_, err = DecodeULPDU([]byte{0x44, 0x01})
	assert.ErrorIs(t, err, ErrTruncatedPDU)
}

func TestShortBSRRoundTrip(t *testing.T) {
	ce := EncodeShortBSR(2, 1000)
	subs, err := DecodeULPDU(ce)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	lcg, size, ok := ShortBSR(subs[0].Payload)
	require.True(t, ok)
	assert.Equal(t, uint8(2), lcg)
	assert.Equal(t, 1038, size)
	assert.Equal(t, uint8(0), BufferSizeToIndex(0))
	assert.Equal(t, uint8(31), BufferSizeToIndex(1<<20))
}

type bsRecorder struct {
	last map[core.LCID]int
}

func (b *bsRecorder) DLBufferStateIndication(_ core.UEIndex, lcid core.LCID, bytes int) {
	b.last[lcid] = bytes
}

func TestBuildPDUSegmentsAndReportsBufferState(t *testing.T) {
	bs := &bsRecorder{last: make(map[core.LCID]int)}
	m := NewDLUEManager(bs, 4)
	require.NoError(t, m.AddUE(0, 0x4601, []core.LCID{core.LCIDMinDRB}))
	require.NoError(t, m.EnqueueSDU(0x4601, core.LCIDSRB1, []byte{1, 2, 3}))
	require.NoError(t, m.EnqueueSDU(0x4601, core.LCIDMinDRB, bytes.Repeat([]byte{7}, 1000)))
	assert.Equal(t, 1000, bs.last[core.LCIDMinDRB])

	var enc PDUEncoder
	grant := core.PDSCHGrant{UE: 0, RNTI: 0x4601, TBSBytes: 300}
	pdu := m.BuildPDU(&enc, grant, nil)
	require.Len(t, pdu, 300)

	subs, err := DecodeULPDU(pdu)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, core.LCIDSRB1, subs[0].LCID, "SRBs first")
	assert.Equal(t, core.LCIDMinDRB, subs[1].LCID)
	sent := len(subs[1].Payload)
	assert.Equal(t, 1000-sent, m.PendingBytes(0, core.LCIDMinDRB))
	assert.Equal(t, 0, bs.last[core.LCIDSRB1])
	assert.Equal(t, 1000-sent, bs.last[core.LCIDMinDRB])
}

func TestDLUEManagerErrors(t *testing.T) {
	m := NewDLUEManager(nil, 1)
	require.NoError(t, m.AddUE(0, 0x4601, nil))
	assert.ErrorIs(t, m.AddUE(0, 0x4602, nil), ErrDuplicateUE)
	assert.ErrorIs(t, m.AddUE(1, 0x4601, nil), ErrDuplicateUE)
	assert.ErrorIs(t, m.EnqueueSDU(0x9999, core.LCIDSRB1, []byte{1}), ErrUnknownRNTI)
	assert.ErrorIs(t, m.EnqueueSDU(0x4601, core.LCIDMinDRB, []byte{1}), ErrLCIDInactive)
	require.NoError(t, m.EnqueueSDU(0x4601, core.LCIDSRB1, []byte{1}))
	assert.ErrorIs(t, m.EnqueueSDU(0x4601, core.LCIDSRB1, []byte{1}), ErrSDUQueueFull)
	assert.Equal(t, uint64(1), m.Dropped())
	assert.True(t, m.RemoveUE(0))
	assert.False(t, m.RemoveUE(0))
}

type feedbackRecorder struct {
	crc  []bool
	sr   int
	cqi  []uint8
	bsrs []int
}

func (f *feedbackRecorder) CRCIndication(_ core.UEIndex, ok bool)     { f.crc = append(f.crc, ok) }
func (f *feedbackRecorder) SRIndication(core.UEIndex)                 { f.sr++ }
func (f *feedbackRecorder) CQIIndication(_ core.UEIndex, cqi uint8)   { f.cqi = append(f.cqi, cqi) }
func (f *feedbackRecorder) ULBSRIndication(_ core.UEIndex, bytes int) { f.bsrs = append(f.bsrs, bytes) }

func TestControlInfoHandler(t *testing.T) {
	ues := NewDLUEManager(nil, 0)
	require.NoError(t, ues.AddUE(5, 0x4606, nil))
	fb := &feedbackRecorder{}
	h := NewControlInfoHandler(ues, fb, logging.Discard())

	payload := append(EncodeShortBSR(0, 500), byte(core.LCIDPadding), 0, 0)
	h.HandleCRC(CRCIndication{RNTI: 0x4606, OK: true, Payload: payload})
	h.HandleCRC(CRCIndication{RNTI: 0x4606, OK: false, Payload: payload})
	h.HandleUCI(UCIIndication{RNTI: 0x4606, SR: true, HasCQI: true, CQI: 12, RSSI: -60})
	h.HandleUCI(UCIIndication{RNTI: 0x1234, SR: true})

	assert.Equal(t, []bool{true, false}, fb.crc)
	assert.Equal(t, []int{535}, fb.bsrs)
	assert.Equal(t, 1, fb.sr)
	assert.Equal(t, []uint8{12}, fb.cqi)

	st := h.Stats()
	assert.Equal(t, uint64(1), st.UnknownRNTI)
	assert.Equal(t, uint64(1), st.BSRs)
	assert.InDelta(t, -60.0, st.AvgRSSI, 1e-9)
}

func TestMIBEncoding(t *testing.T) {
	a := newSSBAssembler(7, MIBConfig{SubcarrierOffset: 3, CellBarred: true}, []byte{1})
	mib := a.encodeMIB(0x3f0)
	require.Len(t, mib, 3)
	// choice(0) + sfn MSBs 111111 + scs(0)
	assert.Equal(t, byte(0x7e), mib[0])

	pdus := a.assembleSSBs(core.NewSlotPoint(1, 5, 12), []core.SSBInfo{{SSBIndex: 0}}, nil)
	require.Len(t, pdus, 1)
	assert.True(t, pdus[0].HalfFrame)
	assert.Equal(t, uint32(5), pdus[0].SFN)

	sib := a.assembleSIB(core.SIBInfo{TBSBytes: 4})
	assert.Equal(t, core.SIRNTI, sib.RNTI)
	assert.Equal(t, []byte{1, 0, 0, 0}, sib.Payload)
}
