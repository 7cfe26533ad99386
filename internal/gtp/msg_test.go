package gtp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmnsk/go-gtp/gtpv2"
	"github.com/wmnsk/go-gtp/gtpv2/ie"
	"github.com/wmnsk/go-gtp/gtpv2/message"
)

func TestPeekHeader(t *testing.T) {
	m := New(message.MsgTypeCreateSessionRequest, ie.NewIMSI("001010000000001"))
	m.PrepareHeader(0xDEADBEEF, 0x123456)
	b, err := m.Marshal()
	require.NoError(t, err)

	h, err := PeekHeader(b)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), h.Version)
	assert.True(t, h.HasTEID)
	assert.Equal(t, uint8(message.MsgTypeCreateSessionRequest), h.Type)
	assert.Equal(t, uint32(0xDEADBEEF), h.TEID)
	assert.Equal(t, uint32(0x123456), h.Sequence)
}

func TestPeekHeader_ShortDatagram(t *testing.T) {
	_, err := PeekHeader([]byte{0x48, 0x20})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestPeekHeader_VersionMismatch(t *testing.T) {
	b := make([]byte, 12)
	b[0] = 1 << 5 // GTPv1
	_, err := PeekHeader(b)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestMsg_RoundTrip(t *testing.T) {
	tmpl := New(message.MsgTypeCreateSessionRequest,
		ie.NewAccessPointName("internet"),
		ie.NewRATType(6),
		ie.NewBearerContext(
			ie.NewEPSBearerID(5),
			ie.NewBearerQoS(0, 9, 0, 9, 0, 0, 0, 0),
		),
	)

	tmpl.PrepareHeader(0, 42)
	tmpl.SetIMSI("001010000000001")
	require.NoError(t, tmpl.SetSenderFTEID(gtpv2.IFTypeS11MMEGTPC, 0x100, net.ParseIP("10.0.0.1")))
	require.NoError(t, tmpl.SetBearerUTEIDs(0, gtpv2.IFTypeS1UeNodeBGTPU, net.ParseIP("10.0.0.1"),
		func(ebi uint8) (uint32, bool) { return 0x2000 + uint32(ebi), true }))

	b, err := tmpl.Marshal()
	require.NoError(t, err)

	got, err := Parse(b)
	require.NoError(t, err)

	assert.Equal(t, uint8(message.MsgTypeCreateSessionRequest), got.Type())
	assert.Equal(t, uint32(0), got.TEID())
	assert.Equal(t, uint32(42), got.Sequence())

	imsi, err := got.IMSI()
	require.NoError(t, err)
	assert.Equal(t, "001010000000001", imsi)

	teid, err := got.SenderFTEID()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), teid)

	assert.Equal(t, []uint8{5}, got.BearerEBIs(0))
}

func TestMsg_SetIEOverwrites(t *testing.T) {
	m := New(message.MsgTypeCreateSessionRequest)
	m.SetIMSI("001010000000001")
	m.SetIMSI("001010000000002")

	imsi, err := m.IMSI()
	require.NoError(t, err)
	assert.Equal(t, "001010000000002", imsi)

	count := 0
	for _, bc := range m.ies {
		if bc.Type == ie.IMSI {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMsg_SequenceMasksTo24Bits(t *testing.T) {
	m := New(message.MsgTypeModifyBearerRequest)
	m.PrepareHeader(1, 0x1FFFFFF)
	assert.Equal(t, uint32(0xFFFFFF), m.Sequence())

	b, err := m.Marshal()
	require.NoError(t, err)
	h, err := PeekHeader(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xFFFFFF), h.Sequence)
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CatRequest, CategoryOf(message.MsgTypeCreateSessionRequest))
	assert.Equal(t, CatResponse, CategoryOf(message.MsgTypeCreateSessionResponse))
	assert.Equal(t, CatRequest, CategoryOf(message.MsgTypeDeleteSessionRequest))
	assert.Equal(t, CatOther, CategoryOf(message.MsgTypeEchoRequest))
}

func TestMsg_IMSIMissing(t *testing.T) {
	m := New(message.MsgTypeModifyBearerRequest)
	_, err := m.IMSI()
	assert.ErrorIs(t, err, ErrIENotFound)
}
