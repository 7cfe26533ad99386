package session

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmnsk/go-gtp/gtpv2"
	"github.com/wmnsk/go-gtp/gtpv2/ie"
	"github.com/wmnsk/go-gtp/gtpv2/message"

	"gtpsim/internal/engine"
	"gtpsim/internal/gtp"
	"gtpsim/internal/scenario"
	"gtpsim/internal/stats"
	"gtpsim/internal/transport"
)

type manualClock struct {
	now int64
}

func (c *manualClock) NowMs() int64 { return c.now }

type sentPacket struct {
	connID uint32
	dst    *net.UDPAddr
	data   []byte
}

type fakeTransport struct {
	sent     []sentPacket
	failSend bool
}

func (f *fakeTransport) Send(connID uint32, dst *net.UDPAddr, b []byte) error {
	if f.failSend {
		return errors.New("socket gone")
	}
	data := make([]byte, len(b))
	copy(data, b)
	f.sent = append(f.sent, sentPacket{connID: connID, dst: dst, data: data})
	return nil
}

func (f *fakeTransport) Poll(waitMs int64) {}
func (f *fakeTransport) Close() error      { return nil }

func (f *fakeTransport) last(t *testing.T) *gtp.Msg {
	t.Helper()
	require.NotEmpty(t, f.sent)
	msg, err := gtp.Parse(f.sent[len(f.sent)-1].data)
	require.NoError(t, err)
	return msg
}

type harness struct {
	reg   *Registry
	clock *manualClock
	tr    *fakeTransport
	stats *stats.Collector
	prm   *Params
	peer  *net.UDPAddr
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	peer := &net.UDPAddr{IP: net.ParseIP("192.0.2.20"), Port: 2123}
	local := &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 2123}
	return &harness{
		reg:   NewRegistry(),
		clock: &manualClock{},
		tr:    &fakeTransport{},
		stats: stats.NewCollector(),
		peer:  peer,
		prm: &Params{
			T3Ms:           1000,
			N3:             3,
			DeadCallWaitMs: 500,
			LocalIP:        local.IP,
			LocalEp:        local,
			PeerEp:         peer,
			CtlIfType:      gtpv2.IFTypeS11MMEGTPC,
			UserIfType:     gtpv2.IFTypeS1USGWGTPU,
		},
	}
}

func (h *harness) session(t *testing.T, scn *scenario.Scenario, imsi string) *UeSession {
	t.Helper()
	key, err := ImsiKeyFromDigits(imsi)
	require.NoError(t, err)
	return NewSession(h.reg, h.clock, h.tr, h.stats, h.prm, scn, key)
}

func (h *harness) datagram(b []byte) transport.Datagram {
	return transport.Datagram{ConnID: 0, Peer: h.peer, Data: b}
}

func csReqTmpl() *gtp.Msg {
	return gtp.New(message.MsgTypeCreateSessionRequest,
		ie.NewAccessPointName("internet"),
		ie.NewRATType(6),
		ie.NewBearerContext(
			ie.NewEPSBearerID(5),
			ie.NewBearerQoS(0, 9, 0, 9, 0, 0, 0, 0),
		),
	)
}

func csRspTmpl() *gtp.Msg {
	return gtp.New(message.MsgTypeCreateSessionResponse,
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
	)
}

func mbReqTmpl() *gtp.Msg {
	return gtp.New(message.MsgTypeModifyBearerRequest, ie.NewRATType(6))
}

func mbRspTmpl() *gtp.Msg {
	return gtp.New(message.MsgTypeModifyBearerResponse,
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
	)
}

// createSessionScn is the S1 scenario: [Send CS_REQ, Recv CS_RSP].
func createSessionScn() *scenario.Scenario {
	return scenario.New("test", scenario.IfS11,
		scenario.NewSend(csReqTmpl()),
		scenario.NewRecv(csRspTmpl()),
	)
}

// responderScn is the S4 scenario: [Recv CS_REQ, Send CS_RSP, Recv MB_REQ,
// Send MB_RSP].
func responderScn() *scenario.Scenario {
	return scenario.New("test", scenario.IfS11,
		scenario.NewRecv(csReqTmpl()),
		scenario.NewSend(csRspTmpl()),
		scenario.NewRecv(mbReqTmpl()),
		scenario.NewSend(mbRspTmpl()),
	)
}

// peerCsReq builds an inbound Create Session Request as the remote peer
// would send it.
func peerCsReq(t *testing.T, imsi string, seq, senderTeid uint32) []byte {
	t.Helper()
	m := gtp.New(message.MsgTypeCreateSessionRequest,
		ie.NewAccessPointName("internet"),
		ie.NewBearerContext(
			ie.NewEPSBearerID(5),
			ie.NewBearerQoS(0, 9, 0, 9, 0, 0, 0, 0),
		),
	)
	m.PrepareHeader(0, seq)
	m.SetIMSI(imsi)
	require.NoError(t, m.SetSenderFTEID(gtpv2.IFTypeS11MMEGTPC, senderTeid, net.ParseIP("192.0.2.20")))
	b, err := m.Marshal()
	require.NoError(t, err)
	return b
}

// peerCsRsp builds an inbound Create Session Response matching a request.
func peerCsRsp(t *testing.T, seq, dstTeid, senderTeid uint32) []byte {
	t.Helper()
	m := gtp.New(message.MsgTypeCreateSessionResponse,
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
	)
	m.PrepareHeader(dstTeid, seq)
	require.NoError(t, m.SetSenderFTEID(gtpv2.IFTypeS11S4SGWGTPC, senderTeid, net.ParseIP("192.0.2.20")))
	b, err := m.Marshal()
	require.NoError(t, err)
	return b
}

func peerMbReq(t *testing.T, seq, dstTeid uint32) []byte {
	t.Helper()
	m := gtp.New(message.MsgTypeModifyBearerRequest, ie.NewRATType(6))
	m.PrepareHeader(dstTeid, seq)
	b, err := m.Marshal()
	require.NoError(t, err)
	return b
}

func peerMbRsp(t *testing.T, seq, dstTeid uint32) []byte {
	t.Helper()
	m := gtp.New(message.MsgTypeModifyBearerResponse,
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
	)
	m.PrepareHeader(dstTeid, seq)
	b, err := m.Marshal()
	require.NoError(t, err)
	return b
}

// S1: outbound create-session success.
func TestUeSession_OutboundCreateSuccess(t *testing.T) {
	h := newHarness(t)
	scn := createSessionScn()
	sess := h.session(t, scn, "001010000000001")

	// t=0: CS_REQ goes out with seq 1 and zero TEID
	res := sess.Run(nil)
	require.Equal(t, engine.Running, res)
	require.Len(t, h.tr.sent, 1)

	out := h.tr.last(t)
	assert.Equal(t, uint8(message.MsgTypeCreateSessionRequest), out.Type())
	assert.Equal(t, uint32(1), out.Sequence())
	assert.Equal(t, uint32(0), out.TEID())
	imsi, err := out.IMSI()
	require.NoError(t, err)
	assert.Equal(t, "001010000000001", imsi)
	localTeid, err := out.SenderFTEID()
	require.NoError(t, err)

	assert.True(t, sess.Waiting())
	assert.Equal(t, int64(1000), sess.WakeAt())
	assert.Equal(t, uint64(1), scn.Jobs[0].Sent.Load())

	// t=50: matching CS_RSP arrives
	h.clock.now = 50
	res = sess.Run(h.datagram(peerCsRsp(t, 1, localTeid, 0xBEEF)))
	require.Equal(t, engine.Running, res)

	assert.True(t, sess.Completed())
	assert.False(t, sess.Waiting())
	assert.Equal(t, len(scn.Jobs), sess.CurIdx())
	assert.Equal(t, uint64(1), scn.Jobs[1].Recv.Load())
	assert.Equal(t, uint32(0xBEEF), sess.Pdns()[0].CTun.RemoteTEID)
	assert.Equal(t, int64(50+500), sess.WakeAt())

	snap := h.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.SessionsSucc)
	assert.Equal(t, int64(0), snap.Sessions)
	assert.Equal(t, uint64(1), snap.DeadCalls)

	// dead-call timer expiry tears the session down
	h.clock.now = 550
	res = sess.Run(nil)
	require.Equal(t, engine.Over, res)
	sess.OnStop()
	assert.Equal(t, 0, h.reg.SessionCount())
	assert.Equal(t, 0, h.reg.TunCount())
}

// S2: two retransmissions, then success.
func TestUeSession_RetransmitThenSuccess(t *testing.T) {
	h := newHarness(t)
	scn := createSessionScn()
	sess := h.session(t, scn, "001010000000001")

	sess.Run(nil)
	out := h.tr.last(t)
	localTeid, err := out.SenderFTEID()
	require.NoError(t, err)
	firstWire := h.tr.sent[0].data

	for i, now := range []int64{1000, 2000} {
		h.clock.now = now
		require.Equal(t, engine.Running, sess.Run(nil))
		assert.Equal(t, i+1, sess.RetryCount())
		assert.Equal(t, uint64(i+1), scn.Jobs[0].SentRetrans.Load())
		// retransmission is byte-identical
		assert.Equal(t, firstWire, h.tr.sent[len(h.tr.sent)-1].data)
		assert.Equal(t, now+1000, sess.WakeAt())
	}

	h.clock.now = 2100
	res := sess.Run(h.datagram(peerCsRsp(t, 1, localTeid, 0xBEEF)))
	require.Equal(t, engine.Running, res)
	assert.True(t, sess.Completed())
	assert.Equal(t, uint64(2), scn.Jobs[0].SentRetrans.Load())
	assert.Equal(t, uint64(1), scn.Jobs[1].Recv.Load())
	assert.Equal(t, uint64(1), h.stats.Snapshot().SessionsSucc)
}

// S3: retry exhaustion fails the session.
func TestUeSession_RetryExhausted(t *testing.T) {
	h := newHarness(t)
	scn := createSessionScn()
	sess := h.session(t, scn, "001010000000001")

	sess.Run(nil)
	for _, now := range []int64{1000, 2000, 3000} {
		h.clock.now = now
		require.Equal(t, engine.Running, sess.Run(nil))
	}
	require.Equal(t, 3, sess.RetryCount())

	h.clock.now = 4000
	res := sess.Run(nil)
	require.Equal(t, engine.Over, res)

	assert.Equal(t, uint64(1), scn.Jobs[0].Timeouts.Load())
	assert.Equal(t, uint64(3), scn.Jobs[0].SentRetrans.Load())
	snap := h.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.SessionsFail)
	assert.Equal(t, int64(0), snap.Sessions)
	assert.Equal(t, snap.SessionsCreated, snap.SessionsSucc+snap.SessionsFail+uint64(snap.Sessions))
}

// S4: inbound duplicate request triggers response retransmission without
// advancing the scenario.
func TestUeSession_DuplicateRequest(t *testing.T) {
	h := newHarness(t)
	scn := responderScn()
	sess := h.session(t, scn, "001010000000001")

	// CS_REQ(seq=10) arrives; the response fires on the same pass
	res := sess.Run(h.datagram(peerCsReq(t, "001010000000001", 10, 0x9999)))
	require.Equal(t, engine.Running, res)
	require.Len(t, h.tr.sent, 1)

	rsp := h.tr.last(t)
	assert.Equal(t, uint8(message.MsgTypeCreateSessionResponse), rsp.Type())
	assert.Equal(t, uint32(10), rsp.Sequence())
	assert.Equal(t, uint32(0x9999), rsp.TEID())
	assert.Equal(t, 2, sess.CurIdx())
	assert.Equal(t, uint64(1), scn.Jobs[0].Recv.Load())
	firstRsp := h.tr.sent[0].data

	// duplicate CS_REQ(seq=10) at t=500
	h.clock.now = 500
	res = sess.Run(h.datagram(peerCsReq(t, "001010000000001", 10, 0x9999)))
	require.Equal(t, engine.Running, res)
	require.Len(t, h.tr.sent, 2)
	assert.Equal(t, firstRsp, h.tr.sent[1].data)
	assert.Equal(t, uint64(1), scn.Jobs[0].RecvRetrans.Load())
	assert.Equal(t, 2, sess.CurIdx(), "duplicate must not advance the scenario")

	// a fresh MB_REQ(seq=11) still advances normally
	localTeid := sess.Pdns()[0].CTun.LocalTEID
	res = sess.Run(h.datagram(peerMbReq(t, 11, localTeid)))
	require.Equal(t, engine.Running, res)
	assert.Equal(t, uint64(1), scn.Jobs[2].Recv.Load())
	assert.True(t, sess.Completed())
}

// S5: an unrelated response mid-wait is counted and otherwise ignored.
func TestUeSession_UnexpectedMessage(t *testing.T) {
	h := newHarness(t)
	scn := createSessionScn()
	sess := h.session(t, scn, "001010000000001")

	sess.Run(nil)
	out := h.tr.last(t)
	localTeid, err := out.SenderFTEID()
	require.NoError(t, err)
	wakeBefore := sess.WakeAt()

	h.clock.now = 300
	res := sess.Run(h.datagram(peerMbRsp(t, 1, localTeid)))
	require.Equal(t, engine.Running, res)

	assert.Equal(t, uint64(1), scn.Jobs[1].Unexpected.Load())
	assert.True(t, sess.Waiting(), "session must still be waiting")
	assert.Equal(t, 0, sess.CurIdx())
	assert.Equal(t, wakeBefore, sess.WakeAt(), "T3 deadline must be preserved")

	// the real response still completes the scenario
	h.clock.now = 400
	res = sess.Run(h.datagram(peerCsRsp(t, 1, localTeid, 0xBEEF)))
	require.Equal(t, engine.Running, res)
	assert.True(t, sess.Completed())
}

// S6: on S11 the control tunnel is shared across the session's PDNs.
func TestUeSession_S11TunnelSharing(t *testing.T) {
	h := newHarness(t)
	scn := scenario.New("two-pdns", scenario.IfS11,
		scenario.NewSend(csReqTmpl()),
		scenario.NewRecv(csRspTmpl()),
		scenario.NewSend(csReqTmpl()),
		scenario.NewRecv(csRspTmpl()),
	)
	sess := h.session(t, scn, "001010000000001")

	sess.Run(nil)
	out := h.tr.last(t)
	localTeid, err := out.SenderFTEID()
	require.NoError(t, err)

	h.clock.now = 50
	require.Equal(t, engine.Running, sess.Run(h.datagram(peerCsRsp(t, 1, localTeid, 0xBEEF))))

	// second PDN: next pass fires the second CS_REQ
	h.clock.now = 60
	require.Equal(t, engine.Running, sess.Run(nil))

	require.Len(t, sess.Pdns(), 2)
	tun := sess.Pdns()[0].CTun
	assert.Same(t, tun, sess.Pdns()[1].CTun)
	assert.Equal(t, 2, tun.RefCount)
	assert.Equal(t, 1, h.reg.TunCount())

	h.clock.now = 70
	require.Equal(t, engine.Running, sess.Run(h.datagram(peerCsRsp(t, 2, localTeid, 0xBEEF))))
	assert.True(t, sess.Completed())

	sess.OnStop()
	assert.Equal(t, 0, tun.RefCount)
	assert.Equal(t, 0, h.reg.TunCount())
}

// Dead-call handling: duplicates after completion are absorbed, the timer
// tears the session down.
func TestUeSession_DeadCallAbsorbsStragglers(t *testing.T) {
	h := newHarness(t)
	scn := scenario.New("inbound", scenario.IfS11,
		scenario.NewRecv(csReqTmpl()),
		scenario.NewSend(csRspTmpl()),
	)
	sess := h.session(t, scn, "001010000000001")

	require.Equal(t, engine.Running, sess.Run(h.datagram(peerCsReq(t, "001010000000001", 7, 0x9999))))
	require.True(t, sess.Completed())
	require.Len(t, h.tr.sent, 1)
	deadline := sess.WakeAt()

	// straggling duplicate of the request: response is resent
	h.clock.now = 100
	require.Equal(t, engine.Running, sess.Run(h.datagram(peerCsReq(t, "001010000000001", 7, 0x9999))))
	require.Len(t, h.tr.sent, 2)
	assert.Equal(t, h.tr.sent[0].data, h.tr.sent[1].data)
	assert.Equal(t, uint64(1), scn.Jobs[0].RecvRetrans.Load())
	assert.Equal(t, deadline, sess.WakeAt())

	// unrelated datagram is dropped silently
	h.clock.now = 200
	require.Equal(t, engine.Running, sess.Run(h.datagram(peerMbReq(t, 99, 1))))
	require.Len(t, h.tr.sent, 2)

	h.clock.now = deadline
	assert.Equal(t, engine.Over, sess.Run(nil))
}

// A send failure is session-fatal.
func TestUeSession_SendFailure(t *testing.T) {
	h := newHarness(t)
	h.tr.failSend = true
	scn := createSessionScn()
	sess := h.session(t, scn, "001010000000001")

	res := sess.Run(nil)
	require.Equal(t, engine.Over, res)
	snap := h.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.SessionsFail)
	assert.Equal(t, snap.SessionsCreated, snap.SessionsSucc+snap.SessionsFail+uint64(snap.Sessions))
}

// A Wait job pauses the session between procedures.
func TestUeSession_WaitJob(t *testing.T) {
	h := newHarness(t)
	scn := scenario.New("wait", scenario.IfS11,
		scenario.NewSend(csReqTmpl()),
		scenario.NewRecv(csRspTmpl()),
		scenario.NewWait(250),
		scenario.NewSend(gtp.New(message.MsgTypeDeleteSessionRequest, ie.NewEPSBearerID(5))),
		scenario.NewRecv(gtp.New(message.MsgTypeDeleteSessionResponse,
			ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil))),
	)
	sess := h.session(t, scn, "001010000000001")

	sess.Run(nil)
	out := h.tr.last(t)
	localTeid, err := out.SenderFTEID()
	require.NoError(t, err)

	h.clock.now = 50
	require.Equal(t, engine.Running, sess.Run(h.datagram(peerCsRsp(t, 1, localTeid, 0xBEEF))))
	require.False(t, sess.Completed())
	assert.Equal(t, int64(0), sess.WakeAt())

	// the wait job parks the session for 250ms
	h.clock.now = 60
	require.Equal(t, engine.Running, sess.Run(nil))
	assert.Equal(t, int64(60+250), sess.WakeAt())
	assert.Equal(t, 3, sess.CurIdx())

	// timer wake fires the DS_REQ against the learned remote TEID
	h.clock.now = 310
	require.Equal(t, engine.Running, sess.Run(nil))
	ds := h.tr.last(t)
	assert.Equal(t, uint8(message.MsgTypeDeleteSessionRequest), ds.Type())
	assert.Equal(t, uint32(0xBEEF), ds.TEID())
	assert.Equal(t, uint32(2), ds.Sequence())

	// matching DS_RSP completes the scenario
	h.clock.now = 350
	m := gtp.New(message.MsgTypeDeleteSessionResponse,
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil))
	m.PrepareHeader(localTeid, 2)
	b, err := m.Marshal()
	require.NoError(t, err)
	require.Equal(t, engine.Running, sess.Run(h.datagram(b)))
	assert.True(t, sess.Completed())
}

// A duplicate of the previous procedure's response is counted, not acted
// on.
func TestUeSession_DuplicateResponse(t *testing.T) {
	h := newHarness(t)
	scn := scenario.New("wait", scenario.IfS11,
		scenario.NewSend(csReqTmpl()),
		scenario.NewRecv(csRspTmpl()),
		scenario.NewWait(1000),
	)
	sess := h.session(t, scn, "001010000000001")

	sess.Run(nil)
	localTeid, err := h.tr.last(t).SenderFTEID()
	require.NoError(t, err)

	h.clock.now = 50
	require.Equal(t, engine.Running, sess.Run(h.datagram(peerCsRsp(t, 1, localTeid, 0xBEEF))))
	require.Equal(t, 2, sess.CurIdx())

	// retransmitted CS_RSP(seq=1) lands again
	h.clock.now = 60
	require.Equal(t, engine.Running, sess.Run(h.datagram(peerCsRsp(t, 1, localTeid, 0xBEEF))))
	assert.Equal(t, uint64(1), scn.Jobs[0].RecvRetrans.Load())
	assert.Equal(t, 2, sess.CurIdx())
	assert.Equal(t, uint64(1), scn.Jobs[1].Recv.Load())
}

// Invariant: cur_idx == len(job_seq) iff the scenario is complete.
func TestUeSession_IndexCompletionInvariant(t *testing.T) {
	h := newHarness(t)
	scn := createSessionScn()
	sess := h.session(t, scn, "001010000000001")

	check := func() {
		assert.LessOrEqual(t, sess.CurIdx(), len(scn.Jobs))
		assert.Equal(t, sess.CurIdx() == len(scn.Jobs), sess.Completed())
	}

	check()
	sess.Run(nil)
	check()
	localTeid, err := h.tr.last(t).SenderFTEID()
	require.NoError(t, err)
	h.clock.now = 50
	sess.Run(h.datagram(peerCsRsp(t, 1, localTeid, 0xBEEF)))
	check()
}

// The responder draws the UE address from the pool for the PAA IE.
func TestUeSession_ResponderAllocatesPAA(t *testing.T) {
	h := newHarness(t)
	pool, err := NewUEIPPool("10.60.0.0/24")
	require.NoError(t, err)
	h.prm.UEPool = pool

	scn := scenario.New("inbound", scenario.IfS11,
		scenario.NewRecv(csReqTmpl()),
		scenario.NewSend(csRspTmpl()),
	)
	sess := h.session(t, scn, "001010000000001")

	require.Equal(t, engine.Running, sess.Run(h.datagram(peerCsReq(t, "001010000000001", 3, 0x9999))))
	assert.Equal(t, 1, pool.AllocatedCount())

	rsp := h.tr.last(t)
	paa := rsp.FindIE(ie.PDNAddressAllocation, 0)
	require.NotNil(t, paa, "CS_RSP must carry the allocated PAA")

	sess.OnStop()
	assert.Equal(t, 0, pool.AllocatedCount())
}

func TestNextImsi(t *testing.T) {
	assert.Equal(t, "001010000000002", NextImsi("001010000000001"))
	assert.Equal(t, "001010000000100", NextImsi("001010000000099"))
}

func ExampleImsiKey() {
	key, _ := ImsiKeyFromDigits("001010123456789")
	fmt.Println(key.Digits())
	// Output: 001010123456789
}
