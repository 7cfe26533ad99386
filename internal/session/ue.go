package session

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/wmnsk/go-gtp/gtpv2/message"

	"gtpsim/internal/engine"
	"gtpsim/internal/gtp"
	"gtpsim/internal/scenario"
	"gtpsim/internal/stats"
	"gtpsim/internal/transport"
)

// Params carries the per-node configuration a session needs to execute its
// scenario.
type Params struct {
	T3Ms           int64
	N3             int
	DeadCallWaitMs int64

	LocalIP net.IP
	LocalEp *net.UDPAddr
	PeerEp  *net.UDPAddr

	// F-TEID interface types stamped into outbound sender and bearer
	// F-TEIDs.
	CtlIfType  uint8
	UserIfType uint8

	// UEPool, when set, supplies PDN addresses for the PAA IE of Create
	// Session Responses (responder side).
	UEPool *UEIPPool
}

const (
	flagWaitingForRsp = 1 << iota
	flagScnComplete
)

type sentDatagram struct {
	connID uint32
	peer   *net.UDPAddr
	buf    []byte
}

// procState is the book-keeping for one procedure: the sequence number and
// message types in flight, the socket it runs over, the stored encoded
// datagram for retransmission, and the job that originated it.
type procState struct {
	connID  uint32
	seq     uint32
	reqType uint8
	rspType uint8
	sentMsg *sentDatagram
	job     *scenario.Job
}

// UeSession is one synthetic subscriber driving a scripted GTP-C exchange.
// It implements engine.Task; all methods run on the scheduler goroutine.
type UeSession struct {
	id   uint64
	imsi ImsiKey

	reg   *Registry
	clock engine.Clock
	tr    transport.Transport
	stats *stats.Collector
	prm   *Params
	scn   *scenario.Scenario

	pdns    []*GtpcPdn
	curPdn  *GtpcPdn
	bearers [MaxBearers]*GtpBearer
	ueIP    net.IP

	curIdx   int
	curProc  procState
	prevProc procState

	retryCnt int
	lastRun  int64
	wake     int64
	flags    uint32
}

// NewSession creates a session bound to scn, registers it under imsi, and
// counts it as created. A zero wake time makes it runnable on the next
// scheduler pass.
func NewSession(reg *Registry, clock engine.Clock, tr transport.Transport, st *stats.Collector,
	prm *Params, scn *scenario.Scenario, imsi ImsiKey) *UeSession {

	s := &UeSession{
		id:    reg.NextTaskID(),
		imsi:  imsi,
		reg:   reg,
		clock: clock,
		tr:    tr,
		stats: st,
		prm:   prm,
		scn:   scn,
	}
	reg.AddSession(s)
	st.SessionCreated()
	log.WithFields(log.Fields{"session": s.id, "imsi": imsi.Digits()}).Debug("Creating UE session")
	return s
}

func (s *UeSession) TaskID() uint64 { return s.id }
func (s *UeSession) WakeAt() int64  { return s.wake }
func (s *UeSession) Imsi() ImsiKey  { return s.imsi }

// CurIdx returns the current position in the job sequence.
func (s *UeSession) CurIdx() int { return s.curIdx }

// Completed reports whether the scenario has finished.
func (s *UeSession) Completed() bool { return s.flags&flagScnComplete != 0 }

// Waiting reports whether a request is outstanding.
func (s *UeSession) Waiting() bool { return s.flags&flagWaitingForRsp != 0 }

// RetryCount returns the number of retransmissions of the outstanding
// request.
func (s *UeSession) RetryCount() int { return s.retryCnt }

// Pdns returns the session's PDN connections.
func (s *UeSession) Pdns() []*GtpcPdn { return s.pdns }

// OnStop releases the session's PDNs, tunnels and index entries.
func (s *UeSession) OnStop() {
	for _, pdn := range s.pdns {
		if pdn.CTun != nil {
			s.reg.ReleaseTun(pdn.CTun)
		}
	}
	s.pdns = nil
	s.curPdn = nil
	if s.ueIP != nil && s.prm.UEPool != nil {
		s.prm.UEPool.Release(s.ueIP)
		s.ueIP = nil
	}
	s.reg.RemoveSession(s)
	log.WithFields(log.Fields{"session": s.id, "imsi": s.imsi.Digits()}).Debug("Deleting UE session")
}

// Run is the task entry point: arg is nil on a timer wake or a
// transport.Datagram handed over by the dispatcher.
func (s *UeSession) Run(arg any) engine.Result {
	s.lastRun = s.clock.NowMs()

	if s.Completed() {
		return s.handleDeadCall(arg)
	}
	if dg, ok := arg.(transport.Datagram); ok {
		return s.handleRecv(dg)
	}
	return s.stepTimer()
}

// stepTimer dispatches on the current job after a timer wake, and is
// re-entered synchronously when a received request must be answered on the
// same pass.
func (s *UeSession) stepTimer() engine.Result {
	job := s.curJob()
	if job == nil {
		return s.complete()
	}
	switch job.Type {
	case scenario.JobSend:
		return s.handleSend(job)
	case scenario.JobWait:
		return s.handleWait(job)
	default:
		// A Recv job has nothing to do until the dispatcher hands us a
		// datagram; park with no timer armed.
		s.wake = engine.WakeParked
		return engine.Running
	}
}

func (s *UeSession) handleSend(job *scenario.Job) engine.Result {
	if s.Waiting() {
		return s.handleReqTimeout(job)
	}
	if gtp.CategoryOf(job.Msg.Type()) == gtp.CatRequest {
		return s.sendRequest(job)
	}
	return s.sendResponse(job)
}

func (s *UeSession) sendRequest(job *scenario.Job) engine.Result {
	var pdn *GtpcPdn
	if job.Msg.Type() == message.MsgTypeCreateSessionRequest {
		p, err := s.createPdn()
		if err != nil {
			return s.fail(err)
		}
		pdn = p
	} else {
		pdn = s.curPdn
		if pdn == nil {
			return s.fail(fmt.Errorf("%w: no PDN for %s", ErrEncodeFailure, job.Name))
		}
	}

	if err := s.createBearers(pdn, job.Msg); err != nil {
		return s.fail(err)
	}

	s.curProc = procState{
		connID:  0,
		seq:     s.reg.NextSeq(s.prm.PeerEp),
		reqType: job.Msg.Type(),
		job:     job,
	}
	s.retryCnt = 0

	buf, err := s.encodeOut(pdn, job.Msg)
	if err != nil {
		return s.fail(err)
	}

	// initial message: always over the default socket to the configured
	// peer
	if err := s.tr.Send(0, s.prm.PeerEp, buf); err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrSendFailure, err))
	}
	job.Sent.Add(1)

	s.curProc.sentMsg = &sentDatagram{connID: 0, peer: s.prm.PeerEp, buf: buf}
	s.flags |= flagWaitingForRsp
	s.wake = s.lastRun + s.prm.T3Ms
	return engine.Running
}

// handleReqTimeout runs when T3 expires with the request still
// outstanding: resend the stored datagram verbatim, or give up once N3
// retries are spent.
func (s *UeSession) handleReqTimeout(job *scenario.Job) engine.Result {
	if s.retryCnt >= s.prm.N3 {
		job.Timeouts.Add(1)
		s.curProc.sentMsg = nil
		return s.fail(ErrMaxRetryExceeded)
	}

	sent := s.curProc.sentMsg
	if err := s.tr.Send(sent.connID, sent.peer, sent.buf); err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrSendFailure, err))
	}
	job.SentRetrans.Add(1)
	s.retryCnt++
	s.wake = s.lastRun + s.prm.T3Ms
	return engine.Running
}

func (s *UeSession) sendResponse(job *scenario.Job) engine.Result {
	pdn := s.curPdn
	if pdn == nil {
		return s.fail(fmt.Errorf("%w: no PDN for %s", ErrEncodeFailure, job.Name))
	}

	buf, err := s.encodeOut(pdn, job.Msg)
	if err != nil {
		return s.fail(err)
	}

	// the response goes back over the socket the request arrived on
	peer := pdn.CTun.PeerEp
	if peer == nil {
		peer = s.prm.PeerEp
	}
	if err := s.tr.Send(s.curProc.connID, peer, buf); err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrSendFailure, err))
	}
	job.Sent.Add(1)

	s.prevProc.sentMsg = &sentDatagram{connID: s.curProc.connID, peer: peer, buf: buf}
	s.prevProc.rspType = job.Msg.Type()

	s.advance()
	if s.scnDone() {
		return s.complete()
	}
	s.wake = 0
	return engine.Running
}

func (s *UeSession) handleWait(job *scenario.Job) engine.Result {
	s.wake = s.lastRun + job.WaitMs
	s.advance()
	if s.scnDone() {
		return s.complete()
	}
	return engine.Running
}

func (s *UeSession) handleRecv(dg transport.Datagram) engine.Result {
	msg, err := gtp.Parse(dg.Data)
	if err != nil {
		log.WithError(err).WithField("session", s.id).Debug("Dropping undecodable datagram")
		if job := s.curJob(); job != nil {
			job.Unexpected.Add(1)
		}
		return engine.Running
	}

	switch gtp.CategoryOf(msg.Type()) {
	case gtp.CatRequest:
		return s.handleIncReq(msg, dg)
	case gtp.CatResponse:
		return s.handleIncRsp(msg, dg)
	default:
		if job := s.curJob(); job != nil {
			job.Unexpected.Add(1)
		}
		return engine.Running
	}
}

func (s *UeSession) isExpectedReq(msg *gtp.Msg) bool {
	job := s.curJob()
	return job != nil && job.Type == scenario.JobRecv &&
		job.Msg.Type() == msg.Type() &&
		SeqAfter(msg.Sequence(), s.curProc.seq)
}

func (s *UeSession) isPrevProcReq(msg *gtp.Msg) bool {
	return s.curIdx > 0 &&
		s.prevProc.reqType == msg.Type() &&
		s.prevProc.seq == msg.Sequence()
}

// isExpectedRsp pairs an outstanding request at cur_idx with the Recv job
// that immediately follows it.
func (s *UeSession) isExpectedRsp(msg *gtp.Msg) bool {
	if s.curIdx+1 >= len(s.scn.Jobs) {
		return false
	}
	job := s.scn.Jobs[s.curIdx+1]
	return job.Type == scenario.JobRecv &&
		job.Msg.Type() == msg.Type() &&
		msg.Sequence() == s.curProc.seq
}

func (s *UeSession) isPrevProcRsp(msg *gtp.Msg) bool {
	return s.curIdx > 0 &&
		s.prevProc.rspType == msg.Type() &&
		s.prevProc.seq == msg.Sequence()
}

func (s *UeSession) handleIncReq(msg *gtp.Msg, dg transport.Datagram) engine.Result {
	switch {
	case s.isExpectedReq(msg):
		// handled below

	case s.isPrevProcReq(msg):
		// duplicate of the previous procedure's request: resend the stored
		// response verbatim
		if s.prevProc.job != nil {
			s.prevProc.job.RecvRetrans.Add(1)
		}
		if sm := s.prevProc.sentMsg; sm != nil {
			if err := s.tr.Send(sm.connID, sm.peer, sm.buf); err != nil {
				log.WithError(err).WithField("session", s.id).Warn("Response retransmission failed")
			}
		}
		return engine.Running

	default:
		if job := s.curJob(); job != nil {
			job.Unexpected.Add(1)
		}
		return engine.Running
	}

	job := s.curJob()
	job.Recv.Add(1)

	var pdn *GtpcPdn
	if msg.Type() == message.MsgTypeCreateSessionRequest {
		p, err := s.createPdn()
		if err != nil {
			return s.fail(err)
		}
		pdn = p
	} else {
		pdn = s.curPdn
		if pdn == nil {
			return s.fail(fmt.Errorf("%w: %s with no PDN", ErrAllocationFailure, job.Name))
		}
	}

	s.curProc = procState{
		connID:  dg.ConnID,
		seq:     msg.Sequence(),
		reqType: msg.Type(),
		job:     job,
	}
	s.reg.Peers().UpdateRcvd(dg.Peer, msg.Sequence())
	if err := s.storeIncoming(pdn, msg, dg.Peer); err != nil {
		return s.fail(err)
	}

	s.prevProc.connID = s.curProc.connID
	s.prevProc.seq = s.curProc.seq
	s.prevProc.reqType = msg.Type()
	s.prevProc.job = job

	// finish the Recv job and fire the triggered Send on the same pass
	s.advance()
	return s.stepTimer()
}

func (s *UeSession) handleIncRsp(msg *gtp.Msg, dg transport.Datagram) engine.Result {
	switch {
	case s.isExpectedRsp(msg):
		// handled below

	case s.isPrevProcRsp(msg):
		// retransmitted response for the previous procedure
		if s.prevProc.job != nil {
			s.prevProc.job.RecvRetrans.Add(1)
		}
		return engine.Running

	default:
		s.unexpectedRspJob().Unexpected.Add(1)
		return engine.Running
	}

	s.prevProc.connID = dg.ConnID
	s.prevProc.seq = s.curProc.seq
	s.prevProc.reqType = s.curProc.reqType
	s.prevProc.rspType = msg.Type()
	s.prevProc.job = s.curJob()
	s.advance() // past the paired Send

	job := s.curJob()
	job.Recv.Add(1)
	if err := s.storeIncoming(s.curPdn, msg, dg.Peer); err != nil {
		return s.fail(err)
	}

	s.flags &^= flagWaitingForRsp
	s.curProc.sentMsg = nil
	s.advance() // past the Recv itself

	if s.scnDone() {
		return s.complete()
	}
	s.wake = 0
	return engine.Running
}

// unexpectedRspJob attributes an unexpected response to the Recv job that
// is waiting for the real one, falling back to the current job.
func (s *UeSession) unexpectedRspJob() *scenario.Job {
	if s.Waiting() && s.curIdx+1 < len(s.scn.Jobs) && s.scn.Jobs[s.curIdx+1].Type == scenario.JobRecv {
		return s.scn.Jobs[s.curIdx+1]
	}
	if job := s.curJob(); job != nil {
		return job
	}
	return s.scn.Jobs[len(s.scn.Jobs)-1]
}

// handleDeadCall absorbs stragglers after scenario completion and tears
// the session down once the grace period elapses with no activity.
func (s *UeSession) handleDeadCall(arg any) engine.Result {
	if arg == nil {
		if s.lastRun >= s.wake {
			return engine.Over
		}
		return engine.Running
	}

	dg, ok := arg.(transport.Datagram)
	if !ok {
		return engine.Running
	}
	msg, err := gtp.Parse(dg.Data)
	if err != nil {
		return engine.Running
	}

	switch gtp.CategoryOf(msg.Type()) {
	case gtp.CatRequest:
		if s.isPrevProcReq(msg) {
			if s.prevProc.job != nil {
				s.prevProc.job.RecvRetrans.Add(1)
			}
			if sm := s.prevProc.sentMsg; sm != nil {
				if err := s.tr.Send(sm.connID, sm.peer, sm.buf); err != nil {
					log.WithError(err).WithField("session", s.id).Warn("Response retransmission failed")
				}
			}
		}
	case gtp.CatResponse:
		if s.isPrevProcRsp(msg) && s.prevProc.job != nil {
			s.prevProc.job.RecvRetrans.Add(1)
		}
	}
	return engine.Running
}

func (s *UeSession) complete() engine.Result {
	log.WithFields(log.Fields{"session": s.id, "imsi": s.imsi.Digits()}).Debug("Scenario complete")
	s.flags |= flagScnComplete
	s.stats.SessionSucceeded()
	s.stats.DeadCall()
	s.wake = s.lastRun + s.prm.DeadCallWaitMs
	return engine.Running
}

func (s *UeSession) fail(err error) engine.Result {
	log.WithError(err).WithFields(log.Fields{
		"session": s.id,
		"imsi":    s.imsi.Digits(),
	}).Warn("UE session failed")
	s.stats.SessionFailed()
	return engine.Over
}

func (s *UeSession) curJob() *scenario.Job {
	if s.curIdx < len(s.scn.Jobs) {
		return s.scn.Jobs[s.curIdx]
	}
	return nil
}

func (s *UeSession) advance() { s.curIdx++ }

func (s *UeSession) scnDone() bool { return s.curIdx >= len(s.scn.Jobs) }

func (s *UeSession) bearer(ebi uint8) *GtpBearer {
	if !validEbi(ebi) {
		return nil
	}
	return s.bearers[bearerIndex(ebi)]
}

func (s *UeSession) createPdn() (*GtpcPdn, error) {
	pdn := &GtpcPdn{Sess: s}
	pdn.CTun = s.createCTun(pdn)
	s.pdns = append(s.pdns, pdn)
	s.curPdn = pdn
	return pdn, nil
}

// createCTun allocates the PDN's control tunnel. On S11/S4 the first PDN
// creates it and later PDNs share it with a bumped reference count.
func (s *UeSession) createCTun(pdn *GtpcPdn) *GtpcTun {
	if s.scn.If.SharedTunnel() && len(s.pdns) > 0 {
		tun := s.pdns[len(s.pdns)-1].CTun
		tun.RefCount++
		return tun
	}

	tun := &GtpcTun{
		LocalTEID: s.reg.AllocTEID(),
		LocalEp:   s.prm.LocalEp,
		PeerEp:    s.prm.PeerEp,
		RefCount:  1,
		Pdn:       pdn,
		Sess:      s,
	}
	s.reg.RegisterTun(tun)
	return tun
}

// createBearers attaches the bearers declared in the message's Bearer
// Context IEs.
func (s *UeSession) createBearers(pdn *GtpcPdn, msg *gtp.Msg) error {
	for _, ebi := range msg.BearerEBIs(0) {
		if !validEbi(ebi) {
			return fmt.Errorf("%w: EBI %d out of range", ErrAllocationFailure, ebi)
		}
		if s.bearers[bearerIndex(ebi)] == nil {
			s.bearers[bearerIndex(ebi)] = &GtpBearer{
				Ebi:        ebi,
				Pdn:        pdn,
				LocalUTEID: s.reg.AllocUTEID(),
			}
		}
		setBearerBit(&pdn.BearerMask, ebi)
	}
	return nil
}

// storeIncoming decodes tunnel information out of a received message: the
// peer's control TEID from the sender F-TEID on CS request/response, the
// source endpoint, and bearers on CS request.
func (s *UeSession) storeIncoming(pdn *GtpcPdn, msg *gtp.Msg, peerEp *net.UDPAddr) error {
	if pdn == nil {
		return nil
	}
	t := msg.Type()
	if t == message.MsgTypeCreateSessionRequest || t == message.MsgTypeCreateSessionResponse {
		if teid, err := msg.SenderFTEID(); err == nil {
			pdn.CTun.RemoteTEID = teid
		}
	}
	pdn.CTun.PeerEp = peerEp
	if t == message.MsgTypeCreateSessionRequest {
		return s.createBearers(pdn, msg)
	}
	return nil
}

// encodeOut overwrites the template's dynamic fields and emits wire bytes.
func (s *UeSession) encodeOut(pdn *GtpcPdn, tmpl *gtp.Msg) ([]byte, error) {
	tmpl.PrepareHeader(pdn.CTun.RemoteTEID, s.curProc.seq)

	switch tmpl.Type() {
	case message.MsgTypeCreateSessionRequest:
		tmpl.SetIMSI(s.imsi.Digits())
		if err := tmpl.SetSenderFTEID(s.prm.CtlIfType, pdn.CTun.LocalTEID, s.prm.LocalIP); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncodeFailure, err)
		}
	case message.MsgTypeCreateSessionResponse:
		if err := tmpl.SetSenderFTEID(s.prm.CtlIfType, pdn.CTun.LocalTEID, s.prm.LocalIP); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncodeFailure, err)
		}
		if s.prm.UEPool != nil {
			if s.ueIP == nil {
				ip, err := s.prm.UEPool.Allocate()
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrAllocationFailure, err)
				}
				s.ueIP = ip
			}
			tmpl.SetPAA(s.ueIP)
		}
	}

	if err := tmpl.SetBearerUTEIDs(0, s.prm.UserIfType, s.prm.LocalIP, func(ebi uint8) (uint32, bool) {
		b := s.bearer(ebi)
		if b == nil {
			return 0, false
		}
		return b.LocalUTEID, true
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailure, err)
	}

	buf, err := tmpl.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailure, err)
	}
	return buf, nil
}
