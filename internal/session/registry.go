package session

import "net"

// Registry holds the two lookup indices over live sessions (by IMSI key
// and, through control tunnels, by local TEID), the peer table, and the
// process-wide allocators. It is owned by the scheduler goroutine; no
// locking.
type Registry struct {
	byImsi map[ImsiKey]*UeSession
	byTeid map[uint32]*GtpcTun
	peers  *PeerTable

	nextTeid   uint32
	nextUTeid  uint32
	nextTaskID uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byImsi: make(map[ImsiKey]*UeSession),
		byTeid: make(map[uint32]*GtpcTun),
		peers:  NewPeerTable(),
	}
}

// NextTaskID mints a monotonic task id.
func (r *Registry) NextTaskID() uint64 {
	r.nextTaskID++
	return r.nextTaskID
}

// AllocTEID mints a monotonic nonzero control-plane TEID.
func (r *Registry) AllocTEID() uint32 {
	r.nextTeid++
	if r.nextTeid == 0 {
		r.nextTeid = 1
	}
	return r.nextTeid
}

// AllocUTEID mints a monotonic nonzero user-plane TEID.
func (r *Registry) AllocUTEID() uint32 {
	r.nextUTeid++
	if r.nextUTeid == 0 {
		r.nextUTeid = 1
	}
	return r.nextUTeid
}

// Peers returns the sequence allocator / peer tracker.
func (r *Registry) Peers() *PeerTable { return r.peers }

// NextSeq allocates the next outbound sequence number toward ep.
func (r *Registry) NextSeq(ep *net.UDPAddr) uint32 {
	return r.peers.NextSeq(ep)
}

// AddSession registers a session under its IMSI key.
func (r *Registry) AddSession(s *UeSession) {
	r.byImsi[s.imsi] = s
}

// RemoveSession drops a session from the IMSI index.
func (r *Registry) RemoveSession(s *UeSession) {
	delete(r.byImsi, s.imsi)
}

// SessionByIMSI looks a session up by subscriber identity.
func (r *Registry) SessionByIMSI(key ImsiKey) *UeSession {
	return r.byImsi[key]
}

// RegisterTun indexes a control tunnel by its local TEID.
func (r *Registry) RegisterTun(tun *GtpcTun) {
	r.byTeid[tun.LocalTEID] = tun
}

// ReleaseTun drops one reference to a control tunnel, unregistering it
// when the count reaches zero. Returns true if the tunnel was freed.
func (r *Registry) ReleaseTun(tun *GtpcTun) bool {
	tun.RefCount--
	if tun.RefCount > 0 {
		return false
	}
	delete(r.byTeid, tun.LocalTEID)
	return true
}

// TunByTEID looks a control tunnel up by local TEID.
func (r *Registry) TunByTEID(teid uint32) *GtpcTun {
	return r.byTeid[teid]
}

// SessionByTEID resolves a local control TEID to its owning session.
func (r *Registry) SessionByTEID(teid uint32) *UeSession {
	tun := r.byTeid[teid]
	if tun == nil {
		return nil
	}
	return tun.Sess
}

// SessionCount returns the number of registered sessions.
func (r *Registry) SessionCount() int {
	return len(r.byImsi)
}

// TunCount returns the number of registered control tunnels.
func (r *Registry) TunCount() int {
	return len(r.byTeid)
}
