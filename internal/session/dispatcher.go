package session

import (
	log "github.com/sirupsen/logrus"

	"gtpsim/internal/engine"
	"gtpsim/internal/gtp"
	"gtpsim/internal/stats"
	"gtpsim/internal/transport"
)

// SessionFactory creates an inbound-initiated session for an IMSI the
// dispatcher has not seen before. Nil means the node does not accept
// unsolicited initial requests.
type SessionFactory func(imsi ImsiKey) *UeSession

// Dispatcher routes inbound datagrams to sessions: by local control TEID
// when the header carries one, else by the IMSI of an initial request.
type Dispatcher struct {
	reg     *Registry
	sched   *engine.Scheduler
	stats   *stats.Collector
	factory SessionFactory
}

// NewDispatcher wires the dispatcher to the registry and scheduler.
func NewDispatcher(reg *Registry, sched *engine.Scheduler, st *stats.Collector, factory SessionFactory) *Dispatcher {
	return &Dispatcher{reg: reg, sched: sched, stats: st, factory: factory}
}

// Dispatch routes one datagram. It runs on the scheduler goroutine, inside
// the transport poll.
func (d *Dispatcher) Dispatch(dg transport.Datagram) {
	hdr, err := gtp.PeekHeader(dg.Data)
	if err != nil {
		log.WithError(err).WithField("from", dg.Peer).Debug("Dropping malformed datagram")
		d.stats.Unexpected()
		return
	}

	if hdr.HasTEID && hdr.TEID != 0 {
		sess := d.reg.SessionByTEID(hdr.TEID)
		if sess == nil {
			log.WithFields(log.Fields{
				"teid": hdr.TEID,
				"type": gtp.TypeName(hdr.Type),
				"from": dg.Peer,
			}).Debug("No session for TEID")
			d.stats.Unexpected()
			return
		}
		d.sched.Wake(sess, dg)
		return
	}

	// zero TEID: route by IMSI; only an initial request may create state
	msg, err := gtp.Parse(dg.Data)
	if err != nil {
		d.stats.Unexpected()
		return
	}
	imsiDigits, err := msg.IMSI()
	if err != nil {
		d.stats.Unexpected()
		return
	}
	imsi, err := ImsiKeyFromDigits(imsiDigits)
	if err != nil {
		d.stats.Unexpected()
		return
	}

	if sess := d.reg.SessionByIMSI(imsi); sess != nil {
		d.sched.Wake(sess, dg)
		return
	}

	if !gtp.IsInitialRequest(hdr.Type) || d.factory == nil {
		d.stats.Unexpected()
		return
	}

	sess := d.factory(imsi)
	if sess == nil {
		d.stats.Unexpected()
		return
	}
	d.sched.Add(sess)
	d.sched.Wake(sess, dg)
}
