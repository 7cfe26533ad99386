package transport

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Datagram is one raw UDP payload with its origin, as handed to the
// dispatcher.
type Datagram struct {
	ConnID uint32
	Peer   *net.UDPAddr
	Data   []byte
}

// DispatchFunc routes an inbound datagram to its session. It runs on the
// scheduler goroutine, inside Poll.
type DispatchFunc func(Datagram)

// Tap observes every datagram that passes through the transport, in either
// direction.
type Tap interface {
	Packet(src, dst *net.UDPAddr, payload []byte)
}

// Transport sends datagrams synchronously and polls sockets for inbound
// traffic. ConnID 0 is the default socket; nonzero ids identify sockets
// that accepted a specific inbound flow and must be reused for responses.
type Transport interface {
	Send(connID uint32, dst *net.UDPAddr, b []byte) error
	Poll(waitMs int64)
	Close() error
}

// UDPTransport reads each socket on its own goroutine into a shared inbox;
// Poll drains the inbox on the scheduler goroutine with a bounded wait.
type UDPTransport struct {
	conns    map[uint32]*net.UDPConn
	inbox    chan Datagram
	dispatch DispatchFunc
	tap      Tap
	done     chan struct{}
}

// NewUDPTransport binds the default socket (conn id 0) on localAddr.
func NewUDPTransport(localAddr *net.UDPAddr, dispatch DispatchFunc, tap Tap) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP to %s: %w", localAddr, err)
	}

	t := &UDPTransport{
		conns:    map[uint32]*net.UDPConn{0: conn},
		inbox:    make(chan Datagram, 4096),
		dispatch: dispatch,
		tap:      tap,
		done:     make(chan struct{}),
	}
	go t.listen(0, conn)
	return t, nil
}

// LocalAddr returns the address the default socket is bound to.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conns[0].LocalAddr()
}

// Send transmits b to dst over the socket identified by connID. The caller
// keeps ownership of b; it may be reused once Send returns.
func (t *UDPTransport) Send(connID uint32, dst *net.UDPAddr, b []byte) error {
	conn, ok := t.conns[connID]
	if !ok {
		return fmt.Errorf("no socket for conn id %d", connID)
	}
	if _, err := conn.WriteToUDP(b, dst); err != nil {
		return fmt.Errorf("failed to send to %s: %w", dst, err)
	}
	if t.tap != nil {
		if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			t.tap.Packet(local, dst, b)
		}
	}
	return nil
}

// Poll blocks up to waitMs for inbound traffic and hands every queued
// datagram to the dispatcher.
func (t *UDPTransport) Poll(waitMs int64) {
	if waitMs > 0 {
		timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case dg, ok := <-t.inbox:
			if !ok {
				return
			}
			t.dispatch(dg)
		case <-timer.C:
			return
		}
	}
	for {
		select {
		case dg, ok := <-t.inbox:
			if !ok {
				return
			}
			t.dispatch(dg)
		default:
			return
		}
	}
}

// Close shuts every socket down and stops the reader goroutines.
func (t *UDPTransport) Close() error {
	close(t.done)
	var first error
	for _, conn := range t.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t *UDPTransport) listen(connID uint32, conn *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			log.WithError(err).Warn("error reading from UDP")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if t.tap != nil {
			if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
				t.tap.Packet(addr, local, data)
			}
		}

		select {
		case t.inbox <- Datagram{ConnID: connID, Peer: addr, Data: data}:
		case <-t.done:
			return
		}
	}
}
