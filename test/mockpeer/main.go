// Mock GTP-C peer for end-to-end testing of the simulator. Listens on UDP
// 2123, parses incoming GTPv2-C requests, and generates accepting
// responses the way an SGW would.
//
// Usage:
//
//	go run test/mockpeer/main.go [--addr 127.0.0.1:2123] [--drop 0.0]
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/wmnsk/go-gtp/gtpv2"
	"github.com/wmnsk/go-gtp/gtpv2/ie"
	"github.com/wmnsk/go-gtp/gtpv2/message"

	"gtpsim/internal/gtp"
)

type mockPeer struct {
	addr    string
	conn    *net.UDPConn
	localIP net.IP
	drop    float64

	nextTeid uint32
	teids    map[uint32]uint32 // local TEID -> peer TEID

	stats struct {
		received int
		sent     int
		dropped  int
		errors   int
	}
}

func newMockPeer(addr string, drop float64) *mockPeer {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = "127.0.0.1"
	}
	return &mockPeer{
		addr:     addr,
		localIP:  net.ParseIP(host),
		drop:     drop,
		nextTeid: 0x1000,
		teids:    make(map[uint32]uint32),
	}
}

func (p *mockPeer) run() error {
	udpAddr, err := net.ResolveUDPAddr("udp", p.addr)
	if err != nil {
		return fmt.Errorf("resolve addr: %w", err)
	}

	p.conn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Printf("mock peer listening on %s", p.addr)

	buf := make([]byte, 65535)
	for {
		n, from, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		p.stats.received++

		if p.drop > 0 && rand.Float64() < p.drop {
			p.stats.dropped++
			continue
		}

		msg, err := gtp.Parse(buf[:n])
		if err != nil {
			p.stats.errors++
			log.Printf("parse error from %s: %v", from, err)
			continue
		}
		p.handle(msg, from)
	}
}

func (p *mockPeer) handle(msg *gtp.Msg, from *net.UDPAddr) {
	var rsp *gtp.Msg

	switch msg.Type() {
	case message.MsgTypeCreateSessionRequest:
		peerTeid, err := msg.SenderFTEID()
		if err != nil {
			p.stats.errors++
			log.Printf("CS_REQ without sender F-TEID: %v", err)
			return
		}
		local := p.nextTeid
		p.nextTeid++
		p.teids[local] = peerTeid

		rsp = gtp.New(message.MsgTypeCreateSessionResponse,
			ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
			ie.NewBearerContext(
				ie.NewEPSBearerID(5),
				ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
			),
		)
		rsp.PrepareHeader(peerTeid, msg.Sequence())
		if err := rsp.SetSenderFTEID(gtpv2.IFTypeS11S4SGWGTPC, local, p.localIP); err != nil {
			p.stats.errors++
			return
		}

	case message.MsgTypeModifyBearerRequest:
		rsp = gtp.New(message.MsgTypeModifyBearerResponse,
			ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
		)
		rsp.PrepareHeader(p.peerTeid(msg.TEID()), msg.Sequence())

	case message.MsgTypeDeleteSessionRequest:
		peer := p.peerTeid(msg.TEID())
		delete(p.teids, msg.TEID())
		rsp = gtp.New(message.MsgTypeDeleteSessionResponse,
			ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
		)
		rsp.PrepareHeader(peer, msg.Sequence())

	default:
		log.Printf("ignoring %s from %s", gtp.TypeName(msg.Type()), from)
		return
	}

	b, err := rsp.Marshal()
	if err != nil {
		p.stats.errors++
		log.Printf("marshal response: %v", err)
		return
	}
	if _, err := p.conn.WriteToUDP(b, from); err != nil {
		p.stats.errors++
		log.Printf("send response: %v", err)
		return
	}
	p.stats.sent++
}

func (p *mockPeer) peerTeid(local uint32) uint32 {
	if teid, ok := p.teids[local]; ok {
		return teid
	}
	return 0
}

func main() {
	addr := flag.String("addr", "127.0.0.1:2123", "listen address")
	drop := flag.Float64("drop", 0, "fraction of inbound datagrams to drop (exercises T3/N3)")
	flag.Parse()

	peer := newMockPeer(*addr, *drop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("received=%d sent=%d dropped=%d errors=%d",
			peer.stats.received, peer.stats.sent, peer.stats.dropped, peer.stats.errors)
		os.Exit(0)
	}()

	if err := peer.run(); err != nil {
		log.Fatal(err)
	}
}
