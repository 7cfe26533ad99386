package gtp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/wmnsk/go-gtp/gtpv2/ie"
)

// Version is the only GTP-C protocol version the simulator speaks.
const Version = 2

const (
	flagTEID = 0x08

	hdrLenWithTEID = 12
	hdrLenNoTEID   = 8
)

var (
	// ErrShortHeader marks a datagram too small to carry a GTPv2-C header.
	ErrShortHeader = errors.New("datagram shorter than GTPv2-C header")
	// ErrVersionMismatch marks a datagram whose version field is not 2.
	ErrVersionMismatch = errors.New("GTP version mismatch")
	// ErrIENotFound is returned by IE accessors when the IE is absent.
	ErrIENotFound = errors.New("IE not present in message")
)

// Header carries the fixed GTPv2-C header fields the core reads and writes.
type Header struct {
	Version  uint8
	HasTEID  bool
	Type     uint8
	Length   uint16
	TEID     uint32
	Sequence uint32
}

// PeekHeader decodes the fixed header without touching the IE payload. The
// dispatcher uses it to route datagrams before any full decode.
func PeekHeader(b []byte) (Header, error) {
	if len(b) < hdrLenNoTEID {
		return Header{}, ErrShortHeader
	}

	h := Header{
		Version: b[0] >> 5,
		HasTEID: b[0]&flagTEID != 0,
		Type:    b[1],
		Length:  binary.BigEndian.Uint16(b[2:4]),
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: got %d", ErrVersionMismatch, h.Version)
	}

	if h.HasTEID {
		if len(b) < hdrLenWithTEID {
			return Header{}, ErrShortHeader
		}
		h.TEID = binary.BigEndian.Uint32(b[4:8])
		h.Sequence = uint32(b[8])<<16 | uint32(b[9])<<8 | uint32(b[10])
	} else {
		h.Sequence = uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6])
	}
	return h, nil
}

// Msg is a GTPv2-C message as the session machinery sees it: the fixed
// header plus an IE list addressed by type and instance. IE encoding and
// decoding is delegated to go-gtp.
type Msg struct {
	typ     uint8
	hasTEID bool
	teid    uint32
	seq     uint32
	ies     []*ie.IE
}

// New builds a message template of the given type. All GTP-C messages the
// simulator exchanges carry the TEID field.
func New(msgType uint8, ies ...*ie.IE) *Msg {
	return &Msg{typ: msgType, hasTEID: true, ies: ies}
}

// Parse decodes a datagram into a Msg.
func Parse(b []byte) (*Msg, error) {
	h, err := PeekHeader(b)
	if err != nil {
		return nil, err
	}

	off := hdrLenNoTEID
	if h.HasTEID {
		off = hdrLenWithTEID
	}
	end := 4 + int(h.Length)
	if end > len(b) || end < off {
		return nil, fmt.Errorf("header length %d exceeds datagram of %d bytes", h.Length, len(b))
	}

	var ies []*ie.IE
	if end > off {
		ies, err = ie.ParseMultiIEs(b[off:end])
		if err != nil {
			return nil, fmt.Errorf("failed to parse IEs: %w", err)
		}
	}

	return &Msg{
		typ:     h.Type,
		hasTEID: h.HasTEID,
		teid:    h.TEID,
		seq:     h.Sequence,
		ies:     ies,
	}, nil
}

func (m *Msg) Type() uint8      { return m.typ }
func (m *Msg) Name() string     { return TypeName(m.typ) }
func (m *Msg) TEID() uint32     { return m.teid }
func (m *Msg) Sequence() uint32 { return m.seq }

// PrepareHeader overwrites the dynamic header fields for transmission: the
// peer-remote TEID and the outbound sequence number, with both presence
// flags set.
func (m *Msg) PrepareHeader(teid, seq uint32) {
	m.hasTEID = true
	m.teid = teid
	m.seq = seq & 0xFFFFFF
}

// Marshal encodes the message into wire format.
func (m *Msg) Marshal() ([]byte, error) {
	payloadLen := 0
	for _, i := range m.ies {
		payloadLen += i.MarshalLen()
	}

	hdrLen := hdrLenNoTEID
	if m.hasTEID {
		hdrLen = hdrLenWithTEID
	}
	b := make([]byte, hdrLen+payloadLen)

	b[0] = Version << 5
	if m.hasTEID {
		b[0] |= flagTEID
	}
	b[1] = m.typ
	binary.BigEndian.PutUint16(b[2:4], uint16(hdrLen-4+payloadLen))

	off := 4
	if m.hasTEID {
		binary.BigEndian.PutUint32(b[4:8], m.teid)
		off = 8
	}
	b[off] = uint8(m.seq >> 16)
	b[off+1] = uint8(m.seq >> 8)
	b[off+2] = uint8(m.seq)
	// following byte is spare

	off = hdrLen
	for _, i := range m.ies {
		if err := i.MarshalTo(b[off:]); err != nil {
			return nil, fmt.Errorf("failed to marshal IE type %d: %w", i.Type, err)
		}
		off += i.MarshalLen()
	}
	return b, nil
}

// FindIE returns the first IE matching type and instance, or nil.
func (m *Msg) FindIE(ieType, instance uint8) *ie.IE {
	for _, i := range m.ies {
		if i.Type == ieType && i.Instance() == instance {
			return i
		}
	}
	return nil
}

// SetIE inserts an IE, overwriting an existing one of the same type and
// instance.
func (m *Msg) SetIE(newIE *ie.IE) {
	for idx, i := range m.ies {
		if i.Type == newIE.Type && i.Instance() == newIE.Instance() {
			m.ies[idx] = newIE
			return
		}
	}
	m.ies = append(m.ies, newIE)
}

// IMSI extracts the IMSI IE as a digit string.
func (m *Msg) IMSI() (string, error) {
	i := m.FindIE(ie.IMSI, 0)
	if i == nil {
		return "", ErrIENotFound
	}
	return i.IMSI()
}

// SetIMSI inserts or overwrites the IMSI IE.
func (m *Msg) SetIMSI(imsi string) {
	m.SetIE(ie.NewIMSI(imsi))
}

// SenderFTEID returns the TEID carried in the sender F-TEID IE (instance
// 0), i.e. the peer's control TEID on CS request/response.
func (m *Msg) SenderFTEID() (uint32, error) {
	i := m.FindIE(ie.FullyQualifiedTEID, 0)
	if i == nil {
		return 0, ErrIENotFound
	}
	teid, err := i.TEID()
	if err != nil {
		return 0, fmt.Errorf("failed to decode sender F-TEID: %w", err)
	}
	return teid, nil
}

// SetSenderFTEID inserts or overwrites the sender F-TEID IE with the local
// control TEID and address.
func (m *Msg) SetSenderFTEID(ifType uint8, teid uint32, ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("sender F-TEID requires a local address")
	}
	var v4, v6 string
	if ip.To4() != nil {
		v4 = ip.String()
	} else {
		v6 = ip.String()
	}
	fteid := ie.NewFullyQualifiedTEID(ifType, teid, v4, v6)
	fteid.SetInstance(0)
	m.SetIE(fteid)
	return nil
}

// SetPAA inserts or overwrites the PDN Address Allocation IE.
func (m *Msg) SetPAA(ip net.IP) {
	m.SetIE(ie.NewPDNAddressAllocation(ip.String()))
}

// BearerContexts returns every Bearer Context IE of the given instance.
func (m *Msg) BearerContexts(instance uint8) []*ie.IE {
	var out []*ie.IE
	for _, i := range m.ies {
		if i.Type == ie.BearerContext && i.Instance() == instance {
			out = append(out, i)
		}
	}
	return out
}

// BearerEBIs lists the EPS bearer ids declared in the message's Bearer
// Context IEs.
func (m *Msg) BearerEBIs(instance uint8) []uint8 {
	var ebis []uint8
	for _, bc := range m.BearerContexts(instance) {
		for _, child := range childIEs(bc) {
			if child.Type == ie.EPSBearerID {
				if ebi, err := child.EPSBearerID(); err == nil {
					ebis = append(ebis, ebi)
				}
			}
		}
	}
	return ebis
}

// SetBearerUTEIDs rewrites the GTP-U F-TEID inside every Bearer Context IE
// of the given instance, using uteid to resolve each bearer's local
// user-plane TEID.
func (m *Msg) SetBearerUTEIDs(instance, ifType uint8, ip net.IP, uteid func(ebi uint8) (uint32, bool)) error {
	var v4, v6 string
	if ip.To4() != nil {
		v4 = ip.String()
	} else if ip != nil {
		v6 = ip.String()
	}

	for idx, i := range m.ies {
		if i.Type != ie.BearerContext || i.Instance() != instance {
			continue
		}

		children := childIEs(i)
		var ebi uint8
		found := false
		for _, child := range children {
			if child.Type == ie.EPSBearerID {
				if v, err := child.EPSBearerID(); err == nil {
					ebi = v
					found = true
				}
			}
		}
		if !found {
			return fmt.Errorf("bearer context without EPS bearer id")
		}

		teid, ok := uteid(ebi)
		if !ok {
			return fmt.Errorf("no bearer allocated for ebi %d", ebi)
		}

		rebuilt := make([]*ie.IE, 0, len(children)+1)
		replaced := false
		for _, child := range children {
			if child.Type == ie.FullyQualifiedTEID {
				nf := ie.NewFullyQualifiedTEID(ifType, teid, v4, v6)
				nf.SetInstance(child.Instance())
				rebuilt = append(rebuilt, nf)
				replaced = true
				continue
			}
			rebuilt = append(rebuilt, child)
		}
		if !replaced {
			nf := ie.NewFullyQualifiedTEID(ifType, teid, v4, v6)
			rebuilt = append(rebuilt, nf)
		}

		bc := ie.NewBearerContext(rebuilt...)
		bc.SetInstance(instance)
		m.ies[idx] = bc
	}
	return nil
}

// childIEs returns the decoded children of a grouped IE, tolerating parsed
// IEs whose children were not expanded.
func childIEs(i *ie.IE) []*ie.IE {
	if len(i.ChildIEs) > 0 {
		return i.ChildIEs
	}
	parsed, err := ie.ParseMultiIEs(i.Payload)
	if err != nil {
		return nil
	}
	return parsed
}
