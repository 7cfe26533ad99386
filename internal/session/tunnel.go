package session

import "net"

const (
	// MinEbi and MaxEbi bound the EPS bearer id range.
	MinEbi = 5
	MaxEbi = 15
	// MaxBearers is the size of a session's dense bearer vector, indexed
	// by ebi - MinEbi.
	MaxBearers = MaxEbi - MinEbi + 1
)

// GtpcTun is a control-plane tunnel. On S11/S4 one tunnel is shared by all
// PDNs of a session and reference-counted; elsewhere each PDN owns its
// own. The session and PDN pointers are lookup-only back-references.
type GtpcTun struct {
	LocalTEID  uint32
	RemoteTEID uint32
	LocalEp    *net.UDPAddr
	PeerEp     *net.UDPAddr
	RefCount   int

	Pdn  *GtpcPdn
	Sess *UeSession
}

// GtpcPdn is one PDN connection of a session.
type GtpcPdn struct {
	CTun       *GtpcTun
	BearerMask uint16
	Sess       *UeSession
}

// GtpBearer is a data-plane bearer within a PDN, carrying the local
// user-plane TEID advertised in Bearer Context IEs.
type GtpBearer struct {
	Ebi        uint8
	Pdn        *GtpcPdn
	LocalUTEID uint32
}

func bearerIndex(ebi uint8) int {
	return int(ebi) - MinEbi
}

func validEbi(ebi uint8) bool {
	return ebi >= MinEbi && ebi <= MaxEbi
}

func setBearerBit(mask *uint16, ebi uint8) {
	*mask |= 1 << (ebi - MinEbi)
}

func hasBearerBit(mask uint16, ebi uint8) bool {
	return mask&(1<<(ebi-MinEbi)) != 0
}
