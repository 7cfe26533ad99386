package scenario

import (
	"fmt"

	"github.com/wmnsk/go-gtp/gtpv2"
	"github.com/wmnsk/go-gtp/gtpv2/ie"
	"github.com/wmnsk/go-gtp/gtpv2/message"

	"gtpsim/internal/gtp"
)

// Params feeds the built-in scenario builders. Static IEs come from here;
// dynamic fields (IMSI, TEIDs, sequence numbers, sender F-TEID) are
// overwritten per session at encode time.
type Params struct {
	If         Interface
	Apn        string
	RatType    uint8
	DefaultEbi uint8
	WaitMs     int64
	// Initiator selects the orientation: true sends the requests, false
	// answers them.
	Initiator bool
}

// Build returns the named built-in scenario.
func Build(name string, p Params) (*Scenario, error) {
	if p.Apn == "" {
		p.Apn = "internet"
	}
	if p.RatType == 0 {
		p.RatType = 6 // EUTRAN
	}
	if p.DefaultEbi < 5 {
		p.DefaultEbi = 5
	}
	if p.WaitMs <= 0 {
		p.WaitMs = 1000
	}

	switch name {
	case "create-delete":
		return buildCreateDelete(p), nil
	case "create-modify-delete":
		return buildCreateModifyDelete(p), nil
	default:
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
}

func buildCreateDelete(p Params) *Scenario {
	jobs := pairJobs(p, csReqTemplate(p), csRspTemplate(p))
	jobs = append(jobs, NewWait(p.WaitMs))
	jobs = append(jobs, pairJobs(p, dsReqTemplate(p), dsRspTemplate())...)
	return New("create-delete", p.If, jobs...)
}

func buildCreateModifyDelete(p Params) *Scenario {
	jobs := pairJobs(p, csReqTemplate(p), csRspTemplate(p))
	jobs = append(jobs, pairJobs(p, mbReqTemplate(p), mbRspTemplate(p))...)
	jobs = append(jobs, NewWait(p.WaitMs))
	jobs = append(jobs, pairJobs(p, dsReqTemplate(p), dsRspTemplate())...)
	return New("create-modify-delete", p.If, jobs...)
}

// pairJobs orients a request/response template pair: the initiator sends
// the request and expects the response, the responder mirrors it.
func pairJobs(p Params, req, rsp *gtp.Msg) []*Job {
	if p.Initiator {
		return []*Job{NewSend(req), NewRecv(rsp)}
	}
	return []*Job{NewRecv(req), NewSend(rsp)}
}

func csReqTemplate(p Params) *gtp.Msg {
	return gtp.New(message.MsgTypeCreateSessionRequest,
		ie.NewAccessPointName(p.Apn),
		ie.NewRATType(p.RatType),
		ie.NewPDNType(1), // IPv4
		ie.NewBearerContext(
			ie.NewEPSBearerID(p.DefaultEbi),
			ie.NewBearerQoS(0, 9, 0, 9, 0, 0, 0, 0),
		),
	)
}

func csRspTemplate(p Params) *gtp.Msg {
	return gtp.New(message.MsgTypeCreateSessionResponse,
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
		ie.NewBearerContext(
			ie.NewEPSBearerID(p.DefaultEbi),
			ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
		),
	)
}

func mbReqTemplate(p Params) *gtp.Msg {
	return gtp.New(message.MsgTypeModifyBearerRequest,
		ie.NewRATType(p.RatType),
		ie.NewBearerContext(
			ie.NewEPSBearerID(p.DefaultEbi),
		),
	)
}

func mbRspTemplate(p Params) *gtp.Msg {
	return gtp.New(message.MsgTypeModifyBearerResponse,
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
		ie.NewBearerContext(
			ie.NewEPSBearerID(p.DefaultEbi),
			ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
		),
	)
}

func dsReqTemplate(p Params) *gtp.Msg {
	return gtp.New(message.MsgTypeDeleteSessionRequest,
		ie.NewEPSBearerID(p.DefaultEbi),
	)
}

func dsRspTemplate() *gtp.Msg {
	return gtp.New(message.MsgTypeDeleteSessionResponse,
		ie.NewCause(gtpv2.CauseRequestAccepted, 0, 0, 0, nil),
	)
}
