package scenario

import (
	"sync/atomic"

	"gtpsim/internal/gtp"
)

// JobType discriminates the three kinds of scenario steps.
type JobType int

const (
	JobSend JobType = iota
	JobRecv
	JobWait
)

// Job is one scripted step of a scenario. Send and Recv jobs carry the
// message template; Wait jobs carry a duration. The counters are written
// by the scheduler goroutine and read concurrently by the display.
type Job struct {
	Type   JobType
	Msg    *gtp.Msg
	Name   string
	WaitMs int64

	Sent        atomic.Uint64
	SentRetrans atomic.Uint64
	Recv        atomic.Uint64
	RecvRetrans atomic.Uint64
	Timeouts    atomic.Uint64
	Unexpected  atomic.Uint64
}

// NewSend builds a Send job around a message template.
func NewSend(msg *gtp.Msg) *Job {
	return &Job{Type: JobSend, Msg: msg, Name: msg.Name()}
}

// NewRecv builds a Recv job around a message template.
func NewRecv(msg *gtp.Msg) *Job {
	return &Job{Type: JobRecv, Msg: msg, Name: msg.Name()}
}

// NewWait builds a Wait job.
func NewWait(waitMs int64) *Job {
	return &Job{Type: JobWait, WaitMs: waitMs}
}

// ProcType is the display-level grouping of jobs.
type ProcType int

const (
	ProcWait ProcType = iota
	ProcReqRsp
	ProcReqTrigRep
)

// Procedure groups one to three jobs into a protocol transaction for the
// display. It carries no execution semantics.
type Procedure struct {
	Type      ProcType
	Wait      *Job
	Initial   *Job
	Trig      *Job
	TrigReply *Job
}

// Interface identifies the GTP-C reference point a scenario runs over. It
// determines the tunnel sharing policy: on S11/S4 all PDNs of a session
// share one control tunnel.
type Interface int

const (
	IfS11 Interface = iota
	IfS4
	IfS5S8
)

// SharedTunnel reports whether the interface shares one control tunnel
// across the PDNs of a session.
func (i Interface) SharedTunnel() bool {
	return i == IfS11 || i == IfS4
}

func (i Interface) String() string {
	switch i {
	case IfS11:
		return "S11"
	case IfS4:
		return "S4"
	case IfS5S8:
		return "S5/S8"
	default:
		return "?"
	}
}

// Scenario is the immutable scripted exchange every session executes. Jobs
// and templates are shared read-only across all sessions; only the
// scheduler goroutine touches the templates, during encode.
type Scenario struct {
	Name  string
	If    Interface
	Jobs  []*Job
	Procs []*Procedure
}

// New assembles a scenario and derives its display procedures.
func New(name string, ifType Interface, jobs ...*Job) *Scenario {
	return &Scenario{
		Name:  name,
		If:    ifType,
		Jobs:  jobs,
		Procs: groupProcedures(jobs),
	}
}

// StartsWithSend reports whether the scenario is outbound-initiated.
func (s *Scenario) StartsWithSend() bool {
	return len(s.Jobs) > 0 && s.Jobs[0].Type == JobSend
}

// groupProcedures walks the job sequence pairing each request with the
// triggered message that follows it. A trailing same-direction reply to a
// triggered message forms a three-job procedure.
func groupProcedures(jobs []*Job) []*Procedure {
	var procs []*Procedure
	for i := 0; i < len(jobs); {
		job := jobs[i]
		if job.Type == JobWait {
			procs = append(procs, &Procedure{Type: ProcWait, Wait: job})
			i++
			continue
		}

		if i+2 < len(jobs) && isMsgJob(jobs[i+1]) && isMsgJob(jobs[i+2]) &&
			gtp.CategoryOf(jobs[i+1].Msg.Type()) == gtp.CatRequest &&
			gtp.CategoryOf(jobs[i+2].Msg.Type()) == gtp.CatResponse &&
			gtp.CategoryOf(job.Msg.Type()) == gtp.CatRequest {
			// request, triggered request, triggered reply
			procs = append(procs, &Procedure{
				Type:      ProcReqTrigRep,
				Initial:   job,
				Trig:      jobs[i+1],
				TrigReply: jobs[i+2],
			})
			i += 3
			continue
		}

		if i+1 < len(jobs) && isMsgJob(jobs[i+1]) &&
			gtp.CategoryOf(jobs[i+1].Msg.Type()) == gtp.CatResponse {
			procs = append(procs, &Procedure{
				Type:    ProcReqRsp,
				Initial: job,
				Trig:    jobs[i+1],
			})
			i += 2
			continue
		}

		// degenerate: a lone message job displays as a one-job procedure
		procs = append(procs, &Procedure{Type: ProcReqRsp, Initial: job})
		i++
	}
	return procs
}

func isMsgJob(j *Job) bool {
	return j.Type == JobSend || j.Type == JobRecv
}
