package session

import (
	"math"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"gtpsim/internal/engine"
)

// Generator is the load-generation task: it mints outbound-initiated
// sessions at a configured rate until the configured total, then finishes.
// Pause and rate adjustment come from the control channel (keyboard) and
// may be called from another goroutine.
type Generator struct {
	id    uint64
	sched *engine.Scheduler
	clock engine.Clock

	newSession func(imsi ImsiKey) *UeSession

	imsi    string
	total   int
	created int

	rateMilli atomic.Int64 // sessions per second, scaled by 1000
	paused    atomic.Bool

	lastRun int64
	wake    int64
}

// NewGenerator creates a generator that starts sessions at rate per
// second, beginning from imsiStart. total <= 0 means unbounded.
func NewGenerator(reg *Registry, sched *engine.Scheduler, clock engine.Clock,
	newSession func(imsi ImsiKey) *UeSession, imsiStart string, total int, rate float64) *Generator {

	g := &Generator{
		id:         reg.NextTaskID(),
		sched:      sched,
		clock:      clock,
		newSession: newSession,
		imsi:       imsiStart,
		total:      total,
	}
	g.setRate(rate)
	return g
}

func (g *Generator) TaskID() uint64 { return g.id }
func (g *Generator) WakeAt() int64  { return g.wake }
func (g *Generator) OnStop() {
	log.WithField("sessions", g.created).Debug("Load generator finished")
}

// Created returns the number of sessions started so far.
func (g *Generator) Created() int { return g.created }

// Rate returns the current session rate per second.
func (g *Generator) Rate() float64 {
	return float64(g.rateMilli.Load()) / 1000
}

// Pause stops new session creation; in-flight sessions keep running so
// their retransmission state machines stay intact.
func (g *Generator) Pause() { g.paused.Store(true) }

// Resume restarts session creation.
func (g *Generator) Resume() { g.paused.Store(false) }

// Paused reports whether session creation is suspended.
func (g *Generator) Paused() bool { return g.paused.Load() }

// RateUp doubles the session rate.
func (g *Generator) RateUp() { g.setRate(g.Rate() * 2) }

// RateDown halves the session rate.
func (g *Generator) RateDown() { g.setRate(g.Rate() / 2) }

func (g *Generator) setRate(rate float64) {
	if rate < 0.001 {
		rate = 0.001
	}
	if rate > 100000 {
		rate = 100000
	}
	g.rateMilli.Store(int64(math.Round(rate * 1000)))
}

// Run starts one batch of sessions and reschedules itself at the cadence
// the current rate implies.
func (g *Generator) Run(arg any) engine.Result {
	g.lastRun = g.clock.NowMs()

	if g.paused.Load() {
		g.wake = g.lastRun + 100
		return engine.Running
	}

	interval, batch := g.cadence()
	for i := 0; i < batch; i++ {
		if g.total > 0 && g.created >= g.total {
			return engine.Over
		}
		sess := g.newSession(mustImsiKey(g.imsi))
		g.sched.Add(sess)
		g.imsi = NextImsi(g.imsi)
		g.created++
	}

	if g.total > 0 && g.created >= g.total {
		return engine.Over
	}
	g.wake = g.lastRun + interval
	return engine.Running
}

// cadence converts the rate into a wake interval and per-wake batch size:
// one session per wake at low rates, larger batches every 10ms beyond
// 100/s.
func (g *Generator) cadence() (intervalMs int64, batch int) {
	rate := g.Rate()
	if rate <= 100 {
		interval := int64(math.Round(1000 / rate))
		if interval < 1 {
			interval = 1
		}
		return interval, 1
	}
	batch = int(math.Round(rate / 100))
	if batch < 1 {
		batch = 1
	}
	return 10, batch
}

func mustImsiKey(imsi string) ImsiKey {
	key, err := ImsiKeyFromDigits(imsi)
	if err != nil {
		log.WithError(err).WithField("imsi", imsi).Error("Invalid IMSI, substituting zero key")
		return ImsiKey{}
	}
	return key
}
