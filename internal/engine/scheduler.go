package engine

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Poller is the bounded blocking point of a scheduler pass; a transport
// implements it by reading sockets for up to waitMs and handing each
// datagram to its dispatch function. Dispatch may re-enter the scheduler
// through Wake.
type Poller interface {
	Poll(waitMs int64)
}

type runItem struct {
	task Task
	arg  any
}

// Scheduler runs the single-threaded cooperative loop: advance the wheel,
// poll the transport, drain the runnable queue. All task logic executes on
// the goroutine that calls Run or Step.
type Scheduler struct {
	clock     Clock
	wheel     *Wheel
	poller    Poller
	maxPollMs int64

	tasks    map[uint64]Task
	runnable []runItem
	inputs   map[uint64]int
}

// NewScheduler creates a scheduler. maxPollMs caps how long a single
// transport poll may block regardless of the next wake time.
func NewScheduler(clock Clock, poller Poller, maxPollMs int64) *Scheduler {
	if maxPollMs <= 0 {
		maxPollMs = 100
	}
	return &Scheduler{
		clock:     clock,
		wheel:     NewWheel(DefaultWheelSize),
		poller:    poller,
		maxPollMs: maxPollMs,
		tasks:     make(map[uint64]Task),
		inputs:    make(map[uint64]int),
	}
}

// Add registers a task. A zero WakeAt makes it runnable on the next pass;
// a positive one parks it on the wheel; WakeParked leaves it waiting for
// input.
func (s *Scheduler) Add(task Task) {
	s.tasks[task.TaskID()] = task
	if wake := task.WakeAt(); wake > 0 {
		s.wheel.Insert(task, wake)
	} else if wake == 0 {
		s.runnable = append(s.runnable, runItem{task: task})
	}
}

// Wake hands an input to a task and makes it runnable immediately. Input
// dispatch takes precedence over a pending timer wake: the task leaves the
// wheel and runs on the current pass with the given argument.
func (s *Scheduler) Wake(task Task, arg any) {
	if _, live := s.tasks[task.TaskID()]; !live {
		return
	}
	s.wheel.Remove(task)
	if arg != nil {
		s.inputs[task.TaskID()]++
	}
	s.runnable = append(s.runnable, runItem{task: task, arg: arg})
}

// Abort stops a task immediately: it leaves the wheel, its resources are
// released, and any inputs still queued for it are dropped.
func (s *Scheduler) Abort(task Task) {
	s.reap(task)
}

// TaskCount returns the number of live tasks.
func (s *Scheduler) TaskCount() int {
	return len(s.tasks)
}

// Run executes scheduler passes until the context is cancelled. An empty
// task set does not stop the loop: the dispatcher may create sessions for
// inbound initial requests at any time.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Debug("scheduler stopping")
			return
		default:
		}
		s.Step()
	}
}

// Step executes a single scheduler pass.
func (s *Scheduler) Step() {
	now := s.clock.NowMs()

	for _, t := range s.wheel.Advance(now) {
		s.runnable = append(s.runnable, runItem{task: t})
	}

	if s.poller != nil {
		s.poller.Poll(s.pollBound(now))
	}

	// Drain only what is queued at this point; tasks that stay runnable
	// (wake 0) go around again on the next pass.
	queue := s.runnable
	s.runnable = nil
	for _, item := range queue {
		t := item.task
		id := t.TaskID()
		if _, live := s.tasks[id]; !live {
			continue
		}
		// An input queued on this pass supersedes the timer wake for the
		// same task: the input resets the wake time, so the bare timer run
		// is dropped.
		if item.arg == nil && s.inputs[id] > 0 {
			continue
		}
		if item.arg != nil {
			if s.inputs[id]--; s.inputs[id] <= 0 {
				delete(s.inputs, id)
			}
		}
		res := t.Run(item.arg)
		if res == Over {
			s.reap(t)
			continue
		}
		if wake := t.WakeAt(); wake > 0 {
			s.wheel.Insert(t, wake)
		} else if wake == 0 {
			s.runnable = append(s.runnable, runItem{task: t})
		}
		// WakeParked: stays off both queues until an input wakes it
	}
}

func (s *Scheduler) pollBound(now int64) int64 {
	if len(s.runnable) > 0 {
		return 0
	}
	next := s.wheel.NextWake()
	if next < 0 {
		return s.maxPollMs
	}
	wait := next - now
	if wait < 0 {
		wait = 0
	}
	if wait > s.maxPollMs {
		wait = s.maxPollMs
	}
	return wait
}

func (s *Scheduler) reap(t Task) {
	id := t.TaskID()
	if _, ok := s.tasks[id]; !ok {
		return
	}
	delete(s.tasks, id)
	delete(s.inputs, id)
	s.wheel.Remove(t)
	t.OnStop()
}
