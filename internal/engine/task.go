package engine

// Result tells the scheduler what to do with a task after a run.
type Result int

const (
	// Running keeps the task alive; the scheduler consults WakeAt to decide
	// whether it stays runnable (WakeAt == 0) or parks on the wheel.
	Running Result = iota
	// Over terminates the task; the scheduler reaps it.
	Over
)

// WakeParked is the WakeAt value of a task with no timer armed: it stays
// off the wheel and off the runnable queue until an input wakes it.
const WakeParked int64 = -1

// Task is the scheduler-facing surface of a cooperatively scheduled unit.
// Run is called with nil on a timer wake, or with the input handed over by
// the dispatcher. A task suspends only by returning from Run after setting
// its wake time.
type Task interface {
	TaskID() uint64
	Run(arg any) Result
	// WakeAt is the absolute wake time in ms chosen by the last Run.
	// Zero means run again on the next scheduler pass without pausing.
	WakeAt() int64
	// OnStop releases task resources. Called exactly once when the task
	// finishes or is aborted.
	OnStop()
}
