package engine

import (
	"container/list"
	"sort"
)

// DefaultWheelSize is the number of one-millisecond buckets in the wheel.
const DefaultWheelSize = 4096

type wheelEntry struct {
	task Task
	wake int64
	seq  uint64
}

// Wheel is a hashed timing wheel ordering tasks by absolute wake time in
// milliseconds. Wake times at or beyond one full rotation hash into their
// bucket and simply survive intermediate rotations.
type Wheel struct {
	buckets []*list.List
	size    int64
	cursor  int64
	seq     uint64
	count   int
	elems   map[uint64]*list.Element
	slots   map[uint64]int

	minWake  int64
	minDirty bool
}

// NewWheel creates a wheel with the given number of millisecond buckets.
func NewWheel(size int64) *Wheel {
	if size <= 0 {
		size = DefaultWheelSize
	}
	buckets := make([]*list.List, size)
	for i := range buckets {
		buckets[i] = list.New()
	}
	return &Wheel{
		buckets: buckets,
		size:    size,
		elems:   make(map[uint64]*list.Element),
		slots:   make(map[uint64]int),
		minWake: -1,
	}
}

// Len returns the number of parked tasks.
func (w *Wheel) Len() int {
	return w.count
}

// Insert parks a task to be woken at wakeMs. A task may be parked at most
// once; inserting it again moves it.
func (w *Wheel) Insert(task Task, wakeMs int64) {
	if _, ok := w.elems[task.TaskID()]; ok {
		w.Remove(task)
	}
	slot := wakeMs
	if slot <= w.cursor {
		slot = w.cursor + 1
	}
	idx := int(slot % w.size)
	w.seq++
	e := w.buckets[idx].PushBack(&wheelEntry{task: task, wake: wakeMs, seq: w.seq})
	w.elems[task.TaskID()] = e
	w.slots[task.TaskID()] = idx
	w.count++
	if !w.minDirty && (w.minWake < 0 || wakeMs < w.minWake) {
		w.minWake = wakeMs
	}
}

// Remove unparks a task. O(1) via the stored element handle.
func (w *Wheel) Remove(task Task) bool {
	id := task.TaskID()
	e, ok := w.elems[id]
	if !ok {
		return false
	}
	ent := e.Value.(*wheelEntry)
	w.buckets[w.slots[id]].Remove(e)
	delete(w.elems, id)
	delete(w.slots, id)
	w.count--
	if ent.wake == w.minWake {
		w.minDirty = true
	}
	return true
}

// Reschedule moves a parked task to a new wake time.
func (w *Wheel) Reschedule(task Task, wakeMs int64) {
	w.Remove(task)
	w.Insert(task, wakeMs)
}

// Advance moves the wheel cursor to nowMs and returns every task whose wake
// time has arrived, in ascending wake order; ties break by insertion order.
func (w *Wheel) Advance(nowMs int64) []Task {
	if nowMs <= w.cursor {
		return nil
	}

	var due []*wheelEntry
	span := nowMs - w.cursor
	if span > w.size {
		span = w.size
	}
	for t := w.cursor + 1; t <= w.cursor+span; t++ {
		b := w.buckets[t%w.size]
		for e := b.Front(); e != nil; {
			next := e.Next()
			ent := e.Value.(*wheelEntry)
			if ent.wake <= nowMs {
				b.Remove(e)
				delete(w.elems, ent.task.TaskID())
				delete(w.slots, ent.task.TaskID())
				w.count--
				due = append(due, ent)
			}
			e = next
		}
	}
	w.cursor = nowMs

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].wake != due[j].wake {
			return due[i].wake < due[j].wake
		}
		return due[i].seq < due[j].seq
	})

	if len(due) > 0 {
		w.minDirty = true
	}

	tasks := make([]Task, len(due))
	for i, ent := range due {
		tasks[i] = ent.task
	}
	return tasks
}

// NextWake returns the earliest parked wake time, or -1 when the wheel is
// empty. Used to bound the transport poll.
func (w *Wheel) NextWake() int64 {
	if w.count == 0 {
		w.minWake = -1
		w.minDirty = false
		return -1
	}
	if w.minDirty {
		min := int64(-1)
		for _, b := range w.buckets {
			for e := b.Front(); e != nil; e = e.Next() {
				ent := e.Value.(*wheelEntry)
				if min < 0 || ent.wake < min {
					min = ent.wake
				}
			}
		}
		w.minWake = min
		w.minDirty = false
	}
	return w.minWake
}
