package engine

import "time"

// Clock is the millisecond time base all tasks are scheduled against.
type Clock interface {
	NowMs() int64
}

// WallClock counts milliseconds since process start using the monotonic clock.
type WallClock struct {
	start time.Time
}

// NewWallClock creates a wall clock anchored at the current instant.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// NowMs returns milliseconds elapsed since the clock was created.
func (c *WallClock) NowMs() int64 {
	return time.Since(c.start).Milliseconds()
}
