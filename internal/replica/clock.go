package replica

import (
	"sync/atomic"
	"time"
)

// Clock supplies millisecond timestamps for operation stamping.
// Conflict resolution compares these, so tests inject a manual clock
// to make tie-breaks deterministic.
type Clock interface {
	NowMillis() int64
}

// WallClock reads the system clock.
type WallClock struct{}

func (WallClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ManualClock is an explicitly advanced clock for tests.
type ManualClock struct {
	millis atomic.Int64
}

// NewManualClock starts a manual clock at the given millisecond value.
func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.millis.Store(start)
	return c
}

func (c *ManualClock) NowMillis() int64 {
	return c.millis.Load()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.millis.Add(d.Milliseconds())
}

// Set jumps the clock to an absolute millisecond value.
func (c *ManualClock) Set(millis int64) {
	c.millis.Store(millis)
}
