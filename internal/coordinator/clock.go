package coordinator

import "sync/atomic"

// Clock is a monotonic logical clock for ordering record changes.
//
// Wall-clock timestamps can tie or go backwards; Seq values cannot, so the
// store keeps whichever snapshot of a record carries the larger Seq.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at start. Used to resume after the
// largest Seq already persisted.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
