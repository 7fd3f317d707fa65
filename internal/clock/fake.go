package clock

import "time"

// FakeClock is a Clock pinned to a fixed instant. Tests advance it
// explicitly, so sequencing and fiscal-year boundaries stay deterministic.
type FakeClock struct {
	now time.Time
}

// NewFakeClock returns a FakeClock frozen at t, normalized to UTC.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time { return c.now }

// Advance moves the frozen instant forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
