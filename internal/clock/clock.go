package clock

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// SharedClock produces the shared-time estimate every piece of phase
// arithmetic runs against. It applies a locally-held offset (an estimate of
// the sync server's clock skew) to the local clock, so two clients with
// skewed wall clocks still agree on remaining time.
//
// In production wrap clockwork.NewRealClock(); tests inject a FakeClock.
type SharedClock struct {
	clock    clockwork.Clock
	offsetMs atomic.Int64
}

// New creates a SharedClock with a zero offset (trust the local clock until
// a skew estimate is available).
func New(c clockwork.Clock) *SharedClock {
	return &SharedClock{clock: c}
}

// SetOffset replaces the skew estimate.
func (c *SharedClock) SetOffset(d time.Duration) {
	c.offsetMs.Store(d.Milliseconds())
}

// Offset returns the current skew estimate.
func (c *SharedClock) Offset() time.Duration {
	return time.Duration(c.offsetMs.Load()) * time.Millisecond
}

// NowMs returns the shared-time instant in milliseconds since the epoch.
// All replicated timestamps (joinedAt, lastSeen, phaseStartAt, createdAt)
// are expressed in this unit.
func (c *SharedClock) NowMs() int64 {
	return c.clock.Now().UnixMilli() + c.offsetMs.Load()
}

// Now returns the shared-time instant as a time.Time.
func (c *SharedClock) Now() time.Time {
	return c.clock.Now().Add(c.Offset())
}

// Local exposes the underlying clock for arming tickers and timers.
func (c *SharedClock) Local() clockwork.Clock {
	return c.clock
}
