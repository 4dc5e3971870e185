package presence

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/studytogether/studysync/internal/room"
)

// EvictionDetector decides when the absence of our own record from the live
// registry means involuntary eviction, as opposed to a join that simply has
// not propagated yet. It only fires after the grace window has elapsed since
// joining and at least one registry snapshot has been seen.
type EvictionDetector struct {
	clock   clockwork.Clock
	selfKey string
	grace   time.Duration

	armedAt time.Time
	loaded  bool
}

// NewEvictionDetector arms the detector at join time.
func NewEvictionDetector(clk clockwork.Clock, selfKey string, grace time.Duration) *EvictionDetector {
	return &EvictionDetector{
		clock:   clk,
		selfKey: selfKey,
		grace:   grace,
		armedAt: clk.Now(),
	}
}

// Check inspects a registry snapshot and reports whether this participant
// has been evicted. Check must only be fed real snapshot deliveries; the
// first call marks the registry as loaded.
func (d *EvictionDetector) Check(reg map[string]room.Participant) bool {
	loaded := d.loaded
	d.loaded = true
	if _, present := reg[d.selfKey]; present {
		return false
	}
	if !loaded {
		return false
	}
	// Own record absent from a loaded registry. Within the grace window
	// this can still be a listener-ordering race right after join.
	return d.clock.Now().Sub(d.armedAt) >= d.grace
}
