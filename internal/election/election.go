// Package election implements the self-healing host election layered on the
// presence registry: at most one participant is authoritative for the timer,
// the oldest-joined survivor claims a vacant seat, and races collapse to a
// single winner through a single-path conditional update.
package election

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/docstore"
	"github.com/studytogether/studysync/internal/room"
)

// Config carries the election tunables.
type Config struct {
	// HostMissingGrace is how long the host must look continuously absent
	// before anyone acts, absorbing transient desynchronization between the
	// meta and participants listeners.
	HostMissingGrace time.Duration
}

// DefaultConfig returns the production grace window.
func DefaultConfig() Config {
	return Config{HostMissingGrace: 5 * time.Second}
}

// View is the latest replicated state the elector evaluates against.
type View struct {
	HostID             string
	MetaLoaded         bool
	Participants       map[string]room.Participant
	ParticipantsLoaded bool
}

// Outcome is the result of one claim attempt, delivered on Outcomes.
type Outcome struct {
	Committed bool
	HostID    string // host id the store held after the claim resolved
	Err       error
}

// Elector runs the election algorithm for one participant in one room.
// All methods must be called from the session's run loop; only the claim
// transaction itself runs in the background.
type Elector struct {
	store   docstore.Store
	clock   clockwork.Clock
	cfg     Config
	roomID  string
	selfKey string

	claimInFlight    bool
	hostMissingSince time.Time
	disabled         bool

	outcomes chan Outcome
}

// New creates an Elector.
func New(store docstore.Store, clk clockwork.Clock, cfg Config, roomID, selfKey string) *Elector {
	return &Elector{
		store:    store,
		clock:    clk,
		cfg:      cfg,
		roomID:   roomID,
		selfKey:  selfKey,
		outcomes: make(chan Outcome, 1),
	}
}

// Outcomes delivers claim results; the session loop must feed each one back
// through ResolveClaim.
func (e *Elector) Outcomes() <-chan Outcome { return e.outcomes }

// Disabled reports whether auto-claiming has been permanently disabled for
// this room session.
func (e *Elector) Disabled() bool { return e.disabled }

// Evaluate runs the election algorithm against the latest view. It is
// invoked on every participant or meta change and on the periodic tick (so
// an elapsed grace window is noticed without a new store event).
func (e *Elector) Evaluate(ctx context.Context, view View) {
	// Never elect against a partial view.
	if !view.MetaLoaded || !view.ParticipantsLoaded {
		return
	}
	// Not being in the registry yet means our own join has not propagated.
	if _, ok := view.Participants[e.selfKey]; !ok {
		return
	}
	if view.HostID != "" {
		if _, alive := view.Participants[view.HostID]; alive {
			e.hostMissingSince = time.Time{}
			return
		}
	}
	// Host seat looks vacant; require continuous absence for the grace
	// window before acting.
	now := e.clock.Now()
	if e.hostMissingSince.IsZero() {
		e.hostMissingSince = now
		return
	}
	if now.Sub(e.hostMissingSince) < e.cfg.HostMissingGrace {
		return
	}
	if e.disabled || e.claimInFlight {
		return
	}
	if Oldest(view.Participants) != e.selfKey {
		return
	}

	e.claimInFlight = true
	present := make(map[string]bool, len(view.Participants))
	for key := range view.Participants {
		present[key] = true
	}
	go e.claim(ctx, present)
}

// claim performs the single-path conditional update: set hostId to self only
// if the value at transaction time is empty or refers to a participant no
// longer present.
func (e *Elector) claim(ctx context.Context, present map[string]bool) {
	res, err := e.store.Txn(ctx, room.HostPath(e.roomID), func(current json.RawMessage) (json.RawMessage, bool) {
		var holder string
		if current != nil {
			if err := json.Unmarshal(current, &holder); err != nil {
				holder = ""
			}
		}
		if holder != "" && present[holder] {
			return nil, false // seat taken by a live participant
		}
		next, _ := json.Marshal(e.selfKey)
		return next, true
	})

	out := Outcome{Err: err}
	if err == nil {
		out.Committed = res.Committed
		if res.Value != nil {
			_ = json.Unmarshal(res.Value, &out.HostID)
		}
	}
	e.outcomes <- out
}

// ResolveClaim feeds a claim outcome back into the elector's bookkeeping.
// A permission rejection permanently disables auto-claiming for this room
// session: the backend policy will keep rejecting, so retrying is noise.
func (e *Elector) ResolveClaim(out Outcome) {
	e.claimInFlight = false
	switch {
	case out.Err == nil:
		if out.Committed {
			log.Info().Str("room_id", e.roomID).Str("host_id", out.HostID).Msg("host claim committed")
		}
		e.hostMissingSince = time.Time{}
	case errors.Is(out.Err, docstore.ErrPermission):
		e.disabled = true
		log.Error().Err(out.Err).Str("room_id", e.roomID).
			Msg("host claim rejected by policy; auto-claim disabled for this session")
	default:
		// Transient failure; the next trigger retries naturally.
		log.Warn().Err(out.Err).Str("room_id", e.roomID).Msg("host claim failed")
	}
}

// Oldest returns the participant with the earliest joinedAt; identical
// timestamps break lexicographically by key so every client picks the same
// winner.
func Oldest(reg map[string]room.Participant) string {
	oldest := ""
	var oldestJoined int64
	for key, p := range reg {
		if oldest == "" ||
			p.JoinedAt < oldestJoined ||
			(p.JoinedAt == oldestJoined && key < oldest) {
			oldest = key
			oldestJoined = p.JoinedAt
		}
	}
	return oldest
}
