// Package timer holds the replicated phase/duration/pause machine. The host
// writes transitions to the shared document; everyone else (host included)
// renders a pure projection of the replicated record plus shared time.
package timer

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/clock"
	"github.com/studytogether/studysync/internal/docstore"
	"github.com/studytogether/studysync/internal/room"
)

// Remaining derives the remaining seconds of the current phase from the
// replicated record and shared time. It is the only remaining-time formula
// in the system; nothing ever stores a ticking countdown.
func Remaining(t room.Timer, s room.Settings, nowMs int64) int {
	duration := s.PhaseDuration(t.Phase)
	if t.Paused {
		r := t.PausedRemaining
		if r < 0 {
			return 0
		}
		if r > duration {
			return duration
		}
		return r
	}
	elapsed := float64(nowMs-t.PhaseStartAt) / 1000
	remaining := int(math.Ceil(float64(duration) - elapsed))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Engine performs the host-only transitions. Each transition is a single
// multi-field update on the timer subtree; version increments on every
// write for observability, never for conflict resolution.
type Engine struct {
	store  docstore.Store
	clock  *clock.SharedClock
	roomID string

	// switching stays raised from a phase write until Observe sees the
	// replicated record carrying pendingVersion. In the gap between the
	// write and its round trip through the listener, the caller's copy of
	// the timer is stale; acting on it again would restart the new phase.
	switching      bool
	pendingVersion int64
}

// NewEngine creates an Engine for one room.
func NewEngine(store docstore.Store, clk *clock.SharedClock, roomID string) *Engine {
	return &Engine{store: store, clock: clk, roomID: roomID}
}

func (e *Engine) write(ctx context.Context, fields map[string]any) error {
	if err := e.store.Update(ctx, room.TimerPath(e.roomID), fields); err != nil {
		return fmt.Errorf("write timer: %w", err)
	}
	return nil
}

// Resume transitions paused -> running, back-dating phaseStartAt so the
// elapsed progress preserved by the pause carries over.
func (e *Engine) Resume(ctx context.Context, t room.Timer, s room.Settings) error {
	duration := s.PhaseDuration(t.Phase)
	remaining := t.PausedRemaining
	if remaining < 1 || remaining > duration {
		remaining = duration
	}
	startAt := e.clock.NowMs() - int64(duration-remaining)*1000
	return e.write(ctx, map[string]any{
		"paused":       false,
		"phaseStartAt": startAt,
		"version":      t.Version + 1,
	})
}

// Pause transitions running -> paused, freezing the derived remaining time.
func (e *Engine) Pause(ctx context.Context, t room.Timer, s room.Settings) error {
	return e.write(ctx, map[string]any{
		"paused":          true,
		"pausedRemaining": Remaining(t, s, e.clock.NowMs()),
		"version":         t.Version + 1,
	})
}

// AdvancePhase toggles the phase and resets it to a full running duration.
// The cycle count increments only when leaving work: one completed focus
// round is a work phase, not a break. After the write the engine refuses
// further transitions until Observe confirms the record came back around,
// so an expiry poll and a manual skip fed the same stale timer cannot
// double-fire.
func (e *Engine) AdvancePhase(ctx context.Context, t room.Timer, s room.Settings) error {
	if e.switching {
		log.Debug().Str("room_id", e.roomID).Msg("phase switch awaiting replication")
		return nil
	}
	next := t.Phase.Next()
	cycle := t.Cycle
	if t.Phase == room.PhaseWork {
		cycle++
	}
	if err := e.write(ctx, map[string]any{
		"phase":           string(next),
		"paused":          false,
		"pausedRemaining": s.PhaseDuration(next),
		"phaseStartAt":    e.clock.NowMs(),
		"cycle":           cycle,
		"version":         t.Version + 1,
	}); err != nil {
		return err
	}
	e.switching = true
	e.pendingVersion = t.Version + 1
	return nil
}

// Observe feeds the engine each replicated timer record. Once the record
// has caught up with the last phase write, transitions unblock.
func (e *Engine) Observe(t room.Timer) {
	if e.switching && t.Version >= e.pendingVersion {
		e.switching = false
	}
}

// ApplySettings writes new durations and unconditionally resets the timer
// to the top of a paused work phase. Changing settings restarts the cycle;
// rescaling an in-flight phase is not attempted.
func (e *Engine) ApplySettings(ctx context.Context, t room.Timer, next room.Settings) error {
	if err := e.store.Update(ctx, room.SettingsPath(e.roomID), map[string]any{
		"workSec":  next.WorkSec,
		"breakSec": next.BreakSec,
	}); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return e.write(ctx, map[string]any{
		"phase":           string(room.PhaseWork),
		"paused":          true,
		"pausedRemaining": next.WorkSec,
		"phaseStartAt":    e.clock.NowMs(),
		"cycle":           0,
		"version":         t.Version + 1,
	})
}

// CheckExpiry is the host's 250ms poll: the moment remaining time reaches
// zero while running and not mid-transition, advance the phase. Returns
// whether a transition fired.
func (e *Engine) CheckExpiry(ctx context.Context, t room.Timer, s room.Settings) (bool, error) {
	if t.Paused || e.switching {
		return false, nil
	}
	if Remaining(t, s, e.clock.NowMs()) > 0 {
		return false, nil
	}
	if err := e.AdvancePhase(ctx, t, s); err != nil {
		return false, err
	}
	return true, nil
}
