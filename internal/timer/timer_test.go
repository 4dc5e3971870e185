package timer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studytogether/studysync/internal/clock"
	"github.com/studytogether/studysync/internal/docstore/memstore"
	"github.com/studytogether/studysync/internal/room"
)

const roomID = "ABQ2EF"

func newFixture(t *testing.T) (*clockwork.FakeClock, *clock.SharedClock, *memstore.Root, *Engine) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	sc := clock.New(fc)
	root := memstore.NewRoot()
	return fc, sc, root, NewEngine(root.Bind(), sc, roomID)
}

func readTimer(t *testing.T, root *memstore.Root) room.Timer {
	t.Helper()
	raw, err := root.Get(room.TimerPath(roomID))
	require.NoError(t, err)
	require.NotNil(t, raw)
	var tm room.Timer
	require.NoError(t, json.Unmarshal(raw, &tm))
	return tm
}

func writeTimer(t *testing.T, root *memstore.Root, tm room.Timer) {
	t.Helper()
	require.NoError(t, root.Set(room.TimerPath(roomID), tm))
}

func TestRemainingWhilePaused(t *testing.T) {
	s := room.Settings{WorkSec: 1500, BreakSec: 300}
	tests := []struct {
		name      string
		remaining int
		want      int
	}{
		{"normal", 900, 900},
		{"zero stays zero", 0, 0},
		{"negative clamps to zero", -5, 0},
		{"over duration clamps to duration", 2000, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := room.Timer{Phase: room.PhaseWork, Paused: true, PausedRemaining: tt.remaining}
			// nowMs is irrelevant while paused.
			assert.Equal(t, tt.want, Remaining(tm, s, 123456))
		})
	}
}

func TestRemainingNeverIncreasesWhileRunning(t *testing.T) {
	fc := clockwork.NewFakeClock()
	sc := clock.New(fc)
	s := room.Settings{WorkSec: 60, BreakSec: 30}
	tm := room.Timer{Phase: room.PhaseWork, Paused: false, PhaseStartAt: sc.NowMs()}

	prev := Remaining(tm, s, sc.NowMs())
	assert.Equal(t, 60, prev)
	for i := 0; i < 700; i++ {
		fc.Advance(100 * time.Millisecond)
		cur := Remaining(tm, s, sc.NowMs())
		if cur > prev {
			t.Fatalf("remaining increased from %d to %d at step %d", prev, cur, i)
		}
		prev = cur
	}
	// 70s elapsed on a 60s phase: pinned at zero, never negative.
	assert.Equal(t, 0, prev)
}

func TestPauseFreezesThenResumeRestores(t *testing.T) {
	fc, sc, root, eng := newFixture(t)
	ctx := context.Background()
	s := room.Settings{WorkSec: 1500, BreakSec: 300}
	writeTimer(t, root, room.Timer{Phase: room.PhaseWork, Paused: false, PhaseStartAt: sc.NowMs(), Version: 1})

	fc.Advance(600 * time.Second)
	require.NoError(t, eng.Pause(ctx, readTimer(t, root), s))

	tm := readTimer(t, root)
	require.True(t, tm.Paused)
	assert.Equal(t, 900, tm.PausedRemaining)

	// Paused time does not drain.
	fc.Advance(30 * time.Minute)
	assert.Equal(t, 900, Remaining(readTimer(t, root), s, sc.NowMs()))

	require.NoError(t, eng.Resume(ctx, readTimer(t, root), s))
	tm = readTimer(t, root)
	require.False(t, tm.Paused)
	assert.Equal(t, 900, Remaining(tm, s, sc.NowMs()))
	// phaseStartAt was back-dated by the already elapsed 600s.
	assert.Equal(t, sc.NowMs()-600_000, tm.PhaseStartAt)
}

func TestResumeRepairsCorruptPausedRemaining(t *testing.T) {
	fc, sc, root, eng := newFixture(t)
	_ = fc
	ctx := context.Background()
	s := room.Settings{WorkSec: 1500, BreakSec: 300}
	writeTimer(t, root, room.Timer{Phase: room.PhaseWork, Paused: true, PausedRemaining: -10, Version: 1})

	require.NoError(t, eng.Resume(ctx, readTimer(t, root), s))
	tm := readTimer(t, root)
	assert.Equal(t, 1500, Remaining(tm, s, sc.NowMs()))
}

func TestAdvancePhaseCountsCompletedWorkRounds(t *testing.T) {
	fc, sc, root, eng := newFixture(t)
	_ = fc
	ctx := context.Background()
	s := room.Settings{WorkSec: 1500, BreakSec: 300}
	writeTimer(t, root, room.Timer{Phase: room.PhaseWork, Paused: false, PhaseStartAt: sc.NowMs(), Version: 1})

	// Five transitions starting from work: work->break->work->break->work->break.
	wantPhases := []room.Phase{room.PhaseBreak, room.PhaseWork, room.PhaseBreak, room.PhaseWork, room.PhaseBreak}
	wantCycles := []int{1, 1, 2, 2, 3}
	for i := range wantPhases {
		require.NoError(t, eng.AdvancePhase(ctx, readTimer(t, root), s))
		tm := readTimer(t, root)
		eng.Observe(tm)
		assert.Equal(t, wantPhases[i], tm.Phase, "transition %d", i)
		assert.Equal(t, wantCycles[i], tm.Cycle, "transition %d", i)
		assert.False(t, tm.Paused, "transition %d", i)
	}
}

func TestApplySettingsResetsTimerIdempotently(t *testing.T) {
	fc, sc, root, eng := newFixture(t)
	_ = fc
	ctx := context.Background()
	writeTimer(t, root, room.Timer{Phase: room.PhaseBreak, Paused: false, PhaseStartAt: sc.NowMs(), Cycle: 4, Version: 7})

	next := room.Settings{WorkSec: 3000, BreakSec: 600}
	require.NoError(t, eng.ApplySettings(ctx, readTimer(t, root), next))
	first := readTimer(t, root)
	assert.Equal(t, room.PhaseWork, first.Phase)
	assert.True(t, first.Paused)
	assert.Equal(t, 3000, first.PausedRemaining)
	assert.Equal(t, 0, first.Cycle)

	// Applying the same settings again lands the same state.
	require.NoError(t, eng.ApplySettings(ctx, readTimer(t, root), next))
	second := readTimer(t, root)
	first.Version, second.Version = 0, 0
	assert.Equal(t, first, second)

	raw, err := root.Get(room.SettingsPath(roomID))
	require.NoError(t, err)
	var got room.Settings
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, next, got)
}

func TestCheckExpiryFiresExactlyAtZero(t *testing.T) {
	fc, sc, root, eng := newFixture(t)
	ctx := context.Background()
	s := room.Settings{WorkSec: 60, BreakSec: 30}
	writeTimer(t, root, room.Timer{Phase: room.PhaseWork, Paused: false, PhaseStartAt: sc.NowMs(), Version: 1})

	fc.Advance(59 * time.Second)
	fired, err := eng.CheckExpiry(ctx, readTimer(t, root), s)
	require.NoError(t, err)
	assert.False(t, fired)

	fc.Advance(time.Second)
	fired, err = eng.CheckExpiry(ctx, readTimer(t, root), s)
	require.NoError(t, err)
	assert.True(t, fired)

	tm := readTimer(t, root)
	eng.Observe(tm)
	assert.Equal(t, room.PhaseBreak, tm.Phase)
	assert.Equal(t, 1, tm.Cycle)

	// The fresh break phase is nowhere near expiry.
	fired, err = eng.CheckExpiry(ctx, tm, s)
	require.NoError(t, err)
	assert.False(t, fired)

	// A paused timer never expires.
	require.NoError(t, eng.Pause(ctx, tm, s))
	fc.Advance(time.Hour)
	fired, err = eng.CheckExpiry(ctx, readTimer(t, root), s)
	require.NoError(t, err)
	assert.False(t, fired)
}

// TestPhaseSwitchWaitsForReplication feeds the engine the same stale record
// twice across a transition. In a live session the record handed to the
// expiry poll lags the write by one listener round trip; acting on it again
// must be suppressed, or the freshly started phase gets restarted with a
// colliding version.
func TestPhaseSwitchWaitsForReplication(t *testing.T) {
	fc, sc, root, eng := newFixture(t)
	ctx := context.Background()
	s := room.Settings{WorkSec: 60, BreakSec: 30}
	writeTimer(t, root, room.Timer{Phase: room.PhaseWork, Paused: false, PhaseStartAt: sc.NowMs(), Version: 1})

	fc.Advance(60 * time.Second)
	stale := readTimer(t, root)
	fired, err := eng.CheckExpiry(ctx, stale, s)
	require.NoError(t, err)
	require.True(t, fired)
	written := readTimer(t, root)
	require.Equal(t, room.PhaseBreak, written.Phase)

	// The write has not come back through the listener yet. Neither the
	// next poll nor a queued manual skip may act on the stale record.
	fired, err = eng.CheckExpiry(ctx, stale, s)
	require.NoError(t, err)
	assert.False(t, fired, "expiry must not re-fire before the write is observed")
	require.NoError(t, eng.AdvancePhase(ctx, stale, s))
	assert.Equal(t, written, readTimer(t, root), "suppressed skip must not rewrite the timer")

	// Observing an older record keeps the guard up.
	eng.Observe(stale)
	fired, err = eng.CheckExpiry(ctx, stale, s)
	require.NoError(t, err)
	assert.False(t, fired)

	// Once the written record arrives, the engine moves again.
	eng.Observe(written)
	fc.Advance(30 * time.Second)
	fired, err = eng.CheckExpiry(ctx, readTimer(t, root), s)
	require.NoError(t, err)
	assert.True(t, fired)
	tm := readTimer(t, root)
	assert.Equal(t, room.PhaseWork, tm.Phase)
	assert.Equal(t, 1, tm.Cycle)
}

// TestQuarterHourSession walks one 1500s work phase through mid-phase pause
// and resume and checks the derived countdown at every station.
func TestQuarterHourSession(t *testing.T) {
	fc, sc, root, eng := newFixture(t)
	ctx := context.Background()
	s := room.Settings{WorkSec: 1500, BreakSec: 300}
	writeTimer(t, root, room.NewTimer(s, sc.NowMs()))

	require.NoError(t, eng.Resume(ctx, readTimer(t, root), s))
	assert.Equal(t, 1500, Remaining(readTimer(t, root), s, sc.NowMs()))

	fc.Advance(600 * time.Second)
	assert.Equal(t, 900, Remaining(readTimer(t, root), s, sc.NowMs()))

	require.NoError(t, eng.Pause(ctx, readTimer(t, root), s))
	fc.Advance(5 * time.Minute)
	assert.Equal(t, 900, Remaining(readTimer(t, root), s, sc.NowMs()))

	require.NoError(t, eng.Resume(ctx, readTimer(t, root), s))
	fc.Advance(899 * time.Second)
	assert.Equal(t, 1, Remaining(readTimer(t, root), s, sc.NowMs()))

	fired, err := eng.CheckExpiry(ctx, readTimer(t, root), s)
	require.NoError(t, err)
	assert.False(t, fired, "one second left must not expire")

	fc.Advance(time.Second)
	fired, err = eng.CheckExpiry(ctx, readTimer(t, root), s)
	require.NoError(t, err)
	assert.True(t, fired)

	tm := readTimer(t, root)
	assert.Equal(t, room.PhaseBreak, tm.Phase)
	assert.Equal(t, 1, tm.Cycle)
	assert.Equal(t, 300, Remaining(tm, s, sc.NowMs()))
}
