package room

// Phase is the timer phase shared by everyone in a room.
type Phase string

const (
	PhaseWork  Phase = "work"
	PhaseBreak Phase = "break"
)

// ParsePhase normalizes a replicated phase value; anything unrecognized
// falls back to work, matching how followers treat a partially-written
// timer record.
func ParsePhase(s string) Phase {
	if Phase(s) == PhaseBreak {
		return PhaseBreak
	}
	return PhaseWork
}

// Next returns the other phase.
func (p Phase) Next() Phase {
	if p == PhaseWork {
		return PhaseBreak
	}
	return PhaseWork
}

// Settings are the per-room phase durations. Mutable only by the host.
type Settings struct {
	WorkSec  int `json:"workSec"`
	BreakSec int `json:"breakSec"`
}

// Duration bounds, in seconds.
const (
	MinWorkSec  = 5 * 60
	MaxWorkSec  = 90 * 60
	MinBreakSec = 60
	MaxBreakSec = 30 * 60
)

// DefaultSettings returns the 25/5 defaults.
func DefaultSettings() Settings {
	return Settings{WorkSec: 25 * 60, BreakSec: 5 * 60}
}

// Clamp forces replicated settings into the allowed ranges. Out-of-range
// values are clamped rather than rejected so a stale or hand-edited document
// never wedges the projection.
func (s Settings) Clamp() Settings {
	return Settings{
		WorkSec:  clampInt(s.WorkSec, MinWorkSec, MaxWorkSec, DefaultSettings().WorkSec),
		BreakSec: clampInt(s.BreakSec, MinBreakSec, MaxBreakSec, DefaultSettings().BreakSec),
	}
}

// PhaseDuration returns the configured duration of a phase in seconds.
func (s Settings) PhaseDuration(p Phase) int {
	if p == PhaseBreak {
		return s.BreakSec
	}
	return s.WorkSec
}

// Timer is the replicated timer record. Remaining time is never stored; it
// is always derived from these fields plus shared time, so it cannot tick
// apart between clients.
type Timer struct {
	Phase           Phase `json:"phase"`
	Paused          bool  `json:"paused"`
	PausedRemaining int   `json:"pausedRemaining"`
	PhaseStartAt    int64 `json:"phaseStartAt"`
	Cycle           int   `json:"cycle"`
	Version         int64 `json:"version"`
}

// NewTimer returns the initial timer for freshly applied settings: work
// phase, paused at full duration, cycle zero.
func NewTimer(s Settings, nowMs int64) Timer {
	return Timer{
		Phase:           PhaseWork,
		Paused:          true,
		PausedRemaining: s.WorkSec,
		PhaseStartAt:    nowMs,
		Cycle:           0,
		Version:         1,
	}
}

// Participant is one joined session. The record is owned exclusively by the
// client that wrote it; everyone else only reads it.
type Participant struct {
	Nickname     string `json:"nickname"`
	JoinedAt     int64  `json:"joinedAt"`
	LastSeen     int64  `json:"lastSeen"`
	VoiceEnabled bool   `json:"voiceEnabled"`
	Muted        bool   `json:"muted"`
	Task         string `json:"task"`
}

// Meta is the room-level coordination record.
type Meta struct {
	HostID    string `json:"hostId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Doc is the whole room document as created by CreateRoom.
type Doc struct {
	Meta         Meta                   `json:"meta"`
	Settings     Settings               `json:"settings"`
	Timer        Timer                  `json:"timer"`
	Participants map[string]Participant `json:"participants"`
}

func clampInt(v, min, max, fallback int) int {
	if v == 0 {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
