// Package session owns one client's membership in one room: it wires the
// presence manager, host elector, timer engine, voice policy and history
// recorder to a single run loop, so every callback operates on an explicit
// session object instead of ambient shared state.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/studytogether/studysync/internal/clock"
	"github.com/studytogether/studysync/internal/docstore"
	"github.com/studytogether/studysync/internal/election"
	"github.com/studytogether/studysync/internal/history"
	"github.com/studytogether/studysync/internal/presence"
	"github.com/studytogether/studysync/internal/room"
	"github.com/studytogether/studysync/internal/timer"
	"github.com/studytogether/studysync/internal/voice"
)

var (
	// ErrRoomNotFound rejects a join against a code with no room behind it.
	ErrRoomNotFound = errors.New("session: room not found")

	// ErrBadRoomCode rejects malformed codes before any network call.
	ErrBadRoomCode = errors.New("session: malformed room code")

	// ErrInvalidNickname rejects nicknames below the minimum length.
	ErrInvalidNickname = errors.New("session: nickname too short")

	// ErrCodeExhausted means the collision-retry budget for room creation
	// ran out.
	ErrCodeExhausted = errors.New("session: could not allocate a unique room code")
)

// Config gathers every tunable of the coordination core.
type Config struct {
	Presence presence.Config
	Election election.Config

	// TickInterval drives the remaining-time poll (and, for the host,
	// phase-expiry detection).
	TickInterval time.Duration

	// CreateRetries bounds room-code collision retries.
	CreateRetries int
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		Presence:      presence.DefaultConfig(),
		Election:      election.DefaultConfig(),
		TickInterval:  250 * time.Millisecond,
		CreateRetries: 8,
	}
}

// Notice is a user-facing, dismissable notification. Nothing delivered here
// is fatal; every failure path returns the user to an interactive state.
type Notice struct {
	Text  string
	Error bool
}

// View is a read-only snapshot of the session for rendering.
type View struct {
	RoomID       string
	SelfKey      string
	HostID       string
	IsHost       bool
	Settings     room.Settings
	Timer        room.Timer
	RemainingSec int
	Participants map[string]room.Participant
	VoiceEnabled bool
	Muted        bool
	Task         string
}

// Session is one tab's worth of room membership. Exported methods are safe
// from any goroutine; all mutable state is owned by the run loop.
type Session struct {
	store    docstore.Store
	clock    *clock.SharedClock
	bus      voice.Caller // nil when voice is unavailable
	cfg      Config
	nickname string
	selfKey  string

	loopCh  chan func()
	notices chan Notice
	done    chan struct{}
	baseCtx context.Context

	// Room-scoped state, touched only by the run loop (or before Run
	// starts).
	roomID             string
	pres               *presence.Manager
	elector            *election.Elector
	engine             *timer.Engine
	recorder           *history.Recorder
	evict              *presence.EvictionDetector
	voiceMgr           *voice.Manager
	voiceSignals       <-chan voice.Signal
	voiceCancel        func()
	claimCh            <-chan election.Outcome
	cancels            []func()
	participants       map[string]room.Participant
	participantsLoaded bool
	hostID             string
	metaLoaded         bool
	rootLoaded         bool
	settings           room.Settings
	tmr                room.Timer
	timerLoaded        bool
	task               string
	inRoom             bool
	leaving            bool

	viewMu sync.RWMutex
	view   View
}

// New creates a Session for an authenticated identity. The participant key
// is derived once per Session, so the same identity in two tabs is two
// independent participants. Returns room.ErrAuthRequired when the identity
// is empty and ErrInvalidNickname when the nickname does not survive
// sanitization.
func New(store docstore.Store, clk *clock.SharedClock, bus voice.Caller, cfg Config, identity, nickname string) (*Session, error) {
	nickname = room.SanitizeNickname(nickname)
	if nickname == "" {
		return nil, ErrInvalidNickname
	}
	selfKey, err := room.NewParticipantKey(identity)
	if err != nil {
		return nil, err
	}
	return &Session{
		store:    store,
		clock:    clk,
		bus:      bus,
		cfg:      cfg,
		nickname: nickname,
		selfKey:  selfKey,
		baseCtx:  context.Background(),
		loopCh:   make(chan func(), 64),
		notices:  make(chan Notice, 16),
		done:     make(chan struct{}),
		settings: room.DefaultSettings(),
	}, nil
}

// SelfKey returns this session's participant key.
func (s *Session) SelfKey() string { return s.selfKey }

// Notices delivers user-facing notifications. Slow consumers lose old ones.
func (s *Session) Notices() <-chan Notice { return s.notices }

// Done closes when the session has left its room (or never entered one and
// was shut down).
func (s *Session) Done() <-chan struct{} { return s.done }

// View returns the latest published snapshot.
func (s *Session) View() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

func (s *Session) isHost() bool {
	return s.hostID != "" && s.hostID == s.selfKey
}

func (s *Session) notify(text string, isErr bool) {
	n := Notice{Text: text, Error: isErr}
	for {
		select {
		case s.notices <- n:
			return
		default:
			select {
			case <-s.notices:
			default:
			}
		}
	}
}

// post hands a closure to the run loop; it is dropped once the session has
// ended.
func (s *Session) post(fn func()) {
	select {
	case s.loopCh <- fn:
	case <-s.done:
	}
}

func (s *Session) publishView() {
	v := View{
		RoomID:       s.roomID,
		SelfKey:      s.selfKey,
		HostID:       s.hostID,
		IsHost:       s.isHost(),
		Settings:     s.settings,
		Timer:        s.tmr,
		RemainingSec: timer.Remaining(s.tmr, s.settings, s.clock.NowMs()),
		Participants: make(map[string]room.Participant, len(s.participants)),
		Task:         s.task,
	}
	for k, p := range s.participants {
		v.Participants[k] = p
	}
	if s.voiceMgr != nil {
		v.VoiceEnabled = s.voiceMgr.Enabled()
		v.Muted = s.voiceMgr.Muted()
	}
	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
}
