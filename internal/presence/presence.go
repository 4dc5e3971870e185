// Package presence maintains the member registry for a room: join with a
// disconnect hook, periodic heartbeat, host-side pruning of stale entries
// and detection of one's own eviction.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/clock"
	"github.com/studytogether/studysync/internal/docstore"
	"github.com/studytogether/studysync/internal/room"
)

// Config carries the liveness tunables. The grace window defaults are tuned
// against observed listener latency and deliberately overridable.
type Config struct {
	HeartbeatInterval time.Duration
	PruneInterval     time.Duration
	StaleAfter        time.Duration
	SelfEvictionGrace time.Duration
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		PruneInterval:     15 * time.Second,
		StaleAfter:        35 * time.Second,
		SelfEvictionGrace: 2500 * time.Millisecond,
	}
}

// HeartbeatState is the self-owned mutable slice of the participant record
// refreshed on every heartbeat.
type HeartbeatState struct {
	Muted        bool
	VoiceEnabled bool
	Task         string
}

// Manager owns this participant's presence in one room.
type Manager struct {
	store   docstore.Store
	clock   *clock.SharedClock
	cfg     Config
	roomID  string
	selfKey string

	hook docstore.Hook
}

// NewManager creates a Manager for one room membership.
func NewManager(store docstore.Store, clk *clock.SharedClock, cfg Config, roomID, selfKey string) *Manager {
	return &Manager{store: store, clock: clk, cfg: cfg, roomID: roomID, selfKey: selfKey}
}

// Join writes this participant's record and arms removal of that exact
// record for an ungraceful disconnect.
func (m *Manager) Join(ctx context.Context, nickname string) error {
	now := m.clock.NowMs()
	p := room.Participant{
		Nickname: nickname,
		JoinedAt: now,
		LastSeen: now,
	}
	path := room.ParticipantPath(m.roomID, m.selfKey)
	if err := m.store.Set(ctx, path, p); err != nil {
		return fmt.Errorf("write participant record: %w", err)
	}
	hook, err := m.store.OnDisconnectDelete(ctx, path)
	if err != nil {
		return fmt.Errorf("arm disconnect removal: %w", err)
	}
	m.hook = hook
	return nil
}

// Heartbeat refreshes lastSeen and the self-owned mutable fields on this
// participant's record only.
func (m *Manager) Heartbeat(ctx context.Context, hb HeartbeatState) error {
	return m.store.Update(ctx, room.ParticipantPath(m.roomID, m.selfKey), map[string]any{
		"lastSeen":     m.clock.NowMs(),
		"muted":        hb.Muted,
		"voiceEnabled": hb.VoiceEnabled,
		"task":         hb.Task,
	})
}

// Observe delivers live whole-map snapshots of the participant registry.
// Consumers replace their registry wholesale on every delivery.
func (m *Manager) Observe(ctx context.Context) (<-chan map[string]room.Participant, func(), error) {
	events, cancel, err := m.store.Listen(ctx, room.ParticipantsPath(m.roomID))
	if err != nil {
		return nil, nil, fmt.Errorf("listen participants: %w", err)
	}
	out := make(chan map[string]room.Participant, 1)
	go func() {
		defer close(out)
		for ev := range events {
			reg := make(map[string]room.Participant)
			if ev.Data != nil {
				if err := json.Unmarshal(ev.Data, &reg); err != nil {
					log.Warn().Err(err).Str("room_id", m.roomID).Msg("unreadable participant snapshot")
					continue
				}
			}
			deliverLatest(out, reg)
		}
	}()
	return out, cancel, nil
}

// deliverLatest is latest-wins, same as the store's own snapshot delivery.
func deliverLatest(out chan map[string]room.Participant, reg map[string]room.Participant) {
	for {
		select {
		case out <- reg:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}

// PruneStale removes every *other* participant whose lastSeen is older than
// the staleness threshold. Only the host prunes, and never itself. Returns
// how many records were removed.
func (m *Manager) PruneStale(ctx context.Context, reg map[string]room.Participant, isHost bool) (int, error) {
	if !isHost {
		return 0, nil
	}
	now := m.clock.NowMs()
	fields := make(map[string]any)
	for key, p := range reg {
		if key == m.selfKey {
			continue
		}
		if now-p.LastSeen > m.cfg.StaleAfter.Milliseconds() {
			fields["participants/"+key] = nil
		}
	}
	if len(fields) == 0 {
		return 0, nil
	}
	if err := m.store.Update(ctx, room.Path(m.roomID), fields); err != nil {
		return 0, fmt.Errorf("prune stale participants: %w", err)
	}
	log.Info().Int("pruned", len(fields)).Str("room_id", m.roomID).Msg("removed stale participants")
	return len(fields), nil
}

// RemoveSelf is the graceful-leave counterpart of Join: cancel the
// disconnect hook first so a clean leave cannot race a duplicate removal,
// then delete the record. A failed cancellation is logged and the hook is
// left armed as the fallback removal.
func (m *Manager) RemoveSelf(ctx context.Context) error {
	if m.hook != nil {
		if err := m.hook.Cancel(ctx); err != nil {
			log.Warn().Err(err).Str("room_id", m.roomID).Msg("disconnect hook cancel failed, leaving it armed")
		}
		m.hook = nil
	}
	if err := m.store.Delete(ctx, room.ParticipantPath(m.roomID, m.selfKey)); err != nil {
		return fmt.Errorf("remove participant record: %w", err)
	}
	return nil
}
