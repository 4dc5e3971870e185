// Package history records completed work sessions under the participant's
// own subtree, and reads them back for display. Sessions shorter than the
// minimum are discarded as noise.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/studytogether/studysync/internal/clock"
	"github.com/studytogether/studysync/internal/docstore"
	"github.com/studytogether/studysync/internal/room"
)

// MinSessionSec is the shortest work session worth recording.
const MinSessionSec = 30

// ListLimit caps how many entries List returns.
const ListLimit = 50

// Entry is one completed work session.
type Entry struct {
	ID          string `json:"-"`
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt"`
	Duration    int    `json:"duration"` // seconds
	Task        string `json:"task"`
	RoomID      string `json:"roomId"`
	WorkSec     int    `json:"workSec"`
}

// Recorder tracks the in-flight work session for one participant.
type Recorder struct {
	store   docstore.Store
	clock   *clock.SharedClock
	roomID  string
	selfKey string

	active    bool
	startedAt int64
	startTask string
}

// NewRecorder creates a Recorder for one room membership.
func NewRecorder(store docstore.Store, clk *clock.SharedClock, roomID, selfKey string) *Recorder {
	return &Recorder{store: store, clock: clk, roomID: roomID, selfKey: selfKey}
}

// Begin marks the start of a work phase. The task is captured now; editing
// it mid-phase does not rewrite the session.
func (r *Recorder) Begin(task string) {
	r.active = true
	r.startedAt = r.clock.NowMs()
	r.startTask = task
}

// Active reports whether a work session is being tracked.
func (r *Recorder) Active() bool { return r.active }

// Complete closes the in-flight session and persists it when long enough.
func (r *Recorder) Complete(ctx context.Context, workSec int) error {
	if !r.active {
		return nil
	}
	r.active = false
	completedAt := r.clock.NowMs()
	duration := int((completedAt - r.startedAt) / 1000)
	if duration < MinSessionSec {
		log.Debug().Int("duration_sec", duration).Msg("work session too short to record")
		return nil
	}
	entry := Entry{
		StartedAt:   r.startedAt,
		CompletedAt: completedAt,
		Duration:    duration,
		Task:        r.startTask,
		RoomID:      r.roomID,
		WorkSec:     workSec,
	}
	sessionID := fmt.Sprintf("session_%d", r.startedAt)
	path := room.HistoryEntryPath(r.roomID, r.selfKey, sessionID)
	if err := r.store.Set(ctx, path, entry); err != nil {
		return fmt.Errorf("record work session: %w", err)
	}
	return nil
}

// List returns the newest ListLimit entries, newest first.
func (r *Recorder) List(ctx context.Context) ([]Entry, error) {
	raw, err := r.store.Get(ctx, room.HistoryPath(r.roomID, r.selfKey))
	if err != nil {
		return nil, fmt.Errorf("load work history: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var byID map[string]Entry
	if err := json.Unmarshal(raw, &byID); err != nil {
		return nil, fmt.Errorf("decode work history: %w", err)
	}
	entries := make([]Entry, 0, len(byID))
	for id, e := range byID {
		e.ID = id
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CompletedAt > entries[j].CompletedAt
	})
	if len(entries) > ListLimit {
		entries = entries[:ListLimit]
	}
	return entries, nil
}

// Delete removes one entry by id.
func (r *Recorder) Delete(ctx context.Context, sessionID string) error {
	return r.store.Delete(ctx, room.HistoryEntryPath(r.roomID, r.selfKey, sessionID))
}
