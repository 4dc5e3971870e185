package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studytogether/studysync/internal/clock"
	"github.com/studytogether/studysync/internal/docstore/memstore"
	"github.com/studytogether/studysync/internal/room"
)

const (
	roomID  = "ABQ2EF"
	selfKey = "alice-1"
)

func newRecorder(t *testing.T) (*clockwork.FakeClock, *memstore.Root, *Recorder) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	sc := clock.New(fc)
	root := memstore.NewRoot()
	return fc, root, NewRecorder(root.Bind(), sc, roomID, selfKey)
}

func TestCompleteRecordsFullSession(t *testing.T) {
	fc, root, r := newRecorder(t)
	ctx := context.Background()

	r.Begin("write the report")
	started := r.startedAt
	require.True(t, r.Active())
	fc.Advance(1500 * time.Second)
	require.NoError(t, r.Complete(ctx, 1500))
	assert.False(t, r.Active())

	raw, err := root.Get(room.HistoryEntryPath(roomID, selfKey, fmt.Sprintf("session_%d", started)))
	require.NoError(t, err)
	require.NotNil(t, raw)

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, started, e.StartedAt)
	assert.Equal(t, 1500, e.Duration)
	assert.Equal(t, "write the report", e.Task)
	assert.Equal(t, roomID, e.RoomID)
	assert.Equal(t, 1500, e.WorkSec)
	assert.Equal(t, fmt.Sprintf("session_%d", started), e.ID)
}

func TestShortSessionIsDiscarded(t *testing.T) {
	fc, _, r := newRecorder(t)
	ctx := context.Background()

	r.Begin("")
	fc.Advance((MinSessionSec - 1) * time.Second)
	require.NoError(t, r.Complete(ctx, 1500))

	entries, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCompleteWithoutBeginIsNoop(t *testing.T) {
	_, _, r := newRecorder(t)
	require.NoError(t, r.Complete(context.Background(), 1500))
}

func TestListNewestFirst(t *testing.T) {
	fc, _, r := newRecorder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Begin(fmt.Sprintf("task %d", i))
		fc.Advance(100 * time.Second)
		require.NoError(t, r.Complete(ctx, 1500))
		fc.Advance(time.Second)
	}

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "task 2", entries[0].Task)
	assert.Equal(t, "task 0", entries[2].Task)
	for i := 1; i < len(entries); i++ {
		assert.GreaterOrEqual(t, entries[i-1].CompletedAt, entries[i].CompletedAt)
	}
}

func TestDeleteRemovesOneEntry(t *testing.T) {
	fc, _, r := newRecorder(t)
	ctx := context.Background()

	r.Begin("keep")
	fc.Advance(100 * time.Second)
	require.NoError(t, r.Complete(ctx, 1500))
	fc.Advance(time.Second)
	r.Begin("drop")
	fc.Advance(100 * time.Second)
	require.NoError(t, r.Complete(ctx, 1500))

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, r.Delete(ctx, entries[0].ID))
	entries, err = r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep", entries[0].Task)
}
