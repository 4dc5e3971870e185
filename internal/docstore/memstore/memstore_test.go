package memstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studytogether/studysync/internal/docstore"
)

func getJSON(t *testing.T, r *Root, path string) map[string]any {
	t.Helper()
	raw, err := r.Get(path)
	require.NoError(t, err)
	if raw == nil {
		return nil
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSetGetRoundTrip(t *testing.T) {
	r := NewRoot()

	require.NoError(t, r.Set("rooms/ABCDEF/meta", map[string]any{"hostId": "alice-1", "createdAt": 42}))

	got := getJSON(t, r, "rooms/ABCDEF/meta")
	assert.Equal(t, "alice-1", got["hostId"])
	assert.Equal(t, float64(42), got["createdAt"])

	raw, err := r.Get("rooms/ABCDEF/meta/hostId")
	require.NoError(t, err)
	assert.JSONEq(t, `"alice-1"`, string(raw))

	raw, err = r.Get("rooms/NOSUCH")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestUpdateNestedFieldsAndNilDeletes(t *testing.T) {
	r := NewRoot()
	require.NoError(t, r.Set("rooms/X/participants/a", map[string]any{"nickname": "ann", "lastSeen": 1}))
	require.NoError(t, r.Set("rooms/X/participants/b", map[string]any{"nickname": "bob", "lastSeen": 1}))

	err := r.Update("rooms/X", map[string]any{
		"participants/a/lastSeen": 99,
		"participants/b":          nil,
	})
	require.NoError(t, err)

	got := getJSON(t, r, "rooms/X/participants")
	require.Contains(t, got, "a")
	assert.NotContains(t, got, "b")
	assert.Equal(t, float64(99), got["a"].(map[string]any)["lastSeen"])
}

func TestDeletePrunesEmptyBranches(t *testing.T) {
	r := NewRoot()
	require.NoError(t, r.Set("rooms/X/participants/a", map[string]any{"nickname": "ann"}))
	require.NoError(t, r.Delete("rooms/X/participants/a"))

	// The now-empty participants branch must read as absent, not as {}.
	raw, err := r.Get("rooms/X/participants")
	require.NoError(t, err)
	assert.Nil(t, raw)
	raw, err = r.Get("rooms/X")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCreateIfAbsentSingleWinner(t *testing.T) {
	r := NewRoot()
	ctx := context.Background()
	first := r.Bind()
	second := r.Bind()

	res, err := docstore.CreateIfAbsent(ctx, first, "rooms/ABCDEF", map[string]any{"meta": map[string]any{"hostId": "a"}})
	require.NoError(t, err)
	assert.True(t, res.Committed)

	res, err = docstore.CreateIfAbsent(ctx, second, "rooms/ABCDEF", map[string]any{"meta": map[string]any{"hostId": "b"}})
	require.NoError(t, err)
	assert.False(t, res.Committed)

	got := getJSON(t, r, "rooms/ABCDEF/meta")
	assert.Equal(t, "a", got["hostId"])
}

func TestTxnAbortAndDelete(t *testing.T) {
	r := NewRoot()
	require.NoError(t, r.Set("k/v", "x"))

	res, err := r.Txn("k/v", func(current json.RawMessage) (json.RawMessage, bool) {
		return nil, false
	})
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.JSONEq(t, `"x"`, string(res.Value))

	res, err = r.Txn("k/v", func(current json.RawMessage) (json.RawMessage, bool) {
		return nil, true // tombstone
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	raw, err := r.Get("k/v")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestSubscribeDeliversSnapshotsLatestWins(t *testing.T) {
	r := NewRoot()
	require.NoError(t, r.Set("rooms/X/timer", map[string]any{"version": 1}))

	ch, cancel, err := r.Subscribe("rooms/X/timer")
	require.NoError(t, err)
	defer cancel()

	ev := <-ch
	var got map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, float64(1), got["version"])

	// Two writes without a read in between coalesce to the latest snapshot.
	require.NoError(t, r.Update("rooms/X/timer", map[string]any{"version": 2}))
	require.NoError(t, r.Update("rooms/X/timer", map[string]any{"version": 3}))
	ev = <-ch
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, float64(3), got["version"])
}

func TestSubscribeSeesParentAndChildWrites(t *testing.T) {
	r := NewRoot()
	ch, cancel, err := r.Subscribe("rooms/X/participants")
	require.NoError(t, err)
	defer cancel()

	ev := <-ch
	assert.Nil(t, ev.Data) // absent subtree

	// A write below the subscribed path notifies with the whole subtree.
	require.NoError(t, r.Set("rooms/X/participants/a/nickname", "ann"))
	ev = <-ch
	var got map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Contains(t, got, "a")

	// Deleting an ancestor notifies with an absence snapshot.
	require.NoError(t, r.Delete("rooms/X"))
	ev = <-ch
	assert.Nil(t, ev.Data)
}

func TestCompareAndSetConflictsOnRelatedWrite(t *testing.T) {
	r := NewRoot()
	require.NoError(t, r.Set("rooms/X/meta", map[string]any{"hostId": "a", "createdAt": 1}))

	_, rev, err := r.GetForTxn("rooms/X/meta/hostId")
	require.NoError(t, err)

	// Replacing the parent subtree invalidates the child's revision.
	require.NoError(t, r.Set("rooms/X/meta", map[string]any{"hostId": "b", "createdAt": 1}))

	res, err := r.CompareAndSet("rooms/X/meta/hostId", rev, json.RawMessage(`"c"`))
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.JSONEq(t, `"b"`, string(res.Value))

	// A fresh read-then-CAS commits.
	_, rev, err = r.GetForTxn("rooms/X/meta/hostId")
	require.NoError(t, err)
	res, err = r.CompareAndSet("rooms/X/meta/hostId", rev, json.RawMessage(`"c"`))
	require.NoError(t, err)
	assert.True(t, res.Committed)
}

func TestBindCloseFiresUncancelledHooks(t *testing.T) {
	r := NewRoot()
	ctx := context.Background()
	b := r.Bind()

	require.NoError(t, b.Set(ctx, "rooms/X/participants/a", map[string]any{"nickname": "ann"}))
	require.NoError(t, b.Set(ctx, "rooms/X/participants/b", map[string]any{"nickname": "bob"}))

	_, err := b.OnDisconnectDelete(ctx, "rooms/X/participants/a")
	require.NoError(t, err)
	kept, err := b.OnDisconnectDelete(ctx, "rooms/X/participants/b")
	require.NoError(t, err)

	// A cancelled hook must not fire on close.
	require.NoError(t, kept.Cancel(ctx))
	require.NoError(t, b.Close())

	got := getJSON(t, r, "rooms/X/participants")
	assert.NotContains(t, got, "a")
	assert.Contains(t, got, "b")

	// Operations on a closed bind fail fast.
	err = b.Set(ctx, "rooms/X/other", 1)
	assert.ErrorIs(t, err, docstore.ErrClosed)
}

func TestWriteGuardRejectsWithPermission(t *testing.T) {
	r := NewRoot(WithWriteGuard(func(path string) error {
		if path == "rooms/X/meta/hostId" {
			return docstore.ErrPermission
		}
		return nil
	}))

	err := r.Set("rooms/X/meta/hostId", "a")
	assert.ErrorIs(t, err, docstore.ErrPermission)
	require.NoError(t, r.Set("rooms/X/timer", map[string]any{"version": 1}))
}

func TestObserverSeesCommittedMutations(t *testing.T) {
	var ops []Op
	r := NewRoot(WithObserver(func(op Op) { ops = append(ops, op) }))

	require.NoError(t, r.Set("a/b", 1))
	require.NoError(t, r.Delete("a/b"))

	require.Len(t, ops, 2)
	assert.Equal(t, OpSet, ops[0].Kind)
	assert.Equal(t, "a/b", ops[0].Path)
	assert.JSONEq(t, `1`, string(ops[0].Value))
	assert.Equal(t, OpDelete, ops[1].Kind)
	assert.Nil(t, ops[1].Value)
}
