package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var forfeitB = Deferred{
	Patch: map[string]any{"status": "finished", "winner_id": "B", "end_reason": "disconnect"},
	When:  map[string]any{"status": "active"},
	Incr:  "version",
}

func TestDeferredAppliesAfterClose(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := newTestClient(t, mr)
	other := newTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, owner.Write(ctx, "games/g1", []byte(`{"status":"active","version":3}`)))
	require.NoError(t, owner.DeferOnDisconnect(ctx, "games/g1", forfeitB))

	reaper := NewReaper(other, 0)
	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "owner still connected")

	require.NoError(t, owner.Close(ctx))
	n, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, _, err := other.Read(ctx, "games/g1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"finished","winner_id":"B","end_reason":"disconnect","version":4}`, string(v))

	n, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "entries are claimed once")
	assert.NotContains(t, mustMembers(t, mr, other.ownersKey()), owner.ConnID())
}

func TestDeferredCancelled(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := newTestClient(t, mr)
	other := newTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, owner.Write(ctx, "games/g1", []byte(`{"status":"active","version":1}`)))
	require.NoError(t, owner.DeferOnDisconnect(ctx, "games/g1", forfeitB))
	require.NoError(t, owner.CancelDeferred(ctx, "games/g1"))
	require.NoError(t, owner.Close(ctx))

	n, err := NewReaper(other, 0).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	v, _, err := other.Read(ctx, "games/g1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"active","version":1}`, string(v))
}

func TestDeferredNamedEntriesShareKey(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := newTestClient(t, mr)
	other := newTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, owner.Write(ctx, "queue/ticket", []byte(`{"user_id":"B"}`)))
	require.NoError(t, owner.DeferOnDisconnectAs(ctx, "queue/ticket#A", "queue/ticket",
		Deferred{Delete: true, When: map[string]any{"user_id": "A"}}))
	require.NoError(t, owner.DeferOnDisconnectAs(ctx, "queue/ticket#B", "queue/ticket",
		Deferred{Delete: true, When: map[string]any{"user_id": "B"}}))
	require.NoError(t, owner.CancelDeferred(ctx, "queue/ticket#A"))
	require.NoError(t, owner.Close(ctx))

	n, err := NewReaper(other, 0).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, exists, err := other.Read(ctx, "queue/ticket")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDeferredConditionNotMet(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := newTestClient(t, mr)
	other := newTestClient(t, mr)
	ctx := context.Background()

	finished := `{"status":"finished","winner_id":"A","end_reason":"checkmate","version":9}`
	require.NoError(t, owner.Write(ctx, "games/g1", []byte(finished)))
	require.NoError(t, owner.DeferOnDisconnect(ctx, "games/g1", forfeitB))
	require.NoError(t, owner.Close(ctx))

	n, err := NewReaper(other, 0).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	v, _, err := other.Read(ctx, "games/g1")
	require.NoError(t, err)
	assert.JSONEq(t, finished, string(v))
}

func TestDeferredDeleteAfterPresenceLapse(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := newTestClient(t, mr)
	other := newTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, owner.Write(ctx, "queue/ticket", []byte(`{"user_id":"A"}`)))
	require.NoError(t, owner.DeferOnDisconnect(ctx, "queue/ticket", Deferred{Delete: true}))
	owner.stopHeartbeat()

	reaper := NewReaper(other, 0)
	n, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	mr.FastForward(testPresenceTTL)
	// the reaper's own presence lapsed too; liveness of the sweeping client does not matter
	n, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists("t:queue:ticket"))
}

func TestDeferOnDisconnectReplacesEarlierEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	owner := newTestClient(t, mr)
	other := newTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, owner.Write(ctx, "games/g1", []byte(`{"status":"active","version":1}`)))
	require.NoError(t, owner.DeferOnDisconnect(ctx, "games/g1", Deferred{Delete: true}))
	require.NoError(t, owner.DeferOnDisconnect(ctx, "games/g1", forfeitB))
	require.NoError(t, owner.Close(ctx))

	_, err := NewReaper(other, 0).Sweep(ctx)
	require.NoError(t, err)
	v, ok, err := other.Read(ctx, "games/g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(v), `"winner_id":"B"`)
}

func mustMembers(t *testing.T, mr *miniredis.Miniredis, key string) []string {
	t.Helper()
	if !mr.Exists(key) {
		return nil
	}
	m, err := mr.Members(key)
	require.NoError(t, err)
	return m
}
