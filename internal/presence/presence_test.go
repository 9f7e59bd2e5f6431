package presence_test

import (
	"context"
	"testing"
	"time"

	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"
	"randomtalk/backend/internal/rendezvous"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(t *testing.T, store rendezvous.Store, id string) models.Presence {
	t.Helper()
	doc, err := store.Get(context.Background(), presence.Collection, id)
	require.NoError(t, err)
	var p models.Presence
	require.NoError(t, doc.DataTo(&p))
	return p
}

func TestTracker_RunPublishesAndCoalesces(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	defer store.Close()
	user := models.User{ID: "u1", DisplayName: "Ann", Interests: []string{"music"}}
	tr := presence.NewTracker(store, user, presence.WithHeartbeat(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, func() bool { return tr.CallState() == "idle" }, time.Second, 5*time.Millisecond)
	p := lookup(t, store, "u1")
	assert.True(t, p.Online)
	assert.Equal(t, "Ann", p.DisplayName)
	assert.Equal(t, []string{"music"}, p.Interests)

	tr.SetCallState("searching")
	tr.SetCallState("connected")
	require.Eventually(t, func() bool {
		return lookup(t, store, "u1").CallState == "connected"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "connected", tr.CallState())

	cancel()
	require.NoError(t, <-done)

	require.NoError(t, tr.GoOffline(context.Background()))
	p = lookup(t, store, "u1")
	assert.False(t, p.Online)
	assert.Equal(t, "idle", p.CallState)
}

func TestTracker_HeartbeatRefreshesLastSeen(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	defer store.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ticks int64
	clock := func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Minute)
	}
	tr := presence.NewTracker(store, models.User{ID: "u1"},
		presence.WithHeartbeat(10*time.Millisecond), presence.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Run(ctx) }()

	require.Eventually(t, func() bool {
		doc, err := store.Get(context.Background(), presence.Collection, "u1")
		if err != nil {
			return false
		}
		var p models.Presence
		return doc.DataTo(&p) == nil && p.LastSeen.After(base.Add(2*time.Minute))
	}, time.Second, 5*time.Millisecond)
}

func TestTracker_GoOfflineOnClosedStore(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	tr := presence.NewTracker(store, models.User{ID: "u1"})
	require.NoError(t, store.Close())

	assert.Error(t, tr.GoOffline(context.Background()))
}

func TestDirectory(t *testing.T) {
	store := rendezvous.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	put := func(id string, online bool, seen time.Time) {
		f, err := rendezvous.ToFields(models.Presence{DisplayName: id, Online: online, LastSeen: seen, CallState: "idle"})
		require.NoError(t, err)
		require.NoError(t, store.Set(ctx, presence.Collection, id, f))
	}
	put("fresh", true, now.Add(-30*time.Second))
	put("edge", true, now.Add(-2*time.Minute))
	put("stale", true, now.Add(-10*time.Minute))
	put("away", false, now)

	dir := presence.NewDirectory(store, 2*time.Minute).WithClock(func() time.Time { return now })

	n, err := dir.CountOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	online, err := dir.Online(ctx)
	require.NoError(t, err)
	var ids []string
	for _, e := range online {
		ids = append(ids, e.Participant().ID)
	}
	assert.ElementsMatch(t, []string{"fresh", "edge"}, ids)

	ok, err := dir.IsOnline(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dir.IsOnline(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = dir.IsOnline(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	changed, err := dir.MarkStaleOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	e, err := dir.Lookup(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, e.Online)
	assert.Equal(t, "stale", e.DisplayName)

	changed, err = dir.MarkStaleOffline(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}
