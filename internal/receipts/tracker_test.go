package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/db"
	"github.com/tOgg1/parley/internal/events"
	"github.com/tOgg1/parley/internal/messaging"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/testutil"
)

type env struct {
	store     *messaging.Store
	publisher *events.InMemoryPublisher
	thread    *models.Thread
}

func newEnv(t *testing.T) *env {
	t.Helper()
	database := testutil.OpenStore(t)
	threads := db.NewThreadRepository(database)
	thread := &models.Thread{Surface: models.SurfaceMarket, ParticipantA: "buyer", ParticipantB: "seller"}
	require.NoError(t, threads.Create(context.Background(), thread))

	pub := events.NewInMemoryPublisher()
	return &env{
		store:     messaging.NewStore(threads, db.NewMessageRepository(database), messaging.Config{}, messaging.WithPublisher(pub)),
		publisher: pub,
		thread:    thread,
	}
}

func (e *env) send(t *testing.T, sender, body string) *models.Message {
	t.Helper()
	msg, err := e.store.Append(context.Background(), messaging.AppendRequest{ThreadID: e.thread.ID, SenderID: sender, Body: body})
	require.NoError(t, err)
	return msg
}

func captureInvalidations(t *testing.T, pub *events.InMemoryPublisher) *[]models.UnreadInvalidatedPayload {
	t.Helper()
	var got []models.UnreadInvalidatedPayload
	require.NoError(t, pub.Subscribe("capture", events.Filter{EventTypes: []models.EventType{models.EventTypeUnreadInvalidated}}, func(e *models.Event) {
		var p models.UnreadInvalidatedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		require.Equal(t, p.RecipientID, e.EntityID)
		got = append(got, p)
	}))
	return &got
}

func TestTracker_OnThreadOpened(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	signals := captureInvalidations(t, e.publisher)
	tracker := NewTracker(e.store, WithPublisher(e.publisher))

	e.send(t, "buyer", "hello")
	e.send(t, "buyer", "anyone?")
	e.send(t, "seller", "hi")

	n, err := tracker.OnThreadOpened(ctx, e.thread.ID, "seller")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Len(t, *signals, 1)
	require.Equal(t, models.UnreadInvalidatedPayload{ThreadID: e.thread.ID, RecipientID: "seller", Marked: 2}, (*signals)[0])

	// Nothing left to mark: no signal.
	n, err = tracker.OnThreadOpened(ctx, e.thread.ID, "seller")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, *signals, 1)

	// The buyer's unread message is untouched.
	counts, err := tracker.UnreadCounts(ctx, "buyer")
	require.NoError(t, err)
	require.Equal(t, 1, counts[e.thread.ID])
}

func TestTracker_OnNewMessagesMerged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	signals := captureInvalidations(t, e.publisher)
	tracker := NewTracker(e.store, WithPublisher(e.publisher))

	own := e.send(t, "seller", "mine")
	tracker.OnNewMessagesMerged(ctx, e.thread.ID, "seller", []models.Message{*own})
	require.Empty(t, *signals)

	incoming := e.send(t, "buyer", "theirs")
	tracker.OnNewMessagesMerged(ctx, e.thread.ID, "seller", []models.Message{*own, *incoming})
	require.Len(t, *signals, 1)
	require.Equal(t, incoming.ID, (*signals)[0].MessageID)

	all, err := e.store.FetchAll(ctx, e.thread.ID)
	require.NoError(t, err)
	require.True(t, all[1].Read)
	require.False(t, all[0].Read)
}

type failingStore struct{ Store }

func (failingStore) MarkRead(context.Context, string, string) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestTracker_MergeFailureIsSwallowed(t *testing.T) {
	tracker := NewTracker(failingStore{})
	tracker.OnNewMessagesMerged(context.Background(), "t-1", "seller", []models.Message{{ID: "m-1", SenderID: "buyer"}})

	_, err := tracker.OnThreadOpened(context.Background(), "t-1", "seller")
	require.Error(t, err)
}

func TestTracker_BadgeCache(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	cache := NewMemoryBadgeCache(time.Minute)
	tracker := NewTracker(e.store, WithPublisher(e.publisher), WithBadgeCache(cache))
	detach, err := tracker.Attach(e.publisher)
	require.NoError(t, err)
	defer detach()

	e.send(t, "buyer", "one")
	counts, err := tracker.UnreadCounts(ctx, "seller")
	require.NoError(t, err)
	require.Equal(t, 1, counts[e.thread.ID])

	cached, ok, err := cache.Get(ctx, "seller")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, counts, cached)

	// A new message drops the recipient's badge.
	e.send(t, "buyer", "two")
	_, ok, _ = cache.Get(ctx, "seller")
	require.False(t, ok)

	counts, err = tracker.UnreadCounts(ctx, "seller")
	require.NoError(t, err)
	require.Equal(t, 2, counts[e.thread.ID])

	// Reading drops it again.
	_, err = tracker.OnThreadOpened(ctx, e.thread.ID, "seller")
	require.NoError(t, err)
	_, ok, _ = cache.Get(ctx, "seller")
	require.False(t, ok)

	counts, err = tracker.UnreadCounts(ctx, "seller")
	require.NoError(t, err)
	require.Zero(t, counts[e.thread.ID])
}

func TestMemoryBadgeCache_Expiry(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryBadgeCache(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "v", map[string]int{"t": 3}))
	got, ok, err := cache.Get(ctx, "v")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got["t"])

	now = now.Add(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "v")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisBadgeCache(t *testing.T) {
	addr := testutil.RequireRedis(t)
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	cache := NewRedisBadgeCache(client, time.Minute)
	viewer := "viewer-" + time.Now().Format("150405.000000")
	defer func() { _ = cache.Invalidate(ctx, viewer) }()

	_, ok, err := cache.Get(ctx, viewer)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, viewer, map[string]int{}))
	got, ok, err := cache.Get(ctx, viewer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got)

	require.NoError(t, cache.Set(ctx, viewer, map[string]int{"t-1": 4}))
	got, ok, err = cache.Get(ctx, viewer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, map[string]int{"t-1": 4}, got)

	require.NoError(t, cache.Invalidate(ctx, viewer))
	_, ok, err = cache.Get(ctx, viewer)
	require.NoError(t, err)
	require.False(t, ok)
}
