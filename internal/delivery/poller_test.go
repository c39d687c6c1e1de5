package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/events"
	"github.com/tOgg1/parley/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	messages []models.Message
	failures int
	fetchAll int
	fetches  int
}

func (f *fakeStore) add(msg models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeStore) FetchAll(ctx context.Context, threadID string) ([]models.Message, error) {
	f.mu.Lock()
	f.fetchAll++
	f.mu.Unlock()
	return f.FetchSince(ctx, threadID, time.Time{})
}

func (f *fakeStore) FetchSince(_ context.Context, threadID string, since time.Time) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("store unavailable")
	}
	out := []models.Message{}
	for _, m := range f.messages {
		if m.ThreadID == threadID && m.SentAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type collector struct {
	mu      sync.Mutex
	batches [][]models.Message
}

func (c *collector) handle(msgs []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, msgs)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.batches {
		out = append(out, ids(b)...)
	}
	return out
}

func slowConfig() Config {
	return Config{Interval: time.Hour, FetchTimeout: time.Second}
}

func TestPoller_InitialSyncAndWake(t *testing.T) {
	store := &fakeStore{}
	store.add(msgAt("a", 1, 1))
	store.add(msgAt("b", 2, 2))

	got := &collector{}
	sub, err := NewPoller(store, slowConfig()).Subscribe(context.Background(), "t-1", got.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	<-sub.Ready()
	require.Equal(t, []string{"a", "b"}, got.ids())
	require.Equal(t, 1, store.fetchAll)

	store.add(msgAt("c", 3, 3))
	sub.Wake()
	require.Eventually(t, func() bool { return len(got.ids()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "b", "c"}, got.ids())
	require.Equal(t, base.Add(3), sub.Watermark())
}

func TestPoller_TickerResyncs(t *testing.T) {
	store := &fakeStore{}
	got := &collector{}
	sub, err := NewPoller(store, Config{Interval: 10 * time.Millisecond}).Subscribe(context.Background(), "t-1", got.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	<-sub.Ready()
	store.add(msgAt("a", 1, 1))
	require.Eventually(t, func() bool { return len(got.ids()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoller_NoDuplicateAfterOptimisticAppend(t *testing.T) {
	store := &fakeStore{}
	store.add(msgAt("a", 1, 1))

	got := &collector{}
	sub, err := NewPoller(store, slowConfig()).Subscribe(context.Background(), "t-1", got.handle)
	require.NoError(t, err)
	defer sub.Cancel()
	<-sub.Ready()

	// The counterpart's message is stored before ours but not yet fetched.
	theirs := msgAt("theirs", 2, 2)
	mine := msgAt("mine", 3, 3)
	store.add(theirs)
	store.add(mine)
	require.True(t, sub.AppendLocal(mine))
	require.Equal(t, base.Add(1), sub.Watermark())

	sub.Wake()
	require.Eventually(t, func() bool { return len(got.ids()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a", "theirs"}, got.ids())
	require.Equal(t, []string{"a", "theirs", "mine"}, ids(sub.Messages()))

	sub.Wake()
	require.Eventually(t, func() bool { return store.fetchCount() >= 3 }, time.Second, 5*time.Millisecond)
	require.Len(t, sub.Messages(), 3)
}

func TestPoller_FetchErrorsAreRetried(t *testing.T) {
	store := &fakeStore{failures: 2}
	store.add(msgAt("a", 1, 1))

	got := &collector{}
	sub, err := NewPoller(store, Config{Interval: 10 * time.Millisecond}).Subscribe(context.Background(), "t-1", got.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	<-sub.Ready()
	require.Empty(t, got.ids())
	require.Eventually(t, func() bool { return len(got.ids()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoller_PushWakesSubscription(t *testing.T) {
	store := &fakeStore{}
	pub := events.NewInMemoryPublisher()
	got := &collector{}
	sub, err := NewPoller(store, slowConfig(), WithPublisher(pub)).Subscribe(context.Background(), "t-1", got.handle)
	require.NoError(t, err)
	<-sub.Ready()
	require.Equal(t, 1, pub.SubscriberCount())

	store.add(msgAt("a", 1, 1))
	events.Emit(context.Background(), pub, models.EventTypeMessageCreated, models.EntityTypeThread, "t-1", nil)
	require.Eventually(t, func() bool { return len(got.ids()) == 1 }, time.Second, 5*time.Millisecond)

	// Pushes for other threads are ignored.
	before := store.fetchCount()
	events.Emit(context.Background(), pub, models.EventTypeMessageCreated, models.EntityTypeThread, "t-2", nil)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, before, store.fetchCount())

	sub.Cancel()
	require.Zero(t, pub.SubscriberCount())
}

func TestPoller_CancelIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	got := &collector{}
	sub, err := NewPoller(store, Config{Interval: 5 * time.Millisecond}).Subscribe(context.Background(), "t-1", got.handle)
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription still running after Cancel")
	}

	store.add(msgAt("a", 1, 1))
	time.Sleep(30 * time.Millisecond)
	require.Empty(t, got.ids())
}

func TestPoller_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := NewPoller(&fakeStore{}, slowConfig()).Subscribe(ctx, "t-1", nil)
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop on context cancel")
	}
}

func TestPoller_RequiresThread(t *testing.T) {
	_, err := NewPoller(&fakeStore{}, Config{}).Subscribe(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrThreadRequired)
}

func TestPoller_WithWatermarkSkipsHistory(t *testing.T) {
	store := &fakeStore{}
	store.add(msgAt("a", 1, 1))
	store.add(msgAt("b", 2, 2))

	got := &collector{}
	sub, err := NewPoller(store, slowConfig()).Subscribe(context.Background(), "t-1", got.handle, WithWatermark(base.Add(1)))
	require.NoError(t, err)
	defer sub.Cancel()
	<-sub.Ready()

	require.Equal(t, []string{"b"}, got.ids())
	require.Zero(t, store.fetchAll)
}

type markerCall struct {
	threadID, viewerID string
	ids                []string
}

type fakeMarker struct {
	mu    sync.Mutex
	calls []markerCall
}

func (m *fakeMarker) OnNewMessagesMerged(_ context.Context, threadID, viewerID string, msgs []models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, markerCall{threadID: threadID, viewerID: viewerID, ids: ids(msgs)})
}

func TestPoller_ReadReceipts(t *testing.T) {
	store := &fakeStore{}
	store.add(msgAt("a", 1, 1))
	marker := &fakeMarker{}

	sub, err := NewPoller(store, slowConfig()).Subscribe(context.Background(), "t-1", nil, WithReadReceipts(marker, "seller"))
	require.NoError(t, err)
	defer sub.Cancel()
	<-sub.Ready()

	marker.mu.Lock()
	defer marker.mu.Unlock()
	require.Len(t, marker.calls, 1)
	require.Equal(t, markerCall{threadID: "t-1", viewerID: "seller", ids: []string{"a"}}, marker.calls[0])
}

func TestSlot_SwitchingCancelsPrevious(t *testing.T) {
	store := &fakeStore{}
	pub := events.NewInMemoryPublisher()
	slot := NewSlot(NewPoller(store, slowConfig(), WithPublisher(pub)))

	first, err := slot.Open(context.Background(), "t-1", nil)
	require.NoError(t, err)
	second, err := slot.Open(context.Background(), "t-2", nil)
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("previous subscription still running")
	}
	require.Same(t, second, slot.Current())
	require.Equal(t, "t-2", slot.Current().ThreadID())
	require.Equal(t, 1, pub.SubscriberCount())

	slot.Close()
	slot.Close()
	<-second.Done()
	require.Nil(t, slot.Current())
	require.Zero(t, pub.SubscriberCount())
}
