package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/models"
)

// hubTransport is an in-process stand-in for Redis/NATS.
type hubTransport struct {
	mu             sync.Mutex
	subs           map[int]func([]byte)
	next           int
	failSubscribes int32
	published      int32
}

func newHubTransport() *hubTransport {
	return &hubTransport{subs: make(map[int]func([]byte))}
}

func (h *hubTransport) Publish(_ context.Context, _ string, data []byte) error {
	atomic.AddInt32(&h.published, 1)
	h.mu.Lock()
	handlers := make([]func([]byte), 0, len(h.subs))
	for _, fn := range h.subs {
		handlers = append(handlers, fn)
	}
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
	return nil
}

func (h *hubTransport) Subscribe(_ context.Context, _ string, handler func([]byte)) (func() error, error) {
	if atomic.AddInt32(&h.failSubscribes, -1) >= 0 {
		return nil, errors.New("connection refused")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = handler
	return func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
		return nil
	}, nil
}

func (h *hubTransport) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type recorder struct {
	mu     sync.Mutex
	events []*models.Event
}

func (r *recorder) handle(event *models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() *models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestBridge_RelaysBetweenProcesses(t *testing.T) {
	hub := newHubTransport()
	ctx := context.Background()

	pubA := NewInMemoryPublisher()
	pubB := NewInMemoryPublisher()
	bridgeA := NewBridge(pubA, hub, BridgeConfig{Origin: "node-a"})
	bridgeB := NewBridge(pubB, hub, BridgeConfig{Origin: "node-b"})
	require.NoError(t, bridgeA.Start(ctx))
	require.NoError(t, bridgeB.Start(ctx))
	defer bridgeA.Stop()
	defer bridgeB.Stop()

	require.Eventually(t, func() bool { return hub.subscriberCount() == 2 }, time.Second, 5*time.Millisecond)

	onA, onB := &recorder{}, &recorder{}
	require.NoError(t, pubA.Subscribe("rec", Filter{}, onA.handle))
	require.NoError(t, pubB.Subscribe("rec", Filter{}, onB.handle))

	Emit(ctx, pubA, models.EventTypeMessageCreated, models.EntityTypeThread, "thread-1", models.MessageCreatedPayload{MessageID: "m1"})

	require.Eventually(t, func() bool { return onB.count() == 1 }, time.Second, 5*time.Millisecond)
	got := onB.last()
	require.Equal(t, models.EventTypeMessageCreated, got.Type)
	require.Equal(t, "thread-1", got.EntityID)
	require.Equal(t, "node-a", got.Metadata[MetadataOrigin])

	// No echo back to A and no re-export from B.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, onA.count())
	require.Nil(t, onA.last().Metadata)
	require.EqualValues(t, 1, atomic.LoadInt32(&hub.published))
}

func TestBridge_RetriesSubscribe(t *testing.T) {
	hub := newHubTransport()
	hub.failSubscribes = 2

	bridge := NewBridge(NewInMemoryPublisher(), hub, BridgeConfig{Origin: "node-a", ReconnectInterval: 5 * time.Millisecond})
	require.NoError(t, bridge.Start(context.Background()))

	require.Eventually(t, func() bool { return hub.subscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	bridge.Stop()
	require.Zero(t, hub.subscriberCount())
	bridge.Stop()
}

func TestBridge_StartTwice(t *testing.T) {
	bridge := NewBridge(NewInMemoryPublisher(), newHubTransport(), BridgeConfig{Origin: "node-a"})
	require.NoError(t, bridge.Start(context.Background()))
	defer bridge.Stop()
	require.ErrorIs(t, bridge.Start(context.Background()), ErrBridgeRunning)

	noOrigin := NewBridge(NewInMemoryPublisher(), newHubTransport(), BridgeConfig{})
	require.Error(t, noOrigin.Start(context.Background()))
}
