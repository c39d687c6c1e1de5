package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/db"
	"github.com/tOgg1/parley/internal/events"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/support"
	"github.com/tOgg1/parley/internal/testutil"
)

type fixture struct {
	store     *Store
	threads   *db.ThreadRepository
	messages  *db.MessageRepository
	publisher *events.InMemoryPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := testutil.OpenStore(t)
	f := &fixture{
		threads:   db.NewThreadRepository(database),
		messages:  db.NewMessageRepository(database),
		publisher: events.NewInMemoryPublisher(),
	}
	f.store = NewStore(f.threads, f.messages, Config{MaxBodyBytes: 64},
		WithPublisher(f.publisher),
		WithReopener(support.NewMachine(f.threads, f.publisher, nil)),
	)
	return f
}

func (f *fixture) thread(t *testing.T, surface models.Surface, a, b string) *models.Thread {
	t.Helper()
	thread := &models.Thread{Surface: surface, ParticipantA: a, ParticipantB: b}
	require.NoError(t, f.threads.Create(context.Background(), thread))
	return thread
}

func TestStore_AppendAndFetch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	thread := f.thread(t, models.SurfaceMarket, "buyer", "seller")

	var created []models.MessageCreatedPayload
	require.NoError(t, f.publisher.Subscribe("test", events.Filter{EventTypes: []models.EventType{models.EventTypeMessageCreated}}, func(e *models.Event) {
		var p models.MessageCreatedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		created = append(created, p)
	}))

	first, err := f.store.Append(ctx, AppendRequest{ThreadID: thread.ID, SenderID: "Buyer", Body: "  is this available?  "})
	require.NoError(t, err)
	require.Equal(t, "buyer", first.SenderID)
	require.Equal(t, "seller", first.RecipientID)
	require.Equal(t, "is this available?", first.Body)
	require.False(t, first.Read)

	second, err := f.store.Append(ctx, AppendRequest{ThreadID: thread.ID, SenderID: "seller", Body: "yes"})
	require.NoError(t, err)
	require.True(t, first.Before(*second))

	all, err := f.store.FetchAll(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, first.ID, all[0].ID)

	since, err := f.store.FetchSince(ctx, thread.ID, first.SentAt)
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, second.ID, since[0].ID)

	none, err := f.store.FetchSince(ctx, thread.ID, second.SentAt)
	require.NoError(t, err)
	require.Empty(t, none)

	require.Len(t, created, 2)
	require.Equal(t, thread.ID, created[0].ThreadID)
	require.Equal(t, "seller", created[0].RecipientID)
	require.Equal(t, second.ID, created[1].MessageID)
}

func TestStore_AppendRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	thread := f.thread(t, models.SurfaceMarket, "buyer", "seller")

	tests := []struct {
		name string
		req  AppendRequest
		want error
	}{
		{"empty body", AppendRequest{ThreadID: thread.ID, SenderID: "buyer", Body: " \n\t "}, models.ErrInvalidMessage},
		{"oversized body", AppendRequest{ThreadID: thread.ID, SenderID: "buyer", Body: strings.Repeat("x", 65)}, models.ErrInvalidMessage},
		{"outsider", AppendRequest{ThreadID: thread.ID, SenderID: "mallory", Body: "hi"}, models.ErrInvalidMessage},
		{"unknown thread", AppendRequest{ThreadID: "missing", SenderID: "buyer", Body: "hi"}, models.ErrThreadNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := f.store.Append(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
			require.Nil(t, msg)
		})
	}

	all, err := f.store.FetchAll(ctx, thread.ID)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestStore_AppendIdempotentWithClientMsgID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	thread := f.thread(t, models.SurfaceMarket, "buyer", "seller")

	var signals int
	require.NoError(t, f.publisher.Subscribe("test", events.Filter{EventTypes: []models.EventType{models.EventTypeMessageCreated}}, func(*models.Event) {
		signals++
	}))

	req := AppendRequest{ThreadID: thread.ID, SenderID: "buyer", Body: "offer 20", ClientMsgID: "draft-1"}
	first, err := f.store.Append(ctx, req)
	require.NoError(t, err)
	again, err := f.store.Append(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 1, signals)

	all, err := f.store.FetchAll(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestStore_MarkReadIsRecipientScoped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	thread := f.thread(t, models.SurfaceMarket, "buyer", "seller")

	for _, sender := range []string{"buyer", "seller", "buyer"} {
		_, err := f.store.Append(ctx, AppendRequest{ThreadID: thread.ID, SenderID: sender, Body: "msg from " + sender})
		require.NoError(t, err)
	}

	counts, err := f.store.UnreadCounts(ctx, "seller")
	require.NoError(t, err)
	require.Equal(t, 2, counts[thread.ID])

	n, err := f.store.MarkRead(ctx, thread.ID, "seller")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = f.store.MarkRead(ctx, thread.ID, "seller")
	require.NoError(t, err)
	require.Zero(t, n)

	all, err := f.store.FetchAll(ctx, thread.ID)
	require.NoError(t, err)
	for _, msg := range all {
		require.Equal(t, msg.RecipientID == "seller", msg.Read, msg.Body)
	}

	_, err = f.store.MarkRead(ctx, thread.ID, "mallory")
	require.ErrorIs(t, err, models.ErrNotParticipant)
}

func TestStore_SupportAssigneeSpeaksForDesk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	thread := f.thread(t, models.SurfaceSupport, "visitor", "desk")
	machine := support.NewMachine(f.threads, nil, nil)
	_, err := machine.Transition(ctx, thread.ID, models.ThreadStatusActive, "agent-1")
	require.NoError(t, err)

	_, err = f.store.Append(ctx, AppendRequest{ThreadID: thread.ID, SenderID: "visitor", Body: "help"})
	require.NoError(t, err)
	reply, err := f.store.Append(ctx, AppendRequest{ThreadID: thread.ID, SenderID: "agent-1", Body: "on it"})
	require.NoError(t, err)
	require.Equal(t, "visitor", reply.RecipientID)

	n, err := f.store.MarkRead(ctx, thread.ID, "agent-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestStore_ResolvedSupportThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	thread := f.thread(t, models.SurfaceSupport, "visitor", "desk")
	machine := support.NewMachine(f.threads, nil, nil)
	_, err := machine.Transition(ctx, thread.ID, models.ThreadStatusActive, "agent-1")
	require.NoError(t, err)
	_, err = machine.Transition(ctx, thread.ID, models.ThreadStatusResolved, "agent-1")
	require.NoError(t, err)

	_, err = f.store.Append(ctx, AppendRequest{ThreadID: thread.ID, SenderID: "desk", Body: "anything else?"})
	require.ErrorIs(t, err, models.ErrThreadResolved)

	_, err = f.store.Append(ctx, AppendRequest{ThreadID: thread.ID, SenderID: "visitor", Body: "it broke again"})
	require.NoError(t, err)

	reopened, err := f.threads.Get(ctx, thread.ID)
	require.NoError(t, err)
	require.Equal(t, models.ThreadStatusPending, reopened.Status)
	require.Empty(t, reopened.AssigneeID)
}

type slowMessages struct {
	MessageRepository
}

func (slowMessages) Append(ctx context.Context, _ *models.Message) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

type brokenMessages struct {
	MessageRepository
}

func (brokenMessages) ListSince(context.Context, string, time.Time, int) ([]models.Message, error) {
	return nil, errors.New("connection reset")
}

func TestStore_FailureKinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	thread := f.thread(t, models.SurfaceMarket, "buyer", "seller")

	slow := NewStore(f.threads, slowMessages{}, Config{Timeout: 20 * time.Millisecond})
	_, err := slow.Append(ctx, AppendRequest{ThreadID: thread.ID, SenderID: "buyer", Body: "hi"})
	require.ErrorIs(t, err, models.ErrOutcomeUnknown)
	require.ErrorIs(t, err, models.ErrStoreUnavailable)

	broken := NewStore(f.threads, brokenMessages{}, Config{})
	_, err = broken.FetchSince(ctx, thread.ID, time.Time{})
	require.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestStore_Threads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.thread(t, models.SurfaceMarket, "buyer", "seller")
	f.thread(t, models.SurfaceMarket, "buyer", "other")
	f.thread(t, models.SurfaceMarket, "someone", "seller")

	threads, err := f.store.Threads(ctx, "BUYER", 0)
	require.NoError(t, err)
	require.Len(t, threads, 2)

	got, err := f.store.Thread(ctx, threads[0].ID)
	require.NoError(t, err)
	require.Equal(t, threads[0].ID, got.ID)
}
