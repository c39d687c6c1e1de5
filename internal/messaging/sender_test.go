package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/parley/internal/models"
)

type scriptedAppender struct {
	errs     []error
	requests []AppendRequest
}

func (a *scriptedAppender) Append(_ context.Context, req AppendRequest) (*models.Message, error) {
	a.requests = append(a.requests, req)
	if n := len(a.requests); n <= len(a.errs) && a.errs[n-1] != nil {
		return nil, a.errs[n-1]
	}
	return &models.Message{ID: "m-1", ThreadID: req.ThreadID, Body: req.Body, ClientMsgID: req.ClientMsgID}, nil
}

func TestSender_RetriesWithSameClientMsgID(t *testing.T) {
	appender := &scriptedAppender{errs: []error{
		fmt.Errorf("%w: deadline exceeded", models.ErrOutcomeUnknown),
		fmt.Errorf("%w: database is locked", models.ErrStoreUnavailable),
	}}
	sender := NewSender(appender, SenderConfig{MaxAttempts: 3, Backoff: time.Millisecond})

	msg, err := sender.Send(context.Background(), AppendRequest{ThreadID: "t-1", SenderID: "a", Body: "hello"})
	require.NoError(t, err)
	require.Equal(t, "m-1", msg.ID)
	require.Len(t, appender.requests, 3)
	require.NotEmpty(t, appender.requests[0].ClientMsgID)
	for _, req := range appender.requests {
		require.Equal(t, appender.requests[0].ClientMsgID, req.ClientMsgID)
	}
}

func TestSender_Failures(t *testing.T) {
	unavailable := fmt.Errorf("%w: connection refused", models.ErrStoreUnavailable)

	tests := []struct {
		name         string
		errs         []error
		wantAttempts int
		wantKind     error
	}{
		{"exhausted", []error{unavailable, unavailable, unavailable}, 3, models.ErrStoreUnavailable},
		{"not retried", []error{fmt.Errorf("%w: body is empty", models.ErrInvalidMessage)}, 1, models.ErrInvalidMessage},
		{"resolved thread", []error{models.ErrThreadResolved}, 1, models.ErrThreadResolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appender := &scriptedAppender{errs: tt.errs}
			sender := NewSender(appender, SenderConfig{MaxAttempts: 3, Backoff: time.Millisecond})

			msg, err := sender.Send(context.Background(), AppendRequest{ThreadID: "t-1", SenderID: "a", Body: "keep me", ClientMsgID: "c-1"})
			require.Nil(t, msg)
			require.ErrorIs(t, err, tt.wantKind)

			var sendErr *SendError
			require.True(t, errors.As(err, &sendErr))
			require.Equal(t, "keep me", sendErr.Draft)
			require.Equal(t, "c-1", sendErr.ClientMsgID)
			require.Equal(t, tt.wantAttempts, sendErr.Attempts)
			require.Len(t, appender.requests, tt.wantAttempts)
		})
	}
}

func TestSender_StopsOnCancel(t *testing.T) {
	appender := &scriptedAppender{errs: []error{models.ErrStoreUnavailable, models.ErrStoreUnavailable}}
	sender := NewSender(appender, SenderConfig{MaxAttempts: 5, Backoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sender.Send(ctx, AppendRequest{ThreadID: "t-1", SenderID: "a", Body: "hi"})
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, 1, sendErr.Attempts)
}
