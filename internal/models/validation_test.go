package models

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorsIs(t *testing.T) {
	validation := &ValidationErrors{}
	validation.Add("participant_a", ErrInvalidParticipant)

	err := validation.Err()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidParticipant))
	require.False(t, errors.Is(err, ErrInvalidContext))
}

func TestValidationErrorsNestedFields(t *testing.T) {
	nested := &ValidationErrors{}
	nested.AddMessage("key", "context key is required")

	validation := &ValidationErrors{}
	validation.Add("context", nested)

	var list *ValidationErrors
	require.True(t, errors.As(validation.Err(), &list))
	require.Len(t, list.Errors, 1)
	require.Equal(t, "context.key", list.Errors[0].Field)
}

func TestValidationErrorsEmpty(t *testing.T) {
	validation := &ValidationErrors{}
	validation.Add("field", nil)
	validation.AddMessage("field", "")
	require.NoError(t, validation.Err())
}

func TestNormalizeParticipantID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "Alice", want: "alice"},
		{in: "  bob@example.com ", want: "bob@example.com"},
		{in: "desk:billing", want: "desk:billing"},
		{in: "", wantErr: true},
		{in: "-leading", wantErr: true},
		{in: "has space", wantErr: true},
		{in: strings.Repeat("a", MaxParticipantIDLength+1), wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeParticipantID(tt.in)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidParticipant, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestNormalizeContextKey(t *testing.T) {
	key, err := NormalizeContextKey("  listing/42 ")
	require.NoError(t, err)
	require.Equal(t, "listing/42", key)

	key, err = NormalizeContextKey("")
	require.NoError(t, err)
	require.Empty(t, key)

	_, err = NormalizeContextKey("bad key!")
	require.ErrorIs(t, err, ErrInvalidContext)
}

func TestNormalizeBody(t *testing.T) {
	body, err := NormalizeBody("  hi there \n", 0)
	require.NoError(t, err)
	require.Equal(t, "hi there", body)

	_, err = NormalizeBody(" \n\t ", 0)
	require.ErrorIs(t, err, ErrInvalidMessage)

	_, err = NormalizeBody(strings.Repeat("x", 11), 10)
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestThreadSeatAndCounterpart(t *testing.T) {
	thread := &Thread{
		Surface:      SurfaceSupport,
		ParticipantA: "visitor",
		ParticipantB: "desk",
		AssigneeID:   "worker",
	}

	seat, ok := thread.Seat("worker")
	require.True(t, ok)
	require.Equal(t, "desk", seat)

	to, ok := thread.Counterpart("worker")
	require.True(t, ok)
	require.Equal(t, "visitor", to)

	to, ok = thread.Counterpart("visitor")
	require.True(t, ok)
	require.Equal(t, "desk", to)

	_, ok = thread.Seat("stranger")
	require.False(t, ok)

	market := &Thread{Surface: SurfaceMarket, ParticipantA: "buyer", ParticipantB: "seller", AssigneeID: "worker"}
	_, ok = market.Seat("worker")
	require.False(t, ok)
}

func TestThreadValidate(t *testing.T) {
	thread := &Thread{Surface: SurfaceMarket, ParticipantA: "a", ParticipantB: "a"}
	require.Error(t, thread.Validate())

	thread.ParticipantB = "b"
	require.NoError(t, thread.Validate())

	thread.Surface = "mail"
	require.Error(t, thread.Validate())
}

func TestMessageBefore(t *testing.T) {
	now := time.Now()
	a := Message{SentAt: now, Seq: 1}
	b := Message{SentAt: now, Seq: 2}
	c := Message{SentAt: now.Add(time.Nanosecond), Seq: 0}

	require.True(t, a.Before(b))
	require.False(t, b.Before(a))
	require.True(t, b.Before(c))
}

func TestStoreErrorKeepsDomainKinds(t *testing.T) {
	require.ErrorIs(t, StoreError("append", ErrThreadNotFound), ErrThreadNotFound)
	require.ErrorIs(t, StoreError("append", errors.New("disk I/O error")), ErrStoreUnavailable)
	require.NoError(t, StoreError("append", nil))
	require.ErrorIs(t, ErrOutcomeUnknown, ErrStoreUnavailable)
}
