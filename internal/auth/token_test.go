package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := NewAuthenticator("secret", "parley", time.Hour)

	token, err := a.GenerateToken("Buyer-1")
	require.NoError(t, err)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "buyer-1", claims.ParticipantID())
	require.Equal(t, "parley", claims.Issuer)
}

func TestAuthenticator_Roles(t *testing.T) {
	a := NewAuthenticator("secret", "parley", time.Hour)

	token, err := a.GenerateToken("agent-7", RoleAgent)
	require.NoError(t, err)
	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	require.True(t, claims.HasRole(RoleAgent))

	token, err = a.GenerateToken("visitor-1")
	require.NoError(t, err)
	claims, err = a.ValidateToken(token)
	require.NoError(t, err)
	require.False(t, claims.HasRole(RoleAgent))
}

func TestAuthenticator_Rejects(t *testing.T) {
	a := NewAuthenticator("secret", "parley", time.Hour)
	token, err := a.GenerateToken("buyer")
	require.NoError(t, err)

	_, err = NewAuthenticator("other", "parley", time.Hour).ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewAuthenticator("secret", "someone-else", time.Hour).ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.ValidateToken("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.GenerateToken("bad id")
	require.Error(t, err)

	_, err = NewAuthenticator("", "", 0).GenerateToken("buyer")
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestAuthenticator_Expired(t *testing.T) {
	a := NewAuthenticator("secret", "", time.Minute)
	issued := time.Now().Add(-time.Hour)
	a.now = func() time.Time { return issued }
	token, err := a.GenerateToken("buyer")
	require.NoError(t, err)

	a.now = time.Now
	_, err = a.ValidateToken(token)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		require.Equal(t, tt.ok, ok, tt.header)
		require.Equal(t, tt.want, got, tt.header)
	}
}
