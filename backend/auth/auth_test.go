package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T, secret string, ttl time.Duration) *Authenticator {
	a, err := NewAuthenticator(Config{Secret: []byte(secret), Issuer: "callroom", TokenTTL: ttl})
	require.NoError(t, err)
	return a
}

func TestIssueVerify(t *testing.T) {
	a := newTestAuthenticator(t, "secret", time.Minute)
	p := model.Participant{ID: 42, Username: "alice", FirstName: "Alice", AvatarURL: "https://a/b.png"}

	token, err := a.Issue(p)
	require.NoError(t, err)

	got, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestVerifyRejects(t *testing.T) {
	a := newTestAuthenticator(t, "secret", time.Minute)

	t.Run("empty", func(t *testing.T) {
		_, err := a.Verify("")
		require.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := a.Verify("not-a-token")
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("foreign secret", func(t *testing.T) {
		other := newTestAuthenticator(t, "other-secret", time.Minute)
		token, err := other.Issue(model.Participant{ID: 1})
		require.NoError(t, err)
		_, err = a.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired := newTestAuthenticator(t, "secret", -time.Minute)
		token, err := expired.Issue(model.Participant{ID: 1})
		require.NoError(t, err)
		_, err = a.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("foreign issuer", func(t *testing.T) {
		other, err := NewAuthenticator(Config{Secret: []byte("secret"), Issuer: "someone-else"})
		require.NoError(t, err)
		token, err := other.Issue(model.Participant{ID: 1})
		require.NoError(t, err)
		_, err = a.Verify(token)
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNoSecret(t *testing.T) {
	_, err := NewAuthenticator(Config{})
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/calls/abc?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	require.Equal(t, "q", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws/calls/abc", nil)
	r.Header.Set("Authorization", "bearer h")
	require.Equal(t, "h", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws/calls/abc", nil)
	r.Header.Set("Authorization", "Basic xyz")
	require.Equal(t, "", TokenFromRequest(r))
}
