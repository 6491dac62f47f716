package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenStore(t *testing.T, ttl time.Duration) *TokenStore {
	t.Helper()
	ts := NewTokenStore(TokenConfig{TTL: ttl, SweepInterval: time.Hour})
	t.Cleanup(ts.Stop)
	return ts
}

func TestTokenIssueAndVerify(t *testing.T) {
	ts := newTestTokenStore(t, time.Minute)

	token, err := ts.Issue("")
	require.NoError(t, err)
	assert.Len(t, token, 64, "32 random bytes hex encoded")

	assert.NoError(t, ts.Verify(token, ""))
	// Tokens are not consumed on use; replay within TTL is accepted.
	assert.NoError(t, ts.Verify(token, ""))
}

func TestTokenVerifyFailureModes(t *testing.T) {
	ts := newTestTokenStore(t, time.Minute)

	assert.ErrorIs(t, ts.Verify("", ""), ErrTokenMissing)
	assert.ErrorIs(t, ts.Verify("deadbeef", ""), ErrTokenInvalid)
}

func TestTokenExpiry(t *testing.T) {
	ts := newTestTokenStore(t, 50*time.Millisecond)

	token, err := ts.Issue("")
	require.NoError(t, err)
	assert.NoError(t, ts.Verify(token, ""))

	time.Sleep(80 * time.Millisecond)
	assert.ErrorIs(t, ts.Verify(token, ""), ErrTokenExpired)
	// The expired token was dropped on the failed check.
	assert.ErrorIs(t, ts.Verify(token, ""), ErrTokenInvalid)
}

func TestTokenIdentityBinding(t *testing.T) {
	ts := newTestTokenStore(t, time.Minute)

	token, err := ts.Issue("alice")
	require.NoError(t, err)

	assert.NoError(t, ts.Verify(token, "alice"))
	assert.ErrorIs(t, ts.Verify(token, "bob"), ErrIdentityMismatch)
	// An anonymous request cannot prove a mismatch; the permissive original
	// behavior is kept.
	assert.NoError(t, ts.Verify(token, ""))
}

func TestUnboundTokenVerifiesForAnyIdentity(t *testing.T) {
	ts := newTestTokenStore(t, time.Minute)

	token, err := ts.Issue("")
	require.NoError(t, err)

	assert.NoError(t, ts.Verify(token, "alice"))
	assert.NoError(t, ts.Verify(token, "bob"))
}

func TestTokenSweep(t *testing.T) {
	ts := newTestTokenStore(t, 50*time.Millisecond)

	for i := 0; i < 10; i++ {
		_, err := ts.Issue("")
		require.NoError(t, err)
	}
	assert.Equal(t, 10, ts.Len())

	time.Sleep(80 * time.Millisecond)
	ts.Sweep()
	assert.Equal(t, 0, ts.Len())

	// Second sweep with no new events changes nothing.
	before := ts.GetStats()
	ts.Sweep()
	assert.Equal(t, before.SweptCount, ts.GetStats().SweptCount)
}

func TestTokensAreUnique(t *testing.T) {
	ts := newTestTokenStore(t, time.Minute)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := ts.Issue("")
		require.NoError(t, err)
		assert.False(t, seen[token])
		seen[token] = true
	}
}
