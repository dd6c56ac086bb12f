package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatbridge/internal/apperr"
	"chatbridge/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setup(t *testing.T) (*Authenticator, *auth.Issuer, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	issuer := auth.NewIssuer("session-test", 30*time.Minute, time.Hour, auth.NewMemoryRevocationStore(), nil, auth.WithClock(c.Now))
	return NewAuthenticator(issuer), issuer, c
}

func bearer(t *testing.T, issuer *auth.Issuer, userID uint, name string) string {
	t.Helper()
	at, err := issuer.IssueAccess(auth.Principal{UserID: userID, DisplayName: name})
	require.NoError(t, err)
	return at.Token
}

func TestHandshake_BindsIdentity(t *testing.T) {
	a, issuer, _ := setup(t)
	ctx := context.Background()
	token := bearer(t, issuer, 7, "yuna")

	id, err := a.Handshake(ctx, "c1", "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, uint(7), id.UserID)
	assert.Equal(t, "yuna", id.DisplayName)
	assert.Equal(t, StateAuthenticated, a.State("c1"))

	restored, err := a.Restore(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, id, restored)
}

func TestHandshake_Rejects(t *testing.T) {
	a, issuer, c := setup(t)
	ctx := context.Background()
	stale := bearer(t, issuer, 1, "old")
	c.Advance(time.Hour)

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"missing header", "", apperr.ErrUnauthenticated},
		{"wrong scheme", "Basic dXNlcjpwYXNz", apperr.ErrUnauthenticated},
		{"garbage", "Bearer not-a-token", apperr.ErrInvalidCredential},
		{"expired", "Bearer " + stale, apperr.ErrCredentialExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connID := "conn-" + tt.name
			_, err := a.Handshake(ctx, connID, tt.header)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, StateUnauthenticated, a.State(connID))

			_, err = a.Restore(ctx, connID)
			assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
		})
	}
}

func TestRestore_IsolatesConnections(t *testing.T) {
	a, issuer, _ := setup(t)
	ctx := context.Background()

	_, err := a.Handshake(ctx, "alice-conn", "Bearer "+bearer(t, issuer, 1, "alice"))
	require.NoError(t, err)
	_, err = a.Handshake(ctx, "bob-conn", "Bearer "+bearer(t, issuer, 2, "bob"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id, err := a.Restore(ctx, "alice-conn")
			assert.NoError(t, err)
			assert.Equal(t, uint(1), id.UserID)
		}()
		go func() {
			defer wg.Done()
			id, err := a.Restore(ctx, "bob-conn")
			assert.NoError(t, err)
			assert.Equal(t, uint(2), id.UserID)
		}()
	}
	wg.Wait()
}

func TestRestore_UnknownAndClosed(t *testing.T) {
	a, issuer, _ := setup(t)
	ctx := context.Background()

	_, err := a.Restore(ctx, "never-opened")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	assert.Equal(t, StateClosed, a.State("never-opened"))

	_, err = a.Handshake(ctx, "c1", "Bearer "+bearer(t, issuer, 3, "c"))
	require.NoError(t, err)
	a.Close("c1")

	_, err = a.Restore(ctx, "c1")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	assert.Equal(t, StateClosed, a.State("c1"))
	assert.Zero(t, a.Len())
}

func TestRestore_RevokedMidSession(t *testing.T) {
	a, issuer, _ := setup(t)
	ctx := context.Background()
	token := bearer(t, issuer, 4, "d")

	_, err := a.Handshake(ctx, "c1", "Bearer "+token)
	require.NoError(t, err)
	require.NoError(t, issuer.Revoke(ctx, token))

	_, err = a.Restore(ctx, "c1")
	assert.ErrorIs(t, err, apperr.ErrCredentialRevoked)
	assert.Equal(t, StateAuthenticated, a.State("c1"))
}

func TestRestore_ExpiredMidSession(t *testing.T) {
	a, issuer, c := setup(t)
	ctx := context.Background()

	_, err := a.Handshake(ctx, "c1", "Bearer "+bearer(t, issuer, 5, "e"))
	require.NoError(t, err)
	c.Advance(31 * time.Minute)

	_, err = a.Restore(ctx, "c1")
	assert.ErrorIs(t, err, apperr.ErrCredentialExpired)
}

type countingValidator struct {
	Validator
	calls atomic.Int32
}

func (v *countingValidator) ValidateAccess(ctx context.Context, token string) (*auth.Claims, error) {
	v.calls.Add(1)
	return v.Validator.ValidateAccess(ctx, token)
}

func TestRestore_ExpiryCheckedBeforeValidation(t *testing.T) {
	c := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	issuer := auth.NewIssuer("session-test", 30*time.Minute, time.Hour, auth.NewMemoryRevocationStore(), nil, auth.WithClock(c.Now))
	v := &countingValidator{Validator: issuer}
	a := NewAuthenticator(v, WithClock(c.Now))
	ctx := context.Background()

	id, err := a.Handshake(ctx, "c1", "Bearer "+bearer(t, issuer, 8, "g"))
	require.NoError(t, err)
	assert.WithinDuration(t, c.Now().Add(30*time.Minute), id.ExpiresAt, time.Second)

	_, err = a.Restore(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int32(2), v.calls.Load())

	c.Advance(30 * time.Minute)
	_, err = a.Restore(ctx, "c1")
	assert.ErrorIs(t, err, apperr.ErrCredentialExpired)
	assert.Equal(t, int32(2), v.calls.Load())
}

func TestRebind(t *testing.T) {
	a, issuer, c := setup(t)
	ctx := context.Background()

	_, err := a.Handshake(ctx, "c1", "Bearer "+bearer(t, issuer, 6, "f"))
	require.NoError(t, err)
	c.Advance(31 * time.Minute)

	_, err = a.Rebind(ctx, "c1", "Bearer "+bearer(t, issuer, 99, "intruder"))
	assert.ErrorIs(t, err, apperr.ErrInvalidCredential)

	id, err := a.Rebind(ctx, "c1", "Bearer "+bearer(t, issuer, 6, "f"))
	require.NoError(t, err)
	assert.Equal(t, uint(6), id.UserID)

	restored, err := a.Restore(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint(6), restored.UserID)

	_, err = a.Rebind(ctx, "unknown", "Bearer "+bearer(t, issuer, 6, "f"))
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: 8, DisplayName: "h"})
	id, ok := IdentityFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, uint(8), id.UserID)
}
