package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crmgate/identity"
	"github.com/jmcleod/crmgate/internal/util"
	"github.com/jmcleod/crmgate/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testHashParams = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32}

type fixture struct {
	p     *Provider
	clock *testClock
	codes map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := util.HashPassword("Haslo123", testHashParams)
	require.NoError(t, err)
	f := &fixture{
		clock: &testClock{now: time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)},
		codes: map[string]string{},
	}
	p, err := New(Options{
		Users: []User{
			{Username: "anna", PasswordHash: hash, Groups: []string{"BRANCH"}, Attributes: map[string]string{"locale": "pl"}},
			{Username: "prezes", PasswordHash: hash, Groups: []string{"BOARD"}},
			{Username: "nowy", PasswordHash: hash, Unconfirmed: true},
		},
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		State:    memory.NewRepository(),
		Clock:    f.clock.Now,
		CodeSink: func(u, c string) { f.codes[u] = c },
	})
	require.NoError(t, err)
	f.p = p
	return f
}

func TestSignInAndSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.p.FetchSession(ctx)
	assert.ErrorIs(t, err, identity.ErrNoSession)

	require.NoError(t, f.p.SignIn(ctx, " anna ", "Haslo123"))
	sess, err := f.p.FetchSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "anna", sess.Claims.Username)
	assert.Equal(t, "BRANCH", sess.Claims.PrimaryGroup())

	u, err := f.p.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "anna", u.Username)
	assert.Equal(t, "pl", u.Attributes["locale"])
	assert.NotEmpty(t, u.UserID)

	claims, err := f.p.VerifyAccessToken(ctx, sess.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "anna", claims.Username)

	_, err = f.p.VerifyAccessToken(ctx, sess.Tokens.RefreshToken)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestSignInErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]struct {
		user, pass string
		code       string
	}{
		"wrong password": {"anna", "zle", identity.CodeNotAuthorized},
		"unknown user":   {"ghost", "Haslo123", identity.CodeUserNotFound},
		"unconfirmed":    {"nowy", "Haslo123", identity.CodeUserNotConfirmed},
		"empty":          {"", "", identity.CodeInvalidParameter},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := f.p.SignIn(ctx, tc.user, tc.pass)
			assert.Equal(t, tc.code, identity.CodeOf(err))
		})
	}
}

func TestSignInLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < maxFailures; i++ {
		assert.Equal(t, identity.CodeNotAuthorized, identity.CodeOf(f.p.SignIn(ctx, "anna", "zle")))
	}
	assert.Equal(t, identity.CodeLimitExceeded, identity.CodeOf(f.p.SignIn(ctx, "anna", "Haslo123")))

	f.clock.Advance(baseLockout + time.Second)
	require.NoError(t, f.p.SignIn(ctx, "anna", "Haslo123"))
}

func TestRefreshOnExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.p.SignIn(ctx, "anna", "Haslo123"))
	first, err := f.p.FetchSession(ctx)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	second, err := f.p.FetchSession(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Tokens.AccessToken, second.Tokens.AccessToken)
	assert.Equal(t, first.Tokens.RefreshToken, second.Tokens.RefreshToken)
	assert.True(t, second.Tokens.ExpiresAt.After(f.clock.Now()))

	f.clock.Advance(31 * 24 * time.Hour)
	_, err = f.p.FetchSession(ctx)
	assert.ErrorIs(t, err, identity.ErrNoSession)
}

func TestGlobalSignOutRevokesTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.p.SignIn(ctx, "anna", "Haslo123"))
	sess, err := f.p.FetchSession(ctx)
	require.NoError(t, err)

	require.NoError(t, f.p.SignOut(ctx, true))
	_, err = f.p.FetchSession(ctx)
	assert.ErrorIs(t, err, identity.ErrNoSession)
	_, err = f.p.VerifyAccessToken(ctx, sess.Tokens.AccessToken)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	require.NoError(t, f.p.SignOut(ctx, true), "sign-out without a session is a no-op")

	require.NoError(t, f.p.SignIn(ctx, "anna", "Haslo123"))
	_, err = f.p.FetchSession(ctx)
	require.NoError(t, err)
}

func TestLocalSignOutKeepsOtherSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.p.SignIn(ctx, "anna", "Haslo123"))
	sess, _ := f.p.FetchSession(ctx)
	require.NoError(t, f.p.SignOut(ctx, false))
	_, err := f.p.VerifyAccessToken(ctx, sess.Tokens.AccessToken)
	assert.NoError(t, err)
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, identity.CodeUserNotFound, identity.CodeOf(f.p.ResetPassword(ctx, "ghost")))
	require.NoError(t, f.p.ResetPassword(ctx, "anna"))
	code := f.codes["anna"]
	require.Len(t, code, 6)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assert.Equal(t, identity.CodeCodeMismatch, identity.CodeOf(f.p.ConfirmResetPassword(ctx, "anna", wrong, "NoweHaslo1")))
	assert.Equal(t, identity.CodeInvalidPassword, identity.CodeOf(f.p.ConfirmResetPassword(ctx, "anna", code, "short")))
	assert.Equal(t, identity.CodeInvalidParameter, identity.CodeOf(f.p.ConfirmResetPassword(ctx, "anna", "", "NoweHaslo1")))

	require.NoError(t, f.p.ConfirmResetPassword(ctx, "anna", code, "NoweHaslo1"))
	assert.Equal(t, identity.CodeNotAuthorized, identity.CodeOf(f.p.SignIn(ctx, "anna", "Haslo123")))
	require.NoError(t, f.p.SignIn(ctx, "anna", "NoweHaslo1"))

	// Codes are single use.
	assert.Equal(t, identity.CodeExpiredCode, identity.CodeOf(f.p.ConfirmResetPassword(ctx, "anna", code, "InneHaslo1")))
}

func TestResetCodeExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.p.ResetPassword(ctx, "anna"))
	f.clock.Advance(2 * time.Hour)
	err := f.p.ConfirmResetPassword(ctx, "anna", f.codes["anna"], "NoweHaslo1")
	assert.Equal(t, identity.CodeExpiredCode, identity.CodeOf(err))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Secret: []byte("short"), State: memory.NewRepository()})
	assert.Error(t, err)
	_, err = New(Options{Secret: make([]byte, 32)})
	assert.Error(t, err)
	_, err = New(Options{Secret: make([]byte, 32), State: memory.NewRepository(), Users: []User{{Username: " "}}})
	assert.Error(t, err)
}

func TestSubjectStableAcrossInstances(t *testing.T) {
	hash, err := util.HashPassword("Haslo123", testHashParams)
	require.NoError(t, err)
	state := memory.NewRepository()
	opts := Options{
		Users:  []User{{Username: "anna", PasswordHash: hash, Groups: []string{"BRANCH"}}},
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		State:  state,
	}
	ctx := context.Background()

	first, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, first.SignIn(ctx, "anna", "Haslo123"))
	u1, err := first.CurrentUser(ctx)
	require.NoError(t, err)

	second, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, second.SignIn(ctx, "anna", "Haslo123"))
	u2, err := second.CurrentUser(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, u1.UserID)
	assert.Equal(t, u1.UserID, u2.UserID)
}
