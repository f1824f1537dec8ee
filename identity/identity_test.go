package identity

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crmgate/internal/util"
	"github.com/jmcleod/crmgate/storage"
	"github.com/jmcleod/crmgate/storage/memory"
)

func TestErrorCode(t *testing.T) {
	err := fmt.Errorf("sign in: %w", &Error{Code: CodeNotAuthorized, Message: "Incorrect username or password."})
	assert.Equal(t, CodeNotAuthorized, CodeOf(err))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "Incorrect username")
	assert.Equal(t, CodeUnknown, (&Error{Code: CodeUnknown}).Error())
}

func TestParseUnverified(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		Username: "jan",
		Groups:   []string{"BRANCH", "STAFF"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sub-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString([]byte("irrelevant"))
	require.NoError(t, err)

	c, err := ParseUnverified(signed)
	require.NoError(t, err)
	assert.Equal(t, "jan", c.Username)
	assert.Equal(t, "BRANCH", c.PrimaryGroup())
	assert.True(t, c.ExpiresAt.Equal(exp))

	_, err = ParseUnverified("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	assert.Equal(t, "", Claims{}.PrimaryGroup())
}

func TestTokensExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, Tokens{}.Expired(now))
	assert.True(t, Tokens{ExpiresAt: now}.Expired(now))
	assert.False(t, Tokens{ExpiresAt: now.Add(time.Minute)}.Expired(now))
}

func tokenCacheTests(t *testing.T, c TokenCache) {
	_, err := c.Load()
	assert.ErrorIs(t, err, ErrNoSession)

	in := Tokens{AccessToken: "a", RefreshToken: "r", Username: "jan", ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	require.NoError(t, c.Save(in))
	out, err := c.Load()
	require.NoError(t, err)
	assert.Equal(t, in.AccessToken, out.AccessToken)
	assert.Equal(t, in.RefreshToken, out.RefreshToken)
	assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))

	require.NoError(t, c.Clear())
	require.NoError(t, c.Clear())
	_, err = c.Load()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMemoryTokenCache(t *testing.T) {
	tokenCacheTests(t, NewMemoryTokenCache())
}

func TestSealedTokenCache(t *testing.T) {
	repo := memory.NewRepository()
	key, err := util.RandomBytes(storage.KeySize)
	require.NoError(t, err)
	c, err := NewSealedTokenCache(repo, key)
	require.NoError(t, err)
	tokenCacheTests(t, c)

	t.Run("SealedAtRest", func(t *testing.T) {
		require.NoError(t, c.Save(Tokens{AccessToken: "secret-access"}))
		raw, err := repo.Get(tokenBucket, tokenKey)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "secret-access")
	})

	t.Run("OtherKeyIsNoSession", func(t *testing.T) {
		otherKey, _ := util.RandomBytes(storage.KeySize)
		other, err := NewSealedTokenCache(repo, otherKey)
		require.NoError(t, err)
		_, err = other.Load()
		assert.ErrorIs(t, err, ErrNoSession)
		_, err = repo.Get(tokenBucket, tokenKey)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BadKey", func(t *testing.T) {
		_, err := NewSealedTokenCache(repo, []byte("short"))
		assert.Error(t, err)
	})
}
