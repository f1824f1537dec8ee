package storage_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crmgate/internal/util"
	"github.com/jmcleod/crmgate/storage"
	"github.com/jmcleod/crmgate/storage/memory"
)

func TestEnvelope(t *testing.T) {
	key, err := util.RandomBytes(storage.KeySize)
	require.NoError(t, err)
	plain := []byte("refresh-token")
	aad := []byte("tokens:current")

	env, err := storage.SealRecord(key, plain, aad)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Ver)

	got, err := storage.OpenRecord(key, env, aad)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := storage.OpenRecord(key, env, []byte("tokens:other"))
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, err := util.RandomBytes(storage.KeySize)
		require.NoError(t, err)
		_, err = storage.OpenRecord(other, env, aad)
		assert.Error(t, err)
	})

	t.Run("BadKeySize", func(t *testing.T) {
		_, err := storage.SealRecord([]byte("short"), plain, aad)
		assert.Error(t, err)
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		bad := *env
		bad.Scheme = "raw"
		_, err := storage.OpenRecord(key, &bad, aad)
		assert.Error(t, err)
	})
}

func TestSealedRoundTrip(t *testing.T) {
	repo := memory.NewRepository()
	key, err := util.RandomBytes(storage.KeySize)
	require.NoError(t, err)

	require.NoError(t, storage.PutSealed(repo, key, "tokens", "current", []byte("payload")))

	raw, err := repo.Get("tokens", "current")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "payload")

	got, err := storage.GetSealed(repo, key, "tokens", "current")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	_, err = storage.GetSealed(repo, key, "tokens", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
