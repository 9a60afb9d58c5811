package credentials_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simplifaq/session-agent/credentials"
	apperrors "github.com/simplifaq/session-agent/internal/errors"
	"github.com/simplifaq/session-agent/internal/utils"
	"github.com/simplifaq/session-agent/users"
)

func TestFileStore_Roundtrip(t *testing.T) {
	store, err := credentials.NewFileStore(t.TempDir())
	require.NoError(t, err)

	session := credentials.Session{
		Token:        "t1",
		IssuedAt:     time.Now().Truncate(time.Second),
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		RefreshToken: utils.Ptr("r1"),
	}
	require.NoError(t, store.Put(credentials.KeyToken, session))

	var got credentials.Session
	require.NoError(t, store.Get(credentials.KeyToken, 30*24*time.Hour, &got))
	require.Equal(t, session.Token, got.Token)
	require.Equal(t, "r1", *got.RefreshToken)
	require.True(t, session.ExpiresAt.Equal(got.ExpiresAt))
}

func TestFileStore_MissingEntry(t *testing.T) {
	store, err := credentials.NewFileStore(t.TempDir())
	require.NoError(t, err)

	var got credentials.Session
	require.ErrorIs(t, store.Get(credentials.KeyToken, time.Hour, &got), apperrors.ErrEntryNotFound)
}

func TestFileStore_MaxAge(t *testing.T) {
	now := time.Now()
	store, err := credentials.NewFileStore(t.TempDir(), credentials.WithNowFunc(func() time.Time { return now }))
	require.NoError(t, err)

	require.NoError(t, store.Put(credentials.KeyUser, &users.Profile{ID: "user-1"}))

	var got users.Profile

	t.Run("fresh entry reads back", func(t *testing.T) {
		require.NoError(t, store.Get(credentials.KeyUser, 30*24*time.Hour, &got))
	})

	t.Run("entry past max age is stale", func(t *testing.T) {
		now = now.Add(31 * 24 * time.Hour)
		require.ErrorIs(t, store.Get(credentials.KeyUser, 30*24*time.Hour, &got), apperrors.ErrEntryStale)
	})

	t.Run("zero max age disables the check", func(t *testing.T) {
		require.NoError(t, store.Get(credentials.KeyUser, 0, &got))
	})
}

func TestFileStore_TamperedEntryIsCorrupted(t *testing.T) {
	dir := t.TempDir()
	store, err := credentials.NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(credentials.KeyToken, credentials.Session{
		Token:     "t1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	path := filepath.Join(dir, credentials.KeyToken+".cred")
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	var got credentials.Session
	require.ErrorIs(t, store.Get(credentials.KeyToken, time.Hour, &got), apperrors.ErrEntryCorrupted)
}

func TestFileStore_Delete(t *testing.T) {
	store, err := credentials.NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(credentials.KeyToken, credentials.Session{Token: "t1"}))
	require.NoError(t, store.Delete(credentials.KeyToken))

	var got credentials.Session
	require.ErrorIs(t, store.Get(credentials.KeyToken, time.Hour, &got), apperrors.ErrEntryNotFound)

	// Deleting a missing key is not an error.
	require.NoError(t, store.Delete(credentials.KeyToken))
}

func TestFileStore_ClearKeepsSealingSecret(t *testing.T) {
	dir := t.TempDir()
	store, err := credentials.NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put(credentials.KeyToken, credentials.Session{Token: "t1"}))
	require.NoError(t, store.Put(credentials.KeyUser, &users.Profile{ID: "user-1"}))
	require.NoError(t, store.Clear())

	var got credentials.Session
	require.ErrorIs(t, store.Get(credentials.KeyToken, time.Hour, &got), apperrors.ErrEntryNotFound)

	secret, err := os.ReadFile(filepath.Join(dir, "store.key"))
	require.NoError(t, err)
	require.Len(t, secret, 32)

	// A second store over the same directory shares the secret, so entries
	// written after Clear stay readable across restarts.
	require.NoError(t, store.Put(credentials.KeyToken, credentials.Session{Token: "t2"}))
	reopened, err := credentials.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, reopened.Get(credentials.KeyToken, time.Hour, &got))
	require.Equal(t, "t2", got.Token)
}

func TestSessionValidate(t *testing.T) {
	now := time.Now()

	t.Run("valid", func(t *testing.T) {
		s := credentials.Session{Token: "t1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, s.Validate())
	})

	t.Run("missing token", func(t *testing.T) {
		s := credentials.Session{IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
		require.ErrorIs(t, s.Validate(), apperrors.ErrEntryCorrupted)
	})

	t.Run("expiry not after issue", func(t *testing.T) {
		s := credentials.Session{Token: "t1", IssuedAt: now, ExpiresAt: now}
		require.ErrorIs(t, s.Validate(), apperrors.ErrEntryCorrupted)
	})
}
