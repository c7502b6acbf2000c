package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonelyclick/agentkeeper/pkg/session"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), zerolog.New(os.Stdout).Level(zerolog.ErrorLevel))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	t.Run("should return not found for an unknown key", func(t *testing.T) {
		s := setupStore(t)
		_, err := s.Get("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should create and read back a record", func(t *testing.T) {
		s := setupStore(t)

		rec, err := s.Put(SessionRecord{
			Key:       "/work/project",
			SessionID: "ses-1",
			Mode:      session.Mode{Model: "opus", PermissionMode: "plan"},
		}, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.Version)

		got, err := s.Get("/work/project")
		require.NoError(t, err)
		assert.Equal(t, "ses-1", got.SessionID)
		assert.Equal(t, "opus", got.Mode.Model)
		assert.Equal(t, "plan", got.Mode.PermissionMode)
		assert.Equal(t, int64(1), got.Version)
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("should increment the version on each update", func(t *testing.T) {
		s := setupStore(t)

		rec, err := s.Put(SessionRecord{Key: "k", SessionID: "ses-1"}, 0)
		require.NoError(t, err)

		rec.SessionID = "ses-2"
		rec, err = s.Put(rec, rec.Version)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)

		got, err := s.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "ses-2", got.SessionID)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("should reject a stale write with the authoritative record", func(t *testing.T) {
		s := setupStore(t)

		first, err := s.Put(SessionRecord{Key: "k", SessionID: "ses-1"}, 0)
		require.NoError(t, err)
		_, err = s.Put(SessionRecord{Key: "k", SessionID: "ses-2"}, first.Version)
		require.NoError(t, err)

		// Second writer still holds version 1.
		_, err = s.Put(SessionRecord{Key: "k", SessionID: "ses-3"}, first.Version)
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "ses-2", conflict.Current.SessionID)
		assert.Equal(t, int64(2), conflict.Current.Version)

		got, err := s.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "ses-2", got.SessionID)
	})

	t.Run("should reject creating over an existing record", func(t *testing.T) {
		s := setupStore(t)

		_, err := s.Put(SessionRecord{Key: "k", SessionID: "ses-1"}, 0)
		require.NoError(t, err)

		_, err = s.Put(SessionRecord{Key: "k", SessionID: "ses-other"}, 0)
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "ses-1", conflict.Current.SessionID)
	})

	t.Run("should delete records idempotently", func(t *testing.T) {
		s := setupStore(t)

		_, err := s.Put(SessionRecord{Key: "k", SessionID: "ses-1"}, 0)
		require.NoError(t, err)

		require.NoError(t, s.Delete("k"))
		require.NoError(t, s.Delete("k"))

		_, err = s.Get("k")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should list records ordered by key", func(t *testing.T) {
		s := setupStore(t)

		_, err := s.Put(SessionRecord{Key: "b", SessionID: "ses-b"}, 0)
		require.NoError(t, err)
		_, err = s.Put(SessionRecord{Key: "a", SessionID: "ses-a"}, 0)
		require.NoError(t, err)

		recs, err := s.List()
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "a", recs[0].Key)
		assert.Equal(t, "b", recs[1].Key)
	})

	t.Run("should persist across reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sessions.db")
		logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)

		s, err := Open(path, logger)
		require.NoError(t, err)
		_, err = s.Put(SessionRecord{Key: "k", SessionID: "ses-1"}, 0)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		reopened, err := Open(path, logger)
		require.NoError(t, err)
		defer reopened.Close()

		got, err := reopened.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "ses-1", got.SessionID)
	})
}
