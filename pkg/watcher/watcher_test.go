package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWatcher(timeout time.Duration) *Watcher {
	return New(timeout, zerolog.New(os.Stdout).Level(zerolog.ErrorLevel))
}

func TestAwaitExists(t *testing.T) {
	t.Run("should return immediately for an existing file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ses.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))

		ok, err := testWatcher(time.Second).AwaitExists(context.Background(), path)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should observe a file created while waiting", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ses.jsonl")

		go func() {
			time.Sleep(50 * time.Millisecond)
			os.WriteFile(path, []byte("{}"), 0600)
		}()

		ok, err := testWatcher(3*time.Second).AwaitExists(context.Background(), path)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should give up after the bound", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "never.jsonl")

		start := time.Now()
		ok, err := testWatcher(100*time.Millisecond).AwaitExists(context.Background(), path)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("should stop on context cancellation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "never.jsonl")
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		_, err := testWatcher(5*time.Second).AwaitExists(ctx, path)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should poll when the parent directory is missing", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "later", "ses.jsonl")

		go func() {
			time.Sleep(50 * time.Millisecond)
			os.MkdirAll(filepath.Dir(path), 0700)
			os.WriteFile(path, []byte("{}"), 0600)
		}()

		ok, err := testWatcher(3*time.Second).AwaitExists(context.Background(), path)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
