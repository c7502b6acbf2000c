package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, configDir, workingDir, sessionID, body string) string {
	t.Helper()
	path := TranscriptPath(configDir, workingDir, sessionID)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestTranscriptPath(t *testing.T) {
	t.Run("should mangle the working directory into the project dir", func(t *testing.T) {
		path := TranscriptPath("/cfg", "/home/me/my_repo", "ses-1")
		assert.Equal(t, "/cfg/projects/-home-me-my-repo/ses-1.jsonl", path)
	})
}

func TestTranscriptExists(t *testing.T) {
	t.Run("should report false for empty id", func(t *testing.T) {
		assert.False(t, TranscriptExists(t.TempDir(), "/w", ""))
	})

	t.Run("should find a written transcript", func(t *testing.T) {
		cfg := t.TempDir()
		writeTranscript(t, cfg, "/w", "ses-1", "{}\n")
		assert.True(t, TranscriptExists(cfg, "/w", "ses-1"))
		assert.False(t, TranscriptExists(cfg, "/w", "ses-2"))
	})
}

func TestLinkTranscript(t *testing.T) {
	t.Run("should link the transcript into the new account dir", func(t *testing.T) {
		from := t.TempDir()
		to := t.TempDir()
		writeTranscript(t, from, "/w", "ses-1", `{"turn":1}`+"\n")

		dst, err := LinkTranscript("ses-1", "/w", []string{from}, to)
		require.NoError(t, err)

		body, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"turn":1`)
		assert.True(t, TranscriptExists(to, "/w", "ses-1"))
	})

	t.Run("should be a no-op when the target already has it", func(t *testing.T) {
		from := t.TempDir()
		to := t.TempDir()
		writeTranscript(t, from, "/w", "ses-1", "a\n")
		writeTranscript(t, to, "/w", "ses-1", "b\n")

		dst, err := LinkTranscript("ses-1", "/w", []string{from}, to)
		require.NoError(t, err)

		body, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, "b\n", string(body))
	})

	t.Run("should skip the destination dir when searching", func(t *testing.T) {
		to := t.TempDir()
		writeTranscript(t, to, "/w", "ses-1", "a\n")

		_, err := LinkTranscript("ses-1", "/w", []string{to}, to)
		assert.Error(t, err)
	})

	t.Run("should fail when no source transcript exists", func(t *testing.T) {
		_, err := LinkTranscript("ses-1", "/w", []string{t.TempDir()}, t.TempDir())
		assert.Error(t, err)
	})
}
