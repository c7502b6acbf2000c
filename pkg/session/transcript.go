package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// projectDirName mangles a working directory into the per-project directory
// name the backend uses under its config dir.
func projectDirName(workingDir string) string {
	var sb strings.Builder
	for _, r := range workingDir {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

// TranscriptPath returns where the backend persists the transcript for a
// session started in workingDir under the given credential config dir.
func TranscriptPath(configDir, workingDir, sessionID string) string {
	return filepath.Join(configDir, "projects", projectDirName(workingDir), sessionID+".jsonl")
}

// TranscriptExists reports whether a transcript for the session id exists on
// disk for this working directory, which is the precondition for resuming.
func TranscriptExists(configDir, workingDir, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	info, err := os.Stat(TranscriptPath(configDir, workingDir, sessionID))
	return err == nil && !info.IsDir()
}

// LinkTranscript locates the session transcript under any of fromDirs and
// creates a reference to it under toDir, so rotated credentials can resume
// the same backend session. Hard link first, byte copy as fallback.
func LinkTranscript(sessionID, workingDir string, fromDirs []string, toDir string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("no session id to link")
	}

	var src string
	for _, dir := range fromDirs {
		if dir == toDir {
			continue
		}
		candidate := TranscriptPath(dir, workingDir, sessionID)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			src = candidate
			break
		}
	}
	if src == "" {
		return "", fmt.Errorf("transcript for session %s not found", sessionID)
	}

	dst := TranscriptPath(toDir, workingDir, sessionID)
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}
	if err := os.Link(src, dst); err == nil {
		return dst, nil
	}
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("copy transcript: %w", err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return err
	}
	return out.Sync()
}
