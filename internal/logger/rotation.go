package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotatedStamp = "20060102-150405"

// RotatingWriter appends to a log file and rotates it away before a write
// would grow it past the size limit. Rotated files carry a timestamp suffix,
// are optionally gzipped, and are pruned once older than the retention
// window.
type RotatingWriter struct {
	path     string
	limit    int64
	keepDays int
	gzip     bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter opens path for appending, creating parent directories as
// needed. maxSizeMB bounds the live file; maxAge prunes rotated files after
// that many days.
func NewRotatingWriter(path string, maxSizeMB, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, size, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	w := &RotatingWriter{
		path:     path,
		limit:    int64(maxSizeMB) * 1024 * 1024,
		keepDays: maxAge,
		gzip:     compress,
		file:     file,
		size:     size,
	}
	go w.prune()
	return w, nil
}

func openAppend(path string) (*os.File, int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	return file, info.Size(), nil
}

// Write appends p, rotating first when the live file would exceed the limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the live file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// rotate renames the live file aside and reopens a fresh one. Caller holds
// the mutex.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	rotated := w.path + "." + time.Now().Format(rotatedStamp)
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if w.gzip {
		go compressFile(rotated)
	}

	file, size, err := openAppend(w.path)
	if err != nil {
		return err
	}
	w.file = file
	w.size = size
	return nil
}

// compressFile gzips path in place and removes the original.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	defer gzw.Close()

	if _, err := io.Copy(gzw, src); err != nil {
		return err
	}
	return os.Remove(path)
}

// prune removes rotated files older than the retention window.
func (w *RotatingWriter) prune() {
	if w.keepDays <= 0 {
		return
	}

	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.keepDays)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(path)
		if !strings.HasSuffix(path, ".gz") {
			os.Remove(path + ".gz")
		}
	}
}
