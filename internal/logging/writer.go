// Package logging builds the service's slog logger and provides a size-based
// rotating file writer for it.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.WriteCloser that rotates log files by size.
// Rotated files are named <base>-<timestamp>.<seq><ext>; the sequence keeps
// names unique when several rotations land in the same second.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	size       int64
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	seq        int

	cleanups sync.WaitGroup
}

// NewRotatingWriter opens filePath for appending, creating parent directories
// as needed. maxBackups of zero keeps every rotated file; maxAgeDays of zero
// disables age-based removal.
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		filePath:   filePath,
		maxBytes:   int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write implements io.Writer, rotating first when p would push the file past
// the size limit. A single oversized write still lands in one file.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close waits for pending backup cleanup and closes the current file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	f := rw.file
	rw.file = nil
	rw.mu.Unlock()

	rw.cleanups.Wait()
	if f != nil {
		return f.Close()
	}
	return nil
}

func (rw *RotatingWriter) parts() (dir, base, ext string) {
	ext = filepath.Ext(rw.filePath)
	base = strings.TrimSuffix(filepath.Base(rw.filePath), ext)
	if ext == "" {
		ext = ".log"
	}
	return filepath.Dir(rw.filePath), base, ext
}

// rotate must be called with rw.mu held.
func (rw *RotatingWriter) rotate() error {
	rw.file.Close()

	dir, base, ext := rw.parts()
	rw.seq++
	rotated := filepath.Join(dir, fmt.Sprintf("%s-%s.%03d%s", base, time.Now().Format("20060102-150405"), rw.seq%1000, ext))
	if err := os.Rename(rw.filePath, rotated); err != nil {
		return fmt.Errorf("rotating log file: %w", err)
	}
	if err := rw.open(); err != nil {
		return err
	}

	rw.cleanups.Add(1)
	go func() {
		defer rw.cleanups.Done()
		rw.cleanup()
	}()
	return nil
}

// backups lists rotated files oldest first.
func (rw *RotatingWriter) backups() []string {
	dir, base, ext := rw.parts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	prefix := base + "-"
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			rotated = append(rotated, filepath.Join(dir, name))
		}
	}
	sort.Strings(rotated)
	return rotated
}

func (rw *RotatingWriter) cleanup() {
	rotated := rw.backups()

	if rw.maxBackups > 0 {
		for len(rotated) > rw.maxBackups {
			os.Remove(rotated[0]) //nolint:errcheck
			rotated = rotated[1:]
		}
	}

	if rw.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-rw.maxAge)
	for _, path := range rotated {
		if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(path) //nolint:errcheck
		}
	}
}
