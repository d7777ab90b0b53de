// Package journal implements the append-only, newline-delimited JSON log of
// collector events. Each line is one encoded collector.Event, written with
// O_APPEND so that concurrent readers always see a consistent prefix and a
// single writer never needs in-process locking beyond what guards its own
// counters.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clauditor/clauditor/internal/collector"
	"github.com/clauditor/clauditor/internal/pathsafe"
)

// Fsync selects how aggressively the writer flushes to stable storage.
type Fsync int

const (
	FsyncNone Fsync = iota
	FsyncPeriodic
	FsyncEvery
)

// Config configures a Writer.
type Config struct {
	Path          string
	Base          string // optional base directory for pathsafe.Validate; empty requires an absolute Path
	Fsync         Fsync
	FsyncInterval int // used only when Fsync == FsyncPeriodic; must be > 0
	MaxSizeBytes  int64
}

// Writer appends collector events to a journal file, healing its permissions
// to 0o600 on every open and rotating by size when configured to.
type Writer struct {
	mu           sync.Mutex
	cfg          Config
	file         *os.File
	bytesWritten int64
	writeCount   int64
}

// Open validates cfg.Path, creates-or-opens the file in append mode, and
// forces its mode to 0o600 regardless of any pre-existing mode.
func Open(cfg Config) (*Writer, error) {
	if err := pathsafe.Validate(cfg.Path, cfg.Base); err != nil {
		return nil, fmt.Errorf("journal: invalid path: %w", err)
	}
	if cfg.Fsync == FsyncPeriodic && cfg.FsyncInterval <= 0 {
		return nil, fmt.Errorf("journal: fsync_interval must be > 0 for periodic fsync")
	}

	f, size, err := openHealed(cfg.Path)
	if err != nil {
		return nil, err
	}

	return &Writer{cfg: cfg, file: f, bytesWritten: size}, nil
}

func openHealed(path string) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("journal: open %q: %w", path, err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("journal: chmod %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("journal: stat %q: %w", path, err)
	}
	return f, info.Size(), nil
}

// WriteEvent serializes ev as one JSON line and appends it. Rotation is never
// done before a write; it happens after a write brings bytes_written to or
// past the configured threshold.
func (w *Writer) WriteEvent(ev collector.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("journal: marshal event: %w", err)
	}
	line = append(line, '\n')

	n, err := w.file.Write(line)
	if err != nil {
		return fmt.Errorf("journal: write event: %w", err)
	}
	w.bytesWritten += int64(n)
	w.writeCount++

	if err := w.maybeFsync(); err != nil {
		return err
	}

	if w.cfg.MaxSizeBytes > 0 && w.bytesWritten >= w.cfg.MaxSizeBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	return nil
}

func (w *Writer) maybeFsync() error {
	switch w.cfg.Fsync {
	case FsyncEvery:
		return w.syncLocked()
	case FsyncPeriodic:
		if w.writeCount%int64(w.cfg.FsyncInterval) == 0 {
			return w.syncLocked()
		}
	}
	return nil
}

func (w *Writer) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// Flush syncs the current file to stable storage.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

// rotate must be called with w.mu held. It flushes and syncs the current
// file, renames it aside, then reopens the original path fresh.
func (w *Writer) rotate() error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("journal: close before rotate: %w", err)
	}

	rotated := rotatedName(w.cfg.Path, time.Now())
	if err := os.Rename(w.cfg.Path, rotated); err != nil {
		// Best-effort: try to keep the writer usable by reopening the
		// original path, but still report the rotation failure.
		f, size, reopenErr := openHealed(w.cfg.Path)
		if reopenErr == nil {
			w.file = f
			w.bytesWritten = size
		}
		return fmt.Errorf("journal: rotate rename %q -> %q: %w", w.cfg.Path, rotated, err)
	}

	f, _, err := openHealed(w.cfg.Path)
	if err != nil {
		return fmt.Errorf("journal: reopen after rotate: %w", err)
	}
	w.file = f
	w.bytesWritten = 0
	return nil
}

func rotatedName(path string, at time.Time) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	stamp := fmt.Sprintf("%s_%06d", at.Format("20060102_150405"), at.Nanosecond()/1000)
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", stem, stamp, ext))
}

// Close flushes and closes the underlying file, best-effort on the sync.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	if closeErr != nil {
		return fmt.Errorf("journal: close: %w", closeErr)
	}
	if syncErr != nil {
		return fmt.Errorf("journal: sync on close: %w", syncErr)
	}
	return nil
}

// BytesWritten reports the current file's size as tracked by the writer.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// WriteCount reports the total number of events written since Open.
func (w *Writer) WriteCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeCount
}
