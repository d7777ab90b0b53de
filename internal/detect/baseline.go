package detect

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/clauditor/clauditor/internal/config"
)

// BaselineEntry tracks one command's observation history.
type BaselineEntry struct {
	FirstSeen int64 `json:"first_seen"`
	LastSeen  int64 `json:"last_seen"`
	Count     int64 `json:"count"`
}

// Baseline is the command-novelty detector's persisted state. It is owned
// exclusively by the daemon's main thread; no internal locking is
// performed.
type Baseline struct {
	path    string
	logger  *slog.Logger
	entries map[string]*BaselineEntry
	dirty   bool
}

// LoadBaseline loads the baseline from path, creating parent directories if
// necessary. A missing or unparsable file is treated as an empty baseline
// (logged, not fatal).
func LoadBaseline(path string, logger *slog.Logger) (*Baseline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Baseline{
		path:    path,
		logger:  logger,
		entries: make(map[string]*BaselineEntry),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("detect: create baseline directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("detect: read baseline: %w", err)
	}

	var entries map[string]*BaselineEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Warn("detect: baseline file is corrupt, starting from empty", slog.String("path", path), slog.Any("error", err))
		return b, nil
	}
	b.entries = entries
	return b, nil
}

// NewBaseline returns an empty baseline that is never persisted to disk. It
// exists for replaying historical events (see internal/digest), where
// mutating the live baseline file would be wrong for a read-only report.
func NewBaseline() *Baseline {
	return &Baseline{entries: make(map[string]*BaselineEntry), logger: slog.Default()}
}

// Record looks up cmd. If this is the first time it has been seen, it is
// inserted and the second return value is true (an alert should be
// emitted). Otherwise its last_seen/count are updated and false is
// returned. Either way Dirty() becomes true.
func (b *Baseline) Record(cmd string, now time.Time) (Alert, bool) {
	ts := now.Unix()
	if e, ok := b.entries[cmd]; ok {
		e.LastSeen = ts
		e.Count++
		b.dirty = true
		return Alert{}, false
	}

	b.entries[cmd] = &BaselineEntry{FirstSeen: ts, LastSeen: ts, Count: 1}
	b.dirty = true

	return Alert{
		Severity:    config.SeverityLow,
		Category:    CategoryBaseline,
		RuleID:      "baseline-new-command",
		Description: fmt.Sprintf("first time seeing command %q", cmd),
		Evidence:    fmt.Sprintf("command=%s", cmd),
	}, true
}

// Dirty reports whether any mutation is unsaved.
func (b *Baseline) Dirty() bool { return b.dirty }

// Entry returns the current entry for cmd, if any, without mutating state.
func (b *Baseline) Entry(cmd string) (BaselineEntry, bool) {
	e, ok := b.entries[cmd]
	if !ok {
		return BaselineEntry{}, false
	}
	return *e, true
}

// Len returns the number of distinct commands tracked.
func (b *Baseline) Len() int { return len(b.entries) }

// Save persists the baseline to its path as JSON and clears the dirty flag
// on success.
func (b *Baseline) Save() error {
	data, err := json.Marshal(b.entries)
	if err != nil {
		return fmt.Errorf("detect: marshal baseline: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0o600); err != nil {
		return fmt.Errorf("detect: write baseline: %w", err)
	}
	b.dirty = false
	return nil
}
