// Package collector turns raw kernel filesystem/exec notifications into
// attributed, chain-linked events. It picks between two backends at
// construction time — a privileged one capable of exec interception, and an
// unprivileged fallback with no process attribution — and applies the UID
// and exec-watchlist filtering that the daemon loop depends on before a
// chain record is ever minted.
package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/clauditor/clauditor/internal/chain"
)

// errBackendClosed is the terminal error a backend's next() call returns
// once close() has been invoked, per the backend interface's contract that
// close unblocks any in-flight next() call.
var errBackendClosed = errors.New("collector: backend closed")

// FileEventKind enumerates the kinds of filesystem activity a backend can
// report, collapsed from whatever kernel-specific bits it observed.
type FileEventKind int

const (
	FileCreate FileEventKind = iota + 1
	FileModify
	FileDelete
	FileExec
	FileAccess
)

// String returns a lowercase name for k, matching the wire vocabulary used
// elsewhere (detect, digest).
func (k FileEventKind) String() string {
	switch k {
	case FileCreate:
		return "create"
	case FileModify:
		return "modify"
	case FileDelete:
		return "delete"
	case FileExec:
		return "exec"
	case FileAccess:
		return "access"
	default:
		return "unknown"
	}
}

// FileEvent is the filesystem-facing half of a collector Event.
type FileEvent struct {
	Kind FileEventKind `json:"kind"`
	Path string        `json:"path"`
}

// MarshalJSON renders Kind using its wire name rather than its numeric value.
func (f FileEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Path string `json:"path"`
	}{Kind: f.Kind.String(), Path: f.Path})
}

// UnmarshalJSON parses the wire name produced by MarshalJSON back into Kind.
func (f *FileEvent) UnmarshalJSON(data []byte) error {
	var w struct {
		Kind string `json:"kind"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := parseFileEventKind(w.Kind)
	if err != nil {
		return err
	}
	f.Kind = kind
	f.Path = w.Path
	return nil
}

func parseFileEventKind(s string) (FileEventKind, error) {
	switch s {
	case "create":
		return FileCreate, nil
	case "modify":
		return FileModify, nil
	case "delete":
		return FileDelete, nil
	case "exec":
		return FileExec, nil
	case "access":
		return FileAccess, nil
	default:
		return 0, fmt.Errorf("collector: unknown file event kind %q", s)
	}
}

// ProcInfo is the optional process-attribution half of a collector Event.
// It is present only when the privileged backend is active and the
// originating process could still be inspected via /proc.
type ProcInfo struct {
	PID     int32    `json:"pid"`
	UID     uint32   `json:"uid"`
	Cmdline []string `json:"cmdline"`
	Cwd     string   `json:"cwd,omitempty"`
	HasCwd  bool     `json:"-"`
}

// Event is one accepted, chain-linked observation.
type Event struct {
	Record chain.Record `json:"record"`
	File   FileEvent    `json:"file_event"`
	Proc   *ProcInfo    `json:"proc_info,omitempty"`
}

// candidateEvent is a backend's raw report before Collector-level filtering
// (UID, exec watchlist, NUL-byte path rejection) has been applied.
type candidateEvent struct {
	kind FileEventKind
	path string

	hasPID bool
	pid    int32
	hasUID bool
	uid    uint32

	cmdline []string
	cwd     string
	hasCwd  bool
}

// backend is the kernel-notification source a Collector drives. Exactly one
// backend is active for the lifetime of a Collector.
type backend interface {
	// addWatch registers path for monitoring. Safe to call before or after
	// the backend has started delivering events.
	addWatch(path string) error
	// next blocks until a candidate event or a fatal error is available.
	// A non-nil error is terminal: the backend will not produce further
	// events after returning one.
	next() (candidateEvent, error)
	// tryNext returns an already-buffered event without blocking.
	tryNext() (candidateEvent, bool)
	// close releases the backend's kernel resources and unblocks any
	// in-flight next() call with a terminal error.
	close() error
	// privileged reports whether this backend carries process attribution.
	privileged() bool
}

// Collector is constructed once per daemon lifetime and drives exactly one
// chain, identified by sessionID.
type Collector struct {
	sessionID string
	key       []byte
	targetUID uint32

	execWatchlist map[string]bool // nil/empty means "accept every exec"

	backend backend
	logger  *slog.Logger

	ownPID int32
	ownUID uint32

	prev    chain.Record
	hasPrev bool
}

// New selects a backend (privileged, falling back to unprivileged) and
// constructs a Collector watching watchPaths. execWatchlist may be empty to
// accept every exec seen by the privileged backend.
func New(sessionID string, key []byte, targetUID uint32, watchPaths []string, execWatchlist []string, logger *slog.Logger) (*Collector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b, err := newPrivilegedBackend()
	if err != nil {
		logger.Warn("collector: privileged backend unavailable, falling back to unprivileged (no process attribution)",
			slog.Any("error", err))
		b, err = newUnprivilegedBackend()
		if err != nil {
			return nil, fmt.Errorf("collector: no backend available: %w", err)
		}
	}

	c := &Collector{
		sessionID:     sessionID,
		key:           key,
		targetUID:     targetUID,
		execWatchlist: toSet(execWatchlist),
		backend:       b,
		logger:        logger,
		ownPID:        int32(os.Getpid()),
		ownUID:        uint32(os.Getuid()),
	}

	for _, p := range watchPaths {
		if err := c.AddWatch(p); err != nil {
			logger.Warn("collector: cannot add watch", slog.String("path", p), slog.Any("error", err))
		}
	}

	logger.Info("collector: backend selected", slog.Bool("privileged", b.privileged()))
	return c, nil
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// IsAvailable reports whether the active backend carries process
// attribution (i.e. the privileged backend is in use).
func (c *Collector) IsAvailable() bool {
	return c.backend.privileged()
}

// AddWatch registers an additional path for monitoring.
func (c *Collector) AddWatch(path string) error {
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("collector: path contains NUL byte")
	}
	return c.backend.addWatch(path)
}

// SetExecWatchlist replaces the exec basename filter. An empty slice accepts
// every exec event.
func (c *Collector) SetExecWatchlist(names []string) {
	c.execWatchlist = toSet(names)
}

// Close releases the active backend.
func (c *Collector) Close() error {
	return c.backend.close()
}

// ReadAvailable blocks until at least one event has been accepted (or a
// fatal backend error occurs), then returns it along with any further
// events already buffered — a best-effort batch, not a fixed-size one.
//
// A non-nil error is fatal: the caller (the collector thread) must stop
// calling ReadAvailable and treat the collector as terminated.
func (c *Collector) ReadAvailable() ([]Event, error) {
	for {
		raw, err := c.backend.next()
		if err != nil {
			return nil, err
		}
		out := c.acceptAndDrain(raw)
		if len(out) > 0 {
			return out, nil
		}
		// raw was filtered out and nothing else is buffered; block again.
	}
}

// acceptAndDrain applies filtering to first, then opportunistically drains
// any already-buffered candidates without blocking, returning every
// accepted Event.
func (c *Collector) acceptAndDrain(first candidateEvent) []Event {
	var out []Event
	if ev, ok := c.accept(first); ok {
		out = append(out, ev)
	}
	for {
		raw, ok := c.backend.tryNext()
		if !ok {
			return out
		}
		if ev, ok := c.accept(raw); ok {
			out = append(out, ev)
		}
	}
}

// accept applies UID filtering, exec-watchlist filtering, and NUL-path
// rejection, then mints the next chain record for events that survive.
func (c *Collector) accept(raw candidateEvent) (Event, bool) {
	if strings.ContainsRune(raw.path, 0) {
		return Event{}, false
	}

	if c.backend.privileged() {
		if !raw.hasUID || raw.uid != c.targetUID {
			return Event{}, false
		}
	}

	if raw.kind == FileExec && len(c.execWatchlist) > 0 {
		if !c.execWatchlist[baseName(raw.path)] {
			return Event{}, false
		}
	}

	pid, uid := c.ownPID, c.ownUID
	var proc *ProcInfo
	if raw.hasPID {
		pid = raw.pid
		if raw.hasUID {
			uid = raw.uid
		}
		proc = &ProcInfo{
			PID:     raw.pid,
			UID:     uid,
			Cmdline: raw.cmdline,
			Cwd:     raw.cwd,
			HasCwd:  raw.hasCwd,
		}
	}

	rec := c.nextRecord(time.Now(), pid, uid)

	return Event{
		Record: rec,
		File:   FileEvent{Kind: raw.kind, Path: raw.path},
		Proc:   proc,
	}, true
}

// nextRecord mints the genesis record on the first call, and a linked
// successor on every subsequent call. Every accepted event gets exactly one
// chain record; there is exactly one chain per Collector lifetime.
func (c *Collector) nextRecord(ts time.Time, pid int32, uid uint32) chain.Record {
	if !c.hasPrev {
		r := chain.Genesis(c.key, ts, pid, uid, chain.KindMessage, c.sessionID)
		c.prev = r
		c.hasPrev = true
		return r
	}
	r := chain.Next(c.key, c.prev, ts, pid, uid, chain.KindMessage, c.sessionID)
	c.prev = r
	return r
}

func baseName(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return path
	}
	return path[i+1:]
}
