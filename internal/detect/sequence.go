package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/clauditor/clauditor/internal/config"
)

// DefaultSequenceMaxEntries bounds the sequence detector's deque regardless
// of configured TTL.
const DefaultSequenceMaxEntries = 100

// sensitivePathSubstrings identifies credential, key, or secret material by
// case-insensitive substring match.
var sensitivePathSubstrings = []string{
	"/.ssh/",
	"/id_rsa",
	"/id_ed25519",
	"/.gnupg/",
	"/.aws/credentials",
	"/memory.md",
	"/.env",
	"/secrets",
	"/credentials",
	"/api_key",
	"/token",
	// automation-account-specific prefixes
	"/.clawdbot/credentials",
	"/.clawdbot/session",
}

// networkCommands is the fixed set of exfil-capable binaries the sequence
// detector treats as "network commands".
var networkCommands = map[string]bool{
	"curl": true, "wget": true, "scp": true, "rsync": true,
	"nc": true, "ncat": true, "netcat": true,
	"ssh": true, "sftp": true, "ftp": true,
	"sendmail": true, "mail": true,
	// automation-specific messaging tools
	"clawdbot-notify": true, "telegram-send": true,
}

// isSensitivePath reports whether path matches the sensitive-path predicate.
func isSensitivePath(path string) bool {
	lower := strings.ToLower(path)
	for _, s := range sensitivePathSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// isNetworkCommand reports whether comm is a known exfil-capable binary.
func isNetworkCommand(comm string) bool {
	return networkCommands[comm]
}

type sequenceEntry struct {
	path string
	at   time.Time
}

// SequenceDetector correlates a sensitive-path access with a subsequent
// network-capable exec within a sliding TTL window. It is owned exclusively
// by the daemon's main thread; no internal locking is performed.
type SequenceDetector struct {
	ttl        time.Duration
	maxEntries int
	entries    []sequenceEntry
	now        func() time.Time
}

// NewSequenceDetector constructs a detector with the given TTL. maxEntries
// is clamped to DefaultSequenceMaxEntries if zero or larger.
func NewSequenceDetector(ttl time.Duration, maxEntries int) *SequenceDetector {
	if maxEntries <= 0 || maxEntries > DefaultSequenceMaxEntries {
		maxEntries = DefaultSequenceMaxEntries
	}
	return &SequenceDetector{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// AccessCount returns the current number of remembered sensitive-path
// accesses, without pruning.
func (s *SequenceDetector) AccessCount() int {
	return len(s.entries)
}

// prune drops entries older than the TTL from the front of the deque.
func (s *SequenceDetector) prune(now time.Time) {
	cut := 0
	for cut < len(s.entries) && now.Sub(s.entries[cut].at) >= s.ttl {
		cut++
	}
	if cut > 0 {
		s.entries = append([]sequenceEntry(nil), s.entries[cut:]...)
	}
}

// CheckExec processes one exec observation: it records any sensitive-path
// tokens found in argv (after the command itself), then, if comm is a
// network command and the deque is non-empty after pruning, emits a
// sequence alert naming every currently-remembered sensitive path.
func (s *SequenceDetector) CheckExec(comm string, argv []string) []Alert {
	now := s.now()
	s.prune(now)

	for i, tok := range argv {
		if i == 0 {
			continue
		}
		if isSensitivePath(tok) {
			s.entries = append(s.entries, sequenceEntry{path: tok, at: now})
			if len(s.entries) > s.maxEntries {
				s.entries = s.entries[len(s.entries)-s.maxEntries:]
			}
		}
	}

	if !isNetworkCommand(comm) || len(s.entries) == 0 {
		return nil
	}

	paths := make([]string, len(s.entries))
	oldest := s.entries[0].at
	for i, e := range s.entries {
		paths[i] = e.path
		if e.at.Before(oldest) {
			oldest = e.at
		}
	}
	gapSecs := int64(now.Sub(oldest) / time.Second)

	return []Alert{{
		Severity:    config.SeverityHigh,
		Category:    CategorySequence,
		RuleID:      "sequence-exfil",
		Description: fmt.Sprintf("network command %q followed a sensitive-path access", comm),
		Argv:        argv,
		Paths:       paths,
		Evidence:    fmt.Sprintf("network_command=%s accessed_files=%v time_gap_secs=%d", comm, paths, gapSecs),
	}}
}
