package detect

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/clauditor/clauditor/internal/config"
)

// OrphanChecker flags execs that occur while no automation session appears
// active. It is conceptually part of detection but, per its stateful
// dependence on daemon-configured session directories, is constructed and
// owned directly by the daemon rather than bundled into Detector.
type OrphanChecker struct {
	sessionPaths []string
	ttl          time.Duration
	ordinal      uint64
	now          func() time.Time
}

// NewOrphanChecker constructs a checker over sessionPaths with the given
// session TTL.
func NewOrphanChecker(sessionPaths []string, ttl time.Duration) *OrphanChecker {
	return &OrphanChecker{
		sessionPaths: sessionPaths,
		ttl:          ttl,
		now:          time.Now,
	}
}

// activeSession reports whether any regular file under any configured
// session directory has an mtime within the TTL.
func (o *OrphanChecker) activeSession() bool {
	now := o.now()
	for _, root := range o.sessionPaths {
		found := false
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || found {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			if now.Sub(info.ModTime()) < o.ttl {
				found = true
			}
			return nil
		})
		if found {
			return true
		}
	}
	return false
}

// Check runs the orphan-exec check for one exec observation. It returns an
// alert iff no session is currently active.
func (o *OrphanChecker) Check() (Alert, bool) {
	if o.activeSession() {
		return Alert{}, false
	}
	o.ordinal++
	return Alert{
		Severity:    config.SeverityHigh,
		Category:    CategoryAnomaly,
		RuleID:      "orphan-exec",
		Description: "exec observed while no automation session appears active",
		Evidence:    fmt.Sprintf("ordinal=%d", o.ordinal),
	}, true
}
