package alert

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clauditor/clauditor/internal/chain"
	"github.com/clauditor/clauditor/internal/collector"
	"github.com/clauditor/clauditor/internal/config"
	"github.com/clauditor/clauditor/internal/detect"
)

func sshModifyEvent() collector.Event {
	rec := chain.Genesis([]byte("k"), time.Now(), 100, 1000, chain.KindMessage, "s")
	return collector.Event{
		Record: rec,
		File:   collector.FileEvent{Kind: collector.FileModify, Path: "/home/user/.ssh/authorized_keys"},
	}
}

func newTestAlerter(t *testing.T, cooldown time.Duration, queuePath string, channels ...Channel) *Alerter {
	t.Helper()
	d := detect.New(detect.DefaultRules(), detect.NewSequenceDetector(300*time.Second, 0), mustBaseline(t))
	return New(d, channels, config.SeverityLow, cooldown, queuePath, "", nil)
}

func mustBaseline(t *testing.T) *detect.Baseline {
	t.Helper()
	b, err := detect.LoadBaseline(filepath.Join(t.TempDir(), "baseline.json"), nil)
	if err != nil {
		t.Fatalf("LoadBaseline: %v", err)
	}
	return b
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %q: %v", path, err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			lines = append(lines, scanner.Text())
		}
	}
	return lines
}

// TestAlerter_SSHKeyModificationAlert is the literal scenario from spec.md §8.3.
func TestAlerter_SSHKeyModificationAlert(t *testing.T) {
	dir := t.TempDir()
	alertPath := filepath.Join(dir, "alerts.log")
	a := newTestAlerter(t, 0, "", Channel{Type: config.ChannelFile, Path: alertPath})

	dispatched, err := a.Process(sshModifyEvent())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(dispatched) == 0 {
		t.Fatal("expected at least one dispatched alert")
	}

	lines := readLines(t, alertPath)
	if len(lines) != 1 {
		t.Fatalf("alert file has %d lines, want 1", len(lines))
	}
	var payload Payload
	if err := json.Unmarshal([]byte(lines[0]), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Alert.RuleID != "ssh-authorized-keys-modified" {
		t.Errorf("RuleID = %q, want ssh-authorized-keys-modified", payload.Alert.RuleID)
	}

	info, err := os.Stat(alertPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %o, want 0600", info.Mode().Perm())
	}
}

// TestAlerter_CooldownSuppression is the literal scenario from spec.md §8.4.
func TestAlerter_CooldownSuppression(t *testing.T) {
	dir := t.TempDir()
	alertPath := filepath.Join(dir, "alerts.log")
	a := newTestAlerter(t, time.Hour, "", Channel{Type: config.ChannelFile, Path: alertPath})

	if _, err := a.Process(sshModifyEvent()); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if _, err := a.Process(sshModifyEvent()); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	lines := readLines(t, alertPath)
	if len(lines) != 1 {
		t.Fatalf("alert file has %d lines, want exactly 1 under cooldown", len(lines))
	}
}

func TestAlerter_CooldownMapPruning(t *testing.T) {
	a := newTestAlerter(t, time.Second, "", Channel{Type: config.ChannelFile, Path: filepath.Join(t.TempDir(), "alerts.log")})
	fakeNow := time.Now()
	a.now = func() time.Time { return fakeNow }

	if _, err := a.Process(sshModifyEvent()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(a.lastSent) != 1 {
		t.Fatalf("lastSent has %d entries, want 1", len(a.lastSent))
	}

	fakeNow = fakeNow.Add(2 * time.Second)
	a.suppressed("some-unrelated-rule")

	if _, ok := a.lastSent["ssh-authorized-keys-modified"]; ok {
		t.Fatal("expired cooldown entry should have been pruned")
	}
}

func TestAlerter_MinSeverityFiltersAlerts(t *testing.T) {
	dir := t.TempDir()
	alertPath := filepath.Join(dir, "alerts.log")
	d := detect.New(detect.DefaultRules(), detect.NewSequenceDetector(300*time.Second, 0), mustBaseline(t))
	a := New(d, []Channel{{Type: config.ChannelFile, Path: alertPath}}, config.SeverityCritical, 0, "", "", nil)

	// shell-rc-file-modified is medium severity, below the critical floor.
	rec := chain.Genesis([]byte("k"), time.Now(), 100, 1000, chain.KindMessage, "s")
	ev := collector.Event{Record: rec, File: collector.FileEvent{Kind: collector.FileModify, Path: "/home/user/.bashrc"}}

	dispatched, err := a.Process(ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(dispatched) != 0 {
		t.Fatalf("expected medium-severity alert to be filtered out, got %+v", dispatched)
	}
	if lines := readLines(t, alertPath); len(lines) != 0 {
		t.Fatalf("expected no lines written, got %v", lines)
	}
}

func TestAlerter_AllChannelsFailWritesQueue(t *testing.T) {
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.log")
	// An invalid command channel that cannot possibly succeed.
	a := newTestAlerter(t, 0, queuePath, Channel{Type: config.ChannelCommand, Command: "/nonexistent/clauditor-notify-test-binary"})

	if _, err := a.Process(sshModifyEvent()); err == nil {
		t.Fatal("expected an error when every channel fails")
	}

	lines := readLines(t, queuePath)
	if len(lines) != 1 {
		t.Fatalf("queue file has %d lines, want 1", len(lines))
	}
	info, err := os.Stat(queuePath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("queue mode = %o, want 0600", info.Mode().Perm())
	}
}
