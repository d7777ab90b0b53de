package digest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clauditor/clauditor/internal/chain"
	"github.com/clauditor/clauditor/internal/collector"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func writeJournal(t *testing.T, path string, events []collector.Event) {
	t.Helper()
	var sb strings.Builder
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal event: %v", err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func benignEvents(t *testing.T, n int) []collector.Event {
	t.Helper()
	var out []collector.Event
	var prev chain.Record
	hasPrev := false
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		var rec chain.Record
		if !hasPrev {
			rec = chain.Genesis(testKey, ts, 100, 1000, chain.KindMessage, "s")
			hasPrev = true
		} else {
			rec = chain.Next(testKey, prev, ts, 100, 1000, chain.KindMessage, "s")
		}
		prev = rec
		out = append(out, collector.Event{
			Record: rec,
			File:   collector.FileEvent{Kind: collector.FileModify, Path: "/home/user/notes.txt"},
		})
	}
	return out
}

func TestReplay_CleanLogIsNotDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	writeJournal(t, path, benignEvents(t, 3))

	report, err := Replay(Options{LogPath: path, Key: testKey})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !report.ChainChecked || !report.ChainVerified {
		t.Fatalf("expected chain checked and verified, got checked=%v verified=%v err=%q", report.ChainChecked, report.ChainVerified, report.ChainError)
	}
	if report.RecordCount != 3 {
		t.Errorf("RecordCount = %d, want 3", report.RecordCount)
	}
	if report.Dirty() || report.ExitCode() != 0 {
		t.Fatalf("expected a clean report, got Dirty()=%v alerts=%+v", report.Dirty(), report.Alerts)
	}
}

func TestReplay_SSHKeyModificationProducesAlert(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	events := benignEvents(t, 1)
	events = append(events, collector.Event{
		Record: chain.Next(testKey, events[0].Record, time.Now(), 100, 1000, chain.KindMessage, "s"),
		File:   collector.FileEvent{Kind: collector.FileModify, Path: "/home/user/.ssh/authorized_keys"},
	})
	writeJournal(t, path, events)

	report, err := Replay(Options{LogPath: path})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Alerts) == 0 {
		t.Fatal("expected at least one alert for the authorized_keys modification")
	}
	if report.ExitCode() != 1 {
		t.Errorf("ExitCode() = %d, want 1 with an alert present", report.ExitCode())
	}
	if report.ChainChecked {
		t.Error("expected chain_checked=false when no key is supplied")
	}
}

func TestReplay_TamperedHashFailsVerification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	writeJournal(t, path, benignEvents(t, 2))

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	var doc map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rec := doc["record"].(map[string]any)
	rec["hash"] = strings.Repeat("00", 32)
	tampered, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	lines[1] = string(tampered)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	report, err := Replay(Options{LogPath: path, Key: testKey})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if report.ChainVerified {
		t.Fatal("expected chain verification to fail after tampering with a hash")
	}
	if report.ChainError == "" {
		t.Error("expected a non-empty ChainError")
	}
	if report.ExitCode() != 1 {
		t.Errorf("ExitCode() = %d, want 1", report.ExitCode())
	}
}

func TestReplay_ParseErrorsAreDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	events := benignEvents(t, 1)
	line, _ := json.Marshal(events[0])
	content := string(line) + "\n{not valid json\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	report, err := Replay(Options{LogPath: path})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.ParseErrors) != 1 || report.ParseErrors[0].Line != 2 {
		t.Fatalf("ParseErrors = %+v, want one error on line 2", report.ParseErrors)
	}
	if report.ExitCode() != 1 {
		t.Errorf("ExitCode() = %d, want 1", report.ExitCode())
	}
}

func TestReplay_SinceUntilWindowsAlertsNotRecordCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gen := chain.Genesis(testKey, base, 100, 1000, chain.KindMessage, "s")
	alertRec := chain.Next(testKey, gen, base.Add(time.Hour), 100, 1000, chain.KindMessage, "s")
	events := []collector.Event{
		{Record: gen, File: collector.FileEvent{Kind: collector.FileModify, Path: "/home/user/notes.txt"}},
		{Record: alertRec, File: collector.FileEvent{Kind: collector.FileModify, Path: "/home/user/.ssh/authorized_keys"}},
	}
	writeJournal(t, path, events)

	cutoff := base.Add(30 * time.Minute)
	report, err := Replay(Options{LogPath: path, Until: &cutoff})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if report.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2 (windowing must not affect chain continuity)", report.RecordCount)
	}
	if len(report.Alerts) != 0 {
		t.Errorf("expected the out-of-window alert to be excluded, got %+v", report.Alerts)
	}
}

func TestRenderMarkdown_ContainsKeySections(t *testing.T) {
	report := &Report{
		LogPath:     "/var/log/clauditor/events.log",
		GeneratedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		RecordCount: 5,
	}
	out, err := RenderMarkdown(report)
	if err != nil {
		t.Fatalf("RenderMarkdown: %v", err)
	}
	for _, want := range []string{"clauditor digest", "/var/log/clauditor/events.log", "not checked"} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderJSON_RoundTrips(t *testing.T) {
	report := &Report{LogPath: "x", RecordCount: 1}
	data, err := RenderJSON(report)
	if err != nil {
		t.Fatalf("RenderJSON: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.LogPath != "x" || decoded.RecordCount != 1 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
