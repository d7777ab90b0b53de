package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clauditor/clauditor/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.toml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validTOML = `
key_path = "/etc/clauditor/hmac.key"
baseline_path = "/var/lib/clauditor/baseline.json"
session_paths = ["/home/automation/.tmux"]

[collector]
watch_paths = ["/home/automation", "/etc/ssh"]
target_uid = 1001

[writer]
log_path = "/var/log/clauditor/audit.jsonl"
fsync = "every"
max_size_bytes = 104857600

[alerter]
min_severity = "medium"
queue_path = "/var/lib/clauditor/alert-queue.jsonl"
cooldown_secs = 30

[[alerter.channels]]
type = "clawdbot_wake"
gateway_url = "http://127.0.0.1:8787/wake"

[[alerter.channels]]
type = "file"
path = "/var/log/clauditor/alerts.jsonl"
`

func TestLoad_Valid(t *testing.T) {
	path := writeTemp(t, validTOML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.KeyPath != "/etc/clauditor/hmac.key" {
		t.Errorf("KeyPath = %q", cfg.KeyPath)
	}
	if cfg.BaselinePath != "/var/lib/clauditor/baseline.json" {
		t.Errorf("BaselinePath = %q", cfg.BaselinePath)
	}
	if len(cfg.SessionPaths) != 1 || cfg.SessionPaths[0] != "/home/automation/.tmux" {
		t.Errorf("SessionPaths = %v", cfg.SessionPaths)
	}
	if cfg.Collector.TargetUID != 1001 {
		t.Errorf("Collector.TargetUID = %d, want 1001", cfg.Collector.TargetUID)
	}
	if len(cfg.Collector.WatchPaths) != 2 {
		t.Errorf("Collector.WatchPaths = %v", cfg.Collector.WatchPaths)
	}
	if cfg.Writer.LogPath != "/var/log/clauditor/audit.jsonl" {
		t.Errorf("Writer.LogPath = %q", cfg.Writer.LogPath)
	}
	if cfg.Writer.Fsync != config.FsyncEvery {
		t.Errorf("Writer.Fsync = %q, want every", cfg.Writer.Fsync)
	}
	if cfg.Writer.MaxSizeBytes != 104857600 {
		t.Errorf("Writer.MaxSizeBytes = %d", cfg.Writer.MaxSizeBytes)
	}
	if cfg.Alerter.MinSeverity != config.SeverityMedium {
		t.Errorf("Alerter.MinSeverity = %v, want SeverityMedium", cfg.Alerter.MinSeverity)
	}
	if cfg.Alerter.CooldownSecs != 30 {
		t.Errorf("Alerter.CooldownSecs = %d, want 30", cfg.Alerter.CooldownSecs)
	}
	if len(cfg.Alerter.Channels) != 2 {
		t.Fatalf("len(Channels) = %d, want 2", len(cfg.Alerter.Channels))
	}
	if cfg.Alerter.Channels[0].Type != config.ChannelClawdbotWake {
		t.Errorf("Channels[0].Type = %q", cfg.Alerter.Channels[0].Type)
	}
	if cfg.Alerter.Channels[1].Type != config.ChannelFile || cfg.Alerter.Channels[1].Path == "" {
		t.Errorf("Channels[1] = %+v", cfg.Alerter.Channels[1])
	}

	// exec_watchlist was omitted: the curated default applies.
	if len(cfg.Collector.ExecWatchlist) != len(config.DefaultExecWatchlist) {
		t.Errorf("ExecWatchlist = %v, want default of length %d", cfg.Collector.ExecWatchlist, len(config.DefaultExecWatchlist))
	}
}

func TestLoad_Defaults(t *testing.T) {
	minimal := `
key_path = "/etc/clauditor/hmac.key"
baseline_path = "/var/lib/clauditor/baseline.json"

[collector]
target_uid = 1001

[writer]
log_path = "/var/log/clauditor/audit.jsonl"
`
	path := writeTemp(t, minimal)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SequenceTTLSecs != 300 {
		t.Errorf("default SequenceTTLSecs = %d, want 300", cfg.SequenceTTLSecs)
	}
	if cfg.SessionTTLSecs != 300 {
		t.Errorf("default SessionTTLSecs = %d, want 300", cfg.SessionTTLSecs)
	}
	if cfg.Writer.Fsync != config.FsyncPeriodic {
		t.Errorf("default Writer.Fsync = %q, want periodic", cfg.Writer.Fsync)
	}
	if cfg.Writer.FsyncInterval != 100 {
		t.Errorf("default Writer.FsyncInterval = %d, want 100", cfg.Writer.FsyncInterval)
	}
	if cfg.Alerter.MinSeverity != config.SeverityLow {
		t.Errorf("default Alerter.MinSeverity = %v, want SeverityLow", cfg.Alerter.MinSeverity)
	}
	if cfg.Alerter.CooldownSecs != 60 {
		t.Errorf("default Alerter.CooldownSecs = %d, want 60", cfg.Alerter.CooldownSecs)
	}
}

func TestLoad_ExplicitEmptyExecWatchlistOverridesDefault(t *testing.T) {
	toml := `
key_path = "/etc/clauditor/hmac.key"
baseline_path = "/var/lib/clauditor/baseline.json"

[collector]
target_uid = 1001
exec_watchlist = []

[writer]
log_path = "/var/log/clauditor/audit.jsonl"
`
	path := writeTemp(t, toml)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Collector.ExecWatchlist) != 0 {
		t.Errorf("ExecWatchlist = %v, want empty (explicit override, not default)", cfg.Collector.ExecWatchlist)
	}
}

func TestLoad_MissingKeyPath(t *testing.T) {
	toml := `
baseline_path = "/var/lib/clauditor/baseline.json"

[collector]
target_uid = 1001

[writer]
log_path = "/var/log/clauditor/audit.jsonl"
`
	path := writeTemp(t, toml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for missing key_path, got nil")
	}
	if !strings.Contains(err.Error(), "key_path") {
		t.Errorf("error %q does not mention key_path", err.Error())
	}
}

func TestLoad_MissingLogPath(t *testing.T) {
	toml := `
key_path = "/etc/clauditor/hmac.key"
baseline_path = "/var/lib/clauditor/baseline.json"

[collector]
target_uid = 1001
`
	path := writeTemp(t, toml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for missing writer.log_path, got nil")
	}
	if !strings.Contains(err.Error(), "log_path") {
		t.Errorf("error %q does not mention log_path", err.Error())
	}
}

func TestLoad_InvalidFsync(t *testing.T) {
	toml := `
key_path = "/etc/clauditor/hmac.key"
baseline_path = "/var/lib/clauditor/baseline.json"

[collector]
target_uid = 1001

[writer]
log_path = "/var/log/clauditor/audit.jsonl"
fsync = "sometimes"
`
	path := writeTemp(t, toml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid fsync, got nil")
	}
	if !strings.Contains(err.Error(), "fsync") {
		t.Errorf("error %q does not mention fsync", err.Error())
	}
}

func TestLoad_InvalidSeverity(t *testing.T) {
	toml := `
key_path = "/etc/clauditor/hmac.key"
baseline_path = "/var/lib/clauditor/baseline.json"

[collector]
target_uid = 1001

[writer]
log_path = "/var/log/clauditor/audit.jsonl"

[alerter]
min_severity = "urgent"
`
	path := writeTemp(t, toml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid min_severity, got nil")
	}
	if !strings.Contains(err.Error(), "min_severity") {
		t.Errorf("error %q does not mention min_severity", err.Error())
	}
}

func TestLoad_ChannelMissingRequiredField(t *testing.T) {
	toml := `
key_path = "/etc/clauditor/hmac.key"
baseline_path = "/var/lib/clauditor/baseline.json"

[collector]
target_uid = 1001

[writer]
log_path = "/var/log/clauditor/audit.jsonl"

[[alerter.channels]]
type = "command"
`
	path := writeTemp(t, toml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for command channel missing command field, got nil")
	}
	if !strings.Contains(err.Error(), "command") {
		t.Errorf("error %q does not mention command", err.Error())
	}
}

func TestLoad_ChannelInvalidType(t *testing.T) {
	toml := `
key_path = "/etc/clauditor/hmac.key"
baseline_path = "/var/lib/clauditor/baseline.json"

[collector]
target_uid = 1001

[writer]
log_path = "/var/log/clauditor/audit.jsonl"

[[alerter.channels]]
type = "webhook"
`
	path := writeTemp(t, toml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid channel type, got nil")
	}
	if !strings.Contains(err.Error(), "webhook") {
		t.Errorf("error %q does not mention invalid type %q", err.Error(), "webhook")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.toml")
	_, err := config.Load(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTemp(t, ":::not valid toml:::")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
}

func TestLoad_MultipleErrorsJoined(t *testing.T) {
	toml := `
[writer]
fsync = "sometimes"
`
	path := writeTemp(t, toml)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"key_path", "baseline_path", "log_path", "fsync"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q does not mention %q", err.Error(), want)
		}
	}
}
