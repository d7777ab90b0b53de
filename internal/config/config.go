// Package config loads and validates clauditor's TOML configuration file.
// CLI argument parsing and the file format itself are thin glue over the
// core (see spec §1); this package's job ends at producing a validated
// Config the daemon loop can wire components from.
package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the top-level clauditor configuration.
type Config struct {
	// KeyPath is the path to the HMAC key file used to sign and verify the
	// audit chain. Required. Expected to be 0o640 root:watchdog-group on
	// disk (enforced by the installer, not by clauditor itself).
	KeyPath string `toml:"key_path"`

	// BaselinePath is where the command baseline is persisted as JSON.
	// Required.
	BaselinePath string `toml:"baseline_path"`

	// SequenceTTLSecs bounds how long a sensitive-path access is remembered
	// by the sequence detector. Defaults to 300 when zero.
	SequenceTTLSecs int `toml:"sequence_ttl_secs"`

	// SessionPaths lists directories whose mtimes define an "active
	// session" for the orphan-exec check (see internal/detect).
	SessionPaths []string `toml:"session_paths"`

	// SessionTTLSecs is how recently a file under a SessionPaths directory
	// must have been modified to count as an active session. Defaults to
	// 300 when zero.
	SessionTTLSecs int `toml:"session_ttl_secs"`

	Collector CollectorConfig `toml:"collector"`
	Writer    WriterConfig    `toml:"writer"`
	Alerter   AlerterConfig   `toml:"alerter"`
}

// CollectorConfig configures the kernel-backed event collector.
type CollectorConfig struct {
	// WatchPaths are absolute paths the collector monitors for filesystem
	// activity.
	WatchPaths []string `toml:"watch_paths"`

	// TargetUID is the UID of the observed, less-trusted account. Required.
	TargetUID int `toml:"target_uid"`

	// ExecWatchlist restricts exec events to these basenames. Empty means
	// "accept every exec" (no filtering). When omitted entirely from the
	// file, DefaultExecWatchlist is applied.
	ExecWatchlist []string `toml:"exec_watchlist"`
}

// DefaultExecWatchlist is the curated set of exec basenames applied when
// [collector].exec_watchlist is omitted from the configuration file.
var DefaultExecWatchlist = []string{
	"bash", "sh", "zsh", "dash",
	"python", "python3", "perl", "ruby", "node",
	"curl", "wget", "scp", "rsync", "ssh", "sftp", "ftp",
	"nc", "ncat", "netcat", "sendmail", "mail",
	"base64", "chmod", "crontab", "systemctl",
}

// Fsync enumerates the journal's fsync policy.
type Fsync string

const (
	FsyncNone     Fsync = "none"
	FsyncPeriodic Fsync = "periodic"
	FsyncEvery    Fsync = "every"
)

// WriterConfig configures the append-only journal.
type WriterConfig struct {
	// LogPath is the journal file path. Required.
	LogPath string `toml:"log_path"`

	// Fsync is one of "none", "periodic", or "every". Defaults to
	// "periodic" when omitted.
	Fsync Fsync `toml:"fsync"`

	// FsyncInterval is N in periodic(N): fsync every N writes. Defaults to
	// 100 when zero.
	FsyncInterval int `toml:"fsync_interval"`

	// MaxSizeBytes triggers rotation when the active file reaches this
	// size. Zero disables rotation.
	MaxSizeBytes int64 `toml:"max_size_bytes"`
}

// Severity is a totally ordered alert severity.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase wire name of s.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the severity using its wire name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the wire name produced by MarshalJSON back into a
// Severity.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses the wire name produced by Severity.String.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("config: unknown severity %q", s)
	}
}

// ChannelType tags an AlerterConfig channel's variant.
type ChannelType string

const (
	ChannelClawdbotWake ChannelType = "clawdbot_wake"
	ChannelSyslog       ChannelType = "syslog"
	ChannelFile         ChannelType = "file"
	ChannelCommand      ChannelType = "command"
)

// ChannelConfig is one tagged alert-dispatch channel. Only the fields
// relevant to Type are meaningful; this mirrors the tagged-sum-type shape
// spec.md mandates for the channel set within TOML's table-of-tables
// ergonomics.
type ChannelConfig struct {
	Type ChannelType `toml:"type"`

	// clawdbot_wake
	GatewayURL string `toml:"gateway_url"`

	// syslog
	Facility string `toml:"facility"`

	// file
	Path string `toml:"path"`

	// command
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// AlerterConfig configures the multi-channel alert dispatcher.
type AlerterConfig struct {
	Channels []ChannelConfig `toml:"channels"`

	// MinSeverity filters out alerts below this severity before dispatch.
	// Populated from MinSeverityRaw by Load; defaults to "low" when the
	// file omits min_severity.
	MinSeverity Severity `toml:"-"`
	// MinSeverityRaw is the raw TOML string.
	MinSeverityRaw string `toml:"min_severity"`

	// QueuePath is the disk retry queue used when every channel fails to
	// deliver an alert. Empty disables the total-failure queue.
	QueuePath string `toml:"queue_path"`

	// CooldownSecs is the per-rule suppression window. Defaults to 60 when
	// zero.
	CooldownSecs int `toml:"cooldown_secs"`
}

// defaults applied to zero-value optional fields.
const (
	defaultSequenceTTLSecs = 300
	defaultSessionTTLSecs  = 300
	defaultFsyncInterval   = 100
	defaultCooldownSecs    = 60
)

// Load reads the TOML file at path, applies defaults, and validates all
// required fields. It returns a typed error describing every validation
// failure encountered (joined via errors.Join), not just the first.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg, meta)

	err = validate(&cfg)
	if !meta.IsDefined("collector", "target_uid") {
		err = errors.Join(err, errors.New("collector.target_uid is required"))
	}
	if err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config, meta toml.MetaData) {
	if cfg.SequenceTTLSecs == 0 {
		cfg.SequenceTTLSecs = defaultSequenceTTLSecs
	}
	if cfg.SessionTTLSecs == 0 {
		cfg.SessionTTLSecs = defaultSessionTTLSecs
	}
	if !meta.IsDefined("collector", "exec_watchlist") {
		cfg.Collector.ExecWatchlist = append([]string(nil), DefaultExecWatchlist...)
	}
	if cfg.Writer.Fsync == "" {
		cfg.Writer.Fsync = FsyncPeriodic
	}
	if cfg.Writer.FsyncInterval == 0 {
		cfg.Writer.FsyncInterval = defaultFsyncInterval
	}
	if cfg.Alerter.MinSeverityRaw == "" {
		cfg.Alerter.MinSeverityRaw = "low"
	}
	if cfg.Alerter.CooldownSecs == 0 {
		cfg.Alerter.CooldownSecs = defaultCooldownSecs
	}
}

var validFsync = map[Fsync]bool{
	FsyncNone:     true,
	FsyncPeriodic: true,
	FsyncEvery:    true,
}

var validChannelTypes = map[ChannelType]bool{
	ChannelClawdbotWake: true,
	ChannelSyslog:       true,
	ChannelFile:         true,
	ChannelCommand:      true,
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.KeyPath == "" {
		errs = append(errs, errors.New("key_path is required"))
	}
	if cfg.BaselinePath == "" {
		errs = append(errs, errors.New("baseline_path is required"))
	}
	if cfg.Collector.TargetUID < 0 {
		errs = append(errs, errors.New("collector.target_uid is required and must be non-negative"))
	}
	if cfg.Writer.LogPath == "" {
		errs = append(errs, errors.New("writer.log_path is required"))
	}
	if !validFsync[cfg.Writer.Fsync] {
		errs = append(errs, fmt.Errorf("writer.fsync %q must be one of: none, periodic, every", cfg.Writer.Fsync))
	}
	if cfg.Writer.MaxSizeBytes < 0 {
		errs = append(errs, errors.New("writer.max_size_bytes must be non-negative"))
	}

	sev, err := ParseSeverity(cfg.Alerter.MinSeverityRaw)
	if err != nil {
		errs = append(errs, fmt.Errorf("alerter.min_severity: %w", err))
	} else {
		cfg.Alerter.MinSeverity = sev
	}
	if cfg.Alerter.CooldownSecs < 0 {
		errs = append(errs, errors.New("alerter.cooldown_secs must be non-negative"))
	}
	for i, ch := range cfg.Alerter.Channels {
		prefix := fmt.Sprintf("alerter.channels[%d]", i)
		if !validChannelTypes[ch.Type] {
			errs = append(errs, fmt.Errorf("%s: type %q must be one of: clawdbot_wake, syslog, file, command", prefix, ch.Type))
			continue
		}
		if ch.Type == ChannelFile && ch.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required for type=file", prefix))
		}
		if ch.Type == ChannelCommand && ch.Command == "" {
			errs = append(errs, fmt.Errorf("%s: command is required for type=command", prefix))
		}
	}

	return errors.Join(errs...)
}
