package detect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/clauditor/clauditor/internal/config"
)

// ExecMatchKind selects which part(s) of an exec Input an ExecRule tests.
type ExecMatchKind int

const (
	// MatchCommand tests only the command name (basename).
	MatchCommand ExecMatchKind = iota + 1
	// MatchArgv tests only the space-joined argv string.
	MatchArgv
	// MatchCommandAndArgv requires both patterns to match.
	MatchCommandAndArgv
)

// ExecRule matches a single exec Input.
type ExecRule struct {
	ID          string
	Description string
	Severity    config.Severity
	Category    Category
	Match       ExecMatchKind
	CommandRE   *regexp.Regexp
	ArgvRE      *regexp.Regexp
}

func (r ExecRule) matches(in Input) bool {
	argv := strings.Join(in.Argv, " ")
	switch r.Match {
	case MatchCommand:
		return r.CommandRE != nil && r.CommandRE.MatchString(in.Comm)
	case MatchArgv:
		return r.ArgvRE != nil && r.ArgvRE.MatchString(argv)
	case MatchCommandAndArgv:
		return r.CommandRE != nil && r.ArgvRE != nil &&
			r.CommandRE.MatchString(in.Comm) && r.ArgvRE.MatchString(argv)
	default:
		return false
	}
}

func (r ExecRule) alert(in Input) Alert {
	a := Alert{
		Severity:    r.Severity,
		Category:    r.Category,
		RuleID:      r.ID,
		Description: r.Description,
		Argv:        in.Argv,
		HasPID:      in.HasPID,
		PID:         in.PID,
		HasUID:      in.HasUID,
		UID:         in.UID,
		Evidence:    fmt.Sprintf("exec comm=%q argv=%q", in.Comm, strings.Join(in.Argv, " ")),
	}
	return a
}

// FileOpRule matches a single file-op Input.
type FileOpRule struct {
	ID          string
	Description string
	Severity    config.Severity
	Category    Category
	Ops         map[FileOp]bool
	PathRE      *regexp.Regexp
}

func (r FileOpRule) matches(in Input) bool {
	return r.Ops[in.Op] && r.PathRE != nil && r.PathRE.MatchString(in.Path)
}

func (r FileOpRule) alert(in Input) Alert {
	return Alert{
		Severity:    r.Severity,
		Category:    r.Category,
		RuleID:      r.ID,
		Description: r.Description,
		HasPID:      in.HasPID,
		PID:         in.PID,
		HasUID:      in.HasUID,
		UID:         in.UID,
		Paths:       []string{in.Path},
		Evidence:    fmt.Sprintf("%s %s", in.Op, in.Path),
	}
}

// StaticRules is the compiled, stateless exec/file-op ruleset. A single pass
// over both rule slices is made per Input; every matching rule contributes
// an alert.
type StaticRules struct {
	ExecRules   []ExecRule
	FileOpRules []FileOpRule
}

// Match runs in against every compiled rule and returns every alert
// produced, in rule-declaration order.
func (s StaticRules) Match(in Input) []Alert {
	var alerts []Alert
	switch in.Kind {
	case InputExec:
		for _, r := range s.ExecRules {
			if r.matches(in) {
				alerts = append(alerts, r.alert(in))
			}
		}
	case InputFileOp:
		for _, r := range s.FileOpRules {
			if r.matches(in) {
				alerts = append(alerts, r.alert(in))
			}
		}
	}
	return alerts
}

func mustCompile(pattern string) *regexp.Regexp {
	return regexp.MustCompile(pattern)
}

// DefaultRules returns the curated rule set clauditor ships with. Every
// pattern here is compiled at call time; an invalid pattern is a
// construction-time programming error (regexp.MustCompile panics), matching
// the spec's stance that regex compilation failures are configuration bugs
// caught at startup, not runtime conditions.
func DefaultRules() StaticRules {
	ops := func(ops ...FileOp) map[FileOp]bool {
		m := make(map[FileOp]bool, len(ops))
		for _, o := range ops {
			m[o] = true
		}
		return m
	}

	return StaticRules{
		FileOpRules: []FileOpRule{
			{
				ID:          "ssh-authorized-keys-modified",
				Description: "an SSH authorized_keys file was modified",
				Severity:    config.SeverityCritical,
				Category:    CategoryPersistence,
				Ops:         ops(FileOpWrite),
				PathRE:      mustCompile(`(^|/)\.ssh/authorized_keys2?$`),
			},
			{
				ID:          "shell-rc-file-modified",
				Description: "a shell startup file was modified",
				Severity:    config.SeverityMedium,
				Category:    CategoryPersistence,
				Ops:         ops(FileOpWrite),
				PathRE:      mustCompile(`\.(bashrc|bash_profile|bash_login|zshrc|profile)$`),
			},
			{
				ID:          "cron-modified",
				Description: "a crontab or cron.d entry was modified",
				Severity:    config.SeverityHigh,
				Category:    CategoryPersistence,
				Ops:         ops(FileOpWrite, FileOpRename),
				PathRE:      mustCompile(`(^|/)(etc/cron\.[^/]+/|etc/crontab$|var/spool/cron/)`),
			},
			{
				ID:          "systemd-unit-modified",
				Description: "a systemd unit file was modified",
				Severity:    config.SeverityHigh,
				Category:    CategoryPersistence,
				Ops:         ops(FileOpWrite),
				PathRE:      mustCompile(`(^|/)(etc|lib|usr/lib)/systemd/.*\.(service|timer)$`),
			},
			{
				ID:          "log-file-deleted",
				Description: "a log file was deleted",
				Severity:    config.SeverityMedium,
				Category:    CategoryTamper,
				Ops:         ops(FileOpUnlink),
				PathRE:      mustCompile(`(^|/)var/log/`),
			},
		},
		ExecRules: []ExecRule{
			{
				ID:          "recursive-force-removal",
				Description: "rm invoked with recursive+force flags",
				Severity:    config.SeverityCritical,
				Category:    CategoryTamper,
				Match:       MatchCommandAndArgv,
				CommandRE:   mustCompile(`^rm$`),
				ArgvRE:      mustCompile(`-[a-zA-Z]*r[a-zA-Z]*f|-[a-zA-Z]*f[a-zA-Z]*r|--recursive.*--force|--force.*--recursive`),
			},
			{
				ID:          "setuid-chmod",
				Description: "chmod granting a setuid/setgid bit",
				Severity:    config.SeverityHigh,
				Category:    CategoryPersistence,
				Match:       MatchCommandAndArgv,
				CommandRE:   mustCompile(`^chmod$`),
				ArgvRE:      mustCompile(`(\+s)|([0-7]*[4-7][0-7]{3}\b)`),
			},
			{
				ID:          "outbound-network-binary",
				Description: "an exfiltration-capable network binary was executed",
				Severity:    config.SeverityLow,
				Category:    CategoryExfil,
				Match:       MatchCommand,
				CommandRE:   mustCompile(`^(curl|wget|nc|ncat|netcat|scp|rsync|ssh|sftp|ftp|sendmail|mail)$`),
			},
			{
				ID:          "shell-interpreter-inline-command",
				Description: "a shell or scripting interpreter ran an inline -c command",
				Severity:    config.SeverityMedium,
				Category:    CategoryInjection,
				Match:       MatchCommandAndArgv,
				CommandRE:   mustCompile(`^(bash|sh|zsh|dash|python|python3|perl|ruby)$`),
				ArgvRE:      mustCompile(`(^|\s)-c(\s|$)`),
			},
			{
				ID:          "base64-decode",
				Description: "base64 decode invocation, commonly used to deobfuscate payloads",
				Severity:    config.SeverityMedium,
				Category:    CategoryInjection,
				Match:       MatchCommandAndArgv,
				CommandRE:   mustCompile(`^base64$`),
				ArgvRE:      mustCompile(`(^|\s)(-d|--decode)(\s|$)`),
			},
		},
	}
}
