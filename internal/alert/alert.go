// Package alert dispatches detector alerts to one or more notification
// channels, gated by a per-rule cooldown window and falling back to a disk
// queue when every configured channel fails for a given alert.
package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clauditor/clauditor/internal/collector"
	"github.com/clauditor/clauditor/internal/config"
	"github.com/clauditor/clauditor/internal/detect"
	"github.com/clauditor/clauditor/internal/pathsafe"
)

// Payload is the JSON shape written to the file and command channels and to
// the overflow queue.
type Payload struct {
	Timestamp    time.Time   `json:"timestamp"`
	Alert        detect.Alert `json:"alert"`
	EventSummary string      `json:"event_summary"`
}

// Channel is one configured notification sink. Exactly one of the typed
// fields is meaningful, selected by Type.
type Channel struct {
	Type       config.ChannelType
	GatewayURL string
	Facility   string
	Path       string
	Base       string // base directory for path-safety validation of Path
	Command    string
	Args       []string
}

// send dispatches payload on the channel, returning an error describing why
// the channel failed.
func (c Channel) send(payload Payload) error {
	switch c.Type {
	case config.ChannelFile:
		return sendFile(c, payload)
	case config.ChannelSyslog:
		return sendSyslog(c, payload)
	case config.ChannelCommand:
		return sendCommand(c, payload)
	case config.ChannelClawdbotWake:
		return sendClawdbotWake(c, payload)
	default:
		return fmt.Errorf("alert: unknown channel type %q", c.Type)
	}
}

func marshalLine(payload Payload) ([]byte, error) {
	line, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("alert: marshal payload: %w", err)
	}
	return append(line, '\n'), nil
}

func sendFile(c Channel, payload Payload) error {
	if err := pathsafe.Validate(c.Path, c.Base); err != nil {
		return fmt.Errorf("alert: invalid file channel path: %w", err)
	}
	line, err := marshalLine(payload)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(c.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("alert: open file channel %q: %w", c.Path, err)
	}
	defer f.Close()
	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("alert: chmod file channel %q: %w", c.Path, err)
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("alert: write file channel %q: %w", c.Path, err)
	}
	return nil
}

func syslogPriority(sev config.Severity) string {
	switch sev {
	case config.SeverityCritical:
		return "crit"
	case config.SeverityHigh:
		return "err"
	case config.SeverityMedium:
		return "warning"
	default:
		return "notice"
	}
}

func sendSyslog(c Channel, payload Payload) error {
	facility := c.Facility
	if facility == "" {
		facility = "daemon"
	}
	priority := fmt.Sprintf("%s.%s", facility, syslogPriority(payload.Alert.Severity))
	line, err := marshalLine(payload)
	if err != nil {
		return err
	}
	cmd := exec.Command("logger", "-p", priority)
	cmd.Stdin = bytes.NewReader(line)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("alert: syslog channel: %w", err)
	}
	return nil
}

func sendCommand(c Channel, payload Payload) error {
	if c.Command == "" {
		return fmt.Errorf("alert: command channel has no configured executable")
	}
	line, err := marshalLine(payload)
	if err != nil {
		return err
	}
	cmd := exec.Command(c.Command, c.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("alert: command channel stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("alert: command channel start: %w", err)
	}
	if _, err := stdin.Write(line); err != nil {
		stdin.Close()
		cmd.Wait()
		return fmt.Errorf("alert: command channel write: %w", err)
	}
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("alert: command channel exited non-zero: %w", err)
	}
	return nil
}

func sendClawdbotWake(c Channel, payload Payload) error {
	args := []string{"--message", payload.Alert.Description}
	if c.GatewayURL != "" {
		args = append([]string{"--gateway", c.GatewayURL}, args...)
	}
	cmd := exec.Command("clawdbot-wake", args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("alert: clawdbot_wake channel: %w", err)
	}
	return nil
}

// Alerter converts collector events to alerts, filters by minimum severity,
// applies a per-rule cooldown, and dispatches survivors to every configured
// channel.
type Alerter struct {
	detector    *detect.Detector
	channels    []Channel
	minSeverity config.Severity
	cooldown    time.Duration
	queuePath   string
	queueBase   string
	logger      *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time

	now func() time.Time
}

// New constructs an Alerter.
func New(d *detect.Detector, channels []Channel, minSeverity config.Severity, cooldown time.Duration, queuePath, queueBase string, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{
		detector:    d,
		channels:    channels,
		minSeverity: minSeverity,
		cooldown:    cooldown,
		queuePath:   queuePath,
		queueBase:   queueBase,
		logger:      logger,
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
	}
}

// Process converts ev to a detector input, runs detection, and dispatches
// every alert that survives severity filtering and cooldown suppression. It
// returns the alerts that were dispatched (sent, not suppressed) and the
// first dispatch error encountered, if any.
func (a *Alerter) Process(ev collector.Event) ([]detect.Alert, error) {
	in, ok := detect.FromCollectorEvent(ev)
	if !ok {
		return nil, nil
	}

	var dispatched []detect.Alert
	var firstErr error
	for _, al := range a.detector.Process(in) {
		sent, err := a.ProcessAlert(al, summarize(ev))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if sent {
			dispatched = append(dispatched, al)
		}
	}
	return dispatched, firstErr
}

// ProcessAlert runs severity filtering and cooldown suppression on a
// pre-built alert and dispatches it if it survives. It is the entry point
// for alert sources that never go through Detector.Process — orphan-exec is
// one, since the daemon runs it as a standalone session-state check on each
// exec event — so that those alerts still reach the same
// severity/cooldown/channel pipeline as everything else. eventSummary is
// free-form context recorded alongside the alert; it may be empty.
//
// The returned bool reports whether the alert was actually dispatched
// (false when filtered by severity or suppressed by cooldown).
func (a *Alerter) ProcessAlert(al detect.Alert, eventSummary string) (bool, error) {
	if al.Severity < a.minSeverity {
		return false, nil
	}
	if a.suppressed(al.RuleID) {
		return false, nil
	}
	payload := Payload{
		Timestamp:    a.now().UTC(),
		Alert:        al,
		EventSummary: eventSummary,
	}
	if err := a.dispatch(payload); err != nil {
		a.logger.Error("alert: dispatch failed on every channel", slog.String("rule_id", al.RuleID), slog.Any("error", err))
		return true, err
	}
	return true, nil
}

// suppressed prunes expired cooldown entries, then reports whether ruleID is
// currently within its cooldown window. If not suppressed, it records now as
// the rule's last-sent time. The map is always pruned before the check, which
// is the only mechanism bounding its size.
func (a *Alerter) suppressed(ruleID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for id, at := range a.lastSent {
		if now.Sub(at) >= a.cooldown {
			delete(a.lastSent, id)
		}
	}

	if at, ok := a.lastSent[ruleID]; ok && now.Sub(at) < a.cooldown {
		return true
	}
	a.lastSent[ruleID] = now
	return false
}

// dispatch attempts every channel concurrently, since a slow syslog or
// command channel should never delay a clawdbot_wake invocation. If all fail and
// a queue path is configured, the payload is appended to the queue; an
// error is returned regardless so the caller can log it.
func (a *Alerter) dispatch(payload Payload) error {
	var mu sync.Mutex
	var errs []error

	var g errgroup.Group
	for _, ch := range a.channels {
		ch := ch
		g.Go(func() error {
			if err := ch.send(payload); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(errs) == 0 {
		return nil
	}
	if len(errs) < len(a.channels) {
		// At least one channel succeeded.
		return nil
	}

	combined := fmt.Errorf("alert: all %d channel(s) failed: %w", len(errs), errors.Join(errs...))
	if a.queuePath == "" {
		return combined
	}
	if err := a.enqueue(payload); err != nil {
		a.logger.Error("alert: failed to write overflow queue", slog.Any("error", err))
	}
	return combined
}

func (a *Alerter) enqueue(payload Payload) error {
	if err := pathsafe.Validate(a.queuePath, a.queueBase); err != nil {
		return fmt.Errorf("alert: invalid queue path: %w", err)
	}
	line, err := marshalLine(payload)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(a.queuePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("alert: open queue %q: %w", a.queuePath, err)
	}
	defer f.Close()
	if err := f.Chmod(0o600); err != nil {
		return fmt.Errorf("alert: chmod queue %q: %w", a.queuePath, err)
	}
	_, err = f.Write(line)
	return err
}

func summarize(ev collector.Event) string {
	summary := fmt.Sprintf("%s %s", ev.File.Kind.String(), ev.File.Path)
	if ev.Proc != nil {
		summary = fmt.Sprintf("%s (pid=%d uid=%d)", summary, ev.Proc.PID, ev.Proc.UID)
	}
	return summary
}
