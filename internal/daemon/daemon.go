// Package daemon wires the collector, detector, journal, and alerter into
// the single-producer/single-consumer event loop that is clauditor's main
// process: one goroutine blocks on kernel reads via the collector, the main
// loop receives with a bounded timeout, and every accepted event is written
// to the journal before any alert it produces is dispatched.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"

	"github.com/clauditor/clauditor/internal/alert"
	"github.com/clauditor/clauditor/internal/collector"
	"github.com/clauditor/clauditor/internal/config"
	"github.com/clauditor/clauditor/internal/detect"
	"github.com/clauditor/clauditor/internal/journal"
	"github.com/clauditor/clauditor/internal/pathsafe"
)

const (
	heartbeatInterval    = 10 * time.Second
	receiveTimeout       = 500 * time.Millisecond
	baselinePersistEvery = 100
	eventQueueDepth      = 256
)

// Daemon owns the lifetime of one monitoring session: one chain, one
// journal, one baseline.
type Daemon struct {
	logger    *slog.Logger
	sessionID string

	collector *collector.Collector
	writer    *journal.Writer
	orphan    *detect.OrphanChecker
	baseline  *detect.Baseline
	alerter   *alert.Alerter

	heartbeatPath string
	watchdogUsec  uint64

	stopping atomic.Bool
	eventsProcessed uint64
}

// New constructs every component from cfg and a freshly minted session ID.
// The HMAC key is read once from cfg.KeyPath; key material is not zeroized
// on shutdown, matching the stated threat model.
func New(cfg *config.Config, heartbeatPath string, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: read key_path %q: %w", cfg.KeyPath, err)
	}

	sessionID := uuid.NewString()

	col, err := collector.New(sessionID, key, uint32(cfg.Collector.TargetUID), cfg.Collector.WatchPaths, cfg.Collector.ExecWatchlist, logger)
	if err != nil {
		return nil, fmt.Errorf("daemon: construct collector: %w", err)
	}

	w, err := journal.Open(journal.Config{
		Path:          cfg.Writer.LogPath,
		Fsync:         convertFsync(cfg.Writer.Fsync),
		FsyncInterval: cfg.Writer.FsyncInterval,
		MaxSizeBytes:  cfg.Writer.MaxSizeBytes,
	})
	if err != nil {
		col.Close()
		return nil, fmt.Errorf("daemon: open journal: %w", err)
	}

	baseline, err := detect.LoadBaseline(cfg.BaselinePath, logger)
	if err != nil {
		col.Close()
		w.Close()
		return nil, fmt.Errorf("daemon: load baseline: %w", err)
	}

	sequence := detect.NewSequenceDetector(time.Duration(cfg.SequenceTTLSecs)*time.Second, 0)
	detector := detect.New(detect.DefaultRules(), sequence, baseline)
	orphan := detect.NewOrphanChecker(cfg.SessionPaths, time.Duration(cfg.SessionTTLSecs)*time.Second)

	channels := make([]alert.Channel, 0, len(cfg.Alerter.Channels))
	for _, ch := range cfg.Alerter.Channels {
		channels = append(channels, alert.Channel{
			Type:       ch.Type,
			GatewayURL: ch.GatewayURL,
			Facility:   ch.Facility,
			Path:       ch.Path,
			Command:    ch.Command,
			Args:       ch.Args,
		})
	}
	alerter := alert.New(detector, channels, cfg.Alerter.MinSeverity, time.Duration(cfg.Alerter.CooldownSecs)*time.Second, cfg.Alerter.QueuePath, "", logger)

	return &Daemon{
		logger:        logger,
		sessionID:     sessionID,
		collector:     col,
		writer:        w,
		orphan:        orphan,
		baseline:      baseline,
		alerter:       alerter,
		heartbeatPath: heartbeatPath,
		watchdogUsec:  watchdogInterval(),
	}, nil
}

func convertFsync(f config.Fsync) journal.Fsync {
	switch f {
	case config.FsyncEvery:
		return journal.FsyncEvery
	case config.FsyncPeriodic:
		return journal.FsyncPeriodic
	default:
		return journal.FsyncNone
	}
}

func watchdogInterval() uint64 {
	raw := os.Getenv("WATCHDOG_USEC")
	if raw == "" {
		return 0
	}
	var usec uint64
	if _, err := fmt.Sscanf(raw, "%d", &usec); err != nil {
		return 0
	}
	return usec
}

// Run drives the event loop until ctx is cancelled or the collector fails
// fatally. It notifies the supervising init of readiness and, if a watchdog
// interval was supplied, pings it at half that interval.
func (d *Daemon) Run(ctx context.Context) error {
	events := make(chan collector.Event, eventQueueDepth)
	collectorErrCh := make(chan error, 1)

	go d.collectLoop(events, collectorErrCh)

	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		d.logger.Warn("daemon: sd_notify ready failed", slog.Any("error", err))
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	var watchdog *time.Ticker
	var watchdogCh <-chan time.Time
	if d.watchdogUsec > 0 {
		watchdog = time.NewTicker(time.Duration(d.watchdogUsec/2) * time.Microsecond)
		watchdogCh = watchdog.C
		defer watchdog.Stop()
	}

	var loopErr error

loop:
	for {
		if d.stopping.Load() {
			break
		}

		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				// The collector goroutine has terminated; collect its
				// outcome (if any) and stop.
				if err := <-collectorErrCh; err != nil {
					loopErr = fmt.Errorf("daemon: collector terminated: %w", err)
				}
				break loop
			}
			if err := d.handleEvent(ev); err != nil {
				loopErr = err
				break loop
			}
		case <-heartbeat.C:
			d.writeHeartbeat()
		case <-watchdogCh:
			if _, err := systemd.SdNotify(false, systemd.SdNotifyWatchdog); err != nil {
				d.logger.Warn("daemon: sd_notify watchdog failed", slog.Any("error", err))
			}
		case <-time.After(receiveTimeout):
			// Bounded-timeout receive: nothing arrived, loop again to
			// re-check the stop flag and context.
		}
	}

	d.shutdown()
	return loopErr
}

// collectLoop runs on its own goroutine and performs the blocking kernel
// reads. A fatal error terminates the goroutine and is reported once on
// collectorErrCh; the events channel is closed so the main loop can drain
// whatever was already buffered before observing the disconnect.
func (d *Daemon) collectLoop(events chan<- collector.Event, errCh chan<- error) {
	defer close(events)
	defer close(errCh)
	for {
		if d.stopping.Load() {
			return
		}
		batch, err := d.collector.ReadAvailable()
		if err != nil {
			errCh <- err
			return
		}
		for _, ev := range batch {
			events <- ev
		}
	}
}

// handleEvent writes ev to the journal before invoking the alerter, so the
// audit trail always precedes any alert side effect.
func (d *Daemon) handleEvent(ev collector.Event) error {
	if err := d.writer.WriteEvent(ev); err != nil {
		return fmt.Errorf("daemon: journal write failed: %w", err)
	}

	if ev.File.Kind == collector.FileExec {
		if a, ok := d.orphan.Check(); ok {
			d.logger.Warn("daemon: orphan exec observed", slog.String("rule_id", a.RuleID), slog.String("evidence", a.Evidence))
			if _, err := d.alerter.ProcessAlert(a, a.Evidence); err != nil {
				d.logger.Error("daemon: orphan alert dispatch failed", slog.Any("error", err))
			}
		}
	}

	if _, err := d.alerter.Process(ev); err != nil {
		d.logger.Error("daemon: alert dispatch failed", slog.Any("error", err))
	}

	d.eventsProcessed++
	if d.eventsProcessed%baselinePersistEvery == 0 && d.baseline.Dirty() {
		if err := d.baseline.Save(); err != nil {
			d.logger.Error("daemon: baseline persist failed", slog.Any("error", err))
		}
	}

	return nil
}

func (d *Daemon) writeHeartbeat() {
	if d.heartbeatPath == "" {
		return
	}
	if err := pathsafe.Validate(d.heartbeatPath, ""); err != nil {
		d.logger.Error("daemon: invalid heartbeat path", slog.Any("error", err))
		return
	}
	line := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(d.heartbeatPath, line, 0o600); err != nil {
		d.logger.Error("daemon: heartbeat write failed", slog.Any("error", err))
	}
}

// Stop flips the cooperative stop flag polled by both the main loop and the
// collector goroutine.
func (d *Daemon) Stop() {
	d.stopping.Store(true)
}

// shutdown stops the collector, flushes the writer, and persists the
// baseline. Persistence failures are logged, not fatal.
func (d *Daemon) shutdown() {
	if err := d.collector.Close(); err != nil {
		d.logger.Warn("daemon: collector close error", slog.Any("error", err))
	}
	if err := d.writer.Close(); err != nil {
		d.logger.Warn("daemon: writer close error", slog.Any("error", err))
	}
	if d.baseline.Dirty() {
		if err := d.baseline.Save(); err != nil {
			d.logger.Warn("daemon: baseline persist error", slog.Any("error", err))
		}
	}
	d.logger.Info("daemon: stopped cleanly", slog.String("session_id", d.sessionID))
}
