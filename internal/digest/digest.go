// Package digest replays a clauditor journal after the fact: it re-derives
// the alerts a live daemon would have raised, optionally verifies the HMAC
// chain, and renders the result as Markdown or JSON for the digest CLI
// subcommand. It never writes to the journal, the baseline file, or
// anything else the daemon owns.
package digest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/template"
	"time"

	"github.com/clauditor/clauditor/internal/chain"
	"github.com/clauditor/clauditor/internal/collector"
	"github.com/clauditor/clauditor/internal/detect"
)

// orphanReplayNote documents the one thing this report can never reconstruct:
// orphan-exec decisions depend on session-directory mtimes, which are never
// written to the journal.
const orphanReplayNote = "orphan-exec decisions are not replayed: session-directory state is not journaled, so this report cannot reconstruct them."

// Options configures one replay pass.
type Options struct {
	LogPath string
	// Key enables chain verification when non-nil. A nil Key means "no key
	// supplied"; the report notes the chain as unchecked rather than failed.
	Key []byte
	// Since/Until bound which events' alerts are included in the report.
	// Every event in the file still advances the baseline and sequence
	// detector and still participates in chain verification — only the
	// reported alert set is windowed.
	Since *time.Time
	Until *time.Time
}

// ParseError records one journal line that failed to decode as an Event.
type ParseError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// Report is the result of one replay pass.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	LogPath     string    `json:"log_path"`
	RecordCount int       `json:"record_count"`

	ChainChecked  bool   `json:"chain_checked"`
	ChainVerified bool   `json:"chain_verified"`
	ChainError    string `json:"chain_error,omitempty"`

	ParseErrors []ParseError   `json:"parse_errors,omitempty"`
	Alerts      []detect.Alert `json:"alerts,omitempty"`
	Notes       []string       `json:"notes,omitempty"`
}

// Dirty reports whether this digest found anything worth a non-zero exit:
// parse errors, a chain integrity failure, or any alert at all (sequence and
// baseline alerts are alerts like any other in this taxonomy).
func (r *Report) Dirty() bool {
	return len(r.ParseErrors) > 0 || r.ChainError != "" || len(r.Alerts) > 0
}

// ExitCode returns 0 for a clean report and 1 otherwise, per the digest
// exit-code rule.
func (r *Report) ExitCode() int {
	if r.Dirty() {
		return 1
	}
	return 0
}

// Replay reads the newline-delimited JSON journal at opts.LogPath and
// re-derives everything this package's Report can report on.
func Replay(opts Options) (*Report, error) {
	f, err := os.Open(opts.LogPath)
	if err != nil {
		return nil, fmt.Errorf("digest: open journal: %w", err)
	}
	defer f.Close()

	report := &Report{
		GeneratedAt: time.Now().UTC(),
		LogPath:     opts.LogPath,
		Notes:       []string{orphanReplayNote},
	}

	det := detect.New(detect.DefaultRules(), detect.NewSequenceDetector(300*time.Second, 0), detect.NewBaseline())

	var records []chain.Record

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var ev collector.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			report.ParseErrors = append(report.ParseErrors, ParseError{Line: lineNo, Err: err.Error()})
			continue
		}

		records = append(records, ev.Record)
		report.RecordCount++

		in, ok := detect.FromCollectorEvent(ev)
		if !ok {
			continue
		}
		alerts := det.Process(in)
		if inWindow(ev.Record.Timestamp, opts.Since, opts.Until) {
			report.Alerts = append(report.Alerts, alerts...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("digest: read journal: %w", err)
	}

	if opts.Key != nil {
		report.ChainChecked = true
		if err := chain.VerifyChain(records, opts.Key); err != nil {
			report.ChainError = err.Error()
		} else {
			report.ChainVerified = true
		}
	}

	return report, nil
}

func inWindow(ts time.Time, since, until *time.Time) bool {
	if since != nil && ts.Before(*since) {
		return false
	}
	if until != nil && ts.After(*until) {
		return false
	}
	return true
}

const markdownTemplate = `# clauditor digest

- log: {{.LogPath}}
- generated: {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}}
- records: {{.RecordCount}}
- chain: {{if .ChainChecked}}{{if .ChainVerified}}verified{{else}}FAILED: {{.ChainError}}{{end}}{{else}}not checked (no key supplied){{end}}
{{if .ParseErrors}}
## Parse errors ({{len .ParseErrors}})
{{range .ParseErrors}}- line {{.Line}}: {{.Err}}
{{end}}{{end}}
{{if .Alerts}}
## Alerts ({{len .Alerts}})
{{range .Alerts}}- [{{.Severity}}/{{.Category}}] {{.RuleID}}: {{.Description}}
{{end}}{{end}}
## Notes
{{range .Notes}}- {{.}}
{{end}}`

var mdTemplate = template.Must(template.New("digest-markdown").Parse(markdownTemplate))

// RenderMarkdown renders r as a human-readable Markdown report.
func RenderMarkdown(r *Report) (string, error) {
	var buf bytes.Buffer
	if err := mdTemplate.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("digest: render markdown: %w", err)
	}
	return buf.String(), nil
}

// RenderJSON renders r as indented JSON.
func RenderJSON(r *Report) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("digest: render json: %w", err)
	}
	return data, nil
}
