package detect

import "github.com/clauditor/clauditor/internal/config"

// Category classifies why an alert fired.
type Category string

const (
	CategoryExfil       Category = "exfil"
	CategoryInjection   Category = "injection"
	CategoryPersistence Category = "persistence"
	CategoryTamper      Category = "tamper"
	CategoryAnomaly     Category = "anomaly"
	CategorySequence    Category = "sequence"
	CategoryBaseline    Category = "baseline"
)

// Alert is one detection result, independent of how it will be dispatched.
type Alert struct {
	Severity    config.Severity `json:"severity"`
	Category    Category        `json:"category"`
	RuleID      string          `json:"rule_id"`
	Description string          `json:"description"`

	HasPID bool   `json:"-"`
	PID    int32  `json:"pid,omitempty"`
	HasUID bool   `json:"-"`
	UID    uint32 `json:"uid,omitempty"`
	Argv   []string `json:"argv,omitempty"`

	Paths    []string `json:"paths,omitempty"`
	Evidence string   `json:"evidence,omitempty"`
}
