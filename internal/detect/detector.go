package detect

import "time"

// Detector composes the stateless ruleset, the sequence detector, and the
// command baseline. The orphan-exec check is intentionally not part of
// Detector — see OrphanChecker — since it is owned directly by the daemon.
type Detector struct {
	rules    StaticRules
	sequence *SequenceDetector
	baseline *Baseline
}

// New constructs a Detector from its three sub-detectors.
func New(rules StaticRules, sequence *SequenceDetector, baseline *Baseline) *Detector {
	return &Detector{rules: rules, sequence: sequence, baseline: baseline}
}

// Process runs in through every sub-detector and returns every alert
// produced, in the order: static rules, sequence detector, baseline.
func (d *Detector) Process(in Input) []Alert {
	var alerts []Alert
	alerts = append(alerts, d.rules.Match(in)...)

	if in.Kind == InputExec {
		alerts = append(alerts, d.sequence.CheckExec(in.Comm, in.Argv)...)
		if a, ok := d.baseline.Record(in.Comm, time.Now()); ok {
			alerts = append(alerts, a)
		}
	}

	return alerts
}
