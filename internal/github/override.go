package github

import (
	"context"
	"fmt"
)

// OverrideSeverity orders human override labels by how much automation they
// halt.
type OverrideSeverity int

const (
	SeverityLow OverrideSeverity = iota + 1
	SeverityMedium
	SeverityHigh
)

func (s OverrideSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Override describes one active override label.
type Override struct {
	// Label is the override label on the PR.
	Label string

	// Severity of the override.
	Severity OverrideSeverity

	// Message is the human-readable meaning.
	Message string

	// Action names what automation must do while the override is active.
	Action string
}

// OverrideStatus summarizes all override labels on a PR. Primary is the
// highest-severity active override.
type OverrideStatus struct {
	HasOverride bool
	Primary     *Override
	All         []Override
}

// overrideDefinitions maps the override labels to their fixed semantics.
var overrideDefinitions = map[string]Override{
	LabelSkipAutomation: {
		Label:    LabelSkipAutomation,
		Severity: SeverityHigh,
		Message:  "All automated workflows disabled by human override",
		Action:   "halt_all_automation",
	},
	LabelManualReviewRequired: {
		Label:    LabelManualReviewRequired,
		Severity: SeverityMedium,
		Message:  "Manual review required before automation continues",
		Action:   "pause_until_review",
	},
	LabelPauseRemediation: {
		Label:    LabelPauseRemediation,
		Severity: SeverityLow,
		Message:  "Remediation temporarily paused",
		Action:   "pause_remediation_only",
	},
}

// DetectOverrides classifies a label set into an OverrideStatus. It never
// mutates labels.
func DetectOverrides(labels []string) OverrideStatus {
	var all []Override
	for _, label := range labels {
		if def, ok := overrideDefinitions[label]; ok {
			all = append(all, def)
		}
	}
	if len(all) == 0 {
		return OverrideStatus{}
	}

	primary := 0
	for i := range all {
		if all[i].Severity > all[primary].Severity {
			primary = i
		}
	}
	return OverrideStatus{
		HasOverride: true,
		Primary:     &all[primary],
		All:         all,
	}
}

// OverrideDetector reads a PR's labels and reports active overrides.
type OverrideDetector struct {
	labels LabelService
}

// NewOverrideDetector creates a detector over the given label service.
func NewOverrideDetector(labels LabelService) *OverrideDetector {
	return &OverrideDetector{labels: labels}
}

// Check loads the PR's labels and classifies them.
func (d *OverrideDetector) Check(ctx context.Context, prNumber int) (OverrideStatus, error) {
	labels, err := d.labels.ListLabels(ctx, prNumber)
	if err != nil {
		return OverrideStatus{}, fmt.Errorf("check overrides on PR #%d: %w", prNumber, err)
	}
	return DetectOverrides(labels), nil
}
