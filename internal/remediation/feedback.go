package remediation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ActionableMarker opens every QA comment that carries structured feedback.
// Comments without it are ignored.
const ActionableMarker = "\U0001F534 Required Changes"

var (
	issueTypePattern = regexp.MustCompile(`(?m)^\s*\*\*Issue Type\*\*:\s*\[(.*?)\]`)
	severityPattern  = regexp.MustCompile(`(?m)^\s*\*\*Severity\*\*:\s*\[(.*?)\]`)

	descriptionPattern = regexp.MustCompile(`(?ms)### Description\s*\n(.*?)(?:\n### |\n\*\*|\z)`)
	stepsPattern       = regexp.MustCompile(`(?ms)### Steps to Reproduce\s*\n(.*?)(?:\n### |\z)`)
	criteriaPattern    = regexp.MustCompile(`(?ms)### Acceptance Criteria Not Met\s*\n(.*?)(?:\n### |\z)`)

	checkboxPattern = regexp.MustCompile(`(?m)^\s*[-*]\s*\[([ xX])\]\s*(.+)$`)
	stepLinePattern = regexp.MustCompile(`^\s*\d+\.\s*(.+)$`)

	expectedPattern = regexp.MustCompile(`(?m)^\s*-?\s*\*\*Expected\*\*:\s*(.+)$`)
	actualPattern   = regexp.MustCompile(`(?m)^\s*-?\s*\*\*Actual\*\*:\s*(.+)$`)
)

// IsActionable reports whether a comment carries the actionable marker.
func IsActionable(body string) bool {
	return strings.Contains(body, ActionableMarker)
}

// ExtractFeedback parses an actionable QA comment into a FeedbackIssue.
// Issue type and severity are required; everything else is tolerated as
// missing. Comments without the marker return (nil, nil) so callers skip
// them without erroring.
func ExtractFeedback(body string) (*FeedbackIssue, error) {
	if !IsActionable(body) {
		return nil, nil
	}

	kindMatch := issueTypePattern.FindStringSubmatch(body)
	if kindMatch == nil {
		return nil, fmt.Errorf("issue type not found in comment")
	}
	kind, err := ParseIssueType(strings.TrimSpace(kindMatch[1]))
	if err != nil {
		return nil, err
	}

	sevMatch := severityPattern.FindStringSubmatch(body)
	if sevMatch == nil {
		return nil, fmt.Errorf("severity not found in comment")
	}
	severity, err := ParseSeverity(strings.TrimSpace(sevMatch[1]))
	if err != nil {
		return nil, err
	}

	issue := &FeedbackIssue{
		Kind:      kind,
		Severity:  severity,
		CreatedAt: time.Now().UTC(),
	}

	if m := descriptionPattern.FindStringSubmatch(body); m != nil {
		issue.Description = strings.TrimSpace(m[1])
	}
	if m := criteriaPattern.FindStringSubmatch(body); m != nil {
		issue.Criteria = parseCheckboxes(m[1])
	}
	if m := stepsPattern.FindStringSubmatch(body); m != nil {
		issue.ReproductionSteps = parseSteps(m[1])
	}
	if m := expectedPattern.FindStringSubmatch(body); m != nil {
		issue.Expected = strings.TrimSpace(m[1])
	}
	if m := actualPattern.FindStringSubmatch(body); m != nil {
		issue.Actual = strings.TrimSpace(m[1])
	}

	return issue, nil
}

// parseCheckboxes reads markdown checkboxes into criteria, preserving order.
func parseCheckboxes(section string) []Criterion {
	var criteria []Criterion
	for _, m := range checkboxPattern.FindAllStringSubmatch(section, -1) {
		description := strings.TrimSpace(m[2])
		if description == "" {
			continue
		}
		criteria = append(criteria, Criterion{
			Description: description,
			Completed:   m[1] == "x" || m[1] == "X",
		})
	}
	return criteria
}

// parseSteps reads a numbered list into ordered steps, skipping anything that
// is not a numbered line.
func parseSteps(section string) []string {
	var steps []string
	for _, line := range strings.Split(section, "\n") {
		if m := stepLinePattern.FindStringSubmatch(line); m != nil {
			steps = append(steps, strings.TrimSpace(m[1]))
		}
	}
	return steps
}

// RenderFeedback renders a FeedbackIssue into the canonical QA comment form,
// the inverse of ExtractFeedback. Used to embed structured feedback in
// follow-up agent prompts.
func RenderFeedback(issue *FeedbackIssue) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", ActionableMarker)
	fmt.Fprintf(&b, "**Issue Type**: [%s]\n", issue.Kind)
	fmt.Fprintf(&b, "**Severity**: [%s]\n", issue.Severity)

	if issue.Description != "" {
		fmt.Fprintf(&b, "\n### Description\n%s\n", issue.Description)
	}

	if len(issue.Criteria) > 0 {
		b.WriteString("\n### Acceptance Criteria Not Met\n")
		for _, c := range issue.Criteria {
			mark := " "
			if c.Completed {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Description)
		}
	}

	if len(issue.ReproductionSteps) > 0 {
		b.WriteString("\n### Steps to Reproduce\n")
		for i, step := range issue.ReproductionSteps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}

	if issue.Expected != "" || issue.Actual != "" {
		b.WriteString("\n### Expected vs Actual\n")
		if issue.Expected != "" {
			fmt.Fprintf(&b, "- **Expected**: %s\n", issue.Expected)
		}
		if issue.Actual != "" {
			fmt.Fprintf(&b, "- **Actual**: %s\n", issue.Actual)
		}
	}

	return b.String()
}
