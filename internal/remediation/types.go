// Package remediation persists per-(PR, task) feedback cycles and decides
// when the loop terminates.
package remediation

import (
	"fmt"
	"time"
)

// IssueType classifies a QA feedback issue.
type IssueType string

const (
	IssueBug            IssueType = "Bug"
	IssueMissingFeature IssueType = "Missing Feature"
	IssueRegression     IssueType = "Regression"
	IssuePerformance    IssueType = "Performance"
)

// ParseIssueType parses the wire form of an issue type.
func ParseIssueType(s string) (IssueType, error) {
	switch IssueType(s) {
	case IssueBug, IssueMissingFeature, IssueRegression, IssuePerformance:
		return IssueType(s), nil
	default:
		return "", fmt.Errorf("unknown issue type: %s", s)
	}
}

// Severity ranks a feedback issue.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// ParseSeverity parses the wire form of a severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity: %s", s)
	}
}

// Criterion is one acceptance criterion checkbox from a QA comment.
type Criterion struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// FeedbackIssue is one structured issue extracted from an actionable QA
// comment.
type FeedbackIssue struct {
	Kind        IssueType `json:"issueType"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description,omitempty"`

	// Criteria holds all acceptance criteria with completion state; the
	// unchecked entries are the unmet criteria.
	Criteria []Criterion `json:"criteriaNotMet,omitempty"`

	// ReproductionSteps in order.
	ReproductionSteps []string `json:"reproductionSteps,omitempty"`

	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// Warnings carries input-validation warnings attached at ingest.
	Warnings []string `json:"warnings,omitempty"`
}

// UnmetCriteria returns the descriptions of unchecked criteria.
func (f *FeedbackIssue) UnmetCriteria() []string {
	var unmet []string
	for _, c := range f.Criteria {
		if !c.Completed {
			unmet = append(unmet, c.Description)
		}
	}
	return unmet
}

// IterationOutcome records the terminal result of one remediation iteration.
type IterationOutcome struct {
	Iteration  int       `json:"iteration"`
	Outcome    string    `json:"outcome"`
	RecordedAt time.Time `json:"recordedAt"`
}

// State is the persisted record for one (PR, task) pair.
type State struct {
	PRNumber int   `json:"prNumber"`
	TaskID   int64 `json:"taskId"`

	// Iteration counts remediation cycles. Bumped on each appended feedback.
	Iteration int `json:"iteration"`

	StartedAt time.Time `json:"startedAt"`

	// FeedbackHistory is ordered oldest first; FIFO-truncated under the
	// record size bound with TruncatedCount recording the drops.
	FeedbackHistory []FeedbackIssue    `json:"feedbackHistory,omitempty"`
	Outcomes        []IterationOutcome `json:"outcomes,omitempty"`
	TruncatedCount  int                `json:"truncatedCount,omitempty"`

	// LastKnownState is the last workflow state observed for the PR; the
	// labels stay the system of record.
	LastKnownState string `json:"lastKnownState,omitempty"`

	// ParentTaskID links follow-up tasks spawned from this remediation.
	ParentTaskID *int64 `json:"parentTaskId,omitempty"`

	// ExpireAt bounds the record's lifetime; the sweeper deletes past it.
	ExpireAt time.Time `json:"expireAt"`
}

// LatestFeedback returns the newest feedback issue, or nil.
func (s *State) LatestFeedback() *FeedbackIssue {
	if len(s.FeedbackHistory) == 0 {
		return nil
	}
	return &s.FeedbackHistory[len(s.FeedbackHistory)-1]
}

// Key returns the logical storage key for a (PR, task) pair.
func Key(prNumber int, taskID int64) string {
	return fmt.Sprintf("remediation/%d/%d", prNumber, taskID)
}
