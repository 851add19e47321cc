// Package github projects the remediation workflow onto pull request labels
// and wraps the repository labels API.
//
// The PR's label set is the system of record for workflow state: nothing here
// stores state, every reader derives it from labels with a fixed precedence.
package github

import (
	"fmt"
	"strconv"
	"strings"
)

// WorkflowState is the remediation workflow state derived from PR labels.
type WorkflowState string

const (
	// StateInitial means no workflow labels are present.
	StateInitial WorkflowState = "Initial"

	// StateNeedsRemediation means QA identified issues requiring fixes.
	StateNeedsRemediation WorkflowState = "NeedsRemediation"

	// StateRemediationInProgress means an implementation agent is working.
	StateRemediationInProgress WorkflowState = "RemediationInProgress"

	// StateReadyForQA means fixes are complete and waiting for QA.
	StateReadyForQA WorkflowState = "ReadyForQA"

	// StateApproved means QA approved the changes.
	StateApproved WorkflowState = "Approved"

	// StateFailed means remediation ended without approval.
	StateFailed WorkflowState = "Failed"

	// StateManualOverride is reported by force-state paths when a human took
	// over; it never appears as a derived label state.
	StateManualOverride WorkflowState = "ManualOverride"
)

// Workflow status labels, wire-exact.
const (
	LabelNeedsRemediation      = "needs-remediation"
	LabelRemediationInProgress = "remediation-in-progress"
	LabelReadyForQA            = "ready-for-qa"
	LabelApproved              = "approved"
	LabelFailedRemediation     = "failed-remediation"
)

// Human override labels, wire-exact.
const (
	LabelSkipAutomation       = "skip-automation"
	LabelManualReviewRequired = "manual-review-required"
	LabelPauseRemediation     = "pause-remediation"
)

const (
	taskLabelPrefix      = "task-"
	iterationLabelPrefix = "iteration-"
)

// statePrecedence orders status labels from strongest to weakest. Derivation
// depends only on set membership, never on label insertion order.
var statePrecedence = []struct {
	label string
	state WorkflowState
}{
	{LabelApproved, StateApproved},
	{LabelFailedRemediation, StateFailed},
	{LabelReadyForQA, StateReadyForQA},
	{LabelRemediationInProgress, StateRemediationInProgress},
	{LabelNeedsRemediation, StateNeedsRemediation},
}

// DetermineWorkflowState derives the workflow state from a PR's label set.
func DetermineWorkflowState(labels []string) WorkflowState {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	for _, p := range statePrecedence {
		if set[p.label] {
			return p.state
		}
	}
	return StateInitial
}

// StateLabel returns the status label encoding a state, or empty for states
// with no label representation (Initial, ManualOverride).
func StateLabel(state WorkflowState) string {
	for _, p := range statePrecedence {
		if p.state == state {
			return p.label
		}
	}
	return ""
}

// IsTerminalState reports whether a state ends the remediation loop.
func IsTerminalState(state WorkflowState) bool {
	return state == StateApproved || state == StateFailed
}

// IsStatusLabel reports whether a label is one of the workflow status labels.
func IsStatusLabel(label string) bool {
	for _, p := range statePrecedence {
		if p.label == label {
			return true
		}
	}
	return false
}

// TaskLabel renders the task association label for a task id.
func TaskLabel(taskID int64) string {
	return fmt.Sprintf("%s%d", taskLabelPrefix, taskID)
}

// ParseTaskLabel extracts the task id from a task-<n> label.
func ParseTaskLabel(label string) (int64, bool) {
	rest, ok := strings.CutPrefix(label, taskLabelPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// IterationLabel renders the iteration tracking label.
func IterationLabel(n int) string {
	return fmt.Sprintf("%s%d", iterationLabelPrefix, n)
}

// ParseIterationLabel extracts the iteration number from an iteration-<n>
// label.
func ParseIterationLabel(label string) (int, bool) {
	rest, ok := strings.CutPrefix(label, iterationLabelPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Trigger is an event that moves the workflow between states.
type Trigger string

const (
	TriggerQAFeedbackReceived   Trigger = "qa_feedback_received"
	TriggerRemediationStarted   Trigger = "remediation_started"
	TriggerRemediationCompleted Trigger = "remediation_completed"
	TriggerAdditionalFeedback   Trigger = "additional_feedback"
	TriggerApproved             Trigger = "approved"
	TriggerMaxIterationsReached Trigger = "max_iterations_reached"
)

// transition is one allowed (from, trigger, to) triple and its label actions.
type transition struct {
	from          WorkflowState
	trigger       Trigger
	to            WorkflowState
	removeLabel   string
	addLabel      string
	bumpIteration bool
}

// transitionTable is the complete set of allowed transitions. Anything not
// listed is an InvalidTransition.
var transitionTable = []transition{
	{
		from: StateInitial, trigger: TriggerQAFeedbackReceived, to: StateNeedsRemediation,
		addLabel: LabelNeedsRemediation, bumpIteration: true,
	},
	{
		from: StateNeedsRemediation, trigger: TriggerRemediationStarted, to: StateRemediationInProgress,
		removeLabel: LabelNeedsRemediation, addLabel: LabelRemediationInProgress,
	},
	{
		from: StateRemediationInProgress, trigger: TriggerRemediationCompleted, to: StateReadyForQA,
		removeLabel: LabelRemediationInProgress, addLabel: LabelReadyForQA,
	},
	{
		from: StateReadyForQA, trigger: TriggerAdditionalFeedback, to: StateNeedsRemediation,
		removeLabel: LabelReadyForQA, addLabel: LabelNeedsRemediation, bumpIteration: true,
	},
	{
		from: StateReadyForQA, trigger: TriggerApproved, to: StateApproved,
		removeLabel: LabelReadyForQA, addLabel: LabelApproved,
	},
	{
		from: StateRemediationInProgress, trigger: TriggerMaxIterationsReached, to: StateFailed,
		removeLabel: LabelRemediationInProgress, addLabel: LabelFailedRemediation,
	},
}

// lookupTransition finds the transition for (from, trigger), if allowed.
func lookupTransition(from WorkflowState, trigger Trigger) (transition, bool) {
	for _, t := range transitionTable {
		if t.from == from && t.trigger == trigger {
			return t, true
		}
	}
	return transition{}, false
}
