package github

import "fmt"

// InvalidTransitionError is returned for any (from, trigger) pair not in the
// transition table. The orchestrator does not mutate labels when it fires.
type InvalidTransitionError struct {
	From    WorkflowState
	Trigger Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s on trigger %q", e.From, e.Trigger)
}

// OverrideActiveError is returned when a mutation is refused because an
// override of severity medium or above is active on the PR.
type OverrideActiveError struct {
	Override Override
}

func (e *OverrideActiveError) Error() string {
	return fmt.Sprintf("override %s (%s) active, refusing mutation", e.Override.Label, e.Override.Severity)
}
