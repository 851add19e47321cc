package github

import (
	"math/rand"
	"testing"
)

func TestDetermineWorkflowState_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   WorkflowState
	}{
		{"empty", nil, StateInitial},
		{"task label only", []string{"task-42"}, StateInitial},
		{"needs remediation", []string{"task-42", LabelNeedsRemediation}, StateNeedsRemediation},
		{"in progress", []string{LabelRemediationInProgress}, StateRemediationInProgress},
		{"ready for qa", []string{LabelReadyForQA}, StateReadyForQA},
		{"approved wins over failed", []string{LabelFailedRemediation, LabelApproved}, StateApproved},
		{"failed wins over ready", []string{LabelReadyForQA, LabelFailedRemediation}, StateFailed},
		{"ready wins over in progress", []string{LabelRemediationInProgress, LabelReadyForQA}, StateReadyForQA},
		{"in progress wins over needs", []string{LabelNeedsRemediation, LabelRemediationInProgress}, StateRemediationInProgress},
		{"override does not change base state", []string{LabelNeedsRemediation, LabelSkipAutomation}, StateNeedsRemediation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetermineWorkflowState(tt.labels); got != tt.want {
				t.Errorf("DetermineWorkflowState(%v) = %v, want %v", tt.labels, got, tt.want)
			}
		})
	}
}

func TestDetermineWorkflowState_OrderIndependent(t *testing.T) {
	labels := []string{"task-7", "iteration-3", LabelNeedsRemediation, LabelReadyForQA, LabelPauseRemediation}
	want := DetermineWorkflowState(labels)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]string(nil), labels...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		if got := DetermineWorkflowState(shuffled); got != want {
			t.Fatalf("state depends on label order: %v gave %v, want %v", shuffled, got, want)
		}
	}
}

func TestIsTerminalState(t *testing.T) {
	if !IsTerminalState(StateApproved) || !IsTerminalState(StateFailed) {
		t.Error("Approved and Failed must be terminal")
	}
	for _, s := range []WorkflowState{StateInitial, StateNeedsRemediation, StateRemediationInProgress, StateReadyForQA} {
		if IsTerminalState(s) {
			t.Errorf("%v must not be terminal", s)
		}
	}
}

func TestTaskLabelRoundTrip(t *testing.T) {
	if got := TaskLabel(42); got != "task-42" {
		t.Errorf("TaskLabel(42) = %q", got)
	}
	id, ok := ParseTaskLabel("task-42")
	if !ok || id != 42 {
		t.Errorf("ParseTaskLabel(task-42) = %d, %v", id, ok)
	}
	for _, bad := range []string{"task-", "task-abc", "iteration-1", "needs-remediation", "task--3"} {
		if _, ok := ParseTaskLabel(bad); ok {
			t.Errorf("ParseTaskLabel(%q) should fail", bad)
		}
	}
}

func TestIterationLabelRoundTrip(t *testing.T) {
	if got := IterationLabel(3); got != "iteration-3" {
		t.Errorf("IterationLabel(3) = %q", got)
	}
	n, ok := ParseIterationLabel("iteration-3")
	if !ok || n != 3 {
		t.Errorf("ParseIterationLabel(iteration-3) = %d, %v", n, ok)
	}
	if _, ok := ParseIterationLabel("iteration-x"); ok {
		t.Error("ParseIterationLabel(iteration-x) should fail")
	}
}

func TestLookupTransition_TableComplete(t *testing.T) {
	valid := []struct {
		from    WorkflowState
		trigger Trigger
		to      WorkflowState
	}{
		{StateInitial, TriggerQAFeedbackReceived, StateNeedsRemediation},
		{StateNeedsRemediation, TriggerRemediationStarted, StateRemediationInProgress},
		{StateRemediationInProgress, TriggerRemediationCompleted, StateReadyForQA},
		{StateReadyForQA, TriggerAdditionalFeedback, StateNeedsRemediation},
		{StateReadyForQA, TriggerApproved, StateApproved},
		{StateRemediationInProgress, TriggerMaxIterationsReached, StateFailed},
	}
	for _, v := range valid {
		tr, ok := lookupTransition(v.from, v.trigger)
		if !ok || tr.to != v.to {
			t.Errorf("lookupTransition(%v, %v) = %+v, %v; want to=%v", v.from, v.trigger, tr, ok, v.to)
		}
	}

	invalid := []struct {
		from    WorkflowState
		trigger Trigger
	}{
		{StateInitial, TriggerApproved},
		{StateApproved, TriggerQAFeedbackReceived},
		{StateFailed, TriggerRemediationStarted},
		{StateNeedsRemediation, TriggerApproved},
		{StateReadyForQA, TriggerMaxIterationsReached},
	}
	for _, v := range invalid {
		if _, ok := lookupTransition(v.from, v.trigger); ok {
			t.Errorf("lookupTransition(%v, %v) should not be allowed", v.from, v.trigger)
		}
	}
}
