package github

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Resumer unblocks the external workflow suspended on a task. The
// orchestrator only emits resume signals; it never reads workflow state back,
// which keeps the dependency one-directional.
type Resumer interface {
	ResumeForState(ctx context.Context, taskID int64, prNumber int, state WorkflowState) error
}

// Orchestrator moves a PR through the remediation workflow by rewriting its
// labels. All mutations on one PR are serialized in-process; concurrent
// orchestrators on different replicas rely on label-set idempotency plus a
// post-mutation read.
type Orchestrator struct {
	labels   LabelService
	detector *OverrideDetector
	resumer  Resumer
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	prLocks map[int]*sync.Mutex
}

// NewOrchestrator creates an orchestrator over the given label service.
// resumer may be nil when no external workflow engine is configured.
func NewOrchestrator(labels LabelService, resumer Resumer, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		labels:   labels,
		detector: NewOverrideDetector(labels),
		resumer:  resumer,
		logger:   logger,
		prLocks:  map[int]*sync.Mutex{},
	}
}

// lockPR returns the in-process mutex serializing label operations for a PR.
func (o *Orchestrator) lockPR(prNumber int) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.prLocks[prNumber]
	if !ok {
		l = &sync.Mutex{}
		o.prLocks[prNumber] = l
	}
	return l
}

// Transition applies the (from, trigger, to) triple to the PR's labels.
// Triples outside the transition table fail with InvalidTransitionError and
// mutate nothing. Active overrides of severity medium or above refuse the
// mutation with OverrideActiveError.
func (o *Orchestrator) Transition(ctx context.Context, prNumber int, taskID int64, from WorkflowState, trigger Trigger, to WorkflowState) error {
	t, ok := lookupTransition(from, trigger)
	if !ok || t.to != to {
		return &InvalidTransitionError{From: from, Trigger: trigger}
	}

	lock := o.lockPR(prNumber)
	lock.Lock()
	defer lock.Unlock()

	labels, err := o.labels.ListLabels(ctx, prNumber)
	if err != nil {
		return fmt.Errorf("transition on PR #%d: %w", prNumber, err)
	}
	if err := o.refuseIfOverridden(labels); err != nil {
		return err
	}

	if t.bumpIteration {
		if err := o.bumpIteration(ctx, prNumber, labels); err != nil {
			return err
		}
	}

	if err := o.applyStateLabel(ctx, prNumber, labels, t.to); err != nil {
		return err
	}

	o.logger.Infow("workflow transition applied",
		"pr", prNumber, "task", taskID,
		"from", from, "to", t.to, "trigger", trigger)

	o.resume(ctx, taskID, prNumber, t.to)
	return nil
}

// ForceState bypasses the trigger table and drives the PR straight to target.
// It still refuses when an override of severity medium or above is active,
// and resumes the external workflow for observable targets.
func (o *Orchestrator) ForceState(ctx context.Context, prNumber int, taskID int64, target WorkflowState) error {
	lock := o.lockPR(prNumber)
	lock.Lock()
	defer lock.Unlock()

	labels, err := o.labels.ListLabels(ctx, prNumber)
	if err != nil {
		return fmt.Errorf("force state on PR #%d: %w", prNumber, err)
	}
	if err := o.refuseIfOverridden(labels); err != nil {
		return err
	}

	if err := o.applyStateLabel(ctx, prNumber, labels, target); err != nil {
		return err
	}

	o.logger.Infow("workflow state forced", "pr", prNumber, "task", taskID, "state", target)

	o.resume(ctx, taskID, prNumber, target)
	return nil
}

// CurrentState derives the PR's workflow state from its labels.
func (o *Orchestrator) CurrentState(ctx context.Context, prNumber int) (WorkflowState, error) {
	labels, err := o.labels.ListLabels(ctx, prNumber)
	if err != nil {
		return StateInitial, fmt.Errorf("read state of PR #%d: %w", prNumber, err)
	}
	return DetermineWorkflowState(labels), nil
}

// Iteration returns the current iteration count from the PR's labels.
func (o *Orchestrator) Iteration(ctx context.Context, prNumber int) (int, error) {
	labels, err := o.labels.ListLabels(ctx, prNumber)
	if err != nil {
		return 0, fmt.Errorf("read iteration of PR #%d: %w", prNumber, err)
	}
	return currentIteration(labels), nil
}

// refuseIfOverridden fails with OverrideActiveError when an override of
// severity medium or above is present.
func (o *Orchestrator) refuseIfOverridden(labels []string) error {
	status := DetectOverrides(labels)
	if status.HasOverride && status.Primary.Severity >= SeverityMedium {
		return &OverrideActiveError{Override: *status.Primary}
	}
	return nil
}

// applyStateLabel makes target the PR's single status label: adds it if
// missing, then strips every other status label. The add-first order keeps a
// state label present at all times so concurrent readers never see Initial
// mid-swap. A post-mutation read confirms the result to surface races with a
// concurrent writer.
func (o *Orchestrator) applyStateLabel(ctx context.Context, prNumber int, labels []string, target WorkflowState) error {
	targetLabel := StateLabel(target)

	if targetLabel != "" && !contains(labels, targetLabel) {
		if err := o.labels.AddLabels(ctx, prNumber, []string{targetLabel}); err != nil {
			return err
		}
	}
	for _, label := range labels {
		if IsStatusLabel(label) && label != targetLabel {
			if err := o.labels.RemoveLabel(ctx, prNumber, label); err != nil {
				return err
			}
		}
	}

	after, err := o.labels.ListLabels(ctx, prNumber)
	if err != nil {
		return err
	}
	if got := DetermineWorkflowState(after); targetLabel != "" && got != target {
		o.logger.Warnw("label state diverged after mutation, concurrent writer suspected",
			"pr", prNumber, "want", target, "got", got)
	}
	return nil
}

// bumpIteration replaces iteration-<n> with iteration-<n+1>.
func (o *Orchestrator) bumpIteration(ctx context.Context, prNumber int, labels []string) error {
	current := currentIteration(labels)
	next := IterationLabel(current + 1)

	if err := o.labels.AddLabels(ctx, prNumber, []string{next}); err != nil {
		return err
	}
	for _, label := range labels {
		if n, ok := ParseIterationLabel(label); ok && IterationLabel(n) != next {
			if err := o.labels.RemoveLabel(ctx, prNumber, label); err != nil {
				return err
			}
		}
	}
	return nil
}

// resume drives the external workflow for externally observable states.
// Resume failures are logged, never propagated: the labels are already the
// system of record and the workflow engine re-evaluates on its own cadence.
func (o *Orchestrator) resume(ctx context.Context, taskID int64, prNumber int, state WorkflowState) {
	if o.resumer == nil {
		return
	}
	switch state {
	case StateReadyForQA, StateApproved, StateFailed, StateManualOverride:
	default:
		return
	}
	if err := o.resumer.ResumeForState(ctx, taskID, prNumber, state); err != nil {
		o.logger.Warnw("workflow resume failed", "pr", prNumber, "task", taskID, "state", state, "error", err)
	}
}

func currentIteration(labels []string) int {
	max := 0
	for _, label := range labels {
		if n, ok := ParseIterationLabel(label); ok && n > max {
			max = n
		}
	}
	return max
}

func contains(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
