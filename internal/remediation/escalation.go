package remediation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/okonek/taskfleet/internal/github"
)

// Escalation defaults.
const (
	DefaultMaxIterations = 10
	DefaultTimeout       = 4 * time.Hour
)

// EscalationReason classifies why remediation terminated.
type EscalationReason string

const (
	ReasonIterationLimit EscalationReason = "IterationLimit"
	ReasonTimeout        EscalationReason = "Timeout"
	ReasonCriticalError  EscalationReason = "CriticalError"
	ReasonManualOverride EscalationReason = "ManualOverride"
	ReasonSuccess        EscalationReason = "Success"
)

// TerminationResult is the typed record emitted when remediation ends.
type TerminationResult struct {
	Reason     EscalationReason `json:"reason"`
	TaskID     int64            `json:"taskId"`
	PRNumber   int              `json:"prNumber"`
	Iterations int              `json:"iterations"`
	Duration   time.Duration    `json:"duration"`
	Success    bool             `json:"success"`
	Message    string           `json:"message"`
}

// Escalator evaluates termination conditions after each remediation cycle
// and drives the final PR label when one fires. It never cancels jobs; the
// cancellation sweep is invoked separately with the task id.
type Escalator struct {
	store         *Store
	orchestrator  *github.Orchestrator
	detector      *github.OverrideDetector
	resumer       github.Resumer
	logger        *zap.SugaredLogger
	maxIterations int
	timeout       time.Duration
}

// NewEscalator creates an escalator with the given bounds; zero values take
// the defaults (10 iterations, 4 hours).
func NewEscalator(store *Store, orchestrator *github.Orchestrator, detector *github.OverrideDetector, resumer github.Resumer, logger *zap.SugaredLogger, maxIterations int, timeout time.Duration) *Escalator {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Escalator{
		store:         store,
		orchestrator:  orchestrator,
		detector:      detector,
		resumer:       resumer,
		logger:        logger,
		maxIterations: maxIterations,
		timeout:       timeout,
	}
}

// Evaluate checks the termination conditions in priority order: manual
// override, iteration limit, timeout, success, critical error. The first
// condition that holds wins. observedErr carries any error from the cycle
// being evaluated; nil means the cycle ran clean.
func (e *Escalator) Evaluate(ctx context.Context, prNumber int, taskID int64, observedErr error) (*TerminationResult, error) {
	state, err := e.store.Load(ctx, prNumber, taskID)
	if err != nil {
		if kind, critical := ClassifyCritical(err); critical {
			return e.terminate(ctx, prNumber, taskID, nil, ReasonCriticalError,
				fmt.Sprintf("state unreadable: %s", kind))
		}
		return nil, err
	}
	if state == nil {
		return nil, nil
	}

	override, err := e.checkOverride(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	if override != nil {
		return e.terminate(ctx, prNumber, taskID, state, ReasonManualOverride, override.Message)
	}

	if state.Iteration >= e.maxIterations {
		return e.terminate(ctx, prNumber, taskID, state, ReasonIterationLimit,
			fmt.Sprintf("iteration limit reached: %d >= %d", state.Iteration, e.maxIterations))
	}

	if elapsed := time.Since(state.StartedAt); elapsed >= e.timeout {
		return e.terminate(ctx, prNumber, taskID, state, ReasonTimeout,
			fmt.Sprintf("timeout exceeded: %s >= %s", elapsed.Round(time.Minute), e.timeout))
	}

	if successCriteriaMet(state) {
		return e.terminate(ctx, prNumber, taskID, state, ReasonSuccess,
			"all acceptance criteria met with no critical or high issues pending")
	}

	if kind, critical := ClassifyCritical(observedErr); critical {
		return e.terminate(ctx, prNumber, taskID, state, ReasonCriticalError,
			fmt.Sprintf("critical error: %s: %v", kind, observedErr))
	}

	return nil, nil
}

// checkOverride returns the primary active override, if any.
func (e *Escalator) checkOverride(ctx context.Context, prNumber int) (*github.Override, error) {
	status, err := e.detector.Check(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	if status.HasOverride {
		return status.Primary, nil
	}
	return nil, nil
}

// terminate emits the TerminationResult, records the outcome, and drives the
// final label. Manual overrides leave labels untouched (force-state would be
// refused anyway) but still resume the external workflow.
func (e *Escalator) terminate(ctx context.Context, prNumber int, taskID int64, state *State, reason EscalationReason, message string) (*TerminationResult, error) {
	result := &TerminationResult{
		Reason:   reason,
		TaskID:   taskID,
		PRNumber: prNumber,
		Success:  reason == ReasonSuccess,
		Message:  message,
	}
	if state != nil {
		result.Iterations = state.Iteration
		result.Duration = time.Since(state.StartedAt)
	}

	var target github.WorkflowState
	switch reason {
	case ReasonSuccess:
		target = github.StateApproved
	case ReasonManualOverride:
		target = github.StateManualOverride
	default:
		target = github.StateFailed
	}

	if target != github.StateManualOverride {
		if err := e.orchestrator.ForceState(ctx, prNumber, taskID, target); err != nil {
			return nil, fmt.Errorf("set final state %s on PR #%d: %w", target, prNumber, err)
		}
	} else if e.resumer != nil {
		if err := e.resumer.ResumeForState(ctx, taskID, prNumber, github.StateManualOverride); err != nil {
			e.logger.Warnw("workflow resume on manual override failed", "pr", prNumber, "task", taskID, "error", err)
		}
	}

	if state != nil {
		if err := e.store.RecordOutcome(ctx, prNumber, taskID, string(reason)); err != nil {
			e.logger.Warnw("failed to record termination outcome", "pr", prNumber, "task", taskID, "error", err)
		}
	}

	e.logger.Infow("remediation terminated",
		"pr", prNumber, "task", taskID, "reason", reason,
		"iterations", result.Iterations, "success", result.Success)
	return result, nil
}

// successCriteriaMet holds when the latest QA feedback has every acceptance
// criterion checked off and carries no critical or high severity. The latest
// comment is the current iteration's, so zero unmet criteria on it also means
// zero new unmet criteria this cycle.
func successCriteriaMet(state *State) bool {
	latest := state.LatestFeedback()
	if latest == nil {
		return false
	}
	if len(latest.UnmetCriteria()) > 0 {
		return false
	}
	if latest.Severity == SeverityCritical || latest.Severity == SeverityHigh {
		return false
	}
	return true
}
