// Package cancel terminates the running agent jobs of a task, at most once
// across replicas, without touching agents that already finished.
package cancel

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/okonek/taskfleet/internal/lease"
	"github.com/okonek/taskfleet/internal/render"
)

// AgentRef identifies one agent job touched by a sweep.
type AgentRef struct {
	// Name of the job.
	Name string `json:"name"`

	// AgentClass from the job's labels, "unknown" when absent.
	AgentClass string `json:"agentClass"`

	// Reason records why the job was cancelled or skipped.
	Reason string `json:"reason"`
}

// Result reports the outcome of one cancellation sweep.
type Result struct {
	TaskID    int64      `json:"taskId"`
	PRNumber  int        `json:"prNumber"`
	Cancelled []AgentRef `json:"cancelledAgents"`
	Skipped   []AgentRef `json:"skippedAgents"`

	// HeldBy is set when the sweep was skipped entirely because another
	// replica holds the cancellation lease.
	HeldBy string `json:"heldBy,omitempty"`

	Reason string `json:"reason"`
}

// SkippedForLock reports whether the sweep yielded to a concurrent one.
func (r *Result) SkippedForLock() bool { return r.HeldBy != "" }

// Canceller deletes the running agent jobs of a task under a per-task lease.
type Canceller struct {
	client    client.Client
	leases    *lease.Manager
	namespace string
	logger    *zap.SugaredLogger
}

// NewCanceller creates a Canceller for one namespace.
func NewCanceller(c client.Client, leases *lease.Manager, namespace string, logger *zap.SugaredLogger) *Canceller {
	return &Canceller{client: c, leases: leases, namespace: namespace, logger: logger}
}

// CancelAgents cancels every running or pending agent job labeled with the
// task, exactly once across replicas. Jobs in a terminal phase are never
// deleted. When another sweep holds the lease, the call returns immediately
// with the holder recorded and no deletions performed.
func (c *Canceller) CancelAgents(ctx context.Context, taskID int64, prNumber int) (*Result, error) {
	result := &Result{TaskID: taskID, PRNumber: prNumber}

	held, err := c.leases.TryAcquire(ctx, fmt.Sprintf("cancel-%d", taskID))
	if err != nil {
		var lockErr *lease.LockHeldError
		if errors.As(err, &lockErr) {
			c.logger.Infow("cancellation already in flight, skipping",
				"task", taskID, "holder", lockErr.Holder)
			result.HeldBy = lockErr.Holder
			result.Reason = fmt.Sprintf("lock held by %s", lockErr.Holder)
			return result, nil
		}
		return nil, fmt.Errorf("acquire cancellation lease for task %d: %w", taskID, err)
	}
	defer held.Release(ctx)

	var jobs batchv1.JobList
	if err := c.client.List(ctx, &jobs,
		client.InNamespace(c.namespace),
		client.MatchingLabels{render.TaskIDLabel: fmt.Sprintf("%d", taskID)},
	); err != nil {
		return nil, fmt.Errorf("list agent jobs for task %d: %w", taskID, err)
	}

	for i := range jobs.Items {
		job := &jobs.Items[i]
		ref := AgentRef{
			Name:       job.Name,
			AgentClass: agentClassOf(job),
		}

		if terminal(job) {
			ref.Reason = "already completed"
			result.Skipped = append(result.Skipped, ref)
			continue
		}

		if err := c.client.Delete(ctx, job,
			client.GracePeriodSeconds(0),
			client.PropagationPolicy(metav1.DeletePropagationBackground),
		); err != nil && !apierrors.IsNotFound(err) {
			// Per-job failures are recorded but do not abort the sweep.
			ref.Reason = fmt.Sprintf("cancellation failed: %v", err)
			result.Skipped = append(result.Skipped, ref)
			c.logger.Warnw("failed to cancel agent job", "job", job.Name, "task", taskID, "error", err)
			continue
		}

		ref.Reason = "cancelled"
		result.Cancelled = append(result.Cancelled, ref)
		c.logger.Infow("cancelled agent job", "job", job.Name, "task", taskID, "class", ref.AgentClass)
	}

	result.Reason = "cancellation completed"
	return result, nil
}

// terminal reports whether the job finished, successfully or not. Conditions
// win over counters: a Complete condition marks the job done even while the
// succeeded counter lags.
func terminal(job *batchv1.Job) bool {
	for _, cond := range job.Status.Conditions {
		if (cond.Type == batchv1.JobComplete || cond.Type == batchv1.JobFailed) &&
			cond.Status == "True" {
			return true
		}
	}
	// Agent jobs run with backoffLimit 0, so any finished pod is final.
	return job.Status.Succeeded > 0 || job.Status.Failed > 0
}

func agentClassOf(job *batchv1.Job) string {
	if class, ok := job.Labels[render.AgentClassLabel]; ok {
		return class
	}
	return "unknown"
}
