// Package workflow unblocks the external workflow engine's suspended
// workflows by annotating them. The engine observes annotation changes and
// re-evaluates its suspended sync points; nothing here touches workflow
// status directly.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/okonek/taskfleet/internal/github"
)

// workflowGVK identifies the external engine's workflow resource.
var workflowGVK = schema.GroupVersionKind{
	Group:   "argoproj.io",
	Version: "v1alpha1",
	Kind:    "Workflow",
}

// Annotation keys written onto the workflow. The force-retry timestamp is the
// actual resume signal; the rest is context the workflow templates read.
const (
	forceRetryAnnotation        = "workflows.argoproj.io/force-retry"
	prURLAnnotation             = "taskfleet.okonek.dev/pr-url"
	prNumberAnnotation          = "taskfleet.okonek.dev/pr-number"
	remediationStatusAnnotation = "taskfleet.okonek.dev/remediation-status"
	qaStatusAnnotation          = "taskfleet.okonek.dev/qa-status"
	errorMessageAnnotation      = "taskfleet.okonek.dev/error-message"
)

// suspendTemplate names the sync-point template the engine suspends on.
const suspendTemplate = "wait-task-completion"

// Resumer annotates suspended workflows to force re-evaluation.
type Resumer struct {
	client    client.Client
	namespace string
	repoSlug  string
	logger    *zap.SugaredLogger
}

// NewResumer creates a resumer operating in namespace. repoSlug (owner/repo)
// is used to reconstruct PR URLs for the context annotations.
func NewResumer(c client.Client, namespace, repoSlug string, logger *zap.SugaredLogger) *Resumer {
	return &Resumer{client: c, namespace: namespace, repoSlug: repoSlug, logger: logger}
}

// WorkflowName derives the engine's workflow name for a task.
func WorkflowName(taskID int64) string {
	return fmt.Sprintf("play-task-%d-workflow", taskID)
}

// ResumeForState implements github.Resumer: it annotates the task's workflow
// with the PR context for an observable state transition.
func (r *Resumer) ResumeForState(ctx context.Context, taskID int64, prNumber int, state github.WorkflowState) error {
	annotations := map[string]string{
		prURLAnnotation:    fmt.Sprintf("https://github.com/%s/pull/%d", r.repoSlug, prNumber),
		prNumberAnnotation: fmt.Sprintf("%d", prNumber),
	}
	switch state {
	case github.StateReadyForQA:
		annotations[remediationStatusAnnotation] = "completed"
		annotations[qaStatusAnnotation] = "pending"
	case github.StateApproved:
		annotations[qaStatusAnnotation] = "approved"
	case github.StateFailed:
		annotations[remediationStatusAnnotation] = "failed"
	case github.StateManualOverride:
		annotations[qaStatusAnnotation] = "manual_override"
	}
	return r.Resume(ctx, WorkflowName(taskID), annotations)
}

// ResumeForFailure annotates the workflow with an error message when a run
// failed without producing a PR.
func (r *Resumer) ResumeForFailure(ctx context.Context, taskID int64, errorMessage string) error {
	return r.Resume(ctx, WorkflowName(taskID), map[string]string{
		errorMessageAnnotation: errorMessage,
	})
}

// Resume patches the named workflow with the context annotations plus a
// high-resolution retry timestamp. Repeated resumes are observable but safe:
// each write changes only the timestamp. Workflows with no running
// wait-task-completion node are left untouched; a missing workflow is not an
// error.
func (r *Resumer) Resume(ctx context.Context, workflowName string, annotations map[string]string) error {
	wf := &unstructured.Unstructured{}
	wf.SetGroupVersionKind(workflowGVK)

	err := r.client.Get(ctx, types.NamespacedName{Name: workflowName, Namespace: r.namespace}, wf)
	if apierrors.IsNotFound(err) {
		r.logger.Debugw("workflow not found, nothing to resume", "workflow", workflowName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get workflow %s: %w", workflowName, err)
	}

	if !hasSuspendedNode(wf) {
		r.logger.Debugw("no suspended sync point, skipping resume", "workflow", workflowName)
		return nil
	}

	patch := client.MergeFrom(wf.DeepCopy())
	existing := wf.GetAnnotations()
	if existing == nil {
		existing = map[string]string{}
	}
	existing[forceRetryAnnotation] = time.Now().UTC().Format(time.RFC3339Nano)
	for k, v := range annotations {
		existing[k] = v
	}
	wf.SetAnnotations(existing)

	if err := r.client.Patch(ctx, wf, patch); err != nil {
		return fmt.Errorf("annotate workflow %s: %w", workflowName, err)
	}

	r.logger.Infow("resumed suspended workflow", "workflow", workflowName)
	return nil
}

// hasSuspendedNode reports whether any wait-task-completion node is still
// running.
func hasSuspendedNode(wf *unstructured.Unstructured) bool {
	nodes, found, err := unstructured.NestedMap(wf.Object, "status", "nodes")
	if err != nil || !found {
		return false
	}
	for _, raw := range nodes {
		node, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		template, _ := node["templateName"].(string)
		phase, _ := node["phase"].(string)
		if template == suspendTemplate && phase == "Running" {
			return true
		}
	}
	return false
}
