// Package controllers contains the TaskRun reconciler.
package controllers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	fleetv1alpha1 "github.com/okonek/taskfleet/api/v1alpha1"
	"github.com/okonek/taskfleet/internal/config"
	"github.com/okonek/taskfleet/internal/metrics"
	"github.com/okonek/taskfleet/internal/render"
)

const (
	// taskRunFinalizer guards cleanup of the owned job and ConfigMap.
	taskRunFinalizer = "task-run/cleanup"

	// runningRequeueInterval is the poll cadence while a job runs.
	runningRequeueInterval = 30 * time.Second
)

// jobState is the observed state of the run's batch job.
type jobState int

const (
	jobNotFound jobState = iota
	jobRunning
	jobCompleted
	jobFailed
)

// CompletionVerifier is the authoritative external check behind the local
// workCompleted fast-path. Implemented by the GitHub client.
type CompletionVerifier interface {
	VerifyCompletion(ctx context.Context, prNumber int) (bool, error)
}

// TaskRunReconciler reconciles a TaskRun: either a batch job is running that
// will produce work attributable to the run, or the run is terminal with its
// completion confirmed.
type TaskRunReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	// Config is the live operator configuration.
	Config *config.Store

	// Verifier confirms PR completion; nil disables external verification.
	Verifier CompletionVerifier

	// Clientset reads agent pod logs for result extraction; nil disables it.
	Clientset kubernetes.Interface
}

// +kubebuilder:rbac:groups=fleet.okonek.dev,resources=taskruns,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=fleet.okonek.dev,resources=taskruns/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=fleet.okonek.dev,resources=taskruns/finalizers,verbs=update
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=core,resources=configmaps,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=core,resources=persistentvolumeclaims,verbs=get;list;watch;create
// +kubebuilder:rbac:groups=coordination.k8s.io,resources=leases,verbs=get;list;watch;create;update;delete

// Reconcile drives one TaskRun toward its desired state. Status is consulted
// before the cluster: completed runs short-circuit without touching jobs.
func (r *TaskRunReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	startTime := time.Now()
	logger := log.FromContext(ctx)

	var run fleetv1alpha1.TaskRun
	if err := r.Get(ctx, req.NamespacedName, &run); err != nil {
		if client.IgnoreNotFound(err) == nil {
			metrics.DeleteTaskRunMetrics(req.Name, req.Namespace)
		}
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if !run.DeletionTimestamp.IsZero() {
		return r.handleDeletion(ctx, &run)
	}

	if !controllerutil.ContainsFinalizer(&run, taskRunFinalizer) {
		controllerutil.AddFinalizer(&run, taskRunFinalizer)
		if err := r.Update(ctx, &run); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{Requeue: true}, nil
	}

	result, err := r.reconcileRun(ctx, &run)

	metrics.SetTaskRunMetrics(run.Name, run.Namespace, string(phase(&run)), run.Status.WorkCompleted)
	if err != nil {
		metrics.RecordReconcile(metrics.ControllerTaskRun, metrics.ResultError, time.Since(startTime).Seconds())
	} else {
		metrics.RecordReconcile(metrics.ControllerTaskRun, metrics.ResultSuccess, time.Since(startTime).Seconds())
	}

	if err != nil {
		logger.Error(err, "reconcile failed", "taskRun", run.Name)
	}
	return result, err
}

// reconcileRun applies the status-first idempotency protocol.
func (r *TaskRunReconciler) reconcileRun(ctx context.Context, run *fleetv1alpha1.TaskRun) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	// Step 1: trust the completion flag unless the verifier says otherwise.
	if run.Status.WorkCompleted {
		if prNumber, ok := prNumberFromURL(run.Status.PullRequestURL); ok && r.Verifier != nil {
			complete, err := r.Verifier.VerifyCompletion(ctx, prNumber)
			if err != nil {
				return ctrl.Result{}, fmt.Errorf("verify PR completion: %w", err)
			}
			if complete {
				return r.maybeCleanup(ctx, run)
			}
			// Stale local flag: the PR no longer confirms completion.
			logger.Info("completion no longer confirmed, clearing workCompleted",
				"taskRun", run.Name, "pr", prNumber)
			if err := r.patchStatus(ctx, run, statusUpdate{
				phase:   phase(run),
				message: "completion no longer confirmed by pull request",
			}); err != nil {
				return ctrl.Result{}, err
			}
		} else {
			return r.maybeCleanup(ctx, run)
		}
	} else {
		// Steps 2-3: terminal phases without the flag.
		switch run.Status.Phase {
		case fleetv1alpha1.TaskRunPhaseSucceeded:
			if err := r.patchStatus(ctx, run, statusUpdate{
				phase:         fleetv1alpha1.TaskRunPhaseSucceeded,
				workCompleted: true,
				message:       "work completed",
			}); err != nil {
				return ctrl.Result{}, err
			}
			return ctrl.Result{}, nil
		case fleetv1alpha1.TaskRunPhaseFailed:
			// No retry at this layer; a new TaskRun is the retry.
			return r.maybeCleanup(ctx, run)
		}
	}

	// Steps 4-5: converge on the deterministic job.
	jobName := render.JobName(run)
	state, job, err := r.observeJob(ctx, run.Namespace, jobName)
	if err != nil {
		return ctrl.Result{}, err
	}

	switch state {
	case jobNotFound:
		if err := r.launchJob(ctx, run); err != nil {
			return ctrl.Result{}, err
		}
		if err := r.patchStatus(ctx, run, statusUpdate{
			phase:         fleetv1alpha1.TaskRunPhaseRunning,
			message:       "agent job started",
			jobName:       jobName,
			configMapName: render.ContextConfigMapName(run),
		}); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{RequeueAfter: runningRequeueInterval}, nil

	case jobRunning:
		if err := r.patchStatus(ctx, run, statusUpdate{
			phase:         fleetv1alpha1.TaskRunPhaseRunning,
			message:       "agent job running",
			jobName:       jobName,
			configMapName: render.ContextConfigMapName(run),
		}); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{RequeueAfter: runningRequeueInterval}, nil

	case jobCompleted:
		logger.Info("agent job completed", "taskRun", run.Name, "job", jobName)
		up := statusUpdate{
			phase:         fleetv1alpha1.TaskRunPhaseSucceeded,
			workCompleted: true,
			message:       "agent job completed",
			jobName:       jobName,
			configMapName: render.ContextConfigMapName(run),
		}
		if result, err := r.getAgentResult(ctx, job); err != nil {
			// The Complete condition already decided the phase; the result
			// only attributes the PR to the run.
			logger.V(1).Info("agent result unavailable", "job", jobName, "reason", err.Error())
		} else if result.PullRequestURL != "" {
			up.pullRequestURL = result.PullRequestURL
			up.message = fmt.Sprintf("agent job completed: %s", result.PullRequestURL)
		}
		if err := r.patchStatus(ctx, run, up); err != nil {
			return ctrl.Result{}, err
		}
		return r.maybeCleanup(ctx, run)

	default: // jobFailed
		message := "agent job failed"
		if reason := failureReason(job); reason != "" {
			message = fmt.Sprintf("agent job failed: %s", reason)
		}
		if result, err := r.getAgentResult(ctx, job); err == nil && result.Error != "" {
			message = fmt.Sprintf("agent job failed: %s", result.Error)
		}
		logger.Info("agent job failed", "taskRun", run.Name, "job", jobName, "message", message)
		if err := r.patchStatus(ctx, run, statusUpdate{
			phase:         fleetv1alpha1.TaskRunPhaseFailed,
			message:       message,
			jobName:       jobName,
			configMapName: render.ContextConfigMapName(run),
		}); err != nil {
			return ctrl.Result{}, err
		}
		return r.maybeCleanup(ctx, run)
	}
}

// observeJob reads the job and classifies its state. A 404 is a valid state,
// never an error. Conditions are consulted before counters: a Complete
// condition wins even while the succeeded counter lags.
func (r *TaskRunReconciler) observeJob(ctx context.Context, namespace, name string) (jobState, *batchv1.Job, error) {
	var job batchv1.Job
	if err := r.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, &job); err != nil {
		if errors.IsNotFound(err) {
			return jobNotFound, nil, nil
		}
		return jobNotFound, nil, fmt.Errorf("read job %s: %w", name, err)
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return jobCompleted, &job, nil
		case batchv1.JobFailed:
			return jobFailed, &job, nil
		}
	}
	if job.Status.Succeeded > 0 {
		return jobCompleted, &job, nil
	}
	if job.Status.Failed > 0 {
		return jobFailed, &job, nil
	}
	return jobRunning, &job, nil
}

// launchJob optimistically creates the workspace PVC, context ConfigMap, and
// agent job. Deterministic names make creation conflicts mean another
// reconciler won, which is success.
func (r *TaskRunReconciler) launchJob(ctx context.Context, run *fleetv1alpha1.TaskRun) error {
	logger := log.FromContext(ctx)
	cfg := r.Config.Get()

	pvc := render.WorkspacePVC(run, cfg)
	if err := r.Create(ctx, pvc); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create workspace PVC: %w", err)
	}

	cm, err := render.ContextConfigMap(run, "")
	if err != nil {
		return err
	}
	if err := ctrl.SetControllerReference(run, cm, r.Scheme); err != nil {
		return fmt.Errorf("set owner on ConfigMap: %w", err)
	}
	if err := r.Create(ctx, cm); err != nil && !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create context ConfigMap: %w", err)
	}

	job, err := render.AgentJob(run, cfg)
	if err != nil {
		return err
	}
	if err := ctrl.SetControllerReference(run, job, r.Scheme); err != nil {
		return fmt.Errorf("set owner on job: %w", err)
	}
	if err := r.Create(ctx, job); err != nil {
		if errors.IsAlreadyExists(err) {
			logger.V(1).Info("agent job already exists", "job", job.Name)
			return nil
		}
		return fmt.Errorf("create agent job: %w", err)
	}

	logger.Info("created agent job", "taskRun", run.Name, "job", job.Name)
	return nil
}

// statusUpdate carries one status mutation. Empty JobName, PullRequestURL,
// and ConfigMapName leave the recorded values unchanged.
type statusUpdate struct {
	phase          fleetv1alpha1.TaskRunPhase
	workCompleted  bool
	message        string
	jobName        string
	pullRequestURL string
	configMapName  string
}

// patchStatus applies a status update via the status subresource, suppressing
// writes when nothing would change to keep reconciles quiet.
func (r *TaskRunReconciler) patchStatus(ctx context.Context, run *fleetv1alpha1.TaskRun, up statusUpdate) error {
	if up.jobName == "" {
		up.jobName = run.Status.JobName
	}
	if up.pullRequestURL == "" {
		up.pullRequestURL = run.Status.PullRequestURL
	}
	if up.configMapName == "" {
		up.configMapName = run.Status.ConfigMapName
	}

	if run.Status.Phase == up.phase && run.Status.WorkCompleted == up.workCompleted &&
		run.Status.JobName == up.jobName && run.Status.PullRequestURL == up.pullRequestURL &&
		run.Status.ConfigMapName == up.configMapName {
		return nil
	}

	base := run.DeepCopy()
	now := metav1.Now()
	run.Status.Phase = up.phase
	run.Status.WorkCompleted = up.workCompleted
	run.Status.Message = up.message
	run.Status.JobName = up.jobName
	run.Status.PullRequestURL = up.pullRequestURL
	run.Status.ConfigMapName = up.configMapName
	run.Status.LastUpdate = &now

	terminal := up.phase == fleetv1alpha1.TaskRunPhaseSucceeded || up.phase == fleetv1alpha1.TaskRunPhaseFailed
	if terminal && run.Status.FinishedAt == nil {
		run.Status.FinishedAt = &now
		if cfg := r.Config.Get(); cfg.Cleanup.Enabled {
			delay := cfg.Cleanup.CompletedJobDelayMinutes
			if up.phase == fleetv1alpha1.TaskRunPhaseFailed {
				delay = cfg.Cleanup.FailedJobDelayMinutes
			}
			expire := metav1.NewTime(now.Add(time.Duration(delay) * time.Minute))
			run.Status.ExpireAt = &expire
		}
	}

	condStatus := metav1.ConditionFalse
	if up.phase == fleetv1alpha1.TaskRunPhaseSucceeded {
		condStatus = metav1.ConditionTrue
	}
	meta.SetStatusCondition(&run.Status.Conditions, metav1.Condition{
		Type:               "Ready",
		Status:             condStatus,
		ObservedGeneration: run.Generation,
		Reason:             string(up.phase),
		Message:            up.message,
	})

	return r.Status().Patch(ctx, run, client.MergeFrom(base))
}

// maybeCleanup garbage-collects the owned job (and optionally ConfigMap) of a
// terminal run once its grace period elapsed. The TaskRun itself stays until
// deleted by its creator.
func (r *TaskRunReconciler) maybeCleanup(ctx context.Context, run *fleetv1alpha1.TaskRun) (ctrl.Result, error) {
	cfg := r.Config.Get()
	if !cfg.Cleanup.Enabled || run.Status.ExpireAt == nil {
		return ctrl.Result{}, nil
	}

	remaining := time.Until(run.Status.ExpireAt.Time)
	if remaining > 0 {
		return ctrl.Result{RequeueAfter: remaining}, nil
	}

	logger := log.FromContext(ctx)
	if run.Status.JobName != "" {
		job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: run.Status.JobName, Namespace: run.Namespace}}
		if err := r.Delete(ctx, job, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !errors.IsNotFound(err) {
			return ctrl.Result{}, fmt.Errorf("garbage collect job: %w", err)
		}
	}
	if cfg.Cleanup.DeleteConfigMap {
		cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: render.ContextConfigMapName(run), Namespace: run.Namespace}}
		if err := r.Delete(ctx, cm); err != nil && !errors.IsNotFound(err) {
			return ctrl.Result{}, fmt.Errorf("garbage collect ConfigMap: %w", err)
		}
	}
	logger.V(1).Info("garbage collected finished run", "taskRun", run.Name)
	return ctrl.Result{}, nil
}

// handleDeletion runs the finalizer path: delete the owned job and ConfigMap,
// then release the finalizer.
func (r *TaskRunReconciler) handleDeletion(ctx context.Context, run *fleetv1alpha1.TaskRun) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(run, taskRunFinalizer) {
		return ctrl.Result{}, nil
	}

	jobName := run.Status.JobName
	if jobName == "" {
		jobName = render.JobName(run)
	}
	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: run.Namespace}}
	if err := r.Delete(ctx, job, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !errors.IsNotFound(err) {
		return ctrl.Result{}, fmt.Errorf("delete job during cleanup: %w", err)
	}

	if r.Config.Get().Cleanup.DeleteConfigMap {
		cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: render.ContextConfigMapName(run), Namespace: run.Namespace}}
		if err := r.Delete(ctx, cm); err != nil && !errors.IsNotFound(err) {
			return ctrl.Result{}, fmt.Errorf("delete ConfigMap during cleanup: %w", err)
		}
	}

	controllerutil.RemoveFinalizer(run, taskRunFinalizer)
	if err := r.Update(ctx, run); err != nil {
		return ctrl.Result{}, err
	}

	metrics.DeleteTaskRunMetrics(run.Name, run.Namespace)
	logger.Info("task run cleanup completed", "taskRun", run.Name)
	return ctrl.Result{}, nil
}

// phase normalizes an unset phase to Pending.
func phase(run *fleetv1alpha1.TaskRun) fleetv1alpha1.TaskRunPhase {
	if run.Status.Phase == "" {
		return fleetv1alpha1.TaskRunPhasePending
	}
	return run.Status.Phase
}

// failureReason extracts the failure condition reason from a job.
func failureReason(job *batchv1.Job) string {
	if job == nil {
		return ""
	}
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
			if cond.Message != "" {
				return cond.Message
			}
			return cond.Reason
		}
	}
	return ""
}

// prNumberFromURL parses the PR number out of a pull request URL.
func prNumberFromURL(prURL string) (int, bool) {
	if prURL == "" {
		return 0, false
	}
	idx := strings.LastIndexByte(strings.TrimRight(prURL, "/"), '/')
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimRight(prURL, "/")[idx+1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// SetupWithManager sets up the controller with the Manager.
func (r *TaskRunReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&fleetv1alpha1.TaskRun{}).
		Owns(&batchv1.Job{}).
		Owns(&corev1.ConfigMap{}).
		Named("taskrun").
		Complete(r)
}
