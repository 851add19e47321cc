// Package render builds the Kubernetes objects owned by a TaskRun: the agent
// job, its context ConfigMap, and the workspace PVC. All functions are pure;
// the controller owns creation and ownership wiring.
package render

import (
	"fmt"
	"sort"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	fleetv1alpha1 "github.com/okonek/taskfleet/api/v1alpha1"
	"github.com/okonek/taskfleet/internal/config"
)

// Labels stamped on every rendered object, wire-exact where external systems
// select on them.
const (
	TaskIDLabel       = "task-id"
	AgentClassLabel   = "agent-class"
	WorkflowNameLabel = "workflow-name"
	ManagedByLabel    = "app.kubernetes.io/managed-by"
	ManagedByValue    = "taskfleet-operator"
)

// runKinds maps an agent class to the short kind prefix used in job names.
var runKinds = map[fleetv1alpha1.AgentClass]string{
	fleetv1alpha1.AgentClassImplementation: "code",
	fleetv1alpha1.AgentClassQuality:        "quality",
	fleetv1alpha1.AgentClassTest:           "test",
	fleetv1alpha1.AgentClassReview:         "review",
	fleetv1alpha1.AgentClassIntegration:    "integration",
}

// RunKind returns the short kind prefix for a run's agent class.
func RunKind(class fleetv1alpha1.AgentClass) string {
	if kind, ok := runKinds[class]; ok {
		return kind
	}
	return "code"
}

// JobName derives the deterministic job name <kind>-<ns>-<name>-<uid8>.
// Repeated reconciles of the same TaskRun converge on one job: a creation
// conflict means another reconciler already won.
func JobName(run *fleetv1alpha1.TaskRun) string {
	uid := string(run.UID)
	if len(uid) > 8 {
		uid = uid[:8]
	}
	name := fmt.Sprintf("%s-%s-%s-%s", RunKind(run.Spec.AgentClass), run.Namespace, run.Name, uid)
	return truncateDNS(name)
}

// ContextConfigMapName derives the name of the run's context ConfigMap.
func ContextConfigMapName(run *fleetv1alpha1.TaskRun) string {
	return truncateDNS(fmt.Sprintf("%s-context-v%d", run.Name, contextVersion(run)))
}

// JobLabels returns the labels stamped on the agent job and its pods.
func JobLabels(run *fleetv1alpha1.TaskRun) map[string]string {
	labels := map[string]string{
		TaskIDLabel:     fmt.Sprintf("%d", run.Spec.TaskID),
		AgentClassLabel: string(agentClass(run)),
		ManagedByLabel:  ManagedByValue,
	}
	if run.Spec.WorkflowName != "" {
		labels[WorkflowNameLabel] = run.Spec.WorkflowName
	}
	return labels
}

// AgentJob renders the batch job executing one agent run.
func AgentJob(run *fleetv1alpha1.TaskRun, cfg *config.ControllerConfig) (*batchv1.Job, error) {
	image := cfg.Agent.ImageFor(run.Spec.CLIKind)
	if image == "" {
		return nil, fmt.Errorf("no agent image configured for CLI kind %q", run.Spec.CLIKind)
	}

	labels := JobLabels(run)

	env := []corev1.EnvVar{
		{Name: "TASK_ID", Value: fmt.Sprintf("%d", run.Spec.TaskID)},
		{Name: "REPOSITORY_URL", Value: run.Spec.RepositoryURL},
		{Name: "AGENT_CLASS", Value: string(agentClass(run))},
		{Name: "CLI_KIND", Value: run.Spec.CLIKind},
		{Name: "MODEL", Value: run.Spec.Model},
	}
	if run.Spec.HeadSHA != "" {
		env = append(env, corev1.EnvVar{Name: "HEAD_SHA", Value: run.Spec.HeadSHA})
	} else {
		env = append(env, corev1.EnvVar{Name: "BRANCH", Value: branch(run)})
	}
	env = append(env, corev1.EnvVar{
		Name: "MODEL_API_KEY",
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: cfg.Secrets.APIKeySecretName},
				Key:                  cfg.Secrets.APIKeySecretKey,
			},
		},
	})

	// Spec env passes through verbatim. Sorted so repeated renders produce
	// identical pod templates.
	names := make([]string, 0, len(run.Spec.Env))
	for name := range run.Spec.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, corev1.EnvVar{Name: name, Value: run.Spec.Env[name]})
	}
	for _, ref := range run.Spec.EnvFromSecrets {
		env = append(env, corev1.EnvVar{
			Name: ref.Name,
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: ref.SecretName},
					Key:                  ref.SecretKey,
				},
			},
		})
	}

	container := corev1.Container{
		Name:            "agent",
		Image:           image,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Env:             env,
		VolumeMounts: []corev1.VolumeMount{
			{Name: "workspace", MountPath: "/workspace"},
			{Name: "context", MountPath: "/context", ReadOnly: true},
			{Name: "tmp", MountPath: "/tmp"},
		},
		SecurityContext: containerSecurityContext(),
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(run),
			Namespace: run.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			// No retries at the job layer: failures feed the remediation loop.
			BackoffLimit:          ptr.To(int32(0)),
			ActiveDeadlineSeconds: ptr.To(cfg.Job.ActiveDeadlineSeconds),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy:                corev1.RestartPolicyNever,
					AutomountServiceAccountToken: ptr.To(false),
					ServiceAccountName:           run.Spec.ServiceAccountName,
					SecurityContext:              podSecurityContext(),
					Containers:                   []corev1.Container{container},
					Volumes: []corev1.Volume{
						{
							Name: "workspace",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: WorkspacePVCName(run),
								},
							},
						},
						{
							Name: "context",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{
										Name: ContextConfigMapName(run),
									},
								},
							},
						},
						{
							Name: "tmp",
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{},
							},
						},
					},
				},
			},
		},
	}

	return job, nil
}

func containerSecurityContext() *corev1.SecurityContext {
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: ptr.To(false),
		RunAsNonRoot:             ptr.To(true),
		ReadOnlyRootFilesystem:   ptr.To(true),
		Capabilities: &corev1.Capabilities{
			Drop: []corev1.Capability{"ALL"},
		},
	}
}

func podSecurityContext() *corev1.PodSecurityContext {
	return &corev1.PodSecurityContext{
		RunAsNonRoot: ptr.To(true),
		SeccompProfile: &corev1.SeccompProfile{
			Type: corev1.SeccompProfileTypeRuntimeDefault,
		},
	}
}

func agentClass(run *fleetv1alpha1.TaskRun) fleetv1alpha1.AgentClass {
	if run.Spec.AgentClass == "" {
		return fleetv1alpha1.AgentClassImplementation
	}
	return run.Spec.AgentClass
}

func branch(run *fleetv1alpha1.TaskRun) string {
	if run.Spec.Branch == "" {
		return "main"
	}
	return run.Spec.Branch
}

func contextVersion(run *fleetv1alpha1.TaskRun) int32 {
	if run.Spec.ContextVersion <= 0 {
		return 1
	}
	return run.Spec.ContextVersion
}

func truncateDNS(name string) string {
	if len(name) <= 63 {
		return name
	}
	return strings.TrimRight(name[:63], "-")
}
