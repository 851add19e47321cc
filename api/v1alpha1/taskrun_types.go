package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// TaskRunPhase represents the current phase of a TaskRun.
// +kubebuilder:validation:Enum=Pending;Running;Succeeded;Failed
type TaskRunPhase string

const (
	// TaskRunPhasePending indicates the run has not started yet.
	TaskRunPhasePending TaskRunPhase = "Pending"

	// TaskRunPhaseRunning indicates the agent job is executing.
	TaskRunPhaseRunning TaskRunPhase = "Running"

	// TaskRunPhaseSucceeded indicates the agent job completed its work.
	TaskRunPhaseSucceeded TaskRunPhase = "Succeeded"

	// TaskRunPhaseFailed indicates the agent job failed.
	TaskRunPhaseFailed TaskRunPhase = "Failed"
)

// AgentClass selects the role a run plays in the remediation pipeline.
// Implementation agents share a per-repository workspace; all other classes
// get an isolated workspace.
// +kubebuilder:validation:Enum=implementation;quality;test;review;integration
type AgentClass string

const (
	AgentClassImplementation AgentClass = "implementation"
	AgentClassQuality        AgentClass = "quality"
	AgentClassTest           AgentClass = "test"
	AgentClassReview         AgentClass = "review"
	AgentClassIntegration    AgentClass = "integration"
)

// SecretEnvVar maps an environment variable to a key in a Secret.
type SecretEnvVar struct {
	// Name of the environment variable inside the agent container.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Name string `json:"name"`

	// SecretName is the Secret to read from.
	// +kubebuilder:validation:Required
	SecretName string `json:"secretName"`

	// SecretKey is the key within the Secret.
	// +kubebuilder:validation:Required
	SecretKey string `json:"secretKey"`
}

// TaskRunSpec defines the desired state of a single agent run.
// The spec is immutable once created; iterations are new TaskRuns.
type TaskRunSpec struct {
	// TaskID associates this run with a task across iterations and with the
	// task-<id> label on the pull request.
	// +kubebuilder:validation:Minimum=1
	TaskID int64 `json:"taskId"`

	// RepositoryURL is the target repository to operate on.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	RepositoryURL string `json:"repositoryUrl"`

	// Branch is the working branch for the run.
	// +kubebuilder:default="main"
	// +optional
	Branch string `json:"branch,omitempty"`

	// HeadSHA pins the run to a specific commit. Takes precedence over Branch.
	// +optional
	HeadSHA string `json:"headSha,omitempty"`

	// AgentClass selects the pipeline role for this run.
	// +kubebuilder:default=implementation
	// +optional
	AgentClass AgentClass `json:"agentClass,omitempty"`

	// CLIKind selects which agent CLI image and prompt assembly to use.
	// Opaque to the operator beyond image lookup.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	CLIKind string `json:"cliKind"`

	// Model is the model identifier passed to the agent CLI.
	// +kubebuilder:validation:Required
	// +kubebuilder:validation:MinLength=1
	Model string `json:"model"`

	// CLISettings holds CLI-specific settings forwarded verbatim.
	// +optional
	CLISettings map[string]string `json:"cliSettings,omitempty"`

	// Env is passed through to the agent job container verbatim.
	// +optional
	Env map[string]string `json:"env,omitempty"`

	// EnvFromSecrets wires Secret values into the agent environment.
	// +optional
	EnvFromSecrets []SecretEnvVar `json:"envFromSecrets,omitempty"`

	// ContextVersion selects which version of the task context ConfigMap the
	// agent receives.
	// +kubebuilder:default=1
	// +optional
	ContextVersion int32 `json:"contextVersion,omitempty"`

	// WorkflowName names the external workflow suspended on this run. When
	// set, the operator resumes it on observable transitions.
	// +optional
	WorkflowName string `json:"workflowName,omitempty"`

	// ServiceAccountName overrides the job's service account.
	// +optional
	ServiceAccountName string `json:"serviceAccountName,omitempty"`
}

// TaskRunStatus defines the observed state of a TaskRun.
type TaskRunStatus struct {
	// Phase is the coarse lifecycle phase. Empty means Pending.
	// +optional
	Phase TaskRunPhase `json:"phase,omitempty"`

	// Message provides human-readable detail for the current phase.
	// +optional
	Message string `json:"message,omitempty"`

	// LastUpdate is when the status last changed.
	// +optional
	LastUpdate *metav1.Time `json:"lastUpdate,omitempty"`

	// JobName is the deterministic name of the batch job for this run.
	// +optional
	JobName string `json:"jobName,omitempty"`

	// WorkCompleted is the local fast-path completion flag. The pull request
	// verifier is authoritative when a PR URL is recorded.
	// +optional
	WorkCompleted bool `json:"workCompleted,omitempty"`

	// PullRequestURL is the PR produced by the run, if any.
	// +optional
	PullRequestURL string `json:"pullRequestUrl,omitempty"`

	// ConfigMapName is the context ConfigMap owned by this run.
	// +optional
	ConfigMapName string `json:"configMapName,omitempty"`

	// FinishedAt is when the run reached a terminal phase.
	// +optional
	FinishedAt *metav1.Time `json:"finishedAt,omitempty"`

	// ExpireAt is when the run becomes eligible for garbage collection.
	// +optional
	ExpireAt *metav1.Time `json:"expireAt,omitempty"`

	// Conditions represent the latest available observations.
	// +optional
	// +patchMergeKey=type
	// +patchStrategy=merge
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty" patchStrategy:"merge" patchMergeKey:"type"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=tr
// +kubebuilder:printcolumn:name="Task",type="integer",JSONPath=".spec.taskId",description="Task identifier"
// +kubebuilder:printcolumn:name="Class",type="string",JSONPath=".spec.agentClass",description="Agent class"
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase",description="Run phase"
// +kubebuilder:printcolumn:name="Completed",type="boolean",JSONPath=".status.workCompleted",description="Work completed"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// TaskRun requests one agent run against a repository. The operator creates a
// batch job for it, tracks completion through job status plus the pull request
// verifier, and owns the job and context ConfigMap for cleanup.
type TaskRun struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   TaskRunSpec   `json:"spec,omitempty"`
	Status TaskRunStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// TaskRunList contains a list of TaskRun.
type TaskRunList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []TaskRun `json:"items"`
}

func init() {
	SchemeBuilder.Register(&TaskRun{}, &TaskRunList{})
}
