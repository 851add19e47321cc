package render

import (
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	fleetv1alpha1 "github.com/okonek/taskfleet/api/v1alpha1"
)

// ContextFileName is the key the agent runtime reads inside /context.
const ContextFileName = "task.json"

// maxContextBytes bounds the rendered context document. ConfigMaps cap out at
// 1 MiB; staying well under leaves room for the API object envelope.
const maxContextBytes = 800 * 1024

// TaskContext is the runtime document handed to the agent CLI.
type TaskContext struct {
	TaskID         int64             `json:"taskId"`
	RepositoryURL  string            `json:"repositoryUrl"`
	Branch         string            `json:"branch,omitempty"`
	HeadSHA        string            `json:"headSha,omitempty"`
	AgentClass     string            `json:"agentClass"`
	CLIKind        string            `json:"cliKind"`
	Model          string            `json:"model"`
	CLISettings    map[string]string `json:"cliSettings,omitempty"`
	ContextVersion int32             `json:"contextVersion"`

	// Feedback carries sanitized remediation feedback for follow-up runs.
	Feedback string `json:"feedback,omitempty"`
}

// ContextConfigMap renders the ConfigMap holding the agent's task context.
// feedback is the sanitized remediation feedback for follow-up iterations,
// empty on first runs.
func ContextConfigMap(run *fleetv1alpha1.TaskRun, feedback string) (*corev1.ConfigMap, error) {
	doc := TaskContext{
		TaskID:         run.Spec.TaskID,
		RepositoryURL:  run.Spec.RepositoryURL,
		Branch:         branch(run),
		HeadSHA:        run.Spec.HeadSHA,
		AgentClass:     string(agentClass(run)),
		CLIKind:        run.Spec.CLIKind,
		Model:          run.Spec.Model,
		CLISettings:    run.Spec.CLISettings,
		ContextVersion: contextVersion(run),
		Feedback:       feedback,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal task context: %w", err)
	}
	if len(data) > maxContextBytes {
		return nil, fmt.Errorf("task context is %d bytes, exceeds %d byte limit", len(data), maxContextBytes)
	}

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ContextConfigMapName(run),
			Namespace: run.Namespace,
			Labels:    JobLabels(run),
		},
		Data: map[string]string{
			ContextFileName: string(data),
		},
	}, nil
}
