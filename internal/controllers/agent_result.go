package controllers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// agentResultMarker prefixes the result line the agent container prints as
// its final output.
const agentResultMarker = "AGENT_RESULT:"

// AgentResult is the completion record emitted by an agent job. The
// reconciler reads it to attribute the produced pull request to the run.
type AgentResult struct {
	PullRequestURL string `json:"pullRequestUrl"`
	CommitSHA      string `json:"commitSha"`
	Error          string `json:"error"`
	NoChanges      bool   `json:"noChanges"`
}

// getAgentResult extracts the result from the finished job's pod logs. A
// missing marker or unreadable logs is not fatal: the job's Complete
// condition already decided the phase, the result only enriches status.
func (r *TaskRunReconciler) getAgentResult(ctx context.Context, job *batchv1.Job) (*AgentResult, error) {
	if r.Clientset == nil {
		return nil, fmt.Errorf("kubernetes clientset not available")
	}

	var podList corev1.PodList
	if err := r.List(ctx, &podList, client.InNamespace(job.Namespace), client.MatchingLabels{
		"job-name": job.Name,
	}); err != nil {
		return nil, fmt.Errorf("list job pods: %w", err)
	}
	if len(podList.Items) == 0 {
		return nil, fmt.Errorf("no pods found for job %s", job.Name)
	}

	pod := podList.Items[0]
	tailLines := int64(1000)
	req := r.Clientset.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: "agent",
		TailLines: &tailLines,
	})

	logs, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream pod logs: %w", err)
	}
	defer logs.Close()

	// Track the last line carrying the marker; agents may log intermediate
	// results before the final one.
	var resultLine string
	scanner := bufio.NewScanner(logs)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, agentResultMarker); idx != -1 {
			resultLine = line[idx+len(agentResultMarker):]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pod logs: %w", err)
	}
	if resultLine == "" {
		return nil, fmt.Errorf("agent result marker not found in logs")
	}

	return parseAgentResult(resultLine)
}

// parseAgentResult decodes the JSON document following the result marker.
func parseAgentResult(line string) (*AgentResult, error) {
	var result AgentResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &result); err != nil {
		return nil, fmt.Errorf("parse agent result: %w", err)
	}
	return &result, nil
}
