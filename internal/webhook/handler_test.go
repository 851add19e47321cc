package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/okonek/taskfleet/internal/cancel"
	"github.com/okonek/taskfleet/internal/github"
	"github.com/okonek/taskfleet/internal/remediation"
)

// memLabels is an in-memory github.LabelService.
type memLabels struct {
	mu     sync.Mutex
	labels map[int]map[string]bool
}

func newMemLabels(prNumber int, labels ...string) *memLabels {
	set := map[string]bool{}
	for _, l := range labels {
		set[l] = true
	}
	return &memLabels{labels: map[int]map[string]bool{prNumber: set}}
}

func (m *memLabels) ListLabels(_ context.Context, prNumber int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for l := range m.labels[prNumber] {
		out = append(out, l)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memLabels) AddLabels(_ context.Context, prNumber int, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labels[prNumber] == nil {
		m.labels[prNumber] = map[string]bool{}
	}
	for _, l := range labels {
		m.labels[prNumber][l] = true
	}
	return nil
}

func (m *memLabels) RemoveLabel(_ context.Context, prNumber int, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.labels[prNumber], label)
	return nil
}

func (m *memLabels) has(prNumber int, label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.labels[prNumber][label]
}

func newTestHandler(t *testing.T, labels *memLabels) (*Handler, *remediation.Store) {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	logger := zap.NewNop().Sugar()
	store := remediation.NewStore(c, "taskfleet", logger)

	factory := func(owner, repo string) (*github.Orchestrator, error) {
		return github.NewOrchestrator(labels, nil, logger), nil
	}
	return NewHandler(Params{Store: store, Orchestrator: factory, Logger: logger}), store
}

func deliver(t *testing.T, h *Handler, event string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(data)))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	return rec
}

func labeledPayload(label string, prNumber int, prLabels ...string) map[string]interface{} {
	labels := make([]map[string]string, 0, len(prLabels))
	for _, l := range prLabels {
		labels = append(labels, map[string]string{"name": l})
	}
	return map[string]interface{}{
		"action": "labeled",
		"label":  map[string]string{"name": label},
		"pull_request": map[string]interface{}{
			"number": prNumber,
			"labels": labels,
		},
		"repository": map[string]interface{}{
			"name":  "widget",
			"owner": map[string]string{"login": "acme"},
		},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

// stubComments returns canned PR comment bodies.
type stubComments struct {
	bodies []string
}

func (s *stubComments) ListComments(_ context.Context, _ int) ([]string, error) {
	return s.bodies, nil
}

// stubCanceller records sweep invocations.
type stubCanceller struct {
	calls int
}

func (s *stubCanceller) CancelAgents(_ context.Context, taskID int64, prNumber int) (*cancel.Result, error) {
	s.calls++
	return &cancel.Result{TaskID: taskID, PRNumber: prNumber, Reason: "cancellation completed"}, nil
}

func TestWebhook_FeedbackIngestAndEscalation(t *testing.T) {
	labels := newMemLabels(21, "task-13", github.LabelReadyForQA)
	logger := zap.NewNop().Sugar()

	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	c := fake.NewClientBuilder().WithScheme(scheme).Build()
	store := remediation.NewStore(c, "taskfleet", logger)

	comment := remediation.RenderFeedback(&remediation.FeedbackIssue{
		Kind:        remediation.IssueBug,
		Severity:    remediation.SeverityHigh,
		Description: "Login broken",
		Criteria:    []remediation.Criterion{{Description: "auth works", Completed: false}},
	})

	canceller := &stubCanceller{}
	params := Params{
		Store: store,
		Orchestrator: func(owner, repo string) (*github.Orchestrator, error) {
			return github.NewOrchestrator(labels, nil, logger), nil
		},
		Comments: func(owner, repo string) (CommentLister, error) {
			return &stubComments{bodies: []string{"looks fine", comment}}, nil
		},
		Escalator: func(owner, repo string) (*remediation.Escalator, error) {
			orchestrator := github.NewOrchestrator(labels, nil, logger)
			detector := github.NewOverrideDetector(labels)
			// One iteration is already the limit, so ingesting the feedback
			// drives the loop straight to termination.
			return remediation.NewEscalator(store, orchestrator, detector, nil, logger, 1, 0), nil
		},
		Canceller: canceller,
		Logger:    logger,
	}
	h := NewHandler(params)

	rec := deliver(t, h, "pull_request", labeledPayload("needs-fixes", 21, "task-13", "needs-fixes"))
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}

	state, err := store.Load(context.Background(), 21, 13)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state == nil || state.Iteration != 1 || len(state.FeedbackHistory) != 1 {
		t.Fatalf("state = %+v", state)
	}
	if state.FeedbackHistory[0].Description != "Login broken" {
		t.Errorf("description = %q", state.FeedbackHistory[0].Description)
	}

	// The iteration limit fired, so the PR is failed and agents swept.
	if !labels.has(21, github.LabelFailedRemediation) {
		t.Error("failed-remediation label should be set by escalation")
	}
	if canceller.calls != 1 {
		t.Errorf("canceller calls = %d, want 1", canceller.calls)
	}
}

func TestWebhook_AppliesStateLabel(t *testing.T) {
	labels := newMemLabels(7, "task-42", github.LabelNeedsRemediation)
	h, store := newTestHandler(t, labels)

	rec := deliver(t, h, "pull_request", labeledPayload("needs-qa", 7, "task-42", "needs-qa"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}

	if !labels.has(7, github.LabelReadyForQA) {
		t.Error("ready-for-qa should be applied")
	}
	if labels.has(7, github.LabelNeedsRemediation) {
		t.Error("previous state label should be removed")
	}

	state, err := store.Load(context.Background(), 7, 42)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state == nil || state.LastKnownState != string(github.StateReadyForQA) {
		t.Errorf("state = %+v", state)
	}
}

func TestWebhook_IgnoresNonPullRequestEvents(t *testing.T) {
	h, _ := newTestHandler(t, newMemLabels(1))
	rec := deliver(t, h, "push", map[string]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ignored" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhook_IgnoresUnlabeledActions(t *testing.T) {
	h, _ := newTestHandler(t, newMemLabels(1))
	payload := labeledPayload("needs-qa", 1, "task-1")
	payload["action"] = "unlabeled"
	rec := deliver(t, h, "pull_request", payload)
	if body := decodeBody(t, rec); body["reason"] != "non_labeled_action" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhook_IgnoresUnmappedLabels(t *testing.T) {
	h, _ := newTestHandler(t, newMemLabels(1))
	rec := deliver(t, h, "pull_request", labeledPayload("documentation", 1, "task-1"))
	if body := decodeBody(t, rec); body["reason"] != "non_state_label" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhook_IgnoresMissingTaskLabel(t *testing.T) {
	labels := newMemLabels(3, "needs-qa")
	h, _ := newTestHandler(t, labels)
	rec := deliver(t, h, "pull_request", labeledPayload("needs-qa", 3, "needs-qa"))
	if body := decodeBody(t, rec); body["reason"] != "missing_task_label" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhook_MalformedPayloadRejected(t *testing.T) {
	h, _ := newTestHandler(t, newMemLabels(1))
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	req.Header.Set("X-GitHub-Event", "pull_request")
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhook_OverrideRefusalReported(t *testing.T) {
	labels := newMemLabels(9, "task-5", github.LabelSkipAutomation)
	h, _ := newTestHandler(t, labels)

	rec := deliver(t, h, "pull_request", labeledPayload("approved", 9, "task-5", "skip-automation"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "refused" || body["override"] != github.LabelSkipAutomation {
		t.Errorf("body = %v", body)
	}
	if labels.has(9, github.LabelApproved) {
		t.Error("labels must be unchanged under override")
	}
}

func TestWebhook_MissingRepositoryFields(t *testing.T) {
	h, _ := newTestHandler(t, newMemLabels(1))
	payload := labeledPayload("needs-qa", 1, "task-1")
	payload["repository"] = map[string]interface{}{}
	rec := deliver(t, h, "pull_request", payload)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_AllMappedLabels(t *testing.T) {
	mapping := map[string]github.WorkflowState{
		"needs-fixes":        github.StateNeedsRemediation,
		"fixing-in-progress": github.StateRemediationInProgress,
		"needs-qa":           github.StateReadyForQA,
		"needs-review":       github.StateReadyForQA,
		"approved":           github.StateApproved,
		"failed-remediation": github.StateFailed,
	}

	pr := 100
	for label, want := range mapping {
		labels := newMemLabels(pr, "task-8")
		h, _ := newTestHandler(t, labels)

		rec := deliver(t, h, "pull_request", labeledPayload(label, pr, "task-8"))
		if body := decodeBody(t, rec); body["status"] != "ok" {
			t.Errorf("label %s: body = %v", label, body)
			continue
		}
		if wantLabel := github.StateLabel(want); wantLabel != "" && !labels.has(pr, wantLabel) {
			t.Errorf("label %s: PR missing %s", label, wantLabel)
		}
	}
}
