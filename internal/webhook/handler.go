// Package webhook turns repository "label changed" deliveries into
// force-state calls on the label orchestrator.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/okonek/taskfleet/internal/cancel"
	"github.com/okonek/taskfleet/internal/github"
	"github.com/okonek/taskfleet/internal/metrics"
	"github.com/okonek/taskfleet/internal/remediation"
	"github.com/okonek/taskfleet/internal/validation"
)

// TokenEnvVar supplies the repository access token at webhook time.
const TokenEnvVar = "GITHUB_TOKEN"

// requestTimeout bounds the downstream work of one delivery.
const requestTimeout = 30 * time.Second

// inboundStates maps recognized inbound label names onto workflow states.
// Both QA and review wait labels project onto ReadyForQA: the workflow state
// machine does not distinguish which agent the PR waits on.
var inboundStates = map[string]github.WorkflowState{
	"needs-fixes":        github.StateNeedsRemediation,
	"fixing-in-progress": github.StateRemediationInProgress,
	"needs-qa":           github.StateReadyForQA,
	"needs-review":       github.StateReadyForQA,
	"approved":           github.StateApproved,
	"failed-remediation": github.StateFailed,
}

// payload is the subset of the pull_request webhook body the handler reads.
type payload struct {
	Action string `json:"action"`
	Label  struct {
		Name string `json:"name"`
	} `json:"label"`
	PullRequest struct {
		Number int `json:"number"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"pull_request"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// OrchestratorFactory builds an orchestrator scoped to one repository.
// Injected so tests run against fakes.
type OrchestratorFactory func(owner, repo string) (*github.Orchestrator, error)

// CommentLister reads PR comment bodies for feedback ingestion. Implemented
// by the GitHub client.
type CommentLister interface {
	ListComments(ctx context.Context, prNumber int) ([]string, error)
}

// CommentListerFactory builds a comment lister scoped to one repository.
type CommentListerFactory func(owner, repo string) (CommentLister, error)

// Canceller sweeps the running agent jobs of a task. Implemented by the
// state-aware cancellation package.
type Canceller interface {
	CancelAgents(ctx context.Context, taskID int64, prNumber int) (*cancel.Result, error)
}

// EscalatorFactory builds an escalator over one repository's labels.
type EscalatorFactory func(owner, repo string) (*remediation.Escalator, error)

// Params wires the handler's collaborators. Store, Orchestrator, and Logger
// are required; the rest degrade gracefully when nil.
type Params struct {
	Store        *remediation.Store
	Orchestrator OrchestratorFactory
	Comments     CommentListerFactory
	Escalator    EscalatorFactory
	Canceller    Canceller
	Logger       *zap.SugaredLogger
}

// Handler handles repository webhook deliveries.
type Handler struct {
	store        *remediation.Store
	orchestrator OrchestratorFactory
	comments     CommentListerFactory
	escalator    EscalatorFactory
	canceller    Canceller
	validator    *validation.Validator
	logger       *zap.SugaredLogger
}

// DefaultFactories builds real per-repository GitHub collaborators from the
// token environment variable.
func DefaultFactories(resumer github.Resumer, store *remediation.Store, canceller Canceller, logger *zap.SugaredLogger) Params {
	newClient := func(owner, repo string) (*github.Client, error) {
		token := os.Getenv(TokenEnvVar)
		if token == "" {
			return nil, fmt.Errorf("%s not set", TokenEnvVar)
		}
		return github.NewClient(token, owner, repo), nil
	}
	return Params{
		Store: store,
		Orchestrator: func(owner, repo string) (*github.Orchestrator, error) {
			client, err := newClient(owner, repo)
			if err != nil {
				return nil, err
			}
			return github.NewOrchestrator(client, resumer, logger), nil
		},
		Comments: func(owner, repo string) (CommentLister, error) {
			return newClient(owner, repo)
		},
		Escalator: func(owner, repo string) (*remediation.Escalator, error) {
			client, err := newClient(owner, repo)
			if err != nil {
				return nil, err
			}
			orchestrator := github.NewOrchestrator(client, resumer, logger)
			detector := github.NewOverrideDetector(client)
			return remediation.NewEscalator(store, orchestrator, detector, resumer, logger, 0, 0), nil
		},
		Canceller: canceller,
		Logger:    logger,
	}
}

// NewHandler creates a webhook handler from wired collaborators.
func NewHandler(p Params) *Handler {
	return &Handler{
		store:        p.Store,
		orchestrator: p.Orchestrator,
		comments:     p.Comments,
		escalator:    p.Escalator,
		canceller:    p.Canceller,
		validator:    validation.New(),
		logger:       p.Logger,
	}
}

// Mux returns the HTTP mux serving the webhook and probe endpoints.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", h.handleWebhook)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	return mux
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if event := r.Header.Get("X-GitHub-Event"); event != "pull_request" {
		h.ignore(w, "unsupported_event")
		return
	}

	var p payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
		metrics.RecordWebhookEvent("malformed")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if p.Action != "labeled" {
		h.ignore(w, "non_labeled_action")
		return
	}

	target, ok := inboundStates[p.Label.Name]
	if !ok {
		h.ignore(w, "non_state_label")
		return
	}

	if err := h.validator.ValidatePRNumber(p.PullRequest.Number); err != nil {
		metrics.RecordWebhookEvent("malformed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.Repository.Owner.Login == "" || p.Repository.Name == "" {
		metrics.RecordWebhookEvent("malformed")
		http.Error(w, "missing repository fields", http.StatusBadRequest)
		return
	}

	taskID, ok := taskFromLabels(p)
	if !ok {
		h.ignore(w, "missing_task_label")
		return
	}

	orchestrator, err := h.orchestrator(p.Repository.Owner.Login, p.Repository.Name)
	if err != nil {
		h.logger.Warnw("cannot build orchestrator for delivery", "error", err)
		h.ignore(w, "missing_token")
		return
	}

	ctx, done := context.WithTimeout(r.Context(), requestTimeout)
	defer done()

	// Make sure a remediation record exists before the state machine runs.
	if state, err := h.store.Load(ctx, p.PullRequest.Number, taskID); err != nil {
		h.logger.Warnw("failed to load remediation state",
			"pr", p.PullRequest.Number, "task", taskID, "error", err)
	} else if state == nil {
		if err := h.store.Initialize(ctx, p.PullRequest.Number, taskID, nil); err != nil {
			h.logger.Warnw("failed to initialize remediation state",
				"pr", p.PullRequest.Number, "task", taskID, "error", err)
		}
	}

	if err := orchestrator.ForceState(ctx, p.PullRequest.Number, taskID, target); err != nil {
		var overrideErr *github.OverrideActiveError
		if errors.As(err, &overrideErr) {
			h.logger.Infow("state change refused by active override",
				"pr", p.PullRequest.Number, "override", overrideErr.Override.Label)
			metrics.RecordWebhookEvent("override_refused")
			writeJSON(w, http.StatusOK, map[string]string{
				"status":   "refused",
				"override": overrideErr.Override.Label,
			})
			return
		}
		h.logger.Errorw("failed to force workflow state",
			"pr", p.PullRequest.Number, "task", taskID, "state", target, "error", err)
		metrics.RecordWebhookEvent("error")
		http.Error(w, "state update failed", http.StatusInternalServerError)
		return
	}

	if err := h.store.SetLastKnownState(ctx, p.PullRequest.Number, taskID, string(target)); err != nil {
		h.logger.Warnw("failed to record last known state",
			"pr", p.PullRequest.Number, "task", taskID, "error", err)
	}

	var ingestErr error
	if target == github.StateNeedsRemediation {
		ingestErr = h.ingestFeedback(ctx, p, taskID)
	}
	h.escalate(ctx, p, taskID, ingestErr)

	metrics.RecordWebhookEvent("applied")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"label":  p.Label.Name,
		"task":   taskID,
		"pr":     p.PullRequest.Number,
	})
}

func (h *Handler) ignore(w http.ResponseWriter, reason string) {
	metrics.RecordWebhookEvent("ignored")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ignored",
		"reason": reason,
	})
}

// ingestFeedback reads the PR's newest actionable QA comment, scrubs it, and
// appends the extracted issue to the remediation record. Validation is
// non-fatal: the sanitized form is stored with the warnings attached.
func (h *Handler) ingestFeedback(ctx context.Context, p payload, taskID int64) error {
	if h.comments == nil {
		return nil
	}
	lister, err := h.comments(p.Repository.Owner.Login, p.Repository.Name)
	if err != nil {
		h.logger.Warnw("cannot build comment lister", "error", err)
		return nil
	}

	bodies, err := lister.ListComments(ctx, p.PullRequest.Number)
	if err != nil {
		h.logger.Warnw("failed to list PR comments", "pr", p.PullRequest.Number, "error", err)
		return err
	}

	// Newest actionable comment wins.
	for i := len(bodies) - 1; i >= 0; i-- {
		issue, err := remediation.ExtractFeedback(bodies[i])
		if err != nil {
			h.logger.Debugw("skipping malformed actionable comment",
				"pr", p.PullRequest.Number, "error", err)
			continue
		}
		if issue == nil {
			continue
		}

		result := h.validator.Validate(issue.Description)
		issue.Description = result.Sanitized
		issue.Warnings = append(issue.Warnings, result.Warnings...)
		if !result.IsValid {
			issue.Warnings = append(issue.Warnings, result.Errors...)
		}

		if err := h.store.AppendFeedback(ctx, p.PullRequest.Number, taskID, *issue); err != nil {
			h.logger.Warnw("failed to append feedback",
				"pr", p.PullRequest.Number, "task", taskID, "error", err)
			return err
		}
		metrics.RemediationIterations.WithLabelValues(
			fmt.Sprintf("%d", p.PullRequest.Number), fmt.Sprintf("%d", taskID)).Inc()

		if !result.IsValid {
			return &remediation.InjectionAttemptError{Detail: "malicious content in QA feedback"}
		}
		return nil
	}
	return nil
}

// escalate evaluates the termination conditions after a cycle and cancels
// the task's running agents when remediation ends without success.
func (h *Handler) escalate(ctx context.Context, p payload, taskID int64, observedErr error) {
	if h.escalator == nil {
		return
	}
	escalator, err := h.escalator(p.Repository.Owner.Login, p.Repository.Name)
	if err != nil {
		h.logger.Warnw("cannot build escalator", "error", err)
		return
	}

	result, err := escalator.Evaluate(ctx, p.PullRequest.Number, taskID, observedErr)
	if err != nil {
		h.logger.Warnw("escalation evaluation failed",
			"pr", p.PullRequest.Number, "task", taskID, "error", err)
		return
	}
	if result == nil {
		return
	}

	metrics.RecordTermination(string(result.Reason))

	if result.Reason != remediation.ReasonSuccess && h.canceller != nil {
		sweep, err := h.canceller.CancelAgents(ctx, taskID, p.PullRequest.Number)
		if err != nil {
			h.logger.Warnw("cancellation sweep failed", "task", taskID, "error", err)
			metrics.RecordCancellationSweep("error")
			return
		}
		switch {
		case sweep.SkippedForLock():
			metrics.RecordCancellationSweep("skipped")
		default:
			metrics.RecordCancellationSweep("performed")
		}
	}
}

// taskFromLabels finds the task-<id> association label on the PR.
func taskFromLabels(p payload) (int64, bool) {
	for _, label := range p.PullRequest.Labels {
		if id, ok := github.ParseTaskLabel(label.Name); ok {
			return id, true
		}
	}
	return 0, false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
