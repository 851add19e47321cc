package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
	"k8s.io/apimachinery/pkg/util/wait"
)

const requestTimeout = 30 * time.Second

// retryBackoff shapes retries for transient repository API failures:
// exponential with jitter, base 1s, five attempts capped at 30s.
var retryBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.2,
	Steps:    5,
	Cap:      30 * time.Second,
}

// LabelService is the label surface the orchestrator and override detector
// consume. Implemented by Client against the real API and by fakes in tests.
type LabelService interface {
	// ListLabels returns the PR's current label names.
	ListLabels(ctx context.Context, prNumber int) ([]string, error)

	// AddLabels adds labels to the PR. Adding an existing label is a no-op.
	AddLabels(ctx context.Context, prNumber int, labels []string) error

	// RemoveLabel removes a label from the PR. A missing label is a no-op.
	RemoveLabel(ctx context.Context, prNumber int, label string) error
}

// Client is a typed wrapper over the GitHub REST API scoped to one repository.
type Client struct {
	gh    *gh.Client
	owner string
	repo  string
}

// NewClient creates a Client authenticated with token against owner/repo.
func NewClient(token, owner, repo string) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{
		gh:    gh.NewClient(oauth2.NewClient(context.Background(), ts)),
		owner: owner,
		repo:  repo,
	}
}

// NewClientWithHTTP creates a Client over an explicit HTTP client, used by
// tests against a stub server.
func NewClientWithHTTP(httpClient *http.Client, baseURL, owner, repo string) (*Client, error) {
	c := gh.NewClient(httpClient)
	if baseURL != "" {
		var err error
		c, err = c.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configure API base URL: %w", err)
		}
	}
	return &Client{gh: c, owner: owner, repo: repo}, nil
}

// Repo returns the owner/repo slug this client is scoped to.
func (c *Client) Repo() string {
	return c.owner + "/" + c.repo
}

// ListLabels returns the PR's current label names.
func (c *Client) ListLabels(ctx context.Context, prNumber int) ([]string, error) {
	var names []string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		labels, _, err := c.gh.Issues.ListLabelsByIssue(ctx, c.owner, c.repo, prNumber, &gh.ListOptions{PerPage: 100})
		if err != nil {
			return err
		}
		names = names[:0]
		for _, l := range labels {
			names = append(names, l.GetName())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list labels on PR #%d: %w", prNumber, err)
	}
	return names, nil
}

// AddLabels adds labels to the PR. The API treats re-adding as a no-op, which
// keeps label mutations idempotent.
func (c *Client) AddLabels(ctx context.Context, prNumber int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	err := c.withRetry(ctx, func(ctx context.Context) error {
		_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, prNumber, labels)
		return err
	})
	if err != nil {
		return fmt.Errorf("add labels %v to PR #%d: %w", labels, prNumber, err)
	}
	return nil
}

// RemoveLabel removes a label from the PR. A 404 means the label was already
// gone and is treated as success.
func (c *Client) RemoveLabel(ctx context.Context, prNumber int, label string) error {
	err := c.withRetry(ctx, func(ctx context.Context) error {
		resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, prNumber, label)
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("remove label %q from PR #%d: %w", label, prNumber, err)
	}
	return nil
}

// ListComments returns the bodies of all issue comments on the PR, oldest
// first. Feedback extraction filters these for the actionable marker.
func (c *Client) ListComments(ctx context.Context, prNumber int) ([]string, error) {
	var bodies []string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		comments, _, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, prNumber, &gh.IssueListCommentsOptions{
			ListOptions: gh.ListOptions{PerPage: 100},
		})
		if err != nil {
			return err
		}
		bodies = bodies[:0]
		for _, comment := range comments {
			bodies = append(bodies, comment.GetBody())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list comments on PR #%d: %w", prNumber, err)
	}
	return bodies, nil
}

// VerifyCompletion reports whether the PR confirms completed work: merged, or
// still open and carrying the approved label. This is the authoritative check
// behind the local workCompleted fast-path.
func (c *Client) VerifyCompletion(ctx context.Context, prNumber int) (bool, error) {
	var complete bool
	err := c.withRetry(ctx, func(ctx context.Context) error {
		pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, prNumber)
		if err != nil {
			return err
		}
		if pr.GetMerged() {
			complete = true
			return nil
		}
		if pr.GetState() == "closed" {
			// Closed without merge: the work did not land.
			complete = false
			return nil
		}
		for _, l := range pr.Labels {
			if l.GetName() == LabelApproved {
				complete = true
				return nil
			}
		}
		complete = false
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("verify completion of PR #%d: %w", prNumber, err)
	}
	return complete, nil
}

// withRetry runs fn with a per-call timeout, retrying transient failures.
// Auth failures and client errors other than 429 are surfaced immediately.
func (c *Client) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := retryBackoff
	attempts := backoff.Steps
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		lastErr = fn(callCtx)
		cancel()

		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Step()):
		}
	}
	return lastErr
}

// isTransient classifies repository API errors worth retrying: network
// failures, 5xx responses, and secondary rate limiting. Auth failures and an
// exhausted primary rate limit are terminal for this cycle.
func isTransient(err error) bool {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return false // terminal for this cycle, escalation handles it
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		if code == http.StatusUnauthorized || code == http.StatusForbidden {
			return false
		}
		return code >= 500 || code == http.StatusTooManyRequests
	}
	// Anything without an HTTP response: timeouts, connection resets.
	return true
}
