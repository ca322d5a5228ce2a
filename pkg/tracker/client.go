package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"dnsbl-monitor/pkg/logging"
	"dnsbl-monitor/pkg/rerrors"
	"dnsbl-monitor/pkg/resolver"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL string
	User    string
	Token   string
	Timeout time.Duration
}

// Client is the reference Tracker implementation: a small JSON/REST client
// wrapped in the bounded 2s/4s/8s retry schedule spec.md §4.G names.
type Client struct {
	baseURL string
	user    string
	token   string
	http    *http.Client
	logger  *logging.Logger
}

// NewClient builds a Client. httpResolver may be nil, in which case the
// system's default HTTP client is used (matching resolver.NewHTTPClient's
// own fallback when no upstreams are pinned).
func NewClient(cfg ClientConfig, httpResolver *resolver.Resolver, logger *logging.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	var httpClient *http.Client
	if httpResolver != nil {
		httpClient = httpResolver.NewHTTPClient(timeout)
	} else {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: cfg.BaseURL,
		user:    cfg.User,
		token:   cfg.Token,
		http:    httpClient,
		logger:  logger,
	}
}

// retrySchedule implements backoff.BackOff with the exact 2s/4s/8s
// (cumulative 14s) schedule spec.md §4.G requires, rather than a
// hand-rolled sleep loop.
type retrySchedule struct {
	steps []time.Duration
	next  int
}

func newRetrySchedule() *retrySchedule {
	return &retrySchedule{steps: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}}
}

func (r *retrySchedule) NextBackOff() time.Duration {
	if r.next >= len(r.steps) {
		return backoff.Stop
	}
	d := r.steps[r.next]
	r.next++
	return d
}

func (r *retrySchedule) Reset() {
	r.next = 0
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("tracker responded %d: %s", e.status, e.body)
}

func isTransient(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// do issues one HTTP call wrapped in the bounded retry schedule. Auth
// failures and non-transient 4xx classes are wrapped in backoff.Permanent
// so they abort immediately without consuming the retry budget.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	// permanent records whether op short-circuited via backoff.Permanent on
	// its most recent attempt, so the classification below doesn't have to
	// guess from the error's shape after backoff.Retry unwraps it.
	var permanent bool

	op := func() (struct{}, error) {
		permanent = false
		var reqBody io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				permanent = true
				return struct{}{}, backoff.Permanent(fmt.Errorf("encoding tracker request: %w", err))
			}
			reqBody = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			permanent = true
			return struct{}{}, backoff.Permanent(fmt.Errorf("building tracker request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if c.user != "" || c.token != "" {
			req.SetBasicAuth(c.user, c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// network-level failures are treated as transient.
			return struct{}{}, err
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			permanent = true
			return struct{}{}, backoff.Permanent(rerrors.Wrapf(rerrors.ErrTrackerAuth, "tracker rejected credentials (%d)", resp.StatusCode))
		}
		if resp.StatusCode >= 400 && !isTransient(resp.StatusCode) {
			permanent = true
			return struct{}{}, backoff.Permanent(&apiError{status: resp.StatusCode, body: string(respBody)})
		}
		if isTransient(resp.StatusCode) {
			return struct{}{}, &apiError{status: resp.StatusCode, body: string(respBody)}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				permanent = true
				return struct{}{}, backoff.Permanent(fmt.Errorf("decoding tracker response: %w", err))
			}
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(newRetrySchedule()))
	if err != nil {
		if permanent {
			// op short-circuited on its final attempt without ever
			// consuming the retry budget; pass its classification through
			// as-is instead of claiming retries were exhausted.
			return err
		}
		return rerrors.Wrapf(rerrors.ErrTrackerRetriesExhausted, "tracker call to %s exhausted retries: %v", path, err)
	}
	return nil
}

type searchRequest struct {
	Project          string   `json:"project"`
	ExcludedStatuses []string `json:"excluded_statuses"`
	SummaryContains  string   `json:"summary_contains"`
	Limit            int      `json:"limit"`
}

type searchResponse struct {
	Issues []Issue `json:"issues"`
}

func (c *Client) Search(ctx context.Context, q SearchQuery, limit int) ([]Issue, error) {
	var out searchResponse
	err := c.do(ctx, http.MethodPost, "/search", searchRequest{
		Project:          q.Project,
		ExcludedStatuses: q.ExcludedStatuses,
		SummaryContains:  q.SummaryContains,
		Limit:            limit,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Issues, nil
}

type createRequest struct {
	Project     string   `json:"project"`
	Type        string   `json:"type"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Labels      []string `json:"labels,omitempty"`
}

type createResponse struct {
	Key string `json:"key"`
}

func (c *Client) Create(ctx context.Context, issue NewIssue) (string, error) {
	var out createResponse
	err := c.do(ctx, http.MethodPost, "/issues", createRequest{
		Project:     issue.Project,
		Type:        issue.Type,
		Summary:     issue.Summary,
		Description: issue.Description,
		Labels:      issue.Labels,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Key, nil
}

type commentRequest struct {
	Body string `json:"body"`
}

func (c *Client) Comment(ctx context.Context, key, body string) error {
	return c.do(ctx, http.MethodPost, "/issues/"+key+"/comments", commentRequest{Body: body}, nil)
}
