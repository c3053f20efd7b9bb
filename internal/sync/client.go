// Package sync implements the Sync Loop: the bidirectional bridge
// between the Controller's own store and the external job-server. It pulls
// each owned backend's currently-active JobRequests and pushes back Job
// status as signed CloudEvents through the Controller's bounded async
// dispatcher, so a slow or unreachable job-server never stalls the
// scheduler tick.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensafely-core/job-runner/internal/apperrors"
	"github.com/opensafely-core/job-runner/internal/job"
	"github.com/opensafely-core/job-runner/pkg/backoff"
	"github.com/opensafely-core/job-runner/pkg/circuitbreaker"
)

// Client is the job-server-facing HTTP client used to pull active
// JobRequests. It is deliberately narrow: the Sync Loop is the only
// caller, and push delivery goes through the Controller's dispatcher
// instead of this client.
type Client struct {
	baseURL    string
	tokens     map[string]string // backend -> job-server token
	httpClient *http.Client
	breakers   *circuitbreaker.Registry
	retries    int
}

// NewClient creates a Client against baseURL, authenticating each
// per-backend pull with tokens[backend].
func NewClient(baseURL string, tokens map[string]string) *Client {
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breakers:   circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		retries:    3,
	}
}

// ActiveJobRequests fetches the list of currently-active JobRequests the
// job-server holds for backend. A tripped circuit breaker or exhausted
// retry budget returns apperrors.ErrTransient so the Sync Loop can log and
// retry next tick without touching any Job state.
func (c *Client) ActiveJobRequests(ctx context.Context, backend string) ([]*job.JobRequest, error) {
	breaker := c.breakers.Get(backend)
	if !breaker.Allow() {
		return nil, apperrors.Transient("sync.pull", fmt.Errorf("circuit open for backend %s", backend))
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		reqs, err := c.fetchOnce(ctx, backend)
		if err == nil {
			breaker.RecordSuccess()
			return reqs, nil
		}
		lastErr = err
		breaker.RecordFailure()

		if attempt < c.retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}
	}
	return nil, apperrors.Transient("sync.pull", lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, backend string) ([]*job.JobRequest, error) {
	url := fmt.Sprintf("%s/api/v2/job-requests/active/?backend=%s", c.baseURL, backend)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token := c.tokens[backend]; token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("job-server returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Results []*job.JobRequest `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding job-server response: %w", err)
	}
	return payload.Results, nil
}
