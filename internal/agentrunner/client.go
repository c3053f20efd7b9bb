// Package agentrunner implements the Agent Task Runner: the
// single-threaded cooperative loop that polls the Controller's Task API,
// drives the Executor Adapter through its stage transitions, and reports
// progress back. The Agent is stateless across restarts; it rediscovers
// what it was doing from the Executor plus the Controller's current
// active-task list.
package agentrunner

import (
	"bytes"
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

// TaskAPIClient talks to the Controller's Task API on behalf of one
// backend. Transport errors are retried with bounded exponential backoff
// and gated by a circuit breaker (propagation policy): the Agent never
// changes local job handling because of a transport failure, it just
// retries posting.
type TaskAPIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	retries    int
}

// NewTaskAPIClient creates a client against baseURL, authenticating with
// token.
func NewTaskAPIClient(baseURL, token string) *TaskAPIClient {
	return &TaskAPIClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		retries:    5,
	}
}

// ListTasks fetches the active tasks for backend from `GET
// /{backend}/tasks/`.
func (c *TaskAPIClient) ListTasks(ctx context.Context, backend string) ([]*job.Task, error) {
	var out struct {
		Tasks []*job.Task `json:"tasks"`
	}
	err := c.doWithRetry(ctx, http.MethodGet, fmt.Sprintf("%s/%s/tasks/", c.baseURL, backend), nil, &out)
	return out.Tasks, err
}

// taskUpdate is the body posted to `POST /{backend}/task/update/`.
type taskUpdate struct {
	TaskID    string          `json:"task_id"`
	Stage     job.Stage       `json:"stage"`
	Results   job.TaskResults `json:"results"`
	Timestamp time.Time       `json:"timestamp"`
}

// UpdateTask posts the latest stage/results for taskID and reports
// whether the Controller says the Agent may stop polling it.
func (c *TaskAPIClient) UpdateTask(ctx context.Context, backend, taskID string, stage job.Stage, results job.TaskResults) (bool, error) {
	body := taskUpdate{TaskID: taskID, Stage: stage, Results: results, Timestamp: time.Now().UTC()}
	var out struct {
		AgentComplete bool `json:"agent_complete"`
	}
	err := c.doWithRetry(ctx, http.MethodPost, fmt.Sprintf("%s/%s/task/update/", c.baseURL, backend), body, &out)
	return out.AgentComplete, err
}

func (c *TaskAPIClient) doWithRetry(ctx context.Context, method, url string, body, out any) error {
	if !c.breaker.Allow() {
		return apperrors.Transient("agent.taskapi", fmt.Errorf("circuit open for %s", url))
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		err := c.doOnce(ctx, method, url, body, out)
		if err == nil {
			c.breaker.RecordSuccess()
			return nil
		}
		lastErr = err
		c.breaker.RecordFailure()

		if attempt < c.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}
	}
	return apperrors.Transient("agent.taskapi", lastErr)
}

func (c *TaskAPIClient) doOnce(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("task api returned %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
