package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensafely-core/job-runner/internal/controller"
	"github.com/opensafely-core/job-runner/internal/dispatcher"
	"github.com/opensafely-core/job-runner/internal/job"
	"github.com/opensafely-core/job-runner/internal/store"
	"github.com/opensafely-core/job-runner/pkg/cloudevent"
	"github.com/opensafely-core/job-runner/pkg/redact"
)

// jobStatusEventType names the CloudEvent pushed back to the job-server
// for every Job belonging to an active JobRequest.
const jobStatusEventType = "orchestrator.job.status"

// Loop is the Sync Loop: it runs once per owned backend on every
// tick, pulling active JobRequests from the job-server, expanding any the
// Controller hasn't seen yet, and pushing the resulting Job statuses back
// as signed CloudEvents.
type Loop struct {
	store      *store.Store
	rap        *controller.RAPService
	client     *Client
	dispatcher dispatcher.Dispatcher
	backends   []string
	pushURL    string
	source     string
	signingKeys map[string]string // backend -> HMAC signing key for outbound pushes
}

// NewLoop creates a Sync Loop over the given backends, pulling from client
// and pushing Job status to pushURL through d.
func NewLoop(s *store.Store, rap *controller.RAPService, client *Client, d dispatcher.Dispatcher, backends []string, jobServerURL string, signingKeys map[string]string) *Loop {
	return &Loop{
		store:       s,
		rap:         rap,
		client:      client,
		dispatcher:  d,
		backends:    backends,
		pushURL:     jobServerURL + "/api/v2/job-progress/",
		source:      "opensafely-job-runner/controller",
		signingKeys: signingKeys,
	}
}

// Tick runs one Sync Loop pass across every owned backend. Failures on one
// backend are logged and do not prevent the others from syncing.
func (l *Loop) Tick(ctx context.Context) error {
	var errs []error
	for _, backend := range l.backends {
		if err := l.syncBackend(ctx, backend); err != nil {
			slog.Error("sync: backend pass failed", "backend", backend, "error", err)
			errs = append(errs, fmt.Errorf("backend %s: %w", backend, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Loop) syncBackend(ctx context.Context, backend string) error {
	active, err := l.client.ActiveJobRequests(ctx, backend)
	if err != nil {
		return fmt.Errorf("pulling active job requests: %w", err)
	}

	for _, req := range active {
		req.Backend = backend
		if err := l.store.InsertJobRequest(ctx, req); err != nil {
			slog.Error("sync: upserting job request", "job_request_id", req.ID, "error", err)
		}
	}

	if err := l.expandPending(ctx, backend); err != nil {
		return fmt.Errorf("expanding pending job requests: %w", err)
	}

	for _, req := range active {
		if err := l.pushStatus(ctx, req.ID); err != nil {
			slog.Error("sync: pushing job status", "job_request_id", req.ID, "error", err)
		}
	}

	return nil
}

// expandPending runs the Job Definition Builder over every JobRequest the
// Sync Loop has upserted but not yet expanded into Jobs. A fetch or
// pipeline-validation failure marks the request expanded anyway: it is not
// retriable by definition (rap.CreateFromRequest already classifies it as
// a validation error, not a transient one), so leaving it unexpanded would
// only repeat the same failure forever.
func (l *Loop) expandPending(ctx context.Context, backend string) error {
	pending, err := l.store.UnexpandedJobRequests(ctx, backend)
	if err != nil {
		return err
	}

	for _, req := range pending {
		if _, err := l.rap.CreateFromRequest(ctx, req); err != nil {
			slog.Error("sync: expanding job request", "job_request_id", req.ID, "error", err)
		}
		if err := l.store.MarkJobRequestExpanded(ctx, req.ID); err != nil {
			return fmt.Errorf("marking job request %s expanded: %w", req.ID, err)
		}
	}
	return nil
}

// pushStatus dispatches a signed CloudEvent for every Job belonging to
// jobRequestID, with status messages redacted before they cross out of
// the secure environment.
func (l *Loop) pushStatus(ctx context.Context, jobRequestID string) error {
	jobs, err := l.rap.StatusForRequest(ctx, jobRequestID)
	if err != nil {
		return err
	}

	for _, j := range jobs {
		data, err := jobStatusPayload(j)
		if err != nil {
			slog.Error("sync: encoding job status", "job_id", j.ID, "error", err)
			continue
		}

		event := cloudevent.New(jobStatusEventType, l.source, j.ID, j.ID+"-"+j.UpdatedAt.Format("20060102T150405.000000000"), data)
		if err := l.dispatcher.Dispatch(&dispatcher.Event{
			Payload:     event,
			Destination: l.pushURL,
			SigningKey:  l.signingKeys[j.Backend],
		}); err != nil {
			slog.Warn("sync: dispatching job status", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

// jobStatusPayload renders j as a CloudEvent data payload, with its
// status message redacted and output content reduced to counts/patterns
// rather than leaking file content.
func jobStatusPayload(j *job.Job) (map[string]any, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if msg, ok := data["status_message"].(string); ok {
		data["status_message"] = redact.Message(msg, j.Workspace)
	}
	delete(data, "outputs") // content never leaves the secure environment; patterns only
	if len(j.OutputSpec) > 0 {
		patterns := make([]string, 0, len(j.OutputSpec))
		for pattern := range j.OutputSpec {
			patterns = append(patterns, pattern)
		}
		data["output_patterns"] = patterns
		data["output_count"] = len(j.Outputs)
	}
	return data, nil
}
