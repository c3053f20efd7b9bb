package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensafely-core/job-runner/internal/apperrors"
	"github.com/opensafely-core/job-runner/internal/gitfetch"
	"github.com/opensafely-core/job-runner/internal/job"
	"github.com/opensafely-core/job-runner/internal/jobdef"
	"github.com/opensafely-core/job-runner/internal/store"
)

// projectFile is the path the Job Definition Builder parses for every
// workspace, matching the original's fixed project.yaml location.
const projectFile = "project.yaml"

// RAPService implements the external-facing RAP API: creating
// and cancelling RAP requests, and the aggregated status endpoints clients
// like the job-server poll. Unlike Scheduler, which drives the tick loop,
// RAPService only ever runs in response to an inbound HTTP request.
type RAPService struct {
	store   *store.Store
	builder *jobdef.Builder
	fetcher gitfetch.Fetcher
}

// NewRAPService creates a RAPService backed by s, resolving workspace
// commits and project.yaml content through fetcher.
func NewRAPService(s *store.Store, fetcher gitfetch.Fetcher) *RAPService {
	return &RAPService{store: s, builder: jobdef.NewBuilder(s), fetcher: fetcher}
}

// SetOutputChecker installs fn as the Builder's stale-output guard: a
// SUCCEEDED dependency whose outputs fail fn fails the dependent action
// fast with DEPENDENCY_OUTPUTS_MISSING instead of silently reusing it. Left
// unset, every dependency is assumed still present on disk.
func (r *RAPService) SetOutputChecker(fn jobdef.OutputChecker) {
	r.builder.SetOutputChecker(fn)
}

// CreateFromRequest resolves req's workspace branch to a commit, fetches
// project.yaml at that commit, and expands req against it. A
// fetch failure is treated as a validation error rather than a transient
// one: an unresolvable branch or unreadable project.yaml will not become
// resolvable by retrying the same request unchanged.
func (r *RAPService) CreateFromRequest(ctx context.Context, req *job.JobRequest) (int, error) {
	commit, err := r.fetcher.ResolveCommit(ctx, req.Workspace.RepoURL, req.Workspace.Branch)
	if err != nil {
		return 0, apperrors.Validation("workspace", fmt.Sprintf("could not resolve branch %q: %v", req.Workspace.Branch, err))
	}
	req.Commit = commit

	raw, err := r.fetcher.FetchFile(ctx, req.Workspace.RepoURL, commit, projectFile)
	if err != nil {
		return 0, apperrors.Validation("project.yaml", fmt.Sprintf("could not fetch at commit %s: %v", commit, err))
	}

	pipeline, err := jobdef.LoadPipeline(raw)
	if err != nil {
		return 0, err
	}

	return r.Create(ctx, req, pipeline)
}

// Create expands req against pipeline into Job rows, recording a
// synthetic terminal Job instead of failing outright when the request
// turns out to have nothing new to do or is blocked on stale codelists —
// the job-server still needs *something* to poll the status of.
func (r *RAPService) Create(ctx context.Context, req *job.JobRequest, pipeline *jobdef.Pipeline) (int, error) {
	if err := r.builder.CancelActions(ctx, req); err != nil {
		return 0, fmt.Errorf("controller: cancelling actions: %w", err)
	}

	n, err := r.builder.BuildJobs(ctx, req, pipeline)
	switch {
	case errors.Is(err, jobdef.ErrNothingToDo), errors.Is(err, jobdef.ErrStaleCodelists):
		if cerr := r.builder.CreateErrorJob(ctx, req, err); cerr != nil {
			return 0, fmt.Errorf("controller: recording error job: %w", cerr)
		}
		return 0, nil
	case err != nil:
		return 0, err
	}
	return n, nil
}

// Cancel flags the actions named in req.Cancel as cancel-requested. The
// scheduler's next tick picks up the flag and issues a CANCELJOB task.
func (r *RAPService) Cancel(ctx context.Context, req *job.JobRequest) error {
	return r.builder.CancelActions(ctx, req)
}

// StatusForRequest returns every Job belonging to jobRequestID, for the
// job-server's polled status endpoint.
func (r *RAPService) StatusForRequest(ctx context.Context, jobRequestID string) ([]*job.Job, error) {
	return r.store.JobsByRequest(ctx, jobRequestID)
}

// BackendStatus returns the current flags for backend, for `GET
// /backend/status/`.
func (r *RAPService) BackendStatus(ctx context.Context, backend string) ([]*job.BackendFlag, error) {
	return r.store.FlagsForBackend(ctx, backend)
}
