package jobdef

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/apperrors"
	"github.com/opensafely-core/job-runner/internal/job"
	"github.com/opensafely-core/job-runner/internal/store"
)

// Builder expands JobRequests into Job rows, resolving the pipeline's
// dependency graph and deciding per action whether an existing Job can be
// reused, must be re-run, or is new.
type Builder struct {
	store        *store.Store
	checkOutputs OutputChecker
}

// NewBuilder creates a Builder backed by s.
func NewBuilder(s *store.Store) *Builder {
	return &Builder{store: s}
}

// SetOutputChecker installs fn as the check recursivelyBuildJob runs against
// every SUCCEEDED dependency before letting a dependent action reuse it.
// Left nil in tests with no real storage to consult, in which case the
// check is skipped entirely.
func (b *Builder) SetOutputChecker(fn OutputChecker) {
	b.checkOutputs = fn
}

// BuildJobs expands req against pipeline, inserting any newly-needed Job
// rows and marking req as expanded. It returns the number of Jobs created.
// ErrNothingToDo is returned unwrapped; ErrStaleCodelists is wrapped with
// the name of the action that needs the database. The caller
// (RAPService.Create) matches either with errors.Is and turns it into a
// terminal Job via CreateErrorJob so the job-server still gets a response
// for the JobRequest.
func (b *Builder) BuildJobs(ctx context.Context, req *job.JobRequest, pipeline *Pipeline) (int, error) {
	if err := validateJobRequest(req); err != nil {
		return 0, err
	}

	latest, err := b.latestJobsForActions(ctx, req, pipeline)
	if err != nil {
		return 0, fmt.Errorf("jobdef: loading current jobs: %w", err)
	}

	jobsByAction := make(map[string]*job.Job, len(latest))
	for action, j := range latest {
		jobsByAction[action] = j
	}

	now := time.Now()
	roots := actionsToRun(req, pipeline)

	for action := range cycleMembers(pipeline, roots) {
		if existing, ok := jobsByAction[action]; ok && !nonRetriableFailures[existing.StatusCode] {
			// Leave a prior successful/in-flight run of this action alone;
			// only actions without a salvageable existing Job get pinned to
			// the terminal INVALID_PIPELINE placeholder below.
			continue
		}
		jobsByAction[action] = &job.Job{
			ID:            DeterministicID(req.ID, action),
			JobRequestID:  req.ID,
			Backend:       req.Backend,
			Workspace:     req.Workspace.Name,
			Action:        action,
			Commit:        req.Commit,
			State:         job.StateFailed,
			StatusCode:    job.StatusInvalidPipeline,
			StatusMessage: "This action is part of a circular dependency chain in project.yaml and can never run",
			CreatedAt:     now,
			StartedAt:     &now,
			CompletedAt:   &now,
			UpdatedAt:     now,
		}
	}

	for _, action := range roots {
		if err := b.recursivelyBuildJob(jobsByAction, req, pipeline, action, now); err != nil {
			return 0, err
		}
	}

	var newJobs []*job.Job
	for action, j := range jobsByAction {
		if existing, ok := latest[action]; !ok || existing.ID != j.ID {
			newJobs = append(newJobs, j)
		}
	}

	if len(newJobs) == 0 {
		return 0, classifyNothingToDo(req, latest)
	}

	if !req.CodelistsOK {
		for _, j := range newJobs {
			if j.RequiresDB {
				return 0, fmt.Errorf("%w: action %s", ErrStaleCodelists, j.Action)
			}
		}
	}

	if err := b.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := b.store.InsertJobRequest(ctx, req); err != nil {
			return err
		}
		for _, j := range newJobs {
			if err := b.store.InsertJob(ctx, j); err != nil {
				return err
			}
		}
		return b.store.MarkJobRequestExpanded(ctx, req.ID)
	}); err != nil {
		return 0, fmt.Errorf("jobdef: inserting jobs: %w", err)
	}

	return len(newJobs), nil
}

// CreateErrorJob records a JobRequest that could not be expanded at all —
// e.g. an invalid project.yaml or ErrStaleCodelists — as a single
// synthetic Job with action "__error__", so the sync loop still has
// something to report back to the job-server. A NothingToDoError-shaped
// cause is recorded as a SUCCEEDED job instead of a failure, under the
// first requested action's name rather than "__error__", since
// "everything the user asked for is already done" is not a failure from
// the job-server's point of view.
func (b *Builder) CreateErrorJob(ctx context.Context, req *job.JobRequest, cause error) error {
	now := time.Now()
	action := "__error__"
	state := job.StateFailed
	code := job.StatusInternalError
	message := cause.Error()

	switch {
	case errors.Is(cause, ErrNothingToDo):
		state = job.StateSucceeded
		code = job.StatusSucceeded
		if len(req.RequestedActions) > 0 {
			action = req.RequestedActions[0]
		}
	case errors.Is(cause, ErrStaleCodelists):
		code = job.StatusStaleCodelists
	}

	j := &job.Job{
		ID:           DeterministicID(req.ID, action),
		JobRequestID: req.ID,
		Backend:      req.Backend,
		Workspace:    req.Workspace.Name,
		Action:       action,
		Commit:       req.Commit,
		State:        state,
		StatusCode:   code,
		StatusMessage: message,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if state.IsTerminal() {
		j.StartedAt = &now
		j.CompletedAt = &now
	}

	return b.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := b.store.InsertJobRequest(ctx, req); err != nil {
			return err
		}
		if err := b.store.InsertJob(ctx, j); err != nil {
			return err
		}
		return b.store.MarkJobRequestExpanded(ctx, req.ID)
	})
}

// skipCancelBackend matches the original's special-cased RAP API v2
// backend that ignores cancellation requests entirely.
const skipCancelBackend = "test"

// CancelActions flags the Jobs named in req.Cancel as cancel-requested, for
// a JobRequest that both creates new jobs and cancels others in the same
// payload. Mirrors update_cancelled_jobs/set_cancelled_flag_for_actions.
func (b *Builder) CancelActions(ctx context.Context, req *job.JobRequest) error {
	if len(req.Cancel) == 0 {
		return nil
	}
	if req.Backend == skipCancelBackend {
		return nil
	}
	return b.store.SetCancelRequestedForActions(ctx, req.ID, req.Cancel)
}

func validateJobRequest(req *job.JobRequest) error {
	if len(req.RequestedActions) == 0 {
		return apperrors.Validation("job_request", "at least one action must be supplied")
	}
	if req.Workspace.Name == "" {
		return apperrors.Validation("job_request", "workspace name cannot be blank")
	}
	return nil
}

func actionsToRun(req *job.JobRequest, pipeline *Pipeline) []string {
	for _, a := range req.RequestedActions {
		if a == RunAllCommand {
			return pipeline.AllActions()
		}
	}
	return req.RequestedActions
}

// latestJobsForActions returns, for every action defined in pipeline, the
// most recent Job run for it in this workspace (if any), keyed by action.
func (b *Builder) latestJobsForActions(ctx context.Context, req *job.JobRequest, pipeline *Pipeline) (map[string]*job.Job, error) {
	out := make(map[string]*job.Job)
	for _, action := range pipeline.AllActions() {
		j, err := b.store.FindJobByAction(ctx, req.Workspace.Name, action, req.Commit)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[action] = j
	}
	return out, nil
}

// recursivelyBuildJob ensures jobsByAction[action] (and every action it
// transitively needs) holds the Job that should run for req, creating new
// Job values in place where the existing one must be re-run.
func (b *Builder) recursivelyBuildJob(jobsByAction map[string]*job.Job, req *job.JobRequest, pipeline *Pipeline, action string, now time.Time) error {
	if existing, ok := jobsByAction[action]; ok && !jobShouldBeRerun(req, existing) {
		return nil
	}

	spec, err := pipeline.ActionSpec(action)
	if err != nil {
		return err
	}

	var waitForJobIDs []string
	for _, needed := range spec.Needs {
		if err := b.recursivelyBuildJob(jobsByAction, req, pipeline, needed, now); err != nil {
			return err
		}
		requiredJob := jobsByAction[needed]
		if requiredJob.State == job.StateSucceeded && b.checkOutputs != nil && !b.checkOutputs(requiredJob) {
			jobsByAction[action] = &job.Job{
				ID:            DeterministicID(req.ID, action),
				JobRequestID:  req.ID,
				Backend:       req.Backend,
				Workspace:     req.Workspace.Name,
				Action:        action,
				Commit:        req.Commit,
				State:         job.StateFailed,
				StatusCode:    job.StatusDependencyOutputsMissing,
				StatusMessage: fmt.Sprintf("Dependency %q succeeded but its outputs are no longer on disk; re-run it before running %q", needed, action),
				CreatedAt:     now,
				StartedAt:     &now,
				CompletedAt:   &now,
				UpdatedAt:     now,
			}
			return nil
		}
		// Track every dependency that hasn't succeeded yet, not just
		// pending/running ones: a dependency left terminally FAILED (e.g.
		// fail-fast, or a cycle-member pinned to INVALID_PIPELINE above)
		// must still be tracked so handlePendingJob's dependency check can
		// propagate DEPENDENCY_FAILED onto this fresh Job.
		if requiredJob.State != job.StateSucceeded {
			waitForJobIDs = append(waitForJobIDs, requiredJob.ID)
		}
	}

	jobsByAction[action] = &job.Job{
		ID:                  DeterministicID(req.ID, action),
		JobRequestID:        req.ID,
		Backend:             req.Backend,
		Workspace:           req.Workspace.Name,
		Action:              action,
		Commit:              req.Commit,
		RunCommand:          spec.Run,
		Image:               spec.Image,
		RequiresOutputsFrom: spec.Needs,
		WaitForJobIDs:       waitForJobIDs,
		OutputSpec:          spec.Outputs,
		RequiresDB:          spec.RequiresDB,
		Weight:              1,
		State:               job.StatePending,
		StatusCode:          job.StatusCreated,
		StatusMessage:       "Created",
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return nil
}

// nonRetriableFailures are terminal FAILED status_codes that a fresh
// JobRequest must never silently rerun: the failure reflects something
// about the request or the pipeline itself (a cancelled run, an
// admin-killed job, a dependency that already failed, stale codelists, an
// invalid/cyclic pipeline) rather than a transient job failure, so only an
// explicit --force for that action gets to try again.
var nonRetriableFailures = map[job.StatusCode]bool{
	job.StatusDependencyFailed:         true,
	job.StatusStaleCodelists:           true,
	job.StatusInvalidPipeline:          true,
	job.StatusCancelledByUser:          true,
	job.StatusKilledByAdmin:            true,
	job.StatusDependencyOutputsMissing: true,
}

// jobShouldBeRerun decides, for an action that already has a most-recent
// Job, whether req demands a fresh run of it.
func jobShouldBeRerun(req *job.JobRequest, j *job.Job) bool {
	if j.State == job.StatePending || j.State == job.StateRunning {
		return false
	}
	if nonRetriableFailures[j.StatusCode] {
		return contains(req.RequestedActions, j.Action) && req.Force
	}
	if j.State == job.StateFailed {
		return true
	}
	if contains(req.RequestedActions, j.Action) {
		return req.Force
	}
	return req.ForceRunDependencies
}

// cycleMembers returns the set of action names that sit on a dependency
// cycle reachable from roots, via DFS over the pipeline's Needs edges.
// Every action so returned can never be scheduled and is instead pinned to
// a terminal INVALID_PIPELINE Job by BuildJobs.
func cycleMembers(pipeline *Pipeline, roots []string) map[string]bool {
	members := map[string]bool{}
	state := map[string]int{} // 0 unvisited, 1 on stack, 2 done
	var stack []string

	var visit func(action string)
	visit = func(action string) {
		switch state[action] {
		case 1:
			for i := len(stack) - 1; i >= 0; i-- {
				members[stack[i]] = true
				if stack[i] == action {
					break
				}
			}
			return
		case 2:
			return
		}

		spec, err := pipeline.ActionSpec(action)
		if err != nil {
			return
		}

		state[action] = 1
		stack = append(stack, action)
		for _, needed := range spec.Needs {
			visit(needed)
		}
		stack = stack[:len(stack)-1]
		state[action] = 2
	}

	for _, root := range roots {
		visit(root)
	}
	return members
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// classifyNothingToDo decides whether an empty new-jobs set is the benign
// "run_all found nothing left to do" / "everything already scheduled"
// case (ErrNothingToDo) or an unexpected scheduling bug.
func classifyNothingToDo(req *job.JobRequest, latest map[string]*job.Job) error {
	if contains(req.RequestedActions, RunAllCommand) {
		return ErrNothingToDo
	}

	allPendingOrRunning := true
	for _, action := range req.RequestedActions {
		j, ok := latest[action]
		if !ok || (j.State != job.StatePending && j.State != job.StateRunning) {
			allPendingOrRunning = false
			break
		}
	}
	if allPendingOrRunning {
		return ErrNothingToDo
	}

	return fmt.Errorf("jobdef: no new jobs scheduled despite failed dependencies for request %s", req.ID)
}
