package agentrunner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/job"
)

// Runner drives one backend's Task Runner loop. It holds no
// persisted state: AgentComplete tracking lives only in the process's
// memory and is rebuilt from the Controller's active-task list on every
// restart.
type Runner struct {
	backend  string
	client   *TaskAPIClient
	executor executor.Executor

	mu       sync.Mutex
	complete map[string]bool
}

// New creates a Runner for backend, polling through client and executing
// through exec.
func New(backend string, client *TaskAPIClient, exec executor.Executor) *Runner {
	return &Runner{
		backend:  backend,
		client:   client,
		executor: exec,
		complete: make(map[string]bool),
	}
}

// Tick is one iteration of the cooperative loop: fetch active tasks, then
// advance each one not already marked agent_complete. Tasks are handled
// serially — stage transitions never overlap within a single job.
func (r *Runner) Tick(ctx context.Context) error {
	tasks, err := r.client.ListTasks(ctx, r.backend)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.ID] = true
		if r.isComplete(t.ID) {
			continue
		}
		if err := r.handleTask(ctx, t); err != nil {
			slog.Error("agentrunner: handling task", "task_id", t.ID, "job_id", t.JobID, "error", err)
		}
	}

	r.forgetMissing(seen)
	return nil
}

func (r *Runner) isComplete(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete[taskID]
}

func (r *Runner) markComplete(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete[taskID] = true
}

// forgetMissing drops local agent_complete bookkeeping for tasks the
// Controller no longer lists as active, so the map does not grow
// unbounded over the Agent's lifetime.
func (r *Runner) forgetMissing(seen map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.complete {
		if !seen[id] {
			delete(r.complete, id)
		}
	}
}

func (r *Runner) handleTask(ctx context.Context, t *job.Task) error {
	switch t.Kind {
	case job.TaskRunJob:
		return r.handleRunJob(ctx, t)
	case job.TaskCancelJob:
		return r.handleCancelJob(ctx, t)
	case job.TaskDBStatus:
		return r.handleDBStatus(ctx, t)
	default:
		slog.Warn("agentrunner: unrecognized task kind", "task_id", t.ID, "kind", t.Kind)
		return nil
	}
}

// handleRunJob advances a RUNJOB task one step through PREPARING ->
// PREPARED -> EXECUTING -> EXECUTED -> FINALIZING -> FINALIZED, reporting
// whatever the Executor Adapter says after each call.
func (r *Runner) handleRunJob(ctx context.Context, t *job.Task) error {
	def := &t.Definition

	status, err := r.executor.GetStatus(ctx, def)
	if err != nil {
		return r.report(ctx, t, executor.Status{Stage: job.StageError, Message: err.Error()})
	}

	switch status.Stage {
	case job.StageUnknown:
		st, err := r.executor.Prepare(ctx, def)
		return r.reportOrError(ctx, t, st, err)
	case job.StagePrepared:
		st, err := r.executor.Execute(ctx, def)
		return r.reportOrError(ctx, t, st, err)
	case job.StageExecuted:
		st, err := r.executor.Finalize(ctx, def)
		return r.reportOrError(ctx, t, st, err)
	case job.StageError:
		return r.report(ctx, t, status)
	case job.StageFinalized:
		if _, err := r.executor.Cleanup(ctx, def); err != nil {
			slog.Warn("agentrunner: cleanup after finalize", "task_id", t.ID, "error", err)
		}
		return r.report(ctx, t, status)
	default:
		// PREPARING / EXECUTING / FINALIZING: the executor is mid-transition;
		// report the current stage and let the next tick check again.
		return r.report(ctx, t, status)
	}
}

// handleCancelJob implements the CANCELJOB decision table: the path to
// FINALIZED depends on how far the job had already progressed.
func (r *Runner) handleCancelJob(ctx context.Context, t *job.Task) error {
	def := &t.Definition

	status, err := r.executor.GetStatus(ctx, def)
	if err != nil {
		return r.report(ctx, t, executor.Status{Stage: job.StageError, Message: err.Error()})
	}

	switch status.Stage {
	case job.StageUnknown:
		if _, err := r.executor.Cleanup(ctx, def); err != nil {
			slog.Warn("agentrunner: cleanup for untouched cancellation", "task_id", t.ID, "error", err)
		}
		return r.report(ctx, t, executor.Status{Stage: job.StageFinalized})

	case job.StageExecuting, job.StagePreparing:
		if st, err := r.executor.Terminate(ctx, def); err != nil {
			return r.report(ctx, t, executor.Status{Stage: job.StageError, Message: err.Error()})
		} else if err := r.report(ctx, t, st); err != nil {
			return err
		}
		fallthrough

	case job.StagePrepared, job.StageExecuted:
		st, err := r.executor.Finalize(ctx, def)
		if err != nil {
			return r.report(ctx, t, executor.Status{Stage: job.StageError, Message: err.Error()})
		}
		if err := r.report(ctx, t, st); err != nil {
			return err
		}
		if _, err := r.executor.Cleanup(ctx, def); err != nil {
			slog.Warn("agentrunner: cleanup after cancellation finalize", "task_id", t.ID, "error", err)
		}
		return r.report(ctx, t, executor.Status{Stage: job.StageFinalized})

	case job.StageFinalized, job.StageError:
		if _, err := r.executor.Cleanup(ctx, def); err != nil {
			slog.Warn("agentrunner: cleanup for already-settled cancellation", "task_id", t.ID, "error", err)
		}
		return r.report(ctx, t, status)

	default:
		return r.report(ctx, t, status)
	}
}

// handleDBStatus runs the database-maintenance probe a DBSTATUS task asks
// for and reports the status token it returns; it never drives the
// Executor's job-stage machine.
func (r *Runner) handleDBStatus(ctx context.Context, t *job.Task) error {
	status, err := r.executor.DBStatus(ctx, &t.Definition)
	if err != nil {
		return r.report(ctx, t, executor.Status{Stage: job.StageError, Message: err.Error()})
	}
	return r.report(ctx, t, executor.Status{Stage: job.StageFinalized, Message: status})
}

func (r *Runner) reportOrError(ctx context.Context, t *job.Task, st executor.Status, err error) error {
	if err != nil {
		return r.report(ctx, t, executor.Status{Stage: job.StageError, Message: err.Error()})
	}
	return r.report(ctx, t, st)
}

// report posts one stage transition to the Task API and marks the task
// agent_complete locally once the Controller confirms it no longer needs
// updates.
func (r *Runner) report(ctx context.Context, t *job.Task, st executor.Status) error {
	results := job.TaskResults{
		Message:   st.Message,
		Retryable: st.Retryable,
	}
	if st.Stage == job.StageFinalized {
		if t.Kind == job.TaskDBStatus {
			results.DBStatus = st.Message
			results.Message = ""
		} else {
			fullResults, err := r.executor.GetResults(ctx, &t.Definition)
			if err == nil {
				results.Outputs = fullResults.Outputs
				results.UnmatchedPatterns = fullResults.UnmatchedPatterns
				results.LogBundlePath = fullResults.LogBundlePath
				exitCode := fullResults.ExitCode
				results.ExitCode = &exitCode
			}
		}
	}

	agentComplete, err := r.client.UpdateTask(ctx, r.backend, t.ID, st.Stage, results)
	if err != nil {
		return err
	}
	if agentComplete {
		r.markComplete(t.ID)
	}
	return nil
}
