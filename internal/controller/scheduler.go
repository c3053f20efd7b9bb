// Package controller implements the Controller state machine: the
// scheduler tick that walks every non-terminal Job for a backend, decides
// what (if anything) should happen to it next, and issues Tasks for an
// Agent to pick up.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensafely-core/job-runner/internal/job"
	"github.com/opensafely-core/job-runner/internal/store"
)

// Scheduler drives one backend's Job state machine.
type Scheduler struct {
	store  *store.Store
	limits Limits
}

// NewScheduler creates a Scheduler over s with the given admission limits.
func NewScheduler(s *store.Store, limits Limits) *Scheduler {
	return &Scheduler{store: s, limits: limits}
}

// HandleJobs is one scheduler tick for backend: it evaluates every
// non-terminal Job, in an order that re-sorts after each job so that the
// running-per-workspace counts it uses for fairness stay accurate as the
// tick proceeds.
func (c *Scheduler) HandleJobs(ctx context.Context, backend string) ([]*job.Job, error) {
	active, err := c.store.NonTerminalJobs(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("controller: loading active jobs: %w", err)
	}

	runningForWorkspace := map[string]int{}
	var handled []*job.Job

	for len(active) > 0 {
		sort.SliceStable(active, func(i, j2 int) bool {
			return lessJob(active[i], active[j2], runningForWorkspace)
		})

		j := active[0]
		active = active[1:]

		if err := c.handleSingleJob(ctx, j); err != nil {
			return handled, fmt.Errorf("controller: handling job %s: %w", j.ID, err)
		}

		if j.State == job.StateRunning {
			runningForWorkspace[j.Workspace]++
		}
		handled = append(handled, j)
	}

	return handled, nil
}

// lessJob implements the scheduler's fairness sort key: running jobs
// before pending, then ascending per-workspace running count, then
// DB-requiring jobs before non-DB, then oldest first.
func lessJob(a, b *job.Job, runningForWorkspace map[string]int) bool {
	aRunning, bRunning := rank(a.State == job.StateRunning), rank(b.State == job.StateRunning)
	if aRunning != bRunning {
		return aRunning < bRunning
	}
	aCount, bCount := runningForWorkspace[a.Workspace], runningForWorkspace[b.Workspace]
	if aCount != bCount {
		return aCount < bCount
	}
	aDB, bDB := rank(a.RequiresDB), rank(b.RequiresDB)
	if aDB != bDB {
		return aDB < bDB
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// rank maps a boolean to a sort rank where true sorts first (0 < 1),
// matching the original's `0 if ... else 1` idiom.
func rank(b bool) int {
	if b {
		return 0
	}
	return 1
}

func (c *Scheduler) handleSingleJob(ctx context.Context, j *job.Job) error {
	logger := slog.With("job_id", j.ID, "backend", j.Backend, "action", j.Action)

	paused, err := c.Paused(ctx, j.Backend)
	if err != nil {
		return err
	}
	dbMaintenance, err := c.DBMaintenance(ctx, j.Backend)
	if err != nil {
		return err
	}
	reboot, err := c.Reboot(ctx, j.Backend)
	if err != nil {
		return err
	}

	if err := c.handleJob(ctx, j, dbMaintenance, paused, reboot); err != nil {
		logger.Error("job handling failed", "error", err)
		if err := c.SetCode(ctx, j, job.StatusInternalError,
			"Internal error: this usually means a platform issue rather than a problem for users to fix.", nil); err != nil {
			return err
		}
		return nil
	}
	return nil
}

func (c *Scheduler) handleJob(ctx context.Context, j *job.Job, dbMaintenance, paused, reboot bool) error {
	// Cancellation is user-driven, so it's handled unconditionally before any
	// of the operational-mode checks below: a PENDING job is marked
	// cancelled without ever having dispatched a task, and a RUNNING job has
	// its RUNJOB task deactivated and a CANCELJOB task dispatched to wind
	// the container down, but either way the Job is marked CANCELLED_BY_USER
	// immediately rather than waiting on the Agent's confirmation — the
	// CANCELJOB task's own completion only matters for container cleanup,
	// not for the Job state machine.
	if j.CancelRequested {
		if err := c.cancelJob(ctx, j); err != nil {
			return err
		}
		return c.SetCode(ctx, j, job.StatusCancelledByUser, "Cancelled by user", nil)
	}

	// Reboot preparation: an admin-requested reboot pauses admission
	// and winds down every running job so the backend can restart cleanly;
	// jobs resume from scratch (re-checking dependencies/admission) once the
	// flag clears, the same way DB-maintenance jobs re-enter the pipeline.
	if reboot {
		if j.State == job.StateRunning {
			if err := c.cancelJob(ctx, j); err != nil {
				return err
			}
		}
		return c.SetCode(ctx, j, job.StatusWaitingOnReboot,
			"Backend is preparing to reboot, job will restart from scratch once this completes", nil)
	}

	if paused {
		if j.State == job.StatePending {
			return c.SetCode(ctx, j, job.StatusWaitingPaused,
				"Backend is currently paused for maintenance, job will start once this is completed", nil)
		}
	}

	if dbMaintenance && j.RequiresDB {
		if j.State == job.StateRunning {
			if err := c.cancelJob(ctx, j); err != nil {
				return err
			}
		}
		return c.SetCode(ctx, j, job.StatusWaitingDBMaintenance, "Waiting for database to finish maintenance", nil)
	}

	switch j.State {
	case job.StatePending:
		return c.handlePendingJob(ctx, j)
	case job.StateRunning:
		return c.handleRunningJob(ctx, j)
	default:
		return fmt.Errorf("unexpected job state %q", j.State)
	}
}

func (c *Scheduler) handlePendingJob(ctx context.Context, j *job.Job) error {
	states, err := c.store.JobStates(ctx, j.WaitForJobIDs)
	if err != nil {
		return err
	}
	allSucceeded := true
	anyFailed := false
	for _, s := range states {
		if s == job.StateFailed {
			anyFailed = true
		}
		if s != job.StateSucceeded {
			allSucceeded = false
		}
	}
	if anyFailed {
		return c.SetCode(ctx, j, job.StatusDependencyFailed, "Not starting as dependency failed", nil)
	}
	if !allSucceeded {
		return c.SetCode(ctx, j, job.StatusWaitingOnDependencies, "Waiting on dependencies", nil)
	}

	if code, message, ok, err := c.reasonJobNotStarted(ctx, j); err != nil {
		return err
	} else if ok {
		return c.SetCode(ctx, j, code, message, nil)
	}

	t, err := c.createTaskForJob(ctx, j)
	if err != nil {
		return err
	}
	return c.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := c.store.InsertTask(ctx, t); err != nil {
			return err
		}
		return c.SetCode(ctx, j, job.StatusInitiated, "Job executing on the backend", nil)
	})
}

// reasonJobNotStarted implements admission control: a job cannot
// start while its backend's worker or DB-worker capacity is exhausted.
func (c *Scheduler) reasonJobNotStarted(ctx context.Context, j *job.Job) (job.StatusCode, string, bool, error) {
	used, err := c.store.RunningWeight(ctx, j.Backend, false)
	if err != nil {
		return "", "", false, err
	}
	if used+j.Weight > c.limits.maxWorkers(j.Backend) {
		if j.Weight > 1 {
			return job.StatusWaitingOnWorkers, "Waiting on available workers for resource intensive job", true, nil
		}
		return job.StatusWaitingOnWorkers, "Waiting on available workers", true, nil
	}

	if j.RequiresDB {
		runningDB, err := c.store.RunningWeight(ctx, j.Backend, true)
		if err != nil {
			return "", "", false, err
		}
		// RunningWeight sums weight, not job count, but DB worker slots are
		// counted per-job in the original; weight-1 DB jobs (the default)
		// make the two equivalent, which holds for every DB action today.
		if runningDB >= c.limits.maxDBWorkers(j.Backend) {
			return job.StatusWaitingOnDBWorkers, "Waiting on available database workers", true, nil
		}
	}

	return "", "", false, nil
}

// handleRunningJob advances a RUNNING job from the state of its current
// RUNJOB task: either it has finished (agent_complete) and we classify its
// results, or it's still in progress and we just mirror the Agent's
// reported stage onto the Job's status code.
func (c *Scheduler) handleRunningJob(ctx context.Context, j *job.Job) error {
	t, err := c.getRunJobTaskForJob(ctx, j)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("running job %s has no associated task", j.ID)
	}
	return c.applyTaskToJob(ctx, j, t)
}

// applyTaskToJob advances j's status code from the current state of its
// RUNJOB task t: either it's still in progress and we mirror the Agent's
// reported stage onto the Job's status code, or it's agent_complete and we
// classify the terminal (or retryable) outcome.
func (c *Scheduler) applyTaskToJob(ctx context.Context, j *job.Job, t *job.Task) error {
	if !t.AgentComplete {
		code, ok := job.StatusForStage(t.Stage)
		if !ok {
			// Stage is UNKNOWN/ERROR/FINALIZED (handled below once
			// agent_complete is set) or hasn't been reported yet; leave the
			// Job's status code as-is and just refresh its timestamp.
			code = j.StatusCode
		}
		return c.SetCode(ctx, j, code, j.StatusMessage, &t.UpdatedAt)
	}

	if t.Stage == job.StageError {
		if t.Results.Retryable && j.RetryCount < c.limits.RetryLimit {
			j.RetryCount++
			return c.SetCode(ctx, j, job.StatusWaitingOnNewTask,
				"This job returned an error that could be retried with a new task.", &t.UpdatedAt)
		}
		return c.SetCode(ctx, j, job.StatusJobError, "This job returned a fatal error.", &t.UpdatedAt)
	}

	return c.saveResults(ctx, j, t)
}

// saveResults classifies a completed task's results and applies the
// corresponding terminal (or retry) status code.
func (c *Scheduler) saveResults(ctx context.Context, j *job.Job, t *job.Task) error {
	exitCode := 0
	if t.Results.ExitCode != nil {
		exitCode = *t.Results.ExitCode
	}

	code := job.ClassifyFinalize(exitCode, t.Results.UnmatchedPatterns, t.Results.ExecutorInternalError)
	message := t.Results.Message

	switch code {
	case job.StatusNonzeroExit:
		if message == "" {
			message = "Job exited with an error"
		} else {
			message = "Job exited with an error: " + message
		}
	case job.StatusUnmatchedPatterns:
		message = "Outputs matching expected patterns were not found. See job log for details."
	case job.StatusSucceeded:
		message = "Completed successfully"
	}

	j.Outputs = t.Results.Outputs
	j.UnmatchedPatterns = t.Results.UnmatchedPatterns
	j.LogBundlePath = t.Results.LogBundlePath

	return c.SetCode(ctx, j, code, message, &t.UpdatedAt)
}
