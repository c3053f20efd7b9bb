package controller

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opensafely-core/job-runner/internal/apperrors"
	"github.com/opensafely-core/job-runner/internal/job"
)

// ApplyTaskUpdate is the Task API's entry point for `POST
// /{backend}/task/update/`: it validates that backend owns the
// task, records the reported stage/results in a transaction, advances the
// owning Job's state machine, and reports whether the Agent may stop
// polling this task.
func (c *Scheduler) ApplyTaskUpdate(ctx context.Context, backend, taskID string, stage job.Stage, results job.TaskResults, timestamp time.Time) (bool, error) {
	t, err := c.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperrors.NotFound("task", taskID)
	}
	if err != nil {
		return false, err
	}
	if t.Backend != backend {
		return false, apperrors.Forbidden("task", "task does not belong to this backend")
	}

	t.Stage = stage
	t.Results = results
	t.AgentComplete = stage == job.StageFinalized || stage == job.StageError
	if t.AgentComplete {
		// agent_complete=true implies active=false: the Agent is told to
		// stop polling this task, and it must also disappear from
		// ListTasks/HasActiveTaskOfKind so a finished DBSTATUS or
		// already-cancelled RUNJOB task can't block the next one being
		// issued.
		t.Active = false
	}
	t.UpdatedAt = timestamp

	err = c.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := c.store.UpdateTask(ctx, t); err != nil {
			return err
		}
		if t.Kind == job.TaskDBStatus {
			if t.Stage != job.StageFinalized {
				return nil
			}
			return c.applyDBStatus(ctx, t)
		}
		if t.Kind != job.TaskRunJob || t.JobID == "" {
			return nil
		}
		j, err := c.store.GetJob(ctx, t.JobID)
		if err != nil {
			return err
		}
		return c.applyTaskToJob(ctx, j, t)
	})
	if err != nil {
		return false, err
	}

	return t.AgentComplete, nil
}
