package controller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/job"
)

// createTaskForJob builds the next RUNJOB Task for j. Task ids are
// "{job_id}-{seq:03d}", zero-padded so that for a given job, lexical order
// of task ids matches creation order.
func (c *Scheduler) createTaskForJob(ctx context.Context, j *job.Job) (*job.Task, error) {
	n, err := c.store.CountTasksForJob(ctx, j.ID, job.TaskRunJob)
	if err != nil {
		return nil, err
	}
	taskID := fmt.Sprintf("%s-%03d", j.ID, n+1)
	now := time.Now()
	return &job.Task{
		ID:         taskID,
		JobID:      j.ID,
		Backend:    j.Backend,
		Kind:       job.TaskRunJob,
		Definition: jobToJobDefinition(j, taskID),
		Stage:      job.StageUnknown,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// getRunJobTaskForJob returns the most recently created RUNJOB Task for j,
// if one has ever been issued. This is always the task currently
// associated with the Job, since a Job is only ever re-admitted (getting a
// new Task) once its previous Task has finished and it has cycled back
// through PENDING.
func (c *Scheduler) getRunJobTaskForJob(ctx context.Context, j *job.Job) (*job.Task, error) {
	t, err := c.store.MostRecentTaskForJob(ctx, j.ID, job.TaskRunJob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// cancelJob marks the job's active RUNJOB task inactive and inserts a
// CANCELJOB task telling the Agent to terminate the job's containers.
func (c *Scheduler) cancelJob(ctx context.Context, j *job.Job) error {
	runjobTask, err := c.getRunJobTaskForJob(ctx, j)
	if err != nil {
		return err
	}
	if runjobTask == nil || !runjobTask.Active {
		return nil
	}

	runjobTask.Active = false
	runjobTask.UpdatedAt = time.Now()

	cancelTaskID := runjobTask.ID + "-cancel"
	now := time.Now()
	cancelTask := &job.Task{
		ID:         cancelTaskID,
		JobID:      j.ID,
		Backend:    j.Backend,
		Kind:       job.TaskCancelJob,
		Definition: jobToJobDefinition(j, cancelTaskID),
		Stage:      job.StageUnknown,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	return c.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := c.store.UpdateTask(ctx, runjobTask); err != nil {
			return err
		}
		return c.store.InsertTask(ctx, cancelTask)
	})
}

// jobToJobDefinition builds the opaque RunJobDefinition an Agent needs to
// execute j, without any further Controller round-trips.
func jobToJobDefinition(j *job.Job, taskID string) job.RunJobDefinition {
	return job.RunJobDefinition{
		JobID:        j.ID,
		Backend:      j.Backend,
		Workspace:    j.Workspace,
		Commit:       j.Commit,
		Command:      j.RunCommand,
		Image:        j.Image,
		RequiresDB:   j.RequiresDB,
		OutputSpec:   j.OutputSpec,
		InputActions: j.RequiresOutputsFrom,
		Labels: map[string]string{
			"task_id": taskID,
			"job_id":  j.ID,
		},
	}
}
