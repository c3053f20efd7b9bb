package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/opensafely-core/job-runner/internal/job"
)

// MaintenancePollInterval is the minimum gap between two DBSTATUS tasks
// for the same backend. It is a fixed constant, not read from configuration.
const MaintenancePollInterval = 60 * time.Second

// UpdateScheduledTasks runs the Controller's scheduled, non-job-driven
// task issuance — currently just DB-maintenance status polling — for every
// backend that has maintenance enabled. Called once per main loop
// iteration, independently of HandleJobs.
func (c *Scheduler) UpdateScheduledTasks(ctx context.Context, maintenanceEnabledBackends []string) error {
	for _, backend := range maintenanceEnabledBackends {
		if err := c.updateDBMaintenanceTask(ctx, backend); err != nil {
			return fmt.Errorf("controller: db maintenance task for %s: %w", backend, err)
		}
	}
	return nil
}

func (c *Scheduler) updateDBMaintenanceTask(ctx context.Context, backend string) error {
	manual, err := c.ManualDBMaintenance(ctx, backend)
	if err != nil {
		return err
	}
	if manual {
		return c.store.DeactivateTasksOfKind(ctx, backend, job.TaskDBStatus)
	}

	active, err := c.store.HasActiveTaskOfKind(ctx, backend, job.TaskDBStatus)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	recent, err := c.store.HasRecentlyFinishedTaskOfKind(ctx, backend, job.TaskDBStatus, time.Now().Add(-MaintenancePollInterval))
	if err != nil {
		return err
	}
	if recent {
		return nil
	}

	now := time.Now()
	t := &job.Task{
		ID:      fmt.Sprintf("dbstatus-%s-%d", now.Format("2006-01-02"), now.UnixNano()),
		Backend: backend,
		Kind:    job.TaskDBStatus,
		Definition: job.RunJobDefinition{
			Backend: backend,
		},
		Stage:     job.StageUnknown,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return c.store.InsertTask(ctx, t)
}

// applyDBStatus records a finished DBSTATUS task's probe result as the
// db-maintenance flag, separate from the manual-db-maintenance override an
// operator sets directly. Job handling reads only the db-maintenance flag;
// the manual override only stops new probes being issued (see
// updateDBMaintenanceTask), and an in-flight probe's result still lands here.
func (c *Scheduler) applyDBStatus(ctx context.Context, t *job.Task) error {
	value := "false"
	if t.Results.DBStatus == "db-maintenance" {
		value = "true"
	}
	return c.SetFlag(ctx, t.Backend, job.FlagDBMaintenance, value)
}
