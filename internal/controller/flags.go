package controller

import (
	"context"
	"time"

	"github.com/opensafely-core/job-runner/internal/job"
)

// flagTrue reports whether backend's flag key is set to the string "true".
// Flags are free-text key/value pairs; the scheduler only ever
// cares about this one boolean reading of them.
func (c *Scheduler) flagTrue(ctx context.Context, backend, key string) (bool, error) {
	v, err := c.store.GetFlag(ctx, backend, key)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// Paused reports whether backend is currently paused for maintenance.
func (c *Scheduler) Paused(ctx context.Context, backend string) (bool, error) {
	return c.flagTrue(ctx, backend, job.FlagPaused)
}

// DBMaintenance reports whether backend is currently in database
// maintenance mode, under which DB-requiring jobs are held pending.
func (c *Scheduler) DBMaintenance(ctx context.Context, backend string) (bool, error) {
	return c.flagTrue(ctx, backend, job.FlagDBMaintenance)
}

// ManualDBMaintenance reports whether backend's database maintenance is
// being driven manually rather than by the Controller's own DBSTATUS
// polling task.
func (c *Scheduler) ManualDBMaintenance(ctx context.Context, backend string) (bool, error) {
	return c.flagTrue(ctx, backend, job.FlagManualDBMaintenance)
}

// Reboot reports whether backend has an operator-requested reboot pending.
func (c *Scheduler) Reboot(ctx context.Context, backend string) (bool, error) {
	return c.flagTrue(ctx, backend, job.FlagReboot)
}

// SetFlag upserts a backend flag. applyDBStatus uses it for the
// db-maintenance flag; no API endpoint sets flags (the backend-status
// endpoint only reads them).
func (c *Scheduler) SetFlag(ctx context.Context, backend, key, value string) error {
	return c.store.SetFlag(ctx, &job.BackendFlag{Backend: backend, Key: key, Value: value, UpdatedAt: time.Now()})
}
