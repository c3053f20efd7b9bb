package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensafely-core/job-runner/internal/job"
)

// resetCodes are status codes that bounce a Job back to PENDING, clearing
// its started_at so it is re-evaluated for admission next tick.
var resetCodes = map[job.StatusCode]bool{
	job.StatusWaitingOnDependencies: true,
	job.StatusWaitingDBMaintenance:  true,
	job.StatusWaitingPaused:         true,
	job.StatusWaitingOnReboot:       true,
	job.StatusWaitingOnWorkers:      true,
	job.StatusWaitingOnDBWorkers:    true,
	job.StatusWaitingOnNewTask:      true,
}

// runningCodes are status codes under which a Job counts as RUNNING even
// though it has not reached a terminal code yet.
var runningCodes = map[job.StatusCode]bool{
	job.StatusInitiated:  true,
	job.StatusPreparing:  true,
	job.StatusPrepared:   true,
	job.StatusExecuting:  true,
	job.StatusExecuted:   true,
	job.StatusFinalizing: true,
	job.StatusFinalized:  true,
}

// minUpdateInterval throttles writes for an unchanged status code so a
// long-running job doesn't hit the database on every poll.
const minUpdateInterval = 60 * time.Second

// SetCode transitions j to newCode, updating its coarse State and
// started_at/completed_at timestamps, and persists the change. If newCode
// equals j's current code it only refreshes updated_at, and only does even
// that once per minUpdateInterval, to throttle redundant writes.
//
// at, if non-nil, is the Agent-reported timestamp the transition actually
// happened at; when it would appear to predate the Job's last recorded
// transition (clock skew between Controller and Agent) it is clamped to
// 1ms after that last transition so durations never go negative.
func (c *Scheduler) SetCode(ctx context.Context, j *job.Job, newCode job.StatusCode, message string, at *time.Time) error {
	now := time.Now()
	ts := now
	if at != nil {
		ts = *at
	}

	if j.StatusCode == newCode {
		if now.Sub(j.UpdatedAt) < minUpdateInterval {
			return nil
		}
		j.UpdatedAt = now
		return c.store.UpdateJob(ctx, j)
	}

	if ts.Before(j.UpdatedAt) {
		slog.Warn("clock skew setting job status, clamping to 1ms", "job_id", j.ID,
			"from", j.StatusCode, "to", newCode)
		ts = j.UpdatedAt.Add(time.Millisecond)
	}

	switch {
	case runningCodes[newCode]:
		j.State = job.StateRunning
		if j.StartedAt == nil {
			startedAt := ts
			j.StartedAt = &startedAt
		}
	case newCode == job.StatusCancelledByUser:
		j.State = job.StateFailed
	case newCode.IsTerminal():
		completedAt := ts
		j.CompletedAt = &completedAt
		if newCode == job.StatusSucceeded {
			j.State = job.StateSucceeded
		} else {
			j.State = job.StateFailed
		}
	case resetCodes[newCode]:
		j.State = job.StatePending
		j.StartedAt = nil
	}

	j.StatusCode = newCode
	j.StatusMessage = message
	j.UpdatedAt = ts

	if err := c.store.UpdateJob(ctx, j); err != nil {
		return err
	}

	slog.Info(message, "job_id", j.ID, "status_code", newCode)
	return nil
}
