package controller

import (
	"context"

	"github.com/opensafely-core/job-runner/internal/job"
)

// ActiveTasks returns every active Task for backend, for `GET
// /{backend}/tasks/`: the full definitions an Agent needs to
// execute them without a further Controller round-trip.
func (c *Scheduler) ActiveTasks(ctx context.Context, backend string) ([]*job.Task, error) {
	return c.store.ActiveTasksByBackend(ctx, backend)
}
