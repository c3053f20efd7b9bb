// Package executor defines the Executor Adapter contract: the
// narrow, backend-specific interface an Agent drives to move a single Job
// through PREPARING -> PREPARED -> EXECUTING -> EXECUTED -> FINALIZING ->
// FINALIZED, or into ERROR. Concrete implementations live in subpackages
// (docker for real container execution, memory for tests); the Agent only
// ever depends on this interface, never on a concrete backend.
package executor

import (
	"context"

	"github.com/opensafely-core/job-runner/internal/job"
)

// Definition is everything an Executor needs to run one Job, independent
// of how the Agent obtained it (normally unmarshalled straight out of a
// job.Task's Definition field).
type Definition = job.RunJobDefinition

// Status is the result of every state-transition method and of GetStatus:
// either the stage the job has moved to, or its current stage unchanged
// together with an explanatory message, per job_executor.py's state-machine
// contract.
type Status struct {
	Stage   job.Stage
	Message string
	// Retryable marks a status caused by a transient resource shortage (no
	// capacity, pull failure) rather than a defect in the job itself,
	// mirroring job_executor.py's ExecutorRetry distinction. The Controller
	// acts on it only when the stage is ERROR.
	Retryable bool
}

// Results is the finalized outcome of a job, available once GetStatus
// reports FINALIZED.
type Results struct {
	Outputs           map[string]job.Privacy
	UnmatchedPatterns []string
	UnmatchedOutputs  []string
	ExitCode          int
	Message           string
	// LogBundlePath is the host path of the gzip tarball (container
	// stdout, run metadata, output manifest) finalize wrote to the
	// high-privacy log storage area, or "" if no bundle was produced.
	LogBundlePath string
}

// Executor is the Executor Adapter contract. Every transition method must
// be idempotent: calling prepare/execute/finalize/terminate/cleanup again
// for a job already in (or past) the state it would produce must return
// that state rather than starting a second task.
type Executor interface {
	Prepare(ctx context.Context, def *Definition) (Status, error)
	Execute(ctx context.Context, def *Definition) (Status, error)
	Finalize(ctx context.Context, def *Definition) (Status, error)
	Terminate(ctx context.Context, def *Definition) (Status, error)
	Cleanup(ctx context.Context, def *Definition) (Status, error)
	GetStatus(ctx context.Context, def *Definition) (Status, error)
	GetResults(ctx context.Context, def *Definition) (Results, error)
	DeleteFiles(ctx context.Context, workspace string, privacy job.Privacy, paths []string) ([]string, error)
	// Ready reports whether the backend the Executor drives (Docker daemon,
	// filesystem mount, ...) is reachable, for the Agent's health endpoint.
	Ready(ctx context.Context) error
	// DBStatus runs the database-maintenance probe for a DBSTATUS task and
	// returns the status token it reports: "" once the database is healthy,
	// "db-maintenance" once it has entered maintenance. def.Backend selects
	// which database to probe.
	DBStatus(ctx context.Context, def *Definition) (string, error)
}
