package job

// StatusCode is the Controller-visible fine-grained lifecycle state of a
// Job. Unlike State, which only ever takes four values, StatusCode records
// *why* a Job is in that State.
type StatusCode string

const (
	StatusCreated             StatusCode = "created"
	StatusWaitingOnDependencies StatusCode = "waiting_on_dependencies"
	StatusWaitingDBMaintenance StatusCode = "waiting_db_maintenance"
	StatusWaitingPaused       StatusCode = "waiting_paused"
	StatusWaitingOnReboot     StatusCode = "waiting_on_reboot"
	StatusWaitingOnWorkers    StatusCode = "waiting_on_workers"
	StatusWaitingOnDBWorkers  StatusCode = "waiting_on_db_workers"
	StatusWaitingOnNewTask    StatusCode = "waiting_on_new_task"
	StatusStaleCodelists      StatusCode = "stale_codelists"
	StatusInitiated           StatusCode = "initiated"
	StatusPreparing           StatusCode = "preparing"
	StatusPrepared            StatusCode = "prepared"
	StatusExecuting           StatusCode = "executing"
	StatusExecuted            StatusCode = "executed"
	StatusFinalizing          StatusCode = "finalizing"
	StatusFinalized           StatusCode = "finalized"
	StatusSucceeded           StatusCode = "succeeded"
	StatusNonzeroExit         StatusCode = "nonzero_exit"
	StatusUnmatchedPatterns   StatusCode = "unmatched_patterns"
	StatusJobError            StatusCode = "job_error"
	StatusCancelledByUser     StatusCode = "cancelled_by_user"
	StatusInternalError       StatusCode = "internal_error"
	StatusDependencyFailed    StatusCode = "dependency_failed"
	StatusKilledByAdmin       StatusCode = "killed_by_admin"
	// StatusInvalidPipeline marks a Job that could never run because its
	// project.yaml declaration is itself invalid (currently: it sits on a
	// dependency cycle) — every Job in the cycle is created terminal with
	// this status_code rather than silently omitted.
	StatusInvalidPipeline StatusCode = "invalid_pipeline"
	// StatusDependencyOutputsMissing marks a Job whose build was refused
	// because a dependency it needs to reuse is SUCCEEDED but its outputs
	// are no longer present on disk (deleted out from under the Controller
	// after the fact). The dependency itself is left untouched; only the
	// Job that tried to depend on it is pinned terminal with this code.
	StatusDependencyOutputsMissing StatusCode = "dependency_outputs_missing"
)

// statusState is the status_code -> state table.
var statusState = map[StatusCode]State{
	StatusCreated:                StatePending,
	StatusWaitingOnDependencies:  StatePending,
	StatusWaitingDBMaintenance:   StatePending,
	StatusWaitingPaused:          StatePending,
	StatusWaitingOnReboot:        StatePending,
	StatusWaitingOnWorkers:       StatePending,
	StatusWaitingOnDBWorkers:     StatePending,
	StatusWaitingOnNewTask:       StatePending,
	StatusStaleCodelists:         StateFailed,
	StatusInitiated:              StateRunning,
	StatusPreparing:              StateRunning,
	StatusPrepared:               StateRunning,
	StatusExecuting:              StateRunning,
	StatusExecuted:               StateRunning,
	StatusFinalizing:             StateRunning,
	StatusFinalized:              StateRunning,
	StatusSucceeded:              StateSucceeded,
	StatusNonzeroExit:            StateFailed,
	StatusUnmatchedPatterns:      StateFailed,
	StatusJobError:               StateFailed,
	StatusCancelledByUser:        StateFailed,
	StatusInternalError:          StateFailed,
	StatusDependencyFailed:         StateFailed,
	StatusKilledByAdmin:            StateFailed,
	StatusInvalidPipeline:          StateFailed,
	StatusDependencyOutputsMissing: StateFailed,
}

// State returns the coarse State a status_code implies.
func (c StatusCode) State() State {
	if s, ok := statusState[c]; ok {
		return s
	}
	return StatePending
}

// IsTerminal reports whether c is one of the status codes whose State is
// terminal (SUCCEEDED or FAILED).
func (c StatusCode) IsTerminal() bool {
	return c.State().IsTerminal()
}

// IsWaiting reports whether c is one of the PENDING "blocked, re-check next
// tick" codes as opposed to CREATED (not yet evaluated) or an admitted code.
func (c StatusCode) IsWaiting() bool {
	switch c {
	case StatusWaitingOnDependencies, StatusWaitingDBMaintenance, StatusWaitingPaused,
		StatusWaitingOnReboot, StatusWaitingOnWorkers, StatusWaitingOnDBWorkers, StatusWaitingOnNewTask:
		return true
	default:
		return false
	}
}

// stageStatus maps an Agent-reported executor stage to the Job status_code
// it drives, for the stages that map one-to-one. FINALIZED is deliberately
// excluded: its resulting status_code depends on the reported results, not
// just the stage, and is resolved by the controller's finalize-result
// classification instead.
var stageStatus = map[Stage]StatusCode{
	StagePreparing: StatusPreparing,
	StagePrepared:  StatusPrepared,
	StageExecuting: StatusExecuting,
	StageExecuted:  StatusExecuted,
	StageFinalizing: StatusFinalizing,
}

// StatusForStage returns the status_code a given agent-reported stage maps
// to, and whether the mapping is direct (i.e. not FINALIZED/ERROR, which
// need additional context to classify).
func StatusForStage(s Stage) (StatusCode, bool) {
	code, ok := stageStatus[s]
	return code, ok
}

// ClassifyFinalize decides the terminal status_code for a FINALIZED task
// given its reported results: exit=0 and no unmatched patterns ->
// SUCCEEDED; exit!=0 -> NONZERO_EXIT; zero exit with unmatched outputs ->
// UNMATCHED_PATTERNS; executor-reported internal failure -> INTERNAL_ERROR.
func ClassifyFinalize(exitCode int, unmatchedPatterns []string, executorInternalError bool) StatusCode {
	switch {
	case executorInternalError:
		return StatusInternalError
	case exitCode != 0:
		return StatusNonzeroExit
	case len(unmatchedPatterns) > 0:
		return StatusUnmatchedPatterns
	default:
		return StatusSucceeded
	}
}
