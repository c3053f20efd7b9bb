package memory

import (
	"context"
	"os"
	"testing"

	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/job"
)

func def(jobID string) *executor.Definition {
	return &executor.Definition{
		JobID: jobID,
		OutputSpec: job.OutputSpec{
			"output/input.csv": job.PrivacyHigh,
		},
	}
}

func TestExecutor_PrepareTwiceIsIdempotent(t *testing.T) {
	e := New()
	ctx := context.Background()

	first, err := e.Prepare(ctx, def("job-1"))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if first.Stage != job.StagePrepared {
		t.Fatalf("expected PREPARED, got %s", first.Stage)
	}

	second, err := e.Prepare(ctx, def("job-1"))
	if err != nil {
		t.Fatalf("second Prepare: %v", err)
	}
	if second.Stage != job.StagePrepared {
		t.Fatalf("expected a repeat Prepare to report PREPARED without re-transitioning, got %s", second.Stage)
	}
}

func TestExecutor_ExecuteBeforePrepareReportsNotPrepared(t *testing.T) {
	e := New()
	ctx := context.Background()

	status, err := e.Execute(ctx, def("job-1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status.Stage != job.StageUnknown {
		t.Fatalf("expected the stage to stay UNKNOWN, got %s", status.Stage)
	}
	if status.Message != "job not prepared" {
		t.Fatalf("expected a 'job not prepared' message, got %q", status.Message)
	}
}

func TestExecutor_FinalizeBeforeExecuteReportsNotExecuted(t *testing.T) {
	e := New()
	ctx := context.Background()

	if _, err := e.Prepare(ctx, def("job-1")); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	status, err := e.Finalize(ctx, def("job-1"))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if status.Message != "job not executed" {
		t.Fatalf("expected a 'job not executed' message, got %q", status.Message)
	}
}

func TestExecutor_FullLifecycleReachesFinalizedWithOutputs(t *testing.T) {
	e := New()
	ctx := context.Background()
	d := def("job-1")

	if _, err := e.Prepare(ctx, d); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	executing, err := e.Execute(ctx, d)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if executing.Stage != job.StageExecuting {
		t.Fatalf("expected Execute to report EXECUTING, got %s", executing.Stage)
	}

	status, err := e.GetStatus(ctx, d)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Stage != job.StageExecuted {
		t.Fatalf("expected the internal stage to have advanced to EXECUTED, got %s", status.Stage)
	}

	finalized, err := e.Finalize(ctx, d)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if finalized.Stage != job.StageFinalized {
		t.Fatalf("expected FINALIZED, got %s", finalized.Stage)
	}

	results, err := e.GetResults(ctx, d)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if results.Outputs["output/input.csv"] != job.PrivacyHigh {
		t.Fatalf("expected outputs to be derived from the OutputSpec, got %v", results.Outputs)
	}
	if results.ExitCode != 0 {
		t.Fatalf("expected a clean exit code, got %d", results.ExitCode)
	}
}

func TestExecutor_TerminateMovesToExecutedWithTerminatedMessage(t *testing.T) {
	e := New()
	ctx := context.Background()
	d := def("job-1")

	if _, err := e.Prepare(ctx, d); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	status, err := e.Terminate(ctx, d)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if status.Stage != job.StageExecuted {
		t.Fatalf("expected EXECUTED, got %s", status.Stage)
	}
	if status.Message != "terminated" {
		t.Fatalf("expected a 'terminated' message, got %q", status.Message)
	}
}

func TestExecutor_CleanupResetsJobToUnknown(t *testing.T) {
	e := New()
	ctx := context.Background()
	d := def("job-1")

	if _, err := e.Prepare(ctx, d); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := e.Cleanup(ctx, d); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	status, err := e.GetStatus(ctx, d)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Stage != job.StageUnknown {
		t.Fatalf("expected a fresh UNKNOWN stage after Cleanup, got %s", status.Stage)
	}

	// A subsequent Prepare must be free to run again, proving Cleanup
	// actually dropped the bookkeeping rather than just clearing results.
	prepared, err := e.Prepare(ctx, d)
	if err != nil {
		t.Fatalf("Prepare after Cleanup: %v", err)
	}
	if prepared.Stage != job.StagePrepared {
		t.Fatalf("expected Prepare after Cleanup to succeed, got %s", prepared.Stage)
	}
}

func TestExecutor_FinalizeWritesLogBundleWhenBaseIsConfigured(t *testing.T) {
	e := New()
	e.SetLogBundleBase(t.TempDir())
	ctx := context.Background()
	d := def("job-1")

	if _, err := e.Prepare(ctx, d); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := e.Execute(ctx, d); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := e.Finalize(ctx, d); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	results, err := e.GetResults(ctx, d)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if results.LogBundlePath == "" {
		t.Fatal("expected Finalize to record a log bundle path")
	}
	if _, err := os.Stat(results.LogBundlePath); err != nil {
		t.Fatalf("expected the log bundle to exist on disk, got %v", err)
	}
}

func TestExecutor_FinalizeSkipsLogBundleWithoutABaseConfigured(t *testing.T) {
	e := New()
	ctx := context.Background()
	d := def("job-1")

	if _, err := e.Prepare(ctx, d); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := e.Execute(ctx, d); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := e.Finalize(ctx, d); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	results, err := e.GetResults(ctx, d)
	if err != nil {
		t.Fatalf("GetResults: %v", err)
	}
	if results.LogBundlePath != "" {
		t.Fatalf("expected no log bundle without a configured base, got %q", results.LogBundlePath)
	}
}

func TestExecutor_DBStatusAlwaysHealthy(t *testing.T) {
	e := New()
	status, err := e.DBStatus(context.Background(), def("job-1"))
	if err != nil {
		t.Fatalf("DBStatus: %v", err)
	}
	if status != "" {
		t.Fatalf("expected an empty (healthy) status, got %q", status)
	}
}

func TestExecutor_JobsAreIndependent(t *testing.T) {
	e := New()
	ctx := context.Background()

	if _, err := e.Prepare(ctx, def("job-1")); err != nil {
		t.Fatalf("Prepare job-1: %v", err)
	}

	status, err := e.GetStatus(ctx, def("job-2"))
	if err != nil {
		t.Fatalf("GetStatus job-2: %v", err)
	}
	if status.Stage != job.StageUnknown {
		t.Fatalf("expected an untouched job to report UNKNOWN, got %s", status.Stage)
	}
}
