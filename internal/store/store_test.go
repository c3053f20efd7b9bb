package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/opensafely-core/job-runner/internal/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesSchemaAndIsReady(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
}

func TestOpen_IsIdempotentAgainstAnExistingSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	req := &job.JobRequest{ID: "jr-1", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
	if err := s.InsertJobRequest(ctx, req); err != nil {
		t.Fatalf("InsertJobRequest: %v", err)
	}

	// migrate runs again on the same *sql.DB handle; it must not try to
	// recreate tables that already exist.
	if err := s.migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	if _, err := s.GetJobRequest(ctx, "jr-1"); err != nil {
		t.Fatalf("GetJobRequest after re-migrate: %v", err)
	}
}

func TestJobRequest_InsertAndGetRoundTrips(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	req := &job.JobRequest{
		ID:      "jr-1",
		Backend: "tpp",
		Workspace: job.Workspace{
			Name: "my-workspace", RepoURL: "https://example.invalid/org/repo.git", Branch: "main",
		},
		Cancel:    []string{"an_action"},
		Force:     true,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.InsertJobRequest(ctx, req); err != nil {
		t.Fatalf("InsertJobRequest: %v", err)
	}

	got, err := s.GetJobRequest(ctx, "jr-1")
	if err != nil {
		t.Fatalf("GetJobRequest: %v", err)
	}
	if got.Backend != "tpp" || got.Workspace.Name != "my-workspace" || !got.Force {
		t.Errorf("round-tripped request differs: %+v", got)
	}
	if len(got.Cancel) != 1 || got.Cancel[0] != "an_action" {
		t.Errorf("expected cancel list to round-trip, got %v", got.Cancel)
	}
}

func TestJobRequest_InsertIsANoOpOnConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	req := &job.JobRequest{ID: "jr-1", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
	if err := s.InsertJobRequest(ctx, req); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	req.Backend = "emis" // a second insert must not overwrite the row
	if err := s.InsertJobRequest(ctx, req); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	got, err := s.GetJobRequest(ctx, "jr-1")
	if err != nil {
		t.Fatalf("GetJobRequest: %v", err)
	}
	if got.Backend != "tpp" {
		t.Errorf("expected the original backend to survive a conflicting insert, got %q", got.Backend)
	}
}

func TestUnexpandedJobRequests_ExcludesExpandedOnes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	r1 := &job.JobRequest{ID: "jr-1", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
	r2 := &job.JobRequest{ID: "jr-2", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
	if err := s.InsertJobRequest(ctx, r1); err != nil {
		t.Fatalf("insert r1: %v", err)
	}
	if err := s.InsertJobRequest(ctx, r2); err != nil {
		t.Fatalf("insert r2: %v", err)
	}
	if err := s.MarkJobRequestExpanded(ctx, "jr-1"); err != nil {
		t.Fatalf("MarkJobRequestExpanded: %v", err)
	}

	pending, err := s.UnexpandedJobRequests(ctx, "tpp")
	if err != nil {
		t.Fatalf("UnexpandedJobRequests: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "jr-2" {
		t.Fatalf("expected only jr-2 still pending, got %v", pending)
	}
}

func newTestJob(id, backend string) *job.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &job.Job{
		ID:            id,
		JobRequestID:  "jr-1",
		Backend:       backend,
		Workspace:     "ws",
		Action:        "generate_cohort",
		RunCommand:    []string{"cohortextractor:latest", "generate_cohort"},
		Image:         "cohortextractor:latest",
		OutputSpec:    job.OutputSpec{"output/*.csv": job.PrivacyHigh},
		Weight:        1,
		State:         job.StatePending,
		StatusCode:    job.StatusCreated,
		StatusMessage: "Created",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestJob_InsertGetUpdateRoundTrips(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	req := &job.JobRequest{ID: "jr-1", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
	if err := s.InsertJobRequest(ctx, req); err != nil {
		t.Fatalf("InsertJobRequest: %v", err)
	}

	j := newTestJob("job-1", "tpp")
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Action != "generate_cohort" || got.OutputSpec["output/*.csv"] != job.PrivacyHigh {
		t.Fatalf("round-tripped job differs: %+v", got)
	}

	got.State = job.StateRunning
	got.StatusCode = job.StatusExecuting
	now := time.Now().UTC().Truncate(time.Millisecond)
	got.StartedAt = &now
	if err := s.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	reloaded, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob after update: %v", err)
	}
	if reloaded.State != job.StateRunning || reloaded.StatusCode != job.StatusExecuting {
		t.Fatalf("expected update to persist, got %+v", reloaded)
	}
	if reloaded.StartedAt == nil || !reloaded.StartedAt.Equal(now) {
		t.Fatalf("expected started_at to round-trip, got %v", reloaded.StartedAt)
	}
}

func TestNonTerminalJobs_ExcludesSucceededAndFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	req := &job.JobRequest{ID: "jr-1", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
	if err := s.InsertJobRequest(ctx, req); err != nil {
		t.Fatalf("InsertJobRequest: %v", err)
	}

	pending := newTestJob("job-pending", "tpp")
	succeeded := newTestJob("job-succeeded", "tpp")
	succeeded.State = job.StateSucceeded
	succeeded.StatusCode = job.StatusSucceeded
	for _, j := range []*job.Job{pending, succeeded} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("InsertJob(%s): %v", j.ID, err)
		}
	}

	active, err := s.NonTerminalJobs(ctx, "tpp")
	if err != nil {
		t.Fatalf("NonTerminalJobs: %v", err)
	}
	if len(active) != 1 || active[0].ID != "job-pending" {
		t.Fatalf("expected only job-pending, got %v", active)
	}
}

func TestJobStates_SkipsMissingIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	req := &job.JobRequest{ID: "jr-1", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
	if err := s.InsertJobRequest(ctx, req); err != nil {
		t.Fatalf("InsertJobRequest: %v", err)
	}
	j := newTestJob("job-1", "tpp")
	j.State = job.StateSucceeded
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	states, err := s.JobStates(ctx, []string{"job-1", "does-not-exist"})
	if err != nil {
		t.Fatalf("JobStates: %v", err)
	}
	if len(states) != 1 || states[0] != job.StateSucceeded {
		t.Fatalf("expected exactly one state, got %v", states)
	}
}

func TestRunningWeight_SumsWeightAndRespectsDBOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	req := &job.JobRequest{ID: "jr-1", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
	if err := s.InsertJobRequest(ctx, req); err != nil {
		t.Fatalf("InsertJobRequest: %v", err)
	}

	dbJob := newTestJob("job-db", "tpp")
	dbJob.State = job.StateRunning
	dbJob.RequiresDB = true
	dbJob.Weight = 2

	nonDBJob := newTestJob("job-nondb", "tpp")
	nonDBJob.Action = "run_model"
	nonDBJob.State = job.StateRunning
	nonDBJob.Weight = 1

	for _, j := range []*job.Job{dbJob, nonDBJob} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("InsertJob(%s): %v", j.ID, err)
		}
	}

	total, err := s.RunningWeight(ctx, "tpp", false)
	if err != nil {
		t.Fatalf("RunningWeight(all): %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total running weight 3, got %d", total)
	}

	dbOnly, err := s.RunningWeight(ctx, "tpp", true)
	if err != nil {
		t.Fatalf("RunningWeight(dbOnly): %v", err)
	}
	if dbOnly != 2 {
		t.Fatalf("expected db-only running weight 2, got %d", dbOnly)
	}
}

func insertJobAndRequest(t *testing.T, s *Store, j *job.Job) {
	t.Helper()
	ctx := context.Background()
	req := &job.JobRequest{ID: j.JobRequestID, Backend: j.Backend, Workspace: job.Workspace{Name: j.Workspace}, CreatedAt: time.Now()}
	if err := s.InsertJobRequest(ctx, req); err != nil && !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("InsertJobRequest: %v", err)
	}
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
}

func TestTask_InsertUpdateAndQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	j := newTestJob("job-1", "tpp")
	insertJobAndRequest(t, s, j)

	now := time.Now().UTC().Truncate(time.Millisecond)
	task := &job.Task{
		ID:        "job-1-001",
		JobID:     "job-1",
		Backend:   "tpp",
		Kind:      job.TaskRunJob,
		Stage:     job.StageUnknown,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.InsertTask(ctx, task); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	active, err := s.HasActiveTaskOfKind(ctx, "tpp", job.TaskRunJob)
	if err != nil {
		t.Fatalf("HasActiveTaskOfKind: %v", err)
	}
	if !active {
		t.Fatal("expected an active RUNJOB task")
	}

	task.Stage = job.StageFinalized
	task.Active = false
	task.AgentComplete = true
	task.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := s.GetTask(ctx, "job-1-001")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Stage != job.StageFinalized || !got.AgentComplete || got.Active {
		t.Fatalf("expected the update to persist, got %+v", got)
	}

	stillActive, err := s.HasActiveTaskOfKind(ctx, "tpp", job.TaskRunJob)
	if err != nil {
		t.Fatalf("HasActiveTaskOfKind after finalize: %v", err)
	}
	if stillActive {
		t.Fatal("expected no active RUNJOB task once the only one finalized")
	}

	recent, err := s.HasRecentlyFinishedTaskOfKind(ctx, "tpp", job.TaskRunJob, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("HasRecentlyFinishedTaskOfKind: %v", err)
	}
	if !recent {
		t.Fatal("expected the just-finalized task to count as recently finished")
	}
}

func TestMostRecentTaskForJob_PicksHighestSequenceNumber(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	j := newTestJob("job-1", "tpp")
	insertJobAndRequest(t, s, j)

	now := time.Now().UTC()
	for _, id := range []string{"job-1-001", "job-1-002", "job-1-003"} {
		task := &job.Task{ID: id, JobID: "job-1", Backend: "tpp", Kind: job.TaskRunJob, CreatedAt: now, UpdatedAt: now}
		if err := s.InsertTask(ctx, task); err != nil {
			t.Fatalf("InsertTask(%s): %v", id, err)
		}
	}

	got, err := s.MostRecentTaskForJob(ctx, "job-1", job.TaskRunJob)
	if err != nil {
		t.Fatalf("MostRecentTaskForJob: %v", err)
	}
	if got.ID != "job-1-003" {
		t.Fatalf("expected job-1-003, got %s", got.ID)
	}
}

func TestDeactivateTasksOfKind_OnlyTouchesActiveOnes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	j := newTestJob("job-1", "tpp")
	insertJobAndRequest(t, s, j)

	now := time.Now().UTC()
	active := &job.Task{ID: "t-active", Backend: "tpp", Kind: job.TaskDBStatus, Active: true, CreatedAt: now, UpdatedAt: now}
	inactive := &job.Task{ID: "t-inactive", Backend: "tpp", Kind: job.TaskDBStatus, Active: false, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertTask(ctx, active); err != nil {
		t.Fatalf("InsertTask(active): %v", err)
	}
	if err := s.InsertTask(ctx, inactive); err != nil {
		t.Fatalf("InsertTask(inactive): %v", err)
	}

	if err := s.DeactivateTasksOfKind(ctx, "tpp", job.TaskDBStatus); err != nil {
		t.Fatalf("DeactivateTasksOfKind: %v", err)
	}

	got, err := s.HasActiveTaskOfKind(ctx, "tpp", job.TaskDBStatus)
	if err != nil {
		t.Fatalf("HasActiveTaskOfKind: %v", err)
	}
	if got {
		t.Fatal("expected no active DBSTATUS tasks after deactivation")
	}
}

func TestBackendFlag_SetAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if v, err := s.GetFlag(ctx, "tpp", job.FlagPaused); err != nil || v != "" {
		t.Fatalf("expected an unset flag to read back empty, got %q, err %v", v, err)
	}

	if err := s.SetFlag(ctx, &job.BackendFlag{Backend: "tpp", Key: job.FlagPaused, Value: "true", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	v, err := s.GetFlag(ctx, "tpp", job.FlagPaused)
	if err != nil {
		t.Fatalf("GetFlag: %v", err)
	}
	if v != "true" {
		t.Fatalf("expected true, got %q", v)
	}

	flags, err := s.FlagsForBackend(ctx, "tpp")
	if err != nil {
		t.Fatalf("FlagsForBackend: %v", err)
	}
	if len(flags) != 1 || flags[0].Key != job.FlagPaused {
		t.Fatalf("expected exactly the paused flag, got %v", flags)
	}
}

func TestBackendFlag_SetIsANoOpWhenValueUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	first := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.SetFlag(ctx, &job.BackendFlag{Backend: "tpp", Key: job.FlagPaused, Value: "true", UpdatedAt: first}); err != nil {
		t.Fatalf("first SetFlag: %v", err)
	}

	later := first.Add(time.Hour)
	if err := s.SetFlag(ctx, &job.BackendFlag{Backend: "tpp", Key: job.FlagPaused, Value: "true", UpdatedAt: later}); err != nil {
		t.Fatalf("second SetFlag: %v", err)
	}

	flags, err := s.FlagsForBackend(ctx, "tpp")
	if err != nil {
		t.Fatalf("FlagsForBackend: %v", err)
	}
	if len(flags) != 1 || !flags[0].UpdatedAt.Equal(first) {
		t.Fatalf("expected an unchanged value to leave updated_at alone, got %+v", flags)
	}
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	boom := errors.New("boom")
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		req := &job.JobRequest{ID: "jr-1", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
		if err := s.InsertJobRequest(ctx, req); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the transaction to surface its inner error, got %v", err)
	}

	if _, err := s.GetJobRequest(ctx, "jr-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected the insert to have been rolled back, got %v", err)
	}
}

func TestWithTransaction_NestedCallJoinsTheOuterTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		return s.WithTransaction(ctx, func(ctx context.Context) error {
			req := &job.JobRequest{ID: "jr-1", Backend: "tpp", Workspace: job.Workspace{Name: "ws"}, CreatedAt: time.Now()}
			return s.InsertJobRequest(ctx, req)
		})
	})
	if err != nil {
		t.Fatalf("nested WithTransaction: %v", err)
	}

	if _, err := s.GetJobRequest(ctx, "jr-1"); err != nil {
		t.Fatalf("GetJobRequest after nested commit: %v", err)
	}
}
