package agentrunner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/opensafely-core/job-runner/internal/executor/memory"
	"github.com/opensafely-core/job-runner/internal/job"
)

// fakeController is a minimal stand-in for the Controller's Task API: it
// holds tasks in memory and applies the one rule the Runner depends on —
// once a task settles into a terminal stage, the Controller reports
// agent_complete so the Runner can stop polling it.
type fakeController struct {
	mu    sync.Mutex
	tasks map[string]*job.Task
}

func newFakeController(tasks ...*job.Task) *fakeController {
	c := &fakeController{tasks: make(map[string]*job.Task)}
	for _, t := range tasks {
		c.tasks[t.ID] = t
	}
	return c
}

func (c *fakeController) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{backend}/tasks/", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		var active []*job.Task
		for _, task := range c.tasks {
			if task.Active {
				active = append(active, task)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": active})
	})
	mux.HandleFunc("POST /{backend}/task/update/", func(w http.ResponseWriter, r *http.Request) {
		var body taskUpdate
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding task update: %v", err)
		}
		c.mu.Lock()
		task, ok := c.tasks[body.TaskID]
		if !ok {
			c.mu.Unlock()
			http.NotFound(w, r)
			return
		}
		task.Stage = body.Stage
		task.Results = body.Results
		if body.Stage == job.StageFinalized || body.Stage == job.StageError {
			task.Active = false
			task.AgentComplete = true
		}
		complete := task.AgentComplete
		c.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"agent_complete": complete})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (c *fakeController) stage(id string) job.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks[id].Stage
}

func runUntilSettled(t *testing.T, r *Runner, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
}

func TestRunner_RunJob_AdvancesToFinalized(t *testing.T) {
	task := &job.Task{
		ID:     "task-1",
		JobID:  "job-1",
		Kind:   job.TaskRunJob,
		Active: true,
		Definition: job.RunJobDefinition{
			JobID:      "job-1",
			OutputSpec: job.OutputSpec{"output/*.csv": job.PrivacyHigh},
		},
	}
	ctrl := newFakeController(task)
	srv := ctrl.server(t)

	runner := New("tpp", NewTaskAPIClient(srv.URL, "token"), memory.New())

	// memory.Executor settles each phase synchronously, so it takes at most
	// one tick per phase transition plus the cleanup tick.
	runUntilSettled(t, runner, 4)

	if got := ctrl.stage("task-1"); got != job.StageFinalized {
		t.Fatalf("expected task to reach FINALIZED, got %s", got)
	}
}

func TestRunner_RunJob_StopsPollingOnceAgentComplete(t *testing.T) {
	task := &job.Task{
		ID:     "task-2",
		JobID:  "job-2",
		Kind:   job.TaskRunJob,
		Active: true,
		Definition: job.RunJobDefinition{JobID: "job-2"},
	}
	ctrl := newFakeController(task)
	srv := ctrl.server(t)

	runner := New("tpp", NewTaskAPIClient(srv.URL, "token"), memory.New())
	// Three ticks reach FINALIZED; a fourth would find the task no longer
	// listed and forget it.
	runUntilSettled(t, runner, 3)

	if !runner.isComplete("task-2") {
		t.Fatal("expected runner to mark task agent_complete once FINALIZED")
	}

	// A stage mutation after completion (simulating a stray Controller
	// response) must not be picked up: the Runner should never re-handle it.
	ctrl.mu.Lock()
	ctrl.tasks["task-2"].Active = true
	ctrl.tasks["task-2"].Stage = job.StageUnknown
	ctrl.mu.Unlock()

	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ctrl.stage("task-2") != job.StageUnknown {
		t.Fatal("expected the already-complete task to be skipped, not re-handled")
	}
}

func TestRunner_ForgetsTasksTheControllerStopsListing(t *testing.T) {
	task := &job.Task{
		ID:     "task-3",
		JobID:  "job-3",
		Kind:   job.TaskRunJob,
		Active: true,
		Definition: job.RunJobDefinition{JobID: "job-3"},
	}
	ctrl := newFakeController(task)
	srv := ctrl.server(t)

	runner := New("tpp", NewTaskAPIClient(srv.URL, "token"), memory.New())
	runUntilSettled(t, runner, 3)

	if !runner.isComplete("task-3") {
		t.Fatal("expected task-3 to be complete")
	}

	ctrl.mu.Lock()
	delete(ctrl.tasks, "task-3")
	ctrl.mu.Unlock()

	if err := runner.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if runner.isComplete("task-3") {
		t.Fatal("expected local bookkeeping for task-3 to be forgotten once the Controller stopped listing it")
	}
}

func TestRunner_CancelJob_FromUnknownGoesStraightToFinalized(t *testing.T) {
	task := &job.Task{
		ID:     "task-4",
		JobID:  "job-4",
		Kind:   job.TaskCancelJob,
		Active: true,
		Definition: job.RunJobDefinition{JobID: "job-4"},
	}
	ctrl := newFakeController(task)
	srv := ctrl.server(t)

	runner := New("tpp", NewTaskAPIClient(srv.URL, "token"), memory.New())
	runUntilSettled(t, runner, 2)

	if got := ctrl.stage("task-4"); got != job.StageFinalized {
		t.Fatalf("expected an untouched job's cancellation to settle at FINALIZED, got %s", got)
	}
}

func TestRunner_CancelJob_AfterExecutedFinalizesAndCleansUp(t *testing.T) {
	exec := memory.New()
	def := &job.RunJobDefinition{JobID: "job-5"}

	// Drive job-5 to EXECUTED directly through the Executor, simulating a
	// cancellation that arrives after the job already ran.
	if _, err := exec.Prepare(context.Background(), def); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := exec.Execute(context.Background(), def); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	task := &job.Task{
		ID:         "task-5",
		JobID:      "job-5",
		Kind:       job.TaskCancelJob,
		Active:     true,
		Definition: *def,
	}
	ctrl := newFakeController(task)
	srv := ctrl.server(t)

	runner := New("tpp", NewTaskAPIClient(srv.URL, "token"), exec)
	runUntilSettled(t, runner, 2)

	if got := ctrl.stage("task-5"); got != job.StageFinalized {
		t.Fatalf("expected cancellation of an executed job to settle at FINALIZED, got %s", got)
	}
}

func TestRunner_DBStatus_ReportsFinalizedWhenProbeHealthy(t *testing.T) {
	task := &job.Task{
		ID:     "task-6",
		JobID:  "",
		Kind:   job.TaskDBStatus,
		Active: true,
	}
	ctrl := newFakeController(task)
	srv := ctrl.server(t)

	runner := New("tpp", NewTaskAPIClient(srv.URL, "token"), memory.New())
	runUntilSettled(t, runner, 1)

	if got := ctrl.stage("task-6"); got != job.StageFinalized {
		t.Fatalf("expected a healthy DBSTATUS probe to report FINALIZED, got %s", got)
	}
}
