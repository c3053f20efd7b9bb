// Package memory is an in-memory Executor used by Controller/Agent tests
// and by the local "dummy backend" mode (USES_DUMMY_DATA_BACKEND): it
// advances a job through the same stage sequence a real container backend
// would, without touching Docker, so the rest of the system can be
// exercised without a daemon.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/job"
)

type jobState struct {
	stage   job.Stage
	results executor.Results
}

// Executor is a thread-safe, process-local implementation of
// executor.Executor. Every transition is synchronous and immediate: there
// is no task to poll for. Prepare and Finalize return the settled stage
// directly; Execute records EXECUTED but reports EXECUTING, so the next
// GetStatus is what shows EXECUTED.
type Executor struct {
	mu              sync.Mutex
	jobs            map[string]*jobState
	highPrivacyBase string
}

// New creates an empty in-memory Executor.
func New() *Executor {
	return &Executor{jobs: make(map[string]*jobState)}
}

// SetLogBundleBase installs dir as the host directory Finalize writes its
// log bundle beneath (mirroring the Docker Executor's high-privacy storage
// base). Left unset, Finalize skips bundling — there is nowhere durable to
// put it.
func (e *Executor) SetLogBundleBase(dir string) {
	e.highPrivacyBase = dir
}

func (e *Executor) get(id string) *jobState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.jobs[id]
	if !ok {
		st = &jobState{stage: job.StageUnknown}
		e.jobs[id] = st
	}
	return st
}

func (e *Executor) Prepare(_ context.Context, def *executor.Definition) (executor.Status, error) {
	st := e.get(def.JobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if st.stage != job.StageUnknown {
		return executor.Status{Stage: st.stage}, nil
	}
	st.stage = job.StagePrepared
	return executor.Status{Stage: st.stage}, nil
}

func (e *Executor) Execute(_ context.Context, def *executor.Definition) (executor.Status, error) {
	st := e.get(def.JobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if st.stage != job.StagePrepared {
		return executor.Status{Stage: st.stage, Message: "job not prepared"}, nil
	}
	st.stage = job.StageExecuted
	return executor.Status{Stage: job.StageExecuting}, nil
}

func (e *Executor) Finalize(_ context.Context, def *executor.Definition) (executor.Status, error) {
	st := e.get(def.JobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if st.stage != job.StageExecuted {
		return executor.Status{Stage: st.stage, Message: "job not executed"}, nil
	}
	outputs := make(map[string]job.Privacy, len(def.OutputSpec))
	for pattern, privacy := range def.OutputSpec {
		outputs[pattern] = privacy
	}
	bundlePath, err := e.writeLogBundle(def)
	if err != nil {
		return executor.Status{Stage: job.StageError, Message: err.Error()}, nil
	}
	st.results = executor.Results{Outputs: outputs, ExitCode: 0, LogBundlePath: bundlePath}
	st.stage = job.StageFinalized
	return executor.Status{Stage: job.StageFinalized}, nil
}

// writeLogBundle produces the same "container stdout, metadata, manifest"
// tarball the Docker Executor writes at finalize, using a synthesized
// stdout line in place of a real container's output. Returns "" without
// writing anything if no log-bundle base has been configured.
func (e *Executor) writeLogBundle(def *executor.Definition) (string, error) {
	if e.highPrivacyBase == "" {
		return "", nil
	}

	staging, err := os.MkdirTemp("", "jobrunner-logbundle-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	stdout := fmt.Sprintf("job %s completed (in-memory executor)\n", def.JobID)
	if err := os.WriteFile(filepath.Join(staging, "stdout.log"), []byte(stdout), 0o644); err != nil {
		return "", err
	}

	metadata, err := json.MarshalIndent(map[string]any{
		"job_id": def.JobID,
		"image":  def.Image,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, "metadata.json"), metadata, 0o644); err != nil {
		return "", err
	}

	manifest, err := json.MarshalIndent(def.OutputSpec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, "manifest.json"), manifest, 0o644); err != nil {
		return "", err
	}

	destDir := filepath.Join(e.highPrivacyBase, "logs", def.JobID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, "logs.tar.gz")
	if err := executor.BundleDirectory(staging, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func (e *Executor) Terminate(_ context.Context, def *executor.Definition) (executor.Status, error) {
	st := e.get(def.JobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	st.stage = job.StageExecuted
	return executor.Status{Stage: st.stage, Message: "terminated"}, nil
}

func (e *Executor) Cleanup(_ context.Context, def *executor.Definition) (executor.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, def.JobID)
	return executor.Status{Stage: job.StageUnknown}, nil
}

func (e *Executor) GetStatus(_ context.Context, def *executor.Definition) (executor.Status, error) {
	st := e.get(def.JobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return executor.Status{Stage: st.stage}, nil
}

func (e *Executor) GetResults(_ context.Context, def *executor.Definition) (executor.Results, error) {
	st := e.get(def.JobID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return st.results, nil
}

func (e *Executor) DeleteFiles(_ context.Context, _ string, _ job.Privacy, paths []string) ([]string, error) {
	return nil, nil
}

func (e *Executor) Ready(_ context.Context) error {
	return nil
}

// DBStatus always reports healthy: the in-memory Executor has no database
// to probe.
func (e *Executor) DBStatus(_ context.Context, _ *executor.Definition) (string, error) {
	return "", nil
}
