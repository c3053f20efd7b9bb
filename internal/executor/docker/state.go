package docker

import (
	"sync"

	"github.com/opensafely-core/job-runner/internal/job"
)

// jobState holds the Docker-side bookkeeping for one job's ephemeral
// workspace and the containers of its phases. Each phase's container id is
// recorded when that phase starts and kept until Cleanup removes all of
// them, so more than one id can be non-empty at a time.
type jobState struct {
	volumeName          string
	prepareContainerID  string
	execContainerID     string
	finalizeContainerID string
	stage               job.Stage
	logBundlePath       string
}

// stateRepo tracks per-job Docker state in memory. It exists because
// job_executor.py's contract requires idempotent transitions ("if already
// running a prepare task, return PREPARING without starting a second
// one") and querying Docker by label on every call is both slower and
// racier than keeping an authoritative in-process map, refreshed by
// reconcile on startup.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[string]*jobState
}

func newStateRepo() *stateRepo {
	return &stateRepo{jobs: make(map[string]*jobState)}
}

func (r *stateRepo) get(jobID string) (*jobState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	js, ok := r.jobs[jobID]
	return js, ok
}

func (r *stateRepo) getOrCreate(jobID string) *jobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		js = &jobState{stage: job.StageUnknown}
		r.jobs[jobID] = js
	}
	return js
}

func (r *stateRepo) set(jobID string, js *jobState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = js
}

func (r *stateRepo) delete(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

func (r *stateRepo) list() map[string]*jobState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*jobState, len(r.jobs))
	for k, v := range r.jobs {
		out[k] = v
	}
	return out
}
