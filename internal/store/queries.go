package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opensafely-core/job-runner/internal/job"
)

const timeLayout = time.RFC3339Nano

func encTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func encTimePtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func decTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s)
	return t
}

func decTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func encJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decJSON(s string, v any) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}

func encBool(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- JobRequest -------------------------------------------------------

// InsertJobRequest persists a new JobRequest row. JobRequests are never
// updated except for their cancel list and expanded flag.
func (s *Store) InsertJobRequest(ctx context.Context, r *job.JobRequest) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO job_request
			(id, backend, workspace_name, workspace_repo_url, workspace_branch,
			 action, commit_sha, database_name, force, cancel, raw_payload, expanded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.Backend, r.Workspace.Name, r.Workspace.RepoURL, r.Workspace.Branch,
		r.Action, r.Commit, r.Database, encBool(r.Force), encJSON(r.Cancel), r.RawPayload, encTime(r.CreatedAt))
	return err
}

// UpdateJobRequestCancelList replaces the cancellation list for a JobRequest.
func (s *Store) UpdateJobRequestCancelList(ctx context.Context, id string, cancel []string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `UPDATE job_request SET cancel = ? WHERE id = ?`, encJSON(cancel), id)
	return err
}

// MarkJobRequestExpanded records that the Job Definition Builder has already
// turned this JobRequest into Job rows, so Pass 1 skips it on future ticks.
func (s *Store) MarkJobRequestExpanded(ctx context.Context, id string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `UPDATE job_request SET expanded = 1 WHERE id = ?`, id)
	return err
}

// UnexpandedJobRequests returns JobRequests not yet passed to the Builder.
func (s *Store) UnexpandedJobRequests(ctx context.Context, backend string) ([]*job.JobRequest, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, backend, workspace_name, workspace_repo_url, workspace_branch,
		       action, commit_sha, database_name, force, cancel, raw_payload, created_at
		FROM job_request WHERE backend = ? AND expanded = 0
	`, backend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobRequests(rows)
}

// GetJobRequest loads a single JobRequest by id.
func (s *Store) GetJobRequest(ctx context.Context, id string) (*job.JobRequest, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT id, backend, workspace_name, workspace_repo_url, workspace_branch,
		       action, commit_sha, database_name, force, cancel, raw_payload, created_at
		FROM job_request WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	reqs, err := scanJobRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, sql.ErrNoRows
	}
	return reqs[0], nil
}

func scanJobRequests(rows *sql.Rows) ([]*job.JobRequest, error) {
	var out []*job.JobRequest
	for rows.Next() {
		r := &job.JobRequest{}
		var force int
		var cancelJSON, createdAt string
		if err := rows.Scan(&r.ID, &r.Backend, &r.Workspace.Name, &r.Workspace.RepoURL, &r.Workspace.Branch,
			&r.Action, &r.Commit, &r.Database, &force, &cancelJSON, &r.RawPayload, &createdAt); err != nil {
			return nil, err
		}
		r.Force = force != 0
		decJSON(cancelJSON, &r.Cancel)
		r.CreatedAt = decTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Job ----------------------------------------------------------------

// InsertJob inserts a newly-created Job row. Job ids are deterministic, so
// a conflict means the Builder is re-expanding an already-seen request:
// that's a no-op, not an error.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO job
			(id, job_request_id, backend, workspace, action, commit_sha, run_command, image,
			 requires_outputs_from, wait_for_job_ids, output_spec, outputs, unmatched_patterns, log_bundle_path,
			 requires_db, weight, state, status_code, status_message, retry_count,
			 created_at, started_at, completed_at, updated_at, cancel_requested)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		j.ID, j.JobRequestID, j.Backend, j.Workspace, j.Action, j.Commit, encJSON(j.RunCommand), j.Image,
		encJSON(j.RequiresOutputsFrom), encJSON(j.WaitForJobIDs), encJSON(j.OutputSpec), encJSON(j.Outputs), encJSON(j.UnmatchedPatterns), j.LogBundlePath,
		encBool(j.RequiresDB), j.Weight, string(j.State), string(j.StatusCode), j.StatusMessage, j.RetryCount,
		encTime(j.CreatedAt), encTimePtr(j.StartedAt), encTimePtr(j.CompletedAt), encTime(j.UpdatedAt), encBool(j.CancelRequested))
	return err
}

// GetJob loads a single Job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, jobSelectSQL+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, sql.ErrNoRows
	}
	return jobs[0], nil
}

// JobsByRequest returns every Job belonging to a JobRequest.
func (s *Store) JobsByRequest(ctx context.Context, jobRequestID string) ([]*job.Job, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, jobSelectSQL+" WHERE job_request_id = ?", jobRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// NonTerminalJobs returns every Job for a backend whose state is not yet
// SUCCEEDED/FAILED — the scheduler's Pass 2 working set.
func (s *Store) NonTerminalJobs(ctx context.Context, backend string) ([]*job.Job, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, jobSelectSQL+`
		WHERE backend = ? AND state NOT IN ('failed', 'succeeded')
	`, backend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// FindJobByAction finds the most recent Job for (workspace, action, commit),
// used by the Job Definition Builder to decide skip/reuse/fail-fast/create.
func (s *Store) FindJobByAction(ctx context.Context, workspace, action, commit string) (*job.Job, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, jobSelectSQL+`
		WHERE workspace = ? AND action = ? AND commit_sha = ?
		ORDER BY created_at DESC LIMIT 1
	`, workspace, action, commit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, sql.ErrNoRows
	}
	return jobs[0], nil
}

// SetCancelRequestedForActions flags every Job under jobRequestID whose
// action is in actions as cancel-requested, without otherwise touching its
// state — the Controller's scheduler tick is responsible for acting on the
// flag, per original_source/controller/create_or_update_jobs.py's
// "modify in place, don't read-modify-write" rationale for avoiding races
// against a concurrently-running scheduler tick.
func (s *Store) SetCancelRequestedForActions(ctx context.Context, jobRequestID string, actions []string) error {
	if len(actions) == 0 {
		return nil
	}
	placeholders := make([]string, len(actions))
	args := make([]any, 0, len(actions)+1)
	args = append(args, jobRequestID)
	for i, a := range actions {
		placeholders[i] = "?"
		args = append(args, a)
	}
	query := fmt.Sprintf(`
		UPDATE job SET cancel_requested = 1
		WHERE job_request_id = ? AND action IN (%s)
	`, strings.Join(placeholders, ","))
	_, err := s.conn(ctx).ExecContext(ctx, query, args...)
	return err
}

// JobStates returns the current State of each Job in ids, skipping any id
// that no longer exists. Used by the scheduler to check whether a job's
// dependencies have settled.
func (s *Store) JobStates(ctx context.Context, ids []string) ([]job.State, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT state FROM job WHERE id IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []job.State
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		out = append(out, job.State(state))
	}
	return out, rows.Err()
}

// RunningWeight returns the sum of Weight across Jobs in RUNNING state on a
// backend, optionally restricted to DB-requiring jobs, for concurrency
// admission control.
func (s *Store) RunningWeight(ctx context.Context, backend string, dbOnly bool) (int, error) {
	query := `SELECT COALESCE(SUM(weight), 0) FROM job WHERE backend = ? AND state = 'running'`
	if dbOnly {
		query += ` AND requires_db = 1`
	}
	var total int
	err := s.conn(ctx).QueryRowContext(ctx, query, backend).Scan(&total)
	return total, err
}

// UpdateJob persists the full mutable state of a Job. Called by the
// Controller after every status_code transition.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE job SET
			run_command = ?, image = ?, requires_outputs_from = ?, wait_for_job_ids = ?,
			output_spec = ?, outputs = ?, unmatched_patterns = ?, log_bundle_path = ?, requires_db = ?, weight = ?,
			state = ?, status_code = ?, status_message = ?, retry_count = ?,
			started_at = ?, completed_at = ?, updated_at = ?, cancel_requested = ?
		WHERE id = ?
	`,
		encJSON(j.RunCommand), j.Image, encJSON(j.RequiresOutputsFrom), encJSON(j.WaitForJobIDs),
		encJSON(j.OutputSpec), encJSON(j.Outputs), encJSON(j.UnmatchedPatterns), j.LogBundlePath, encBool(j.RequiresDB), j.Weight,
		string(j.State), string(j.StatusCode), j.StatusMessage, j.RetryCount,
		encTimePtr(j.StartedAt), encTimePtr(j.CompletedAt), encTime(j.UpdatedAt), encBool(j.CancelRequested),
		j.ID)
	return err
}

const jobSelectSQL = `
	SELECT id, job_request_id, backend, workspace, action, commit_sha, run_command, image,
	       requires_outputs_from, wait_for_job_ids, output_spec, outputs, unmatched_patterns, log_bundle_path,
	       requires_db, weight, state, status_code, status_message, retry_count,
	       created_at, started_at, completed_at, updated_at, cancel_requested
	FROM job`

func scanJobs(rows *sql.Rows) ([]*job.Job, error) {
	var out []*job.Job
	for rows.Next() {
		j := &job.Job{}
		var runCmd, reqOut, waitFor, outSpec, outputs, unmatched string
		var requiresDB, cancelReq int
		var state, statusCode, createdAt, updatedAt string
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&j.ID, &j.JobRequestID, &j.Backend, &j.Workspace, &j.Action, &j.Commit, &runCmd, &j.Image,
			&reqOut, &waitFor, &outSpec, &outputs, &unmatched, &j.LogBundlePath,
			&requiresDB, &j.Weight, &state, &statusCode, &j.StatusMessage, &j.RetryCount,
			&createdAt, &startedAt, &completedAt, &updatedAt, &cancelReq); err != nil {
			return nil, err
		}
		decJSON(runCmd, &j.RunCommand)
		decJSON(reqOut, &j.RequiresOutputsFrom)
		decJSON(waitFor, &j.WaitForJobIDs)
		decJSON(outSpec, &j.OutputSpec)
		decJSON(outputs, &j.Outputs)
		decJSON(unmatched, &j.UnmatchedPatterns)
		j.RequiresDB = requiresDB != 0
		j.CancelRequested = cancelReq != 0
		j.State = job.State(state)
		j.StatusCode = job.StatusCode(statusCode)
		j.CreatedAt = decTime(createdAt)
		j.StartedAt = decTimePtr(startedAt)
		j.CompletedAt = decTimePtr(completedAt)
		j.UpdatedAt = decTime(updatedAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- Task -----------------------------------------------------------------

const taskSelectSQL = `
	SELECT id, job_id, backend, kind, definition, stage, results, active, agent_complete, created_at, updated_at
	FROM task`

// InsertTask persists a newly-issued Task.
func (s *Store) InsertTask(ctx context.Context, t *job.Task) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO task (id, job_id, backend, kind, definition, stage, results, active, agent_complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.JobID, t.Backend, string(t.Kind), encJSON(t.Definition), string(t.Stage), encJSON(t.Results),
		encBool(t.Active), encBool(t.AgentComplete), encTime(t.CreatedAt), encTime(t.UpdatedAt))
	return err
}

// UpdateTask persists a Task's mutable fields (stage, results, active,
// agent_complete) inside the same transaction as the owning Job's update,
// keeping task issuance and job status update an atomic pair.
func (s *Store) UpdateTask(ctx context.Context, t *job.Task) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE task SET stage = ?, results = ?, active = ?, agent_complete = ?, updated_at = ?
		WHERE id = ?
	`, string(t.Stage), encJSON(t.Results), encBool(t.Active), encBool(t.AgentComplete), encTime(t.UpdatedAt), t.ID)
	return err
}

// GetTask loads a single Task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*job.Task, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, taskSelectSQL+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, sql.ErrNoRows
	}
	return tasks[0], nil
}

// ActiveTasksByBackend returns every active Task for a backend, in creation
// order — what `GET /{backend}/tasks/` reports to the Agent.
func (s *Store) ActiveTasksByBackend(ctx context.Context, backend string) ([]*job.Task, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, taskSelectSQL+`
		WHERE backend = ? AND active = 1 ORDER BY created_at ASC
	`, backend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ActiveTaskForJob returns the single active Task of a given kind for a
// Job, if any — enforcing the "at most one active Task of a given
// (job_id, kind)" invariant at read time.
func (s *Store) ActiveTaskForJob(ctx context.Context, jobID string, kind job.TaskKind) (*job.Task, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, taskSelectSQL+`
		WHERE job_id = ? AND kind = ? AND active = 1 LIMIT 1
	`, jobID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, sql.ErrNoRows
	}
	return tasks[0], nil
}

// MostRecentTaskForJob returns the lexically-last task id for a job and
// kind, exploiting the zero-padded sequence numbering so no separate
// timestamp index is needed.
func (s *Store) MostRecentTaskForJob(ctx context.Context, jobID string, kind job.TaskKind) (*job.Task, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, taskSelectSQL+`
		WHERE job_id = ? AND kind = ? ORDER BY id DESC LIMIT 1
	`, jobID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, sql.ErrNoRows
	}
	return tasks[0], nil
}

// CountTasksForJob returns how many tasks of the given kind have ever been
// issued for a Job, used to derive the next sequence number.
func (s *Store) CountTasksForJob(ctx context.Context, jobID string, kind job.TaskKind) (int, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM task WHERE job_id = ? AND kind = ?`, jobID, string(kind)).Scan(&n)
	return n, err
}

// HasActiveTaskOfKind reports whether backend has an active Task of kind,
// used by the DB-maintenance scheduler to avoid issuing a second DBSTATUS
// task while one is still outstanding.
func (s *Store) HasActiveTaskOfKind(ctx context.Context, backend string, kind job.TaskKind) (bool, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task WHERE backend = ? AND kind = ? AND active = 1
	`, backend, string(kind)).Scan(&n)
	return n > 0, err
}

// HasRecentlyFinishedTaskOfKind reports whether backend has an inactive
// Task of kind whose last update is after since, used to throttle how
// often a new DBSTATUS task gets issued.
func (s *Store) HasRecentlyFinishedTaskOfKind(ctx context.Context, backend string, kind job.TaskKind, since time.Time) (bool, error) {
	var n int
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task WHERE backend = ? AND kind = ? AND active = 0 AND updated_at > ?
	`, backend, string(kind), encTime(since)).Scan(&n)
	return n > 0, err
}

// DeactivateTasksOfKind marks every active Task of kind for backend
// inactive, used when a backend enters manual DB-maintenance mode.
func (s *Store) DeactivateTasksOfKind(ctx context.Context, backend string, kind job.TaskKind) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		UPDATE task SET active = 0, updated_at = ? WHERE backend = ? AND kind = ? AND active = 1
	`, encTime(time.Now()), backend, string(kind))
	return err
}

func scanTasks(rows *sql.Rows) ([]*job.Task, error) {
	var out []*job.Task
	for rows.Next() {
		t := &job.Task{}
		var kind, defJSON, stage, resultsJSON, createdAt, updatedAt string
		var active, agentComplete int
		if err := rows.Scan(&t.ID, &t.JobID, &t.Backend, &kind, &defJSON, &stage, &resultsJSON,
			&active, &agentComplete, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.Kind = job.TaskKind(kind)
		t.Stage = job.Stage(stage)
		decJSON(defJSON, &t.Definition)
		decJSON(resultsJSON, &t.Results)
		t.Active = active != 0
		t.AgentComplete = agentComplete != 0
		t.CreatedAt = decTime(createdAt)
		t.UpdatedAt = decTime(updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- BackendFlag ------------------------------------------------------

// GetFlag returns the current value of a backend flag, or "" if unset.
func (s *Store) GetFlag(ctx context.Context, backend, key string) (string, error) {
	var value string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT value FROM backend_flag WHERE backend = ? AND key = ?`, backend, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetFlag upserts a backend flag, but — per original_source/controller/queries.py
// — only touches updated_at if the value actually changed, so an operator
// re-issuing the same override doesn't generate noisy history.
func (s *Store) SetFlag(ctx context.Context, f *job.BackendFlag) error {
	current, err := s.GetFlag(ctx, f.Backend, f.Key)
	if err != nil {
		return err
	}
	if current == f.Value {
		return nil
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO backend_flag (backend, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(backend, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, f.Backend, f.Key, f.Value, encTime(f.UpdatedAt))
	return err
}

// FlagsForBackend returns every recognized flag currently set for a backend.
func (s *Store) FlagsForBackend(ctx context.Context, backend string) ([]*job.BackendFlag, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT backend, key, value, updated_at FROM backend_flag WHERE backend = ?`, backend)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*job.BackendFlag
	for rows.Next() {
		f := &job.BackendFlag{}
		var updatedAt string
		if err := rows.Scan(&f.Backend, &f.Key, &f.Value, &updatedAt); err != nil {
			return nil, err
		}
		f.UpdatedAt = decTime(updatedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// WithTransaction runs fn inside a BEGIN/COMMIT block, matching the
// explicit-transaction discipline requires for multi-statement writes
// (task issuance + job status update, migration application). Every query
// helper fn calls through the ctx it receives runs against the transaction
// itself (see conn), not a second connection — with SetMaxOpenConns(1) a
// second connection would simply block forever waiting for the one the
// open transaction holds. A call nested inside an outer WithTransaction
// joins that transaction rather than starting a second one.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}
