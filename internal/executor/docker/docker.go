// Package docker implements executor.Executor by running each job phase
// in its own Docker container: a short-lived staging container for
// prepare/finalize file movement, and the job's own image for execute.
// It drops the sidecar-per-job pattern (there is no need for an
// in-container lifecycle manager once the Agent itself polls and drives
// phase transitions) but keeps label-based container lookup,
// volume-per-job, and log-demuxing idioms.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/job"
)

const (
	labelManagedBy = "managed-by"
	labelJobID     = "jobrunner-job"
	labelPhase     = "jobrunner-phase"
	managedByValue = "job-runner"

	// Mount points inside the staging container for the two long-term
	// storage bases; the host side is e.highPrivacyBase/e.mediumPrivacyBase.
	highPrivacyMount   = "/storage/high"
	mediumPrivacyMount = "/storage/medium"
)

// Executor implements executor.Executor against a local Docker daemon.
type Executor struct {
	client       *client.Client
	state        *stateRepo
	extraHosts   []string
	dbNetwork    string
	stagingImage string
	retention    time.Duration

	highPrivacyBase        string
	mediumPrivacyBase      string
	privateRepoAccessToken string

	databaseStatusImage string
	databaseURLs        map[string]string

	cancelMaintenance context.CancelFunc
}

// New creates a Docker-backed Executor and reconciles any containers left
// over from a previous process (restart, crash).
func New(ctx context.Context, cfg Config) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("executor/docker: create client: %w", err)
	}

	retention := cfg.RetentionPeriod
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	maintenanceInterval := cfg.MaintenanceInterval
	if maintenanceInterval <= 0 {
		maintenanceInterval = time.Minute
	}

	e := &Executor{
		client:                 cli,
		state:                  newStateRepo(),
		extraHosts:             cfg.ExtraHosts,
		dbNetwork:              cfg.DatabaseNetwork,
		stagingImage:           cfg.StagingImage,
		retention:              retention,
		highPrivacyBase:        cfg.HighPrivacyBase,
		mediumPrivacyBase:      cfg.MediumPrivacyBase,
		privateRepoAccessToken: cfg.PrivateRepoAccessToken,
		databaseStatusImage:    cfg.DatabaseStatusImage,
		databaseURLs:           cfg.DatabaseURLs,
	}

	if err := e.reconcile(ctx); err != nil {
		slog.Warn("executor/docker: reconcile failed", "error", err)
	}

	maintenanceCtx, cancel := context.WithCancel(context.Background())
	e.cancelMaintenance = cancel
	go e.runMaintenance(maintenanceCtx, maintenanceInterval)

	return e, nil
}

// reconcile rebuilds in-memory jobState from containers already labeled
// jobrunner-job=<id>, so a restarted Agent picks up where it left off
// instead of re-running prepare/execute for jobs already mid-flight.
func (e *Executor) reconcile(ctx context.Context) error {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	for _, c := range containers {
		jobID := c.Labels[labelJobID]
		phase := c.Labels[labelPhase]
		if jobID == "" {
			continue
		}
		js := e.state.getOrCreate(jobID)
		js.volumeName = volumeName(jobID)
		switch phase {
		case "prepare":
			js.prepareContainerID = c.ID
			js.stage = stageForContainerPhase(c.State, job.StagePreparing, job.StagePrepared)
		case "execute":
			js.execContainerID = c.ID
			js.stage = stageForContainerPhase(c.State, job.StageExecuting, job.StageExecuted)
		case "finalize":
			js.finalizeContainerID = c.ID
			js.stage = stageForContainerPhase(c.State, job.StageFinalizing, job.StageFinalized)
		}
		e.state.set(jobID, js)
	}
	return nil
}

func stageForContainerPhase(dockerState string, running, exited job.Stage) job.Stage {
	if dockerState == "running" || dockerState == "created" {
		return running
	}
	return exited
}

func volumeName(jobID string) string {
	return "jobrunner-" + jobID
}

// Ready implements health.ReadinessChecker against the Docker daemon.
func (e *Executor) Ready(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Prepare creates the job's ephemeral workspace volume and launches a
// staging container that checks out the job's commit and copies its input
// files into it, per job_executor.py's prepare() contract.
func (e *Executor) Prepare(ctx context.Context, def *executor.Definition) (executor.Status, error) {
	js := e.state.getOrCreate(def.JobID)
	if js.stage != job.StageUnknown {
		return executor.Status{Stage: js.stage}, nil
	}

	vol := volumeName(def.JobID)
	if _, err := e.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   vol,
		Labels: map[string]string{labelManagedBy: managedByValue, labelJobID: def.JobID},
	}); err != nil {
		return executor.Status{Stage: job.StageError, Message: err.Error()}, nil
	}
	js.volumeName = vol

	if err := e.pullImageIfNeeded(ctx, e.stagingImage); err != nil {
		return executor.Status{Stage: job.StageUnknown, Message: "staging image unavailable: " + err.Error(), Retryable: true}, nil
	}

	cmd := []string{"clone-and-stage", "--repo", def.RepoURL, "--commit", def.Commit, "--workspace", "/workspace"}
	for _, action := range def.InputActions {
		cmd = append(cmd, "--input-action", action)
	}

	env := map[string]string{}
	if e.privateRepoAccessToken != "" {
		env["PRIVATE_REPO_ACCESS_TOKEN"] = e.privateRepoAccessToken
	}

	containerID, err := e.runDetached(ctx, runSpec{
		image:   e.stagingImage,
		cmd:     cmd,
		env:     env,
		jobID:   def.JobID,
		phase:   "prepare",
		volume:  vol,
		network: false,
	})
	if err != nil {
		return executor.Status{Stage: job.StageError, Message: err.Error()}, nil
	}

	js.prepareContainerID = containerID
	js.stage = job.StagePreparing
	e.state.set(def.JobID, js)
	return executor.Status{Stage: job.StagePreparing}, nil
}

// Execute launches the job's own image against the prepared workspace.
func (e *Executor) Execute(ctx context.Context, def *executor.Definition) (executor.Status, error) {
	js := e.state.getOrCreate(def.JobID)

	if js.stage == job.StagePreparing {
		if err := e.refreshPhase(ctx, js, js.prepareContainerID, job.StagePreparing, job.StagePrepared); err != nil {
			return executor.Status{Stage: job.StageError, Message: err.Error()}, nil
		}
	}
	if js.stage == job.StageExecuting || js.stage == job.StageExecuted {
		return executor.Status{Stage: js.stage}, nil
	}
	if js.stage != job.StagePrepared {
		return executor.Status{Stage: js.stage, Message: "job not prepared"}, nil
	}

	if err := e.pullImageIfNeeded(ctx, def.Image); err != nil {
		return executor.Status{Stage: job.StagePrepared, Message: "image unavailable: " + err.Error(), Retryable: true}, nil
	}

	containerID, err := e.runDetached(ctx, runSpec{
		image:   def.Image,
		cmd:     def.Command,
		env:     def.Env,
		jobID:   def.JobID,
		phase:   "execute",
		volume:  js.volumeName,
		network: def.RequiresDB,
		cpu:     def.CPU,
		memMB:   def.MemoryMB,
	})
	if err != nil {
		return executor.Status{Stage: job.StageError, Message: err.Error()}, nil
	}

	js.execContainerID = containerID
	js.stage = job.StageExecuting
	e.state.set(def.JobID, js)
	return executor.Status{Stage: job.StageExecuting}, nil
}

// Finalize copies matching outputs out of the workspace, writes the action
// log, and bundles it, transitioning EXECUTED -> FINALIZING -> FINALIZED.
func (e *Executor) Finalize(ctx context.Context, def *executor.Definition) (executor.Status, error) {
	js := e.state.getOrCreate(def.JobID)

	if js.stage == job.StageExecuting {
		if err := e.refreshPhase(ctx, js, js.execContainerID, job.StageExecuting, job.StageExecuted); err != nil {
			return executor.Status{Stage: job.StageError, Message: err.Error()}, nil
		}
	}
	if js.stage == job.StageFinalizing || js.stage == job.StageFinalized {
		return executor.Status{Stage: js.stage}, nil
	}
	if js.stage != job.StageExecuted {
		return executor.Status{Stage: js.stage, Message: "job not executed"}, nil
	}

	if err := e.pullImageIfNeeded(ctx, e.stagingImage); err != nil {
		return executor.Status{Stage: job.StageExecuted, Message: "staging image unavailable: " + err.Error(), Retryable: true}, nil
	}

	cmd := []string{
		"finalize", "--workspace", "/workspace", "--action", def.JobID,
		"--high-privacy-storage", highPrivacyMount,
		"--medium-privacy-storage", mediumPrivacyMount,
		"--storage-workspace", def.Workspace,
	}
	for pattern, privacy := range def.OutputSpec {
		cmd = append(cmd, "--output", pattern+"="+string(privacy))
	}

	containerID, err := e.runDetached(ctx, runSpec{
		image:         e.stagingImage,
		cmd:           cmd,
		jobID:         def.JobID,
		phase:         "finalize",
		volume:        js.volumeName,
		privacyMounts: true,
	})
	if err != nil {
		return executor.Status{Stage: job.StageError, Message: err.Error()}, nil
	}

	js.finalizeContainerID = containerID
	js.stage = job.StageFinalizing
	e.state.set(def.JobID, js)
	return executor.Status{Stage: job.StageFinalizing}, nil
}

// Terminate stops whichever container is currently active for the job
// without waiting for it to exit, per job_executor.py's terminate().
func (e *Executor) Terminate(ctx context.Context, def *executor.Definition) (executor.Status, error) {
	js := e.state.getOrCreate(def.JobID)

	active := js.execContainerID
	if active == "" {
		active = js.prepareContainerID
	}
	if active != "" {
		timeout := 5
		_ = e.client.ContainerStop(ctx, active, container.StopOptions{Timeout: &timeout})
	}
	js.stage = job.StageExecuted
	e.state.set(def.JobID, js)
	return executor.Status{Stage: job.StageExecuted, Message: "terminated"}, nil
}

// Cleanup removes every container and volume associated with the job and
// drops its in-memory state, returning it to UNKNOWN.
func (e *Executor) Cleanup(ctx context.Context, def *executor.Definition) (executor.Status, error) {
	js, ok := e.state.get(def.JobID)
	if ok {
		for _, id := range []string{js.prepareContainerID, js.execContainerID, js.finalizeContainerID} {
			e.removeContainer(ctx, id)
		}
		if js.volumeName != "" {
			_ = e.client.VolumeRemove(ctx, js.volumeName, true)
		}
	}
	e.state.delete(def.JobID)
	return executor.Status{Stage: job.StageUnknown}, nil
}

// GetStatus reports the job's current stage, refreshing it from Docker if
// the active phase's container may have exited since the last check.
func (e *Executor) GetStatus(ctx context.Context, def *executor.Definition) (executor.Status, error) {
	js, ok := e.state.get(def.JobID)
	if !ok {
		return executor.Status{Stage: job.StageUnknown}, nil
	}

	var err error
	switch js.stage {
	case job.StagePreparing:
		err = e.refreshPhase(ctx, js, js.prepareContainerID, job.StagePreparing, job.StagePrepared)
	case job.StageExecuting:
		err = e.refreshPhase(ctx, js, js.execContainerID, job.StageExecuting, job.StageExecuted)
	case job.StageFinalizing:
		err = e.refreshPhase(ctx, js, js.finalizeContainerID, job.StageFinalizing, job.StageFinalized)
		if err == nil && js.stage == job.StageFinalized && js.logBundlePath == "" {
			if path, bundleErr := e.writeLogBundle(ctx, js, def); bundleErr != nil {
				slog.Warn("log bundle write failed", "job_id", def.JobID, "error", bundleErr)
			} else {
				js.logBundlePath = path
			}
		}
	}
	if err != nil {
		return executor.Status{Stage: job.StageError, Message: err.Error()}, nil
	}
	return executor.Status{Stage: js.stage}, nil
}

// writeLogBundle gathers the execute container's stdout plus a run-metadata
// and output manifest into a temp directory and tars it to the high-privacy
// log storage area, matching the "log bundle (container stdout, metadata,
// manifest)" finalize is required to produce.
func (e *Executor) writeLogBundle(ctx context.Context, js *jobState, def *executor.Definition) (string, error) {
	if e.highPrivacyBase == "" {
		return "", nil
	}

	staging, err := os.MkdirTemp("", "jobrunner-logbundle-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	if js.execContainerID != "" {
		stdout, err := e.containerStdout(ctx, js.execContainerID)
		if err != nil {
			return "", fmt.Errorf("fetch container stdout: %w", err)
		}
		if err := os.WriteFile(filepath.Join(staging, "stdout.log"), []byte(stdout), 0o644); err != nil {
			return "", err
		}
	}

	exitCode, _ := e.exitCode(ctx, js.finalizeContainerID)
	metadata, err := json.MarshalIndent(map[string]any{
		"job_id":    def.JobID,
		"action":    def.JobID,
		"image":     def.Image,
		"exit_code": exitCode,
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

	destDir := filepath.Join(e.highPrivacyBase, "logs", time.Now().UTC().Format("2006-01"), def.JobID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, "logs.tar.gz")
	if err := executor.BundleDirectory(staging, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// GetResults reads the execute container's exit code and reports the
// OutputSpec patterns as the job's outputs, once finalize has run.
func (e *Executor) GetResults(ctx context.Context, def *executor.Definition) (executor.Results, error) {
	js, ok := e.state.get(def.JobID)
	if !ok || js.finalizeContainerID == "" {
		return executor.Results{}, nil
	}

	exitCode, _ := e.exitCode(ctx, js.execContainerID)

	outputs := make(map[string]job.Privacy, len(def.OutputSpec))
	for pattern, privacy := range def.OutputSpec {
		outputs[pattern] = privacy
	}

	return executor.Results{
		Outputs:       outputs,
		ExitCode:      exitCode,
		LogBundlePath: js.logBundlePath,
	}, nil
}

// DeleteFiles removes files from long-term storage via a one-shot staging
// container, since the Executor — not the Agent — owns the storage mount.
func (e *Executor) DeleteFiles(ctx context.Context, workspaceName string, privacy job.Privacy, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	cmd := append([]string{
		"delete-files", "--workspace", workspaceName, "--privacy", string(privacy),
		"--high-privacy-storage", highPrivacyMount, "--medium-privacy-storage", mediumPrivacyMount,
	}, paths...)
	if err := e.pullImageIfNeeded(ctx, e.stagingImage); err != nil {
		return paths, err
	}
	containerID, err := e.runDetached(ctx, runSpec{image: e.stagingImage, cmd: cmd, jobID: "delete-" + workspaceName, phase: "delete", privacyMounts: true})
	if err != nil {
		return paths, err
	}
	defer e.removeContainer(ctx, containerID)

	exitCode, err := e.waitForExit(ctx, containerID)
	if err != nil || exitCode != 0 {
		return paths, fmt.Errorf("delete-files exited %d: %w", exitCode, err)
	}
	return nil, nil
}

// DBStatus runs a one-shot probe container against the database-only
// network to check whether backend's database is in maintenance mode,
// mirroring the agent's in_maintenance_mode check: the probe's last output
// line must be "" (healthy) or "db-maintenance", and anything else —
// including a nonzero exit code — is treated as a probe failure rather than
// a status, so a compromised or broken probe container can never report an
// arbitrary string into the flag.
func (e *Executor) DBStatus(ctx context.Context, def *executor.Definition) (string, error) {
	if e.databaseStatusImage == "" {
		return "", nil
	}
	dbURL, ok := e.databaseURLs[def.Backend]
	if !ok || dbURL == "" {
		return "", nil
	}

	if err := e.pullImageIfNeeded(ctx, e.databaseStatusImage); err != nil {
		return "", fmt.Errorf("db-status probe image: %w", err)
	}

	containerID, err := e.runDetached(ctx, runSpec{
		image:   e.databaseStatusImage,
		cmd:     []string{"in_maintenance_mode"},
		env:     map[string]string{"DATABASE_URL": dbURL},
		jobID:   "dbstatus-" + def.Backend,
		phase:   "dbstatus",
		network: true,
	})
	if err != nil {
		return "", err
	}
	defer e.removeContainer(ctx, containerID)

	exitCode, err := e.waitForExit(ctx, containerID)
	if err != nil {
		return "", err
	}
	output, err := e.containerStdout(ctx, containerID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("db-status probe exited %d: %s", exitCode, output)
	}

	status := lastLine(output)
	if status != "" && status != "db-maintenance" {
		return "", fmt.Errorf("db-status probe returned unrecognized status %q", status)
	}
	return status, nil
}

// containerStdout drains an already-exited container's multiplexed log
// stream and returns its stdout text.
func (e *Executor) containerStdout(ctx context.Context, containerID string) (string, error) {
	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true})
	if err != nil {
		return "", err
	}
	defer logs.Close()

	var buf bytes.Buffer
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(logs, header); err != nil {
			break
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(logs, payload); err != nil {
			break
		}
		buf.Write(payload)
	}
	return buf.String(), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type runSpec struct {
	image         string
	cmd           []string
	env           map[string]string
	jobID         string
	phase         string
	volume        string
	network       bool
	cpu           float64
	memMB         int
	privacyMounts bool // bind-mount the high/medium privacy storage bases read-write
}

func (e *Executor) runDetached(ctx context.Context, spec runSpec) (string, error) {
	env := make([]string, 0, len(spec.env))
	for k, v := range spec.env {
		env = append(env, k+"="+v)
	}

	containerConfig := &container.Config{
		Image: spec.image,
		Cmd:   spec.cmd,
		Env:   env,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelJobID:     spec.jobID,
			labelPhase:     spec.phase,
		},
	}

	hostConfig := &container.HostConfig{
		ExtraHosts: e.extraHosts,
	}
	if spec.volume != "" {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{Type: mount.TypeVolume, Source: spec.volume, Target: "/workspace"})
	}
	if spec.privacyMounts {
		if e.highPrivacyBase != "" {
			hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{Type: mount.TypeBind, Source: e.highPrivacyBase, Target: highPrivacyMount})
		}
		if e.mediumPrivacyBase != "" {
			hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{Type: mount.TypeBind, Source: e.mediumPrivacyBase, Target: mediumPrivacyMount})
		}
	}
	if spec.cpu > 0 || spec.memMB > 0 {
		hostConfig.Resources = container.Resources{
			NanoCPUs: int64(spec.cpu * 1e9),
			Memory:   int64(spec.memMB) * 1024 * 1024,
		}
	}
	if !spec.network {
		hostConfig.NetworkMode = "none"
	} else if e.dbNetwork != "" {
		hostConfig.NetworkMode = container.NetworkMode(e.dbNetwork)
	}

	name := "jobrunner-" + spec.jobID + "-" + spec.phase
	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// refreshPhase checks whether containerID has exited and, if so, advances
// js.stage from running to exited (or to ERROR on a non-zero exit from a
// staging container, which indicates a defect rather than the job's own
// exit code — the job's own exit code is only ever consulted in
// GetResults, never treated as an Executor error).
func (e *Executor) refreshPhase(ctx context.Context, js *jobState, containerID string, running, exited job.Stage) error {
	if containerID == "" {
		return nil
	}
	inspect, err := e.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return err
	}
	if inspect.State.Running {
		js.stage = running
		return nil
	}
	js.stage = exited
	if running != job.StageExecuting && inspect.State.ExitCode != 0 {
		js.stage = job.StageError
	}
	return nil
}

func (e *Executor) exitCode(ctx context.Context, containerID string) (int, error) {
	inspect, err := e.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return -1, err
	}
	return inspect.State.ExitCode, nil
}

func (e *Executor) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

func (e *Executor) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := e.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	reader, err := e.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *Executor) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	timeout := 5
	_ = e.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	_ = e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// runMaintenance sweeps finalized jobs whose containers/volumes have sat
// around longer than the retention period.
func (e *Executor) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupExpired(ctx)
		}
	}
}

func (e *Executor) cleanupExpired(ctx context.Context) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		slog.Warn("executor/docker: maintenance list failed", "error", err)
		return
	}
	now := time.Now()
	for _, c := range containers {
		inspect, err := e.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}
		finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if err != nil {
			continue
		}
		if now.Sub(finishedAt) > e.retention {
			e.removeContainer(ctx, c.ID)
			if jobID := c.Labels[labelJobID]; jobID != "" {
				e.state.delete(jobID)
			}
		}
	}
}

// Close stops the maintenance loop and releases the Docker client.
func (e *Executor) Close() error {
	if e.cancelMaintenance != nil {
		e.cancelMaintenance()
	}
	return e.client.Close()
}
