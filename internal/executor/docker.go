package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"coordinator/internal/job"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// Container and volume labels
const (
	labelManagedBy = "managed-by"
	labelJobID     = "job.id"
	labelWorkerID  = "worker.id"
	managedBy      = "coordinator-worker"
)

// Docker runs jobs directly on the host Docker daemon.
type Docker struct {
	client *client.Client
	http   *http.Client
	cfg    Config
	runs   *runs
	logger *slog.Logger
}

// NewDocker connects to the Docker daemon from the environment and removes
// containers left behind by a previous process with the same worker id.
// Those jobs have already been requeued by the coordinators.
func NewDocker(ctx context.Context, cfg Config) (*Docker, error) {
	cfg = cfg.withDefaults()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	d := &Docker{
		client: dockerClient,
		http:   &http.Client{Timeout: cfg.DownloadTimeout},
		cfg:    cfg,
		runs:   newRuns(),
		logger: slog.With("component", "executor", "workerId", cfg.WorkerID),
	}

	if err := d.reconcile(ctx); err != nil {
		d.logger.Warn("Failed to reclaim orphaned containers", "error", err)
	}
	return d, nil
}

// reconcile removes containers and volumes labelled with this worker id.
func (d *Docker) reconcile(ctx context.Context) error {
	args := d.ownedFilter()

	containers, err := d.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		d.removeContainer(ctx, c.ID)
		d.logger.Info("Removed orphaned container", "jobId", c.Labels[labelJobID], "container", c.ID)
	}

	vols, err := d.client.VolumeList(ctx, volume.ListOptions{Filters: args})
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, v := range vols.Volumes {
		_ = d.client.VolumeRemove(ctx, v.Name, true)
	}
	return nil
}

func (d *Docker) ownedFilter() filters.Args {
	return filters.NewArgs(
		filters.Arg("label", labelManagedBy+"="+managedBy),
		filters.Arg("label", labelWorkerID+"="+d.cfg.WorkerID),
	)
}

// Run executes def in a fresh container with its own workspace volume.
func (d *Docker) Run(ctx context.Context, jobID string, def job.Definition, logs LogFunc) (Outcome, error) {
	def.ApplyDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, err := d.runs.reserve(jobID, cancel); err != nil {
		return Outcome{}, err
	}
	defer d.runs.release(jobID)

	execCtx, cancelExec := context.WithTimeout(runCtx, time.Duration(def.TimeoutSeconds)*time.Second)
	defer cancelExec()

	logger := d.logger.With("jobId", jobID, "image", def.Image)
	start := time.Now()

	// Cleanup must outlive the run's context.
	cleanupCtx := context.WithoutCancel(ctx)

	if err := d.pullImageIfNeeded(execCtx, def.Image); err != nil {
		return d.interrupted(ctx, execCtx, jobID, start, nil, fmt.Errorf("failed to pull image: %w", err))
	}

	volumeName := fmt.Sprintf("job-%s-%d-workspace", shortID(jobID), start.UnixNano())
	if _, err := d.client.VolumeCreate(execCtx, volume.CreateOptions{Name: volumeName, Labels: d.labels(jobID)}); err != nil {
		return d.interrupted(ctx, execCtx, jobID, start, nil, fmt.Errorf("failed to create volume: %w", err))
	}
	defer func() { _ = d.client.VolumeRemove(cleanupCtx, volumeName, true) }()

	cfg, hostCfg := d.containerSpec(jobID, def, volumeName)
	created, err := d.client.ContainerCreate(execCtx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return d.interrupted(ctx, execCtx, jobID, start, nil, fmt.Errorf("failed to create container: %w", err))
	}
	defer d.removeContainer(cleanupCtx, created.ID)

	if len(def.Inputs) > 0 {
		archive, err := stageInputs(execCtx, d.http, def.Inputs)
		if err != nil {
			return d.interrupted(ctx, execCtx, jobID, start, nil, fmt.Errorf("failed to stage inputs: %w", err))
		}
		if err := d.client.CopyToContainer(execCtx, created.ID, def.Workspace, archive, container.CopyToContainerOptions{}); err != nil {
			return d.interrupted(ctx, execCtx, jobID, start, nil, fmt.Errorf("failed to copy inputs: %w", err))
		}
	}

	if err := d.client.ContainerStart(execCtx, created.ID, container.StartOptions{}); err != nil {
		return d.interrupted(ctx, execCtx, jobID, start, nil, fmt.Errorf("failed to start container: %w", err))
	}
	logger.Info("Container started", "container", created.ID)

	output := newTail(d.cfg.LogTail)
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		d.streamLogs(execCtx, logger, created.ID, output, logs)
	}()

	exitCode, waitErr := d.waitForExit(execCtx, created.ID)
	if waitErr != nil && execCtx.Err() != nil {
		stopCtx, cancelStop := context.WithTimeout(cleanupCtx, d.cfg.StopTimeout)
		_ = d.client.ContainerKill(stopCtx, created.ID, "SIGKILL")
		cancelStop()
		<-logsDone
		return d.interrupted(ctx, execCtx, jobID, start, output, waitErr)
	}

	select {
	case <-logsDone:
	case <-time.After(2 * time.Second):
		logger.Debug("Log stream still open after exit")
	}

	if waitErr != nil {
		return Outcome{}, fmt.Errorf("failed to wait for container: %w", waitErr)
	}

	out := Outcome{
		ExitCode: exitCode,
		Killed:   d.runs.wasKilled(jobID),
		Duration: time.Since(start),
		Logs:     output.snapshot(),
	}
	logger.Info("Container exited", "exitCode", exitCode, "duration", out.Duration)
	return out, nil
}

// interrupted builds the result of a run that stopped before the container
// exited on its own. A parent cancellation is an error; a timeout or Kill
// is an outcome.
func (d *Docker) interrupted(ctx, execCtx context.Context, jobID string, start time.Time, output *tail, cause error) (Outcome, error) {
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	out := Outcome{ExitCode: -1, Duration: time.Since(start)}
	if output != nil {
		out.Logs = output.snapshot()
	}
	switch {
	case d.runs.wasKilled(jobID):
		out.Killed = true
		return out, nil
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		return out, nil
	}
	return Outcome{}, cause
}

// Kill stops a running job.
func (d *Docker) Kill(_ context.Context, jobID string) error {
	cancel, ok := d.runs.markKilled(jobID)
	if !ok {
		return fmt.Errorf("job %s is not running", jobID)
	}
	cancel()
	return nil
}

// Ready checks the Docker daemon responds.
func (d *Docker) Ready(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close kills running jobs, waits for them to be cleaned up, and closes
// the client.
func (d *Docker) Close(ctx context.Context) error {
	for _, id := range d.runs.ids() {
		_ = d.Kill(ctx, id)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for d.runs.count() > 0 {
		select {
		case <-ctx.Done():
			d.logger.Warn("Executor close timed out", "running", d.runs.count())
			return errors.Join(ctx.Err(), d.client.Close())
		case <-ticker.C:
		}
	}
	return d.client.Close()
}

func (d *Docker) labels(jobID string) map[string]string {
	return map[string]string{
		labelJobID:     jobID,
		labelWorkerID:  d.cfg.WorkerID,
		labelManagedBy: managedBy,
	}
}

// containerSpec builds the container and host configuration for a job.
func (d *Docker) containerSpec(jobID string, def job.Definition, volumeName string) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(def.Env)+1)
	for k, v := range def.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, "JOB_ID="+jobID)

	var cmd []string
	if def.Command != "" {
		cmd = []string{"/bin/sh", "-c", def.Command}
	}

	cfg := &container.Config{
		Image:      def.Image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: def.Workspace,
		Labels:     d.labels(jobID),
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: def.Workspace,
		}},
		Resources: container.Resources{
			NanoCPUs: int64(def.CPU * 1e9),
			Memory:   int64(def.Memory) * 1024 * 1024,
		},
		ExtraHosts: d.cfg.ExtraHosts,
	}
	if def.GPU > 0 {
		hostCfg.DeviceRequests = []container.DeviceRequest{{
			Count:        def.GPU,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return cfg, hostCfg
}

func (d *Docker) streamLogs(ctx context.Context, logger *slog.Logger, containerID string, output *tail, fn LogFunc) {
	logs, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	err = readFrames(logs, func(stream string, payload []byte) {
		lines := splitLines(string(payload))
		if len(lines) == 0 {
			return
		}
		output.add(lines)
		if fn != nil {
			fn(stream, lines)
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Debug("Log stream ended", "error", err)
	}
}

func (d *Docker) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (d *Docker) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := d.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *Docker) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	timeout := int(d.cfg.StopTimeout / time.Second)
	_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func shortID(jobID string) string {
	if len(jobID) > 12 {
		return jobID[:12]
	}
	return jobID
}

var _ Executor = (*Docker)(nil)
