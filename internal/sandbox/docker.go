package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	scriptName    = "user_script.py"
	scriptMount   = "/app"
	containerUser = "1000"

	// Synthetic exit status reported when the wall-clock deadline expires,
	// matching the conventional shell timeout exit code.
	timeoutExitCode = 124

	timeoutOutputNotice = "TIMEOUT ERROR: execution exceeded the deadline. Possible infinite loop detected."

	pidsLimit = 64

	// Deadline for post-run cleanup calls once the caller context is gone.
	cleanupTimeout = 10 * time.Second
)

// DockerRunner implements Runner using throwaway Docker containers.
type DockerRunner struct {
	cli      *client.Client
	image    string
	memLimit int64
	timeout  time.Duration
	runtime  string // "" = default (runc), "runsc" = gVisor
}

// Options configures a DockerRunner.
type Options struct {
	Image       string
	MemoryBytes int64
	Timeout     time.Duration
	Runtime     string
}

// NewDockerRunner creates a Docker-backed sandbox runner.
func NewDockerRunner(opts Options) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: create docker client: %v", ErrInfra, err)
	}
	slog.Info("Sandbox docker client initialized",
		"image", opts.Image,
		"memory_bytes", opts.MemoryBytes,
		"timeout", opts.Timeout,
	)
	return &DockerRunner{
		cli:      cli,
		image:    opts.Image,
		memLimit: opts.MemoryBytes,
		timeout:  opts.Timeout,
		runtime:  opts.Runtime,
	}, nil
}

// Ping verifies the Docker daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping docker daemon: %v", ErrInfra, err)
	}
	return nil
}

// ImageReady reports whether the prepared sandbox image exists locally.
func (r *DockerRunner) ImageReady(ctx context.Context) (bool, error) {
	if _, err := r.cli.ImageInspect(ctx, r.image); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: inspect image %s: %v", ErrInfra, r.image, err)
	}
	return true, nil
}

// Run executes code in a fresh container and tears it down afterwards.
func (r *DockerRunner) Run(ctx context.Context, code string) (Result, error) {
	ready, err := r.ImageReady(ctx)
	if err != nil {
		return Result{}, err
	}
	if !ready {
		return Result{}, fmt.Errorf("%w: sandbox image %q not found, build it first", ErrInfra, r.image)
	}

	scriptDir, err := os.MkdirTemp("", "autofix-run-")
	if err != nil {
		return Result{}, fmt.Errorf("%w: create script dir: %v", ErrInfra, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scriptDir); rmErr != nil {
			slog.Warn("Failed to remove script dir", "dir", scriptDir, "error", rmErr)
		}
	}()

	if err := os.WriteFile(filepath.Join(scriptDir, scriptName), []byte(code), 0o644); err != nil {
		return Result{}, fmt.Errorf("%w: write script: %v", ErrInfra, err)
	}

	cfg := &container.Config{
		Image: r.image,
		Cmd:   []string{"python", scriptMount + "/" + scriptName},
		User:  containerUser,
	}
	hostCfg := &container.HostConfig{
		Runtime:     r.runtime,
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   scriptDir,
			Target:   scriptMount,
			ReadOnly: true,
		}},
		Resources: container.Resources{
			Memory:    r.memLimit,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("%w: create sandbox container: %v", ErrInfra, err)
	}
	defer r.remove(resp.ID)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("%w: start sandbox container %s: %v", ErrInfra, resp.ID, err)
	}

	waitCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()

	select {
	case status := <-waitCh:
		output, logErr := r.collectOutput(ctx, resp.ID)
		if logErr != nil {
			slog.Warn("Failed to collect sandbox output", "container_id", resp.ID, "error", logErr)
		}
		return Result{Output: output, ExitCode: int(status.StatusCode)}, nil

	case err := <-errCh:
		if ctx.Err() != nil {
			r.kill(resp.ID)
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: wait for sandbox container %s: %v", ErrInfra, resp.ID, err)

	case <-ctx.Done():
		// Caller abandoned the session: terminate the same way a timeout would.
		r.kill(resp.ID)
		return Result{}, ctx.Err()

	case <-deadline.C:
		r.kill(resp.ID)
		output, logErr := r.collectOutput(ctx, resp.ID)
		if logErr != nil {
			slog.Warn("Failed to collect output after timeout", "container_id", resp.ID, "error", logErr)
		}
		if output != "" {
			output += "\n"
		}
		output += timeoutOutputNotice
		slog.Info("Sandbox execution timed out", "container_id", resp.ID, "timeout", r.timeout)
		return Result{Output: output, ExitCode: timeoutExitCode, TimedOut: true}, nil
	}
}

// collectOutput reads the container's merged stdout+stderr. The log stream
// is multiplexed because the container runs without a TTY; both halves are
// demuxed into a single buffer to preserve the merged-output contract.
func (r *DockerRunner) collectOutput(ctx context.Context, containerID string) (string, error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
	}

	logs, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("container logs %s: %w", containerID, err)
	}
	defer func() {
		if closeErr := logs.Close(); closeErr != nil {
			slog.Debug("Failed to close log stream", "container_id", containerID, "error", closeErr)
		}
	}()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return buf.String(), fmt.Errorf("demux container logs %s: %w", containerID, err)
	}
	return buf.String(), nil
}

// kill forcibly terminates a container. Used for deadline expiry and
// caller cancellation; already-gone containers are not an error.
func (r *DockerRunner) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := r.cli.ContainerKill(ctx, containerID, "KILL"); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("Failed to kill sandbox container", "container_id", containerID, "error", err)
	}
}

// remove deletes a container after a run. Uses a background context so
// cleanup still happens when the caller's context is already canceled.
func (r *DockerRunner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return
		}
		slog.Warn("Failed to remove sandbox container", "container_id", containerID, "error", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
