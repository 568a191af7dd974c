// Package container provides Docker container management for remote desktops.
package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	stopTimeoutSecs = 10

	// Resource limits. Browsers inside the desktop need a large /dev/shm.
	memoryLimitBytes = 2 * 1024 * 1024 * 1024 // 2GB
	shmSizeBytes     = 1024 * 1024 * 1024     // 1GB
	pidsLimit        = 1024

	// Restart grace period for stopped containers.
	restartGracePeriod = 60 * time.Minute

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// DesktopSpec describes the desktop container to provision.
type DesktopSpec struct {
	Name    string
	Image   string
	VNCPort int
	APIPort int
	Env     map[string]string
}

// ExecResult is the captured result of a command run inside a container.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Manager defines the interface for managing desktop containers.
type Manager interface {
	// EnsureDesktop ensures the desktop container exists and is running.
	EnsureDesktop(ctx context.Context, spec DesktopSpec, lastSeenAt time.Time) (string, error)

	// StopContainer stops and removes a container.
	StopContainer(ctx context.Context, containerID string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// Exec runs a command to completion inside a running container.
	Exec(ctx context.Context, containerID string, cmd []string, env []string) (ExecResult, error)
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli *client.Client
}

// NewDockerManager creates a new Docker-backed container manager.
func NewDockerManager() (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "host", cli.DaemonHost())
	return &DockerManager{cli: cli}, nil
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// EnsureDesktop ensures the desktop container exists and is running.
func (m *DockerManager) EnsureDesktop(ctx context.Context, spec DesktopSpec, lastSeenAt time.Time) (string, error) {
	inspect, err := m.cli.ContainerInspect(ctx, spec.Name)
	if err == nil {
		if inspect.State.Running {
			slog.Info("Desktop already running", "container_id", inspect.ID, "desktop", spec.Name)
			return inspect.ID, nil
		}

		if lastSeenAt.IsZero() || time.Since(lastSeenAt) < restartGracePeriod {
			slog.Info("Restarting stopped desktop", "container_id", inspect.ID, "desktop", spec.Name)
			startErr := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{})
			if startErr == nil {
				return inspect.ID, nil
			}
			slog.Warn("Failed to restart desktop, recreating", "container_id", inspect.ID, "error", startErr)
		} else {
			slog.Info("Desktop expired, recreating", "container_id", inspect.ID, "desktop", spec.Name)
		}

		if err := m.StopContainer(ctx, inspect.ID); err != nil {
			slog.Warn("Failed to stop desktop before recreation", "error", err, "container_id", inspect.ID)
		}
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect desktop %s: %w", spec.Name, err)
	}

	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	slog.Info("Creating desktop container", "desktop", spec.Name, "image", spec.Image)

	config, hostConfig, err := desktopConfig(spec)
	if err != nil {
		return "", err
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A delayed cleanup can leave the old named container briefly.
		slog.Warn("Container name conflict during create, retrying",
			"desktop", spec.Name,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := m.cli.ContainerInspect(ctx, spec.Name); inspectErr == nil {
			if stopErr := m.StopContainer(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Desktop created and started", "container_id", resp.ID, "desktop", spec.Name)
	return resp.ID, nil
}

// desktopConfig builds the container configuration with VNC and API port bindings.
func desktopConfig(spec DesktopSpec) (*container.Config, *container.HostConfig, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range []int{spec.VNCPort, spec.APIPort} {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return nil, nil, fmt.Errorf("desktop port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: port.Port()}}
	}

	envVars := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          envVars,
		ExposedPorts: exposed,
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		ShmSize:      shmSizeBytes,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	return config, hostConfig, nil
}

// ensureImage pulls the image when it is not present locally.
func (m *DockerManager) ensureImage(ctx context.Context, ref string) error {
	_, err := m.cli.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	slog.Info("Pulling desktop image", "image", ref)
	rc, err := m.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is consumed.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", ref, err)
	}
	slog.Info("Desktop image pulled", "image", ref)
	return nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopContainer(ctx context.Context, containerID string) error {
	slog.Info("Stopping container", "container_id", containerID)

	_, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	// Force to ensure it's removed even if stop failed.
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// IsRunning checks if a container is currently running.
func (m *DockerManager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// Exec runs a command to completion inside a running container and
// returns its demultiplexed output and exit code.
func (m *DockerManager) Exec(ctx context.Context, containerID string, cmd []string, env []string) (ExecResult, error) {
	execConfig := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Env:          env,
	}

	resp, err := m.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("read exec %s output: %w", resp.ID, err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	return ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func ptr[T any](v T) *T {
	return &v
}
