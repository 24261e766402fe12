package agent

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerExecutor runs a task's payload as the stdin of an ephemeral,
// network-isolated, memory-capped container, returning its stdout as the
// result. One container per invocation; AutoRemove cleans it up.
type DockerExecutor struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
}

// NewDockerExecutor connects to the local Docker engine. image defaults to
// "gridcore/worker:latest" and memoryMB defaults to 512 when unset.
func NewDockerExecutor(image string, memoryMB int64, networkMode string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("agent: docker client: %w", err)
	}
	if image == "" {
		image = "gridcore/worker:latest"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerExecutor{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
	}, nil
}

// Execute streams input to the container's stdin and returns its combined
// stdout as the task result. Non-zero exit codes are reported as errors
// carrying stderr for diagnostics.
func (e *DockerExecutor) Execute(ctx context.Context, input []byte) ([]byte, error) {
	resp, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:       e.image,
		Cmd:         []string{"sh", "-c", "cat"},
		OpenStdin:   true,
		StdinOnce:   true,
		AttachStdin: true,
		Tty:         false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: e.memoryBytes},
		NetworkMode: container.NetworkMode(e.networkMode),
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("agent: docker create: %w", err)
	}
	containerID := resp.ID

	hijacked, err := e.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: docker attach: %w", err)
	}
	defer hijacked.Close()

	if err := e.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("agent: docker start: %w", err)
	}

	if _, err := hijacked.Conn.Write(input); err != nil {
		return nil, fmt.Errorf("agent: docker write stdin: %w", err)
	}
	_ = hijacked.CloseWrite()

	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("agent: docker wait: %w", err)
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		_ = e.client.ContainerKill(ctx, containerID, "SIGKILL")
		return nil, ctx.Err()
	}

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, hijacked.Reader)
	if exitCode != 0 {
		return nil, fmt.Errorf("agent: worker exited %d: %s", exitCode, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Close releases the underlying Docker client.
func (e *DockerExecutor) Close() error { return e.client.Close() }
