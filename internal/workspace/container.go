package workspace

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerWorkspace is an alternative provisioning mode: the workspace
// directory is bind-mounted into a long-lived container instead of being
// touched directly on the host, for callers that want tool execution
// sandboxed. The Workspace's Dir still points at the host path — step
// bodies that only read/write files are unaffected — but Exec runs
// commands inside the container.
type ContainerWorkspace struct {
	Workspace
	client      *client.Client
	containerID string
}

// NewContainerWorkspace creates and starts a container bind-mounting dir
// at /workspace, for the lifetime of the returned handle.
func NewContainerWorkspace(ctx context.Context, id int64, dir, image, networkMode string, memoryMB int64, env map[string]string) (*ContainerWorkspace, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("workspace: docker client: %w", err)
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Env:        envList,
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: memoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(networkMode),
		Binds:       []string{dir + ":/workspace"},
		AutoRemove:  false,
	}, nil, nil, "")
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("workspace: create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("workspace: start container: %w", err)
	}

	return &ContainerWorkspace{
		Workspace:   Workspace{ID: id, Dir: dir, Env: env},
		client:      cli,
		containerID: resp.ID,
	}, nil
}

// Exec runs cmd inside the container's shell and returns its combined
// output and exit code.
func (c *ContainerWorkspace) Exec(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error) {
	execResp, err := c.client.ContainerExecCreate(ctx, c.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", -1, fmt.Errorf("workspace: exec create: %w", err)
	}
	attach, err := c.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", -1, fmt.Errorf("workspace: exec attach: %w", err)
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader); err != nil {
		return "", "", -1, fmt.Errorf("workspace: read exec output: %w", err)
	}

	inspect, err := c.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("workspace: exec inspect: %w", err)
	}
	return stdoutBuf.String(), stderrBuf.String(), inspect.ExitCode, nil
}

// Close stops and removes the backing container.
func (c *ContainerWorkspace) Close(ctx context.Context) error {
	_ = c.client.ContainerKill(ctx, c.containerID, "SIGKILL")
	if err := c.client.ContainerRemove(ctx, c.containerID, container.RemoveOptions{Force: true}); err != nil {
		_ = c.client.Close()
		return fmt.Errorf("workspace: remove container: %w", err)
	}
	return c.client.Close()
}
