// Package dockerclient wraps github.com/fsouza/go-dockerclient with the
// narrow daemon capability set the core depends on:
// {pull_image, run_container, exec_in_container, stop_container, inspect}.
package dockerclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	docker "github.com/fsouza/go-dockerclient"
)

// Client is the daemon capability the rest of dbforge depends on. A fake
// implementation backs unit tests that don't need a real daemon.
type Client interface {
	PullImage(ctx context.Context, image string) error
	RunContainer(ctx context.Context, opts RunOptions) (containerID string, err error)
	ExecInContainer(ctx context.Context, containerID string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error
	StopContainer(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (Info, error)
	Ping(ctx context.Context) error
}

// RunOptions describes a host container to start.
type RunOptions struct {
	Image       string
	Env         []string
	ExposedPort string // e.g. "3306/tcp"
	MemoryMB    int64
}

// Info is the subset of container inspection state the pool needs.
type Info struct {
	ID      string
	Running bool
	HostIP  string
	Port    string
}

type client struct {
	docker *docker.Client
	log    *slog.Logger
}

// New dials the daemon over the given unix socket endpoint (e.g.
// "unix:///var/run/docker.sock").
func New(endpoint string, logger *slog.Logger) (Client, error) {
	c, err := docker.NewClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("dockerclient: connect %s: %w", endpoint, err)
	}
	return &client{docker: c, log: logger}, nil
}

func (c *client) PullImage(ctx context.Context, image string) error {
	err := c.docker.PullImage(docker.PullImageOptions{
		Repository: image,
		Context:    ctx,
	}, docker.AuthConfiguration{})
	if err != nil {
		return fmt.Errorf("dockerclient: pull %s: %w", image, err)
	}
	return nil
}

func (c *client) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	portBindings := map[docker.Port][]docker.PortBinding{}
	exposedPorts := map[docker.Port]struct{}{}
	if opts.ExposedPort != "" {
		p := docker.Port(opts.ExposedPort)
		exposedPorts[p] = struct{}{}
		portBindings[p] = []docker.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}
	}

	container, err := c.docker.CreateContainer(docker.CreateContainerOptions{
		Context: ctx,
		Config: &docker.Config{
			Image:        opts.Image,
			Env:          opts.Env,
			ExposedPorts: exposedPorts,
		},
		HostConfig: &docker.HostConfig{
			PortBindings: portBindings,
			Memory:       opts.MemoryMB * 1024 * 1024,
			AutoRemove:   false,
		},
	})
	if err != nil {
		return "", fmt.Errorf("dockerclient: create container from %s: %w", opts.Image, err)
	}

	if err := c.docker.StartContainerWithContext(container.ID, nil, ctx); err != nil {
		return "", fmt.Errorf("dockerclient: start container %s: %w", container.ID, err)
	}
	return container.ID, nil
}

// ExecInContainer runs argv inside containerID, streaming stdin in and
// stdout/stderr out. It returns an error wrapping the non-zero exit code if
// the process exited unsuccessfully.
func (c *client) ExecInContainer(ctx context.Context, containerID string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	exec, err := c.docker.CreateExec(docker.CreateExecOptions{
		Context:      ctx,
		Container:    containerID,
		Cmd:          argv,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("dockerclient: create exec in %s: %w", containerID, err)
	}

	err = c.docker.StartExec(exec.ID, docker.StartExecOptions{
		Context:      ctx,
		InputStream:  stdin,
		OutputStream: stdout,
		ErrorStream:  stderr,
	})
	if err != nil {
		return fmt.Errorf("dockerclient: start exec in %s: %w", containerID, err)
	}

	inspect, err := c.docker.InspectExec(exec.ID)
	if err != nil {
		return fmt.Errorf("dockerclient: inspect exec in %s: %w", containerID, err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("dockerclient: exec in %s exited %d", containerID, inspect.ExitCode)
	}
	return nil
}

func (c *client) StopContainer(ctx context.Context, containerID string) error {
	if err := c.docker.StopContainerWithContext(containerID, 10, ctx); err != nil {
		if _, ok := err.(*docker.NoSuchContainer); ok {
			return nil
		}
		return fmt.Errorf("dockerclient: stop %s: %w", containerID, err)
	}
	if err := c.docker.RemoveContainer(docker.RemoveContainerOptions{
		ID:      containerID,
		Force:   true,
		Context: ctx,
	}); err != nil {
		if _, ok := err.(*docker.NoSuchContainer); ok {
			return nil
		}
		return fmt.Errorf("dockerclient: remove %s: %w", containerID, err)
	}
	return nil
}

func (c *client) Inspect(ctx context.Context, containerID string) (Info, error) {
	container, err := c.docker.InspectContainerWithContext(containerID, ctx)
	if err != nil {
		return Info{}, fmt.Errorf("dockerclient: inspect %s: %w", containerID, err)
	}

	info := Info{ID: container.ID, Running: container.State.Running}
	for port, bindings := range container.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		info.Port = port.Port()
		info.HostIP = bindings[0].HostIP
		break
	}
	return info, nil
}

// Ping checks that the daemon is reachable, for the /health endpoint.
func (c *client) Ping(ctx context.Context) error {
	if err := c.docker.PingWithContext(ctx); err != nil {
		return fmt.Errorf("dockerclient: ping: %w", err)
	}
	return nil
}

// TryConnect polls Inspect until the container reports Running, or ctx is
// done. Used after RunContainer while the engine finishes its own startup.
func TryConnect(ctx context.Context, c Client, containerID string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := c.Inspect(ctx, containerID)
		if err == nil && info.Running {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dockerclient: container %s did not become ready: %w", containerID, ctx.Err())
		case <-ticker.C:
		}
	}
}
