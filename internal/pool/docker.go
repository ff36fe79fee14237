package pool

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// DockerFactory builds sandboxed Executors by provisioning a gVisor-runtime
// Docker container per executor and attaching an exec stream to it, the
// same lifecycle as the teacher's ghostpool.DockerBackend, adapted here
// into the pool's Factory shape and narrowed to the one sandbox image the
// dispatcher always runs.
//
// The hijacked exec connection IS the full-duplex socket the session
// protocol speaks NDJSON over: Docker's ContainerExecAttach hands back a
// net.Conn-shaped stream, so no extra transport is needed between the
// dispatcher and the sandboxed process.
type DockerFactory struct {
	image      string
	runtime    string // "runsc" for gVisor, "" for the default runtime
	entrypoint []string
}

// NewDockerFactory builds a DockerFactory. runtime should be "runsc" in
// production; leaving it empty runs the sandbox image under the host's
// default container runtime, useful for local development without gVisor
// installed.
func NewDockerFactory(image, runtime string, entrypoint []string) *DockerFactory {
	return &DockerFactory{image: image, runtime: runtime, entrypoint: entrypoint}
}

// Build returns a Factory bound to this configuration, ready to hand to
// pool.New.
func (f *DockerFactory) Build() Factory {
	return func(ctx context.Context) (Executor, error) {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}

		hostConfig := &container.HostConfig{
			NetworkMode:    "none",
			ReadonlyRootfs: true,
			Resources: container.Resources{
				NanoCPUs: 1_000_000_000,
				Memory:   512 * 1024 * 1024,
			},
			Tmpfs: map[string]string{
				"/tmp": "rw,noexec,nosuid,size=64m",
			},
		}
		if f.runtime != "" {
			hostConfig.Runtime = f.runtime
		}

		resp, err := cli.ContainerCreate(ctx, &container.Config{
			Image: f.image,
			Tty:   false,
			Cmd:   []string{"sleep", "infinity"},
		}, hostConfig, nil, nil, "")
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("create sandbox container: %w", err)
		}

		if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
			cli.Close()
			return nil, fmt.Errorf("start sandbox container: %w", err)
		}

		execID, err := cli.ContainerExecCreate(ctx, resp.ID, types.ExecConfig{
			User:         "sandboxuser",
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Cmd:          f.entrypoint,
		})
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("exec create: %w", err)
		}

		hijacked, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("exec attach: %w", err)
		}

		return &dockerExecutor{
			id:          fmt.Sprintf("sandbox-%s", uuid.New().String()[:8]),
			client:      cli,
			containerID: resp.ID,
			conn: &hijackedConn{
				hijacked: hijacked,
				reader:   bufio.NewReader(hijacked.Reader),
			},
		}, nil
	}
}

// dockerExecutor is one gVisor-sandboxed container leased out by the pool.
type dockerExecutor struct {
	id          string
	client      *client.Client
	containerID string
	conn        *hijackedConn
}

func (e *dockerExecutor) ID() string       { return e.id }
func (e *dockerExecutor) Conn() SessionConn { return e.conn }

func (e *dockerExecutor) Healthy(ctx context.Context) bool {
	info, err := e.client.ContainerInspect(ctx, e.containerID)
	if err != nil {
		return false
	}
	return info.State != nil && info.State.Running
}

func (e *dockerExecutor) Close() error {
	defer e.client.Close()
	e.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	timeout := 5
	_ = e.client.ContainerStop(ctx, e.containerID, container.StopOptions{Timeout: &timeout})
	return e.client.ContainerRemove(ctx, e.containerID, types.ContainerRemoveOptions{Force: true})
}

// hijackedConn adapts Docker's HijackedResponse into the newline-framed
// SessionConn the session protocol expects.
type hijackedConn struct {
	hijacked types.HijackedResponse
	reader   *bufio.Reader
}

func (c *hijackedConn) ReadLine(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := c.reader.ReadBytes('\n')
		done <- result{line: line, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("read sandbox stream: %w", r.err)
		}
		return r.line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *hijackedConn) WriteLine(ctx context.Context, line []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.hijacked.Conn.Write(append(line, '\n'))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write sandbox stream: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *hijackedConn) CloseWrite() error {
	return c.hijacked.CloseWrite()
}

func (c *hijackedConn) Close() error {
	c.hijacked.Close()
	return nil
}
