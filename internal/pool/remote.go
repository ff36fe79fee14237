// A remote-host executor factory, for sandboxes that run on a different
// host than the dispatcher (a Kubernetes pod, a remote Docker daemon) and
// so can't be health-checked with a local ContainerInspect call the way
// docker.go's dockerExecutor is. Healthy instead asks the executor's own
// gRPC health endpoint.
//
// Grounded on the teacher's ghostpool.PoolBackend abstraction, which names
// "remote Docker, or Kubernetes" as the production backends beside the
// local Docker default — this is that abstraction's connection-layer
// counterpart, narrowed to what the session protocol actually needs: a
// dialed net.Conn plus a health probe, not a full container lifecycle API.
package pool

import (
	"bufio"
	"context"
	"fmt"
	"net"
)

// RemoteExecutor is an Executor reached over a plain TCP connection to a
// pre-provisioned sandbox (e.g. a Kubernetes pod's exposed session port),
// health-checked via a sidecar gRPC health endpoint rather than a local
// container inspect.
type RemoteExecutor struct {
	id     string
	conn   *tcpSessionConn
	health *GRPCHealthChecker
}

// RemoteConfig configures a remote executor connection.
type RemoteConfig struct {
	ID          string
	SessionAddr string // host:port the session protocol connects to
	HealthAddr  string // host:port of the gRPC health service
}

// NewRemoteFactory builds a Factory that dials a pre-provisioned remote
// sandbox's session port and health endpoint. Unlike DockerFactory, it
// does not create the sandbox itself — provisioning is assumed to be
// handled by an external orchestrator (e.g. a Kubernetes controller);
// next reports the connection details for the sandbox to use next.
func NewRemoteFactory(next func(ctx context.Context) (RemoteConfig, error)) Factory {
	return func(ctx context.Context) (Executor, error) {
		cfg, err := next(ctx)
		if err != nil {
			return nil, fmt.Errorf("provision remote sandbox: %w", err)
		}

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.SessionAddr)
		if err != nil {
			return nil, fmt.Errorf("dial remote sandbox session %s: %w", cfg.SessionAddr, err)
		}

		health, err := NewGRPCHealthChecker(cfg.HealthAddr, "")
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("dial remote sandbox health %s: %w", cfg.HealthAddr, err)
		}

		return &RemoteExecutor{
			id:     cfg.ID,
			conn:   newTCPSessionConn(conn),
			health: health,
		}, nil
	}
}

// ID satisfies Executor.
func (r *RemoteExecutor) ID() string { return r.id }

// Conn satisfies Executor.
func (r *RemoteExecutor) Conn() SessionConn { return r.conn }

// Healthy satisfies Executor by delegating to the gRPC health endpoint.
func (r *RemoteExecutor) Healthy(ctx context.Context) bool {
	return r.health.Check(ctx)
}

// Close tears down both connections.
func (r *RemoteExecutor) Close() error {
	healthErr := r.health.Close()
	connErr := r.conn.Close()
	if connErr != nil {
		return connErr
	}
	return healthErr
}

// tcpSessionConn adapts a net.Conn to the SessionConn interface with the
// same newline-framed read/write discipline as hijackedConn in docker.go.
type tcpSessionConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPSessionConn(conn net.Conn) *tcpSessionConn {
	return &tcpSessionConn{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *tcpSessionConn) ReadLine(ctx context.Context) ([]byte, error) {
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
	case res := <-done:
		return res.line, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *tcpSessionConn) WriteLine(ctx context.Context, line []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.conn.Write(append(line, '\n'))
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *tcpSessionConn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *tcpSessionConn) Close() error {
	return c.conn.Close()
}
