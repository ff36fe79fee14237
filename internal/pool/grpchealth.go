// Health-checking an executor over gRPC, as an alternative to the
// Docker-inspect based check in docker.go for executors that expose a
// sidecar health endpoint (e.g. a Kubernetes-backed executor reached over
// the network rather than a local Docker daemon).
//
// Grounded on the teacher's escrow.JuryGRPCClient — the same
// grpc.NewClient + credentials/insecure dial pattern — narrowed from a
// full jury-evaluation RPC client to the standard gRPC health-checking
// protocol's client stub.
package pool

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthChecker calls an executor's standard gRPC health service to
// decide whether a leased executor is still usable.
type GRPCHealthChecker struct {
	conn    *grpc.ClientConn
	client  grpc_health_v1.HealthClient
	service string
}

// NewGRPCHealthChecker dials addr and prepares a health checker for the
// named service (empty string checks the server's overall status).
func NewGRPCHealthChecker(addr, service string) (*GRPCHealthChecker, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial health endpoint %s: %w", addr, err)
	}
	return &GRPCHealthChecker{
		conn:    conn,
		client:  grpc_health_v1.NewHealthClient(conn),
		service: service,
	}, nil
}

// Check reports whether the executor's health endpoint currently reports
// SERVING. Any RPC error is treated as unhealthy rather than propagated,
// matching the Executor.Healthy contract used by Pool.Acquire.
func (c *GRPCHealthChecker) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.client.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{Service: c.service})
	if err != nil {
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

// Close releases the underlying gRPC connection.
func (c *GRPCHealthChecker) Close() error {
	return c.conn.Close()
}
