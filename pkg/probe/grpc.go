package probe

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker probes a peer's standard gRPC health-checking protocol
// service (grpc.health.v1.Health) rather than merely dialing the TCP
// port: a peer that accepts the connection but answers NOT_SERVING
// (still replaying its Raft log, say) is distinguishable from one that
// is actually ready to take grid traffic. Used in place of TCPChecker
// when a peer's transport address also serves this well-known,
// already-compiled service (spec §9: no generated service of our own
// is required to consume it).
type GRPCChecker struct {
	// Address is the peer's gRPC-serving address (host:port).
	Address string
	// Service is the health-checked service name; empty means the
	// server's overall health per the protocol's convention.
	Service string
	// Timeout bounds both the dial and the RPC. Defaults to 2s.
	Timeout time.Duration
}

// NewGRPCChecker creates a gRPC health-protocol checker for address.
func NewGRPCChecker(address string) *GRPCChecker {
	return &GRPCChecker{Address: address, Timeout: 2 * time.Second}
}

// WithService scopes the check to a named service and returns the
// receiver for chaining.
func (g *GRPCChecker) WithService(service string) *GRPCChecker {
	g.Service = service
	return g
}

func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()
	timeout := g.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(g.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("dial %s: %v", g.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	resp, err := client.Check(dialCtx, &grpc_health_v1.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("health check %s: %v", g.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	healthy := resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
	msg := resp.GetStatus().String()
	return Result{
		Healthy:   healthy,
		Message:   msg,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
