package probe

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes a peer by dialing its transport address.
type TCPChecker struct {
	// Address is the peer's transport address (host:port).
	Address string
	// Timeout bounds the dial. Defaults to 2s.
	Timeout time.Duration
}

// NewTCPChecker creates a TCP reachability checker for address.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 2 * time.Second,
	}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("dial %s: %v", t.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("connected to %s", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// WithTimeout sets the dial timeout and returns the receiver for chaining.
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}
