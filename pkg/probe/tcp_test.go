package probe

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPCheckerReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().String())
	result := checker.Check(context.Background())
	if !result.Healthy {
		t.Fatalf("expected healthy result, got %+v", result)
	}
}

func TestTCPCheckerUnreachable(t *testing.T) {
	checker := NewTCPChecker("127.0.0.1:1").WithTimeout(200 * time.Millisecond)
	result := checker.Check(context.Background())
	if result.Healthy {
		t.Fatal("expected unhealthy result for closed port")
	}
}

func TestStatusUpdateRequiresRetryBudget(t *testing.T) {
	cfg := Config{Retries: 3}
	status := NewStatus()

	for i := 0; i < 2; i++ {
		status.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
		if !status.Reachable {
			t.Fatalf("status flipped unreachable after %d failures, want 3", i+1)
		}
	}

	status.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	if status.Reachable {
		t.Fatal("expected status to flip unreachable after retry budget exhausted")
	}

	status.Update(Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	if !status.Reachable {
		t.Fatal("expected single success to restore reachability")
	}
}
