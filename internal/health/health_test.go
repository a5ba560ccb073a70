package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestCheckReportsDegradedComponent(t *testing.T) {
	t.Parallel()
	var failing atomic.Bool
	c := NewChecker(map[string]Pinger{
		"store": PingFunc(func(context.Context) error { return nil }),
		"redis": PingFunc(func(context.Context) error {
			if failing.Load() {
				return errors.New("connection refused")
			}
			return nil
		}),
	}, nil)

	if r := c.Check(context.Background()); r.Status != "ok" {
		t.Fatalf("status = %s, want ok", r.Status)
	}

	failing.Store(true)
	r := c.Check(context.Background())
	if r.Status != "degraded" || r.Components["redis"] != "connection refused" || r.Components["store"] != "ok" {
		t.Errorf("report = %+v", r)
	}
	if c.Last().Status != "degraded" {
		t.Error("Last() should return the latest report")
	}

	resp, err := c.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("grpc status = %v", resp.GetStatus())
	}
}

func TestServeAnswersHealthChecks(t *testing.T) {
	t.Parallel()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	lis.Close()

	c := NewChecker(map[string]Pinger{"store": PingFunc(func(context.Context) error { return nil })}, nil)
	c.Check(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, c) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		if err == nil {
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				t.Fatalf("status = %v, want SERVING", resp.GetStatus())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("health check never succeeded: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
