// Package health tracks dependency health and exposes it over the gRPC
// health protocol and the HTTP /health endpoint.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC service name the publishing engine reports under.
const ServiceName = "eventcast.Publisher"

// Pinger is a dependency that can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Report is the last known health of every component.
type Report struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Checker runs the checks and mirrors the result onto a gRPC health server.
type Checker struct {
	checks map[string]Pinger
	server *grpchealth.Server
	logger *slog.Logger

	mu   sync.RWMutex
	last Report
}

// NewChecker creates a checker. Nothing is checked until Check or Start.
func NewChecker(checks map[string]Pinger, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		checks: checks,
		server: grpchealth.NewServer(),
		logger: logger,
		last:   Report{Status: "unknown", Components: map[string]string{}},
	}
	c.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return c
}

// Check pings every component once and records the result.
func (c *Checker) Check(ctx context.Context) Report {
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	report := Report{Status: "ok", Components: make(map[string]string, len(names)), CheckedAt: time.Now().UTC()}
	for _, name := range names {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.checks[name].Ping(pingCtx)
		cancel()
		if err != nil {
			report.Status = "degraded"
			report.Components[name] = err.Error()
			c.logger.Warn("health check failed", "component", name, "error", err)
			continue
		}
		report.Components[name] = "ok"
	}

	status := healthpb.HealthCheckResponse_SERVING
	if report.Status != "ok" {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.server.SetServingStatus(ServiceName, status)
	c.server.SetServingStatus("", status)

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Start checks immediately and then every interval until ctx is done.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Check(ctx)
			case <-ctx.Done():
				c.server.Shutdown()
				return
			}
		}
	}()
}

// Server returns the gRPC health service.
func (c *Checker) Server() healthpb.HealthServer {
	return c.server
}

// Serve runs a gRPC server exposing the health service on addr until ctx
// is done.
func Serve(ctx context.Context, addr string, c *Checker) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, c.Server())

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	c.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}
