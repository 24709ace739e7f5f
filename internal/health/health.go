// Package health publishes the standard gRPC health service. The execution
// service reports NOT_SERVING while the retry circuit breaker is open or the
// kill switch blocks new buys, so orchestrators can see that automated order
// flow is halted.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tradeguard/internal/clock"
	"tradeguard/internal/retry"
)

// ExecutionService is the service name whose status tracks order flow.
const ExecutionService = "tradeguard.execution"

// BreakerSource reports the circuit breaker state.
type BreakerSource interface {
	Snapshot() retry.BreakerState
}

// KillSwitch reports whether new buys are blocked.
type KillSwitch interface {
	KillSwitch() bool
}

// Monitor keeps a grpc health.Server in step with the breaker.
type Monitor struct {
	srv      *health.Server
	breaker  BreakerSource
	kill     KillSwitch
	clock    clock.Clock
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	status healthpb.HealthCheckResponse_ServingStatus
}

// NewMonitor creates a Monitor that re-evaluates every interval. kill may be
// nil.
func NewMonitor(b BreakerSource, kill KillSwitch, c clock.Clock, interval time.Duration, log *slog.Logger) *Monitor {
	if c == nil {
		c = clock.Real{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		srv:      health.NewServer(),
		breaker:  b,
		kill:     kill,
		clock:    c,
		interval: interval,
		log:      log.With("component", "health"),
		status:   healthpb.HealthCheckResponse_UNKNOWN,
	}
	m.Update()
	return m
}

// Server returns the health server for registration.
func (m *Monitor) Server() *health.Server {
	return m.srv
}

// Update re-reads the breaker and kill switch and publishes the execution
// status.
func (m *Monitor) Update() healthpb.HealthCheckResponse_ServingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := healthpb.HealthCheckResponse_SERVING
	var reason string
	if st := m.breaker.Snapshot(); st.Open {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		reason = fmt.Sprintf("circuit breaker open until %s", st.ResetAt.Format(time.RFC3339))
	} else if m.kill != nil && m.kill.KillSwitch() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		reason = "kill switch active"
	}
	if status != m.status {
		if status == healthpb.HealthCheckResponse_SERVING {
			m.log.Info("execution serving")
		} else {
			m.log.Warn("execution not serving", "reason", reason)
		}
		m.status = status
	}
	m.srv.SetServingStatus(ExecutionService, status)
	return status
}

// Run updates the status until ctx is cancelled, then marks every service
// NOT_SERVING.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.srv.Shutdown()
	for {
		if err := clock.Sleep(ctx, m.clock, m.interval); err != nil {
			return nil
		}
		m.Update()
	}
}

// Serve listens on addr and serves the health service until ctx is
// cancelled.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, m.srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	m.log.Info("health server listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	}
}
