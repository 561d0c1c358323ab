// Package health publishes the store's connection state through the
// standard gRPC health service.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the empty
// (server-wide) name.
const ServiceName = "brokerstore"

// Checker reports backend connectivity. store.Store satisfies it.
type Checker interface {
	Connected(ctx context.Context) bool
}

// Reporter polls a Checker and mirrors the result into a gRPC health
// server.
type Reporter struct {
	grpcHealth *health.Server
	check      Checker
	interval   time.Duration
	timeout    time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	serving bool
}

// NewReporter creates a Reporter running check every interval. It starts
// NOT_SERVING until the first check succeeds.
func NewReporter(check Checker, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r := &Reporter{
		grpcHealth: health.NewServer(),
		check:      check,
		interval:   interval,
		timeout:    5 * time.Second,
		log:        slog.Default().With("component", "health"),
	}
	r.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return r
}

// RegisterGRPC registers the health service with the gRPC server.
func (r *Reporter) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, r.grpcHealth)
}

// Check runs one health check and publishes the result.
func (r *Reporter) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok := r.check.Connected(ctx)

	r.mu.Lock()
	changed := ok != r.serving
	r.serving = ok
	r.mu.Unlock()

	if ok {
		r.set(grpc_health_v1.HealthCheckResponse_SERVING)
	} else {
		r.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	if changed {
		r.log.Info("health changed", "serving", ok)
	}
	return ok
}

// Run checks until ctx is done, then marks the service NOT_SERVING.
func (r *Reporter) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	r.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			r.Shutdown()
			return
		case <-t.C:
			r.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() {
	r.mu.Lock()
	r.serving = false
	r.mu.Unlock()
	r.grpcHealth.Shutdown()
}

// Serving reports the last published state.
func (r *Reporter) Serving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serving
}

func (r *Reporter) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	r.grpcHealth.SetServingStatus("", status)
	r.grpcHealth.SetServingStatus(ServiceName, status)
}
