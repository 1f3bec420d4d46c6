package health

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"marketplace/pkg/logkey"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker keeps the gRPC health status in line with the database, which consul probes.
type Checker struct {
	srv      *health.Server
	pinger   Pinger
	service  string
	interval time.Duration
}

func NewChecker(pinger Pinger, service string, interval time.Duration) *Checker {
	return &Checker{srv: health.NewServer(), pinger: pinger, service: service, interval: interval}
}

// Register attaches the health service to s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.srv)
}

func (c *Checker) Server() *health.Server { return c.srv }

// CheckOnce pings the database and publishes the result.
func (c *Checker) CheckOnce(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := c.pinger.Ping(ctx); err != nil {
		slog.Warn("database ping failed", slog.String(logkey.ERROR, err.Error()))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.srv.SetServingStatus("", status)
	c.srv.SetServingStatus(c.service, status)
	return status
}

func (c *Checker) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		c.CheckOnce(ctx)
		select {
		case <-ctx.Done():
			c.srv.Shutdown()
			return nil
		case <-t.C:
		}
	}
}
