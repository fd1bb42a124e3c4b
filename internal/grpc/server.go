package grpc

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/mr1hm/go-weather-ingest/internal/models"
)

// Server exposes grpc.health.v1 with one service name per adapter. An
// adapter goes NOT_SERVING when none of its units succeeded in its latest
// run.
type Server struct {
	health      *health.Server
	adapters    []string
	broadcaster *Broadcaster
	grpcServer  *grpc.Server
}

func NewServer(adapters []string, broadcaster *Broadcaster) *Server {
	h := health.NewServer()
	for _, a := range adapters {
		h.SetServingStatus(a, healthpb.HealthCheckResponse_SERVING)
	}
	return &Server{
		health:      h,
		adapters:    adapters,
		broadcaster: broadcaster,
	}
}

func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	slog.Info("gRPC server listening", "addr", addr)
	return s.grpcServer.Serve(lis)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Watch applies finalized runs to adapter health until ctx is done or the
// broadcaster is closed.
func (s *Server) Watch(ctx context.Context) {
	id, ch := s.broadcaster.Subscribe(s.adapters...)
	defer s.broadcaster.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case run, ok := <-ch:
			if !ok {
				return
			}
			s.Observe(run)
		}
	}
}

func (s *Server) Observe(run *models.CollectionRun) {
	for _, a := range run.Adapters {
		st := adapterStatus(run, a)
		s.health.SetServingStatus(a, st)
		if st != healthpb.HealthCheckResponse_SERVING {
			slog.Warn("adapter not serving", "adapter", a, "run_id", run.ID)
		}
	}
}

func adapterStatus(run *models.CollectionRun, adapter string) healthpb.HealthCheckResponse_ServingStatus {
	units := 0
	for _, u := range run.Units {
		if u.Adapter != adapter {
			continue
		}
		units++
		if u.Status == models.UnitSuccess {
			return healthpb.HealthCheckResponse_SERVING
		}
	}
	if units == 0 {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
