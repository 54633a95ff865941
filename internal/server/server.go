package server

// ============================================================================
// 職責說明：
// 1. 以 gRPC health service 對外暴露 controller 與排程器的狀態
// 2. 背景同步 StateSource 到 health server
// 3. 提供 Check / CheckConn 給 status 命令查詢
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = slog.Default()

// SchedulerService is the health service name tracking the order scheduler.
// The empty service name tracks the controller itself.
const SchedulerService = "swarm.scheduler"

// DefaultSyncInterval is how often controller state is mirrored into health
const DefaultSyncInterval = 500 * time.Millisecond

// ErrServing is returned by Serve when the server is already serving
var ErrServing = errors.New("server already serving")

// StateSource is the slice of the controller the health service reflects
type StateSource interface {
	Running() bool
	SchedulerRunning() bool
}

// Server exposes the standard grpc.health.v1 service for a controller
type Server struct {
	src      StateSource
	health   *health.Server
	grpc     *grpc.Server
	interval time.Duration

	mu      sync.Mutex
	serving bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewServer creates a health server polling src every interval.
// A non-positive interval uses DefaultSyncInterval.
func NewServer(src StateSource, interval time.Duration) *Server {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		src:      src,
		health:   hs,
		grpc:     gs,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	s.Sync()
	return s
}

// Sync copies the current controller state into the health statuses
func (s *Server) Sync() {
	s.health.SetServingStatus("", servingStatus(s.src.Running()))
	s.health.SetServingStatus(SchedulerService, servingStatus(s.src.SchedulerRunning()))
}

func servingStatus(up bool) healthpb.HealthCheckResponse_ServingStatus {
	if up {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve starts the sync loop and blocks serving lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return ErrServing
	}
	s.serving = true
	s.wg.Add(1)
	go s.syncLoop()
	s.mu.Unlock()

	log.Info("health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve health: %w", err)
	}
	return nil
}

func (s *Server) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sync()
		}
	}
}

// Stop marks every service NOT_SERVING and shuts the listener down
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.wg.Wait()
	log.Info("health server stopped")
}

// Check asks the health service at addr about service
func Check(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	return CheckConn(ctx, conn, service)
}

// CheckConn is Check over an existing connection
func CheckConn(ctx context.Context, conn grpc.ClientConnInterface, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check %q: %w", service, err)
	}
	return resp.GetStatus(), nil
}
