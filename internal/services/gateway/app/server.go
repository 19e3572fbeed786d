package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	platformgrpc "github.com/louisbranch/satp-gateway/internal/platform/grpc"
	"github.com/louisbranch/satp-gateway/internal/platform/telemetry/metrics"
	"github.com/louisbranch/satp-gateway/internal/platform/timeouts"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/api/grpc/satp"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/api/http/operator"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/engine"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/orchestrator"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/recovery"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/bbolt"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/integrity"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/sqlite"
)

// Audit log backends.
const (
	BackendSQLite = "sqlite"
	BackendBBolt  = "bbolt"
	BackendMemory = "memory"
)

const defaultTickInterval = time.Second

// Config describes one gateway process.
type Config struct {
	// GRPCAddr and HTTPAddr are the listen addresses of the gateway service
	// and the operator API.
	GRPCAddr string
	HTTPAddr string
	// AuditBackend selects the audit log store; AuditPath is its file.
	AuditBackend string
	AuditPath    string
	// Keyring signs audit log entries. Entries are hash-chained but unsigned
	// without one.
	Keyring *integrity.Keyring
	// Keys is the gateway's signing identity; its id is the gateway id.
	Keys identity.KeyPair
	// Peers are the counterparty gateways this gateway trusts.
	Peers []identity.Peer
	// Adapters are the ledgers this gateway can act on.
	Adapters []bridge.Adapter

	Orchestrator       orchestrator.Config
	TickInterval       time.Duration
	PersistMaxAttempts uint
}

// Server hosts one gateway.
type Server struct {
	gatewayID    string
	tickInterval time.Duration
	grpcListener net.Listener
	httpListener net.Listener
	grpcServer   *gogrpc.Server
	health       *health.Server
	httpServer   *http.Server
	transport    *satp.Transport
	orchestrator *orchestrator.Orchestrator
	closers      []func() error
}

// New opens the audit log, recovers sessions left open by a previous run and
// binds both listeners. Nothing is served until Serve.
func New(ctx context.Context, cfg Config) (_ *Server, err error) {
	gatewayID := strings.TrimSpace(cfg.Keys.GatewayID)
	if gatewayID == "" {
		return nil, errors.New("gateway id is required")
	}
	srv := &Server{gatewayID: gatewayID, tickInterval: cfg.TickInterval}
	if srv.tickInterval <= 0 {
		srv.tickInterval = defaultTickInterval
	}
	defer func() {
		if err != nil {
			srv.close()
		}
	}()

	store, err := srv.openStore(cfg)
	if err != nil {
		return nil, err
	}
	signer, err := identity.NewSigner(cfg.Keys)
	if err != nil {
		return nil, err
	}
	directory, err := identity.DirectoryFromPeers(cfg.Peers)
	if err != nil {
		return nil, err
	}
	bridges, err := bridge.NewRegistry(cfg.Adapters...)
	if err != nil {
		return nil, err
	}
	gatewayMetrics, err := metrics.NewGateway(nil)
	if err != nil {
		return nil, err
	}

	srv.transport = satp.NewTransport(cfg.Peers)
	srv.closers = append(srv.closers, srv.transport.Close)
	eng := engine.Engine{
		Store:    store,
		Signer:   signer,
		Verifier: directory,
		Bridges:  bridges,
		Retry:    engine.RetryPolicy{MaxAttempts: cfg.PersistMaxAttempts},
	}
	srv.orchestrator, err = orchestrator.New(eng, srv.transport,
		orchestrator.WithConfig(cfg.Orchestrator),
		orchestrator.WithMetrics(gatewayMetrics),
		orchestrator.WithKeyring(cfg.Keyring),
	)
	if err != nil {
		return nil, err
	}

	manager := recovery.Manager{
		Store:    store,
		Keyring:  cfg.Keyring,
		Timeouts: cfg.Orchestrator.Timeouts,
		Workers:  cfg.Orchestrator.Workers,
	}
	report, err := manager.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover sessions: %w", err)
	}
	log.Printf("recovered %d sessions: %d resume, %d abort, %d failed", len(report.Items),
		report.Count(recovery.DecisionResume), report.Count(recovery.DecisionAbort), report.Count(recovery.DecisionFailed))
	if err := srv.orchestrator.Restore(ctx, report); err != nil {
		log.Printf("restore sessions: %v", err)
	}

	srv.grpcListener, err = net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	srv.httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = srv.grpcListener.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	srv.grpcServer, srv.health = platformgrpc.NewServer()
	satp.Register(srv.grpcServer, satp.NewService(srv.orchestrator))
	srv.httpServer = &http.Server{
		Handler:           operator.New(srv.orchestrator, gatewayID).Router(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	return srv, nil
}

// GRPCAddr returns the gateway service listener address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// HTTPAddr returns the operator API listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Serve runs the servers and the tick loop until ctx ends, then shuts
// everything down and closes the audit log.
func (s *Server) Serve(ctx context.Context) error {
	defer s.close()

	log.Printf("gateway %s serving gRPC at %s, operator API at %s", s.gatewayID, s.GRPCAddr(), s.HTTPAddr())
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(satp.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.orchestrator.Run(gctx, s.tickInterval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown HTTP: %v", err)
		}
		s.grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}

// Run creates a gateway and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	srv, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func (s *Server) openStore(cfg Config) (journal.Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.AuditBackend))
	if backend == "" {
		backend = BackendSQLite
	}
	if backend == BackendMemory {
		log.Printf("audit log is in memory; sessions will not survive a restart")
		return journal.NewMemory(), nil
	}

	path := strings.TrimSpace(cfg.AuditPath)
	if path == "" {
		path = filepath.Join("data", "audit."+backend)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	if cfg.Keyring == nil {
		log.Printf("audit log entries are hash-chained but not signed; set an HMAC key to sign them")
	}

	switch backend {
	case BackendSQLite:
		store, err := sqlite.Open(path, cfg.Keyring)
		if err != nil {
			return nil, fmt.Errorf("open sqlite audit log: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil
	case BackendBBolt:
		store, err := bbolt.Open(path, cfg.Keyring)
		if err != nil {
			return nil, fmt.Errorf("open bbolt audit log: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.AuditBackend)
	}
}

// close stops background work, then releases connections and the store.
func (s *Server) close() {
	if s == nil {
		return
	}
	if s.orchestrator != nil {
		s.orchestrator.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
	s.closers = nil
}
