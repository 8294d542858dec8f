package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/envirocomply/envirocomply-core/internal/audit"
	appconfig "github.com/envirocomply/envirocomply-core/internal/config"
	"github.com/envirocomply/envirocomply-core/internal/knowledge"
	"github.com/envirocomply/envirocomply-core/internal/models"
	"github.com/envirocomply/envirocomply-core/internal/orchestrator"
)

// Pipeline is the orchestrator surface the API drives.
type Pipeline interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error)
	Stream(ctx context.Context, req orchestrator.RunRequest, fn func(orchestrator.Event)) (*orchestrator.RunResult, error)
	RunBatch(ctx context.Context, reqs []orchestrator.RunRequest) []orchestrator.BatchResult
}

// Store is the part of the knowledge store the handlers read and update.
type Store interface {
	knowledge.GapReader
	knowledge.GapResolver
	GetReport(ctx context.Context, reportID string) (*models.Report, error)
	ListAlerts(ctx context.Context, filter knowledge.AlertFilter) ([]models.RegulatoryAlert, error)
	Ping(ctx context.Context) error
}

// Acknowledger acknowledges alerts.
type Acknowledger interface {
	Acknowledge(ctx context.Context, alertID, by string) (*models.RegulatoryAlert, error)
}

// Config holds listener settings.
type Config struct {
	Host           string
	Port           int
	GRPCHealthPort int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	// RunRequestsPerMinute limits run submissions per client; 0 disables.
	RunRequestsPerMinute int
}

// ConfigFrom extracts listener settings from the application config.
func ConfigFrom(cfg *appconfig.Config) Config {
	return Config{
		Host:                 cfg.Server.Host,
		Port:                 cfg.Server.Port,
		GRPCHealthPort:       cfg.Server.GRPCHealthPort,
		ReadTimeout:          time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:         time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		AllowedOrigins:       cfg.Server.AllowedOrigins,
		RunRequestsPerMinute: cfg.Server.RunRequestsPerMinute,
	}
}

// Deps are the collaborators behind the API.
type Deps struct {
	Pipeline  Pipeline
	Decisions audit.Log
	Store     Store
	Alerts    Acknowledger
	Logger    *zap.Logger
}

// Server serves the HTTP API and the gRPC health service.
type Server struct {
	cfg       Config
	pipeline  Pipeline
	decisions audit.Log
	store     Store
	alerts    Acknowledger
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	limiter   *runLimiter

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg Config, d Deps) (*Server, error) {
	if d.Pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if d.Decisions == nil {
		return nil, fmt.Errorf("decision log cannot be nil")
	}
	if d.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	var limiter *runLimiter
	if cfg.RunRequestsPerMinute > 0 {
		limiter = newRunLimiter(cfg.RunRequestsPerMinute, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		pipeline:  d.Pipeline,
		decisions: d.Decisions,
		store:     d.Store,
		alerts:    d.Alerts,
		logger:    d.Logger.Named("server"),
		upgrader:  newUpgrader(cfg.AllowedOrigins),
		limiter:   limiter,
		health:    health.NewServer(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Handler returns the instrumented API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return withTracing(withMetrics(mux))
}

// Start opens both listeners and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	httpAddr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	hl, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
	}
	grpcAddr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.GRPCHealthPort))
	gl, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		_ = hl.Close()
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	s.httpListener, s.grpcListener = hl, gl
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(gl); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC health server failed", zap.Error(err))
		}
	}()

	s.running = true
	s.logger.Info("server started",
		zap.String("http_addr", hl.Addr().String()),
		zap.String("grpc_health_addr", gl.Addr().String()))
	return nil
}

// Stop drains HTTP requests, marks the health service NOT_SERVING and
// stops both listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.cancel()

	err := s.httpServer.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("gRPC health server forced to stop")
		s.grpcServer.Stop()
	}

	s.wg.Wait()
	s.logger.Info("server stopped")
	return err
}

// HTTPAddr is the bound HTTP address once started.
func (s *Server) HTTPAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr is the bound gRPC health address once started.
func (s *Server) GRPCAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metricsHandler())

	mux.HandleFunc("POST /api/v1/runs", s.limitRuns(s.handleRunCreate))
	mux.HandleFunc("POST /api/v1/runs/batch", s.limitRuns(s.handleRunBatch))
	mux.HandleFunc("GET /api/v1/runs/stream", s.limitRuns(s.handleRunStream))
	mux.HandleFunc("GET /api/v1/runs/{id}/decisions", s.handleRunDecisions)

	mux.HandleFunc("GET /api/v1/gaps", s.handleGapsList)
	mux.HandleFunc("POST /api/v1/gaps/{id}/resolve", s.handleGapResolve)

	mux.HandleFunc("GET /api/v1/alerts", s.handleAlertsList)
	mux.HandleFunc("POST /api/v1/alerts/{id}/ack", s.handleAlertAck)

	mux.HandleFunc("GET /api/v1/reports/{id}", s.handleReportGet)
}
