package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/engine/infra/monitoring"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	httpReadTimeout       = 15 * time.Second
	httpWriteTimeout      = 15 * time.Second
	httpIdleTimeout       = 60 * time.Second
	serverShutdownTimeout = 5 * time.Second
)

// Deps carries the wired components the HTTP server exposes. Ingress is
// required; everything else degrades gracefully when absent.
type Deps struct {
	// Ingress processes webhook requests. Usually *webhook.Service.
	Ingress webhook.Processor
	// Monitoring provides the meter and the /metrics exposition handler.
	Monitoring *monitoring.Service
	// Gate feeds breaker state into the readiness probe.
	Gate BreakerGate
	// Probes are additional dependency checks for readiness.
	Probes []Probe
	// Redis backs the HTTP rate limit store when ratelimit.use_redis is set.
	Redis redis.UniversalClient
}

// Server owns the HTTP listener, the middleware chain, and shutdown
// ordering for everything registered through OnShutdown.
type Server struct {
	cfg        *config.Config
	deps       Deps
	router     *gin.Engine
	ctx        context.Context
	cancel     context.CancelFunc
	cleanupMu  sync.Mutex
	cleanups   []func()
	shutdownCh chan struct{}
}

// NewServer builds a server around the given dependencies. The context
// carries the process logger and outlives individual requests; canceling it
// triggers the same graceful shutdown as SIGTERM.
func NewServer(ctx context.Context, cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if deps.Ingress == nil {
		return nil, fmt.Errorf("server: ingress processor is required")
	}
	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		cfg:        cfg,
		deps:       deps,
		ctx:        serverCtx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}, 1),
	}, nil
}

// OnShutdown registers a cleanup to run after the listener drains. Cleanups
// run in reverse registration order, mirroring construction order.
func (s *Server) OnShutdown(fn func()) {
	if fn == nil {
		return
	}
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

// Handler returns the fully wired router without binding a listener.
func (s *Server) Handler() http.Handler {
	s.buildRouter()
	return s.router
}

// Run serves HTTP until a termination signal, context cancellation, or a
// listener failure, then drains in-flight requests and runs cleanups.
func (s *Server) Run() error {
	defer s.runCleanups()
	s.buildRouter()
	srv := s.createHTTPServer()
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return s.waitForShutdown(srv, errCh)
}

// Shutdown triggers the same path as a termination signal. It returns
// immediately; Run performs the drain.
func (s *Server) Shutdown() {
	select {
	case s.shutdownCh <- struct{}{}:
	default:
	}
}

func (s *Server) createHTTPServer() *http.Server {
	addr := s.cfg.Server.Addr()
	logger.FromContext(s.ctx).Info("Starting HTTP server",
		"address", fmt.Sprintf("http://%s", addr),
	)
	return &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  durationOr(s.cfg.Server.ReadTimeout, httpReadTimeout),
		WriteTimeout: durationOr(s.cfg.Server.WriteTimeout, httpWriteTimeout),
		IdleTimeout:  durationOr(s.cfg.Server.IdleTimeout, httpIdleTimeout),
	}
}

func (s *Server) waitForShutdown(srv *http.Server, errCh <-chan error) error {
	log := logger.FromContext(s.ctx)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		s.cancel()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig.String())
	case <-s.shutdownCh:
		log.Info("Shutdown requested, initiating graceful shutdown")
	case <-s.ctx.Done():
		log.Info("Context canceled, initiating graceful shutdown")
	}
	s.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		durationOr(s.cfg.Server.ShutdownTimeout, serverShutdownTimeout),
	)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("Server shutdown completed successfully")
	return nil
}

func (s *Server) runCleanups() {
	s.cleanupMu.Lock()
	cleanups := s.cleanups
	s.cleanups = nil
	s.cleanupMu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
