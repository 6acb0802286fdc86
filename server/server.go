package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/chatwarden/pkg/domain"
)

// Server is the control-plane HTTP server: status, stats, blocklist
// management and the decision audit log. It never sits on the moderation
// hot path.
type Server struct {
	config     ConfigProvider
	moderator  Moderator
	decisions  DecisionStore
	stats      StatsStore
	classifier HealthChecker
	queue      QueueInfo
	version    string
	debug      bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
}

// Moderator exposes manual blocklist control over the moderation engine
type Moderator interface {
	Block(identity domain.Identity, reason string)
	Unblock(identity domain.Identity)
	Blocked() []domain.Identity
}

// DecisionStore reads the decision audit log
type DecisionStore interface {
	Recent(ctx context.Context, limit int) ([]domain.DecisionLogEntry, error)
}

// StatsStore reads accumulated moderation counters
type StatsStore interface {
	Get(ctx context.Context) (domain.Stats, error)
}

// HealthChecker probes the external decision service
type HealthChecker interface {
	Health(ctx context.Context) error
}

// QueueInfo reports the enforcement queue backlog
type QueueInfo interface {
	Len() int
}

// New initializes a new server instance
func New(cfg ConfigProvider, moderator Moderator, decisions DecisionStore, stats StatsStore,
	classifier HealthChecker, queue QueueInfo, version string, debug bool) *Server {
	s := &Server{
		config:     cfg,
		moderator:  moderator,
		decisions:  decisions,
		stats:      stats,
		classifier: classifier,
		queue:      queue,
		version:    version,
		debug:      debug,
		router:     routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	lgr.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		lgr.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			lgr.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("chatwarden", "umputun", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(64 * 1024)) // control plane, small payloads only
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/api/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)
		r.HandleFunc("GET /stats", s.statsHandler)
		r.HandleFunc("GET /blocklist", s.blocklistHandler)
		r.HandleFunc("POST /blocklist/{identity}", s.blockHandler)
		r.HandleFunc("DELETE /blocklist/{identity}", s.unblockHandler)
		r.HandleFunc("GET /decisions", s.decisionsHandler)
	})
}
