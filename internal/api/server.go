package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/infrastructure/config"
	"github.com/nerrad567/sparkplug-core/internal/infrastructure/logging"
	"github.com/nerrad567/sparkplug-core/internal/process"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/session"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// SessionReporter is a supervised session. *process.Manager satisfies it.
type SessionReporter interface {
	Stats() process.Stats
}

// Host is the running host application. *engine.Application satisfies it.
type Host interface {
	HostID() string
	Peers(ctx context.Context) ([]session.PeerInfo, error)
	Catalog(ctx context.Context, peer sparkplug.PeerID) ([]sparkplug.Metric, error)
	RequestRebirth(ctx context.Context, peer sparkplug.PeerID) error
}

// HostFunc returns the current host application, or nil while none is
// running. Hosts are replaced on every restart.
type HostFunc func() Host

// BirthCatalog lists recorded births. *store.Store satisfies it.
type BirthCatalog interface {
	ListBirths(ctx context.Context, f store.BirthFilter) ([]store.Birth, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Sessions []SessionReporter
	Host     HostFunc     // nil for edge node deployments
	Births   BirthCatalog // nil when births are not recorded
	Metrics  http.Handler // Prometheus exposition, optional
	Hub      *Hub         // If set, the server uses this hub instead of creating its own
	Version  string
}

// Server is the HTTP API server for sparkplugd.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	sessions  []SessionReporter
	host      HostFunc
	births    BirthCatalog
	metrics   http.Handler
	version   string
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	hub      *Hub
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		sessions:  deps.Sessions,
		host:      deps.Host,
		births:    deps.Births,
		metrics:   deps.Metrics,
		version:   deps.Version,
		hub:       deps.Hub,
		startTime: time.Now(),
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub. Attach it to the engines' event sinks.
func (s *Server) Hub() *Hub { return s.hub }

// Start begins listening for HTTP connections in a background goroutine.
// The listener is bound before Start returns, so a port conflict is
// reported here.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}(s.server)

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	// Stops the hub, which closes WebSocket clients.
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// currentHost returns the running host application, or nil.
func (s *Server) currentHost() Host {
	if s.host == nil {
		return nil
	}
	return s.host()
}
