package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/haiku-bridge/internal/bridges/senseme"
	"github.com/nerrad567/haiku-bridge/internal/device"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/config"
	"github.com/nerrad567/haiku-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// FanBridge is the command surface the handlers drive.
type FanBridge interface {
	State() senseme.FanState
	Do(ctx context.Context, cmd senseme.Command) (senseme.FanState, error)
	Read(ctx context.Context, f senseme.Field) (int, error)
}

// LinkStatus exposes device link counters.
type LinkStatus interface {
	Stats() senseme.LinkStats
}

// PollStatus exposes the poller's health.
type PollStatus interface {
	Healthy() bool
	Stats() senseme.PollerStats
}

// ConnectionStatus reports whether a client connection is up.
type ConnectionStatus interface {
	IsConnected() bool
}

// HistorySource lists recent commands.
type HistorySource interface {
	List(ctx context.Context, limit int) ([]device.CommandEntry, error)
}

// DBStats exposes connection pool statistics.
type DBStats interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
//
// Only Logger and Bridge are required; every other collaborator switches
// off the endpoint or field that depends on it when nil.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Bridge   FanBridge
	Hub      *Hub // If set, the server uses this hub instead of creating its own
	Link     LinkStatus
	Poller   PollStatus
	MQTT     ConnectionStatus
	History  HistorySource
	DB       DBStats
	Gatherer prometheus.Gatherer
	Version  string
}

// Server is the HTTP API server for the fan bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	bridge    FanBridge
	link      LinkStatus
	poller    PollStatus
	mqtt      ConnectionStatus
	history   HistorySource
	db        DBStats
	gatherer  prometheus.Gatherer
	bodies    *bodyValidator
	version   string
	startTime time.Time

	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, bridge) plus optional status sources
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("fan bridge is required")
	}

	bodies, err := newBodyValidator()
	if err != nil {
		return nil, fmt.Errorf("compiling request schemas: %w", err)
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		link:      deps.Link,
		poller:    deps.Poller,
		mqtt:      deps.MQTT,
		history:   deps.History,
		db:        deps.DB,
		gatherer:  deps.Gatherer,
		bodies:    bodies,
		version:   deps.Version,
		startTime: time.Now(),
	}

	// The hub is usually created by the caller so it can be registered as a
	// notification sink before the fan context exists.
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	}

	return s, nil
}

// Hub returns the WebSocket hub, or nil before Start when none was injected.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub when the server owns it,
// and launches the HTTP listener in a background goroutine. The server can
// be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
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

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
