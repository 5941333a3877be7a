package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/bambubridge/internal/audit"
	"github.com/nerrad567/bambubridge/internal/infrastructure/config"
	"github.com/nerrad567/bambubridge/internal/infrastructure/logging"
	"github.com/nerrad567/bambubridge/internal/infrastructure/metrics"
	"github.com/nerrad567/bambubridge/internal/printer"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
// Camera streams are cut when it expires.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Dispatcher *printer.Dispatcher
	Audit      audit.Repository   // optional: disables /api/audit and audit recording
	Metrics    *metrics.Collector // optional: disables /metrics
	Hub        *Hub               // optional: a hub is created on Start
	Version    string
}

// Server is the HTTP gateway in front of the printer dispatcher.
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	dispatcher *printer.Dispatcher
	manager    *printer.Manager
	auditRepo  audit.Repository
	auditCh    chan *audit.Entry
	auditDone  chan struct{}
	metrics    *metrics.Collector
	hub        *Hub
	ownHub     bool
	version    string

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc

	// streams is cancelled when shutdown begins so long-lived camera
	// responses end instead of holding Shutdown until its deadline.
	streams     context.Context
	stopStreams context.CancelFunc
}

// New creates a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	s := &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		dispatcher: deps.Dispatcher,
		manager:    deps.Dispatcher.Manager(),
		auditRepo:  deps.Audit,
		metrics:    deps.Metrics,
		hub:        deps.Hub,
		version:    deps.Version,
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
		s.ownHub = true
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.Entry, auditChanSize)
		s.auditDone = make(chan struct{})
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())

	return s, nil
}

// Hub returns the websocket hub. Attach it to the manager as an observer to
// stream printer events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the router. Start uses it; tests can mount it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background. A bind failure
// (port in use) is returned here rather than logged later.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.ownHub {
		go s.hub.Run(srvCtx)
	}

	if s.auditRepo != nil {
		go s.drainAuditLog(srvCtx)
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}
	s.server.RegisterOnShutdown(s.stopStreams)

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("API server starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting requests, waits for in-flight ones and flushes the
// audit queue.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("API server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	if s.auditDone != nil {
		<-s.auditDone
	}

	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// streamContext returns a request context that is also cancelled when the
// server starts shutting down.
func (s *Server) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// HealthCheck reports whether the server has been started.
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
