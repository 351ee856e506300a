// Package eventbridge exposes the workflow engine over HTTP: starting and
// retrying jobs, reading steps, and streaming engine events as SSE.
package eventbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("eventbridge: server disabled")

// Server wraps the HTTP listener and echo handlers backing the bridge.
type Server struct {
	settings Settings
	engine   Engine
	jobs     SnapshotLister
	events   Subscriber
	logger   Logger
	clock    func() time.Time
	newJobID func() string
	echo     *echo.Echo

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithJobIDs supplies the generator used when a start request omits the job.
func WithJobIDs(gen func() string) Option {
	return func(s *Server) {
		if gen != nil {
			s.newJobID = gen
		}
	}
}

// NewServer prepares a bridge server using the provided settings.
func NewServer(settings Settings, eng Engine, jobs SnapshotLister, events Subscriber, opts ...Option) *Server {
	s := &Server{
		settings: settings.withDefaults(),
		engine:   eng,
		jobs:     jobs,
		events:   events,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		newJobID: newJobID,
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Printf("eventbridge: %s %s %d %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))
	e.GET("/health", s.handleHealth)
	e.HEAD("/health", s.handleHealth)
	e.GET("/jobs", s.handleListJobs)
	e.POST("/workflows/:workflow", s.handleStart)
	e.POST("/jobs/:job/workflows/:workflow", s.handleStart)
	e.POST("/jobs/:job/retry", s.handleRetry)
	e.GET("/jobs/:job/steps", s.handleSteps)
	e.GET("/jobs/:job/events", s.handleEvents)
	return e
}

// Handler exposes the HTTP handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("eventbridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.echo,
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.now().Sub(s.startTime).Seconds())
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
