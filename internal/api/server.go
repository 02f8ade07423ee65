package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benmeehan/adb-agent/internal/models"
	"github.com/benmeehan/adb-agent/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Controller is the set of operations exposed over HTTP.
type Controller interface {
	StartSession(ctx context.Context, id, address string, durationSeconds int) (models.Session, error)
	StartSessionUntil(ctx context.Context, id, address string, deadline time.Time) (models.Session, error)
	ExtendSession(ctx context.Context, id string, additionalSeconds int) (models.Session, error)
	ExtendSessionUntil(ctx context.Context, id string, deadline time.Time) (models.Session, error)
	CancelSession(ctx context.Context, id string) (models.Session, bool)
	TriggerImmediateTimeout(ctx context.Context, id string) (models.ActionResult, error)
	GetSession(id string) (models.Session, error)
	ListSessions() []models.Session

	SwitchInput(ctx context.Context, address string) models.ActionResult
	SendKey(ctx context.Context, address string, keycode int) models.ActionResult
	SendControl(ctx context.Context, address, action string) models.ActionResult
	PlayTimeoutMedia(ctx context.Context, address string) models.ActionResult
	Connect(ctx context.Context, address string) models.ActionResult
	RestartDaemon(ctx context.Context) models.ActionResult
	DaemonStatus(ctx context.Context) models.DaemonStatus
	Devices() []models.Device
	DeviceStatus(ctx context.Context, address string) (models.DeviceStatus, error)
	GetFleetStatus(ctx context.Context, addresses []string) models.FleetStatus
}

// Server serves the control API.
type Server struct {
	router          *gin.Engine
	httpServer      *http.Server
	controller      Controller
	broker          *services.EventBroker
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	logger          zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}

	// cancelled by Stop, ends open event streams
	streams       context.Context
	cancelStreams context.CancelFunc
}

// NewServer builds the router. broker may be nil, which disables the event stream.
func NewServer(listen, mode string, readTimeout, requestTimeout, shutdownTimeout time.Duration,
	controller Controller, broker *services.EventBroker, logger zerolog.Logger) *Server {

	if mode != "" {
		gin.SetMode(mode)
	}
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	router := gin.New()
	router.Use(requestLogger(logger), recovery(logger))

	s := &Server{
		router:          router,
		controller:      controller,
		broker:          broker,
		requestTimeout:  requestTimeout,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}
	// no write timeout: the event stream is long lived
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           router,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}
	s.streams, s.cancelStreams = context.WithCancel(context.Background())
	s.setupRoutes()
	return s
}


// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		api.GET("/health", s.health)

		api.GET("/sessions", s.listSessions)
		api.POST("/sessions", s.startSession)
		api.GET("/sessions/:id", s.getSession)
		api.DELETE("/sessions/:id", s.cancelSession)
		api.POST("/sessions/:id/extend", s.extendSession)
		api.POST("/sessions/:id/timeout", s.triggerTimeout)

		api.GET("/devices", s.listDevices)
		api.GET("/devices/:address/status", s.deviceStatus)
		api.POST("/devices/:address/connect", s.connectDevice)
		api.POST("/devices/:address/switch-input", s.switchInput)
		api.POST("/devices/:address/key", s.sendKey)
		api.POST("/devices/:address/control", s.sendControl)
		api.POST("/devices/:address/play-timeout", s.playTimeout)

		api.GET("/fleet", s.fleetStatus)

		api.GET("/daemon", s.daemonStatus)
		api.POST("/daemon/restart", s.restartDaemon)

		api.GET("/events", s.events)
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("http server is already running")
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.logger.Error().Err(err).Str("listen", s.httpServer.Addr).Msg("Failed to bind HTTP listener")
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = listener
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}(s.done)

	s.logger.Info().Str("listen", listener.Addr().String()).Msg("HTTP API started successfully")
	return nil
}

// Stop shuts the server down gracefully, closing open event streams.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return errors.New("http server is not running")
	}

	// Shutdown does not cancel request contexts, so streams are ended first
	s.cancelStreams()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	<-s.done
	s.listener = nil
	if err != nil {
		s.logger.Error().Err(err).Msg("HTTP server shutdown incomplete")
		return err
	}
	s.logger.Info().Msg("HTTP API stopped successfully")
	return nil
}

// requestLogger logs one line per request with zerolog.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("HTTP request")
	}
}

func recovery(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("path", c.FullPath()).Msg("Recovered from panic in HTTP handler")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
