// Package api exposes the control plane HTTP surface: machine lifecycle
// endpoints for operators and the callback endpoints machines use to report
// their daemon status.
package api

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"

	"github.com/agentcloud/agentcloud/internal/auth"
	"github.com/agentcloud/agentcloud/internal/db"
	"github.com/agentcloud/agentcloud/internal/machine"
	"github.com/agentcloud/agentcloud/internal/metrics"
	"github.com/agentcloud/agentcloud/internal/outbox"
	"github.com/agentcloud/agentcloud/internal/registry"
)

// Server holds the API server dependencies.
type Server struct {
	echo       *echo.Echo
	store      *db.Store
	service    *machine.Service
	issuer     *auth.TokenIssuer
	registry   *registry.Registry
	dispatcher *outbox.Dispatcher
	nc         *nats.Conn
}

// Options carries the wiring for NewServer.
type Options struct {
	Store      *db.Store
	Service    *machine.Service
	Issuer     *auth.TokenIssuer
	Registry   *registry.Registry
	Dispatcher *outbox.Dispatcher
	APIKey     string
	NATSURL    string
}

// NewServer creates a new API server with all routes configured.
func NewServer(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:       e,
		store:      opts.Store,
		service:    opts.Service,
		issuer:     opts.Issuer,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
	}

	if opts.NATSURL != "" {
		nc, err := nats.Connect(opts.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Printf("api: NATS not available: %v", err)
		} else {
			s.nc = nc
		}
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check and metrics (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Operator routes (API key auth)
	api := e.Group("/api")
	api.Use(auth.RequireAPIKey(opts.APIKey))

	api.POST("/machines", s.createMachine)
	api.GET("/machines", s.listMachines)
	api.GET("/machines/:id", s.getMachine)
	api.POST("/machines/:id/archive", s.archiveMachine)
	api.GET("/machines/events", s.machineEvents)

	api.POST("/projects/:id/push-env", s.pushEnv)

	// Machine callbacks (machine token auth)
	mc := e.Group("/api/machines/:id")
	mc.Use(s.machineTokenMiddleware)
	mc.POST("/daemon-status", s.reportDaemonStatus)

	return s
}

// wakeDispatcher nudges the outbox after an enqueue-committing handler so the
// event is picked up before the next tick. Polling remains the fallback.
func (s *Server) wakeDispatcher() {
	if s.dispatcher != nil {
		s.dispatcher.Wake()
	}
	if s.nc != nil {
		if err := s.nc.Publish("outbox.wake", nil); err != nil {
			log.Printf("api: failed to publish outbox wake: %v", err)
		}
	}
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.nc != nil {
		s.nc.Close()
	}
	return s.echo.Shutdown(ctx)
}
