// Package httpapi exposes the engine, the task queue and the cluster registry
// over HTTP, and provides a client for remote workers and the CLI.
//
// Errors travel as {"error": ..., "code": ...}; the client turns the code
// back into the matching sentinel from pkg/api, so errors.Is works across
// the wire. The calling principal is read from the X-Flowgrid-Principal
// header.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/petrijr/flowgrid/internal/taskqueue"
	"github.com/petrijr/flowgrid/pkg/api"
)

// PrincipalHeader carries the calling principal.
const PrincipalHeader = "X-Flowgrid-Principal"

// Nodes is the cluster registry surface served over HTTP.
type Nodes interface {
	Join(ctx context.Context, nodeID string, capacity int) (api.Node, error)
	Heartbeat(ctx context.Context, nodeID string) error
	Leave(ctx context.Context, nodeID string) error
	ListActive(ctx context.Context) ([]api.Node, error)
}

// ServerConfig wires a Server. Engine, Queue and Nodes are required.
type ServerConfig struct {
	Engine api.Engine
	Queue  taskqueue.Queue
	Nodes  Nodes
	Logger *slog.Logger
}

// Server routes HTTP requests to the flowgrid components.
type Server struct {
	engine api.Engine
	queue  taskqueue.Queue
	nodes  Nodes
	logger *slog.Logger
	echo   *echo.Echo
}

// NewServer creates a Server with all routes registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil || cfg.Queue == nil || cfg.Nodes == nil {
		return nil, errors.New("httpapi: engine, queue and nodes are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		engine: cfg.Engine,
		queue:  cfg.Queue,
		nodes:  cfg.Nodes,
		logger: cfg.Logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.LogAttrs(c.Request().Context(), slog.LevelDebug, "http_request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	e.Use(principal)

	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	v1 := e.Group("/v1")
	v1.POST("/definitions", s.registerDefinition)
	v1.GET("/definitions/:id", s.getDefinition)

	v1.POST("/workflows", s.startWorkflow)
	v1.GET("/workflows", s.listWorkflows)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.POST("/workflows/:id/cancel", s.cancelWorkflow)

	v1.POST("/queues/:queue/tasks", s.submitTask)
	v1.POST("/queues/:queue/lease", s.leaseTask)
	v1.GET("/tasks/:id", s.getTask)
	v1.POST("/tasks/:id/ack", s.ackTask)
	v1.POST("/tasks/:id/fail", s.failTask)
	v1.POST("/tasks/:id/extend", s.extendTask)
	v1.POST("/tasks/:id/defer", s.deferTask)

	v1.POST("/nodes", s.joinNode)
	v1.GET("/nodes", s.listNodes)
	v1.POST("/nodes/:id/heartbeat", s.heartbeat)
	v1.DELETE("/nodes/:id", s.leaveNode)

	s.echo = e
	return s, nil
}

// principal copies the principal header into the request context.
func principal(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p := c.Request().Header.Get(PrincipalHeader); p != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(api.WithPrincipal(req.Context(), p)))
		}
		return next(c)
	}
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler { return s.echo }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "http_listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
