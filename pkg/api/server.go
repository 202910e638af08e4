// Package api exposes design runs over three surfaces: a small REST API
// for starting, cancelling and fetching runs, an SSE endpoint replaying
// and following a run's trace, and a WebSocket endpoint for interactive
// clients.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/runs"
	"github.com/atelierhq/atelier/pkg/trace"
)

// Server is the HTTP front of the run manager and trace bus.
type Server struct {
	cfg    *config.Config
	mgr    *runs.Manager
	bus    *trace.Bus
	conns  *ConnectionManager
	engine *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the router and wires all handlers. The server does not
// listen until Start.
func NewServer(cfg *config.Config, mgr *runs.Manager, bus *trace.Bus) *Server {
	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		bus:    bus,
		conns:  NewConnectionManager(mgr, bus, cfg.Defaults, wsWriteTimeout),
		logger: slog.Default().With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), securityHeaders())

	engine.GET("/api/health", s.healthHandler)
	engine.POST("/api/runs", s.startRunHandler)
	engine.GET("/api/runs/:id/artifact", s.artifactHandler)
	engine.POST("/api/runs/:id/cancel", s.cancelRunHandler)
	engine.GET("/api/runs/:id/events", s.runEventsHandler)
	engine.GET("/ws", s.wsHandler)

	s.engine = engine
	s.http = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests that serve it directly.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on addr and serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	return s.http.ListenAndServe()
}

// Shutdown closes WebSocket connections and drains the HTTP server.
// Hijacked WebSocket connections are outside http.Server.Shutdown's reach,
// so they are torn down first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.conns.CloseAll()
	return s.http.Shutdown(ctx)
}
