package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/halcyon/gridfall_backend/internal/auth"
	"github.com/halcyon/gridfall_backend/internal/config"
	"github.com/halcyon/gridfall_backend/internal/logging"
	"github.com/halcyon/gridfall_backend/internal/session"
	"github.com/halcyon/gridfall_backend/internal/store"
)

// Server owns the HTTP router, the REST surface, and the websocket entry
// point. Session state lives in the registry's actors, never here.
type Server struct {
	router   *gin.Engine
	db       store.Store
	auth     *auth.Auth
	registry *session.Registry
	cfg      *config.Config
	httpSrv  *http.Server
}

// NewServer creates the HTTP server and wires all routes
func NewServer(db store.Store, a *auth.Auth, registry *session.Registry, cfg *config.Config) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware())
	router.Use(RecoveryMiddleware())

	// CORS for browser clients
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	server := &Server{
		router:   router,
		db:       db,
		auth:     a,
		registry: registry,
		cfg:      cfg,
	}

	router.GET("/healthz", server.healthHandler)
	router.GET("/ws", server.handleWebSocket)

	server.setupAuthRoutes()
	server.setupCharacterRoutes()
	server.setupSessionRoutes()

	return server
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.registry.Count(),
	})
}

// Run starts the HTTP server and blocks until it stops
func (s *Server) Run(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info("http server listening", map[string]interface{}{"addr": addr})
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight HTTP requests, then flushes session snapshots
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			logging.Warn("http shutdown incomplete", map[string]interface{}{"error": err})
		}
	}
	return s.registry.Shutdown(ctx)
}
