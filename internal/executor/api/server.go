// Package api provides the HTTP API one executor serves its session through.
// The manager proxies job calls here; the websocket tail is reachable
// directly for local tooling.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/common/httpmw"
	"github.com/BrokkAi/brokkd/internal/common/logger"
	"github.com/BrokkAi/brokkd/internal/executor/config"
	"github.com/BrokkAi/brokkd/internal/executor/runner"
	"github.com/BrokkAi/brokkd/internal/executor/store"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
	"github.com/BrokkAi/brokkd/pkg/protocol"
)

// Server is the executor HTTP API server.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	worker *runner.Worker
	logger *logger.Logger
	router *gin.Engine

	upgrader websocket.Upgrader

	// The single session this child serves, set by POST /v1/sessions.
	sessionMu sync.RWMutex
	session   *v1.ExecutorCreateSessionResponse
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, st *store.Store, w *runner.Worker, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		store:  st,
		worker: w,
		logger: log.WithFields(zap.String("component", "executor-api")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Loopback-only listener.
			},
		},
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "executor"))
	s.router.Use(httpmw.OtelTracing("brokkd-executor"))
	s.router.Use(s.protocolMiddleware())

	s.router.GET("/health/live", s.handleLive)

	authed := s.router.Group("/", s.authMiddleware())
	{
		authed.GET("/health/ready", s.handleReady)

		api := authed.Group("/v1")
		api.POST("/sessions", s.handleCreateSession)
		api.POST("/jobs", s.handleCreateJob)
		api.GET("/jobs/:id", s.handleGetJob)
		api.GET("/jobs/:id/events", s.handleGetEvents)
		api.GET("/jobs/:id/events/ws", s.handleEventsWS)
		api.POST("/jobs/:id/cancel", s.handleCancelJob)
		api.POST("/issues/:n/fix", s.handleIssueFix)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: v1.ErrNotFound, Message: "no such route"})
	})
	s.router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, v1.ErrorResponse{Error: v1.ErrMethodNotAllowed})
	})
}

// protocolMiddleware stamps the server protocol version on every response
// and rejects clients this build cannot serve.
func (s *Server) protocolMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(protocol.VersionHeader, protocol.String())
		if nerr := protocol.Negotiate(c.GetHeader(protocol.VersionHeader)); nerr != nil {
			c.AbortWithStatusJSON(http.StatusConflict, v1.ErrorResponse{
				Error:                 nerr.Code,
				Message:               nerr.Message,
				SupportedCapabilities: protocol.Capabilities(),
			})
			return
		}
		c.Next()
	}
}

// authMiddleware requires the child auth token handed over by the pool.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, v1.ErrorResponse{
				Error:   v1.ErrUnauthorized,
				Message: "missing or invalid bearer token",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) currentSession() *v1.ExecutorCreateSessionResponse {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.session
}
