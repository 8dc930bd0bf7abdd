// Package api implements the manager's public HTTP surface: session
// lifecycle, health, and the authenticated proxy in front of the executor
// children.
package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/common/config"
	"github.com/BrokkAi/brokkd/internal/common/httpmw"
	"github.com/BrokkAi/brokkd/internal/common/logger"
	"github.com/BrokkAi/brokkd/internal/manager/pool"
	"github.com/BrokkAi/brokkd/internal/token"
	"github.com/BrokkAi/brokkd/internal/worktree"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
	"github.com/BrokkAi/brokkd/pkg/protocol"
)

const (
	// Retry-After values: capacity rejections suggest a longer backoff than
	// transient not-ready states.
	retryAfterCapacity = "30"
	retryAfterNotReady = "5"

	proxyConnectTimeout = 5 * time.Second
	proxyTotalTimeout   = 5 * time.Minute
)

const ctxClaimsKey = "authClaims"

// ExecutorPool is the slice of the pool the server needs.
type ExecutorPool interface {
	Spawn(ctx context.Context, spec worktree.SessionSpec) (*pool.ExecutorHandle, error)
	Get(sessionID string) (*pool.ExecutorHandle, error)
	Touch(sessionID string)
	UpdateSessionID(oldID, newID string) error
	Shutdown(ctx context.Context, sessionID string) error
	Size() int
	MaxSize() int
	Full() bool
	EvictIdle(ctx context.Context, maxIdle time.Duration) int
}

// ProvisionerHealth exposes the worktree provisioner's health probe.
type ProvisionerHealth interface {
	Healthcheck() bool
}

// Server is the manager HTTP server.
type Server struct {
	cfg         config.ManagerConfig
	pool        ExecutorPool
	provisioner ProvisionerHealth
	tokens      *token.Service
	logger      *logger.Logger
	router      *gin.Engine

	proxyClient *http.Client

	// jobOwners maps jobId -> sessionId, learned from proxied job-creation
	// responses, to reject cross-session token use.
	jobOwners sync.Map

	evictStop chan struct{}
	evictDone sync.WaitGroup
}

// NewServer creates the manager server.
func NewServer(cfg config.ManagerConfig, p ExecutorPool, prov ProvisionerHealth, tokens *token.Service, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:         cfg,
		pool:        p,
		provisioner: prov,
		tokens:      tokens,
		logger:      log.WithFields(zap.String("component", "manager-api")),
		router:      gin.New(),
		proxyClient: &http.Client{
			Timeout: proxyTotalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: proxyConnectTimeout}).DialContext,
			},
		},
		evictStop: make(chan struct{}),
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
	s.router.Use(httpmw.RequestLogger(s.logger, "manager"))
	s.router.Use(httpmw.OtelTracing("brokkd-manager"))
	s.router.Use(s.protocolMiddleware())

	s.router.GET("/health/live", s.handleLive)

	authed := s.router.Group("/", s.authMiddleware())
	{
		authed.GET("/health/ready", s.handleReady)

		master := authed.Group("/", s.requireMaster())
		master.POST("/v1/sessions", s.handleCreateSession)
		master.DELETE("/v1/sessions/:id", s.handleDeleteSession)

		authed.Any("/v1/jobs", s.handleProxy)
		authed.Any("/v1/jobs/*rest", s.handleProxy)
		authed.Any("/v1/issues/*rest", s.handleProxy)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: v1.ErrNotFound, Message: "no such route"})
	})
	s.router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, v1.ErrorResponse{Error: v1.ErrMethodNotAllowed})
	})
}

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

// authClaims is what the auth middleware stores on the request.
type authClaims struct {
	master    bool
	sessionID string
}

// authMiddleware accepts either the master token (constant-time compare) or
// a valid session token.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tok, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, v1.ErrorResponse{Error: v1.ErrUnauthorized})
			return
		}

		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.cfg.AuthToken)) == 1 {
			c.Set(ctxClaimsKey, &authClaims{master: true})
			c.Next()
			return
		}

		claims, err := s.tokens.Validate(tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, v1.ErrorResponse{Error: v1.ErrUnauthorized})
			return
		}
		c.Set(ctxClaimsKey, &authClaims{sessionID: claims.SessionID})
		c.Next()
	}
}

func (s *Server) requireMaster() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.claims(c).master {
			c.AbortWithStatusJSON(http.StatusForbidden, v1.ErrorResponse{
				Error:   v1.ErrForbidden,
				Message: "master token required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) claims(c *gin.Context) *authClaims {
	if v, ok := c.Get(ctxClaimsKey); ok {
		return v.(*authClaims)
	}
	return &authClaims{}
}

// StartEviction runs the idle-eviction loop until Close. A zero idle
// timeout disables eviction.
func (s *Server) StartEviction() {
	maxIdle := s.cfg.IdleTimeoutDuration()
	interval := s.cfg.EvictionIntervalDuration()
	if maxIdle <= 0 || interval <= 0 {
		return
	}
	if interval > maxIdle {
		interval = maxIdle
	}

	s.evictDone.Add(1)
	go func() {
		defer s.evictDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.evictStop:
				return
			case <-ticker.C:
				if n := s.pool.EvictIdle(context.Background(), maxIdle); n > 0 {
					s.logger.Info("idle eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// Close stops the eviction loop.
func (s *Server) Close() {
	close(s.evictStop)
	s.evictDone.Wait()
}
