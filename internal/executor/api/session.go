package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

// handleCreateSession creates the single session this child serves. An
// executor is one-session-one-process; a second create returns the existing
// session unchanged so the manager's forward is idempotent.
func (s *Server) handleCreateSession(c *gin.Context) {
	var req v1.ExecutorCreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "invalid request body"})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "name is required"})
		return
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.session != nil {
		c.JSON(http.StatusOK, s.session)
		return
	}
	s.session = &v1.ExecutorCreateSessionResponse{
		SessionID: uuid.New().String(),
		Name:      req.Name,
		CreatedAt: time.Now().UnixMilli(),
	}
	s.logger.Info("session created",
		zap.String("session_id", s.session.SessionID),
		zap.String("name", req.Name))
	c.JSON(http.StatusCreated, s.session)
}
