package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/manager/pool"
	"github.com/BrokkAi/brokkd/internal/worktree"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
	"github.com/BrokkAi/brokkd/pkg/protocol"
)

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, v1.ManagerLiveResponse{
		ManagerID:       s.cfg.ManagerID,
		Version:         protocol.Version,
		ProtocolVersion: protocol.String(),
		PoolSize:        s.pool.Size(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.provisioner.Healthcheck() {
		c.Header("Retry-After", retryAfterNotReady)
		c.JSON(http.StatusServiceUnavailable, v1.ErrorResponse{
			Error:   v1.ErrProvisionerUnhealthy,
			Message: "worktree provisioner is unhealthy",
		})
		return
	}
	if s.pool.Full() {
		c.Header("Retry-After", retryAfterNotReady)
		c.JSON(http.StatusServiceUnavailable, v1.ErrorResponse{
			Error:   v1.ErrNoCapacity,
			Message: "executor pool is at capacity",
		})
		return
	}
	c.JSON(http.StatusOK, v1.ReadyResponse{Ready: true})
}

// handleCreateSession spawns an executor, forwards session creation to it,
// rekeys the handle to the child's session id, and mints the session token.
func (s *Server) handleCreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "invalid request body"})
		return
	}
	if req.Name == "" || req.RepoPath == "" {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "name and repoPath are required"})
		return
	}

	if s.pool.Full() {
		c.Header("Retry-After", retryAfterCapacity)
		c.JSON(http.StatusTooManyRequests, v1.ErrorResponse{
			Error:   v1.ErrCapacityExceeded,
			Message: "executor pool is at capacity",
		})
		return
	}

	// Provisional id until the child reports the canonical one.
	provisionalID := uuid.New().String()
	handle, err := s.pool.Spawn(c.Request.Context(), worktree.SessionSpec{
		SessionID: provisionalID,
		RepoPath:  req.RepoPath,
		Ref:       req.Ref,
	})
	if err != nil {
		s.logger.Error("spawn failed", zap.Error(err))
		if errors.Is(err, pool.ErrPoolFull) {
			c.Header("Retry-After", retryAfterCapacity)
			c.JSON(http.StatusTooManyRequests, v1.ErrorResponse{
				Error:   v1.ErrCapacityExceeded,
				Message: "executor pool is at capacity",
			})
			return
		}
		var spawnErr *pool.SpawnError
		if errors.As(err, &spawnErr) {
			c.Header("Retry-After", retryAfterCapacity)
			c.JSON(http.StatusTooManyRequests, v1.ErrorResponse{
				Error:   v1.ErrSpawnFailed,
				Message: "failed to start an executor for the session",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}

	childSession, err := s.createChildSession(c, handle, req.Name)
	if err != nil {
		s.logger.Error("child session creation failed", zap.Error(err))
		_ = s.pool.Shutdown(c.Request.Context(), provisionalID)
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}

	if err := s.pool.UpdateSessionID(provisionalID, childSession.SessionID); err != nil {
		s.logger.Error("failed to rekey session handle", zap.Error(err))
		_ = s.pool.Shutdown(c.Request.Context(), provisionalID)
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}
	s.pool.Touch(childSession.SessionID)

	tok, err := s.tokens.Mint(childSession.SessionID, s.cfg.TokenValidityDuration())
	if err != nil {
		s.logger.Error("failed to mint session token", zap.Error(err))
		_ = s.pool.Shutdown(c.Request.Context(), childSession.SessionID)
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}

	s.logger.Info("session created",
		zap.String("session_id", childSession.SessionID),
		zap.String("exec_id", handle.ExecID))
	c.JSON(http.StatusCreated, v1.CreateSessionResponse{
		SessionID: childSession.SessionID,
		State:     "ready",
		Token:     tok,
	})
}

func (s *Server) createChildSession(c *gin.Context, h *pool.ExecutorHandle, name string) (*v1.ExecutorCreateSessionResponse, error) {
	body, err := json.Marshal(v1.ExecutorCreateSessionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, h.BaseURL()+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.AuthToken)

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("executor rejected session create: %d %s", resp.StatusCode, data)
	}

	var out v1.ExecutorCreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := s.pool.Shutdown(c.Request.Context(), sessionID); err != nil {
		s.logger.Error("session shutdown failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}
	c.Status(http.StatusNoContent)
}
