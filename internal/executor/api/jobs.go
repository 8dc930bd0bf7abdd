package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/executor/runner"
	"github.com/BrokkAi/brokkd/internal/executor/store"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

// defaultEventPageSize bounds GET /v1/jobs/:id/events responses.
const defaultEventPageSize = 512

func (s *Server) handleCreateJob(c *gin.Context) {
	var req v1.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "invalid request body"})
		return
	}
	if req.TaskInput == "" {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "taskInput is required"})
		return
	}
	session := s.currentSession()
	if session == nil {
		c.JSON(http.StatusConflict, v1.ErrorResponse{Error: v1.ErrSessionNotFound, Message: "session not created yet"})
		return
	}

	s.createJob(c, store.CreateJobParams{
		SessionID:    session.SessionID,
		TaskInput:    req.TaskInput,
		PlannerModel: req.PlannerModel,
		CodeModel:    req.CodeModel,
	}, func(job *store.Job) any {
		return v1.CreateJobResponse{JobID: job.ID, State: job.State}
	})
}

func (s *Server) handleIssueFix(c *gin.Context) {
	issue, err := strconv.Atoi(c.Param("n"))
	if err != nil || issue < 1 {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "issue number must be a positive integer"})
		return
	}
	// The body is optional for issue-fix jobs.
	var req v1.IssueFixRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "invalid request body"})
		return
	}
	session := s.currentSession()
	if session == nil {
		c.JSON(http.StatusConflict, v1.ErrorResponse{Error: v1.ErrSessionNotFound, Message: "session not created yet"})
		return
	}

	s.createJob(c, store.CreateJobParams{
		SessionID:    session.SessionID,
		Issue:        issue,
		TaskInput:    runner.IssueTaskInput(issue, req.Instructions),
		PlannerModel: req.PlannerModel,
	}, func(job *store.Job) any {
		return v1.IssueFixResponse{JobID: job.ID, Issue: issue, State: job.State}
	})
}

// createJob records the job, enqueues it on first creation, and renders the
// response. Idempotency-Key replays return the original job, again with 201.
func (s *Server) createJob(c *gin.Context, p store.CreateJobParams, render func(*store.Job) any) {
	key := c.GetHeader("Idempotency-Key")
	hash := requestHash(p)

	job, replayed, err := s.store.CreateJob(c.Request.Context(), p, key, hash)
	if errors.Is(err, store.ErrIdempotencyConflict) {
		c.JSON(http.StatusConflict, v1.ErrorResponse{Error: v1.ErrValidation, Message: "Idempotency-Key reused with a different request"})
		return
	}
	if err != nil {
		s.logger.Error("failed to create job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}

	if !replayed {
		s.worker.Enqueue(job.ID)
	}
	c.JSON(http.StatusCreated, render(job))
}

func requestHash(p store.CreateJobParams) string {
	h := sha256.New()
	h.Write([]byte(p.TaskInput))
	h.Write([]byte{0})
	h.Write([]byte(p.PlannerModel))
	h.Write([]byte{0})
	h.Write([]byte(p.CodeModel))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(p.Issue)))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Server) handleGetJob(c *gin.Context) {
	status, err := s.store.Status(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: v1.ErrNotFound, Message: "job not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to load job status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleGetEvents(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := s.store.GetJob(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: v1.ErrNotFound, Message: "job not found"})
			return
		}
		s.logger.Error("failed to load job", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}

	after, err := strconv.ParseInt(c.DefaultQuery("after", "-1"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "after must be an integer"})
		return
	}
	max, err := strconv.Atoi(c.DefaultQuery("max", strconv.Itoa(defaultEventPageSize)))
	if err != nil || max < 1 || max > defaultEventPageSize {
		max = defaultEventPageSize
	}

	events, err := s.store.ReadEvents(jobID, after, max)
	if err != nil {
		s.logger.Error("failed to read events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrIO})
		return
	}

	nextAfter := after
	if len(events) > 0 {
		nextAfter = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, v1.JobEventsResponse{Events: events, NextAfter: nextAfter})
}

func (s *Server) handleCancelJob(c *gin.Context) {
	jobID := c.Param("id")
	job, err := s.store.RequestCancel(c.Request.Context(), jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: v1.ErrNotFound, Message: "job not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to record cancellation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}

	// A job that never started can finish right here; a running one is
	// stopped by the worker's cancellation poll.
	if job.State == v1.JobStatePending {
		if done, terr := s.store.Transition(c.Request.Context(), jobID, v1.JobStateCancelled); terr == nil {
			job = done
		}
	}

	c.JSON(http.StatusAccepted, v1.CancelJobResponse{
		JobID:     job.ID,
		State:     job.State,
		Requested: true,
	})
}
