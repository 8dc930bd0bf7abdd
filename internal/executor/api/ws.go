package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/executor/store"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

// handleEventsWS streams a job's event log over a websocket: replay from
// ?after=N first, then push each new event as it is appended. One JSON
// message per event.
func (s *Server) handleEventsWS(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := s.store.GetJob(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, v1.ErrorResponse{Error: v1.ErrNotFound, Message: "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after", "-1"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: v1.ErrValidation, Message: "after must be an integer"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Subscribe before the replay so nothing appended in between is lost.
	notify, stop := s.store.WatchEvents(jobID)
	defer stop()

	cursor := after
	send := func() bool {
		events, rerr := s.store.ReadEvents(jobID, cursor, 0)
		if rerr != nil {
			s.logger.Error("failed to read events for tail", zap.Error(rerr))
			return false
		}
		for _, ev := range events {
			data, merr := json.Marshal(ev)
			if merr != nil {
				continue
			}
			if werr := conn.WriteMessage(websocket.TextMessage, data); werr != nil {
				return false
			}
			cursor = ev.Seq
		}
		return true
	}
	if !send() {
		return
	}

	closeCh := make(chan struct{})
	go func() {
		for {
			if _, _, rerr := conn.ReadMessage(); rerr != nil {
				close(closeCh)
				return
			}
		}
	}()

	for {
		select {
		case <-closeCh:
			return
		case _, ok := <-notify:
			if !ok {
				return
			}
			if !send() {
				return
			}
		}
	}
}
