package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
	"github.com/BrokkAi/brokkd/pkg/protocol"
)

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, v1.ExecutorLiveResponse{
		ExecID:          s.cfg.ExecID,
		Version:         protocol.Version,
		ProtocolVersion: protocol.String(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.currentSession() == nil {
		c.JSON(http.StatusServiceUnavailable, v1.ReadyResponse{
			Ready:  false,
			Reason: "session not created yet",
		})
		return
	}
	c.JSON(http.StatusOK, v1.ReadyResponse{Ready: true})
}
