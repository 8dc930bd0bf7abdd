package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
	"github.com/BrokkAi/brokkd/pkg/protocol"
)

// proxiedRequestHeaders are forwarded from the caller to the child.
var proxiedRequestHeaders = []string{"Content-Type", "Idempotency-Key", protocol.VersionHeader}

// handleProxy forwards a job request to the session's executor, substituting
// the child's own bearer token. Job routes require a session token; the
// token's sessionId selects the handle.
func (s *Server) handleProxy(c *gin.Context) {
	claims := s.claims(c)
	if claims.master {
		c.JSON(http.StatusForbidden, v1.ErrorResponse{
			Error:   v1.ErrForbidden,
			Message: "job endpoints require a session token",
		})
		return
	}

	// A token for one session must not read another session's jobs.
	if jobID := pathJobID(c.Request.URL.Path); jobID != "" {
		if owner, ok := s.jobOwners.Load(jobID); ok && owner.(string) != claims.sessionID {
			c.JSON(http.StatusForbidden, v1.ErrorResponse{
				Error:   v1.ErrForbidden,
				Message: "job belongs to a different session",
			})
			return
		}
	}

	handle, err := s.pool.Get(claims.sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, v1.ErrorResponse{
			Error:   v1.ErrSessionNotFound,
			Message: "no executor for session",
		})
		return
	}
	handle.Touch()

	url := handle.BaseURL() + c.Request.URL.Path
	if q := c.Request.URL.RawQuery; q != "" {
		url += "?" + q
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}
	for _, h := range proxiedRequestHeaders {
		if val := c.GetHeader(h); val != "" {
			req.Header.Set(h, val)
		}
	}
	req.Header.Set("Authorization", "Bearer "+handle.AuthToken)

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.logger.Error("proxy request failed",
			zap.String("session_id", claims.sessionID),
			zap.String("url", url),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: v1.ErrInternal})
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		c.Header("Content-Type", ct)
	}
	c.Status(resp.StatusCode)

	body := io.Reader(resp.Body)
	// Learn job ownership from creation responses so cross-session tokens
	// can be rejected before reaching the child.
	if isJobCreation(c.Request.Method, c.Request.URL.Path) && resp.StatusCode == http.StatusCreated {
		data, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			s.logger.Error("proxy response read failed", zap.Error(rerr))
			return
		}
		var created v1.CreateJobResponse
		if jerr := json.Unmarshal(data, &created); jerr == nil && created.JobID != "" {
			s.jobOwners.Store(created.JobID, claims.sessionID)
		}
		body = bytes.NewReader(data)
	}

	if _, err := io.Copy(c.Writer, body); err != nil {
		s.logger.Debug("proxy response copy interrupted", zap.Error(err))
	}
}

// pathJobID extracts the job id from /v1/jobs/{id}[/...] paths.
func pathJobID(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/jobs/")
	if !ok || rest == "" {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func isJobCreation(method, path string) bool {
	if method != http.MethodPost {
		return false
	}
	return path == "/v1/jobs" ||
		(strings.HasPrefix(path, "/v1/issues/") && strings.HasSuffix(path, "/fix"))
}
