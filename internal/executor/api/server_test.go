package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrokkAi/brokkd/internal/common/logger"
	"github.com/BrokkAi/brokkd/internal/db"
	"github.com/BrokkAi/brokkd/internal/db/dialect"
	"github.com/BrokkAi/brokkd/internal/executor/config"
	"github.com/BrokkAi/brokkd/internal/executor/runner"
	"github.com/BrokkAi/brokkd/internal/executor/store"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
	"github.com/BrokkAi/brokkd/pkg/protocol"
)

const testToken = "test-child-token"

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	pool, err := db.Open(dialect.SQLite3, filepath.Join(dir, "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st, err := store.NewStore(pool, dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	w := runner.NewWorker(st, runner.Scripted{})
	w.Start()
	t.Cleanup(w.Stop)

	cfg := &config.Config{
		ExecID:       "exec-test",
		AuthToken:    testToken,
		WorkspaceDir: dir,
		DataDir:      dir,
		DBDriver:     "sqlite",
	}
	return NewServer(cfg, st, w, logger.Default()), st
}

func doJSON(t *testing.T, s *Server, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func createSession(t *testing.T, s *Server) string {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/v1/sessions", v1.ExecutorCreateSessionRequest{Name: "dev"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode[v1.ExecutorCreateSessionResponse](t, rec).SessionID
}

func waitForTerminal(t *testing.T, s *Server, jobID string) v1.JobStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, s, http.MethodGet, "/v1/jobs/"+jobID, nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		status := decode[v1.JobStatusResponse](t, rec)
		if status.State.Terminal() {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return v1.JobStatusResponse{}
}

func TestHealthLive_Unauthenticated(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health/live", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, protocol.String(), rec.Header().Get(protocol.VersionHeader))

	live := decode[v1.ExecutorLiveResponse](t, rec)
	assert.Equal(t, "exec-test", live.ExecID)
	assert.Equal(t, protocol.String(), live.ProtocolVersion)
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health/ready", nil, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, v1.ErrUnauthorized, decode[v1.ErrorResponse](t, rec).Error)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	out := httptest.NewRecorder()
	s.Router().ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestProtocolNegotiation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name     string
		version  string
		wantCode int
		wantErr  v1.ErrorCode
	}{
		{"empty header accepted", "", http.StatusOK, ""},
		{"current version accepted", protocol.String(), http.StatusOK, ""},
		{"older minor accepted", "1.0", http.StatusOK, ""},
		{"newer minor rejected", "1.99", http.StatusConflict, v1.ErrProtocolUnsupported},
		{"different major rejected", "2.0", http.StatusConflict, v1.ErrProtocolIncompatible},
		{"garbage rejected", "not-a-version", http.StatusConflict, v1.ErrProtocolIncompatible},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
			if tt.version != "" {
				req.Header.Set(protocol.VersionHeader, tt.version)
			}
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, protocol.String(), rec.Header().Get(protocol.VersionHeader))
			if tt.wantErr != "" {
				body := decode[v1.ErrorResponse](t, rec)
				assert.Equal(t, tt.wantErr, body.Error)
				assert.NotEmpty(t, body.SupportedCapabilities)
			}
		})
	}
}

func TestCreateSession(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health/ready", nil, true)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, decode[v1.ReadyResponse](t, rec).Ready)

	first := doJSON(t, s, http.MethodPost, "/v1/sessions", v1.ExecutorCreateSessionRequest{Name: "dev"}, true)
	require.Equal(t, http.StatusCreated, first.Code)
	created := decode[v1.ExecutorCreateSessionResponse](t, first)
	assert.NotEmpty(t, created.SessionID)

	// A second create returns the existing session.
	second := doJSON(t, s, http.MethodPost, "/v1/sessions", v1.ExecutorCreateSessionRequest{Name: "other"}, true)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, created.SessionID, decode[v1.ExecutorCreateSessionResponse](t, second).SessionID)

	rec = doJSON(t, s, http.MethodGet, "/health/ready", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[v1.ReadyResponse](t, rec).Ready)

	rec = doJSON(t, s, http.MethodPost, "/v1/sessions", v1.ExecutorCreateSessionRequest{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJob_RequiresSession(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/jobs", v1.CreateJobRequest{TaskInput: "t"}, true)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, v1.ErrSessionNotFound, decode[v1.ErrorResponse](t, rec).Error)
}

func TestCreateJob_Lifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	createSession(t, s)

	rec := doJSON(t, s, http.MethodPost, "/v1/jobs", v1.CreateJobRequest{TaskInput: "add docs"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[v1.CreateJobResponse](t, rec)
	assert.Equal(t, v1.JobStatePending, created.State)

	status := waitForTerminal(t, s, created.JobID)
	assert.Equal(t, v1.JobStateSucceeded, status.State)
	assert.Equal(t, 1, status.Attempts)
	assert.Greater(t, status.LastSeq, int64(0))

	rec = doJSON(t, s, http.MethodPost, "/v1/jobs", v1.CreateJobRequest{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/v1/jobs/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJob_IdempotencyKeyReplay(t *testing.T) {
	s, _ := newTestServer(t)
	createSession(t, s)

	body, err := json.Marshal(v1.CreateJobRequest{TaskInput: "fix the parser"})
	require.NoError(t, err)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusCreated, first.Code)
	second := send()
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t,
		decode[v1.CreateJobResponse](t, first).JobID,
		decode[v1.CreateJobResponse](t, second).JobID)
}

func TestGetEvents_Pagination(t *testing.T) {
	s, _ := newTestServer(t)
	createSession(t, s)

	rec := doJSON(t, s, http.MethodPost, "/v1/jobs", v1.CreateJobRequest{TaskInput: "one two three"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := decode[v1.CreateJobResponse](t, rec).JobID
	waitForTerminal(t, s, jobID)

	rec = doJSON(t, s, http.MethodGet, "/v1/jobs/"+jobID+"/events", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[v1.JobEventsResponse](t, rec)
	require.NotEmpty(t, all.Events)
	assert.Equal(t, all.Events[len(all.Events)-1].Seq, all.NextAfter)

	// Page through two at a time and reassemble the full log.
	var paged []v1.JobEvent
	after := int64(-1)
	for {
		rec = doJSON(t, s, http.MethodGet,
			"/v1/jobs/"+jobID+"/events?after="+strconv.FormatInt(after, 10)+"&max=2", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[v1.JobEventsResponse](t, rec)
		if len(page.Events) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page.Events), 2)
		paged = append(paged, page.Events...)
		after = page.NextAfter
	}
	assert.Equal(t, len(all.Events), len(paged))

	rec = doJSON(t, s, http.MethodGet, "/v1/jobs/missing/events", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	s, st := newTestServer(t)
	createSession(t, s)

	// Cancel a job that is still PENDING by creating it directly in the
	// store, without enqueueing it.
	job, _, err := st.CreateJob(context.Background(), store.CreateJobParams{SessionID: "s", TaskInput: "t"}, "", "")
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	cancelled := decode[v1.CancelJobResponse](t, rec)
	assert.True(t, cancelled.Requested)
	assert.Equal(t, v1.JobStateCancelled, cancelled.State)

	// Cancellation is idempotent.
	rec = doJSON(t, s, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, v1.JobStateCancelled, decode[v1.CancelJobResponse](t, rec).State)

	rec = doJSON(t, s, http.MethodPost, "/v1/jobs/missing/cancel", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueFix(t *testing.T) {
	s, _ := newTestServer(t)
	createSession(t, s)

	rec := doJSON(t, s, http.MethodPost, "/v1/issues/42/fix", v1.IssueFixRequest{Instructions: "check the lexer"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[v1.IssueFixResponse](t, rec)
	assert.Equal(t, 42, created.Issue)
	assert.Equal(t, v1.JobStatePending, created.State)

	status := waitForTerminal(t, s, created.JobID)
	assert.Equal(t, v1.JobStateSucceeded, status.State)

	rec = doJSON(t, s, http.MethodPost, "/v1/issues/zero/fix", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsWebSocketTail(t *testing.T) {
	s, st := newTestServer(t)
	createSession(t, s)

	job, _, err := st.CreateJob(context.Background(), store.CreateJobParams{SessionID: "s", TaskInput: "t"}, "", "")
	require.NoError(t, err)
	_, err = st.AppendEvent(job.ID, v1.EventNotification, map[string]any{"level": "INFO", "message": "before"})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/jobs/" + job.ID + "/events/ws?after=-1"
	header := http.Header{"Authorization": {"Bearer " + testToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// Replay of the existing event.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev v1.JobEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, int64(0), ev.Seq)
	assert.Equal(t, "before", ev.Payload["message"])

	// Live push of a new append.
	_, err = st.AppendEvent(job.ID, v1.EventNotification, map[string]any{"level": "INFO", "message": "after"})
	require.NoError(t, err)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, int64(1), ev.Seq)
	assert.Equal(t, "after", ev.Payload["message"])
}
