package v1

// CreateSessionRequest is the body of the manager's POST /v1/sessions.
type CreateSessionRequest struct {
	Name     string `json:"name"`
	RepoPath string `json:"repoPath"`
	Ref      string `json:"ref,omitempty"`
}

// CreateSessionResponse is returned with 201 once the session is ready.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Token     string `json:"token"`
}

// ExecutorCreateSessionRequest is the body the manager forwards to a child's
// POST /v1/sessions.
type ExecutorCreateSessionRequest struct {
	Name string `json:"name"`
}

// ExecutorCreateSessionResponse is the child's 201 response.
type ExecutorCreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// ManagerLiveResponse is the manager's unauthenticated GET /health/live body.
type ManagerLiveResponse struct {
	ManagerID       string `json:"managerId"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
	PoolSize        int    `json:"poolSize"`
}

// ExecutorLiveResponse is a child's unauthenticated GET /health/live body.
type ExecutorLiveResponse struct {
	ExecID          string `json:"execId"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// ReadyResponse is the body of GET /health/ready.
type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}
