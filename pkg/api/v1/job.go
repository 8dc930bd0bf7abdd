package v1

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// Terminal reports whether the state is a sink state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is legal.
// The only legal transitions are PENDING->RUNNING, RUNNING->{SUCCEEDED,
// FAILED, CANCELLED} and PENDING->CANCELLED.
func (s JobState) CanTransitionTo(next JobState) bool {
	switch s {
	case JobStatePending:
		return next == JobStateRunning || next == JobStateCancelled
	case JobStateRunning:
		return next == JobStateSucceeded || next == JobStateFailed || next == JobStateCancelled
	}
	return false
}

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	TaskInput    string `json:"taskInput"`
	PlannerModel string `json:"plannerModel,omitempty"`
	CodeModel    string `json:"codeModel,omitempty"`
}

// CreateJobResponse is returned with 201 once the job is recorded as PENDING.
type CreateJobResponse struct {
	JobID string   `json:"jobId"`
	State JobState `json:"state"`
}

// JobStatusResponse is the body of GET /v1/jobs/{id}.
type JobStatusResponse struct {
	JobID     string   `json:"jobId"`
	State     JobState `json:"state"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
	Attempts  int      `json:"attempts"`
	LastSeq   int64    `json:"lastSeq"`
}

// JobEvent is one entry of a job's event log. Seq is dense and strictly
// increasing per job, starting at 0. Ts is wall-clock milliseconds.
type JobEvent struct {
	Seq     int64          `json:"seq"`
	Ts      int64          `json:"ts"`
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload"`
}

// JobEventsResponse is the body of GET /v1/jobs/{id}/events.
type JobEventsResponse struct {
	Events    []JobEvent `json:"events"`
	NextAfter int64      `json:"nextAfter"`
}

// CancelJobResponse acknowledges a recorded cancellation request.
type CancelJobResponse struct {
	JobID     string   `json:"jobId"`
	State     JobState `json:"state"`
	Requested bool     `json:"requested"`
}

// IssueFixRequest is the body of POST /v1/issues/{n}/fix.
type IssueFixRequest struct {
	PlannerModel string `json:"plannerModel,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// IssueFixResponse is returned for an issue-fix job.
type IssueFixResponse struct {
	JobID string   `json:"jobId"`
	Issue int      `json:"issue"`
	State JobState `json:"state"`
}
