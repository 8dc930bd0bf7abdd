// Package store persists jobs and their event logs for a single executor.
// Job rows live in SQL (SQLite by default, Postgres optional); the ordered
// per-job event log lives in append-only JSONL files under the executor's
// data directory, fsynced on every append.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrokkAi/brokkd/internal/common/logger"
	"github.com/BrokkAi/brokkd/internal/db"
	"github.com/BrokkAi/brokkd/internal/db/dialect"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

// Job is the persisted record of one job.
type Job struct {
	ID              string      `db:"id"`
	SessionID       string      `db:"session_id"`
	Issue           int         `db:"issue"`
	TaskInput       string      `db:"task_input"`
	PlannerModel    string      `db:"planner_model"`
	CodeModel       string      `db:"code_model"`
	State           v1.JobState `db:"state"`
	Attempts        int         `db:"attempts"`
	CancelRequested int         `db:"cancel_requested"`
	CreatedAt       time.Time   `db:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at"`
}

// CreateJobParams carries the fields needed to record a new PENDING job.
type CreateJobParams struct {
	SessionID    string
	Issue        int
	TaskInput    string
	PlannerModel string
	CodeModel    string
}

// Store owns the jobs table and the per-job event logs.
type Store struct {
	pool    *db.Pool
	dataDir string
	logger  *logger.Logger

	mu   sync.Mutex
	logs map[string]*eventLog

	watch *watchers
}

// NewStore opens the store, initializing the schema and the event log
// directory. It recovers event logs left behind by a previous run,
// truncating any partially written trailing line.
func NewStore(pool *db.Pool, dataDir string) (*Store, error) {
	s := &Store{
		pool:    pool,
		dataDir: dataDir,
		logger:  logger.Default(),
		logs:    make(map[string]*eventLog),
		watch:   newWatchers(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := os.MkdirAll(s.eventsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		issue INTEGER NOT NULL DEFAULT 0,
		task_input TEXT NOT NULL,
		planner_model TEXT NOT NULL DEFAULT '',
		code_model TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_idempotency (
		key TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		request_hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

func (s *Store) eventsDir() string {
	return filepath.Join(s.dataDir, "events")
}

// CreateJob records a new PENDING job. When idempotencyKey is non-empty and
// was seen before with the same requestHash, the original job is returned
// with replayed=true instead of creating a duplicate.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams, idempotencyKey, requestHash string) (*Job, bool, error) {
	if idempotencyKey != "" {
		job, err := s.lookupIdempotent(ctx, idempotencyKey, requestHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
		if job != nil {
			return job, true, nil
		}
	}

	now := time.Now().UTC()
	job := &Job{
		ID:           uuid.New().String(),
		SessionID:    p.SessionID,
		Issue:        p.Issue,
		TaskInput:    p.TaskInput,
		PlannerModel: p.PlannerModel,
		CodeModel:    p.CodeModel,
		State:        v1.JobStatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO jobs (id, session_id, issue, task_input, planner_model, code_model, state, attempts, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`),
		job.ID, job.SessionID, job.Issue, job.TaskInput, job.PlannerModel, job.CodeModel, job.State, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}

	if idempotencyKey != "" {
		_, err = tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO job_idempotency (key, job_id, request_hash) VALUES (?, ?, ?)`),
			idempotencyKey, job.ID, requestHash)
		if err != nil {
			if db.IsUniqueViolation(err) {
				// Lost a race with a concurrent identical request.
				tx.Rollback()
				replay, lerr := s.lookupIdempotent(ctx, idempotencyKey, requestHash)
				if lerr != nil {
					return nil, false, lerr
				}
				return replay, true, nil
			}
			return nil, false, fmt.Errorf("failed to record idempotency key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

func (s *Store) lookupIdempotent(ctx context.Context, key, requestHash string) (*Job, error) {
	var row struct {
		JobID       string `db:"job_id"`
		RequestHash string `db:"request_hash"`
	}
	err := s.pool.Reader().GetContext(ctx, &row,
		s.pool.Reader().Rebind(`SELECT job_id, request_hash FROM job_idempotency WHERE key = ?`), key)
	if err != nil {
		return nil, err
	}
	if row.RequestHash != requestHash {
		return nil, ErrIdempotencyConflict
	}
	return s.GetJob(ctx, row.JobID)
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.pool.Reader().GetContext(ctx, &job,
		s.pool.Reader().Rebind(`SELECT * FROM jobs WHERE id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the jobs of a session, newest first.
func (s *Store) ListJobs(ctx context.Context, sessionID string) ([]Job, error) {
	var jobs []Job
	err := s.pool.Reader().SelectContext(ctx, &jobs,
		s.pool.Reader().Rebind(`SELECT * FROM jobs WHERE session_id = ? ORDER BY created_at DESC`), sessionID)
	return jobs, err
}

// Transition moves a job to the next state, enforcing the state machine.
// ErrIllegalTransition is returned for any move the machine does not allow,
// including any transition out of a terminal state.
func (s *Store) Transition(ctx context.Context, jobID string, next v1.JobState) (*Job, error) {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var job Job
	err = tx.GetContext(ctx, &job, tx.Rebind(`SELECT * FROM jobs WHERE id = ?`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	if !job.State.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.State, next)
	}

	job.State = next
	job.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		tx.Rebind(`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?`),
		job.State, job.UpdatedAt, job.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &job, nil
}

// RequestCancel records a cancellation request. Recording is idempotent and
// legal in any state; it does not itself change the job state.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (*Job, error) {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind(`UPDATE jobs SET cancel_requested = ?, updated_at = ? WHERE id = ?`),
		dialect.BoolToInt(true), time.Now().UTC(), jobID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrJobNotFound
	}
	return s.GetJob(ctx, jobID)
}

// CancelRequested reports whether cancellation was requested for the job.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.CancelRequested != 0, nil
}

// IncrementAttempts bumps the attempt counter when a job run starts.
func (s *Store) IncrementAttempts(ctx context.Context, jobID string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind(`UPDATE jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Status assembles the status view of a job, including the last event
// sequence number (-1 when the log is empty).
func (s *Store) Status(ctx context.Context, jobID string) (*v1.JobStatusResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	lastSeq, err := s.LastSeq(jobID)
	if err != nil {
		return nil, err
	}
	return &v1.JobStatusResponse{
		JobID:     job.ID,
		State:     job.State,
		CreatedAt: job.CreatedAt.UnixMilli(),
		UpdatedAt: job.UpdatedAt.UnixMilli(),
		Attempts:  job.Attempts,
		LastSeq:   lastSeq,
	}, nil
}

// Close closes all open event log files. The database pool is owned by the
// caller and is not closed here.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, l := range s.logs {
		if err := l.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.logs, id)
	}
	return firstErr
}
