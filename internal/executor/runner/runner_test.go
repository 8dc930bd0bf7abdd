package runner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrokkAi/brokkd/internal/db"
	"github.com/BrokkAi/brokkd/internal/db/dialect"
	"github.com/BrokkAi/brokkd/internal/executor/console"
	"github.com/BrokkAi/brokkd/internal/executor/store"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	pool, err := db.Open(dialect.SQLite3, filepath.Join(dir, "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s, err := store.NewStore(pool, dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForState(t *testing.T, s *store.Store, jobID string, want v1.JobState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := s.GetJob(context.Background(), jobID)
	t.Fatalf("job never reached %s (state %s)", want, job.State)
}

func TestScripted_EmitsFullEventSurface(t *testing.T) {
	s := newTestStore(t)
	job, _, err := s.CreateJob(context.Background(), store.CreateJobParams{
		SessionID: "s-1",
		TaskInput: "rename the helper",
	}, "", "")
	require.NoError(t, err)

	c := console.New(s, job.ID)
	require.NoError(t, Scripted{}.Run(context.Background(), job, c))

	events, err := s.ReadEvents(job.ID, -1, 0)
	require.NoError(t, err)

	seen := map[v1.EventType]int{}
	for _, ev := range events {
		seen[ev.Type]++
	}
	assert.Equal(t, 1, seen[v1.EventContextBaseline])
	assert.Equal(t, 3, seen[v1.EventLLMToken]) // one per word of task input
	assert.Equal(t, 2, seen[v1.EventStateHint])
	assert.Equal(t, 1, seen[v1.EventConfirmRequest])
	assert.Equal(t, 1, seen[v1.EventNotification])
}

func TestScripted_StopsOnCancelledContext(t *testing.T) {
	s := newTestStore(t)
	job, _, err := s.CreateJob(context.Background(), store.CreateJobParams{
		SessionID: "s-1",
		TaskInput: "x",
	}, "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Scripted{}.Run(ctx, job, console.New(s, job.ID))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorker_RunsJobToSuccess(t *testing.T) {
	s := newTestStore(t)
	w := NewWorker(s, Scripted{})
	w.Start()
	defer w.Stop()

	job, _, err := s.CreateJob(context.Background(), store.CreateJobParams{
		SessionID: "s-1",
		TaskInput: "add logging",
	}, "", "")
	require.NoError(t, err)

	w.Enqueue(job.ID)
	waitForState(t, s, job.ID, v1.JobStateSucceeded)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	last, err := s.LastSeq(job.ID)
	require.NoError(t, err)
	assert.Greater(t, last, int64(0))
}

type failingRunner struct{}

func (failingRunner) Run(context.Context, *store.Job, *console.Console) error {
	return errors.New("model unavailable")
}

func TestWorker_RecordsFailure(t *testing.T) {
	s := newTestStore(t)
	w := NewWorker(s, failingRunner{})
	w.Start()
	defer w.Stop()

	job, _, err := s.CreateJob(context.Background(), store.CreateJobParams{
		SessionID: "s-1",
		TaskInput: "t",
	}, "", "")
	require.NoError(t, err)

	w.Enqueue(job.ID)
	waitForState(t, s, job.ID, v1.JobStateFailed)

	events, err := s.ReadEvents(job.ID, -1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, v1.EventError, last.Type)
	assert.Equal(t, "model unavailable", last.Payload["message"])
}

type blockingRunner struct {
	started chan struct{}
}

func (r blockingRunner) Run(ctx context.Context, _ *store.Job, _ *console.Console) error {
	close(r.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestWorker_CancelRequestStopsRunningJob(t *testing.T) {
	s := newTestStore(t)
	r := blockingRunner{started: make(chan struct{})}
	w := NewWorker(s, r)
	w.Start()
	defer w.Stop()

	job, _, err := s.CreateJob(context.Background(), store.CreateJobParams{
		SessionID: "s-1",
		TaskInput: "t",
	}, "", "")
	require.NoError(t, err)

	w.Enqueue(job.ID)
	select {
	case <-r.started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	_, err = s.RequestCancel(context.Background(), job.ID)
	require.NoError(t, err)
	waitForState(t, s, job.ID, v1.JobStateCancelled)
}

func TestIssueTaskInput(t *testing.T) {
	assert.Equal(t, "Fix issue #42", IssueTaskInput(42, ""))
	assert.Equal(t, "Fix issue #7: focus on the parser", IssueTaskInput(7, "focus on the parser"))
}
