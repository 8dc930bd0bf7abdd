package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/common/logger"
	"github.com/BrokkAi/brokkd/internal/executor/console"
	"github.com/BrokkAi/brokkd/internal/executor/store"
	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

// cancelPollInterval is how often a running job checks for a recorded
// cancellation request.
const cancelPollInterval = 250 * time.Millisecond

// Worker runs jobs one at a time. An executor serves a single session, and
// jobs within a session are sequential.
type Worker struct {
	store  *store.Store
	runner Runner
	logger *logger.Logger

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorker creates a worker draining jobs through the given runner.
func NewWorker(st *store.Store, r Runner) *Worker {
	return &Worker{
		store:  st,
		runner: r,
		logger: logger.Default(),
		queue:  make(chan string, 64),
	}
}

// Start begins draining the queue until Stop is called.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case jobID := <-w.queue:
				w.runJob(ctx, jobID)
			}
		}
	}()
}

// Stop cancels the in-flight job, if any, and waits for the drain loop.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// Enqueue schedules a PENDING job for execution.
func (w *Worker) Enqueue(jobID string) {
	w.queue <- jobID
}

func (w *Worker) runJob(ctx context.Context, jobID string) {
	log := w.logger.WithJobID(jobID)

	job, err := w.store.Transition(ctx, jobID, v1.JobStateRunning)
	if err != nil {
		// Cancelled while still PENDING, or already handled.
		if !errors.Is(err, store.ErrIllegalTransition) {
			log.Error("failed to start job", zap.Error(err))
		}
		return
	}
	if err := w.store.IncrementAttempts(ctx, jobID); err != nil {
		log.Warn("failed to bump attempt counter", zap.Error(err))
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stopPoll := w.pollCancellation(runCtx, jobID, cancelRun)
	defer stopPoll()

	c := console.New(w.store, jobID)
	runErr := w.runner.Run(runCtx, job, c)

	switch {
	case runErr == nil:
		w.finish(jobID, v1.JobStateSucceeded, log)
	case errors.Is(runErr, context.Canceled):
		w.finish(jobID, v1.JobStateCancelled, log)
	default:
		if _, err := c.Error(runErr.Error(), "Job failed"); err != nil {
			log.Warn("failed to record job error event", zap.Error(err))
		}
		w.finish(jobID, v1.JobStateFailed, log)
	}
}

// pollCancellation watches the cancel_requested flag and cancels the run
// context once it is set. Returns a stop function.
func (w *Worker) pollCancellation(ctx context.Context, jobID string, cancelRun context.CancelFunc) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				requested, err := w.store.CancelRequested(context.Background(), jobID)
				if err == nil && requested {
					cancelRun()
					return
				}
			}
		}
	}()
	return stop
}

func (w *Worker) finish(jobID string, state v1.JobState, log *logger.Logger) {
	// State transitions must land even when the run context is cancelled.
	if _, err := w.store.Transition(context.Background(), jobID, state); err != nil {
		log.Error("failed to finish job", zap.String("state", string(state)), zap.Error(err))
		return
	}
	log.Info("job finished", zap.String("state", string(state)))
}
