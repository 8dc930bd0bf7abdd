// Package pool owns the executor child processes, keyed by session. It
// provisions a worktree, spawns the child, waits for it to come up, and
// tracks a handle per session for the manager's proxy layer.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BrokkAi/brokkd/internal/common/logger"
	"github.com/BrokkAi/brokkd/internal/common/portutil"
	"github.com/BrokkAi/brokkd/internal/events/bus"
	"github.com/BrokkAi/brokkd/internal/worktree"
)

const (
	// livePollInterval and livePollTimeout bound the readiness wait after a
	// child starts.
	livePollInterval = 500 * time.Millisecond
	livePollTimeout  = 30 * time.Second

	// shutdownGrace is how long a child gets between SIGTERM and SIGKILL.
	shutdownGrace = 5 * time.Second
)

// ErrSessionUnknown is returned by Get for sessions without a handle.
var ErrSessionUnknown = fmt.Errorf("no executor for session")

// ErrPoolFull is returned by Spawn when every slot is taken, counting spawns
// still in flight.
var ErrPoolFull = errors.New("executor pool is at capacity")

// SpawnError wraps any failure on the spawn path, after cleanup has run.
type SpawnError struct {
	SessionID string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn executor for session %s: %v", e.SessionID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExecutorHandle is the pool's record of one running child.
type ExecutorHandle struct {
	ExecID       string
	SessionID    string
	Addr         string // host:port on loopback
	AuthToken    string
	WorkspaceDir string
	StartedAt    time.Time

	child Child

	mu        sync.Mutex
	lastTouch time.Time
}

// BaseURL returns the child's HTTP base URL.
func (h *ExecutorHandle) BaseURL() string {
	return "http://" + h.Addr
}

// Touch records activity on the session.
func (h *ExecutorHandle) Touch() {
	h.mu.Lock()
	h.lastTouch = time.Now()
	h.mu.Unlock()
}

// IdleFor returns how long the session has been without activity.
func (h *ExecutorHandle) IdleFor() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastTouch)
}

// Provisioner is the slice of the worktree provisioner the pool needs.
type Provisioner interface {
	Provision(ctx context.Context, spec worktree.SessionSpec) (string, error)
	Teardown(ctx context.Context, sessionID string) error
	Healthcheck() bool
}

// Pool manages executor children.
type Pool struct {
	launcher    Launcher
	provisioner Provisioner
	bus         bus.EventBus
	logger      *logger.Logger
	maxSize     int

	httpClient *http.Client

	mu     sync.RWMutex
	bySess map[string]*ExecutorHandle
	// reserved counts spawns past their capacity check but not yet in
	// bySess, so concurrent spawns cannot overshoot maxSize.
	reserved int
	spawnSF  singleflight.Group
}

// New creates a pool bounded at maxSize children.
func New(l Launcher, p Provisioner, eb bus.EventBus, maxSize int, log *logger.Logger) *Pool {
	return &Pool{
		launcher:    l,
		provisioner: p,
		bus:         eb,
		logger:      log.WithFields(zap.String("component", "executor-pool")),
		maxSize:     maxSize,
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		bySess:      make(map[string]*ExecutorHandle),
	}
}

// Size returns the number of live handles.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bySess)
}

// MaxSize returns the configured capacity.
func (p *Pool) MaxSize() int { return p.maxSize }

// Full reports whether the pool is at capacity, counting in-flight spawns.
func (p *Pool) Full() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bySess)+p.reserved >= p.maxSize
}

// Get returns the handle for a session.
func (p *Pool) Get(sessionID string) (*ExecutorHandle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.bySess[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrSessionUnknown, sessionID)
	}
	return h, nil
}

// Touch records activity on a session, feeding idle eviction.
func (p *Pool) Touch(sessionID string) {
	if h, err := p.Get(sessionID); err == nil {
		h.Touch()
	}
}

// Spawn starts an executor for the session, or returns the existing handle.
// Concurrent spawns for the same session collapse into one.
func (p *Pool) Spawn(ctx context.Context, spec worktree.SessionSpec) (*ExecutorHandle, error) {
	v, err, _ := p.spawnSF.Do(spec.SessionID, func() (any, error) {
		if h, err := p.Get(spec.SessionID); err == nil {
			return h, nil
		}
		return p.spawn(ctx, spec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ExecutorHandle), nil
}

func (p *Pool) spawn(ctx context.Context, spec worktree.SessionSpec) (*ExecutorHandle, error) {
	// Reserve a slot before any work so the capacity check and the insert
	// are one atomic step even across concurrent spawns.
	p.mu.Lock()
	if len(p.bySess)+p.reserved >= p.maxSize {
		p.mu.Unlock()
		return nil, ErrPoolFull
	}
	p.reserved++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.reserved--
		p.mu.Unlock()
	}()

	log := p.logger.WithSessionID(spec.SessionID)

	workspaceDir, err := p.provisioner.Provision(ctx, spec)
	if err != nil {
		return nil, &SpawnError{SessionID: spec.SessionID, Err: err}
	}

	port, err := portutil.AllocatePort()
	if err != nil {
		_ = p.provisioner.Teardown(ctx, spec.SessionID)
		return nil, &SpawnError{SessionID: spec.SessionID, Err: err}
	}

	token, err := newChildToken()
	if err != nil {
		_ = p.provisioner.Teardown(ctx, spec.SessionID)
		return nil, &SpawnError{SessionID: spec.SessionID, Err: err}
	}

	launch := LaunchSpec{
		ExecID:       uuid.New().String(),
		ListenAddr:   fmt.Sprintf("127.0.0.1:%d", port),
		AuthToken:    token,
		WorkspaceDir: workspaceDir,
	}
	child, err := p.launcher.Launch(ctx, launch)
	if err != nil {
		_ = p.provisioner.Teardown(ctx, spec.SessionID)
		return nil, &SpawnError{SessionID: spec.SessionID, Err: err}
	}

	if err := p.waitForLive(ctx, launch.ListenAddr, child); err != nil {
		_ = child.Stop(context.Background(), shutdownGrace)
		_ = p.provisioner.Teardown(context.Background(), spec.SessionID)
		return nil, &SpawnError{SessionID: spec.SessionID, Err: err}
	}

	h := &ExecutorHandle{
		ExecID:       launch.ExecID,
		SessionID:    spec.SessionID,
		Addr:         launch.ListenAddr,
		AuthToken:    token,
		WorkspaceDir: workspaceDir,
		StartedAt:    time.Now(),
		child:        child,
		lastTouch:    time.Now(),
	}

	p.mu.Lock()
	p.bySess[spec.SessionID] = h
	p.mu.Unlock()

	log.Info("executor spawned",
		zap.String("exec_id", h.ExecID),
		zap.String("addr", h.Addr),
		zap.Int("pid", child.Pid()))
	p.publish(bus.SubjectSessionSpawned, h)
	return h, nil
}

// waitForLive polls the child's unauthenticated liveness endpoint.
func (p *Pool) waitForLive(ctx context.Context, addr string, child Child) error {
	url := "http://" + addr + "/health/live"
	deadline := time.Now().Add(livePollTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-child.Exited():
			return fmt.Errorf("executor exited during startup")
		default:
		}

		resp, err := p.httpClient.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(livePollInterval)
	}
	return fmt.Errorf("executor not live after %s", livePollTimeout)
}

// UpdateSessionID rekeys a handle once the child reports its real session id.
func (p *Pool) UpdateSessionID(oldID, newID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.bySess[oldID]
	if !ok {
		return fmt.Errorf("%w %s", ErrSessionUnknown, oldID)
	}
	if _, taken := p.bySess[newID]; taken {
		return fmt.Errorf("session %s already has an executor", newID)
	}
	delete(p.bySess, oldID)
	h.SessionID = newID
	p.bySess[newID] = h
	return nil
}

// Shutdown stops a session's child and tears down its worktree. Unknown
// sessions are a no-op, making shutdown idempotent.
func (p *Pool) Shutdown(ctx context.Context, sessionID string) error {
	return p.stop(ctx, sessionID, bus.SubjectSessionShutdown)
}

func (p *Pool) stop(ctx context.Context, sessionID, subject string) error {
	p.mu.Lock()
	h, ok := p.bySess[sessionID]
	if ok {
		delete(p.bySess, sessionID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	log := p.logger.WithSessionID(sessionID)
	if err := h.child.Stop(ctx, shutdownGrace); err != nil {
		log.Warn("executor stop was not clean", zap.Error(err))
	}
	if err := p.provisioner.Teardown(ctx, sessionID); err != nil {
		log.Warn("worktree teardown failed", zap.Error(err))
	}
	log.Info("executor stopped", zap.String("exec_id", h.ExecID))
	p.publish(subject, h)
	return nil
}

// ShutdownAll stops every child, concurrently.
func (p *Pool) ShutdownAll(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.bySess))
	for id := range p.bySess {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			_ = p.stop(ctx, sessionID, bus.SubjectSessionShutdown)
		}(id)
	}
	wg.Wait()
}

// EvictIdle shuts down sessions idle longer than maxIdle and returns how
// many were evicted.
func (p *Pool) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	p.mu.RLock()
	var idle []string
	for id, h := range p.bySess {
		if h.IdleFor() > maxIdle {
			idle = append(idle, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range idle {
		p.logger.Info("evicting idle session", zap.String("session_id", id))
		_ = p.stop(ctx, id, bus.SubjectSessionEvicted)
	}
	return len(idle)
}

func (p *Pool) publish(subject string, h *ExecutorHandle) {
	if p.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "pool", map[string]any{
		"sessionId": h.SessionID,
		"execId":    h.ExecID,
		"addr":      h.Addr,
	})
	if err := p.bus.Publish(context.Background(), subject, event); err != nil {
		p.logger.Warn("failed to publish lifecycle event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// newChildToken returns a 256-bit random bearer token, URL-safe base64
// without padding.
func newChildToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate child token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
