// Package worktree provisions isolated per-session working directories
// rooted at a host Git repository, and guarantees their teardown.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/common/logger"
)

// SessionSpec carries the parameters to provision a session's working tree.
type SessionSpec struct {
	// SessionID names the worktree directory under the base dir. Before the
	// child reports its canonical session id this is the provision id.
	SessionID string
	// RepoPath is the absolute path to the host Git repository.
	RepoPath string
	// Ref is an optional Git reference; empty means current HEAD.
	Ref string
}

// Provisioner creates and removes per-session Git worktrees under a single
// base directory. Directory name == session id, so two sessions can never
// share a working directory.
type Provisioner struct {
	baseDir    string
	logger     *logger.Logger
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewProvisioner creates a provisioner rooted at baseDir, creating it if
// needed.
func NewProvisioner(baseDir string, log *logger.Logger) (*Provisioner, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("worktree base directory is required")
	}
	if log == nil {
		log = logger.Default()
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Provisioner{
		baseDir:   abs,
		logger:    log.WithFields(zap.String("component", "worktree-provisioner")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// BaseDir returns the base directory all session worktrees live under.
func (p *Provisioner) BaseDir() string { return p.baseDir }

// Path returns the worktree path for a session id.
func (p *Provisioner) Path(sessionID string) string {
	return filepath.Join(p.baseDir, sessionID)
}

// getRepoLock returns a mutex for the given repository path.
func (p *Provisioner) getRepoLock(repoPath string) *sync.Mutex {
	p.repoLockMu.Lock()
	defer p.repoLockMu.Unlock()

	if lock, exists := p.repoLocks[repoPath]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	p.repoLocks[repoPath] = lock
	return lock
}

// Provision creates (or adopts) the working tree for spec.SessionID and
// returns its absolute path. It is idempotent by session id: an existing
// valid directory from a previous run is adopted rather than recreated.
func (p *Provisioner) Provision(ctx context.Context, spec SessionSpec) (string, error) {
	if spec.SessionID == "" {
		return "", fmt.Errorf("%w: session id is required", ErrProvision)
	}
	if !isGitRepo(spec.RepoPath) {
		return "", fmt.Errorf("%w: %s", ErrRepoNotGit, spec.RepoPath)
	}

	path := p.Path(spec.SessionID)

	// Crash recovery: adopt a directory left behind by a previous incarnation.
	if p.isValid(path) {
		p.logger.Info("adopting existing worktree",
			zap.String("session_id", spec.SessionID),
			zap.String("path", path))
		return path, nil
	}
	if _, err := os.Stat(path); err == nil {
		// Directory exists but is not a usable worktree; sweep it first.
		p.logger.Warn("removing invalid worktree residue",
			zap.String("session_id", spec.SessionID),
			zap.String("path", path))
		if err := p.removeDir(ctx, path, spec.RepoPath); err != nil {
			return "", fmt.Errorf("%w: could not clear residue: %v", ErrProvision, err)
		}
	}

	ref := spec.Ref
	if ref == "" {
		ref = "HEAD"
	}
	if !refResolves(ctx, spec.RepoPath, ref) {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}

	repoLock := p.getRepoLock(spec.RepoPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	// Detached checkout: sessions do not own branches in the host repo.
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "--detach", path, ref)
	cmd.Dir = spec.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		p.logger.Error("git worktree add failed",
			zap.String("output", string(output)),
			zap.Error(err))
		return "", fmt.Errorf("%w: %s", ErrGitCommandFailed, strings.TrimSpace(string(output)))
	}

	p.logger.Info("provisioned worktree",
		zap.String("session_id", spec.SessionID),
		zap.String("repo", spec.RepoPath),
		zap.String("ref", ref),
		zap.String("path", path))

	return path, nil
}

// Teardown removes the session's working tree. It is idempotent: an absent
// session succeeds silently. Cleanup is best-effort; failures are logged and
// the residue sweep still runs.
func (p *Provisioner) Teardown(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	path := p.Path(sessionID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	repoPath := resolveRepoPath(path)
	if err := p.removeDir(ctx, path, repoPath); err != nil {
		return fmt.Errorf("failed to remove worktree %s: %w", path, err)
	}

	p.logger.Info("tore down worktree",
		zap.String("session_id", sessionID),
		zap.String("path", path))
	return nil
}

// Healthcheck returns true iff the base directory exists, is a directory,
// and is writable.
func (p *Provisioner) Healthcheck() bool {
	info, err := os.Stat(p.baseDir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(p.baseDir, ".healthcheck-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}

// isValid checks if a worktree directory is valid and usable.
func (p *Provisioner) isValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	// Worktrees have a .git file (not directory) pointing at the repo.
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// removeDir removes a worktree directory using git worktree remove, falling
// back to direct removal plus prune, then sweeps any residue.
func (p *Provisioner) removeDir(ctx context.Context, worktreePath, repoPath string) error {
	if repoPath != "" {
		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			p.logger.Debug("git worktree remove failed, falling back to rm",
				zap.String("output", string(output)),
				zap.Error(err))
		}
	}

	// Residue sweep: teardown must leave no trace regardless of what git did.
	if err := os.RemoveAll(worktreePath); err != nil {
		return err
	}

	if repoPath != "" {
		cmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		cmd.Dir = repoPath
		if err := cmd.Run(); err != nil {
			p.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// isGitRepo checks if a path is a Git repository.
func isGitRepo(path string) bool {
	if path == "" {
		return false
	}
	gitDir := filepath.Join(path, ".git")
	info, err := os.Stat(gitDir)
	if err != nil {
		return false
	}
	// .git can be either a directory (regular repo) or a file (worktree)
	return info.IsDir() || info.Mode().IsRegular()
}

// refResolves checks that a Git reference exists in the repository.
func refResolves(ctx context.Context, repoPath, ref string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", ref)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// resolveRepoPath reads the worktree's .git file to find the owning
// repository, so teardown can ask git to deregister the worktree. Returns
// empty when the link is unreadable; the caller falls back to rm.
func resolveRepoPath(worktreePath string) string {
	content, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(content))
	gitDir, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return ""
	}
	gitDir = strings.TrimSpace(gitDir)
	// gitdir points at <repo>/.git/worktrees/<name>; the repo root is three
	// levels up.
	idx := strings.Index(gitDir, filepath.Join(".git", "worktrees"))
	if idx <= 0 {
		return ""
	}
	return filepath.Clean(gitDir[:idx])
}
