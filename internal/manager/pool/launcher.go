package pool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrokkAi/brokkd/internal/common/logger"
)

// LaunchSpec carries everything a child executor needs on its command line.
type LaunchSpec struct {
	ExecID       string
	ListenAddr   string
	AuthToken    string
	WorkspaceDir string
}

// Child is a running executor process.
type Child interface {
	// Stop signals the process, waits up to grace, then force-kills.
	Stop(ctx context.Context, grace time.Duration) error

	// Exited is closed once the process has exited.
	Exited() <-chan struct{}

	Pid() int
}

// Launcher starts executor children. The process launcher is the production
// implementation; tests substitute their own.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Child, error)
}

// ChildOptions are settings applied to every launched child beyond the
// per-spawn LaunchSpec.
type ChildOptions struct {
	// DataDir is the base directory for per-child job stores. Empty keeps
	// the child's default of a directory inside its workspace.
	DataDir string

	// DBDriver and DBDSN select the child's job-store backend. Empty
	// DBDriver keeps the child's sqlite default.
	DBDriver string
	DBDSN    string
}

// ProcessLauncher starts the brokkd-executor binary as a subprocess.
type ProcessLauncher struct {
	binaryPath string
	opts       ChildOptions
	logger     *logger.Logger
}

// NewProcessLauncher creates a launcher for the given executor binary.
func NewProcessLauncher(binaryPath string, opts ChildOptions, log *logger.Logger) *ProcessLauncher {
	if binaryPath == "" {
		binaryPath = findExecutorBinary()
	}
	return &ProcessLauncher{
		binaryPath: binaryPath,
		opts:       opts,
		logger:     log.WithFields(zap.String("component", "executor-launcher")),
	}
}

// findExecutorBinary locates the brokkd-executor binary next to the current
// executable, falling back to PATH lookup at exec time.
func findExecutorBinary() string {
	if exe, err := os.Executable(); err == nil {
		candidate := exe + "-executor"
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath("brokkd-executor"); err == nil {
		return path
	}
	return "brokkd-executor"
}

// Launch starts the child and begins piping its output to the logger.
//
// exec.Command rather than CommandContext: context cancellation would
// SIGKILL the child, and shutdown wants SIGTERM first.
func (l *ProcessLauncher) Launch(_ context.Context, spec LaunchSpec) (Child, error) {
	args := []string{
		"--exec-id", spec.ExecID,
		"--listen-addr", spec.ListenAddr,
		"--auth-token", spec.AuthToken,
		"--workspace-dir", spec.WorkspaceDir,
	}
	if l.opts.DataDir != "" {
		args = append(args, "--data-dir", filepath.Join(l.opts.DataDir, spec.ExecID))
	}
	if l.opts.DBDriver != "" {
		args = append(args, "--db-driver", l.opts.DBDriver)
	}
	if l.opts.DBDSN != "" {
		args = append(args, "--db-dsn", l.opts.DBDSN)
	}

	cmd := exec.Command(l.binaryPath, args...)
	cmd.Env = os.Environ()
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start executor: %w", err)
	}

	log := l.logger.WithExecID(spec.ExecID)
	log.Info("executor process started", zap.Int("pid", cmd.Process.Pid))

	child := &childProcess{
		cmd:    cmd,
		logger: log,
		exited: make(chan struct{}),
	}
	go child.pipeOutput("stdout", bufio.NewScanner(stdout))
	go child.pipeOutput("stderr", bufio.NewScanner(stderr))
	go child.monitorExit()
	return child, nil
}

type childProcess struct {
	cmd    *exec.Cmd
	logger *logger.Logger
	exited chan struct{}

	mu       sync.Mutex
	stopping bool
}

func (c *childProcess) Pid() int {
	return c.cmd.Process.Pid
}

func (c *childProcess) Exited() <-chan struct{} {
	return c.exited
}

func (c *childProcess) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-c.exited:
		return nil
	default:
	}

	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()

	pid := c.cmd.Process.Pid
	c.logger.Info("stopping executor process", zap.Int("pid", pid))

	if err := terminate(pid); err != nil {
		c.logger.Warn("failed to signal executor, force-killing", zap.Error(err))
		_ = kill(pid)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		_ = kill(pid)
		<-c.exited
		return ctx.Err()
	case <-timer.C:
		c.logger.Warn("graceful shutdown timed out, sending SIGKILL", zap.Int("pid", pid))
		_ = kill(pid)
		select {
		case <-c.exited:
			return nil
		case <-time.After(2 * time.Second):
			return fmt.Errorf("executor %d did not exit after SIGKILL", pid)
		}
	}
}

func (c *childProcess) pipeOutput(name string, scanner *bufio.Scanner) {
	for scanner.Scan() {
		c.logger.Info(scanner.Text(), zap.String("stream", name))
	}
}

func (c *childProcess) monitorExit() {
	err := c.cmd.Wait()

	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()

	if err != nil && !stopping {
		c.logger.Error("executor exited unexpectedly",
			zap.Error(err),
			zap.Int("exit_code", c.cmd.ProcessState.ExitCode()))
	}
	close(c.exited)
}
