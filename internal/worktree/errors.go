package worktree

import "errors"

var (
	// ErrRepoNotGit indicates the configured repository path does not contain
	// a Git repository.
	ErrRepoNotGit = errors.New("repository path is not a git repository")

	// ErrInvalidRef indicates the requested Git reference does not resolve.
	ErrInvalidRef = errors.New("git reference does not resolve")

	// ErrGitCommandFailed wraps a non-zero git exit.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrProvision is the general provisioning failure.
	ErrProvision = errors.New("worktree provisioning failed")
)
