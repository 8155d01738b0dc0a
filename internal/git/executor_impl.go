package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrNotRepo indicates the directory is not inside a git repository.
var ErrNotRepo = errors.New("not a git repository")

// commandTimeout bounds each git invocation. Probes run inside the
// session-sync job and must never stall the worker on a hung process.
const commandTimeout = 5 * time.Second

// Compile-time check that CommandExecutor implements Executor.
var _ Executor = (*CommandExecutor)(nil)

// CommandExecutor implements Executor by running the git binary.
type CommandExecutor struct{}

// NewCommandExecutor creates a new CommandExecutor.
func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{}
}

// runGit executes a git command in dir and returns trimmed stdout.
func (e *CommandExecutor) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	//nolint:gosec // G204: argv is fixed by the methods below
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return strings.TrimSpace(stdout.String()), nil
	}

	msg := strings.TrimSpace(stderr.String())
	switch {
	case strings.Contains(strings.ToLower(msg), "not a git repository"):
		return "", fmt.Errorf("%w: %s", ErrNotRepo, dir)
	case msg != "":
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), msg, err)
	default:
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
}

// IsRepo reports whether dir is inside a git work tree.
func (e *CommandExecutor) IsRepo(ctx context.Context, dir string) bool {
	out, err := e.runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch, or the short HEAD hash
// when detached.
func (e *CommandExecutor) CurrentBranch(ctx context.Context, dir string) (string, error) {
	branch, err := e.runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if branch == "HEAD" {
		// Detached HEAD: rev-parse prints the literal ref name.
		return e.runGit(ctx, dir, "rev-parse", "--short", "HEAD")
	}
	return branch, nil
}

// HasUncommittedChanges reports whether the work tree or index differs
// from HEAD. Untracked files count as changes.
func (e *CommandExecutor) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := e.runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}
