package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one commit and returns its path.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	run("init", "--initial-branch", "work")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o600))
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func TestCommandExecutor_IsRepo(t *testing.T) {
	dir := initRepo(t)
	e := NewCommandExecutor()

	require.True(t, e.IsRepo(context.Background(), dir))
	require.False(t, e.IsRepo(context.Background(), t.TempDir()))
}

func TestCommandExecutor_CurrentBranch(t *testing.T) {
	dir := initRepo(t)
	e := NewCommandExecutor()

	branch, err := e.CurrentBranch(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, "work", branch)
}

func TestCommandExecutor_CurrentBranch_DetachedHead(t *testing.T) {
	dir := initRepo(t)
	cmd := exec.Command("git", "checkout", "--detach", "HEAD")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git checkout --detach: %s", out)

	e := NewCommandExecutor()
	branch, err := e.CurrentBranch(context.Background(), dir)
	require.NoError(t, err)
	require.NotEqual(t, "HEAD", branch)
	require.NotEmpty(t, branch)
}

func TestCommandExecutor_HasUncommittedChanges(t *testing.T) {
	dir := initRepo(t)
	e := NewCommandExecutor()

	dirty, err := e.HasUncommittedChanges(context.Background(), dir)
	require.NoError(t, err)
	require.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("wip\n"), 0o600))
	dirty, err = e.HasUncommittedChanges(context.Background(), dir)
	require.NoError(t, err)
	require.True(t, dirty)
}

func TestCommandExecutor_NotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	e := NewCommandExecutor()

	_, err := e.CurrentBranch(context.Background(), t.TempDir())
	require.ErrorIs(t, err, ErrNotRepo)
}
