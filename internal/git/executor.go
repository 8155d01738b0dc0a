// Package git probes repository state for session working directories.
// Sessions usually point at a checkout; listings show which branch the
// agent is working on and whether the tree has uncommitted changes.
package git

import "context"

// Executor defines the read-only git queries the daemon needs.
// This abstraction allows for easy testing with mock implementations.
type Executor interface {
	// IsRepo reports whether dir is inside a git work tree.
	IsRepo(ctx context.Context, dir string) bool

	// CurrentBranch returns the checked-out branch name. A detached
	// HEAD reports the short commit hash instead.
	CurrentBranch(ctx context.Context, dir string) (string, error)

	// HasUncommittedChanges reports whether the work tree or index
	// differs from HEAD.
	HasUncommittedChanges(ctx context.Context, dir string) (bool, error)
}
