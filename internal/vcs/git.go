// Package vcs defines the narrow Git boundary the pipeline runtime and
// batch facade depend on, plus a concrete adapter backed by go-git (for
// the operations it supports) and the git binary (for linked worktrees,
// which go-git v5 does not implement).
package vcs

import "context"

// Git is the complete surface the orchestration kernel needs from version
// control. Implementations must be idempotent: creating a worktree at a
// directory that already has one checked out must not error, it must
// prune/remove/recreate.
type Git interface {
	CreateWorktree(ctx context.Context, worktreeDir, branch, revision string) error
	Diff(ctx context.Context, dir string) (string, error)
	Status(ctx context.Context, dir string) (string, error)
	CommitAll(ctx context.Context, dir, message string) (string, error)
	LastRevision(ctx context.Context, dir string) (string, error)
	ResetHardAll(ctx context.Context, dir string) error
	UncommittedChanges(ctx context.Context, dir string) (bool, error)
}
