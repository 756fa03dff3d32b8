package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// GoGit implements Git against a single root repository at RootDir. Diff,
// Status, CommitAll, LastRevision, and UncommittedChanges go through
// go-git directly. CreateWorktree shells out to the git binary: go-git v5
// has no support for linked worktrees (separate checkout directories
// sharing one object store), so there is no pure-library path for it.
type GoGit struct {
	RootDir string
}

func New(rootDir string) *GoGit { return &GoGit{RootDir: rootDir} }

func (g *GoGit) CreateWorktree(ctx context.Context, worktreeDir, branch, revision string) error {
	if _, err := os.Stat(worktreeDir); err == nil {
		// Idempotent: an existing worktree at this path is pruned and
		// recreated rather than treated as an error.
		if err := runGit(ctx, g.RootDir, "worktree", "remove", "--force", worktreeDir); err != nil {
			_ = os.RemoveAll(worktreeDir)
		}
		if err := runGit(ctx, g.RootDir, "worktree", "prune"); err != nil {
			return fmt.Errorf("vcs: prune worktrees: %w", err)
		}
	}

	args := []string{"worktree", "add", "-B", branch, worktreeDir}
	if revision != "" {
		args = append(args, revision)
	}
	if err := runGit(ctx, g.RootDir, args...); err != nil {
		// Branch may already exist; retry checking it out instead of
		// creating it, which keeps the call idempotent across retries.
		args = []string{"worktree", "add", worktreeDir, branch}
		if err2 := runGit(ctx, g.RootDir, args...); err2 != nil {
			return fmt.Errorf("vcs: create worktree %s: %w", worktreeDir, err)
		}
	}
	return nil
}

func (g *GoGit) Diff(ctx context.Context, dir string) (string, error) {
	out, err := runGitOutput(ctx, dir, "diff", "HEAD")
	if err != nil {
		return "", fmt.Errorf("vcs: diff: %w", err)
	}
	return out, nil
}

func (g *GoGit) Status(ctx context.Context, dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("vcs: open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("vcs: worktree handle: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("vcs: status: %w", err)
	}
	return st.String(), nil
}

func (g *GoGit) CommitAll(ctx context.Context, dir, message string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("vcs: open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("vcs: worktree handle: %w", err)
	}
	if _, err := wt.Add("."); err != nil {
		return "", fmt.Errorf("vcs: add: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{AllowEmptyCommits: false})
	if err != nil {
		if err == git.ErrEmptyCommit {
			head, herr := repo.Head()
			if herr != nil {
				return "", fmt.Errorf("vcs: commit: %w", err)
			}
			return head.Hash().String(), nil
		}
		return "", fmt.Errorf("vcs: commit: %w", err)
	}
	return hash.String(), nil
}

func (g *GoGit) LastRevision(ctx context.Context, dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("vcs: open %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("vcs: head: %w", err)
	}
	return head.Hash().String(), nil
}

func (g *GoGit) ResetHardAll(ctx context.Context, dir string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("vcs: open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("vcs: worktree handle: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("vcs: head: %w", err)
	}
	return wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(head.Hash().String()), Mode: git.HardReset})
}

func (g *GoGit) UncommittedChanges(ctx context.Context, dir string) (bool, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return false, fmt.Errorf("vcs: open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("vcs: worktree handle: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("vcs: status: %w", err)
	}
	return !st.IsClean(), nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	_, err := runGitOutput(ctx, dir, args...)
	return err
}

func runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
