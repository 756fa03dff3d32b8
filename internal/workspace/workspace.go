// Package workspace provisions and represents the isolated working
// directories — plain directories, git worktrees, or bind-mounted
// containers — to which at most one task is bound at a time.
package workspace

import (
	"context"
	"fmt"

	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/vcs"
)

// Workspace is an isolated working directory with an id, directory, and
// environment overrides. Once provisioned it is immutable: the dir never
// moves and the env map is fixed for the workspace's lifetime.
type Workspace struct {
	ID  int64
	Dir string
	Env map[string]string
}

// Plain builds workspaces directly from directory + env pairs, with no git
// involvement.
func Plain(dirs []string, env map[string]string) []Workspace {
	out := make([]Workspace, len(dirs))
	for i, d := range dirs {
		out[i] = Workspace{ID: int64(i + 1), Dir: d, Env: env}
	}
	return out
}

// WorktreeSpec describes one requested worktree: its env overlay (the rest
// come from worktree_envs, one workspace per entry).
type WorktreeSpec struct {
	Env map[string]string
}

// ProvisionWorktrees creates one git worktree per spec under rootDir,
// branch = "<branchPrefix>-<index>", checked out at initialRevision
// inside workingSubdir. Creation is idempotent: calling this again with an
// already-provisioned layout does not error.
func ProvisionWorktrees(ctx context.Context, g vcs.Git, rootDir, branchPrefix, workingSubdir, initialRevision string, specs []WorktreeSpec) ([]Workspace, error) {
	out := make([]Workspace, 0, len(specs))
	for i, spec := range specs {
		branch := fmt.Sprintf("%s-%d", branchPrefix, i)
		dir := rootDir + "/" + branch
		if workingSubdir != "" {
			dir = dir + "/" + workingSubdir
		}
		if err := g.CreateWorktree(ctx, rootDir+"/"+branch, branch, initialRevision); err != nil {
			return nil, fmt.Errorf("workspace: provision worktree %s: %w", branch, err)
		}
		out = append(out, Workspace{ID: int64(i + 1), Dir: dir, Env: spec.Env})
	}
	return out, nil
}

// Def returns the record definition for the built-in workspaces table
// described in spec §6. Callers pass this to store.Builder.Define once
// per store, the same way task.Def is registered.
func Def() store.RecordDef {
	return store.RecordDef{
		Name:  "workspace",
		Table: "workspaces",
		Columns: []store.Column{
			{Name: "dir", Type: store.TypeString, NotNull: true},
			{Name: "env", Type: store.TypeJSON, Default: map[string]any{}},
		},
	}
}

// Persist finds-or-creates a workspaces row per in-memory workspace, keyed
// by dir, and returns the same workspaces with ID replaced by the row's
// actual id. Keying by dir rather than the full row makes re-running
// Batch's assembly against an already-provisioned layout idempotent — the
// same worktree directories resolve to the same workspaces rows instead of
// accumulating duplicates across runs, mirroring task.FindOrCreate's
// idempotent-by-key design.
func Persist(ctx context.Context, st *store.Store, workspaces []Workspace) ([]Workspace, error) {
	h, err := st.Record("workspace")
	if err != nil {
		return nil, fmt.Errorf("workspace: persist: %w", err)
	}
	out := make([]Workspace, len(workspaces))
	for i, ws := range workspaces {
		row, err := h.FindOrCreateBy(ctx, map[string]any{"dir": ws.Dir})
		if err != nil {
			return nil, fmt.Errorf("workspace: persist %s: %w", ws.Dir, err)
		}
		out[i] = Workspace{ID: row.ID(), Dir: ws.Dir, Env: ws.Env}
	}
	return out, nil
}
