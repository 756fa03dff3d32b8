package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/task"
	"github.com/basket/loomwork/internal/workspace"
)

func runStatusCommand(ctx context.Context, args []string, quiet bool) int {
	cfg, _, closeLogger, err := loadCfgAndLogger(quiet)
	defer closeLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.NeedsGenesis {
		fmt.Println("no config.yaml yet — nothing to report")
		return 0
	}

	st, err := store.NewBuilder(cfg.Store.Dir, cfg.Store.DBFilename).
		Versioned(cfg.Store.Versioned).
		Define(task.Def()).
		Define(workspace.Def()).
		Open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	tasks, err := task.All(ctx, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tasks: %v\n", err)
		return 1
	}

	var pending, done, failed int
	for _, t := range tasks {
		switch t.Status() {
		case task.StatusPending:
			pending++
		case task.StatusDone:
			done++
		case task.StatusFailed:
			failed++
		}
	}

	fmt.Printf("project: %s\n", cfg.Project)
	fmt.Printf("store: %s/%s\n", cfg.Store.Dir, cfg.Store.DBFilename)
	fmt.Printf("tasks: %d total, %d pending, %d done, %d failed\n", len(tasks), pending, done, failed)
	if cfg.Repo != nil {
		fmt.Printf("workspaces: repo-provisioned from %s (%d envs)\n", cfg.Repo.RootDir, len(cfg.Repo.Envs))
	} else {
		fmt.Printf("workspaces: %d configured\n", len(cfg.Workspaces))
	}
	return 0
}
