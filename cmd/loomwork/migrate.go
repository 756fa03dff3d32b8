package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/task"
	"github.com/basket/loomwork/internal/workspace"
)

// runMigrateCommand opens the store and closes it again. Builder.Open runs
// any pending migrations before returning, so a clean open is the whole
// operation — there is nothing left to do once it succeeds.
func runMigrateCommand(ctx context.Context, args []string, quiet bool) int {
	cfg, _, closeLogger, err := loadCfgAndLogger(quiet)
	defer closeLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.NeedsGenesis {
		fmt.Fprintln(os.Stderr, "no config.yaml yet — write one before migrating")
		return 1
	}

	st, err := store.NewBuilder(cfg.Store.Dir, cfg.Store.DBFilename).
		Versioned(cfg.Store.Versioned).
		Define(task.Def()).
		Define(workspace.Def()).
		Define(noteRecordDef()).
		Open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	defer st.Close()

	fmt.Printf("store at %s/%s is current\n", cfg.Store.Dir, cfg.Store.DBFilename)
	return 0
}
