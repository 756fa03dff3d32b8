// Package batch is the thin assembly layer spec §4.G describes: it wires
// a store, a session, and a set of workspaces into a Processor whose
// handlers run pipeline families, and renders the deterministic report a
// caller polls for progress.
package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/loomwork/internal/bus"
	"github.com/basket/loomwork/internal/chatlog"
	"github.com/basket/loomwork/internal/coordinator"
	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/pipeline"
	"github.com/basket/loomwork/internal/processor"
	"github.com/basket/loomwork/internal/session"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/task"
	"github.com/basket/loomwork/internal/vcs"
	"github.com/basket/loomwork/internal/workspace"
)

// StoreConfig builds a *store.Store when the caller doesn't already have
// one open. Exclusive with Config.Store.
type StoreConfig struct {
	Dir        string
	DBFilename string
	Versioned  bool
	// Defines lists any record definitions beyond the built-in task and
	// workspace tables, which New always registers.
	Defines []store.RecordDef
	// Bus is the event bus task and pipeline state changes publish on. A
	// nil Bus here still gets one: resolveStore always wires a fresh
	// bus.New() when the caller didn't supply their own, so
	// WaitForAll-style consumers always have something to subscribe to.
	Bus *bus.Bus
}

// RepoConfig provisions one git worktree per entry in Envs. Exclusive
// with Config.Workspaces.
type RepoConfig struct {
	RootDir         string
	BranchPrefix    string
	WorkingSubdir   string
	InitialRevision string
	Envs            []map[string]string
}

// Config assembles a Batch. For store, session, and workspace, the caller
// supplies either a ready-built object or the configuration to build one
// — never both, never neither — matching spec §4.G's "accepts either raw
// objects or configuration maps" contract.
type Config struct {
	Store       *store.Store
	StoreConfig *StoreConfig

	Session       *session.Session
	SessionConfig *session.Config

	Workspaces []workspace.Workspace
	Repo       *RepoConfig
	Git        vcs.Git

	// Families maps a record type to the pipeline family that handles
	// its tasks. The record type also serves as the Processor's handler
	// name, matching spec §4.G's "single registered handler is
	// record_type → (task) → PipelineFamily.call".
	Families map[string]*pipeline.Family
}

// Batch is the assembled facade: a store, a session, a fixed set of
// workspaces, and a Processor dispatching through one handler per record
// type declared in Config.Families.
type Batch struct {
	store      *store.Store
	session    *session.Session
	workspaces []workspace.Workspace
	git        vcs.Git
	proc       *processor.Processor
	cron       *cron.Cron
}

func New(ctx context.Context, cfg Config) (*Batch, error) {
	st, err := resolveStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sess, err := resolveSession(cfg, st)
	if err != nil {
		return nil, err
	}
	workspaces, git, err := resolveWorkspaces(ctx, cfg, st)
	if err != nil {
		return nil, err
	}

	b := &Batch{store: st, session: sess, workspaces: workspaces, git: git}

	handlers := make(map[string]processor.Handler, len(cfg.Families))
	for recordType, fam := range cfg.Families {
		fam := fam
		handlers[recordType] = func(ctx context.Context, t *task.Task, ws workspace.Workspace) error {
			return fam.Run(ctx, b.store, t.ID(), ws, b.session, b.git)
		}
	}
	b.proc = processor.New(st, workspaces, handlers)
	return b, nil
}

func resolveStore(ctx context.Context, cfg Config) (*store.Store, error) {
	switch {
	case cfg.Store != nil && cfg.StoreConfig != nil:
		return nil, &orcherr.ErrConfiguration{Reason: "batch: Store and StoreConfig are mutually exclusive"}
	case cfg.Store != nil:
		return cfg.Store, nil
	case cfg.StoreConfig != nil:
		eventBus := cfg.StoreConfig.Bus
		if eventBus == nil {
			eventBus = bus.New()
		}
		builder := store.NewBuilder(cfg.StoreConfig.Dir, cfg.StoreConfig.DBFilename).
			Versioned(cfg.StoreConfig.Versioned).
			Bus(eventBus).
			Define(task.Def()).
			Define(workspace.Def())
		for _, def := range chatlog.Defs() {
			builder = builder.Define(def)
		}
		for _, def := range cfg.StoreConfig.Defines {
			builder = builder.Define(def)
		}
		return builder.Open(ctx)
	default:
		return nil, &orcherr.ErrConfiguration{Reason: "batch: one of Store or StoreConfig is required"}
	}
}

func resolveSession(cfg Config, st *store.Store) (*session.Session, error) {
	switch {
	case cfg.Session != nil && cfg.SessionConfig != nil:
		return nil, &orcherr.ErrConfiguration{Reason: "batch: Session and SessionConfig are mutually exclusive"}
	case cfg.Session != nil:
		return cfg.Session, nil
	case cfg.SessionConfig != nil:
		return session.New(*cfg.SessionConfig, st), nil
	default:
		return nil, &orcherr.ErrConfiguration{Reason: "batch: one of Session or SessionConfig is required"}
	}
}

func resolveWorkspaces(ctx context.Context, cfg Config, st *store.Store) ([]workspace.Workspace, vcs.Git, error) {
	switch {
	case len(cfg.Workspaces) > 0 && cfg.Repo != nil:
		return nil, nil, &orcherr.ErrConfiguration{Reason: "batch: Workspaces and Repo are mutually exclusive"}
	case cfg.Repo != nil:
		if cfg.Git == nil {
			return nil, nil, &orcherr.ErrConfiguration{Reason: "batch: Repo requires Git"}
		}
		specs := make([]workspace.WorktreeSpec, len(cfg.Repo.Envs))
		for i, env := range cfg.Repo.Envs {
			specs[i] = workspace.WorktreeSpec{Env: env}
		}
		ws, err := workspace.ProvisionWorktrees(ctx, cfg.Git, cfg.Repo.RootDir, cfg.Repo.BranchPrefix, cfg.Repo.WorkingSubdir, cfg.Repo.InitialRevision, specs)
		if err != nil {
			return nil, nil, err
		}
		persisted, err := workspace.Persist(ctx, st, ws)
		if err != nil {
			return nil, nil, err
		}
		return persisted, cfg.Git, nil
	case len(cfg.Workspaces) > 0:
		persisted, err := workspace.Persist(ctx, st, cfg.Workspaces)
		if err != nil {
			return nil, nil, err
		}
		return persisted, cfg.Git, nil
	default:
		return nil, nil, &orcherr.ErrConfiguration{Reason: "batch: one of Workspaces or Repo is required"}
	}
}

// AddTask implements add_task(record): the Processor's handler name is
// always the record's type, since New registers exactly one handler per
// type declared in Config.Families.
func (b *Batch) AddTask(ctx context.Context, recordType string, recordID int64) (*task.Task, error) {
	return b.proc.AddTask(ctx, recordType, recordID, recordType)
}

// Call drains every workspace once. See processor.Processor.Call.
func (b *Batch) Call(ctx context.Context, afterEach func()) error {
	return b.proc.Call(ctx, afterEach)
}

// Abort sets the Processor's cooperative abort flag.
func (b *Batch) Abort() { b.proc.Abort() }

// WaitForAll blocks until every task in taskIDs reaches done or failed, or
// timeout expires for any one of them. It is a convenience for a caller
// that added tasks and wants to block for their outcomes rather than
// polling Report — Call itself never blocks on task completion, since a
// workspace drain loop's whole point is not to.
func (b *Batch) WaitForAll(ctx context.Context, taskIDs []int64, timeout time.Duration) (map[int64]*coordinator.TaskResult, error) {
	return coordinator.NewWaiter(b.store.Bus(), b.store).WaitForAll(ctx, taskIDs, timeout)
}

func (b *Batch) Store() *store.Store               { return b.store }
func (b *Batch) Session() *session.Session         { return b.session }
func (b *Batch) Workspaces() []workspace.Workspace { return b.workspaces }

// Report renders the deterministic, line-delimited summary spec §4.G
// specifies: counts by status, elapsed wall time, workspace count, cost
// figures, and the first three failed tasks' error messages.
func (b *Batch) Report(ctx context.Context) (string, error) {
	tasks, err := task.All(ctx, b.store)
	if err != nil {
		return "", err
	}

	var done, pending, failed int
	var failedMessages []string
	var minCreated, maxUpdated time.Time
	for i, t := range tasks {
		switch t.Status() {
		case task.StatusDone:
			done++
		case task.StatusPending:
			pending++
		case task.StatusFailed:
			failed++
			failedMessages = append(failedMessages, t.ErrorMessage())
		}
		if i == 0 || t.CreatedAt().Before(minCreated) {
			minCreated = t.CreatedAt()
		}
		if i == 0 || t.UpdatedAt().After(maxUpdated) {
			maxUpdated = t.UpdatedAt()
		}
	}

	n := len(tasks)
	worktrees := len(b.workspaces)

	lines := []string{
		fmt.Sprintf("Total: %d", n),
		fmt.Sprintf("Succeeded: %d", done),
		fmt.Sprintf("Pending: %d", pending),
		fmt.Sprintf("Failed: %d", failed),
	}

	var totalMinutes float64
	if n > 0 {
		span := maxUpdated.Sub(minCreated)
		h := int(span.Hours())
		m := int(span.Minutes()) - h*60
		s := int(span.Seconds()) - (h*3600 + m*60)
		lines = append(lines, fmt.Sprintf("Time: %d hrs, %d mins, %d secs", h, m, s))
		totalMinutes = span.Minutes()
	}

	lines = append(lines, fmt.Sprintf("Worktrees: %d", worktrees))

	projectTotal, runTotal := b.session.Cost()
	lines = append(lines,
		fmt.Sprintf("Run cost: $%.2f", runTotal),
		fmt.Sprintf("Project total cost: $%.2f", projectTotal),
	)

	if n > 0 && worktrees > 0 {
		costPerTask := runTotal * float64(worktrees) / float64(n)
		minutesPerTask := (totalMinutes / float64(worktrees)) / float64(n)
		lines = append(lines,
			fmt.Sprintf("Cost per task: $%.2f", costPerTask),
			fmt.Sprintf("Minutes per task: %.2f", minutesPerTask),
		)
	}

	if failed > 0 {
		show := failed
		if show > 3 {
			show = 3
		}
		lines = append(lines, "", fmt.Sprintf("First %d failed task(s):", show))
		for i := 0; i < show; i++ {
			lines = append(lines, "- "+failedMessages[i])
		}
	}

	return strings.Join(lines, "\n"), nil
}

// Schedule registers a recurring add_task call on a standard cron
// expression. Entirely optional: Call behaves identically whether or not
// any schedule is registered, and a Batch that never calls Schedule never
// starts a cron goroutine.
func (b *Batch) Schedule(cronExpr string, recordType string, recordID int64) (cron.EntryID, error) {
	if b.cron == nil {
		b.cron = cron.New()
		b.cron.Start()
	}
	return b.cron.AddFunc(cronExpr, func() {
		if _, err := b.AddTask(context.Background(), recordType, recordID); err != nil {
			b.session.Logger().Error("scheduled add_task failed", "record_type", recordType, "record_id", recordID, "error", err)
		}
	})
}

// StopSchedule stops the cron scheduler started by Schedule, if any.
func (b *Batch) StopSchedule() {
	if b.cron != nil {
		b.cron.Stop()
	}
}
