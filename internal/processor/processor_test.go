package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/task"
	"github.com/basket/loomwork/internal/workspace"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewBuilder(dir, "orch.db").
		Define(task.Def()).
		Open(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newBoundTask(t *testing.T, ctx context.Context, st *store.Store, recordID int64, handler string, wsID int64) *task.Task {
	t.Helper()
	tk, err := task.FindOrCreate(ctx, st, "widget", recordID, handler)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if err := st.Transaction(ctx, func(tx *store.Tx) error {
		h, err := tx.Record("task")
		if err != nil {
			return err
		}
		_, err = h.Update(ctx, tk.ID(), map[string]any{"workspace_id": wsID})
		return err
	}); err != nil {
		t.Fatalf("bind workspace: %v", err)
	}
	return tk
}

func markDone(ctx context.Context, st *store.Store, t *task.Task) error {
	return st.Transaction(ctx, func(tx *store.Tx) error {
		fresh, err := task.GetInTx(ctx, tx, t.ID())
		if err != nil {
			return err
		}
		_, err = task.MarkDone(ctx, tx, fresh)
		return err
	})
}

func TestCall_NoWorkspacesIsConfigurationError(t *testing.T) {
	st := openTestStore(t)
	p := New(st, nil, map[string]Handler{})
	err := p.Call(context.Background(), nil)
	var cfgErr *orcherr.ErrConfiguration
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Call error = %v, want ErrConfiguration", err)
	}
}

func TestCall_SingleWorkspaceDrainsSynchronously(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var ran []int64
	handlers := map[string]Handler{
		"noop": func(ctx context.Context, t *task.Task, ws workspace.Workspace) error {
			mu.Lock()
			ran = append(ran, t.ID())
			mu.Unlock()
			return markDone(ctx, st, t)
		},
	}
	ws := workspace.Workspace{ID: 1, Dir: t.TempDir()}
	p := New(st, []workspace.Workspace{ws}, handlers)

	tk1, err := p.AddTask(ctx, "widget", 1, "noop")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	tk2, err := p.AddTask(ctx, "widget", 2, "noop")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	var afterCount int
	if err := p.Call(ctx, func() { afterCount++ }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(ran) != 2 || ran[0] != tk1.ID() || ran[1] != tk2.ID() {
		t.Fatalf("ran = %v, want [%d %d]", ran, tk1.ID(), tk2.ID())
	}
	if afterCount != 2 {
		t.Fatalf("afterCount = %d, want 2", afterCount)
	}
}

func TestAddTask_UnknownHandlerIsConfigurationError(t *testing.T) {
	st := openTestStore(t)
	p := New(st, []workspace.Workspace{{ID: 1, Dir: t.TempDir()}}, map[string]Handler{})
	_, err := p.AddTask(context.Background(), "widget", 1, "nope")
	var cfgErr *orcherr.ErrConfiguration
	if !errors.As(err, &cfgErr) {
		t.Fatalf("AddTask error = %v, want ErrConfiguration", err)
	}
}

func TestAddTask_IsIdempotentByRecordAndHandler(t *testing.T) {
	st := openTestStore(t)
	p := New(st, []workspace.Workspace{{ID: 1, Dir: t.TempDir()}}, map[string]Handler{
		"noop": func(ctx context.Context, t *task.Task, ws workspace.Workspace) error { return nil },
	})
	ctx := context.Background()
	a, err := p.AddTask(ctx, "widget", 1, "noop")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	b, err := p.AddTask(ctx, "widget", 1, "noop")
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if a.ID() != b.ID() {
		t.Fatalf("AddTask returned different ids %d, %d for the same (record, handler)", a.ID(), b.ID())
	}
}

func TestCall_HandlerLeavingTaskPendingIsErrTaskPending(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	handlers := map[string]Handler{
		"broken": func(ctx context.Context, t *task.Task, ws workspace.Workspace) error { return nil },
	}
	ws := workspace.Workspace{ID: 1, Dir: t.TempDir()}
	p := New(st, []workspace.Workspace{ws}, handlers)
	if _, err := p.AddTask(ctx, "widget", 1, "broken"); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	err := p.Call(ctx, nil)
	var pendingErr *orcherr.ErrTaskPending
	if !errors.As(err, &pendingErr) {
		t.Fatalf("Call error = %v, want ErrTaskPending", err)
	}
}

// TestCall_MultiWorkspaceDrainsConcurrently is the literal scenario: two
// workspaces, one 100ms-sleep task apiece, and a wall time well under the
// 200ms a sequential drain would take.
func TestCall_MultiWorkspaceDrainsConcurrently(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	seenWorkspaces := map[int64]bool{}
	handlers := map[string]Handler{
		"slow": func(ctx context.Context, t *task.Task, ws workspace.Workspace) error {
			time.Sleep(100 * time.Millisecond)
			mu.Lock()
			seenWorkspaces[ws.ID] = true
			mu.Unlock()
			return markDone(ctx, st, t)
		},
	}
	ws1 := workspace.Workspace{ID: 1, Dir: t.TempDir()}
	ws2 := workspace.Workspace{ID: 2, Dir: t.TempDir()}
	p := New(st, []workspace.Workspace{ws1, ws2}, handlers)

	newBoundTask(t, ctx, st, 1, "slow", ws1.ID)
	newBoundTask(t, ctx, st, 2, "slow", ws2.ID)

	start := time.Now()
	if err := p.Call(ctx, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed >= 200*time.Millisecond {
		t.Fatalf("Call took %v, want well under 200ms (workspaces should drain concurrently)", elapsed)
	}
	if !seenWorkspaces[ws1.ID] || !seenWorkspaces[ws2.ID] {
		t.Fatalf("seenWorkspaces = %v, want both 1 and 2", seenWorkspaces)
	}
}

// TestCall_FirstHandlerErrorAbortsOtherWorkspaces pairs a workspace whose
// one task fails immediately with a workspace that has two slow tasks
// queued. The second slow task must never run: by the time its workspace
// loops back to claim it, Abort has already been called.
func TestCall_FirstHandlerErrorAbortsOtherWorkspaces(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	handlers := map[string]Handler{
		"fail": func(ctx context.Context, t *task.Task, ws workspace.Workspace) error {
			return boom
		},
		"slow": func(ctx context.Context, t *task.Task, ws workspace.Workspace) error {
			time.Sleep(50 * time.Millisecond)
			return markDone(ctx, st, t)
		},
	}
	ws1 := workspace.Workspace{ID: 1, Dir: t.TempDir()}
	ws2 := workspace.Workspace{ID: 2, Dir: t.TempDir()}
	p := New(st, []workspace.Workspace{ws1, ws2}, handlers)

	newBoundTask(t, ctx, st, 1, "fail", ws1.ID)
	slowA := newBoundTask(t, ctx, st, 2, "slow", ws2.ID)
	slowB := newBoundTask(t, ctx, st, 3, "slow", ws2.ID)

	err := p.Call(ctx, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Call error = %v, want boom", err)
	}

	a, getErr := task.Get(ctx, st, slowA.ID())
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if !a.Done() {
		t.Fatalf("slowA status = %q, want done (already in flight when abort fired)", a.Status())
	}

	b, getErr := task.Get(ctx, st, slowB.ID())
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if !b.Pending() {
		t.Fatalf("slowB status = %q, want pending (never claimed after abort)", b.Status())
	}
}
