package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/loomwork/internal/bus"
	"github.com/basket/loomwork/internal/coordinator"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/task"
)

func openTestStore(t *testing.T, b *bus.Bus) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewBuilder(dir, "orch.db").
		Bus(b).
		Define(task.Def()).
		Open(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createTask(t *testing.T, st *store.Store) int64 {
	t.Helper()
	var id int64
	err := st.Transaction(context.Background(), func(tx *store.Tx) error {
		tk, err := task.Create(context.Background(), tx, "note", 1, "note")
		if err != nil {
			return err
		}
		id = tk.ID()
		return nil
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func TestWaiterConstruction(t *testing.T) {
	b := bus.New()
	st := openTestStore(t, b)
	w := coordinator.NewWaiter(b, st)
	if w == nil {
		t.Fatal("expected non-nil waiter")
	}
}

func TestWaitForTask_AlreadyTerminal(t *testing.T) {
	b := bus.New()
	st := openTestStore(t, b)
	w := coordinator.NewWaiter(b, st)
	ctx := context.Background()

	taskID := createTask(t, st)
	if err := st.Transaction(ctx, func(tx *store.Tx) error {
		tk, err := task.GetInTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		_, err = task.MarkDone(ctx, tx, tk)
		return err
	}); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	result, err := w.WaitForTask(ctx, taskID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait for task: %v", err)
	}
	if result == nil || result.Status != task.StatusDone {
		t.Fatalf("expected done result, got %+v", result)
	}
}

func TestWaitForTask_Timeout(t *testing.T) {
	b := bus.New()
	st := openTestStore(t, b)
	w := coordinator.NewWaiter(b, st)
	ctx := context.Background()

	taskID := createTask(t, st)

	_, err := w.WaitForTask(ctx, taskID, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error for a task that never completes")
	}
}

func TestWaitForTask_WakesOnBusEvent(t *testing.T) {
	b := bus.New()
	st := openTestStore(t, b)
	w := coordinator.NewWaiter(b, st)
	ctx := context.Background()

	taskID := createTask(t, st)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = st.Transaction(ctx, func(tx *store.Tx) error {
			tk, err := task.GetInTx(ctx, tx, taskID)
			if err != nil {
				return err
			}
			_, err = task.MarkDone(ctx, tx, tk)
			return err
		})
	}()

	result, err := w.WaitForTask(ctx, taskID, 2*time.Second)
	if err != nil {
		t.Fatalf("wait for task: %v", err)
	}
	if result.Status != task.StatusDone {
		t.Fatalf("status = %q, want done", result.Status)
	}
}

func TestWaitForAll_Parallel(t *testing.T) {
	b := bus.New()
	st := openTestStore(t, b)
	w := coordinator.NewWaiter(b, st)
	ctx := context.Background()

	id1 := createTask(t, st)
	id2 := createTask(t, st)
	for _, id := range []int64{id1, id2} {
		if err := st.Transaction(ctx, func(tx *store.Tx) error {
			tk, err := task.GetInTx(ctx, tx, id)
			if err != nil {
				return err
			}
			_, err = task.MarkDone(ctx, tx, tk)
			return err
		}); err != nil {
			t.Fatalf("mark done: %v", err)
		}
	}

	results, err := w.WaitForAll(ctx, []int64{id1, id2}, 5*time.Second)
	if err != nil {
		t.Fatalf("wait for all: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}
