package task

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewBuilder(dir, "orch.db").
		Define(Def()).
		Open(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTask_CreateAndGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	var created *Task
	err := st.Transaction(ctx, func(tx *store.Tx) error {
		tk, err := Create(ctx, tx, "review", 7, "run_review")
		created = tk
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if !created.Pending() {
		t.Fatalf("status = %q, want pending", created.Status())
	}

	got, err := Get(ctx, st, created.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RecordType() != "review" || got.RecordID() != 7 || got.Handler() != "run_review" {
		t.Fatalf("got = %+v", got)
	}
}

func TestTask_FindOrCreateIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	first, err := FindOrCreate(ctx, st, "review", 1, "run_review")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	second, err := FindOrCreate(ctx, st, "review", 1, "run_review")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if first.ID() != second.ID() {
		t.Fatalf("got two different task ids %d and %d, want the same one", first.ID(), second.ID())
	}
}

func TestTask_ClaimNextPendingBindsUnboundTask(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := FindOrCreate(ctx, st, "review", 1, "run_review"); err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	var claimed *Task
	err := st.Transaction(ctx, func(tx *store.Tx) error {
		tk, err := ClaimNextPending(ctx, tx, 42)
		claimed = tk
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if claimed == nil {
		t.Fatal("want a claimed task, got nil")
	}
	wsID, ok := claimed.WorkspaceID()
	if !ok || wsID != 42 {
		t.Fatalf("workspace id = (%d, %v), want (42, true)", wsID, ok)
	}
}

func TestTask_ClaimNextPendingSkipsTasksBoundElsewhere(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := FindOrCreate(ctx, st, "review", 1, "run_review"); err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	err := st.Transaction(ctx, func(tx *store.Tx) error {
		_, err := ClaimNextPending(ctx, tx, 1)
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	err = st.Transaction(ctx, func(tx *store.Tx) error {
		tk, err := ClaimNextPending(ctx, tx, 2)
		if err != nil {
			return err
		}
		if tk != nil {
			t.Fatalf("claimed task already bound to workspace 1 from workspace 2 claim: %+v", tk)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
}

func TestTask_FailAndMarkDone(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk, err := FindOrCreate(ctx, st, "review", 1, "run_review")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	err = st.Transaction(ctx, func(tx *store.Tx) error {
		failed, err := Fail(ctx, tx, tk, "boom")
		tk = failed
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if !tk.Failed() || tk.ErrorMessage() != "boom" {
		t.Fatalf("tk = %+v", tk)
	}

	tk2, err := FindOrCreate(ctx, st, "review", 2, "run_review")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		done, err := MarkDone(ctx, tx, tk2)
		tk2 = done
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if !tk2.Done() {
		t.Fatalf("tk2 = %+v, want done", tk2)
	}
}

func TestTask_EventsRecordTransitions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk, err := FindOrCreate(ctx, st, "review", 1, "run_review")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		_, err := MarkDone(ctx, tx, tk)
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	events, err := st.TaskEvents(ctx, tk.ID())
	if err != nil {
		t.Fatalf("TaskEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (created, done), got %d: %+v", len(events), events)
	}
	if events[0].EventType != "created" {
		t.Fatalf("events[0] = %+v, want created", events[0])
	}
	if events[1].EventType != "done" || events[1].StateFrom != StatusPending || events[1].StateTo != StatusDone {
		t.Fatalf("events[1] = %+v, want pending->done", events[1])
	}
}

func TestTask_CompletedStepsAndRewind(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk, err := FindOrCreate(ctx, st, "review", 1, "run_review")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}

	err = st.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		tk, err = AppendCompletedStep(ctx, tx, tk, "fetch")
		if err != nil {
			return err
		}
		tk, err = AppendCompletedStep(ctx, tx, tk, "plan")
		if err != nil {
			return err
		}
		tk, err = AppendCompletedStep(ctx, tx, tk, "implement")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got := tk.CompletedSteps(); len(got) != 3 || got[2] != "implement" {
		t.Fatalf("CompletedSteps = %v", got)
	}

	err = st.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		tk, err = RewindTo(ctx, tx, tk, "plan")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction rewind: %v", err)
	}
	if got := tk.CompletedSteps(); len(got) != 1 || got[0] != "fetch" {
		t.Fatalf("CompletedSteps after rewind = %v", got)
	}
}

func TestTask_RewindToMissingTargetFails(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk, err := FindOrCreate(ctx, st, "review", 1, "run_review")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		_, err := RewindTo(ctx, tx, tk, "nonexistent")
		return err
	})
	var rewindErr *orcherr.ErrRewind
	if !errors.As(err, &rewindErr) {
		t.Fatalf("want ErrRewind, got %v", err)
	}
	if rewindErr.Count != 0 {
		t.Fatalf("Count = %d, want 0", rewindErr.Count)
	}
}

func TestTask_AppendChatID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	tk, err := FindOrCreate(ctx, st, "review", 1, "run_review")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	err = st.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		tk, err = AppendChatID(ctx, tx, tk, "chat-1")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got := tk.ChatIDs(); len(got) != 1 || got[0] != "chat-1" {
		t.Fatalf("ChatIDs = %v", got)
	}
}
