// Package task defines the persistent record representing one pipeline
// invocation: its status, the ordered trail of completed step names, its
// workspace binding, and the chat ids it has spoken through.
package task

import (
	"context"
	"time"

	"github.com/basket/loomwork/internal/bus"
	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/store"
)

const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Def returns the record definition for the built-in tasks table. Callers
// pass this to store.Builder.Define once per store.
func Def() store.RecordDef {
	return store.RecordDef{
		Name:  "task",
		Table: "tasks",
		Columns: []store.Column{
			{Name: "status", Type: store.TypeString, NotNull: true, Default: StatusPending},
			{Name: "completed_steps", Type: store.TypeJSON, NotNull: true, Default: []string{}},
			{Name: "record_type", Type: store.TypeString},
			{Name: "record_id", Type: store.TypeInt},
			{Name: "workspace_id", Type: store.TypeInt},
			{Name: "handler", Type: store.TypeString, NotNull: true},
			{Name: "error_message", Type: store.TypeString},
			{Name: "chat_ids", Type: store.TypeJSON, NotNull: true, Default: []string{}},
		},
		Behaviors: []store.Behavior{
			{AfterCreate: func(tx *store.Tx, row *store.Row) error {
				return tx.AppendTaskEvent(row.ID(), "", StatusPending, "created", nil)
			}},
		},
	}
}

// Task is a typed wrapper over a generic *store.Row, following the
// design's "generic record handle, typed per-domain wrapper" split: the
// store package knows nothing about tasks; this package knows nothing
// about SQL.
type Task struct {
	row *store.Row
}

func Wrap(row *store.Row) *Task {
	if row == nil {
		return nil
	}
	return &Task{row: row}
}

func (t *Task) ID() int64      { return t.row.ID() }
func (t *Task) Status() string { return t.row.GetString("status") }
func (t *Task) Pending() bool  { return t.Status() == StatusPending }
func (t *Task) Done() bool     { return t.Status() == StatusDone }
func (t *Task) Failed() bool   { return t.Status() == StatusFailed }

func (t *Task) Handler() string      { return t.row.GetString("handler") }
func (t *Task) RecordType() string   { return t.row.GetString("record_type") }
func (t *Task) RecordID() int64      { return t.row.GetInt64("record_id") }
func (t *Task) ErrorMessage() string { return t.row.GetString("error_message") }

func (t *Task) CreatedAt() time.Time { return t.row.CreatedAt() }
func (t *Task) UpdatedAt() time.Time { return t.row.UpdatedAt() }

func (t *Task) WorkspaceID() (int64, bool) {
	v := t.row.Get("workspace_id")
	if v == nil {
		return 0, false
	}
	return t.row.GetInt64("workspace_id"), true
}

func (t *Task) CompletedSteps() []string {
	return toStringSlice(t.row.Get("completed_steps"))
}

func (t *Task) ChatIDs() []string {
	return toStringSlice(t.row.Get("chat_ids"))
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Create makes a new task row for (recordType, recordID, handler). Callers
// wanting add_task's idempotent-by-(record,handler) behavior should use
// FindOrCreate instead.
func Create(ctx context.Context, tx *store.Tx, recordType string, recordID int64, handler string) (*Task, error) {
	h, err := tx.Record("task")
	if err != nil {
		return nil, err
	}
	row, err := h.Create(ctx, map[string]any{
		"status":          StatusPending,
		"completed_steps": []string{},
		"record_type":     recordType,
		"record_id":       recordID,
		"handler":         handler,
		"chat_ids":        []string{},
	})
	if err != nil {
		return nil, err
	}
	return Wrap(row), nil
}

// FindOrCreate implements Processor.add_task's idempotent lookup: a task
// already exists for (recordType, recordID, handler), it is returned
// as-is; otherwise a new pending task is created. The whole operation runs
// in one transaction so two concurrent callers never create duplicates.
func FindOrCreate(ctx context.Context, st *store.Store, recordType string, recordID int64, handler string) (*Task, error) {
	h, err := st.Record("task")
	if err != nil {
		return nil, err
	}
	row, err := h.FindOrCreateBy(ctx, map[string]any{
		"record_type": recordType,
		"record_id":   recordID,
		"handler":     handler,
	})
	if err != nil {
		return nil, err
	}
	return Wrap(row), nil
}

// ClaimNextPending selects the oldest pending task bound to workspaceID or
// unbound, and — if it was unbound — atomically binds it to workspaceID in
// the same transaction as the selection. This is the serialization point
// that guarantees claim uniqueness: two slots racing on the same unbound
// task cannot both win, because the bind is a conditional UPDATE inside a
// transaction on the store's single connection.
func ClaimNextPending(ctx context.Context, tx *store.Tx, workspaceID int64) (*Task, error) {
	h, err := tx.Record("task")
	if err != nil {
		return nil, err
	}
	rows, err := h.Where(map[string]any{"status": StatusPending}).Order("created_at", "asc").All(ctx)
	if err != nil {
		return nil, err
	}
	var candidate *store.Row
	for _, r := range rows {
		ws := r.Get("workspace_id")
		if ws == nil || r.GetInt64("workspace_id") == workspaceID {
			candidate = r
			break
		}
	}
	if candidate == nil {
		return nil, nil
	}
	if candidate.Get("workspace_id") == nil {
		updated, err := h.Update(ctx, candidate.ID(), map[string]any{"workspace_id": workspaceID})
		if err != nil {
			return nil, err
		}
		if b := tx.Store().Bus(); b != nil {
			b.Publish(bus.TopicTaskClaimed, bus.TaskClaimedEvent{TaskID: updated.ID(), WorkspaceID: workspaceID})
		}
		return Wrap(updated), nil
	}
	return Wrap(candidate), nil
}

// Fail transitions the task to failed and records the message. failed is
// terminal: the task will never be reconsidered by ClaimNextPending.
func Fail(ctx context.Context, tx *store.Tx, t *Task, message string) (*Task, error) {
	h, err := tx.Record("task")
	if err != nil {
		return nil, err
	}
	row, err := h.Update(ctx, t.ID(), map[string]any{
		"status":        StatusFailed,
		"error_message": message,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.AppendTaskEvent(t.ID(), t.Status(), StatusFailed, "failed", map[string]string{"error_message": message}); err != nil {
		return nil, err
	}
	publishStateChanged(tx, t.ID(), t.Status(), StatusFailed)
	return Wrap(row), nil
}

// MarkDone transitions the task to done.
func MarkDone(ctx context.Context, tx *store.Tx, t *Task) (*Task, error) {
	h, err := tx.Record("task")
	if err != nil {
		return nil, err
	}
	row, err := h.Update(ctx, t.ID(), map[string]any{"status": StatusDone})
	if err != nil {
		return nil, err
	}
	if err := tx.AppendTaskEvent(t.ID(), t.Status(), StatusDone, "done", nil); err != nil {
		return nil, err
	}
	publishStateChanged(tx, t.ID(), t.Status(), StatusDone)
	return Wrap(row), nil
}

// publishStateChanged is a best-effort notification: it runs inside the
// same transaction as the status update but the store's commit does not
// wait on it, since Bus.Publish never blocks and a bus-less store (Bus
// unset on Builder) is the common case in tests.
func publishStateChanged(tx *store.Tx, taskID int64, oldStatus, newStatus string) {
	b := tx.Store().Bus()
	if b == nil {
		return
	}
	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
}

// AppendCompletedStep appends name to completed_steps. Must run inside the
// same transaction as the step body it concludes, so a crash between
// iterations always leaves completed_steps consistent with what actually
// ran.
func AppendCompletedStep(ctx context.Context, tx *store.Tx, t *Task, name string) (*Task, error) {
	steps := append(append([]string{}, t.CompletedSteps()...), name)
	return setCompletedSteps(ctx, tx, t, steps)
}

// RewindTo truncates completed_steps to everything before the single
// occurrence of target. It is an error for target to be absent or to
// appear more than once.
func RewindTo(ctx context.Context, tx *store.Tx, t *Task, target string) (*Task, error) {
	steps := t.CompletedSteps()
	idx, count := -1, 0
	for i, s := range steps {
		if s == target {
			count++
			idx = i
		}
	}
	if count != 1 {
		return nil, &orcherr.ErrRewind{Target: target, Count: count}
	}
	return setCompletedSteps(ctx, tx, t, steps[:idx])
}

func setCompletedSteps(ctx context.Context, tx *store.Tx, t *Task, steps []string) (*Task, error) {
	h, err := tx.Record("task")
	if err != nil {
		return nil, err
	}
	row, err := h.Update(ctx, t.ID(), map[string]any{"completed_steps": steps})
	if err != nil {
		return nil, err
	}
	return Wrap(row), nil
}

// AppendChatID records a new chat id spoken through this task, used by
// agent_step to accumulate the chat audit trail.
func AppendChatID(ctx context.Context, tx *store.Tx, t *Task, chatID string) (*Task, error) {
	ids := append(append([]string{}, t.ChatIDs()...), chatID)
	h, err := tx.Record("task")
	if err != nil {
		return nil, err
	}
	row, err := h.Update(ctx, t.ID(), map[string]any{"chat_ids": ids})
	if err != nil {
		return nil, err
	}
	return Wrap(row), nil
}

// Get reloads a task by id against the given store (no transaction
// required for a plain read).
func Get(ctx context.Context, st *store.Store, id int64) (*Task, error) {
	h, err := st.Record("task")
	if err != nil {
		return nil, err
	}
	row, err := h.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	return Wrap(row), nil
}

// GetInTx reloads a task by id bound to tx, so the pipeline runtime always
// observes the mutations an earlier step made within the same transaction.
func GetInTx(ctx context.Context, tx *store.Tx, id int64) (*Task, error) {
	h, err := tx.Record("task")
	if err != nil {
		return nil, err
	}
	row, err := h.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	return Wrap(row), nil
}

// All returns every task in the store, for reporting — Batch.Report is
// the only caller that needs the full, unfiltered set.
func All(ctx context.Context, st *store.Store) ([]*Task, error) {
	h, err := st.Record("task")
	if err != nil {
		return nil, err
	}
	rows, err := h.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, len(rows))
	for i, r := range rows {
		out[i] = Wrap(r)
	}
	return out, nil
}
