package batch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/pipeline"
	"github.com/basket/loomwork/internal/session"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/workspace"
)

func widgetDef() store.RecordDef {
	return store.RecordDef{
		Name: "widget",
		Columns: []store.Column{
			{Name: "attr", Type: store.TypeString},
		},
	}
}

func createWidget(t *testing.T, ctx context.Context, st *store.Store) int64 {
	t.Helper()
	var id int64
	if err := st.Transaction(ctx, func(tx *store.Tx) error {
		h, err := tx.Record("widget")
		if err != nil {
			return err
		}
		row, err := h.Create(ctx, map[string]any{"attr": ""})
		if err != nil {
			return err
		}
		id = row.ID()
		return nil
	}); err != nil {
		t.Fatalf("create widget: %v", err)
	}
	return id
}

func TestNew_RequiresExactlyOneOfStoreAndStoreConfig(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Config{
		SessionConfig: &session.Config{},
		Workspaces:    workspace.Plain([]string{t.TempDir()}, nil),
	})
	var cfgErr *orcherr.ErrConfiguration
	if !errors.As(err, &cfgErr) {
		t.Fatalf("New error = %v, want ErrConfiguration", err)
	}
}

func TestNew_RequiresExactlyOneOfWorkspacesAndRepo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	_, err := New(ctx, Config{
		StoreConfig:   &StoreConfig{Dir: dir, DBFilename: "b.sqlite3", Defines: []store.RecordDef{widgetDef()}},
		SessionConfig: &session.Config{},
	})
	var cfgErr *orcherr.ErrConfiguration
	if !errors.As(err, &cfgErr) {
		t.Fatalf("New error = %v, want ErrConfiguration (no workspace source)", err)
	}
}

func TestBatch_AddTaskAndCallRunsFamily(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ran := false
	fam := &pipeline.Family{
		Name: "widget",
		Steps: []pipeline.Step{
			{Name: "mark", Body: func(sc *pipeline.StepContext) error {
				ran = true
				return sc.Record.Update(sc.Context(), sc.Tx, map[string]any{"attr": "done"})
			}},
		},
	}

	b, err := New(ctx, Config{
		StoreConfig:   &StoreConfig{Dir: dir, DBFilename: "b.sqlite3", Defines: []store.RecordDef{widgetDef()}},
		SessionConfig: &session.Config{},
		Workspaces:    workspace.Plain([]string{t.TempDir()}, nil),
		Families:      map[string]*pipeline.Family{"widget": fam},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Store().Close()

	widgetID := createWidget(t, ctx, b.Store())

	tk1, err := b.AddTask(ctx, "widget", widgetID)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	tk2, err := b.AddTask(ctx, "widget", widgetID)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if tk1.ID() != tk2.ID() {
		t.Fatalf("AddTask called twice for the same record produced two tasks: %d, %d", tk1.ID(), tk2.ID())
	}

	if err := b.Call(ctx, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !ran {
		t.Fatal("family step never ran")
	}

	report, err := b.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !strings.Contains(report, "Total: 1") || !strings.Contains(report, "Succeeded: 1") {
		t.Fatalf("report = %q, want Total: 1 and Succeeded: 1", report)
	}
}

func TestBatch_WaitForAllObservesCompletion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fam := &pipeline.Family{
		Name: "widget",
		Steps: []pipeline.Step{
			{Name: "mark", Body: func(sc *pipeline.StepContext) error {
				return sc.Record.Update(sc.Context(), sc.Tx, map[string]any{"attr": "done"})
			}},
		},
	}

	b, err := New(ctx, Config{
		StoreConfig:   &StoreConfig{Dir: dir, DBFilename: "b.sqlite3", Defines: []store.RecordDef{widgetDef()}},
		SessionConfig: &session.Config{},
		Workspaces:    workspace.Plain([]string{t.TempDir()}, nil),
		Families:      map[string]*pipeline.Family{"widget": fam},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Store().Close()

	widgetID := createWidget(t, ctx, b.Store())
	tk, err := b.AddTask(ctx, "widget", widgetID)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := b.Call(ctx, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	results, err := b.WaitForAll(ctx, []int64{tk.ID()}, time.Second)
	if err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}
	if results[tk.ID()] == nil || results[tk.ID()].Status != "done" {
		t.Fatalf("results[%d] = %+v, want status done", tk.ID(), results[tk.ID()])
	}
}

func TestBatch_ReportWithNoTasks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := New(ctx, Config{
		StoreConfig:   &StoreConfig{Dir: dir, DBFilename: "b.sqlite3"},
		SessionConfig: &session.Config{},
		Workspaces:    workspace.Plain([]string{t.TempDir(), t.TempDir()}, nil),
		Families:      map[string]*pipeline.Family{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Store().Close()

	report, err := b.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !strings.HasPrefix(report, "Total: 0\nSucceeded: 0\nPending: 0\nFailed: 0\nWorktrees: 2\n") {
		t.Fatalf("report = %q", report)
	}
	if strings.Contains(report, "Time:") {
		t.Fatalf("report should omit Time: with zero tasks, got %q", report)
	}
	if strings.Contains(report, "Cost per task") {
		t.Fatalf("report should omit Cost per task with zero tasks, got %q", report)
	}
}

func TestBatch_ReportListsFirstThreeFailedTasks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	boom := errors.New("boom")
	fam := &pipeline.Family{
		Name: "widget",
		Steps: []pipeline.Step{
			{Name: "fail", Body: func(sc *pipeline.StepContext) error { return boom }},
		},
	}

	b, err := New(ctx, Config{
		StoreConfig:   &StoreConfig{Dir: dir, DBFilename: "b.sqlite3", Defines: []store.RecordDef{widgetDef()}},
		SessionConfig: &session.Config{},
		Workspaces:    workspace.Plain([]string{t.TempDir()}, nil),
		Families:      map[string]*pipeline.Family{"widget": fam},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Store().Close()

	for i := 0; i < 4; i++ {
		widgetID := createWidget(t, ctx, b.Store())
		if _, err := b.AddTask(ctx, "widget", widgetID); err != nil {
			t.Fatalf("AddTask: %v", err)
		}
	}

	if err := b.Call(ctx, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	report, err := b.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !strings.Contains(report, "Failed: 4") {
		t.Fatalf("report = %q, want Failed: 4", report)
	}
	if !strings.Contains(report, "First 3 failed task(s):") {
		t.Fatalf("report = %q, want a First 3 failed task(s) section", report)
	}
	if strings.Count(report, "\n- ") != 3 {
		t.Fatalf("report = %q, want exactly 3 listed failures", report)
	}
}
