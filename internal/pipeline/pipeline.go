package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/loomwork/internal/bus"
	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/session"
	"github.com/basket/loomwork/internal/shared"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/task"
	"github.com/basket/loomwork/internal/telemetry"
	"github.com/basket/loomwork/internal/vcs"
	"github.com/basket/loomwork/internal/workspace"
)

// StepContext is the helper bundle every step body, on_failure callback,
// and agent_step/agent_review_loop invocation runs with. Task and Record
// are reloaded bound to Tx at the start of each loop iteration, so a step
// body always observes the effects of whatever ran immediately before it
// in the same transaction.
type StepContext struct {
	ctx context.Context

	Tx        *store.Tx
	Task      *task.Task
	Record    *Record
	Store     *store.Store
	Workspace workspace.Workspace
	Session   *session.Session
	Git       vcs.Git

	rewindTarget *string
}

func (sc *StepContext) Context() context.Context { return sc.ctx }

// RewindTo records target as this iteration's rewind request. The actual
// truncation of completed_steps happens after the step body returns, per
// the design's "out-parameter consumed after the step returns" rule —
// there is no mid-flight jump.
func (sc *StepContext) RewindTo(target string) {
	sc.rewindTarget = &target
}

// Fail marks the current task failed with message, inside this step's
// transaction, and refreshes sc.Task. agent_step uses this for an
// ordinary (non-abort) chat gateway failure; plain steps may use it
// directly instead of returning a Go error when they want the pipeline
// to keep recording progress for a step that is, semantically, "done
// producing a result, and that result is failure".
func (sc *StepContext) Fail(message string) error {
	t, err := task.Fail(sc.ctx, sc.Tx, sc.Task, message)
	if err != nil {
		return err
	}
	sc.Task = t
	return nil
}

// AppendChatID records a new chat id on the task, refreshing sc.Task.
func (sc *StepContext) AppendChatID(chatID string) error {
	t, err := task.AppendChatID(sc.ctx, sc.Tx, sc.Task, chatID)
	if err != nil {
		return err
	}
	sc.Task = t
	return nil
}

// Step is an addressable, named unit of pipeline work. Body receives the
// context helpers and returns an error only for a true step exception —
// ordinary "this step produced a failure result" outcomes go through
// StepContext.Fail instead, leaving Body's return value nil so the
// runtime advances normally and lets task.failed? drive the branch.
type Step struct {
	Name string
	Body func(sc *StepContext) error
}

// Family is a named, ordered sequence of steps with optional on-failure
// hooks, advanced one task at a time by Run.
type Family struct {
	Name      string
	Steps     []Step
	OnFailure []func(sc *StepContext) error

	// ConfigureRecord, if set, is called once per loaded Record — right
	// after it is wrapped and before any step body sees it — to attach the
	// record's i18n_attributes/add_review capability hooks.
	ConfigureRecord func(rec *Record)
}

// Run advances task taskID through the family's declared steps until it
// reaches a terminal status or the loop hits an uncaught step error.
//
// Ordinary step errors are caught, recorded on the task (failed, with
// class and message), and swallowed: Run returns nil so a workspace
// drain loop can move on to the next task. AbortCostExceeded is the one
// exception the generic rescue does not swallow — it still marks the
// task failed but is then re-raised from Run, matching the design's
// "abort propagates up and out" rule.
func (f *Family) Run(ctx context.Context, st *store.Store, taskID int64, ws workspace.Workspace, sess *session.Session, git vcs.Git) error {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, fmt.Sprintf("%d", taskID))
	if sess != nil {
		sess.Logger().Info("pipeline start", "family", f.Name, "task", taskID, "trace_id", shared.TraceID(ctx))
	}
	first, err := task.Get(ctx, st, taskID)
	if err != nil {
		return err
	}
	if _, bound := first.WorkspaceID(); !bound {
		return &orcherr.ErrConfiguration{Reason: fmt.Sprintf("pipeline: task %d has no bound workspace", taskID)}
	}
	for {
		current, err := task.Get(ctx, st, taskID)
		if err != nil {
			return err
		}
		if !current.Pending() {
			break
		}
		idx := firstUndoneStep(f.Steps, current.CompletedSteps())
		if idx < 0 {
			break
		}
		step := f.Steps[idx]

		var abortErr error
		txErr := st.Transaction(ctx, func(tx *store.Tx) error {
			sc, err := f.newStepContext(ctx, tx, taskID, ws, sess, git)
			if err != nil {
				return err
			}
			var tracer *telemetry.Tracer
			if sess != nil {
				tracer = sess.Tracer()
			}
			spanCtx, span := tracer.StartStepSpan(ctx, f.Name, step.Name, taskID)
			sc.ctx = spanCtx
			defer span.End()
			if err := step.Body(sc); err != nil {
				var abort *orcherr.AbortCostExceeded
				if errors.As(err, &abort) {
					abortErr = err
				}
				return &orcherr.StepError{Step: step.Name, Err: err}
			}
			return f.concludeIteration(ctx, tx, sc, step.Name)
		})
		if txErr != nil {
			// Configuration errors are surfaced synchronously to the
			// caller and never attached to a task, per the design's
			// error taxonomy.
			var cfgErr *orcherr.ErrConfiguration
			if errors.As(txErr, &cfgErr) {
				return txErr
			}
			if failErr := f.handleUncaughtError(ctx, st, taskID, ws, sess, git, txErr); failErr != nil {
				return failErr
			}
			if abortErr != nil {
				return abortErr
			}
			return nil
		}
	}
	return st.Transaction(ctx, func(tx *store.Tx) error {
		t, err := task.GetInTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Failed() {
			return nil
		}
		_, err = task.MarkDone(ctx, tx, t)
		return err
	})
}

// concludeIteration runs after a step body returns without error: it
// branches on whether the body marked the task failed, requested a
// rewind, or neither, exactly as the execution loop's pseudocode
// prescribes. All three branches commit in the same transaction as the
// step body.
func (f *Family) concludeIteration(ctx context.Context, tx *store.Tx, sc *StepContext, stepName string) error {
	reloaded, err := task.GetInTx(ctx, tx, sc.Task.ID())
	if err != nil {
		return err
	}
	sc.Task = reloaded
	switch {
	case reloaded.Failed():
		if b := tx.Store().Bus(); b != nil {
			b.Publish(bus.TopicStepCompleted, bus.StepCompletedEvent{TaskID: reloaded.ID(), Step: stepName, Failed: true})
		}
		return f.runOnFailure(sc)
	case sc.rewindTarget != nil:
		target := *sc.rewindTarget
		_, err := task.RewindTo(ctx, tx, reloaded, target)
		if err == nil {
			if b := tx.Store().Bus(); b != nil {
				b.Publish(bus.TopicStepRetried, bus.StepRetriedEvent{TaskID: reloaded.ID(), Step: stepName, RewindTo: target})
			}
		}
		return err
	default:
		_, err := task.AppendCompletedStep(ctx, tx, reloaded, stepName)
		if err == nil {
			if b := tx.Store().Bus(); b != nil {
				b.Publish(bus.TopicStepCompleted, bus.StepCompletedEvent{TaskID: reloaded.ID(), Step: stepName, Failed: false})
			}
		}
		return err
	}
}

// handleUncaughtError implements the loop's outer catch: since the
// per-iteration transaction rolled back, the failure must be recorded in
// a fresh transaction.
func (f *Family) handleUncaughtError(ctx context.Context, st *store.Store, taskID int64, ws workspace.Workspace, sess *session.Session, git vcs.Git, cause error) error {
	return st.Transaction(ctx, func(tx *store.Tx) error {
		t, err := task.GetInTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !t.Failed() {
			t, err = task.Fail(ctx, tx, t, fmt.Sprintf("%T: %s", cause, cause.Error()))
			if err != nil {
				return err
			}
		}
		sc, err := f.newStepContextFor(ctx, tx, t, ws, sess, git)
		if err != nil {
			return err
		}
		return f.runOnFailure(sc)
	})
}

// runOnFailure runs every on_failure callback in declaration order. Per
// the design's documented behavior, an error raised by a callback is not
// propagated — it is appended to the task's error message and the next
// callback still runs.
func (f *Family) runOnFailure(sc *StepContext) error {
	for _, cb := range f.OnFailure {
		if err := cb(sc); err != nil {
			msg := sc.Task.ErrorMessage() + "\non_failure error: " + err.Error()
			if err := sc.Fail(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Family) newStepContext(ctx context.Context, tx *store.Tx, taskID int64, ws workspace.Workspace, sess *session.Session, git vcs.Git) (*StepContext, error) {
	t, err := task.GetInTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	return f.newStepContextFor(ctx, tx, t, ws, sess, git)
}

func (f *Family) newStepContextFor(ctx context.Context, tx *store.Tx, t *task.Task, ws workspace.Workspace, sess *session.Session, git vcs.Git) (*StepContext, error) {
	rec, err := f.loadRecord(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	return &StepContext{
		ctx:       ctx,
		Tx:        tx,
		Task:      t,
		Record:    rec,
		Store:     tx.Store(),
		Workspace: ws,
		Session:   sess,
		Git:       git,
	}, nil
}

func (f *Family) loadRecord(ctx context.Context, tx *store.Tx, t *task.Task) (*Record, error) {
	if t.RecordType() == "" {
		return nil, nil
	}
	h, err := tx.Record(t.RecordType())
	if err != nil {
		return nil, err
	}
	row, err := h.Find(ctx, t.RecordID())
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &orcherr.ErrConfiguration{Reason: fmt.Sprintf("pipeline: record %s#%d not found", t.RecordType(), t.RecordID())}
	}
	rec := WrapRecord(row)
	if f.ConfigureRecord != nil {
		f.ConfigureRecord(rec)
	}
	return rec, nil
}

func firstUndoneStep(steps []Step, completed []string) int {
	done := make(map[string]bool, len(completed))
	for _, s := range completed {
		done[s] = true
	}
	for i, s := range steps {
		if !done[s.Name] {
			return i
		}
	}
	return -1
}
