// Package processor drains pending tasks across one or more workspace
// slots, dispatching each claimed task to the handler registered for it.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/basket/loomwork/internal/orcherr"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/task"
	"github.com/basket/loomwork/internal/workspace"
)

// Handler advances one claimed task to a terminal status. A handler that
// returns nil without leaving the task done or failed is a bug in the
// handler, not in Processor — Call surfaces it as ErrTaskPending rather
// than looping forever.
type Handler func(ctx context.Context, t *task.Task, ws workspace.Workspace) error

// Processor owns the registered handler map and the workspace slots a
// drain spreads tasks across.
type Processor struct {
	store      *store.Store
	workspaces []workspace.Workspace
	handlers   map[string]Handler

	aborted atomic.Bool
}

func New(st *store.Store, workspaces []workspace.Workspace, handlers map[string]Handler) *Processor {
	return &Processor{store: st, workspaces: workspaces, handlers: handlers}
}

// AddTask implements add_task's idempotent-by-(record,handler) lookup.
// handler must already be registered; an unknown name is rejected here so
// a typo surfaces at enqueue time, not buried inside a drain loop.
func (p *Processor) AddTask(ctx context.Context, recordType string, recordID int64, handler string) (*task.Task, error) {
	if _, ok := p.handlers[handler]; !ok {
		return nil, &orcherr.ErrConfiguration{Reason: fmt.Sprintf("processor: unknown handler %q", handler)}
	}
	return task.FindOrCreate(ctx, p.store, recordType, recordID, handler)
}

// Abort sets the cooperative abort flag. A drain loop checks it before
// claiming its next task, so an in-flight handler call always finishes
// before its workspace slot stops.
func (p *Processor) Abort() { p.aborted.Store(true) }

// Call drains every pending task, then returns. With a single workspace
// the drain runs synchronously on the caller's goroutine. With more than
// one, each workspace drains on its own goroutine; the first handler
// error aborts every other slot and is the one error Call returns, once
// every slot has finished its current task and stopped.
//
// afterEach, if set, runs once per successfully dispatched task — tests
// use it to observe interleaving between workspaces.
func (p *Processor) Call(ctx context.Context, afterEach func()) error {
	if len(p.workspaces) == 0 {
		return &orcherr.ErrConfiguration{Reason: "processor: call requires at least one workspace"}
	}
	if len(p.workspaces) == 1 {
		return p.drain(ctx, p.workspaces[0], afterEach)
	}

	// One cooperative goroutine per workspace, a semaphore sized to the
	// workspace count (so every slot always holds a permit — it exists to
	// bound further fan-out afterEach itself might do, not to throttle
	// this loop), and a buffered error channel wide enough that no
	// drain ever blocks reporting its failure.
	sem := make(chan struct{}, len(p.workspaces))
	errs := make(chan error, len(p.workspaces))
	var wg sync.WaitGroup
	for _, ws := range p.workspaces {
		ws := ws
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.drain(ctx, ws, afterEach); err != nil {
				p.Abort()
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

// drain repeatedly claims and dispatches the next pending task bound (or
// bindable) to ws until none remain, the context is cancelled, or Abort
// has been called.
func (p *Processor) drain(ctx context.Context, ws workspace.Workspace, afterEach func()) error {
	for {
		if p.aborted.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		var claimed *task.Task
		err := p.store.Transaction(ctx, func(tx *store.Tx) error {
			t, err := task.ClaimNextPending(ctx, tx, ws.ID)
			claimed = t
			return err
		})
		if err != nil {
			return err
		}
		if claimed == nil {
			return nil
		}

		handler, ok := p.handlers[claimed.Handler()]
		if !ok {
			return &orcherr.ErrConfiguration{Reason: fmt.Sprintf("processor: unknown handler %q for task %d", claimed.Handler(), claimed.ID())}
		}

		slog.Info("processor dispatch", "task", claimed.ID(), "handler", claimed.Handler(), "workspace", ws.ID)
		if err := handler(ctx, claimed, ws); err != nil {
			return err
		}

		after, err := task.Get(ctx, p.store, claimed.ID())
		if err != nil {
			return err
		}
		if after.Pending() {
			return &orcherr.ErrTaskPending{TaskID: fmt.Sprintf("%d", claimed.ID())}
		}

		if afterEach != nil {
			afterEach()
		}
	}
}
