// Package coordinator holds the completion-tracking convenience layered
// on top of the bus and the task table: code that wants to block until a
// task (or a set of tasks) reaches done/failed without writing its own
// subscribe-or-poll loop.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/loomwork/internal/bus"
	"github.com/basket/loomwork/internal/store"
	"github.com/basket/loomwork/internal/task"
)

// TaskResult holds the terminal outcome of one task.
type TaskResult struct {
	TaskID int64
	Status string
	Error  string
}

// Waiter tracks task completion via bus events with a polling fallback.
// A nil event bus puts it in polling-only mode at a faster tick, which is
// also what it falls back to if a subscription channel is ever closed out
// from under it.
type Waiter struct {
	eventBus *bus.Bus
	store    *store.Store
}

// NewWaiter creates a task completion waiter. bus may be nil.
func NewWaiter(eventBus *bus.Bus, st *store.Store) *Waiter {
	return &Waiter{eventBus: eventBus, store: st}
}

// WaitForTask blocks until taskID reaches done or failed, or ctx/timeout
// expires. It subscribes to task.state_changed before doing its first
// terminal check, so a task that finishes between the subscribe and the
// check is still caught by the immediate checkTerminal call rather than
// lost to a race.
func (w *Waiter) WaitForTask(ctx context.Context, taskID int64, timeout time.Duration) (*TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var sub *bus.Subscription
	if w.eventBus != nil {
		sub = w.eventBus.Subscribe(bus.TopicTaskStateChanged)
		defer w.eventBus.Unsubscribe(sub)
	}

	result, err := w.checkTerminal(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	tickerInterval := 1 * time.Second
	if w.eventBus == nil {
		tickerInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for task %d: %w", taskID, ctx.Err())

		case <-ticker.C:
			result, err := w.checkTerminal(ctx, taskID)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}

		case event, ok := <-subChan(sub):
			if !ok {
				sub = nil
				continue
			}
			if isEventForTask(event, taskID) {
				result, err := w.checkTerminal(ctx, taskID)
				if err != nil {
					return nil, err
				}
				if result != nil {
					return result, nil
				}
			}
		}
	}
}

func subChan(sub *bus.Subscription) <-chan bus.Event {
	if sub == nil {
		return nil
	}
	return sub.Ch()
}

func isEventForTask(event bus.Event, taskID int64) bool {
	switch e := event.Payload.(type) {
	case bus.TaskStateChangedEvent:
		return e.TaskID == taskID
	case bus.TaskClaimedEvent:
		return e.TaskID == taskID
	}
	return false
}

// WaitForAll waits for every id in taskIDs concurrently. A single task's
// timeout or lookup error does not stop the others from being waited on;
// every error is collected and returned together with whatever results
// did complete.
func (w *Waiter) WaitForAll(ctx context.Context, taskIDs []int64, timeout time.Duration) (map[int64]*TaskResult, error) {
	results := make(map[int64]*TaskResult)
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(taskIDs))

	for _, id := range taskIDs {
		wg.Add(1)
		go func(taskID int64) {
			defer wg.Done()
			result, err := w.WaitForTask(ctx, taskID, timeout)
			if err != nil {
				errCh <- fmt.Errorf("task %d: %w", taskID, err)
				return
			}
			mu.Lock()
			results[taskID] = result
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%d task(s) failed to complete: %v", len(errs), errs[0])
	}
	return results, nil
}

// checkTerminal returns a TaskResult if taskID is done or failed, or
// (nil, nil) if it is still pending.
func (w *Waiter) checkTerminal(ctx context.Context, taskID int64) (*TaskResult, error) {
	t, err := task.Get(ctx, w.store, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", taskID, err)
	}
	if t == nil {
		return nil, fmt.Errorf("task %d not found", taskID)
	}
	if t.Pending() {
		return nil, nil
	}
	return &TaskResult{TaskID: t.ID(), Status: t.Status(), Error: t.ErrorMessage()}, nil
}
