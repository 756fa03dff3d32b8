// Package orcherr holds the error taxonomy shared by the store, pipeline
// runtime, chat gateway, and processor. Every exported error is meant to be
// matched with errors.Is/errors.As by callers, not parsed from its message.
package orcherr

import "fmt"

// ErrConfiguration covers invalid store config, unknown tool names, unknown
// handler names, and malformed review-loop declarations. It is always
// surfaced synchronously to the caller and never attached to a task.
type ErrConfiguration struct {
	Reason string
}

func (e *ErrConfiguration) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// ErrReadOnly is returned by any write attempted against a version-pinned
// or named-snapshot-pinned store.
type ErrReadOnly struct {
	Store string
}

func (e *ErrReadOnly) Error() string {
	return fmt.Sprintf("store %q is read-only (pinned to a snapshot)", e.Store)
}

// ErrInvalidResponse is raised by the chat gateway's get/refine loop once
// every retry attempt has been exhausted without a schema-valid, parseable
// JSON reply.
type ErrInvalidResponse struct {
	Attempts  int
	LastError string
}

func (e *ErrInvalidResponse) Error() string {
	return fmt.Sprintf("invalid response after %d attempts: %s", e.Attempts, e.LastError)
}

// ErrNoConfirmation is raised when get's confirm-of-out_of consensus budget
// is exhausted without any answer reaching the required agreement count.
type ErrNoConfirmation struct {
	Confirm int
	OutOf   int
}

func (e *ErrNoConfirmation) Error() string {
	return fmt.Sprintf("no %d-of-%d consensus reached", e.Confirm, e.OutOf)
}

// ErrRewind covers a rewind_to! target that is missing from, or duplicated
// in, completed_steps.
type ErrRewind struct {
	Target string
	Count  int
}

func (e *ErrRewind) Error() string {
	if e.Count == 0 {
		return fmt.Sprintf("rewind target %q not found in completed steps", e.Target)
	}
	return fmt.Sprintf("rewind target %q appears %d times in completed steps, want exactly 1", e.Target, e.Count)
}

// ErrTaskPending is raised by the Processor when a handler returns without
// marking its task done or failed — a broken-handler sentinel.
type ErrTaskPending struct {
	TaskID string
}

func (e *ErrTaskPending) Error() string {
	return fmt.Sprintf("task %s is still pending after handler returned", e.TaskID)
}

// AbortCostExceeded is raised by the spend-gating hook when a chat
// completion would push the project or run cost over its configured
// threshold. It propagates through the pipeline runtime's generic rescue
// unmodified — callers must not swallow it.
type AbortCostExceeded struct {
	CostType     string // "project" or "run"
	CurrentCost  float64
	Threshold    float64
}

func (e *AbortCostExceeded) Error() string {
	return fmt.Sprintf("Abort: %s cost $%.2f exceeds threshold $%.2f", e.CostType, e.CurrentCost, e.Threshold)
}

// StepError wraps a panic/error raised from inside a step body, carrying
// the step name so the task's error_message reads the same way regardless
// of which step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
