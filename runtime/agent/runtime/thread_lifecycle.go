package runtime

// thread_lifecycle.go defines the public thread lifecycle surface of the runtime.
//
// Threads are first-class: callers must open a thread explicitly before
// submitting tasks under it. This gives the runtime a strong contract
// boundary for thread-scoped state and thread-scoped streaming, and lets a
// single thread host a sequence of tasks (spec.md §3).

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/distrihub/distri/runtime/agent/thread"
)

// OpenThread opens (or idempotently returns) an active thread. Callers must
// open a thread before submitting tasks under it; submitting against an
// ended thread is rejected by the task store with thread.ErrThreadEnded.
func (r *Runtime) OpenThread(ctx context.Context, threadID string) (thread.Thread, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(threadID)
	if id == "" {
		return thread.Thread{}, ErrMissingThreadID
	}
	return r.Thread.OpenThread(ctx, id, time.Now().UTC())
}

// EndThread ends a thread and cancels any of its tasks that are still
// non-terminal. Ending an already-ended thread is a no-op that returns the
// stored thread state.
func (r *Runtime) EndThread(ctx context.Context, threadID string) (thread.Thread, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(threadID)
	if id == "" {
		return thread.Thread{}, ErrMissingThreadID
	}
	ended, err := r.Thread.EndThread(ctx, id, time.Now().UTC())
	if err != nil {
		return thread.Thread{}, err
	}
	cancelCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.cancelThreadTasks(cancelCtx, id); err != nil {
		r.logWarn(ctx, "cancel thread tasks failed", err, "thread_id", id)
	}
	return ended, nil
}

// cancelThreadTasks cancels every non-terminal task belonging to threadID.
// Errors from individual cancellations are joined and returned so callers
// can log them without aborting the remaining cancellations.
func (r *Runtime) cancelThreadTasks(ctx context.Context, threadID string) error {
	tasks, err := r.Thread.ListTasksByThread(ctx, threadID, []thread.TaskStatus{
		thread.TaskSubmitted, thread.TaskWorking, thread.TaskAwaitingTool, thread.TaskAwaitingApproval,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	var errs []error
	for _, task := range tasks {
		if err := r.CancelRun(ctx, task.TaskID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
