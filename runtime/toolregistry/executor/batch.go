package executor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/distrihub/distri/runtime/agent/planner"
	"github.com/distrihub/distri/runtime/agent/runtime"
)

// BatchCall pairs a single tool request with the metadata Execute needs.
type BatchCall struct {
	Meta *runtime.ToolCallMeta
	Call *planner.ToolRequest
}

// ExecuteBatch dispatches every call concurrently, bounded by maxConcurrency
// (a value <= 0 means unbounded). Results preserve the input order. A single
// call's error does not cancel its siblings; errgroup.WithContext still
// propagates ctx cancellation (caller-initiated) to every in-flight call.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []BatchCall, maxConcurrency int) ([]*planner.ToolResult, error) {
	results := make([]*planner.ToolResult, len(calls))
	if len(calls) == 0 {
		return results, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if maxConcurrency > 0 {
		group.SetLimit(maxConcurrency)
	}

	for i, c := range calls {
		i, c := i, c
		group.Go(func() error {
			res, err := e.Execute(groupCtx, c.Meta, c.Call)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
