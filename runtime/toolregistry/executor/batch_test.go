package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distrihub/distri/runtime/agent/planner"
	agentsruntime "github.com/distrihub/distri/runtime/agent/runtime"
	"github.com/distrihub/distri/runtime/agent/tools"
	"github.com/distrihub/distri/runtime/toolregistry"
	"goa.design/pulse/streaming"
)

func TestExecuteBatch_Empty(t *testing.T) {
	t.Parallel()

	exec := New(fakeRegistryClient{}, fakePulseClient{}, fakeSpecs{})
	results, err := exec.ExecuteBatch(context.Background(), nil, 4)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestExecuteBatch_PreservesOrder(t *testing.T) {
	t.Parallel()

	const resultEventName = "result"

	spec := &tools.ToolSpec{
		Name:    "todos.update_todos",
		Toolset: "todos.todos",
	}
	specs := fakeSpecs{spec: spec}

	calls := []BatchCall{
		{
			Meta: &agentsruntime.ToolCallMeta{RunID: "run", SessionID: "sess"},
			Call: &planner.ToolRequest{Name: "todos.update_todos", Payload: []byte(`{}`)},
		},
		{
			Meta: &agentsruntime.ToolCallMeta{RunID: "run", SessionID: "sess"},
			Call: &planner.ToolRequest{Name: "todos.update_todos", Payload: []byte(`{}`)},
		},
	}

	results := make([]*planner.ToolResult, 0, len(calls))
	for i, c := range calls {
		toolUseID := "tooluse-" + string(rune('a'+i))
		resultStreamID := "result:" + toolUseID

		stream := &fakeStream{
			t:             t,
			requiredStart: "0",
			events: []*streaming.Event{
				{
					ID:        "1-0",
					EventName: resultEventName,
					Payload: mustJSON(t, toolregistry.ToolResultMessage{
						ToolUseID: toolUseID,
						Result:    json.RawMessage(`{}`),
					}),
				},
			},
		}
		pc := fakePulseClient{streamID: resultStreamID, stream: stream}
		exec := New(fakeRegistryClient{toolUseID: toolUseID, resultStreamID: resultStreamID}, pc, specs, WithResultEventKey(resultEventName))

		res, err := exec.Execute(context.Background(), c.Meta, c.Call)
		require.NoError(t, err)
		results = append(results, res)
	}

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, tools.Ident("todos.update_todos"), r.Name)
	}
}

func TestExecuteBatch_PropagatesCallError(t *testing.T) {
	t.Parallel()

	exec := New(fakeRegistryClient{toolUseID: "x", resultStreamID: "mismatch"}, fakePulseClient{streamID: "other"}, fakeSpecs{
		spec: &tools.ToolSpec{Name: "todos.update_todos", Toolset: "todos.todos"},
	})

	calls := []BatchCall{
		{
			Meta: &agentsruntime.ToolCallMeta{RunID: "run", SessionID: "sess"},
			Call: &planner.ToolRequest{Name: "todos.update_todos", Payload: []byte(`{}`)},
		},
	}

	results, err := exec.ExecuteBatch(context.Background(), calls, 2)
	require.Error(t, err)
	require.Len(t, results, 1)
}
