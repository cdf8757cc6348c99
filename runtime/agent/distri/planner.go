package distri

import "context"

// StepInput is what the Scheduler hands the LLM Step Driver for one
// iteration (spec.md §4.F).
type StepInput struct {
	AgentDef       AgentDefinition
	Messages       []Message
	AllowedTools   []string
	RemainingSteps int
}

// TextDeltaFunc streams one fragment of assistant text as the driver
// produces it, so the Scheduler can publish text_delta events incrementally.
type TextDeltaFunc func(delta string)

// ToolArgsDeltaFunc streams one fragment of a tool call's arguments.
type ToolArgsDeltaFunc func(toolCallID, delta string)

// StepOutput is the assistant turn produced by one Step call: any
// combination of assistant text and requested tool calls.
type StepOutput struct {
	Text      string
	ToolCalls []ToolCall
}

// StepDriver builds a request from messages and tool schemas and parses
// structured tool calls out of the response (spec.md §4.F). Implementations
// own the provider/xml/json tool-call parsing and retry policy described in
// §4.F; this interface only carries the already-parsed result back to the
// Scheduler.
type StepDriver interface {
	Step(ctx context.Context, in StepInput, onText TextDeltaFunc, onToolArgs ToolArgsDeltaFunc) (StepOutput, error)
}
