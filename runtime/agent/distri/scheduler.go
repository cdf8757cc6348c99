package distri

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// SubAgentInvoker runs a delegated sub-task for transfer_to_agent (spec.md
// §4.G step f). Implementations own looking up the named agent's definition
// and driver; the Coordinator is the canonical implementation.
type SubAgentInvoker interface {
	RunSubTask(ctx context.Context, agentName, threadID, parentTaskID string, depth int, taskInput string) (string, error)
}

// RunResult is what the Scheduler returns once a task reaches a terminal
// state.
type RunResult struct {
	Task  *Task
	Final Message
	Err   error
}

// Scheduler drives one Task through the bounded per-agent iteration loop of
// spec.md §4.G: plan -> call LLM -> parse tool calls -> dispatch tools ->
// feed results back, until `final`, a terminal error, or cancellation.
type Scheduler struct {
	Bus        *Bus
	Sessions   SessionStore
	Scratchpad ScratchpadStore
	Threads    ThreadStore
	Tasks      TaskStore
	Artifacts  ArtifactFS
	External   ExternalToolCallStore
	Registry   *Registry
	Gate       Gate
	Pending    *PendingApprovals
	SubAgents  SubAgentInvoker

	// MaxConcurrentTools bounds parallel dispatch within one tool-call
	// batch (spec.md §5); zero means the default of 4.
	MaxConcurrentTools int

	mu       sync.Mutex
	external map[string]*externalWaiter
}

type externalWaiter struct {
	mu        sync.Mutex
	remaining map[string]bool
	done      chan struct{}
	closeOnce sync.Once
}

func (w *externalWaiter) closeDone() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (s *Scheduler) concurrency() int {
	if s.MaxConcurrentTools > 0 {
		return s.MaxConcurrentTools
	}
	return 4
}

// StartTask creates a new Task for threadID and returns it before any LLM
// step runs, so a caller (e.g. the Coordinator) can subscribe to its event
// stream before calling RunTask. parentTaskID and depth describe this
// task's place in a transfer_to_agent chain (both zero-value for a
// top-level call); depth is carried on the returned Task's bookkeeping via
// RunTask, not stored here.
func (s *Scheduler) StartTask(ctx context.Context, threadID, parentTaskID string) (*Task, error) {
	task, err := s.Tasks.Create(ctx, threadID, parentTaskID)
	if err != nil {
		return nil, err
	}
	if err := s.setStatus(task, StatusWorking); err != nil {
		return nil, err
	}
	return task, nil
}

// Run creates a Task for threadID and runs def against it starting from
// userParts, returning the terminal Task and, on success, the final
// assistant Message. parentTaskID and depth describe this task's place in a
// transfer_to_agent chain (both zero-value for a top-level call).
func (s *Scheduler) Run(ctx context.Context, def AgentDefinition, driver StepDriver, threadID, parentTaskID string, depth int, userParts []Part) (*RunResult, error) {
	task, err := s.StartTask(ctx, threadID, parentTaskID)
	if err != nil {
		return nil, err
	}
	return s.RunTask(ctx, task, def, driver, depth, userParts)
}

// RunTask drives an already-created task (see StartTask) through the
// iteration loop to a terminal state.
func (s *Scheduler) RunTask(ctx context.Context, task *Task, def AgentDefinition, driver StepDriver, depth int, userParts []Part) (*RunResult, error) {
	threadID := task.ThreadID

	entries, err := s.Sessions.GetAll(ctx, threadID)
	if err != nil {
		return s.fail(task, err), err
	}
	extraParts := MaterializeUserParts(entries)

	history, err := s.Threads.Messages(ctx, threadID)
	if err != nil {
		return s.fail(task, err), err
	}

	userMsg := Message{
		MessageID: newID("msg"),
		Role:      RoleUser,
		Parts:     append(append([]Part{}, userParts...), extraParts...),
	}
	if len(extraParts) > 0 {
		meta := make(map[int]PartMeta, len(extraParts))
		base := len(userParts)
		for i := range extraParts {
			meta[base+i] = PartMeta{Save: false}
		}
		userMsg.PartsMetadata = meta
	}
	// The LLM sees the augmented message (including __user_part_ extras);
	// only the filtered version is persisted (spec.md §3/§6).
	stepMessages := append(append([]Message{}, history...), userMsg)
	if err := s.persistMessage(ctx, threadID, userMsg); err != nil {
		return s.fail(task, err), err
	}

	maxTurns := def.MaxIterations
	iterations := 0

	for {
		if err := ctx.Err(); err != nil {
			return s.cancel(task), err
		}

		s.Bus.Publish(&MessageStartEvent{base: newBase(task.ID), Role: RoleAssistant})

		onText := func(delta string) {
			s.Bus.Publish(&TextDeltaEvent{base: newBase(task.ID), Delta: delta})
		}
		onArgs := func(toolCallID, delta string) {
			s.Bus.Publish(&ToolCallArgsEvent{base: newBase(task.ID), ToolCallID: toolCallID, Delta: delta})
		}

		out, err := driver.Step(ctx, StepInput{
			AgentDef:       def,
			Messages:       stepMessages,
			AllowedTools:   allowedToolNames(def),
			RemainingSteps: maxTurns - iterations,
		}, onText, onArgs)
		if err != nil {
			return s.fail(task, fmt.Errorf("distri: LLM step failed: %w", err)), err
		}

		assistantMsg := Message{MessageID: newID("msg"), Role: RoleAssistant}
		if out.Text != "" {
			assistantMsg.Parts = append(assistantMsg.Parts, TextPart(out.Text))
		}
		for _, tc := range out.ToolCalls {
			tc := tc
			assistantMsg.Parts = append(assistantMsg.Parts, Part{Kind: PartToolCall, ToolCall: &tc})
			s.Bus.Publish(&ToolCallStartEvent{base: newBase(task.ID), ToolCallID: tc.ToolCallID, ToolName: tc.ToolName})
		}
		s.Bus.Publish(&MessageEndEvent{base: newBase(task.ID), MessageID: assistantMsg.MessageID})

		if err := s.persistMessage(ctx, threadID, assistantMsg); err != nil {
			return s.fail(task, err), err
		}
		_ = s.Scratchpad.Append(ctx, threadID, task.ID, task.ParentTaskID, ScratchpadEntry{Entry: assistantMsg, EntryType: "assistant_turn"})
		stepMessages = append(stepMessages, assistantMsg)

		if final := extractCall(out.ToolCalls, "final"); final != nil {
			var fin struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(final.Input, &fin)
			finalMsg := Message{MessageID: newID("msg"), Role: RoleAssistant, Parts: []Part{TextPart(fin.Message)}}
			return s.complete(task, finalMsg), nil
		}

		if len(out.ToolCalls) == 0 {
			// A tool-call-free turn completes the task immediately using the
			// produced text as the final response: this also satisfies the
			// max_iterations=0 boundary case (a single LLM turn with no tool
			// request still completes) without needing an explicit `final`
			// call every time no tool is applicable.
			finalMsg := Message{MessageID: newID("msg"), Role: RoleAssistant, Parts: []Part{TextPart(out.Text)}}
			return s.complete(task, finalMsg), nil
		}

		if iterations >= maxTurns {
			reachedErr := &MaxIterationsReachedError{Max: maxTurns}
			return s.fail(task, reachedErr), reachedErr
		}

		if transfer := extractCall(out.ToolCalls, "transfer_to_agent"); transfer != nil {
			resultParts, err := s.dispatchTransfer(ctx, task, threadID, depth, *transfer)
			if err != nil {
				return s.fail(task, err), err
			}
			toolMsg := Message{MessageID: newID("msg"), Role: RoleTool, Parts: resultParts}
			if err := s.persistMessage(ctx, threadID, toolMsg); err != nil {
				return s.fail(task, err), err
			}
			stepMessages = append(stepMessages, toolMsg)
			iterations++
			continue
		}

		resultParts, err := s.dispatchToolCalls(ctx, task, def, out.ToolCalls)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return s.cancel(task), err
			}
			return s.fail(task, err), err
		}
		toolMsg := Message{MessageID: newID("msg"), Role: RoleTool, Parts: resultParts}
		if err := s.persistMessage(ctx, threadID, toolMsg); err != nil {
			return s.fail(task, err), err
		}
		stepMessages = append(stepMessages, toolMsg)
		iterations++
	}
}

// Cancel marks taskID canceled and resolves every outstanding approval or
// external wait for it as {error:"canceled"} (spec.md §5).
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	task, ok, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("distri: unknown task %s", taskID)
	}
	if task.Status.IsTerminal() {
		return nil
	}
	s.Pending.CancelForTask(taskID)

	s.mu.Lock()
	w, ok := s.external[taskID]
	s.mu.Unlock()
	if ok {
		w.mu.Lock()
		for id := range w.remaining {
			_ = s.External.Resolve(ctx, taskID, id, json.RawMessage(`{"error":"canceled"}`))
		}
		w.remaining = nil
		w.mu.Unlock()
		w.closeDone()
	}
	return s.Tasks.UpdateStatus(ctx, taskID, StatusCanceled)
}

// InjectApproval resolves a pending approval batch with resp.
func (s *Scheduler) InjectApproval(resp ApprovalResponse) bool {
	return s.Pending.Resolve(resp)
}

// InjectToolResponse resolves one outstanding external tool call.
func (s *Scheduler) InjectToolResponse(ctx context.Context, taskID, toolCallID string, response json.RawMessage) error {
	if err := s.External.Resolve(ctx, taskID, toolCallID, response); err != nil {
		return err
	}
	s.mu.Lock()
	w, ok := s.external[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("distri: task %s is not awaiting external tool results", taskID)
	}
	w.mu.Lock()
	delete(w.remaining, toolCallID)
	empty := len(w.remaining) == 0
	w.mu.Unlock()
	if empty {
		s.mu.Lock()
		delete(s.external, taskID)
		s.mu.Unlock()
		w.closeDone()
	}
	return nil
}

func (s *Scheduler) dispatchTransfer(ctx context.Context, task *Task, threadID string, depth int, call ToolCall) ([]Part, error) {
	if depth+1 > MaxDelegationDepth {
		return nil, &DelegationTooDeepError{Depth: depth + 1}
	}
	if s.SubAgents == nil {
		return nil, fmt.Errorf("distri: no sub-agent invoker configured for transfer_to_agent")
	}
	var in struct {
		AgentName string `json:"agent_name"`
		Task      string `json:"task"`
	}
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return nil, fmt.Errorf("distri: transfer_to_agent: %w", err)
	}

	final, err := s.SubAgents.RunSubTask(ctx, in.AgentName, threadID, task.ID, depth+1, in.Task)
	rp := ToolResultPart{ToolCallID: call.ToolCallID, ToolName: "transfer_to_agent"}
	if err != nil {
		rp.Error = err.Error()
	} else {
		rp.Parts = []Part{TextPart(final)}
	}
	s.Bus.Publish(&ToolCallResultEvent{base: newBase(task.ID), ToolCallID: call.ToolCallID, Parts: []Part{{Kind: PartToolResult, ToolResult: &rp}}})
	return []Part{{Kind: PartToolResult, ToolResult: &rp}}, nil
}

func (s *Scheduler) dispatchToolCalls(ctx context.Context, task *Task, def AgentDefinition, calls []ToolCall) ([]Part, error) {
	kinds := make(map[string]ToolKind, len(calls))
	var unknown, external, approveNeeded, immediate []ToolCall

	for _, c := range calls {
		kind, err := s.Registry.Classify(c.ToolName, def.ToolConfig.MCPServers)
		if err != nil {
			unknown = append(unknown, c)
			continue
		}
		kinds[c.ToolCallID] = kind
		switch {
		case kind == KindExternalT:
			external = append(external, c)
		case s.Gate.RequiresApproval(def, c.ToolName):
			approveNeeded = append(approveNeeded, c)
		default:
			immediate = append(immediate, c)
		}
	}

	var parts []Part

	for _, c := range unknown {
		rp := ToolResultPart{ToolCallID: c.ToolCallID, ToolName: c.ToolName, Error: (&UnknownToolError{ToolName: c.ToolName}).Error()}
		part := Part{Kind: PartToolResult, ToolResult: &rp}
		s.Bus.Publish(&ToolCallResultEvent{base: newBase(task.ID), ToolCallID: c.ToolCallID, Parts: []Part{part}})
		parts = append(parts, part)
	}

	if len(approveNeeded) > 0 {
		resultParts, err := s.runApproval(ctx, task, def, kinds, approveNeeded)
		if err != nil {
			return nil, err
		}
		parts = append(parts, resultParts...)
	}

	if len(external) > 0 {
		resultParts, err := s.runExternal(ctx, task, external)
		if err != nil {
			return nil, err
		}
		parts = append(parts, resultParts...)
	}

	if len(immediate) > 0 {
		resultParts := s.runImmediate(ctx, task, def, kinds, immediate)
		parts = append(parts, resultParts...)
	}

	return parts, nil
}

func (s *Scheduler) runApproval(ctx context.Context, task *Task, def AgentDefinition, kinds map[string]ToolKind, calls []ToolCall) ([]Part, error) {
	approvalID, ch := s.Pending.Register(task.ID, calls)
	s.Bus.Publish(&ApprovalRequestedEvent{base: newBase(task.ID), ApprovalID: approvalID, ToolCalls: calls})
	if err := s.setStatus(task, StatusAwaitingApprove); err != nil {
		return nil, err
	}

	var resp ApprovalResponse
	select {
	case resp = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := s.setStatus(task, StatusWorking); err != nil {
		return nil, err
	}

	if !resp.Approved {
		var parts []Part
		errText := fmt.Sprintf("denied: %s", resp.Reason)
		if resp.Reason == "canceled" {
			errText = "canceled"
		}
		for _, c := range calls {
			rp := ToolResultPart{ToolCallID: c.ToolCallID, ToolName: c.ToolName, Error: errText}
			part := Part{Kind: PartToolResult, ToolResult: &rp}
			s.Bus.Publish(&ToolCallResultEvent{base: newBase(task.ID), ToolCallID: c.ToolCallID, Parts: []Part{part}})
			parts = append(parts, part)
		}
		return parts, nil
	}
	return s.runImmediate(ctx, task, def, kinds, calls), nil
}

func (s *Scheduler) runExternal(ctx context.Context, task *Task, calls []ToolCall) ([]Part, error) {
	for _, c := range calls {
		if _, err := s.External.Create(ctx, task.ID, c); err != nil {
			return nil, err
		}
	}
	s.Bus.Publish(&ExternalToolCallsEvent{base: newBase(task.ID), ToolCalls: calls})
	if err := s.setStatus(task, StatusAwaitingExt); err != nil {
		return nil, err
	}

	w := &externalWaiter{remaining: make(map[string]bool, len(calls)), done: make(chan struct{})}
	for _, c := range calls {
		w.remaining[c.ToolCallID] = true
	}
	s.mu.Lock()
	if s.external == nil {
		s.external = make(map[string]*externalWaiter)
	}
	s.external[task.ID] = w
	s.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := s.setStatus(task, StatusWorking); err != nil {
		return nil, err
	}

	var parts []Part
	for _, c := range calls {
		rec, _, _ := s.External.Get(ctx, task.ID, c.ToolCallID)
		rp := ToolResultPart{ToolCallID: c.ToolCallID, ToolName: c.ToolName}
		if rec != nil && rec.Response != nil {
			var asErr struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(rec.Response, &asErr) == nil && asErr.Error != "" {
				rp.Error = asErr.Error
			} else {
				rp.Parts = []Part{{Kind: PartData, Data: rec.Response}}
			}
		}
		part := Part{Kind: PartToolResult, ToolResult: &rp}
		s.Bus.Publish(&ToolCallResultEvent{base: newBase(task.ID), ToolCallID: c.ToolCallID, Parts: []Part{part}})
		parts = append(parts, part)
	}
	return parts, nil
}

func (s *Scheduler) runImmediate(ctx context.Context, task *Task, def AgentDefinition, kinds map[string]ToolKind, calls []ToolCall) []Part {
	sem := make(chan struct{}, s.concurrency())
	var mu sync.Mutex
	var wg sync.WaitGroup
	var parts []Part

	for _, c := range calls {
		c := c
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			// tool_call_start already fired once, when the model's call was
			// parsed (see the assistant-turn loop in RunTask); invocation
			// here only needs to publish the result.
			rp, err := s.Registry.Invoke(ctx, kinds[c.ToolCallID], c)
			if err != nil {
				rp = ToolResultPart{ToolCallID: c.ToolCallID, ToolName: c.ToolName, Error: err.Error()}
			}
			rp = s.offloadIfLarge(ctx, def, rp)

			part := Part{Kind: PartToolResult, ToolResult: &rp}
			s.Bus.Publish(&ToolCallResultEvent{base: newBase(task.ID), ToolCallID: c.ToolCallID, Parts: []Part{part}})

			if c.ToolName == "write_todos" && rp.Error == "" {
				var in WriteTodosInput
				if json.Unmarshal(c.Input, &in) == nil {
					s.Bus.Publish(&TodosUpdatedEvent{base: newBase(task.ID), Formatted: FormatTodos(in.Todos), Todos: in.Todos})
				}
			}

			mu.Lock()
			parts = append(parts, part)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return parts
}

func (s *Scheduler) offloadIfLarge(ctx context.Context, def AgentDefinition, rp ToolResultPart) ToolResultPart {
	if !def.WriteLargeToolResponsesToFS || s.Artifacts == nil {
		return rp
	}
	var size int
	var buf []byte
	for _, p := range rp.Parts {
		size += len(p.Text) + len(p.Data)
		buf = append(buf, []byte(p.Text)...)
		buf = append(buf, p.Data...)
	}
	if size <= DefaultLargeResponseThreshold {
		return rp
	}
	art, err := s.Artifacts.Write(ctx, buf, "text/plain")
	if err != nil {
		return rp
	}
	rp.Parts = []Part{{Kind: PartArtifact, Artifact: &ArtifactRef{FileID: art.FileID, Size: art.Size, Mime: art.Mime, Preview: art.Preview}}}
	return rp
}

func (s *Scheduler) persistMessage(ctx context.Context, threadID string, msg Message) error {
	filtered, ok := msg.Filtered()
	if !ok {
		return nil
	}
	return s.Threads.Lock(ctx, threadID, func() error {
		return s.Threads.AppendMessage(ctx, threadID, filtered)
	})
}

func (s *Scheduler) setStatus(task *Task, status TaskStatus) error {
	if err := s.Tasks.UpdateStatus(context.Background(), task.ID, status); err != nil {
		return err
	}
	task.Status = status
	s.Bus.Publish(&StatusChangedEvent{base: newBase(task.ID), Status: status})
	return nil
}

func (s *Scheduler) complete(task *Task, final Message) *RunResult {
	_ = s.Tasks.UpdateStatus(context.Background(), task.ID, StatusCompleted)
	task.Status = StatusCompleted
	s.Bus.Publish(&TaskCompletedEvent{base: newBase(task.ID)})
	return &RunResult{Task: task, Final: final}
}

func (s *Scheduler) fail(task *Task, err error) *RunResult {
	_ = s.Tasks.UpdateStatus(context.Background(), task.ID, StatusFailed)
	task.Status = StatusFailed
	s.Bus.Publish(&TaskErrorEvent{base: newBase(task.ID), Error: err.Error()})
	return &RunResult{Task: task, Err: err}
}

func (s *Scheduler) cancel(task *Task) *RunResult {
	_ = s.Tasks.UpdateStatus(context.Background(), task.ID, StatusCanceled)
	task.Status = StatusCanceled
	err := &CanceledError{}
	s.Bus.Publish(&TaskErrorEvent{base: newBase(task.ID), Error: err.Error()})
	return &RunResult{Task: task, Err: err}
}

func extractCall(calls []ToolCall, name string) *ToolCall {
	for _, c := range calls {
		if c.ToolName == name {
			cp := c
			return &cp
		}
	}
	return nil
}

func allowedToolNames(def AgentDefinition) []string {
	names := make([]string, 0, len(def.ToolConfig.Builtins)+2)
	names = append(names, "final", "transfer_to_agent")
	names = append(names, def.ToolConfig.Builtins...)
	return names
}
