package runtime

// workflow_entry.go wires the generated workflow handler (ExecuteWorkflow) to the
// workflowLoop machinery in workflow_loop.go. It owns startup bookkeeping (run
// status, started/completed hooks, initial plan) and hands the iterative
// plan/tool/resume cycle off to workflowLoop.run.

import (
	"errors"
	"fmt"
	"time"

	"github.com/distrihub/distri/runtime/agent"
	"github.com/distrihub/distri/runtime/agent/engine"
	"github.com/distrihub/distri/runtime/agent/hooks"
	"github.com/distrihub/distri/runtime/agent/interrupt"
	"github.com/distrihub/distri/runtime/agent/planner"
	"github.com/distrihub/distri/runtime/agent/run"
)

// ExecuteWorkflow is the entry point registered with the engine as each
// agent's workflow handler. It runs the agent's plan/tool loop to completion
// and returns the final output, or an error if the workflow cannot proceed.
func (r *Runtime) ExecuteWorkflow(wfCtx engine.WorkflowContext, input *RunInput) (*RunOutput, error) {
	if input == nil || input.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	defer r.storeWorkflowHandle(input.RunID, nil)

	reg, ok := r.agentByID(input.AgentID)
	if !ok {
		return nil, fmt.Errorf("agent %q is not registered", input.AgentID)
	}

	ctx := wfCtx.Context()
	ctrl := interrupt.NewController(wfCtx)
	reader := r.memoryReader(ctx, input.AgentID, input.RunID)
	events := newPlannerEvents(r, input.AgentID, input.RunID)
	agentCtx := newAgentContext(agentContextOptions{
		runtime: r,
		agentID: input.AgentID,
		runID:   input.RunID,
		memory:  reader,
		turnID:  input.TurnID,
		events:  events,
	})
	runCtx := run.Context{
		RunID:     input.RunID,
		SessionID: input.SessionID,
		TurnID:    input.TurnID,
		Attempt:   1,
		Labels:    input.Labels,
	}

	if err := r.publishHook(ctx, hooks.NewRunStartedEvent(input.RunID, agent.Ident(input.AgentID), runCtx, input), input.TurnID); err != nil {
		r.logWarn(ctx, "run started hook publish failed", err)
	}
	r.recordRunStatus(ctx, input, run.StatusRunning, nil)
	defer r.emitTerminalRunCompleted(wfCtx, input)

	planInput := &planner.PlanInput{
		Messages:   input.Messages,
		RunContext: runCtx,
		Agent:      agentCtx,
		Events:     events,
	}

	var deadline time.Time
	if reg.Policy.TimeBudget > 0 {
		deadline = wfCtx.Now().Add(reg.Policy.TimeBudget)
	}

	var initialPlan *planner.PlanResult
	var initialTranscript []*model.Message
	var initialUsage model.TokenUsage
	if reg.Planner != nil {
		var err error
		initialPlan, err = r.planStart(ctx, &reg, planInput)
		if err != nil {
			r.recordRunStatus(ctx, input, run.StatusFailed, map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("plan start: %w", err)
		}
	} else {
		if reg.PlanActivityName == "" {
			return nil, fmt.Errorf("agent %q missing plan activity", input.AgentID)
		}
		startReq := PlanActivityInput{
			AgentID:    input.AgentID,
			RunID:      input.RunID,
			Messages:   planInput.Messages,
			RunContext: planInput.RunContext,
		}
		out, err := r.runPlanActivity(wfCtx, reg.PlanActivityName, reg.PlanActivityOptions, startReq, deadline)
		if err != nil {
			r.recordRunStatus(ctx, input, run.StatusFailed, map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("plan activity failed: %w", err)
		}
		initialPlan = out.Result
		initialTranscript = out.Transcript
		initialUsage = out.Usage
	}
	if initialPlan == nil {
		return nil, errors.New("plan start returned nil result")
	}

	caps := initialCaps(reg.Policy)
	st := newRunLoopState(initialPlan, initialTranscript, initialUsage, caps, 2)
	loop := newWorkflowLoop(r, wfCtx, reg, input, planInput, st,
		input.TurnID, ctrl, nil,
		runDeadlines{Budget: deadline, Hard: deadline},
		reg.ResumeActivityOptions, reg.ExecuteToolActivityOptions,
	)

	out, err := loop.run()
	if err != nil {
		r.recordRunStatus(ctx, input, run.StatusFailed, map[string]any{"error": err.Error()})
		return nil, err
	}
	r.recordRunStatus(ctx, input, run.StatusCompleted, nil)
	return out, nil
}

// emitTerminalRunCompleted publishes the run-completed hook using a detached
// context so the event is delivered even when the workflow context that drove
// execution has already been canceled (e.g., a hard deadline or a canceled
// parent run).
func (r *Runtime) emitTerminalRunCompleted(wfCtx engine.WorkflowContext, input *RunInput) {
	ctx := wfCtx.Detached()
	if err := r.publishHook(ctx, hooks.NewRunCompletedEvent(
		input.RunID, agent.Ident(input.AgentID), input.SessionID, "success", run.PhaseCompleted, nil,
	), input.TurnID); err != nil {
		r.logWarn(ctx, "run completed hook publish failed", err)
	}
}
