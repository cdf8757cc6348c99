package distri

import (
	"context"
	"fmt"
	"sync"
)

// DriverFactory builds the LLM Step Driver for a named agent. Implementations
// typically close over a model client and the agent's ModelSettings.
type DriverFactory func(def AgentDefinition) StepDriver

// Coordinator is the Multi-Agent Coordinator of spec.md §4.H: it owns the
// registered AgentDefinitions, wires transfer_to_agent delegation back into
// the Scheduler, and exposes the task-level control surface (Execute,
// ExecuteStream, Cancel, InjectToolResponse, InjectApproval).
type Coordinator struct {
	Scheduler *Scheduler
	Drivers   DriverFactory

	mu     sync.RWMutex
	agents map[string]AgentDefinition

	tasksMu  sync.Mutex
	threadOf map[string]string // taskID -> threadID of tasks started here; Cancel/Inject do not read it
}

// NewCoordinator builds a Coordinator over sched, resolving each agent's
// StepDriver via drivers at Execute time.
func NewCoordinator(sched *Scheduler, drivers DriverFactory) *Coordinator {
	c := &Coordinator{
		Scheduler: sched,
		Drivers:   drivers,
		agents:    make(map[string]AgentDefinition),
		threadOf:  make(map[string]string),
	}
	sched.SubAgents = c
	return c
}

// RegisterAgent adds or replaces a named AgentDefinition.
func (c *Coordinator) RegisterAgent(def AgentDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[def.Name] = def
}

// UnregisterAgent removes a named AgentDefinition; in-flight tasks for it are
// unaffected.
func (c *Coordinator) UnregisterAgent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agents, name)
}

func (c *Coordinator) lookup(name string) (AgentDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.agents[name]
	return def, ok
}

// Execute runs agentName against threadID to completion and returns its
// terminal RunResult. This is the blocking entry point; ExecuteStream is the
// same operation with the event log exposed as it is produced.
func (c *Coordinator) Execute(ctx context.Context, agentName, threadID string, userParts []Part) (*RunResult, error) {
	def, ok := c.lookup(agentName)
	if !ok {
		return nil, fmt.Errorf("distri: unknown agent %q", agentName)
	}
	driver := c.Drivers(def)
	result, err := c.Scheduler.Run(ctx, def, driver, threadID, "", 0, userParts)
	if result != nil {
		c.tasksMu.Lock()
		c.threadOf[result.Task.ID] = threadID
		c.tasksMu.Unlock()
	}
	return result, err
}

// ExecuteStream runs agentName like Execute, but starts the task and
// subscribes to its event log before driving any LLM step, so the returned
// channel carries every event from status_changed(working) onward. The
// caller must drain or cancel the returned channel.
func (c *Coordinator) ExecuteStream(ctx context.Context, agentName, threadID string, userParts []Part) (<-chan Seq, func(), <-chan *RunResult, error) {
	def, ok := c.lookup(agentName)
	if !ok {
		return nil, nil, nil, fmt.Errorf("distri: unknown agent %q", agentName)
	}

	task, err := c.Scheduler.StartTask(ctx, threadID, "")
	if err != nil {
		return nil, nil, nil, err
	}
	events, cancel := c.Scheduler.Bus.Subscribe(task.ID, 0)

	c.tasksMu.Lock()
	c.threadOf[task.ID] = threadID
	c.tasksMu.Unlock()

	driver := c.Drivers(def)
	resultCh := make(chan *RunResult, 1)
	go func() {
		result, _ := c.Scheduler.RunTask(ctx, task, def, driver, 0, userParts)
		resultCh <- result
		close(resultCh)
	}()

	return events, cancel, resultCh, nil
}

// Cancel cancels taskID's in-flight execution.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	return c.Scheduler.Cancel(ctx, taskID)
}

// InjectToolResponse delivers an out-of-band result for a suspended
// AwaitingExternal tool call.
func (c *Coordinator) InjectToolResponse(ctx context.Context, taskID, toolCallID string, response []byte) error {
	return c.Scheduler.InjectToolResponse(ctx, taskID, toolCallID, response)
}

// InjectApproval delivers a client decision for a suspended AwaitingApproval
// batch.
func (c *Coordinator) InjectApproval(resp ApprovalResponse) bool {
	return c.Scheduler.InjectApproval(resp)
}

// RunSubTask implements SubAgentInvoker for transfer_to_agent (spec.md
// §4.G): it runs agentName as a child task of parentTaskID on the same
// thread and returns the delegate's final response text.
func (c *Coordinator) RunSubTask(ctx context.Context, agentName, threadID, parentTaskID string, depth int, taskInput string) (string, error) {
	def, ok := c.lookup(agentName)
	if !ok {
		return "", fmt.Errorf("distri: transfer_to_agent: unknown agent %q", agentName)
	}
	driver := c.Drivers(def)
	result, err := c.Scheduler.Run(ctx, def, driver, threadID, parentTaskID, depth, []Part{TextPart(taskInput)})
	if err != nil {
		return "", err
	}
	return result.Final.Text(), nil
}

// Text concatenates every text Part in m, the convenience accessor
// RunSubTask uses to surface a delegate's final response.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}
