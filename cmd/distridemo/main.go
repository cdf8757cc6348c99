// Command distridemo runs a single agent turn through the distri execution
// engine (spec.md's Agent Definition, Event Bus, Scheduler and Multi-Agent
// Coordinator) and prints the resulting event stream plus the final message.
//
// With ANTHROPIC_API_KEY set it drives a real Anthropic model through
// runtime/agent/model/providers/anthropic; otherwise it falls back to a
// scripted StepDriver so the demo runs offline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/distrihub/distri/runtime/agent/distri"
	"github.com/distrihub/distri/runtime/agent/model/providers/anthropic"
)

func main() {
	ctx := context.Background()

	bus := distri.NewBus()
	registry := distri.NewRegistry()
	registry.RegisterBuiltin(distri.NewFSReadFileTool(distri.VirtualFS{
		"README.md": "Distri is an AI agent execution engine.\n",
	}))
	registry.RegisterBuiltin(distri.NewWriteTodosTool())

	sched := &distri.Scheduler{
		Bus:        bus,
		Sessions:   distri.NewInMemSessionStore(),
		Scratchpad: distri.NewInMemScratchpadStore(),
		Threads:    distri.NewInMemThreadStore(),
		Tasks:      distri.NewInMemTaskStore(),
		Artifacts:  distri.NewInMemArtifactFS(),
		External:   distri.NewInMemExternalToolCallStore(),
		Registry:   registry,
		Gate:       distri.Gate{},
		Pending:    distri.NewPendingApprovals(),
	}

	def := distri.NewAgentDefinition("assistant")
	def.SystemPrompt = "You are a concise, helpful assistant."
	def.ModelSettings = distri.ModelSettings{Model: "claude-3-5-haiku-latest", MaxTokens: 1024}
	def.ToolConfig = distri.ToolConfig{Builtins: []string{"fs_read_file", "write_todos"}}
	def.ToolApproval = distri.ToolApproval{Mode: distri.ApprovalOff}

	coord := distri.NewCoordinator(sched, func(d distri.AgentDefinition) distri.StepDriver {
		return newDriver(d)
	})
	coord.RegisterAgent(def)

	events, cancel, resultCh, err := coord.ExecuteStream(ctx, def.Name, "thread-demo", []distri.Part{
		distri.TextPart("Summarize README.md in one sentence, then say hi."),
	})
	if err != nil {
		panic(err)
	}
	defer cancel()

	go func() {
		for rec := range events {
			fmt.Printf("[event] %-20s %s\n", rec.Event.Kind(), summarize(rec.Event))
		}
	}()

	result := <-resultCh
	if result == nil {
		fmt.Println("task did not complete")
		return
	}
	fmt.Println("task status:", result.Task.Status)
	fmt.Println("assistant:", result.Final.Text())
}

func newDriver(def distri.AgentDefinition) distri.StepDriver {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		client, err := anthropic.NewFromAPIKey(key, def.ModelSettings.Model)
		if err == nil {
			return distri.NewModelDriver(client, nil)
		}
	}
	return scriptedOfflineDriver{}
}

// scriptedOfflineDriver lets the demo run without network access: it always
// replies with the same text and no tool calls, which the Scheduler treats
// as an immediately completed turn.
type scriptedOfflineDriver struct{}

func (scriptedOfflineDriver) Step(ctx context.Context, in distri.StepInput, onText distri.TextDeltaFunc, _ distri.ToolArgsDeltaFunc) (distri.StepOutput, error) {
	const reply = "Distri is an AI agent execution engine. Hi!"
	if onText != nil {
		onText(reply)
	}
	return distri.StepOutput{Text: reply}, nil
}

func summarize(e distri.Event) string {
	b, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	if len(b) > 120 {
		return string(b[:120]) + "…"
	}
	return string(b)
}
