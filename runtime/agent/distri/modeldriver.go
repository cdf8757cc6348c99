package distri

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/distrihub/distri/runtime/agent/model"
)

// ModelDriver adapts a model.Client (spec.md §4.F's "LLM Step Driver") to the
// distri StepDriver contract, so an agent can be stepped against a real
// provider (Anthropic, OpenAI, Bedrock — see runtime/agent/model/providers)
// instead of only the scripted test doubles. It owns request shaping
// (system prompt, tool schemas, transcript conversion) and response parsing
// (text + tool calls) described in §4.F; retry/backoff belongs to the
// wrapped model.Client, not to the driver.
type ModelDriver struct {
	Client model.Client

	// ToolSchemas supplies the JSON Schema input definition for each tool
	// name the agent is allowed to call. Missing entries are sent to the
	// model with an empty object schema.
	ToolSchemas func(toolName string) (description string, inputSchema any)
}

// NewModelDriver returns a ModelDriver wrapping client, looking up each
// allowed tool's schema via schemas (nil is allowed: every tool then gets a
// bare accept-anything schema).
func NewModelDriver(client model.Client, schemas func(string) (string, any)) *ModelDriver {
	return &ModelDriver{Client: client, ToolSchemas: schemas}
}

// Step implements StepDriver by translating in into a model.Request, calling
// Stream when the client supports it (so onText/onToolArgs fire
// incrementally), and falling back to Complete otherwise.
func (d *ModelDriver) Step(ctx context.Context, in StepInput, onText TextDeltaFunc, onToolArgs ToolArgsDeltaFunc) (StepOutput, error) {
	req := d.buildRequest(in)

	req.Stream = true
	stream, err := d.Client.Stream(ctx, req)
	if err != nil {
		return d.stepNonStreaming(ctx, req, onText)
	}
	defer stream.Close()

	var out StepOutput
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return StepOutput{}, fmt.Errorf("distri: model stream: %w", err)
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			if chunk.Message != nil {
				for _, p := range chunk.Message.Parts {
					if tp, ok := p.(model.TextPart); ok {
						out.Text += tp.Text
						if onText != nil {
							onText(tp.Text)
						}
					}
				}
			}
		case model.ChunkTypeToolCallDelta:
			if chunk.ToolCallDelta != nil && onToolArgs != nil {
				onToolArgs(chunk.ToolCallDelta.ID, chunk.ToolCallDelta.Delta)
			}
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ToolCallID: chunk.ToolCall.ID,
					ToolName:   string(chunk.ToolCall.Name),
					Input:      chunk.ToolCall.Payload,
				})
			}
		}
	}
	return out, nil
}

func (d *ModelDriver) stepNonStreaming(ctx context.Context, req *model.Request, onText TextDeltaFunc) (StepOutput, error) {
	resp, err := d.Client.Complete(ctx, req)
	if err != nil {
		return StepOutput{}, fmt.Errorf("distri: model complete: %w", err)
	}
	var out StepOutput
	for _, msg := range resp.Content {
		for _, p := range msg.Parts {
			if tp, ok := p.(model.TextPart); ok {
				out.Text += tp.Text
				if onText != nil {
					onText(tp.Text)
				}
			}
		}
	}
	for _, tc := range resp.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ToolCallID: tc.ID,
			ToolName:   string(tc.Name),
			Input:      tc.Payload,
		})
	}
	return out, nil
}

// buildRequest turns a distri StepInput into a model.Request: the agent's
// system prompt becomes a leading system message, AllowedTools becomes tool
// definitions resolved through ToolSchemas, and the thread transcript is
// converted message-by-message (tool_call/tool_result parts round-trip
// through model.ToolUsePart/model.ToolResultPart so multi-turn tool use
// reads back correctly on the next Step).
func (d *ModelDriver) buildRequest(in StepInput) *model.Request {
	req := &model.Request{
		Model:       in.AgentDef.ModelSettings.Model,
		Temperature: float32(in.AgentDef.ModelSettings.Temperature),
		MaxTokens:   in.AgentDef.ModelSettings.MaxTokens,
	}

	if sys := in.AgentDef.SystemPrompt; sys != "" {
		req.Messages = append(req.Messages, &model.Message{
			Role:  model.ConversationRoleSystem,
			Parts: []model.Part{model.TextPart{Text: sys}},
		})
	}
	for _, m := range in.Messages {
		req.Messages = append(req.Messages, convertMessage(m))
	}

	for _, name := range in.AllowedTools {
		desc, schema := "", any(map[string]any{"type": "object"})
		if d.ToolSchemas != nil {
			if dd, ss := d.ToolSchemas(name); ss != nil {
				desc, schema = dd, ss
			}
		}
		req.Tools = append(req.Tools, &model.ToolDefinition{
			Name:        name,
			Description: desc,
			InputSchema: schema,
		})
	}
	return req
}

func convertMessage(m Message) *model.Message {
	out := &model.Message{Role: convertRole(m.Role)}
	for _, p := range m.Parts {
		switch p.Kind {
		case PartText:
			out.Parts = append(out.Parts, model.TextPart{Text: p.Text})
		case PartToolCall:
			if p.ToolCall != nil {
				out.Parts = append(out.Parts, model.ToolUsePart{
					ID:    p.ToolCall.ToolCallID,
					Name:  p.ToolCall.ToolName,
					Input: json.RawMessage(p.ToolCall.Input),
				})
			}
		case PartToolResult:
			if tr := p.ToolResult; tr != nil {
				content := any(toolResultText(tr))
				out.Parts = append(out.Parts, model.ToolResultPart{
					ToolUseID: tr.ToolCallID,
					Content:   content,
					IsError:   tr.Error != "",
				})
			}
		case PartData:
			out.Parts = append(out.Parts, model.TextPart{Text: string(p.Data)})
		case PartArtifact:
			if p.Artifact != nil {
				out.Parts = append(out.Parts, model.TextPart{Text: fmt.Sprintf("[artifact %s, %d bytes, %s]", p.Artifact.FileID, p.Artifact.Size, p.Artifact.Mime)})
			}
		case PartImage:
			if p.Image != nil {
				out.Parts = append(out.Parts, model.ImagePart{Bytes: p.Image.Bytes, Format: model.ImageFormat(p.Image.Mime)})
			}
		}
	}
	return out
}

func toolResultText(tr *ToolResultPart) string {
	if tr.Error != "" {
		return tr.Error
	}
	var out string
	for _, p := range tr.Parts {
		if p.Kind == PartText {
			out += p.Text
		} else if p.Kind == PartData {
			out += string(p.Data)
		}
	}
	return out
}

// convertRole maps a distri Role onto the three conversation roles the model
// package knows. RoleTool has no provider-native equivalent; tool_result
// parts travel inside a user message, matching how Anthropic/OpenAI expect
// tool results to be returned.
func convertRole(r Role) model.ConversationRole {
	switch r {
	case RoleAssistant:
		return model.ConversationRoleAssistant
	case RoleSystem:
		return model.ConversationRoleSystem
	default:
		return model.ConversationRoleUser
	}
}
