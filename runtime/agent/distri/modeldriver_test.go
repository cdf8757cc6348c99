package distri

import (
	"context"
	"io"
	"testing"

	"github.com/distrihub/distri/runtime/agent/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamer struct {
	chunks []model.Chunk
	idx    int
}

func (s *fakeStreamer) Recv() (model.Chunk, error) {
	if s.idx >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}
func (s *fakeStreamer) Close() error             { return nil }
func (s *fakeStreamer) Metadata() map[string]any { return nil }

type fakeModelClient struct {
	chunks []model.Chunk
	seen   *model.Request
}

func (c *fakeModelClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	c.seen = req
	return nil, assert.AnError
}

func (c *fakeModelClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.seen = req
	return &fakeStreamer{chunks: c.chunks}, nil
}

func TestModelDriverStepStreamsTextAndToolCalls(t *testing.T) {
	t.Parallel()
	client := &fakeModelClient{chunks: []model.Chunk{
		{Type: model.ChunkTypeText, Message: &model.Message{Parts: []model.Part{model.TextPart{Text: "hi "}}}},
		{Type: model.ChunkTypeText, Message: &model.Message{Parts: []model.Part{model.TextPart{Text: "there"}}}},
		{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{ID: "tc-1", Name: "final", Payload: mustJSONRaw(map[string]string{"message": "done"})}},
	}}
	driver := NewModelDriver(client, nil)

	var gotText string
	out, err := driver.Step(context.Background(), StepInput{
		AgentDef:     AgentDefinition{Name: "a", SystemPrompt: "be nice", ModelSettings: ModelSettings{Model: "test-model"}},
		Messages:     []Message{{Role: RoleUser, Parts: []Part{TextPart("hello")}}},
		AllowedTools: []string{"final"},
	}, func(delta string) { gotText += delta }, nil)

	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Text)
	assert.Equal(t, "hi there", gotText)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "final", out.ToolCalls[0].ToolName)

	require.NotNil(t, client.seen)
	assert.Equal(t, "test-model", client.seen.Model)
	require.Len(t, client.seen.Messages, 2, "system prompt message plus the one transcript message")
	assert.Equal(t, model.ConversationRoleSystem, client.seen.Messages[0].Role)
	require.Len(t, client.seen.Tools, 1)
	assert.Equal(t, "final", client.seen.Tools[0].Name)
}

func TestModelDriverConvertsToolResultParts(t *testing.T) {
	t.Parallel()
	client := &fakeModelClient{chunks: []model.Chunk{
		{Type: model.ChunkTypeStop, StopReason: "end_turn"},
	}}
	driver := NewModelDriver(client, nil)

	msg := Message{
		Role: RoleTool,
		Parts: []Part{{
			Kind: PartToolResult,
			ToolResult: &ToolResultPart{
				ToolCallID: "tc-1",
				ToolName:   "fs_read_file",
				Parts:      []Part{TextPart("file contents")},
			},
		}},
	}
	_, err := driver.Step(context.Background(), StepInput{Messages: []Message{msg}}, nil, nil)
	require.NoError(t, err)

	require.Len(t, client.seen.Messages, 1)
	require.Len(t, client.seen.Messages[0].Parts, 1)
	trp, ok := client.seen.Messages[0].Parts[0].(model.ToolResultPart)
	require.True(t, ok)
	assert.Equal(t, "tc-1", trp.ToolUseID)
	assert.Equal(t, "file contents", trp.Content)
	assert.False(t, trp.IsError)
}
