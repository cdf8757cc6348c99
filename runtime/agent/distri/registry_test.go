package distri

import (
	"context"
	"testing"

	"github.com/distrihub/distri/runtime/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMCPCaller struct {
	gotReq mcp.CallRequest
	resp   mcp.CallResponse
	err    error
}

func (f *fakeMCPCaller) CallTool(ctx context.Context, req mcp.CallRequest) (mcp.CallResponse, error) {
	f.gotReq = req
	return f.resp, f.err
}

func TestRegistryDispatchesMCPToolThroughCaller(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	caller := &fakeMCPCaller{resp: mcp.CallResponse{Result: mustJSONRaw(map[string]string{"ok": "yes"})}}
	r.SetDispatchers(PluginInvokerMCP{MCP: caller})

	kind, err := r.Classify("jira_create_issue", []string{"jira"})
	require.NoError(t, err)
	require.Equal(t, KindMCPTool, kind)

	rp, err := r.Invoke(context.Background(), kind, ToolCall{ToolCallID: "tc-1", ToolName: "jira_create_issue", Input: mustJSONRaw(map[string]string{"title": "x"})})
	require.NoError(t, err)
	assert.Equal(t, "jira", caller.gotReq.Suite)
	assert.Equal(t, "create_issue", caller.gotReq.Tool)
	require.Len(t, rp.Parts, 1)
	assert.JSONEq(t, `{"ok":"yes"}`, string(rp.Parts[0].Data))
}

func TestRegistryClassifyPrecedence(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.RegisterBuiltin(NewWriteTodosTool())
	r.RegisterPluginIntegration("github")
	r.RegisterExternalTool("show_notification")

	kind, err := r.Classify("write_todos", nil)
	require.NoError(t, err)
	assert.Equal(t, KindBuiltinTool, kind)

	kind, err = r.Classify("github_create_issue", nil)
	require.NoError(t, err)
	assert.Equal(t, KindPluginTool, kind)

	kind, err = r.Classify("jira_create_issue", []string{"jira"})
	require.NoError(t, err)
	assert.Equal(t, KindMCPTool, kind)

	kind, err = r.Classify("show_notification", nil)
	require.NoError(t, err)
	assert.Equal(t, KindExternalT, kind)

	_, err = r.Classify("does_not_exist", nil)
	require.Error(t, err)
	var unknown *UnknownToolError
	assert.ErrorAs(t, err, &unknown)
}

func TestRegistryBuiltinPrecedesPlugin(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.RegisterBuiltin(fakeTool{name: "github_create_issue"})
	r.RegisterPluginIntegration("github")

	kind, err := r.Classify("github_create_issue", nil)
	require.NoError(t, err)
	assert.Equal(t, KindBuiltinTool, kind, "an exact builtin match must win over plugin-prefix dispatch")
}

func TestFSReadFileToolSlicesLineRange(t *testing.T) {
	t.Parallel()
	tool := NewFSReadFileTool(VirtualFS{"a.txt": "l1\nl2\nl3\nl4\nl5\nl6"})
	rp, err := tool.Invoke(context.Background(), ToolCall{
		ToolCallID: "tc-1",
		ToolName:   "fs_read_file",
		Input:      mustJSONRaw(FSReadFileInput{Path: "a.txt", StartLine: 1, EndLine: 5}),
	})
	require.NoError(t, err)
	require.Len(t, rp.Parts, 1)
	assert.Equal(t, "l1\nl2\nl3\nl4\nl5", rp.Parts[0].Text)
}

func TestFSReadFileToolMissingPathReturnsErrorResult(t *testing.T) {
	t.Parallel()
	tool := NewFSReadFileTool(VirtualFS{})
	rp, err := tool.Invoke(context.Background(), ToolCall{
		ToolCallID: "tc-1",
		ToolName:   "fs_read_file",
		Input:      mustJSONRaw(FSReadFileInput{Path: "missing.txt"}),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rp.Error)
}

func TestWriteTodosToolFormatsChecklist(t *testing.T) {
	t.Parallel()
	tool := NewWriteTodosTool()
	rp, err := tool.Invoke(context.Background(), ToolCall{
		ToolCallID: "tc-1",
		ToolName:   "write_todos",
		Input:      mustJSONRaw(WriteTodosInput{Todos: []string{"a", "b"}}),
	})
	require.NoError(t, err)
	require.Len(t, rp.Parts, 1)
	assert.Equal(t, "- [ ] a\n- [ ] b\n", rp.Parts[0].Text)
}
