package distri

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/distrihub/distri/runtime/mcp"
)

// ToolKind classifies a resolved tool handler (spec.md §4.C).
type ToolKind string

const (
	KindBuiltinTool ToolKind = "builtin"
	KindPluginTool  ToolKind = "plugin"
	KindMCPTool     ToolKind = "mcp"
	KindExternalT   ToolKind = "external"
)

// UnknownToolError is returned by Classify when a tool name resolves to
// none of the four handler kinds (spec.md §4.C precedence step 5).
type UnknownToolError struct{ ToolName string }

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("distri: unknown tool %q", e.ToolName)
}

// BuiltinTool is a native tool handler registered directly with the engine.
type BuiltinTool interface {
	Name() string
	// Safe reports whether the tool is exempt from ApprovalAll gating.
	Safe() bool
	Invoke(ctx context.Context, call ToolCall) (ToolResultPart, error)
}

// PluginInvoker is the subset of the Plugin Executor contract the registry
// dispatches through (spec.md §4.E: execute_tool(package, tool, input, ctx)).
type PluginInvoker interface {
	ExecuteTool(ctx context.Context, integration, tool string, input json.RawMessage) (json.RawMessage, error)
}

// Registry resolves a tool name to a handler kind and dispatches the call,
// per the classification precedence of spec.md §4.C:
//  1. builtin exact match
//  2. "<integration>_<tool>" against the plugin catalog
//  3. declared MCP server tools
//  4. declared external (frontend-resolved) tools
//  5. unknown -> UnknownToolError
type Registry struct {
	builtins map[string]BuiltinTool
	plugins  map[string]bool // integration names present in the catalog
	mcp      PluginInvokerMCP
	external map[string]bool // tool names registered as external for a workspace
}

// PluginInvokerMCP bundles the plugin and MCP dispatch surfaces so Registry
// doesn't need two separate nilable fields wired independently in tests. MCP
// is the real runtime/mcp.Caller contract (stdio/HTTP/SSE transport clients
// all implement it), not a registry-local stand-in.
type PluginInvokerMCP struct {
	Plugin PluginInvoker
	MCP    mcp.Caller
}

// NewRegistry constructs an empty Registry; builtins are added with
// RegisterBuiltin. final and transfer_to_agent are never registered here
// (see the builtin tool table note below).
func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]BuiltinTool),
		plugins:  make(map[string]bool),
		external: make(map[string]bool),
	}
}

// RegisterBuiltin adds a native tool handler.
func (r *Registry) RegisterBuiltin(t BuiltinTool) { r.builtins[t.Name()] = t }

// RegisterPluginIntegration declares an integration name as present in the
// plugin catalog, enabling "<integration>_<tool>" dispatch.
func (r *Registry) RegisterPluginIntegration(name string) { r.plugins[name] = true }

// RegisterExternalTool declares a tool name as frontend-resolved for this
// workspace.
func (r *Registry) RegisterExternalTool(name string) { r.external[name] = true }

// SetDispatchers wires the plugin/MCP dispatch surfaces used by Invoke.
func (r *Registry) SetDispatchers(pm PluginInvokerMCP) { r.mcp = pm }

// Classify resolves toolName to a handler kind following spec.md §4.C's
// precedence, or returns UnknownToolError.
func (r *Registry) Classify(toolName string, mcpServers []string) (ToolKind, error) {
	if _, ok := r.builtins[toolName]; ok {
		return KindBuiltinTool, nil
	}
	for integration := range r.plugins {
		if strings.HasPrefix(toolName, integration+"_") || strings.HasPrefix(toolName, integration+".") {
			return KindPluginTool, nil
		}
	}
	for _, server := range mcpServers {
		if strings.HasPrefix(toolName, server+"_") || strings.HasPrefix(toolName, server+".") {
			return KindMCPTool, nil
		}
	}
	if r.external[toolName] {
		return KindExternalT, nil
	}
	return "", &UnknownToolError{ToolName: toolName}
}

// Invoke dispatches call according to kind.
func (r *Registry) Invoke(ctx context.Context, kind ToolKind, call ToolCall) (ToolResultPart, error) {
	switch kind {
	case KindBuiltinTool:
		t, ok := r.builtins[call.ToolName]
		if !ok {
			return ToolResultPart{}, &UnknownToolError{ToolName: call.ToolName}
		}
		return t.Invoke(ctx, call)
	case KindPluginTool:
		if r.mcp.Plugin == nil {
			return ToolResultPart{}, fmt.Errorf("distri: no plugin executor configured for %q", call.ToolName)
		}
		integration, tool, ok := splitPrefixed(call.ToolName)
		if !ok {
			return ToolResultPart{}, fmt.Errorf("distri: malformed plugin tool name %q", call.ToolName)
		}
		out, err := r.mcp.Plugin.ExecuteTool(ctx, integration, tool, call.Input)
		if err != nil {
			return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Error: err.Error()}, nil
		}
		return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Parts: []Part{{Kind: PartData, Data: out}}}, nil
	case KindMCPTool:
		if r.mcp.MCP == nil {
			return ToolResultPart{}, fmt.Errorf("distri: no MCP caller configured for %q", call.ToolName)
		}
		server, tool, ok := splitPrefixed(call.ToolName)
		if !ok {
			return ToolResultPart{}, fmt.Errorf("distri: malformed MCP tool name %q", call.ToolName)
		}
		resp, err := r.mcp.MCP.CallTool(ctx, mcp.CallRequest{Suite: server, Tool: tool, Payload: call.Input})
		if err != nil {
			return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Error: err.Error()}, nil
		}
		out := resp.Result
		if resp.Structured != nil {
			out = resp.Structured
		}
		return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Parts: []Part{{Kind: PartData, Data: out}}}, nil
	default:
		return ToolResultPart{}, fmt.Errorf("distri: Invoke called for non-dispatchable kind %q", kind)
	}
}

func splitPrefixed(name string) (prefix, rest string, ok bool) {
	sep := strings.IndexAny(name, "_.")
	if sep <= 0 || sep == len(name)-1 {
		return "", "", false
	}
	return name[:sep], name[sep+1:], true
}

// --- Builtin tool table (spec.md §4.C) ---
//
// final and transfer_to_agent are intentionally NOT registered as
// BuiltinTool here: the Scheduler special-cases them directly (extracting
// the final message / spawning a delegated sub-task) rather than routing
// them through Registry.Invoke, matching their role as synthetic control
// tools rather than ordinary invokable handlers.

// WriteTodosInput is the argument shape for the write_todos builtin.
type WriteTodosInput struct {
	Todos []string `json:"todos"`
}

type writeTodosTool struct{}

func (writeTodosTool) Name() string { return "write_todos" }
func (writeTodosTool) Safe() bool   { return true }
func (writeTodosTool) Invoke(_ context.Context, call ToolCall) (ToolResultPart, error) {
	var in WriteTodosInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return ToolResultPart{}, fmt.Errorf("distri: write_todos: %w", err)
	}
	formatted := FormatTodos(in.Todos)
	return ToolResultPart{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Parts:      []Part{TextPart(formatted)},
	}, nil
}

// FormatTodos renders a todo list as a checklist, used both for the tool
// result text and the todos_updated event payload.
func FormatTodos(todos []string) string {
	var sb strings.Builder
	for _, t := range todos {
		sb.WriteString("- [ ] ")
		sb.WriteString(t)
		sb.WriteString("\n")
	}
	return sb.String()
}

// VirtualFS is a minimal in-memory file table backing the fs_* builtin
// family, standing in for a real sandboxed filesystem (spec.md §4.E notes
// file system access is mediated through explicit host callbacks, never
// direct access).
type VirtualFS map[string]string

// FSReadFileInput is the argument shape for fs_read_file.
type FSReadFileInput struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

type fsReadFileTool struct{ fs VirtualFS }

func (fsReadFileTool) Name() string { return "fs_read_file" }
func (fsReadFileTool) Safe() bool   { return true }
func (t fsReadFileTool) Invoke(_ context.Context, call ToolCall) (ToolResultPart, error) {
	var in FSReadFileInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return ToolResultPart{}, fmt.Errorf("distri: fs_read_file: %w", err)
	}
	content, ok := t.fs[in.Path]
	if !ok {
		return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Error: fmt.Sprintf("no such file: %s", in.Path)}, nil
	}
	lines := strings.Split(content, "\n")
	start, end := in.StartLine, in.EndLine
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Parts: []Part{TextPart("")}}, nil
	}
	selected := strings.Join(lines[start-1:end], "\n")
	return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Parts: []Part{TextPart(selected)}}, nil
}

// NewFSReadFileTool returns the fs_read_file builtin backed by fs.
func NewFSReadFileTool(fs VirtualFS) BuiltinTool { return fsReadFileTool{fs: fs} }

// NewWriteTodosTool returns the write_todos builtin.
func NewWriteTodosTool() BuiltinTool { return writeTodosTool{} }

// sessionGetTool exposes session_get as a builtin over a SessionStore,
// letting planners read session state (including __user_part_ keys)
// directly. There are no session_set or session_clear builtins.
type sessionGetTool struct {
	store    SessionStore
	threadID func(context.Context) string
}

func (sessionGetTool) Name() string { return "session_get" }
func (sessionGetTool) Safe() bool   { return true }
func (t sessionGetTool) Invoke(ctx context.Context, call ToolCall) (ToolResultPart, error) {
	var in struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return ToolResultPart{}, fmt.Errorf("distri: session_get: %w", err)
	}
	entry, ok, err := t.store.Get(ctx, t.threadID(ctx), in.Key)
	if err != nil {
		return ToolResultPart{}, err
	}
	if !ok {
		return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Error: "not found"}, nil
	}
	return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Parts: []Part{{Kind: PartData, Data: entry.Value}}}, nil
}

// NewSessionGetTool returns the session_get builtin bound to store, using
// threadID to recover the current thread from ctx.
func NewSessionGetTool(store SessionStore, threadID func(context.Context) string) BuiltinTool {
	return sessionGetTool{store: store, threadID: threadID}
}

type memorySearchTool struct {
	store  MemoryStore
	userID func(context.Context) string
}

func (memorySearchTool) Name() string { return "memory_search" }
func (memorySearchTool) Safe() bool   { return true }
func (t memorySearchTool) Invoke(ctx context.Context, call ToolCall) (ToolResultPart, error) {
	var in struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return ToolResultPart{}, fmt.Errorf("distri: memory_search: %w", err)
	}
	results, err := t.store.Search(ctx, t.userID(ctx), in.Query, in.K)
	if err != nil {
		return ToolResultPart{}, err
	}
	parts := make([]Part, len(results))
	for i, r := range results {
		parts[i] = TextPart(r)
	}
	return ToolResultPart{ToolCallID: call.ToolCallID, ToolName: call.ToolName, Parts: parts}, nil
}

// NewMemorySearchTool returns the memory_search builtin bound to store.
func NewMemorySearchTool(store MemoryStore, userID func(context.Context) string) BuiltinTool {
	return memorySearchTool{store: store, userID: userID}
}
