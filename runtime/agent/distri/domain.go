// Package distri implements the Distri agent execution engine's data model
// and component contracts as specified in spec.md: the AgentDefinition,
// Thread/Task/Message/Part entities, the typed event bus, the tool
// registry/classifier, the approval gate, and the bounded per-agent
// iteration scheduler. Unlike the Temporal-oriented packages under
// runtime/agent/runtime and runtime/agent/hooks (which adapt goa-ai's
// durable-workflow plumbing), this package speaks the spec's vocabulary
// directly: tasks carry the spec's status set, tool calls are gated by
// off/whitelist/blacklist/all modes, and events are the literal kinds
// spec.md §4.B names.
package distri

import (
	"encoding/json"
	"fmt"
	"time"
)

// ApprovalMode selects how the Approval Gate (spec.md §4.D) treats a tool
// call before it is allowed to run.
type ApprovalMode string

const (
	ApprovalOff       ApprovalMode = "off"
	ApprovalWhitelist ApprovalMode = "whitelist"
	ApprovalBlacklist ApprovalMode = "blacklist"
	ApprovalAll       ApprovalMode = "all"
)

// ToolFormat records the tool-call format an agent declares (spec.md §4.F).
// ModelDriver does not read it: tool calls are taken only from the model
// client's structured tool-call output, and no xml or json parsing of
// assistant text is done for any value.
type ToolFormat string

const (
	ToolFormatProvider ToolFormat = "provider"
	ToolFormatXML      ToolFormat = "xml"
	ToolFormatJSON     ToolFormat = "json"
)

// DefaultMaxIterations is the per-agent iteration bound used when an
// AgentDefinition does not set one explicitly.
const DefaultMaxIterations = 10

// MaxDelegationDepth bounds transfer_to_agent chains (spec.md §4.G / §8).
const MaxDelegationDepth = 8

// DefaultLargeResponseThreshold is the inline-size policy default (§3
// Artifact) above which a tool response is offloaded to the ArtifactFS
// instead of being inlined as a ToolResult part.
const DefaultLargeResponseThreshold = 16 * 1024

// UserPartKeyPrefix marks session keys that are materialized as additional
// Parts on the next user message (spec.md §3 SessionEntry, §6).
const UserPartKeyPrefix = "__user_part_"

type (
	// ModelSettings carries the model id and generation parameters for an
	// agent's LLM Step Driver invocations.
	ModelSettings struct {
		Model         string
		Temperature   float64
		MaxTokens     int
		ProviderHints map[string]string
	}

	// ToolConfig enumerates the tool surfaces an agent has declared access
	// to, keyed by handler kind (spec.md §4.C classification precedence).
	ToolConfig struct {
		Builtins           []string
		MCPServers         []string
		PluginIntegrations []string
		ExternalTools      []string
	}

	// ToolApproval configures the Approval Gate for an agent.
	ToolApproval struct {
		Mode ApprovalMode
		List []string
	}

	// AgentDefinition is the immutable description of an agent (spec.md §3).
	AgentDefinition struct {
		Name                        string
		Description                 string
		SystemPrompt                string
		ModelSettings               ModelSettings
		ToolConfig                  ToolConfig
		ToolApproval                ToolApproval
		MaxIterations               int
		ToolFormat                  ToolFormat
		SubAgents                   []string
		WriteLargeToolResponsesToFS bool
		ContextSize                 int
	}
)

// NewAgentDefinition returns an AgentDefinition with MaxIterations set to
// DefaultMaxIterations. Callers that mean "exactly zero turns allowed"
// (spec.md §8's boundary case) should set MaxIterations: 0 directly on a
// struct literal instead of using this constructor.
func NewAgentDefinition(name string) AgentDefinition {
	return AgentDefinition{Name: name, MaxIterations: DefaultMaxIterations}
}

type (
	// Thread is the conversation container spec.md §3 describes.
	Thread struct {
		ID           string
		UserID       string
		AgentID      string
		Title        string
		ExternalID   string
		CreatedAt    time.Time
		UpdatedAt    time.Time
		MessageCount int
		LastMessage  *Message
		Metadata     map[string]any
		Attributes   map[string]any
	}

	// TaskStatus is one of the states in the spec.md §4.G state machine.
	TaskStatus string
)

const (
	StatusSubmitted       TaskStatus = "submitted"
	StatusWorking         TaskStatus = "working"
	StatusAwaitingTool    TaskStatus = "awaiting_tool"
	StatusAwaitingApprove TaskStatus = "awaiting_approval"
	StatusAwaitingExt     TaskStatus = "awaiting_external"
	StatusCompleted       TaskStatus = "completed"
	StatusFailed          TaskStatus = "failed"
	StatusCanceled        TaskStatus = "canceled"
)

// terminalStatuses are sinks: once reached, no further transition is valid
// (spec.md §3 Task invariant, §8 testable property).
var terminalStatuses = map[TaskStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCanceled:  true,
}

// IsTerminal reports whether s is a sink state.
func (s TaskStatus) IsTerminal() bool { return terminalStatuses[s] }

// Task is one bounded execution of an agent against a thread (spec.md §3).
type Task struct {
	ID           string
	ThreadID     string
	ParentTaskID string
	Status       TaskStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// transition moves t to next, rejecting any move out of a terminal state.
// This is the enforcement point for the §8 invariant that status
// transitions form a path through the state machine and no state is
// re-entered after a terminal one.
func (t *Task) transition(next TaskStatus) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("distri: task %s already terminal at %s, cannot move to %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = time.Now()
	return nil
}

// Role identifies who produced a Message (spec.md §3).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartKind tags the variant carried by a Part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartData       PartKind = "data"
	PartImage      PartKind = "image"
	PartArtifact   PartKind = "artifact"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

type (
	// ImagePart carries inline bytes or a URL reference to image data.
	ImagePart struct {
		Bytes []byte
		URL   string
		Mime  string
		Name  string
	}

	// ArtifactRef references a file held by the ArtifactFS.
	ArtifactRef struct {
		FileID  string
		Size    int64
		Mime    string
		Preview string
	}

	// ToolCall is a single requested tool invocation (spec.md §3).
	ToolCall struct {
		ToolCallID string
		ToolName   string
		Input      json.RawMessage
	}

	// ToolResultPart carries the outcome of one or more tool calls as a
	// message part.
	ToolResultPart struct {
		ToolCallID string
		ToolName   string
		Parts      []Part
		Error      string
	}

	// Part is a tagged element of a Message. Exactly one of the kind-specific
	// fields is populated, matching Kind.
	Part struct {
		Kind       PartKind
		Text       string
		Data       json.RawMessage
		Image      *ImagePart
		Artifact   *ArtifactRef
		ToolCall   *ToolCall
		ToolResult *ToolResultPart
	}

	// PartMeta carries per-part persistence metadata (spec.md §3).
	PartMeta struct {
		Save bool
	}

	// Message is a single turn in a thread (spec.md §3).
	Message struct {
		MessageID     string
		Role          Role
		Parts         []Part
		PartsMetadata map[int]PartMeta
		Metadata      map[string]any
	}
)

// TextPart is a convenience constructor for a plain text Part.
func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// saveable reports whether the part at index idx should survive
// persistence: parts_metadata defaults missing entries to "save" (only an
// explicit save:false entry filters a part), per spec.md §3.
func (m Message) saveable(idx int) bool {
	if m.PartsMetadata == nil {
		return true
	}
	meta, ok := m.PartsMetadata[idx]
	if !ok {
		return true
	}
	return meta.Save
}

// Filtered returns a copy of m with every part whose parts_metadata marks
// save:false removed, and reports whether any part survived. Per spec.md
// §3: "if all parts are filtered, the message is dropped" — callers should
// skip persisting m entirely when ok is false.
func (m Message) Filtered() (out Message, ok bool) {
	out = Message{MessageID: m.MessageID, Role: m.Role, Metadata: m.Metadata}
	for i, p := range m.Parts {
		if !m.saveable(i) {
			continue
		}
		out.Parts = append(out.Parts, p)
	}
	return out, len(out.Parts) > 0
}

// SessionEntry is a thread-scoped key/value record with optional expiry
// (spec.md §3).
type SessionEntry struct {
	Value  json.RawMessage
	Expiry *time.Time
}

// Expired reports whether e's expiry has passed relative to now.
func (e SessionEntry) Expired(now time.Time) bool {
	return e.Expiry != nil && now.After(*e.Expiry)
}

// ScratchpadEntry is one append-only "previous steps" record for a task.
type ScratchpadEntry struct {
	Entry     any
	EntryType string
	Timestamp time.Time
}

// MemoryEntry is a cross-thread persistent fact for a user.
type MemoryEntry struct {
	Content   string
	CreatedAt time.Time
}

// ExternalToolCall tracks a tool call handed off to a client for execution
// (spec.md §3), pending a correlated out-of-band response.
type ExternalToolCall struct {
	ID        string
	Request   ToolCall
	Response  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Artifact describes a file written to the ArtifactFS (spec.md §3).
type Artifact struct {
	FileID  string
	Path    string
	Size    int64
	Mime    string
	Preview string
}

// ApprovalResponse is the client's decision on a pending approval batch
// (spec.md §4.D).
type ApprovalResponse struct {
	ApprovalID string
	Approved   bool
	Reason     string
}
