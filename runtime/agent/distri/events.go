package distri

import (
	"sync"
	"time"
)

// EventKind tags the concrete type of an Event. Values are exactly the kinds
// spec.md §4.B enumerates.
type EventKind string

const (
	KindStatusChanged    EventKind = "status_changed"
	KindMessageStart     EventKind = "message_start"
	KindMessageEnd       EventKind = "message_end"
	KindTextDelta        EventKind = "text_delta"
	KindToolCallStart    EventKind = "tool_call_start"
	KindToolCallArgs     EventKind = "tool_call_args"
	KindToolCallResult   EventKind = "tool_call_result"
	KindApprovalReq      EventKind = "approval_requested"
	KindExternalToolCall EventKind = "external_tool_calls"
	KindTodosUpdated     EventKind = "todos_updated"
	KindTaskCompleted    EventKind = "task_completed"
	KindTaskError        EventKind = "task_error"
)

// Event is the common interface for every event kind on the bus.
type Event interface {
	Kind() EventKind
	TaskID() string
	Timestamp() int64
}

type base struct {
	taskID string
	ts     int64
}

func newBase(taskID string) base { return base{taskID: taskID, ts: time.Now().UnixMilli()} }

func (b base) TaskID() string   { return b.taskID }
func (b base) Timestamp() int64 { return b.ts }

type (
	// StatusChangedEvent fires on every non-terminal Task state transition.
	StatusChangedEvent struct {
		base
		Status TaskStatus
	}

	// MessageStartEvent opens a new message's streaming window.
	MessageStartEvent struct {
		base
		Role Role
	}

	// MessageEndEvent closes the streaming window for a persisted message.
	MessageEndEvent struct {
		base
		MessageID string
	}

	// TextDeltaEvent streams one fragment of assistant text.
	TextDeltaEvent struct {
		base
		Delta string
	}

	// ToolCallStartEvent announces a tool call has been scheduled.
	ToolCallStartEvent struct {
		base
		ToolCallID string
		ToolName   string
	}

	// ToolCallArgsEvent streams one fragment of a tool call's arguments as
	// the model emits them.
	ToolCallArgsEvent struct {
		base
		ToolCallID string
		Delta      string
	}

	// ToolCallResultEvent carries the outcome parts for a completed tool
	// call.
	ToolCallResultEvent struct {
		base
		ToolCallID string
		Parts      []Part
	}

	// ApprovalRequestedEvent fires when the Approval Gate suspends a task
	// pending a human/client decision.
	ApprovalRequestedEvent struct {
		base
		ApprovalID string
		ToolCalls  []ToolCall
	}

	// ExternalToolCallsEvent fires when one or more tool calls are handed
	// off to the client for out-of-band execution.
	ExternalToolCallsEvent struct {
		base
		ToolCalls []ToolCall
	}

	// TodosUpdatedEvent fires when the write_todos builtin tool updates the
	// task's todo list.
	TodosUpdatedEvent struct {
		base
		Formatted string
		Todos     []string
	}

	// TaskCompletedEvent is the terminal success event for a task.
	TaskCompletedEvent struct {
		base
	}

	// TaskErrorEvent is the terminal failure event for a task.
	TaskErrorEvent struct {
		base
		Error string
	}
)

func (e *StatusChangedEvent) Kind() EventKind     { return KindStatusChanged }
func (e *MessageStartEvent) Kind() EventKind      { return KindMessageStart }
func (e *MessageEndEvent) Kind() EventKind        { return KindMessageEnd }
func (e *TextDeltaEvent) Kind() EventKind         { return KindTextDelta }
func (e *ToolCallStartEvent) Kind() EventKind     { return KindToolCallStart }
func (e *ToolCallArgsEvent) Kind() EventKind      { return KindToolCallArgs }
func (e *ToolCallResultEvent) Kind() EventKind    { return KindToolCallResult }
func (e *ApprovalRequestedEvent) Kind() EventKind { return KindApprovalReq }
func (e *ExternalToolCallsEvent) Kind() EventKind { return KindExternalToolCall }
func (e *TodosUpdatedEvent) Kind() EventKind      { return KindTodosUpdated }
func (e *TaskCompletedEvent) Kind() EventKind     { return KindTaskCompleted }
func (e *TaskErrorEvent) Kind() EventKind         { return KindTaskError }

// Seq pairs an Event with its monotonically increasing per-task sequence
// number, used by persistent subscribers to dedupe and by reconnecting
// clients to resume from a last-seen offset (spec.md §4.B).
type Seq struct {
	N     uint64
	Event Event
}

type taskStream struct {
	mu        sync.Mutex
	seq       uint64
	log       []Seq
	nextSubID int
	subs      map[int]chan Seq
}

// Bus is a per-task, multi-producer multi-consumer ordered event stream.
// Events published for a task are appended to a durable log (for replay)
// and fanned out to live subscribers; a slow live subscriber is dropped
// rather than blocking the producer (spec.md §5 backpressure policy).
type Bus struct {
	mu    sync.Mutex
	tasks map[string]*taskStream
}

// NewBus constructs an empty Bus.
func NewBus() *Bus { return &Bus{tasks: make(map[string]*taskStream)} }

func (b *Bus) stream(taskID string) *taskStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.tasks[taskID]
	if !ok {
		ts = &taskStream{subs: make(map[int]chan Seq)}
		b.tasks[taskID] = ts
	}
	return ts
}

// Publish appends ev to taskID's log and fans it out to live subscribers.
// Ordering within one task is total: callers must serialize their own
// Publish calls for a given task (the Scheduler does this by construction,
// since one task runs one step at a time).
func (b *Bus) Publish(ev Event) {
	ts := b.stream(ev.TaskID())
	ts.mu.Lock()
	ts.seq++
	rec := Seq{N: ts.seq, Event: ev}
	ts.log = append(ts.log, rec)
	subs := make([]chan Seq, 0, len(ts.subs))
	for _, ch := range ts.subs {
		subs = append(subs, ch)
	}
	ts.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- rec:
		default:
			// Slow subscriber: drop it rather than block the producer.
			b.dropSlow(ev.TaskID(), ch)
		}
	}
}

func (b *Bus) dropSlow(taskID string, ch chan Seq) {
	ts := b.stream(taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for id, c := range ts.subs {
		if c == ch {
			delete(ts.subs, id)
			close(c)
			return
		}
	}
}

// Subscribe returns a channel of events for taskID starting after fromSeq
// (0 replays the whole log), plus a cancel func to stop delivery. This
// supports reconnect-and-replay: a client that saw up through sequence N
// resubscribes with fromSeq=N and receives only what it missed.
func (b *Bus) Subscribe(taskID string, fromSeq uint64) (<-chan Seq, func()) {
	ts := b.stream(taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ch := make(chan Seq, 64+len(ts.log))
	for _, rec := range ts.log {
		if rec.N > fromSeq {
			ch <- rec
		}
	}
	id := ts.nextSubID
	ts.nextSubID++
	ts.subs[id] = ch

	cancel := func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if c, ok := ts.subs[id]; ok {
			delete(ts.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// ListEvents returns the durable, ordered event log for taskID (the
// TaskStore.list_events contract of spec.md §4.A).
func (b *Bus) ListEvents(taskID string) []Seq {
	ts := b.stream(taskID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]Seq, len(ts.log))
	copy(out, ts.log)
	return out
}
