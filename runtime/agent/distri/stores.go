package distri

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// SessionStore is the thread-scoped key/value substrate (spec.md §4.A).
type SessionStore interface {
	Get(ctx context.Context, threadID, key string) (SessionEntry, bool, error)
	GetAll(ctx context.Context, threadID string) (map[string]SessionEntry, error)
	Set(ctx context.Context, threadID, key string, value json.RawMessage, expiry *time.Time) error
	Delete(ctx context.Context, threadID, key string) error
	Clear(ctx context.Context, threadID string) error
}

type inmemSession struct {
	mu   sync.Mutex
	data map[string]map[string]SessionEntry
}

// NewInMemSessionStore returns an in-memory SessionStore suitable for tests
// and single-process deployments.
func NewInMemSessionStore() SessionStore {
	return &inmemSession{data: make(map[string]map[string]SessionEntry)}
}

func (s *inmemSession) Get(_ context.Context, threadID, key string) (SessionEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.data[threadID]
	if !ok {
		return SessionEntry{}, false, nil
	}
	entry, ok := thread[key]
	if !ok {
		return SessionEntry{}, false, nil
	}
	if entry.Expired(time.Now()) {
		delete(thread, key)
		return SessionEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *inmemSession) GetAll(_ context.Context, threadID string) (map[string]SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SessionEntry)
	now := time.Now()
	for k, v := range s.data[threadID] {
		if v.Expired(now) {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (s *inmemSession) Set(_ context.Context, threadID, key string, value json.RawMessage, expiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.data[threadID]
	if !ok {
		thread = make(map[string]SessionEntry)
		s.data[threadID] = thread
	}
	thread[key] = SessionEntry{Value: append(json.RawMessage(nil), value...), Expiry: expiry}
	return nil
}

func (s *inmemSession) Delete(_ context.Context, threadID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[threadID], key)
	return nil
}

func (s *inmemSession) Clear(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, threadID)
	return nil
}

// MaterializeUserParts turns every "__user_part_*" session entry into an
// extra Part, to be attached to the next user message (spec.md §6). Part
// kind is inferred from the JSON value's shape: a bare JSON string becomes
// Text, an object with "url" or "bytes"/"mime" becomes Image, anything else
// becomes Data.
func MaterializeUserParts(entries map[string]SessionEntry) []Part {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		if strings.HasPrefix(k, UserPartKeyPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]Part, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, inferUserPart(entries[k].Value))
	}
	return parts
}

func inferUserPart(raw json.RawMessage) Part {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return TextPart(text)
	}
	var shape struct {
		URL   string `json:"url"`
		Bytes []byte `json:"bytes"`
		Mime  string `json:"mime"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(raw, &shape); err == nil && (shape.URL != "" || len(shape.Bytes) > 0) {
		return Part{Kind: PartImage, Image: &ImagePart{URL: shape.URL, Bytes: shape.Bytes, Mime: shape.Mime, Name: shape.Name}}
	}
	return Part{Kind: PartData, Data: raw}
}

// ScratchpadStore is the append-only "previous steps" log keyed by
// (thread, task, parent task) (spec.md §4.A).
type ScratchpadStore interface {
	Append(ctx context.Context, threadID, taskID, parentTaskID string, entry ScratchpadEntry) error
	List(ctx context.Context, threadID, taskID string) ([]ScratchpadEntry, error)
	Summarize(ctx context.Context, threadID, taskID string) (string, error)
}

type inmemScratchpad struct {
	mu   sync.Mutex
	data map[string][]ScratchpadEntry
}

// NewInMemScratchpadStore returns an in-memory ScratchpadStore.
func NewInMemScratchpadStore() ScratchpadStore {
	return &inmemScratchpad{data: make(map[string][]ScratchpadEntry)}
}

func scratchpadKey(threadID, taskID string) string { return threadID + "/" + taskID }

func (s *inmemScratchpad) Append(_ context.Context, threadID, taskID, _ string, entry ScratchpadEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scratchpadKey(threadID, taskID)
	s.data[key] = append(s.data[key], entry)
	return nil
}

func (s *inmemScratchpad) List(_ context.Context, threadID, taskID string) ([]ScratchpadEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.data[scratchpadKey(threadID, taskID)]
	out := make([]ScratchpadEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *inmemScratchpad) Summarize(ctx context.Context, threadID, taskID string) (string, error) {
	entries, err := s.List(ctx, threadID, taskID)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s] %v\n", e.EntryType, e.Entry)
	}
	return sb.String(), nil
}

// MemoryStore is the cross-thread, per-user fact store (spec.md §4.A).
type MemoryStore interface {
	Add(ctx context.Context, userID, content string) error
	Search(ctx context.Context, userID, query string, k int) ([]string, error)
	Clear(ctx context.Context, userID string) error
}

type inmemMemory struct {
	mu   sync.Mutex
	data map[string][]MemoryEntry
}

// NewInMemMemoryStore returns an in-memory MemoryStore. Search is a
// naive substring match, adequate for the in-process deployment profile.
func NewInMemMemoryStore() MemoryStore {
	return &inmemMemory{data: make(map[string][]MemoryEntry)}
}

func (s *inmemMemory) Add(_ context.Context, userID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[userID] = append(s.data[userID], MemoryEntry{Content: content, CreatedAt: time.Now()})
	return nil
}

func (s *inmemMemory) Search(_ context.Context, userID, query string, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.data[userID] {
		if query == "" || strings.Contains(strings.ToLower(e.Content), strings.ToLower(query)) {
			out = append(out, e.Content)
			if k > 0 && len(out) >= k {
				break
			}
		}
	}
	return out, nil
}

func (s *inmemMemory) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, userID)
	return nil
}

// ThreadStore owns Thread lifecycle and its attached message history. Writes
// to a single thread are serialized by a per-thread lock (spec.md §4.A/§5:
// "tasks on the same thread are serialized at the ThreadStore boundary").
type ThreadStore interface {
	Upsert(ctx context.Context, thread *Thread) error
	Get(ctx context.Context, id string) (*Thread, bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, userID string) ([]*Thread, error)

	AppendMessage(ctx context.Context, threadID string, msg Message) error
	Messages(ctx context.Context, threadID string) ([]Message, error)

	// Lock serializes writers against threadID for the duration of fn, so
	// that message-history writes across concurrent tasks on the same
	// thread are ordered by task-commit order, never interleaved.
	Lock(ctx context.Context, threadID string, fn func() error) error
}

type threadRecord struct {
	mu       sync.Mutex
	thread   Thread
	messages []Message
}

type inmemThread struct {
	mu      sync.Mutex
	threads map[string]*threadRecord
}

// NewInMemThreadStore returns an in-memory ThreadStore.
func NewInMemThreadStore() ThreadStore {
	return &inmemThread{threads: make(map[string]*threadRecord)}
}

func (s *inmemThread) record(id string) *threadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.threads[id]
	if !ok {
		r = &threadRecord{}
		s.threads[id] = r
	}
	return r
}

func (s *inmemThread) Upsert(_ context.Context, thread *Thread) error {
	r := s.record(thread.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	thread.UpdatedAt = time.Now()
	r.thread = *thread
	return nil
}

func (s *inmemThread) Get(_ context.Context, id string) (*Thread, bool, error) {
	s.mu.Lock()
	r, ok := s.threads[id]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.thread
	return &cp, true, nil
}

func (s *inmemThread) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
	return nil
}

func (s *inmemThread) List(_ context.Context, userID string) ([]*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Thread
	for _, r := range s.threads {
		r.mu.Lock()
		if userID == "" || r.thread.UserID == userID {
			cp := r.thread
			out = append(out, &cp)
		}
		r.mu.Unlock()
	}
	return out, nil
}

func (s *inmemThread) AppendMessage(_ context.Context, threadID string, msg Message) error {
	r := s.record(threadID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	r.thread.MessageCount++
	cp := msg
	r.thread.LastMessage = &cp
	r.thread.UpdatedAt = time.Now()
	return nil
}

func (s *inmemThread) Messages(_ context.Context, threadID string) ([]Message, error) {
	r := s.record(threadID)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out, nil
}

func (s *inmemThread) Lock(_ context.Context, threadID string, fn func() error) error {
	r := s.record(threadID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

// TaskStore owns Task records and serves as the persistence subscriber for
// the Event Bus (spec.md §4.A/§4.B).
type TaskStore interface {
	Create(ctx context.Context, threadID, parentTaskID string) (*Task, error)
	UpdateStatus(ctx context.Context, taskID string, status TaskStatus) error
	Get(ctx context.Context, taskID string) (*Task, bool, error)
}

type inmemTasks struct {
	mu   sync.Mutex
	data map[string]*Task
	seq  int
}

// NewInMemTaskStore returns an in-memory TaskStore.
func NewInMemTaskStore() TaskStore {
	return &inmemTasks{data: make(map[string]*Task)}
}

func (s *inmemTasks) Create(_ context.Context, threadID, parentTaskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &Task{
		ID:           fmt.Sprintf("task-%d", s.seq),
		ThreadID:     threadID,
		ParentTaskID: parentTaskID,
		Status:       StatusSubmitted,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	s.data[t.ID] = t
	return t, nil
}

func (s *inmemTasks) UpdateStatus(_ context.Context, taskID string, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data[taskID]
	if !ok {
		return fmt.Errorf("distri: unknown task %s", taskID)
	}
	return t.transition(status)
}

func (s *inmemTasks) Get(_ context.Context, taskID string) (*Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data[taskID]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

// ArtifactFS stores large tool-response payloads out of line (spec.md §3/§4.G).
type ArtifactFS interface {
	Write(ctx context.Context, data []byte, mime string) (Artifact, error)
	Read(ctx context.Context, fileID string) ([]byte, error)
	Info(ctx context.Context, fileID string) (Artifact, bool, error)
	Search(ctx context.Context, query string) ([]Artifact, error)
}

type inmemArtifacts struct {
	mu   sync.Mutex
	data map[string][]byte
	info map[string]Artifact
	seq  int
}

// NewInMemArtifactFS returns an in-memory ArtifactFS.
func NewInMemArtifactFS() ArtifactFS {
	return &inmemArtifacts{data: make(map[string][]byte), info: make(map[string]Artifact)}
}

func (a *inmemArtifacts) Write(_ context.Context, data []byte, mime string) (Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	id := fmt.Sprintf("artifact-%d", a.seq)
	preview := string(data)
	if len(preview) > 256 {
		preview = preview[:256]
	}
	art := Artifact{FileID: id, Path: id, Size: int64(len(data)), Mime: mime, Preview: preview}
	a.data[id] = append([]byte(nil), data...)
	a.info[id] = art
	return art, nil
}

func (a *inmemArtifacts) Read(_ context.Context, fileID string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.data[fileID]
	if !ok {
		return nil, fmt.Errorf("distri: unknown artifact %s", fileID)
	}
	return append([]byte(nil), data...), nil
}

func (a *inmemArtifacts) Info(_ context.Context, fileID string) (Artifact, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	art, ok := a.info[fileID]
	return art, ok, nil
}

func (a *inmemArtifacts) Search(_ context.Context, query string) ([]Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Artifact
	for _, art := range a.info {
		if query == "" || strings.Contains(art.Preview, query) {
			out = append(out, art)
		}
	}
	return out, nil
}

// ExternalToolCallStore tracks tool calls handed to the client pending a
// correlated injection (spec.md §3 ExternalToolCall).
type ExternalToolCallStore interface {
	Create(ctx context.Context, taskID string, call ToolCall) (*ExternalToolCall, error)
	Resolve(ctx context.Context, taskID, toolCallID string, response json.RawMessage) error
	Pending(ctx context.Context, taskID string) ([]*ExternalToolCall, error)
	Get(ctx context.Context, taskID, toolCallID string) (*ExternalToolCall, bool, error)
}

type inmemExternal struct {
	mu   sync.Mutex
	data map[string]map[string]*ExternalToolCall
}

// NewInMemExternalToolCallStore returns an in-memory ExternalToolCallStore.
func NewInMemExternalToolCallStore() ExternalToolCallStore {
	return &inmemExternal{data: make(map[string]map[string]*ExternalToolCall)}
}

func (s *inmemExternal) Create(_ context.Context, taskID string, call ToolCall) (*ExternalToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTask, ok := s.data[taskID]
	if !ok {
		byTask = make(map[string]*ExternalToolCall)
		s.data[taskID] = byTask
	}
	rec := &ExternalToolCall{ID: call.ToolCallID, Request: call, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	byTask[call.ToolCallID] = rec
	return rec, nil
}

func (s *inmemExternal) Resolve(_ context.Context, taskID, toolCallID string, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTask, ok := s.data[taskID]
	if !ok {
		return fmt.Errorf("distri: no pending external tool calls for task %s", taskID)
	}
	rec, ok := byTask[toolCallID]
	if !ok {
		return fmt.Errorf("distri: unknown external tool call %s", toolCallID)
	}
	rec.Response = response
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *inmemExternal) Get(_ context.Context, taskID, toolCallID string) (*ExternalToolCall, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTask, ok := s.data[taskID]
	if !ok {
		return nil, false, nil
	}
	rec, ok := byTask[toolCallID]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (s *inmemExternal) Pending(_ context.Context, taskID string) ([]*ExternalToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ExternalToolCall
	for _, rec := range s.data[taskID] {
		if rec.Response == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}
