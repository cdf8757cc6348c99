// Package inmem provides an in-memory implementation of thread.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation backed by a real store (see
// runtime/agent/memory/mongo for the durable-memory counterpart).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/distrihub/distri/runtime/agent/thread"
)

type (
	// Store is an in-memory implementation of thread.Store.
	// It is safe for concurrent use.
	Store struct {
		mu      sync.RWMutex
		threads map[string]thread.Thread
		tasks   map[string]thread.TaskMeta
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		threads: make(map[string]thread.Thread),
		tasks:   make(map[string]thread.TaskMeta),
	}
}

// OpenThread implements thread.Store.
func (s *Store) OpenThread(_ context.Context, threadID string, createdAt time.Time) (thread.Thread, error) {
	if threadID == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}
	if createdAt.IsZero() {
		return thread.Thread{}, errors.New("created_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.threads[threadID]
	if ok {
		if existing.Status == thread.StatusEnded {
			return thread.Thread{}, thread.ErrThreadEnded
		}
		return cloneThread(existing), nil
	}

	out := thread.Thread{
		ID:        threadID,
		Status:    thread.StatusActive,
		CreatedAt: createdAt.UTC(),
		EndedAt:   nil,
	}
	s.threads[threadID] = out
	return cloneThread(out), nil
}

// LoadThread implements thread.Store.
func (s *Store) LoadThread(_ context.Context, threadID string) (thread.Thread, error) {
	if threadID == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.threads[threadID]
	if !ok {
		return thread.Thread{}, thread.ErrThreadNotFound
	}
	return cloneThread(existing), nil
}

// EndThread implements thread.Store.
func (s *Store) EndThread(_ context.Context, threadID string, endedAt time.Time) (thread.Thread, error) {
	if threadID == "" {
		return thread.Thread{}, errors.New("thread id is required")
	}
	if endedAt.IsZero() {
		return thread.Thread{}, errors.New("ended_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.threads[threadID]
	if !ok {
		return thread.Thread{}, thread.ErrThreadNotFound
	}
	if existing.Status == thread.StatusEnded {
		return cloneThread(existing), nil
	}
	at := endedAt.UTC()
	existing.Status = thread.StatusEnded
	existing.EndedAt = &at
	s.threads[threadID] = existing
	return cloneThread(existing), nil
}

// UpsertTask implements thread.Store.
func (s *Store) UpsertTask(_ context.Context, task thread.TaskMeta) error {
	if task.TaskID == "" {
		return errors.New("task id is required")
	}
	if task.AgentID == "" {
		return errors.New("agent id is required")
	}
	if task.ThreadID == "" {
		return errors.New("thread id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.tasks[task.TaskID]
	if ok && !existing.StartedAt.IsZero() {
		if task.StartedAt.IsZero() {
			task.StartedAt = existing.StartedAt
		} else if !task.StartedAt.Equal(existing.StartedAt) {
			return errors.New("started_at is immutable")
		}
	} else if task.StartedAt.IsZero() {
		task.StartedAt = now
	}
	task.UpdatedAt = now

	s.tasks[task.TaskID] = cloneTaskMeta(task)
	return nil
}

// LoadTask implements thread.Store.
func (s *Store) LoadTask(_ context.Context, taskID string) (thread.TaskMeta, error) {
	if taskID == "" {
		return thread.TaskMeta{}, errors.New("task id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return thread.TaskMeta{}, thread.ErrTaskNotFound
	}
	return cloneTaskMeta(task), nil
}

// ListTasksByThread implements thread.Store.
func (s *Store) ListTasksByThread(_ context.Context, threadID string, statuses []thread.TaskStatus) ([]thread.TaskMeta, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	var allowed map[thread.TaskStatus]struct{}
	if len(statuses) > 0 {
		allowed = make(map[thread.TaskStatus]struct{}, len(statuses))
		for _, st := range statuses {
			allowed[st] = struct{}{}
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]thread.TaskMeta, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.ThreadID != threadID {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[task.Status]; !ok {
				continue
			}
		}
		out = append(out, cloneTaskMeta(task))
	}
	return out, nil
}

func cloneThread(in thread.Thread) thread.Thread {
	out := in
	if in.EndedAt != nil {
		at := *in.EndedAt
		out.EndedAt = &at
	}
	return out
}

func cloneTaskMeta(in thread.TaskMeta) thread.TaskMeta {
	out := in
	if len(in.Labels) > 0 {
		out.Labels = make(map[string]string, len(in.Labels))
		for k, v := range in.Labels {
			out.Labels[k] = v
		}
	}
	if len(in.Metadata) > 0 {
		out.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
