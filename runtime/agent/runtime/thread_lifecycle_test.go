package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/distrihub/distri/runtime/agent/engine"
	engineinmem "github.com/distrihub/distri/runtime/agent/engine/inmem"
	"github.com/distrihub/distri/runtime/agent/telemetry"
	"github.com/distrihub/distri/runtime/agent/thread"
	threadinmem "github.com/distrihub/distri/runtime/agent/thread/inmem"
)

type recordingCancelerEngine struct {
	engine.Engine

	mu       sync.Mutex
	canceled []string
	err      error
}

func (e *recordingCancelerEngine) CancelByID(ctx context.Context, runID string) error {
	_ = ctx
	e.mu.Lock()
	e.canceled = append(e.canceled, runID)
	e.mu.Unlock()
	return e.err
}

func (e *recordingCancelerEngine) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.canceled))
	copy(out, e.canceled)
	return out
}

func TestEndThread_CancelsActiveTasksBestEffort(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := threadinmem.New()
	now := time.Now().UTC()
	_, err := store.OpenThread(ctx, "thread-1", now)
	require.NoError(t, err)
	require.NoError(t, store.UpsertTask(ctx, thread.TaskMeta{
		AgentID:   "agent.chat",
		TaskID:    "run-1",
		ThreadID:  "thread-1",
		Status:    thread.TaskWorking,
		StartedAt: now,
		UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertTask(ctx, thread.TaskMeta{
		AgentID:   "agent.chat",
		TaskID:    "run-2",
		ThreadID:  "thread-1",
		Status:    thread.TaskCompleted,
		StartedAt: now,
		UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertTask(ctx, thread.TaskMeta{
		AgentID:   "agent.chat",
		TaskID:    "run-3",
		ThreadID:  "thread-1",
		Status:    thread.TaskSubmitted,
		StartedAt: now,
		UpdatedAt: now,
	}))

	eng := &recordingCancelerEngine{Engine: engineinmem.New()}
	rt := New(
		WithEngine(eng),
		WithLogger(telemetry.NoopLogger{}),
		WithThreadStore(store),
	)

	ended, err := rt.EndThread(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, thread.StatusEnded, ended.Status)

	canceled := eng.snapshot()
	require.ElementsMatch(t, []string{"run-1", "run-3"}, canceled)
}
