package distri

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewInMemSessionStore()
	ctx := context.Background()
	want := json.RawMessage(`{"a":1}`)

	require.NoError(t, store.Set(ctx, "thread-1", "k", want, nil))
	got, ok, err := store.Get(ctx, "thread-1", "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(want), string(got.Value))
}

func TestSessionStoreExpiredEntryIsNotFound(t *testing.T) {
	t.Parallel()
	store := NewInMemSessionStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Second)

	require.NoError(t, store.Set(ctx, "thread-1", "k", json.RawMessage(`1`), &past))
	_, ok, err := store.Get(ctx, "thread-1", "k")
	require.NoError(t, err)
	assert.False(t, ok, "get after expiry must report not found")

	all, err := store.GetAll(ctx, "thread-1")
	require.NoError(t, err)
	assert.Empty(t, all, "GetAll must also exclude expired entries")
}

func TestMaterializeUserPartsInfersKindAndSortsByKey(t *testing.T) {
	t.Parallel()
	entries := map[string]SessionEntry{
		"__user_part_b": {Value: mustJSONRaw("second")},
		"__user_part_a": {Value: mustJSONRaw("first")},
		"not_a_part":    {Value: mustJSONRaw("ignored")},
	}
	parts := MaterializeUserParts(entries)
	require.Len(t, parts, 2)
	assert.Equal(t, "first", parts[0].Text)
	assert.Equal(t, "second", parts[1].Text)
}

func TestThreadStoreAppendMessageOrdersByCommit(t *testing.T) {
	t.Parallel()
	store := NewInMemThreadStore()
	ctx := context.Background()

	require.NoError(t, store.Lock(ctx, "thread-1", func() error {
		return store.AppendMessage(ctx, "thread-1", Message{MessageID: "m1", Role: RoleUser})
	}))
	require.NoError(t, store.Lock(ctx, "thread-1", func() error {
		return store.AppendMessage(ctx, "thread-1", Message{MessageID: "m2", Role: RoleAssistant})
	}))

	msgs, err := store.Messages(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, "m2", msgs[1].MessageID)
}

func TestExternalToolCallStoreResolveRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewInMemExternalToolCallStore()
	ctx := context.Background()
	call := ToolCall{ToolCallID: "tc-1", ToolName: "show_notification"}

	_, err := store.Create(ctx, "task-1", call)
	require.NoError(t, err)

	pending, err := store.Pending(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.Resolve(ctx, "task-1", "tc-1", mustJSONRaw("ok")))
	rec, ok, err := store.Get(ctx, "task-1", "tc-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"ok"`, string(rec.Response))

	pending, err = store.Pending(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, pending, "a resolved call is no longer pending")
}

func TestArtifactFSWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	fs := NewInMemArtifactFS()
	ctx := context.Background()

	art, err := fs.Write(ctx, []byte("hello world"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), art.Size)

	data, err := fs.Read(ctx, art.FileID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	info, ok, err := fs.Info(ctx, art.FileID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, art.Mime, info.Mime)
}
