package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/distrihub/distri/runtime/agent/hooks"
)

func TestHookActivityPublishesDecodedEvent(t *testing.T) {
	t.Parallel()

	bus := hooks.NewBus()

	var published hooks.Event
	sub, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		published = evt
		return nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	rt := &Runtime{Bus: bus}

	input, err := hooks.EncodeToHookInput(hooks.NewPlannerNoteEvent("run-1", "svc.agent", "sess-1", "note", nil), "turn-1")
	require.NoError(t, err)

	err = rt.hookActivity(context.Background(), input)
	require.NoError(t, err)

	require.NotNil(t, published)
	require.Equal(t, hooks.PlannerNote, published.Type())
	require.Equal(t, "run-1", published.RunID())
}

func TestHookActivityStampsTurnID(t *testing.T) {
	t.Parallel()

	bus := hooks.NewBus()

	var published hooks.Event
	sub, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		published = evt
		return nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	rt := &Runtime{Bus: bus}

	input, err := hooks.EncodeToHookInput(hooks.NewPlannerNoteEvent("run-1", "svc.agent", "sess-1", "note", nil), "turn-7")
	require.NoError(t, err)

	err = rt.hookActivity(context.Background(), input)
	require.NoError(t, err)

	require.Equal(t, "turn-7", published.TurnID())
}
