package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/distrihub/distri/runtime/agent/hooks"
	"github.com/distrihub/distri/runtime/agent/telemetry"
)

func TestHookActivity_PublishFailureIsLoggedNotPropagated(t *testing.T) {
	t.Parallel()

	publishErr := errors.New("publish failed")
	bus := hooks.NewBus()
	sub, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
		return publishErr
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	rt := &Runtime{Bus: bus, logger: telemetry.NewNoopLogger(), tracer: telemetry.NewNoopTracer()}

	input, err := hooks.EncodeToHookInput(hooks.NewPlannerNoteEvent("run-1", "svc.agent", "sess-1", "note", nil), "turn-1")
	require.NoError(t, err)

	err = rt.hookActivity(context.Background(), input)
	require.NoError(t, err, "subscriber failures are logged, not returned to the workflow activity")
}
