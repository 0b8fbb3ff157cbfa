package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternis/fleetctl/internal/protocol"
	"github.com/eternis/fleetctl/internal/transport"
)

func emitProgress(t *testing.T, router transport.Router, env protocol.ProgressEnvelope) {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.MessageProgress, env)
	require.NoError(t, err)
	require.NoError(t, router.Emit(context.Background(), transport.EventProgress, env.RequesterID, msg))
}

func TestRelayForwardsProgressToWaiter(t *testing.T) {
	d, reg, router := newTestDispatcher(t)
	NewProgressRelay(d, router, nil)
	reg.Register("agent-1", nullRoute{}, nil, protocol.ConnectionInfo{})

	var commandID string
	router.Subscribe(transport.EventCommands, func(dest string, msg protocol.Message) {
		var env protocol.CommandEnvelope
		require.NoError(t, msg.Decode(&env))
		commandID = env.CommandID

		go func() {
			emitProgress(t, router, protocol.ProgressEnvelope{
				CommandID:   env.CommandID,
				RequesterID: env.RequesterID,
				Progress:    50,
				Message:     "halfway",
			})

			res, err := protocol.NewMessage(protocol.MessageResult, protocol.ResultEnvelope{
				CommandID: env.CommandID,
				Status:    protocol.StatusSuccess,
			})
			require.NoError(t, err)
			_ = router.Emit(context.Background(), transport.EventResults, env.RequesterID, res)
		}()
	})

	progress := make(chan protocol.ProgressEnvelope, 8)
	_, err := d.Dispatch(context.Background(), Request{
		Command:     "make all",
		AgentID:     "agent-1",
		RequesterID: "req-1",
		Timeout:     5 * time.Second,
		Progress:    progress,
	})
	require.NoError(t, err)

	select {
	case ev := <-progress:
		assert.Equal(t, commandID, ev.CommandID)
		assert.Equal(t, 50, ev.Progress)
	case <-time.After(time.Second):
		t.Fatal("progress event never forwarded")
	}
}

func TestRelayDropsProgressAfterResolution(t *testing.T) {
	d, reg, router := newTestDispatcher(t)
	NewProgressRelay(d, router, nil)
	reg.Register("agent-1", nullRoute{}, nil, protocol.ConnectionInfo{})
	echoAgent(t, router, 0, "done")

	progress := make(chan protocol.ProgressEnvelope, 8)
	res, err := d.Dispatch(context.Background(), Request{
		Command:     "uptime",
		AgentID:     "agent-1",
		RequesterID: "req-1",
		Timeout:     5 * time.Second,
		Progress:    progress,
	})
	require.NoError(t, err)

	// Terminal result already observed; a straggler progress event must be
	// dropped without touching the (removed) waiter.
	emitProgress(t, router, protocol.ProgressEnvelope{
		CommandID:   res.CommandID,
		RequesterID: "req-1",
		Progress:    99,
	})

	select {
	case ev := <-progress:
		t.Fatalf("late progress event was forwarded: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, d.PendingCount())
}

func TestRelayIgnoresUnknownCommand(t *testing.T) {
	d, _, router := newTestDispatcher(t)
	NewProgressRelay(d, router, nil)

	// Must not panic or create state.
	emitProgress(t, router, protocol.ProgressEnvelope{CommandID: "nope", RequesterID: "req-1"})
	assert.Equal(t, 0, d.PendingCount())
}
