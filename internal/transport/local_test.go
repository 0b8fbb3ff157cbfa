package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternis/fleetctl/internal/protocol"
)

func TestLocalRouterDeliversToSubscribers(t *testing.T) {
	r := NewLocalRouter(nil)

	var got []string
	r.Subscribe(EventCommands, func(dest string, msg protocol.Message) {
		got = append(got, dest+"/"+string(msg.Type))
	})

	msg, err := protocol.NewMessage(protocol.MessageCommand, protocol.CommandEnvelope{CommandID: "c1"})
	require.NoError(t, err)

	require.NoError(t, r.Emit(context.Background(), EventCommands, "agent-1", msg))
	assert.Equal(t, []string{"agent-1/command"}, got)
}

func TestLocalRouterClassIsolation(t *testing.T) {
	r := NewLocalRouter(nil)

	commands := 0
	results := 0
	r.Subscribe(EventCommands, func(string, protocol.Message) { commands++ })
	r.Subscribe(EventResults, func(string, protocol.Message) { results++ })

	msg, err := protocol.NewMessage(protocol.MessageResult, protocol.ResultEnvelope{CommandID: "c1"})
	require.NoError(t, err)

	require.NoError(t, r.Emit(context.Background(), EventResults, "req-1", msg))
	assert.Equal(t, 0, commands)
	assert.Equal(t, 1, results)
}

func TestLocalRouterEmitWithoutSubscribersIsSilent(t *testing.T) {
	r := NewLocalRouter(nil)
	msg, err := protocol.NewMessage(protocol.MessageHeartbeat, protocol.Heartbeat{AgentID: "a"})
	require.NoError(t, err)
	assert.NoError(t, r.Emit(context.Background(), EventAgentEvents, "a", msg))
}

func TestLocalRouterClosed(t *testing.T) {
	r := NewLocalRouter(nil)
	require.NoError(t, r.Close())

	msg, err := protocol.NewMessage(protocol.MessageHeartbeat, protocol.Heartbeat{AgentID: "a"})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Emit(context.Background(), EventAgentEvents, "a", msg), ErrTransportClosed)
}

func TestEnvelopeWireFormat(t *testing.T) {
	msg, err := protocol.NewMessage(protocol.MessageResult, protocol.ResultEnvelope{
		CommandID: "c1",
		Status:    protocol.StatusSuccess,
	})
	require.NoError(t, err)

	data, err := json.Marshal(Envelope{Destination: "req-7", Message: msg})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "req-7", env.Destination)
	assert.Equal(t, protocol.MessageResult, env.Message.Type)

	var res protocol.ResultEnvelope
	require.NoError(t, env.Message.Decode(&res))
	assert.Equal(t, "c1", res.CommandID)
}
