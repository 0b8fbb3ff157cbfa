package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternis/fleetctl/internal/protocol"
)

type fakeRoute struct{ delivered []protocol.Message }

func (f *fakeRoute) Deliver(msg protocol.Message) error {
	f.delivered = append(f.delivered, msg)
	return nil
}

func testInfo() protocol.ConnectionInfo {
	return protocol.ConnectionInfo{Hostname: "host-1", Platform: "linux"}
}

func TestRegisterAllocatesID(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Stop()

	rec, displaced := r.Register("", &fakeRoute{}, nil, testInfo())
	assert.NotEmpty(t, rec.AgentID)
	assert.Nil(t, displaced)
	assert.Equal(t, StatusConnected, rec.Status)
	assert.Equal(t, 1, r.Count())
}

func TestReregisterIsUpsert(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Stop()

	first := &fakeRoute{}
	rec, _ := r.Register("agent-1", first, nil, testInfo())
	require.Equal(t, 1, r.Count())

	// Reconnect with a new route and the same stable id
	second := &fakeRoute{}
	rec2, displaced := r.Register(rec.AgentID, second, nil, testInfo())

	assert.Equal(t, rec.AgentID, rec2.AgentID)
	assert.Equal(t, 1, r.Count(), "re-registration must not create a second record")
	assert.Same(t, first, displaced.(*fakeRoute), "caller must get the old route back to tear it down")

	resolved, err := r.Resolve("agent-1")
	require.NoError(t, err)
	assert.Same(t, second, resolved.Route.(*fakeRoute))
}

func TestResolveErrors(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Stop()

	_, err := r.Resolve("never-seen")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	route := &fakeRoute{}
	r.Register("agent-1", route, nil, testInfo())
	r.Unregister("agent-1", route)

	_, err = r.Resolve("agent-1")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.Equal(t, 1, r.Count(), "disconnect must not delete the record")
}

func TestUnregisterIgnoresStaleRoute(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Stop()

	old := &fakeRoute{}
	r.Register("agent-1", old, nil, testInfo())

	// Agent reconnects before the old connection's teardown runs
	fresh := &fakeRoute{}
	r.Register("agent-1", fresh, nil, testInfo())
	r.Unregister("agent-1", old)

	rec, err := r.Resolve("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, rec.Status)
}

func TestHeartbeatSweepMarksDisconnected(t *testing.T) {
	r := New(50*time.Millisecond, nil)
	defer r.Stop()

	dropped := make(chan string, 1)
	r.OnDisconnect(func(id string) { dropped <- id })

	r.Register("agent-1", &fakeRoute{}, nil, testInfo())

	select {
	case id := <-dropped:
		assert.Equal(t, "agent-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never fired")
	}

	_, err := r.Resolve("agent-1")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}

func TestHeartbeatKeepsAgentAlive(t *testing.T) {
	r := New(150*time.Millisecond, nil)
	defer r.Stop()

	r.Register("agent-1", &fakeRoute{}, nil, testInfo())

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.Heartbeat("agent-1")
		time.Sleep(20 * time.Millisecond)
	}

	rec, err := r.Resolve("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, rec.Status)
}

func TestRegisterRemoteDoesNotClobberLocalRoute(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Stop()

	local := &fakeRoute{}
	r.Register("agent-1", local, nil, testInfo())

	// Fanout echo of our own lifecycle event
	r.RegisterRemote("agent-1", nil, protocol.ConnectionInfo{Hostname: "other"})

	rec, err := r.Resolve("agent-1")
	require.NoError(t, err)
	assert.Same(t, local, rec.Route.(*fakeRoute))
	assert.Equal(t, "host-1", rec.TargetInfo.Hostname)
}

func TestHeartbeatRemoteKeepsMirroredRecordAlive(t *testing.T) {
	r := New(150*time.Millisecond, nil)
	defer r.Stop()

	r.RegisterRemote("agent-7", nil, protocol.ConnectionInfo{Hostname: "remote-box"})

	// Heartbeats relayed from the owning controller must keep the routeless
	// mirror out of the sweep, same as a local socket's heartbeats would.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		r.HeartbeatRemote("agent-7")
		time.Sleep(20 * time.Millisecond)
	}

	rec, err := r.Resolve("agent-7")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, rec.Status)
}

func TestHeartbeatRemoteRevivesExpiredMirror(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Stop()

	r.RegisterRemote("agent-7", nil, protocol.ConnectionInfo{Hostname: "remote-box"})
	r.MarkRemoteDisconnected("agent-7")

	r.HeartbeatRemote("agent-7")

	rec, err := r.Resolve("agent-7")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, rec.Status)
}

func TestHeartbeatRemoteIgnoresLocalRoute(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Stop()

	local := &fakeRoute{}
	r.Register("agent-1", local, nil, testInfo())
	r.SetStatus("agent-1", StatusBusy)

	// Fanout echo of our own heartbeat must not disturb the local record.
	r.HeartbeatRemote("agent-1")

	rec, err := r.Resolve("agent-1")
	require.NoError(t, err)
	assert.Same(t, local, rec.Route.(*fakeRoute))
	assert.Equal(t, StatusBusy, rec.Status)
}

func TestRegisterRemoteCreatesRemoteRecord(t *testing.T) {
	r := New(time.Minute, nil)
	defer r.Stop()

	r.RegisterRemote("agent-9", nil, protocol.ConnectionInfo{Hostname: "remote-box"})

	rec, err := r.Resolve("agent-9")
	require.NoError(t, err)
	assert.Nil(t, rec.Route)
	assert.Equal(t, StatusConnected, rec.Status)

	r.MarkRemoteDisconnected("agent-9")
	_, err = r.Resolve("agent-9")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
}
