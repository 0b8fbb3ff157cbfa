package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/eternis/fleetctl/internal/executor"
	"github.com/eternis/fleetctl/internal/protocol"
)

// fakeController stands in for the controller: it issues tokens, accepts the
// websocket, acks registrations with a fixed agent id, and exposes the frames
// it received.
type fakeController struct {
	assignID string
	sendCmd  *protocol.CommandEnvelope

	registered chan protocol.Registration
	results    chan protocol.ResultEnvelope
	progress   chan protocol.ProgressEnvelope
}

func newFakeController(assignID string) *fakeController {
	return &fakeController{
		assignID:   assignID,
		registered: make(chan protocol.Registration, 4),
		results:    make(chan protocol.ResultEnvelope, 4),
		progress:   make(chan protocol.ProgressEnvelope, 64),
	}
}

func (f *fakeController) start(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	engine := gin.New()
	engine.POST("/api/v1/agents/token", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"token": "test-token"})
	})
	engine.GET("/ws/agent", func(c *gin.Context) {
		require.Contains(t, c.GetHeader("Authorization"), "Bearer ")

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var msg protocol.Message
		if ws.ReadJSON(&msg) != nil || msg.Type != protocol.MessageRegister {
			return
		}
		var reg protocol.Registration
		if msg.Decode(&reg) != nil {
			return
		}
		f.registered <- reg

		ack, _ := protocol.NewMessage(protocol.MessageRegisterAck, protocol.RegistrationAck{
			AgentID: f.assignID,
			Status:  "ok",
		})
		if ws.WriteJSON(ack) != nil {
			return
		}

		if f.sendCmd != nil {
			cmd, _ := protocol.NewMessage(protocol.MessageCommand, *f.sendCmd)
			if ws.WriteJSON(cmd) != nil {
				return
			}
		}

		for {
			var in protocol.Message
			if ws.ReadJSON(&in) != nil {
				return
			}
			switch in.Type {
			case protocol.MessageResult:
				var res protocol.ResultEnvelope
				if in.Decode(&res) == nil {
					f.results <- res
				}
			case protocol.MessageProgress:
				var ev protocol.ProgressEnvelope
				if in.Decode(&ev) == nil {
					f.progress <- ev
				}
			}
		}
	})

	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)
	return ts.URL
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	sel := executor.NewSelector(executor.NewLocal(nil), nil)
	return New(cfg, sel, nil)
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(c.Stop)
}

func TestClientRegistersAndPersistsAssignedID(t *testing.T) {
	fc := newFakeController("agent-123")
	url := fc.start(t)

	configPath := filepath.Join(t.TempDir(), "agent.yaml")
	c := newTestClient(t, Config{
		ServerURL:  url,
		AgentKey:   "shared-key",
		ConfigPath: configPath,
	})
	runClient(t, c)

	select {
	case reg := <-fc.registered:
		assert.Empty(t, reg.AgentID, "first connect must not claim an id")
		assert.NotEmpty(t, reg.ConnectionInfo.Hostname)
	case <-time.After(2 * time.Second):
		t.Fatal("client never registered")
	}

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "agent-123", c.AgentID())

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	var saved map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(data, &saved))
	assert.Equal(t, "agent-123", saved["agent"]["id"])
}

func TestClientReconnectsWithStableID(t *testing.T) {
	fc := newFakeController("agent-123")
	url := fc.start(t)

	c := newTestClient(t, Config{
		ServerURL:      url,
		AgentKey:       "shared-key",
		AgentID:        "agent-123",
		ReconnectDelay: 50 * time.Millisecond,
	})
	runClient(t, c)

	select {
	case reg := <-fc.registered:
		assert.Equal(t, "agent-123", reg.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("client never registered")
	}
}

func TestClientExecutesCommand(t *testing.T) {
	fc := newFakeController("agent-123")
	fc.sendCmd = &protocol.CommandEnvelope{
		CommandID:       "cmd-1",
		Command:         "echo from-agent",
		ExecutionTarget: protocol.TargetLocal,
		RequesterID:     "req-9",
	}
	url := fc.start(t)

	c := newTestClient(t, Config{ServerURL: url, AgentKey: "shared-key"})
	runClient(t, c)

	select {
	case res := <-fc.results:
		assert.Equal(t, "cmd-1", res.CommandID)
		assert.Equal(t, "req-9", res.RequesterID, "result must echo the requester id")
		assert.Equal(t, 0, res.ExitCode)
		assert.Contains(t, res.Stdout, "from-agent")
		assert.Equal(t, protocol.StatusSuccess, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no result came back")
	}
}

func TestClientFailsUnavailableExecutorImmediately(t *testing.T) {
	fc := newFakeController("agent-123")
	fc.sendCmd = &protocol.CommandEnvelope{
		CommandID:       "cmd-2",
		Command:         "uptime",
		ExecutionTarget: protocol.TargetSSH,
		RequesterID:     "req-9",
	}
	url := fc.start(t)

	c := newTestClient(t, Config{ServerURL: url, AgentKey: "shared-key"})
	runClient(t, c)

	select {
	case res := <-fc.results:
		assert.Equal(t, "cmd-2", res.CommandID)
		assert.Equal(t, -1, res.ExitCode)
		assert.Equal(t, protocol.StatusError, res.Status)
		assert.NotEmpty(t, res.Stderr)
	case <-time.After(5 * time.Second):
		t.Fatal("no result came back")
	}
}

func TestClientReconnectExhaustionIsFatal(t *testing.T) {
	c := newTestClient(t, Config{
		ServerURL:      "http://127.0.0.1:1", // nothing listens here
		AgentKey:       "shared-key",
		ReconnectDelay: 10 * time.Millisecond,
		MaxAttempts:    3,
	})

	start := time.Now()
	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientZeroMaxAttemptsKeepsRetrying(t *testing.T) {
	c := newTestClient(t, Config{
		ServerURL:      "http://127.0.0.1:1",
		AgentKey:       "shared-key",
		ReconnectDelay: 10 * time.Millisecond,
		MaxAttempts:    0,
	})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("unlimited retries must not give up: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	c.Stop()
	require.NoError(t, <-done)
}
