package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternis/fleetctl/internal/agents"
	"github.com/eternis/fleetctl/internal/api/http/dto"
	"github.com/eternis/fleetctl/internal/protocol"
	"github.com/eternis/fleetctl/internal/registry"
)

type noopRoute struct{}

func (noopRoute) Deliver(protocol.Message) error { return nil }

// stubAgentStore is an in-memory AgentReader standing in for the database.
type stubAgentStore struct {
	rows []agents.Agent
}

func (s *stubAgentStore) ListAgents(context.Context) ([]agents.Agent, error) {
	return s.rows, nil
}

func (s *stubAgentStore) GetAgentByID(_ context.Context, agentID string) (*agents.Agent, error) {
	for i := range s.rows {
		if s.rows[i].ID == agentID {
			return &s.rows[i], nil
		}
	}
	return nil, agents.ErrAgentNotFound
}

func newAgentsEngine(t *testing.T, store AgentReader) (*registry.Registry, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(time.Minute, nil)
	t.Cleanup(reg.Stop)

	engine := gin.New()
	h := NewAgentsHandler(reg, store)
	engine.GET("/api/v1/agents", h.List)
	engine.GET("/api/v1/agents/:agent_id", h.Get)
	return reg, engine
}

func TestListAgents(t *testing.T) {
	reg, engine := newAgentsEngine(t, nil)
	reg.Register("agent-1", noopRoute{},
		[]protocol.Capability{{CommandType: "local"}, {CommandType: "ssh"}},
		protocol.ConnectionInfo{Hostname: "box-1", Platform: "linux"})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListAgentsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "agent-1", resp.Agents[0].ID)
	assert.Equal(t, "connected", resp.Agents[0].Status)
	assert.Equal(t, []string{"local", "ssh"}, resp.Agents[0].Capabilities)
}

func TestGetAgent(t *testing.T) {
	reg, engine := newAgentsEngine(t, nil)
	reg.Register("agent-1", noopRoute{}, nil, protocol.ConnectionInfo{Hostname: "box-1"})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/agent-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.AgentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "box-1", resp.Hostname)
}

func TestGetDisconnectedAgentStillVisible(t *testing.T) {
	reg, engine := newAgentsEngine(t, nil)
	route := noopRoute{}
	reg.Register("agent-1", route, nil, protocol.ConnectionInfo{})
	reg.Unregister("agent-1", route)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/agent-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.AgentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "disconnected", resp.Status)
}

func TestGetUnknownAgent(t *testing.T) {
	_, engine := newAgentsEngine(t, nil)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListIncludesStoredAgents(t *testing.T) {
	// agent-1 is live, agent-2 only exists in the database (registered before
	// this controller started). Both must be listed; the registry wins for
	// the live one, and the stale "connected" status the row carries for
	// agent-2 must not leak through.
	store := &stubAgentStore{rows: []agents.Agent{
		{ID: "agent-1", Hostname: "stale-name", Status: "connected"},
		{ID: "agent-2", Hostname: "old-box", Platform: "linux", Status: "connected"},
	}}
	reg, engine := newAgentsEngine(t, store)
	reg.Register("agent-1", noopRoute{}, nil, protocol.ConnectionInfo{Hostname: "box-1"})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListAgentsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Total)

	byID := make(map[string]dto.AgentResponse, len(resp.Agents))
	for _, a := range resp.Agents {
		byID[a.ID] = a
	}
	assert.Equal(t, "connected", byID["agent-1"].Status)
	assert.Equal(t, "box-1", byID["agent-1"].Hostname)
	assert.Equal(t, "disconnected", byID["agent-2"].Status)
	assert.Equal(t, "old-box", byID["agent-2"].Hostname)
}

func TestGetFallsBackToStoredAgent(t *testing.T) {
	store := &stubAgentStore{rows: []agents.Agent{
		{ID: "agent-2", Hostname: "old-box", Status: "connected"},
	}}
	_, engine := newAgentsEngine(t, store)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/agents/agent-2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.AgentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "agent-2", resp.ID)
	assert.Equal(t, "old-box", resp.Hostname)
	assert.Equal(t, "disconnected", resp.Status)
}
