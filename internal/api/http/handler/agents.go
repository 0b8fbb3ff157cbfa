package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eternis/fleetctl/internal/agents"
	"github.com/eternis/fleetctl/internal/api/http/dto"
	"github.com/eternis/fleetctl/internal/registry"
)

// AgentReader serves the durable agent records. Implemented by the agents
// service; nil limits the API to live registry state.
type AgentReader interface {
	ListAgents(ctx context.Context) ([]agents.Agent, error)
	GetAgentByID(ctx context.Context, agentID string) (*agents.Agent, error)
}

type AgentsHandler struct {
	registry *registry.Registry
	store    AgentReader
}

func NewAgentsHandler(reg *registry.Registry, store AgentReader) *AgentsHandler {
	return &AgentsHandler{registry: reg, store: store}
}

// List merges durable records into the live registry view. The registry wins
// for any agent it knows; rows only the store remembers predate this
// controller's start, so they surface with what the store has.
func (h *AgentsHandler) List(c *gin.Context) {
	records := h.registry.List()

	out := make([]dto.AgentResponse, 0, len(records))
	live := make(map[string]bool, len(records))
	for _, rec := range records {
		out = append(out, toAgentResponse(rec))
		live[rec.AgentID] = true
	}

	if h.store != nil {
		rows, err := h.store.ListAgents(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
			return
		}
		for _, row := range rows {
			if live[row.ID] {
				continue
			}
			out = append(out, storedAgentResponse(row))
		}
	}

	c.JSON(http.StatusOK, dto.ListAgentsResponse{Agents: out, Total: len(out)})
}

func (h *AgentsHandler) Get(c *gin.Context) {
	agentID := c.Param("agent_id")

	rec, err := h.registry.Resolve(agentID)
	if err == nil {
		c.JSON(http.StatusOK, toAgentResponse(rec))
		return
	}

	// Unavailable agents still have a record worth showing.
	for _, candidate := range h.registry.List() {
		if candidate.AgentID == agentID {
			c.JSON(http.StatusOK, toAgentResponse(candidate))
			return
		}
	}

	if h.store != nil {
		row, err := h.store.GetAgentByID(c.Request.Context(), agentID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, storedAgentResponse(*row))
			return
		case errors.Is(err, agents.ErrAgentNotFound), errors.Is(err, agents.ErrInvalidAgentID):
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
}

func toAgentResponse(rec registry.Record) dto.AgentResponse {
	caps := make([]string, len(rec.Capabilities))
	for i, capability := range rec.Capabilities {
		caps[i] = capability.CommandType
	}
	return dto.AgentResponse{
		ID:            rec.AgentID,
		Status:        string(rec.Status),
		Hostname:      rec.TargetInfo.Hostname,
		Platform:      rec.TargetInfo.Platform,
		Version:       rec.TargetInfo.Version,
		Capabilities:  caps,
		ConnectedAt:   rec.ConnectedAt,
		LastHeartbeat: rec.LastHeartbeat,
	}
}

// storedAgentResponse maps a durable row with no live registry record. Nothing
// can route to it from this process, so it reads as disconnected no matter
// what status the row last persisted.
func storedAgentResponse(a agents.Agent) dto.AgentResponse {
	return dto.AgentResponse{
		ID:            a.ID,
		Status:        string(registry.StatusDisconnected),
		Hostname:      a.Hostname,
		Platform:      a.Platform,
		Version:       a.Version,
		Capabilities:  []string{},
		ConnectedAt:   a.RegisteredAt,
		LastHeartbeat: a.LastSeenAt,
	}
}
