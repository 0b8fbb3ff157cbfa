package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eternis/fleetctl/internal/api/http/dto"
	"github.com/eternis/fleetctl/internal/commands"
	"github.com/eternis/fleetctl/internal/dispatch"
	"github.com/eternis/fleetctl/internal/protocol"
	"github.com/eternis/fleetctl/internal/registry"
)

// Dispatcher is the slice of the dispatch API this handler needs; tests stub
// it without a transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*protocol.ResultEnvelope, error)
}

type CommandsHandler struct {
	dispatcher Dispatcher
	history    *commands.Service
}

func NewCommandsHandler(dispatcher Dispatcher, history *commands.Service) *CommandsHandler {
	return &CommandsHandler{dispatcher: dispatcher, history: history}
}

// Dispatch runs a command on an agent and blocks until its terminal result.
func (h *CommandsHandler) Dispatch(c *gin.Context) {
	var req dto.DispatchCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		Command:         req.Command,
		AgentID:         req.AgentID,
		RequesterID:     c.GetString("user_id"),
		ExecutionTarget: req.ExecutionTarget,
		Timeout:         time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		case errors.Is(err, registry.ErrAgentUnavailable):
			c.JSON(http.StatusConflict, gin.H{"error": "agent is not connected"})
		case errors.Is(err, dispatch.ErrDispatchTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "command timed out"})
		case errors.Is(err, dispatch.ErrAgentDisconnected):
			c.JSON(http.StatusBadGateway, gin.H{"error": "agent disconnected during execution"})
		default:
			slog.Error("Failed to dispatch command", "agent_id", req.AgentID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.CommandResultResponse{
		CommandID:     res.CommandID,
		AgentID:       req.AgentID,
		Command:       res.Command,
		ExitCode:      res.ExitCode,
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
		ExecutionType: res.ExecutionType,
		Target:        res.Target,
		Status:        res.Status,
		Timestamp:     res.Timestamp,
	})
}

// List returns command history, newest first.
func (h *CommandsHandler) List(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command history is not configured"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, err := h.history.List(c.Request.Context(), c.Query("agent_id"), limit, offset)
	if err != nil {
		slog.Error("Failed to list commands", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]dto.CommandRecordResponse, len(records))
	for i, rec := range records {
		out[i] = toCommandRecordResponse(rec)
	}
	c.JSON(http.StatusOK, dto.ListCommandsResponse{Commands: out})
}

// Get returns one command record by id.
func (h *CommandsHandler) Get(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command history is not configured"})
		return
	}

	rec, err := h.history.GetByID(c.Request.Context(), c.Param("command_id"))
	if err != nil {
		if errors.Is(err, commands.ErrCommandNotFound) || errors.Is(err, commands.ErrInvalidCommandID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
			return
		}
		slog.Error("Failed to get command", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, toCommandRecordResponse(*rec))
}

func toCommandRecordResponse(rec commands.Command) dto.CommandRecordResponse {
	return dto.CommandRecordResponse{
		ID:              rec.ID,
		AgentID:         rec.AgentID,
		RequesterID:     rec.RequesterID,
		Command:         rec.Command,
		ExecutionTarget: rec.ExecutionTarget,
		Status:          rec.Status,
		ExitCode:        rec.ExitCode,
		Stdout:          rec.Stdout,
		Stderr:          rec.Stderr,
		ExecutionType:   rec.ExecutionType,
		Target:          rec.Target,
		FailureReason:   rec.FailureReason,
		DispatchedAt:    rec.DispatchedAt,
		CompletedAt:     rec.CompletedAt,
	}
}
