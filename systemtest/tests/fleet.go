package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternis/fleetctl/internal/api/http/dto"
	"github.com/eternis/fleetctl/internal/executor"
	wsclient "github.com/eternis/fleetctl/internal/ws/client"
)

// TestFleet drives the full command path: a real agent process (in-process
// websocket client with a local executor) connects to the controller, a user
// dispatches a shell command over the API, and the persisted history reflects
// the outcome. serverURL is the controller's HTTP base URL.
func TestFleet(t *testing.T, router *gin.Engine, serverURL, agentKey string) {
	regBody := dto.RegisterRequest{Username: "fleetuser", Password: "password123"}
	rr := doJSON(router, "POST", "/api/v1/auth/register", regBody)
	require.Equal(t, http.StatusCreated, rr.Code)

	loginBody := dto.LoginRequest{Username: "fleetuser", Password: "password123"}
	rr = doJSON(router, "POST", "/api/v1/auth/login", loginBody)
	require.Equal(t, http.StatusOK, rr.Code)

	var login dto.LoginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &login))
	token := login.Token

	t.Run("no agents before any connect", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/v1/agents", nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListAgentsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.Total)
	})

	t.Run("agents endpoint requires auth", func(t *testing.T) {
		rr := doJSON(router, "GET", "/api/v1/agents", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	selector := executor.NewSelector(executor.NewLocal(nil), nil)
	client := wsclient.New(wsclient.Config{
		ServerURL: serverURL,
		AgentKey:  agentKey,
		Version:   "systemtest",
	}, selector, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(ctx) }()
	defer func() {
		client.Stop()
		<-clientDone
	}()

	var agentID string
	require.Eventually(t, func() bool {
		rr := doJSONWithAuth(router, "GET", "/api/v1/agents", nil, token)
		if rr.Code != http.StatusOK {
			return false
		}
		var resp dto.ListAgentsResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.Total != 1 {
			return false
		}
		agentID = resp.Agents[0].ID
		return resp.Agents[0].Status == "connected"
	}, 5*time.Second, 50*time.Millisecond, "agent never registered")

	t.Run("get agent by id", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/v1/agents/"+agentID, nil, token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.AgentResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, agentID, resp.ID)
		assert.NotEmpty(t, resp.Hostname)
	})

	t.Run("unknown agent 404", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/v1/agents/00000000-0000-0000-0000-000000000000", nil, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	var commandID string
	t.Run("dispatch command", func(t *testing.T) {
		body := dto.DispatchCommandRequest{
			AgentID:         agentID,
			Command:         "echo fleet-roundtrip",
			ExecutionTarget: "local",
			TimeoutSeconds:  10,
		}
		rr := doJSONWithAuth(router, "POST", "/api/v1/commands", body, token)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp dto.CommandResultResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 0, resp.ExitCode)
		assert.Contains(t, resp.Stdout, "fleet-roundtrip")
		assert.Equal(t, agentID, resp.AgentID)
		assert.NotEmpty(t, resp.CommandID)
		commandID = resp.CommandID
	})

	t.Run("command failure reported", func(t *testing.T) {
		body := dto.DispatchCommandRequest{
			AgentID:        agentID,
			Command:        "exit 3",
			TimeoutSeconds: 10,
		}
		rr := doJSONWithAuth(router, "POST", "/api/v1/commands", body, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.CommandResultResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 3, resp.ExitCode)
	})

	t.Run("unavailable executor fails fast", func(t *testing.T) {
		body := dto.DispatchCommandRequest{
			AgentID:         agentID,
			Command:         "echo never",
			ExecutionTarget: "ssh",
			TimeoutSeconds:  10,
		}
		rr := doJSONWithAuth(router, "POST", "/api/v1/commands", body, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.CommandResultResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, -1, resp.ExitCode)
		assert.Equal(t, "error", resp.Status)
	})

	t.Run("dispatch to unknown agent 404", func(t *testing.T) {
		body := dto.DispatchCommandRequest{
			AgentID: "00000000-0000-0000-0000-000000000000",
			Command: "echo never",
		}
		rr := doJSONWithAuth(router, "POST", "/api/v1/commands", body, token)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("history persisted", func(t *testing.T) {
		require.NotEmpty(t, commandID)

		// Recording happens off the dispatch path; give it a beat.
		require.Eventually(t, func() bool {
			rr := doJSONWithAuth(router, "GET", "/api/v1/commands/"+commandID, nil, token)
			if rr.Code != http.StatusOK {
				return false
			}
			var rec dto.CommandRecordResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
				return false
			}
			return rec.Status == "completed"
		}, 5*time.Second, 50*time.Millisecond)

		rr := doJSONWithAuth(router, "GET", "/api/v1/commands?agent_id="+agentID, nil, token)
		require.Equal(t, http.StatusOK, rr.Code)

		var list dto.ListCommandsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
		require.NotEmpty(t, list.Commands)

		found := false
		for _, rec := range list.Commands {
			if rec.ID == commandID {
				found = true
				assert.Equal(t, "echo fleet-roundtrip", rec.Command)
				require.NotNil(t, rec.ExitCode)
				assert.Equal(t, 0, *rec.ExitCode)
				assert.Contains(t, rec.Stdout, "fleet-roundtrip")
			}
		}
		assert.True(t, found, "dispatched command missing from history")
	})

	t.Run("agent drop fails dispatch", func(t *testing.T) {
		client.Stop()

		require.Eventually(t, func() bool {
			rr := doJSONWithAuth(router, "GET", "/api/v1/agents/"+agentID, nil, token)
			if rr.Code != http.StatusOK {
				return false
			}
			var resp dto.AgentResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				return false
			}
			return resp.Status == "disconnected"
		}, 5*time.Second, 50*time.Millisecond)

		body := dto.DispatchCommandRequest{AgentID: agentID, Command: "echo never"}
		rr := doJSONWithAuth(router, "POST", "/api/v1/commands", body, token)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}
