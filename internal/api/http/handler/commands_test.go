package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternis/fleetctl/internal/dispatch"
	"github.com/eternis/fleetctl/internal/protocol"
	"github.com/eternis/fleetctl/internal/registry"
)

type stubDispatcher struct {
	result *protocol.ResultEnvelope
	err    error
	got    dispatch.Request
}

func (s *stubDispatcher) Dispatch(_ context.Context, req dispatch.Request) (*protocol.ResultEnvelope, error) {
	s.got = req
	return s.result, s.err
}

func postCommand(t *testing.T, d Dispatcher, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	h := NewCommandsHandler(d, nil)
	engine.POST("/api/v1/commands", func(c *gin.Context) {
		c.Set("user_id", "user-1")
		h.Dispatch(c)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestDispatchCommandSuccess(t *testing.T) {
	d := &stubDispatcher{result: &protocol.ResultEnvelope{
		CommandID:     "cmd-1",
		Command:       "uptime",
		ExitCode:      0,
		Stdout:        "up 5 days\n",
		ExecutionType: "local",
		Target:        "box-1",
		Status:        protocol.StatusSuccess,
		Timestamp:     time.Now().UTC(),
	}}

	w := postCommand(t, d, `{"agent_id":"agent-1","command":"uptime","timeout_seconds":10}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cmd-1", resp["command_id"])
	assert.Equal(t, "agent-1", resp["agent_id"])
	assert.Equal(t, float64(0), resp["exit_code"])

	assert.Equal(t, "user-1", d.got.RequesterID)
	assert.Equal(t, 10*time.Second, d.got.Timeout)
}

func TestDispatchCommandValidation(t *testing.T) {
	d := &stubDispatcher{}

	w := postCommand(t, d, `{"agent_id":"agent-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postCommand(t, d, `{"agent_id":"agent-1","command":"ls","execution_target":"teleport"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatchCommandErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{registry.ErrAgentNotFound, http.StatusNotFound},
		{registry.ErrAgentUnavailable, http.StatusConflict},
		{dispatch.ErrDispatchTimeout, http.StatusGatewayTimeout},
		{dispatch.ErrAgentDisconnected, http.StatusBadGateway},
	}

	for _, tc := range cases {
		w := postCommand(t, &stubDispatcher{err: tc.err}, `{"agent_id":"agent-1","command":"ls"}`)
		assert.Equal(t, tc.code, w.Code, "error %v", tc.err)
	}
}

func TestListCommandsWithoutHistory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	h := NewCommandsHandler(&stubDispatcher{}, nil)
	engine.GET("/api/v1/commands", h.List)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/commands", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
