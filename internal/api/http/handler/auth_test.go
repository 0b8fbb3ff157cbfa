package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternis/fleetctl/internal/auth"
)

func newAuthEngine(t *testing.T, cfg auth.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	h := NewAuthHandler(auth.NewService(nil, cfg))
	engine.POST("/api/v1/agents/token", h.AgentToken)
	return engine
}

func postJSON(engine *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestAgentTokenIssued(t *testing.T) {
	cfg := auth.Config{Secret: "test-secret", AgentKey: "fleet-key", AgentTokenTTL: time.Minute}
	engine := newAuthEngine(t, cfg)

	w := postJSON(engine, "/api/v1/agents/token", `{"agent_key":"fleet-key","agent_id":"agent-1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])

	claims, err := auth.ValidateToken(cfg.Secret, resp["token"])
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAgent, claims.Role)
	assert.Equal(t, "agent-1", claims.Subject)
}

func TestAgentTokenWrongKey(t *testing.T) {
	engine := newAuthEngine(t, auth.Config{Secret: "test-secret", AgentKey: "fleet-key"})

	w := postJSON(engine, "/api/v1/agents/token", `{"agent_key":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAgentTokenMissingKey(t *testing.T) {
	engine := newAuthEngine(t, auth.Config{Secret: "test-secret", AgentKey: "fleet-key"})

	w := postJSON(engine, "/api/v1/agents/token", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
