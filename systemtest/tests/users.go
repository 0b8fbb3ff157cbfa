package tests

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternis/fleetctl/internal/api/http/dto"
)

func TestUsers(t *testing.T, router *gin.Engine) {
	adminLogin := dto.LoginRequest{Username: "root", Password: "changeme"}
	rr := doJSON(router, "POST", "/api/v1/auth/login", adminLogin)
	require.Equal(t, http.StatusOK, rr.Code)

	var adminResp dto.LoginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &adminResp))

	t.Run("list users as admin", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/v1/users", nil, adminResp.Token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListUsersResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.GreaterOrEqual(t, resp.Total, int64(1))
		assert.Equal(t, 1, resp.Page)
		assert.Equal(t, 20, resp.PageSize)
		assert.NotEmpty(t, resp.Users)
	})

	t.Run("list users with pagination", func(t *testing.T) {
		rr := doJSONWithAuth(router, "GET", "/api/v1/users?page=1&page_size=2", nil, adminResp.Token)
		assert.Equal(t, http.StatusOK, rr.Code)

		var resp dto.ListUsersResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Page)
		assert.Equal(t, 2, resp.PageSize)
	})

	t.Run("list users 403 for non-admin", func(t *testing.T) {
		regBody := dto.RegisterRequest{Username: "regularuser", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/register", regBody)
		require.Equal(t, http.StatusCreated, rr.Code)

		loginBody := dto.LoginRequest{Username: "regularuser", Password: "password123"}
		rr = doJSON(router, "POST", "/api/v1/auth/login", loginBody)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.LoginResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

		rr = doJSONWithAuth(router, "GET", "/api/v1/users", nil, resp.Token)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("delete own account", func(t *testing.T) {
		regBody := dto.RegisterRequest{Username: "shortlived", Password: "password123"}
		rr := doJSON(router, "POST", "/api/v1/auth/register", regBody)
		require.Equal(t, http.StatusCreated, rr.Code)

		loginBody := dto.LoginRequest{Username: "shortlived", Password: "password123"}
		rr = doJSON(router, "POST", "/api/v1/auth/login", loginBody)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp dto.LoginResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

		rr = doJSONWithAuth(router, "DELETE", "/api/v1/users/me", nil, resp.Token)
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = doJSON(router, "POST", "/api/v1/auth/login", loginBody)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
