package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eternis/fleetctl/internal/api/http/dto"
	"github.com/eternis/fleetctl/internal/users"
)

type UsersHandler struct {
	users *users.Service
}

func NewUsersHandler(userService *users.Service) *UsersHandler {
	return &UsersHandler{users: userService}
}

// List returns the user accounts, paginated. Admin only.
func (h *UsersHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	offset := (page - 1) * pageSize
	userList, total, err := h.users.ListUsers(c.Request.Context(), pageSize, offset)
	if err != nil {
		slog.Error("Failed to list users", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]dto.UserResponse, len(userList))
	for i, u := range userList {
		out[i] = dto.UserResponse{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role,
			CreatedAt: u.CreatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, dto.ListUsersResponse{
		Users:    out,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// Delete removes the calling user's own account.
func (h *UsersHandler) Delete(c *gin.Context) {
	if err := h.users.DeleteUser(c.Request.Context(), c.GetString("user_id")); err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		slog.Error("Failed to delete user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Status(http.StatusNoContent)
}
