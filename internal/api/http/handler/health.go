package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eternis/fleetctl/internal/api/http/dto"
	"github.com/eternis/fleetctl/internal/registry"
)

type HealthHandler struct {
	registry *registry.Registry
}

func NewHealthHandler(reg *registry.Registry) *HealthHandler {
	return &HealthHandler{registry: reg}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	connected := 0
	if h.registry != nil {
		for _, rec := range h.registry.List() {
			if rec.Connected() {
				connected++
			}
		}
	}
	ctx.JSON(http.StatusOK, dto.HealthResponse{Status: "ok", AgentsConnected: connected})
}
