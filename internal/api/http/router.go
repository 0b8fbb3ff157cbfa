package http

import (
	"github.com/gin-gonic/gin"

	"github.com/eternis/fleetctl/internal/agents"
	"github.com/eternis/fleetctl/internal/api/http/handler"
	"github.com/eternis/fleetctl/internal/api/http/middleware"
	"github.com/eternis/fleetctl/internal/auth"
	"github.com/eternis/fleetctl/internal/commands"
	"github.com/eternis/fleetctl/internal/registry"
	"github.com/eternis/fleetctl/internal/users"
	wsserver "github.com/eternis/fleetctl/internal/ws/server"
)

type Services struct {
	Auth       *auth.Service
	AuthConfig auth.Config
	Users      *users.Service
	Registry   *registry.Registry
	Agents     *agents.Service
	Dispatcher handler.Dispatcher
	History    *commands.Service
	WSServer   *wsserver.Server
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Registry)
	engine.GET("/health", healthHandler.Check)

	if srvs.WSServer != nil {
		engine.GET("/ws/agent", srvs.WSServer.Handle)
	}

	api := engine.Group("/api/v1")

	authHandler := handler.NewAuthHandler(srvs.Auth)
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/agents/token", authHandler.AgentToken)

	protected := api.Group("")
	protected.Use(middleware.JWTAuth(srvs.AuthConfig.Secret))

	// A typed nil must not reach the handler as a non-nil interface.
	var agentStore handler.AgentReader
	if srvs.Agents != nil {
		agentStore = srvs.Agents
	}
	agentsHandler := handler.NewAgentsHandler(srvs.Registry, agentStore)
	protected.GET("/agents", agentsHandler.List)
	protected.GET("/agents/:agent_id", agentsHandler.Get)

	commandsHandler := handler.NewCommandsHandler(srvs.Dispatcher, srvs.History)
	protected.POST("/commands", commandsHandler.Dispatch)
	protected.GET("/commands", commandsHandler.List)
	protected.GET("/commands/:command_id", commandsHandler.Get)

	if srvs.Users != nil {
		usersHandler := handler.NewUsersHandler(srvs.Users)
		protected.GET("/users", middleware.RequireRole(auth.RoleAdmin), usersHandler.List)
		protected.DELETE("/users/me", usersHandler.Delete)
	}
}
