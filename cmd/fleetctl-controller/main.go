package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/eternis/fleetctl/internal/agents"
	internalhttp "github.com/eternis/fleetctl/internal/api/http"
	"github.com/eternis/fleetctl/internal/auth"
	"github.com/eternis/fleetctl/internal/commands"
	"github.com/eternis/fleetctl/internal/db"
	"github.com/eternis/fleetctl/internal/dispatch"
	"github.com/eternis/fleetctl/internal/registry"
	"github.com/eternis/fleetctl/internal/transport"
	"github.com/eternis/fleetctl/internal/users"
	wsserver "github.com/eternis/fleetctl/internal/ws/server"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Fleetctl Controller", "version", AppVersion)

	ctx := context.Background()

	if err := db.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	pool, err := db.InitDB(ctx, config.Database.Url, config.Database.Schema)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	authConfig := auth.Config{
		Secret:        config.Auth.JwtSecret,
		TTL:           config.Auth.TokenTTL,
		AgentKey:      config.Auth.AgentKey,
		AgentTokenTTL: config.Auth.AgentTokenTTL,
	}
	userService := users.NewService(pool)
	authService := auth.NewService(userService, authConfig)
	agentService := agents.NewService(pool)
	commandService := commands.NewService(pool, nil)

	reg := registry.New(config.Fleet.SilenceWindow, nil)
	defer reg.Stop()

	router, err := buildRouter()
	if err != nil {
		slog.Error("Failed to start transport", "error", err)
		os.Exit(1)
	}
	defer router.Close()

	dispatcher := dispatch.New(reg, router, commandService, nil)
	dispatcher.SetDefaultTimeout(config.Fleet.DispatchTimeout)
	dispatch.NewProgressRelay(dispatcher, router, nil)

	ws := wsserver.New(reg, router, authService, agentService, nil)
	if config.Transport.Mode == "fanout" {
		ws.SubscribeLifecycle()
	}

	services := &internalhttp.Services{
		Auth:       authService,
		AuthConfig: authConfig,
		Users:      userService,
		Registry:   reg,
		Agents:     agentService,
		Dispatcher: dispatcher,
		History:    commandService,
		WSServer:   ws,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins(),
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	slog.Info("Shutdown complete")
}

// buildRouter picks the transport backend from config: a single controller
// runs on the in-process router, a fleet of controllers shares an MQTT
// broker.
func buildRouter() (transport.Router, error) {
	switch config.Transport.Mode {
	case "", "local":
		return transport.NewLocalRouter(nil), nil
	case "fanout":
		return transport.NewFanoutRouter(transport.FanoutConfig{
			BrokerURL: config.Transport.BrokerURL,
			ClientID:  config.Transport.ClientID,
			Username:  config.Transport.Username,
			Password:  config.Transport.Password,
		}, nil)
	default:
		return nil, fmt.Errorf("unknown transport mode %q", config.Transport.Mode)
	}
}

func allowedOrigins() []string {
	if len(config.Http.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return config.Http.AllowedOrigins
}
