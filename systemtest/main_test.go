package systemtest

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	internalhttp "github.com/eternis/fleetctl/internal/api/http"
	"github.com/eternis/fleetctl/internal/agents"
	"github.com/eternis/fleetctl/internal/auth"
	"github.com/eternis/fleetctl/internal/commands"
	"github.com/eternis/fleetctl/internal/db"
	"github.com/eternis/fleetctl/internal/dispatch"
	"github.com/eternis/fleetctl/internal/registry"
	"github.com/eternis/fleetctl/internal/transport"
	"github.com/eternis/fleetctl/internal/users"
	wsserver "github.com/eternis/fleetctl/internal/ws/server"
	"github.com/eternis/fleetctl/systemtest/postgres"
	"github.com/eternis/fleetctl/systemtest/tests"
)

const (
	testSchema   = "fleetctl"
	testSecret   = "systemtest-jwt-secret"
	testAgentKey = "systemtest-agent-key"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping system test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "fleetctl", "fleetctl", "fleetctl")
	if err != nil {
		t.Skipf("docker unavailable, skipping system test: %v", err)
	}
	t.Cleanup(func() {
		if err := postgres.TerminatePostgres(ctx, container); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(dbURL, testSchema))

	pool, err := db.InitDB(ctx, dbURL, testSchema)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	authConfig := auth.Config{
		Secret:   testSecret,
		AgentKey: testAgentKey,
	}
	userService := users.NewService(pool)
	authService := auth.NewService(userService, authConfig)
	agentService := agents.NewService(pool)
	commandService := commands.NewService(pool, nil)

	reg := registry.New(60*time.Second, nil)
	t.Cleanup(reg.Stop)

	router := transport.NewLocalRouter(nil)
	dispatcher := dispatch.New(reg, router, commandService, nil)
	dispatch.NewProgressRelay(dispatcher, router, nil)
	ws := wsserver.New(reg, router, authService, agentService, nil)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		Auth:       authService,
		AuthConfig: authConfig,
		Users:      userService,
		Registry:   reg,
		Agents:     agentService,
		Dispatcher: dispatcher,
		History:    commandService,
		WSServer:   ws,
	})

	// A real listener for the agent's websocket; API subtests go through the
	// engine directly.
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	t.Run("Register", func(t *testing.T) { tests.TestRegister(t, engine, testSecret) })
	t.Run("Login", func(t *testing.T) { tests.TestLogin(t, engine, testSecret) })
	t.Run("AgentToken", func(t *testing.T) { tests.TestAgentToken(t, engine, testAgentKey) })
	t.Run("Users", func(t *testing.T) { tests.TestUsers(t, engine) })
	t.Run("Fleet", func(t *testing.T) { tests.TestFleet(t, engine, server.URL, testAgentKey) })
}
