package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eternis/fleetctl/internal/executor"
	wsclient "github.com/eternis/fleetctl/internal/ws/client"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Fleetctl Agent", "version", AppVersion, "agent_id", config.Agent.ID)

	localExec := executor.NewLocal(nil)

	var sshExec executor.Executor
	if config.SSH.Enabled {
		sshExec = executor.NewSSH(executor.SSHConfig{
			Enabled:  true,
			Host:     config.SSH.Host,
			Port:     config.SSH.Port,
			Username: config.SSH.Username,
			Password: config.SSH.Password,
			KeyPath:  config.SSH.KeyPath,
			Timeout:  config.SSH.Timeout,
		}, nil)
	}
	selector := executor.NewSelector(localExec, sshExec)

	client := wsclient.New(wsclient.Config{
		ServerURL:         config.Controller.URL,
		AgentKey:          config.Controller.AgentKey,
		AgentID:           config.Agent.ID,
		ConfigPath:        configFile,
		Version:           AppVersion,
		HeartbeatInterval: config.Agent.HeartbeatInterval,
		ReconnectDelay:    config.Agent.ReconnectDelay,
		MaxAttempts:       config.Agent.MaxReconnectAttempts,
	}, selector, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
		client.Stop()
		<-runErr

	case err := <-runErr:
		if err != nil {
			if errors.Is(err, wsclient.ErrReconnectExhausted) {
				slog.Error("Controller unreachable, giving up", "error", err)
			} else {
				slog.Error("Agent stopped", "error", err)
			}
			os.Exit(1)
		}
	}

	slog.Info("Shutdown complete")
}
