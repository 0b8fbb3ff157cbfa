// Package client is the agent side of the controller link: it authenticates,
// keeps one persistent websocket open, re-registers under the same durable
// agent id after every reconnect, and runs each incoming command in its own
// goroutine so a long command never blocks the link.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/eternis/fleetctl/internal/executor"
	"github.com/eternis/fleetctl/internal/protocol"
)

// State is the connection lifecycle phase, visible for tests and status
// reporting.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
)

// ErrReconnectExhausted is the fatal error returned by Run when the reconnect
// budget is spent. The process should exit non-zero on it.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

const (
	sendChannelBuffer  = 100
	progressBuffer     = 16
	ackWait            = 10 * time.Second
	resultSendTimeout  = 5 * time.Second
	defaultHeartbeat   = 20 * time.Second
	defaultReconnect   = 5 * time.Second
	tokenRequestWindow = 10 * time.Second
)

type Config struct {
	// ServerURL is the controller's HTTP base URL, e.g. http://host:8080.
	ServerURL string

	// AgentKey is the shared credential exchanged for a short-lived token on
	// every (re)connect.
	AgentKey string

	// AgentID is the durable logical id. Empty on first ever connect; the
	// controller allocates one and the client persists it to ConfigPath.
	AgentID string

	// ConfigPath, when set, is the YAML config file the assigned agent id is
	// written back to.
	ConfigPath string

	Version           string
	HeartbeatInterval time.Duration

	// ReconnectDelay is the fixed pause between attempts. No backoff: the
	// controller being down for a while costs the same delay every round.
	ReconnectDelay time.Duration

	// MaxAttempts bounds consecutive failed connection attempts; 0 means
	// unlimited. A successful connect resets the count.
	MaxAttempts int
}

type Client struct {
	cfg      Config
	selector *executor.Selector
	httpc    *http.Client
	logger   *slog.Logger

	sendCh chan protocol.Message
	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.RWMutex
	agentID string
	state   State
	stopped bool
}

func New(cfg Config, selector *executor.Selector, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnect
	}
	return &Client{
		cfg:      cfg,
		selector: selector,
		httpc:    &http.Client{Timeout: tokenRequestWindow},
		logger:   logger,
		sendCh:   make(chan protocol.Message, sendChannelBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		agentID:  cfg.AgentID,
		state:    StateDisconnected,
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stop shuts the client down and waits for the connection loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

// Run drives the connection until Stop is called or the reconnect budget is
// exhausted. Exhaustion is fatal: the error is returned and the agent process
// is expected to exit non-zero.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.doneCh)
	defer c.setState(StateDisconnected)

	attempts := 0
	for {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		connected, err := c.runOnce(ctx)
		if err == nil {
			// Clean stop from inside the session.
			return nil
		}
		if connected {
			// A session that actually established resets the budget; the
			// bound is on consecutive failed attempts.
			attempts = 0
		}

		attempts++
		if c.cfg.MaxAttempts > 0 && attempts >= c.cfg.MaxAttempts {
			c.logger.Error("giving up on controller",
				"attempts", attempts,
				"max_attempts", c.cfg.MaxAttempts,
				"error", err)
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, err)
		}

		c.setState(StateReconnecting)
		c.logger.Warn("connection lost, reconnecting",
			"attempt", attempts,
			"delay", c.cfg.ReconnectDelay,
			"error", err)

		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce performs one full session: authenticate, connect, register, pump
// until the link breaks. connected reports whether the session was fully
// established before failing; a nil error means the client was stopped on
// purpose.
func (c *Client) runOnce(ctx context.Context) (connected bool, err error) {
	c.setState(StateAuthenticating)

	token, err := c.authenticate(ctx)
	if err != nil {
		return false, fmt.Errorf("authenticate: %w", err)
	}

	ws, err := c.dial(token)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	if err := c.register(ws); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}

	c.setState(StateConnected)
	c.logger.Info("connected to controller", "agent_id", c.AgentID(), "server", c.cfg.ServerURL)

	return true, c.pump(ctx, ws)
}

// authenticate trades the long-lived agent key for a short-lived token.
func (c *Client) authenticate(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"agent_key": c.cfg.AgentKey,
		"agent_id":  c.AgentID(),
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimSuffix(c.cfg.ServerURL, "/") + "/api/v1/agents/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("token endpoint returned an empty token")
	}
	return out.Token, nil
}

func (c *Client) dial(token string) (*websocket.Conn, error) {
	wsURL := strings.TrimSuffix(c.cfg.ServerURL, "/") + "/ws/agent"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return ws, nil
}

// register sends the registration frame and waits for the ack carrying the
// durable agent id. A newly allocated id is persisted so the next process
// start reconnects as the same logical agent.
func (c *Client) register(ws *websocket.Conn) error {
	hostname, _ := os.Hostname()
	msg, err := protocol.NewMessage(protocol.MessageRegister, protocol.Registration{
		AgentID:      c.AgentID(),
		Capabilities: c.capabilities(),
		ConnectionInfo: protocol.ConnectionInfo{
			Hostname: hostname,
			Platform: runtime.GOOS,
			Version:  c.cfg.Version,
		},
	})
	if err != nil {
		return err
	}
	if err := ws.WriteJSON(msg); err != nil {
		return err
	}

	_ = ws.SetReadDeadline(time.Now().Add(ackWait))
	var ackMsg protocol.Message
	if err := ws.ReadJSON(&ackMsg); err != nil {
		return fmt.Errorf("await ack: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	if ackMsg.Type != protocol.MessageRegisterAck {
		return fmt.Errorf("expected registration ack, got %s", ackMsg.Type)
	}
	var ack protocol.RegistrationAck
	if err := ackMsg.Decode(&ack); err != nil {
		return err
	}
	if ack.Status != "ok" {
		return fmt.Errorf("registration rejected: %s", ack.Message)
	}

	if ack.AgentID != c.AgentID() {
		c.mu.Lock()
		c.agentID = ack.AgentID
		c.mu.Unlock()

		if c.cfg.ConfigPath != "" {
			if err := c.saveAgentID(ack.AgentID); err != nil {
				c.logger.Error("failed to persist agent id", "error", err)
			} else {
				c.logger.Info("agent id persisted", "agent_id", ack.AgentID, "config_path", c.cfg.ConfigPath)
			}
		}
	}
	return nil
}

func (c *Client) capabilities() []protocol.Capability {
	caps := []protocol.Capability{{CommandType: protocol.TargetLocal, Description: "host shell"}}
	if sshExec, err := c.selector.Select(protocol.TargetSSH); err == nil && sshExec != nil {
		caps = append(caps, protocol.Capability{CommandType: protocol.TargetSSH, Description: "remote shell over ssh"})
	}
	return caps
}

// pump runs the session's read, write, and heartbeat loops until one of them
// fails or the client stops. A nil return means a deliberate stop.
func (c *Client) pump(ctx context.Context, ws *websocket.Conn) error {
	done := make(chan struct{})
	errCh := make(chan error, 3)
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }
	defer closeDone()

	go c.readLoop(ctx, ws, done, errCh)
	go c.writeLoop(ws, done, errCh)
	go c.heartbeatLoop(done, errCh)

	select {
	case err := <-errCh:
		return err
	case <-c.stopCh:
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, done chan struct{}, errCh chan error) {
	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			select {
			case errCh <- err:
			case <-done:
			}
			return
		}

		switch msg.Type {
		case protocol.MessageCommand:
			var env protocol.CommandEnvelope
			if err := msg.Decode(&env); err != nil {
				c.logger.Warn("dropping malformed command", "error", err)
				continue
			}
			go c.runCommand(ctx, env)

		case protocol.MessageError:
			c.logger.Warn("controller reported an error", "payload", string(msg.Payload))

		default:
			c.logger.Debug("ignoring frame", "type", msg.Type)
		}
	}
}

func (c *Client) writeLoop(ws *websocket.Conn, done chan struct{}, errCh chan error) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.sendCh:
			if err := ws.WriteJSON(msg); err != nil {
				select {
				case errCh <- err:
				case <-done:
				}
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(done chan struct{}, errCh chan error) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			hb, err := protocol.NewMessage(protocol.MessageHeartbeat, protocol.Heartbeat{
				AgentID:   c.AgentID(),
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				continue
			}
			if !c.send(hb) {
				select {
				case errCh <- errors.New("send queue full, link presumed dead"):
				case <-done:
				}
				return
			}
		}
	}
}

func (c *Client) send(msg protocol.Message) bool {
	select {
	case c.sendCh <- msg:
		return true
	default:
		return false
	}
}

// runCommand executes one command and sends back progress plus exactly one
// terminal result. It runs on its own goroutine; a slow or hung command never
// stalls the link.
func (c *Client) runCommand(ctx context.Context, env protocol.CommandEnvelope) {
	c.logger.Info("command received",
		"command_id", env.CommandID,
		"target", env.ExecutionTarget,
		"command", env.Command)

	ex, err := c.selector.Select(env.ExecutionTarget)
	if err != nil {
		c.sendResult(protocol.ResultEnvelope{
			CommandID:   env.CommandID,
			RequesterID: env.RequesterID,
			Command:     env.Command,
			ExitCode:    -1,
			Stderr:      err.Error(),
			Target:      env.ExecutionTarget,
			Status:      protocol.StatusError,
			Timestamp:   time.Now().UTC(),
		})
		return
	}

	progress := make(chan protocol.ProgressEnvelope, progressBuffer)
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		for ev := range progress {
			ev.CommandID = env.CommandID
			ev.RequesterID = env.RequesterID
			msg, err := protocol.NewMessage(protocol.MessageProgress, ev)
			if err != nil {
				continue
			}
			// Progress is best effort; if the queue is full the event is lost.
			c.send(msg)
		}
	}()

	res := ex.Execute(ctx, env.CommandID, env.Command, progress)
	close(progress)
	<-fwdDone

	res.RequesterID = env.RequesterID
	c.sendResult(*res)
}

func (c *Client) sendResult(res protocol.ResultEnvelope) {
	msg, err := protocol.NewMessage(protocol.MessageResult, res)
	if err != nil {
		c.logger.Error("failed to encode result", "command_id", res.CommandID, "error", err)
		return
	}
	select {
	case c.sendCh <- msg:
	case <-c.stopCh:
	case <-time.After(resultSendTimeout):
		c.logger.Error("result send timed out", "command_id", res.CommandID)
	}
}

// saveAgentID writes the assigned agent id back into the YAML config so the
// next start reconnects as the same logical agent.
func (c *Client) saveAgentID(agentID string) error {
	config := map[string]any{}
	if data, err := os.ReadFile(c.cfg.ConfigPath); err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config: %w", err)
	}

	agentSection, ok := config["agent"].(map[string]any)
	if !ok {
		agentSection = map[string]any{}
		config["agent"] = agentSection
	}
	agentSection["id"] = agentID

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.cfg.ConfigPath, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
