// Package server accepts agent websocket connections on the controller,
// registers them with the registry, and bridges frames between the socket and
// the transport layer. The registry's Route for a locally connected agent is
// the connection's send queue; commands arriving on the transport for an agent
// this process owns are pushed down its socket.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/eternis/fleetctl/internal/protocol"
	"github.com/eternis/fleetctl/internal/registry"
	"github.com/eternis/fleetctl/internal/transport"
)

const registerWait = 10 * time.Second

// TokenValidator checks the bearer token an agent presents on connect and
// returns the subject it was issued to. Implemented by the auth service.
type TokenValidator interface {
	ValidateAgentToken(token string) (subject string, err error)
}

// AgentStore persists agent metadata. Implemented by the agents service; nil
// disables persistence.
type AgentStore interface {
	UpsertAgent(ctx context.Context, agentID string, info protocol.ConnectionInfo) error
	UpdateLastSeen(ctx context.Context, agentID string, seen time.Time) error
	UpdateStatus(ctx context.Context, agentID string, status string) error
}

type Server struct {
	registry *registry.Registry
	router   transport.Router
	tokens   TokenValidator
	store    AgentStore
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(reg *registry.Registry, router transport.Router, tokens TokenValidator, store AgentStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: reg,
		router:   router,
		tokens:   tokens,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}

	// Commands published for agents this controller owns get pushed down the
	// agent's socket. Agents owned by peer controllers have no local route
	// and are skipped; their own controller sees the same event.
	router.Subscribe(transport.EventCommands, s.onCommand)

	return s
}

// Handle upgrades an authenticated agent request to a websocket and runs the
// connection until it drops.
func (s *Server) Handle(c *gin.Context) {
	if s.tokens != nil {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if _, err := s.tokens.ValidateAgentToken(token); err != nil {
			s.logger.Warn("agent token rejected", "error", err, "remote", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", c.ClientIP())
		return
	}

	s.serve(ws)
}

func (s *Server) serve(ws *websocket.Conn) {
	conn := newConn(ws)
	defer conn.close()

	ws.SetReadLimit(maxMessageSize)

	// First frame must be a registration, within a bounded window.
	_ = ws.SetReadDeadline(time.Now().Add(registerWait))
	var first protocol.Message
	if err := ws.ReadJSON(&first); err != nil {
		s.logger.Warn("agent closed before registering", "error", err)
		return
	}
	if first.Type != protocol.MessageRegister {
		s.logger.Warn("first frame was not a registration", "type", first.Type)
		s.sendError(conn, "first frame must be a registration")
		return
	}

	var reg protocol.Registration
	if err := first.Decode(&reg); err != nil {
		s.logger.Warn("malformed registration", "error", err)
		s.sendError(conn, "malformed registration")
		return
	}

	rec, displaced := s.registry.Register(reg.AgentID, conn, reg.Capabilities, reg.ConnectionInfo)
	conn.agentID = rec.AgentID

	// An agent reconnecting under the same id displaces its old connection.
	// Tear it down now instead of waiting for its read deadline; Unregister's
	// stale-route check keeps the teardown from touching the fresh record.
	if old, ok := displaced.(*Conn); ok {
		old.close()
	}

	go conn.writePump()

	ack, err := protocol.NewMessage(protocol.MessageRegisterAck, protocol.RegistrationAck{
		AgentID: rec.AgentID,
		Status:  "ok",
	})
	if err == nil {
		err = conn.Deliver(ack)
	}
	if err != nil {
		s.logger.Error("failed to ack registration", "agent_id", rec.AgentID, "error", err)
		s.registry.Unregister(rec.AgentID, conn)
		return
	}

	s.persistRegistration(rec.AgentID, reg.ConnectionInfo)
	s.emitLifecycle(protocol.MessageAgentConnected, rec.AgentID, reg)

	s.readPump(conn)

	s.registry.Unregister(rec.AgentID, conn)
	s.emitLifecycle(protocol.MessageAgentDisconnected, rec.AgentID, protocol.Registration{})
	s.persistStatus(rec.AgentID, string(registry.StatusDisconnected))
}

// readPump consumes agent frames until the socket errors out.
func (s *Server) readPump(conn *Conn) {
	ws := conn.ws
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("agent connection error", "agent_id", conn.agentID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case protocol.MessageHeartbeat:
			s.registry.Heartbeat(conn.agentID)
			s.persistLastSeen(conn.agentID)
			// Peer controllers mirroring this agent refresh their records
			// from the same frame.
			if err := s.router.Emit(context.Background(), transport.EventAgentEvents, conn.agentID, msg); err != nil {
				s.logger.Debug("heartbeat emit failed", "agent_id", conn.agentID, "error", err)
			}

		case protocol.MessageProgress:
			var env protocol.ProgressEnvelope
			if err := msg.Decode(&env); err != nil {
				s.logger.Warn("dropping malformed progress frame", "agent_id", conn.agentID, "error", err)
				continue
			}
			if err := s.router.Emit(context.Background(), transport.EventProgress, env.RequesterID, msg); err != nil {
				s.logger.Debug("progress emit failed", "command_id", env.CommandID, "error", err)
			}

		case protocol.MessageResult:
			var env protocol.ResultEnvelope
			if err := msg.Decode(&env); err != nil {
				s.logger.Warn("dropping malformed result frame", "agent_id", conn.agentID, "error", err)
				continue
			}
			s.registry.SetStatus(conn.agentID, registry.StatusIdle)
			if err := s.router.Emit(context.Background(), transport.EventResults, env.RequesterID, msg); err != nil {
				s.logger.Error("result emit failed", "command_id", env.CommandID, "error", err)
			}

		default:
			s.logger.Warn("unexpected frame from agent", "agent_id", conn.agentID, "type", msg.Type)
		}
	}
}

func (s *Server) onCommand(agentID string, msg protocol.Message) {
	rec, err := s.registry.Resolve(agentID)
	if err != nil || rec.Route == nil {
		return
	}
	s.registry.SetStatus(agentID, registry.StatusBusy)
	if err := rec.Route.Deliver(msg); err != nil {
		s.logger.Warn("command delivery failed", "agent_id", agentID, "error", err)
	}
}

// sendError writes one error frame directly; only used before the write pump
// starts.
func (s *Server) sendError(conn *Conn, reason string) {
	msg, err := protocol.NewMessage(protocol.MessageError, map[string]string{"error": reason})
	if err != nil {
		return
	}
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.ws.WriteJSON(msg)
}

func (s *Server) emitLifecycle(t protocol.MessageType, agentID string, reg protocol.Registration) {
	msg, err := protocol.NewMessage(t, protocol.AgentLifecycle{
		AgentID:        agentID,
		Capabilities:   reg.Capabilities,
		ConnectionInfo: reg.ConnectionInfo,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.router.Emit(context.Background(), transport.EventAgentEvents, agentID, msg); err != nil {
		s.logger.Debug("lifecycle emit failed", "agent_id", agentID, "error", err)
	}
}

// SubscribeLifecycle mirrors peer controllers' lifecycle events into the local
// registry. Only meaningful with the fanout transport; with the local router
// the events this process publishes are no-ops against its own registry.
func (s *Server) SubscribeLifecycle() {
	s.router.Subscribe(transport.EventAgentEvents, func(agentID string, msg protocol.Message) {
		switch msg.Type {
		case protocol.MessageAgentConnected, protocol.MessageAgentDisconnected:
			var ev protocol.AgentLifecycle
			if err := msg.Decode(&ev); err != nil {
				return
			}
			if msg.Type == protocol.MessageAgentConnected {
				s.registry.RegisterRemote(ev.AgentID, ev.Capabilities, ev.ConnectionInfo)
			} else {
				s.registry.MarkRemoteDisconnected(ev.AgentID)
			}
		case protocol.MessageHeartbeat:
			s.registry.HeartbeatRemote(agentID)
		}
	})
}

func (s *Server) persistRegistration(agentID string, info protocol.ConnectionInfo) {
	if s.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.UpsertAgent(ctx, agentID, info); err != nil {
			s.logger.Error("failed to persist agent registration", "agent_id", agentID, "error", err)
		}
	}()
}

func (s *Server) persistLastSeen(agentID string) {
	if s.store == nil {
		return
	}
	seen := time.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.UpdateLastSeen(ctx, agentID, seen); err != nil {
			s.logger.Debug("failed to persist last seen", "agent_id", agentID, "error", err)
		}
	}()
}

func (s *Server) persistStatus(agentID, status string) {
	if s.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.UpdateStatus(ctx, agentID, status); err != nil {
			s.logger.Debug("failed to persist agent status", "agent_id", agentID, "error", err)
		}
	}()
}
