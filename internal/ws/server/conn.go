package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eternis/fleetctl/internal/protocol"
)

const (
	sendChannelBuffer = 100
	sendTimeout       = 5 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 * 1024 * 1024
)

// Conn is one live agent link. It implements registry.Route: delivering a
// message queues it for the write pump, it never writes to the socket
// directly.
type Conn struct {
	agentID string
	ws      *websocket.Conn
	sendCh  chan protocol.Message

	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:     ws,
		sendCh: make(chan protocol.Message, sendChannelBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Deliver queues msg for the agent. It blocks at most sendTimeout; a full
// queue or closed connection is an error the dispatcher treats as a lost
// message.
func (c *Conn) Deliver(msg protocol.Message) error {
	select {
	case c.sendCh <- msg:
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("timeout queueing message for agent %s", c.agentID)
	case <-c.ctx.Done():
		return fmt.Errorf("agent connection closed: %s", c.agentID)
	}
}

func (c *Conn) close() {
	c.cancel()
	_ = c.ws.Close()
}

// writePump serializes all socket writes: queued messages and keepalive
// pings. It exits when the connection context is cancelled.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case msg := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
