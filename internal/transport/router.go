// Package transport routes envelopes between logical participants (agents and
// requesters) without caring which process owns their connection. One
// interface, two backends: LocalRouter for a single controller process,
// FanoutRouter for multiple controllers sharing an MQTT broker.
//
// Delivery is at-most-once. The router never retries; a failed publish is
// logged and is indistinguishable from a message that was never delivered,
// which the dispatcher surfaces as a timeout.
package transport

import (
	"context"
	"errors"

	"github.com/eternis/fleetctl/internal/protocol"
)

// EventClass names a broker channel class. Envelopes are tagged with their
// destination id and filtered by each subscriber rather than routed through
// per-destination channels.
type EventClass string

const (
	EventCommands    EventClass = "commands"
	EventResults     EventClass = "command_results"
	EventProgress    EventClass = "command_progress"
	EventAgentEvents EventClass = "agent_events"
)

// ErrTransportClosed is returned by Emit after the router has been closed.
var ErrTransportClosed = errors.New("transport closed")

// Handler receives an envelope for an event class. Handlers run on the
// router's delivery goroutine and must not block; anything slow hands off to
// its own goroutine or channel.
type Handler func(destination string, msg protocol.Message)

// Router is the single transport abstraction the business logic depends on.
// The backend is chosen once at startup and never mixed within a deployment.
type Router interface {
	// Emit sends msg toward the logical participant named destination.
	Emit(ctx context.Context, class EventClass, destination string, msg protocol.Message) error

	// Subscribe registers a handler for every envelope of the given class.
	// Subscribers see all destinations and filter for the ones they own.
	Subscribe(class EventClass, h Handler)

	Close() error
}

// Envelope is the broker wire format: a destination tag around a protocol
// message.
type Envelope struct {
	Destination string           `json:"destination"`
	Message     protocol.Message `json:"message"`
}
