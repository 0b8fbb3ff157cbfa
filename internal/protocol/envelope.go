// Package protocol defines the JSON frames exchanged between controllers and
// agents, and the envelopes that flow through the transport layer. Every frame
// is a Message: a type tag plus a type-specific payload. The payload types are
// plain structs so both ends of the link (and the fanout broker) share one
// wire format.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageRegister    MessageType = "register"
	MessageRegisterAck MessageType = "register_ack"
	MessageHeartbeat   MessageType = "heartbeat"
	MessageCommand     MessageType = "command"
	MessageProgress    MessageType = "command_progress"
	MessageResult      MessageType = "command_result"
	MessageError       MessageType = "error"

	// Lifecycle events published on the agent_events channel so peer
	// controllers can mirror registry state.
	MessageAgentConnected    MessageType = "agent_connected"
	MessageAgentDisconnected MessageType = "agent_disconnected"
)

// Execution targets accepted in a command envelope.
const (
	TargetAuto  = "auto"
	TargetLocal = "local"
	TargetSSH   = "ssh"
)

// Terminal result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Message is the framing for everything sent over an agent link or broker
// channel. Payload holds the JSON encoding of one of the envelope types below,
// selected by Type.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage wraps a payload value in a typed Message.
func NewMessage(t MessageType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Payload: data}, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Capability describes one execution target an agent supports.
type Capability struct {
	CommandType string `json:"command_type"`
	Description string `json:"description,omitempty"`
}

// ConnectionInfo describes the machine behind an agent connection.
type ConnectionInfo struct {
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	Version  string `json:"version,omitempty"`
}

// Registration is the first frame an agent sends after the link opens.
// AgentID is empty on the very first connect; the controller allocates one
// and returns it in the ack. On every reconnect the agent sends the same
// stable id so the controller upserts instead of creating a new record.
type Registration struct {
	AgentID        string         `json:"agent_id,omitempty"`
	Capabilities   []Capability   `json:"capabilities"`
	ConnectionInfo ConnectionInfo `json:"connection_info"`
}

// RegistrationAck confirms a registration and carries the durable agent id.
type RegistrationAck struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Heartbeat is a periodic liveness frame.
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentLifecycle is the payload of agent_connected / agent_disconnected
// events on the agent_events channel.
type AgentLifecycle struct {
	AgentID        string         `json:"agent_id"`
	Capabilities   []Capability   `json:"capabilities,omitempty"`
	ConnectionInfo ConnectionInfo `json:"connection_info,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// CommandEnvelope is a dispatched command, controller to agent.
type CommandEnvelope struct {
	CommandID       string `json:"command_id"`
	Command         string `json:"command"`
	ExecutionTarget string `json:"execution_target"`
	RequesterID     string `json:"requester_id"`
}

// ProgressEnvelope is a non-terminal progress event, agent to controller.
// Best effort: zero or more per command, unordered-tolerant, never buffered.
type ProgressEnvelope struct {
	CommandID   string    `json:"command_id"`
	RequesterID string    `json:"requester_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Progress    int       `json:"progress"`
	Message     string    `json:"message,omitempty"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ResultEnvelope is the terminal result of a command. Exactly one is produced
// per command id.
type ResultEnvelope struct {
	CommandID     string    `json:"command_id"`
	RequesterID   string    `json:"requester_id,omitempty"`
	Command       string    `json:"command,omitempty"`
	ExitCode      int       `json:"exit_code"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	ExecutionType string    `json:"execution_type"`
	Target        string    `json:"target"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}
