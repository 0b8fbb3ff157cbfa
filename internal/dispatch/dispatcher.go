// Package dispatch correlates dispatched commands with their terminal
// results. The Dispatcher owns the pending-waiter table; the ProgressRelay
// forwards non-terminal events to whoever is still waiting.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eternis/fleetctl/internal/protocol"
	"github.com/eternis/fleetctl/internal/registry"
	"github.com/eternis/fleetctl/internal/transport"
)

var (
	// ErrDispatchTimeout means no terminal result arrived before the deadline.
	// The agent may still be executing the command; only the wait is aborted.
	ErrDispatchTimeout = errors.New("dispatch timed out")

	// ErrAgentDisconnected means the target agent's connection dropped while
	// the command was in flight.
	ErrAgentDisconnected = errors.New("agent disconnected")
)

const defaultTimeout = 30 * time.Second

// Request describes one command dispatch.
type Request struct {
	Command         string
	AgentID         string
	RequesterID     string
	ExecutionTarget string
	Timeout         time.Duration

	// Progress, when non-nil, receives the command's non-terminal events.
	// Sends are non-blocking: a slow consumer misses events, it is never
	// waited on.
	Progress chan<- protocol.ProgressEnvelope
}

type outcome struct {
	result *protocol.ResultEnvelope
	err    error
}

// waiter is one outstanding dispatch. Exactly one lives per command id, is
// resolved exactly once (result, timeout, or agent drop), and is removed from
// the table the moment it resolves.
type waiter struct {
	commandID   string
	agentID     string
	requesterID string
	done        chan outcome
	progress    chan<- protocol.ProgressEnvelope
}

// Recorder persists command history. Implemented by the commands store; nil
// disables persistence.
type Recorder interface {
	RecordDispatch(ctx context.Context, agentID string, env protocol.CommandEnvelope)
	RecordResult(ctx context.Context, res protocol.ResultEnvelope)
	RecordFailure(ctx context.Context, commandID string, reason string)
}

// Dispatcher routes commands to agents through the transport and awaits their
// terminal results. It is an explicitly constructed, injectable object so
// tests can run several isolated instances side by side.
type Dispatcher struct {
	registry *registry.Registry
	router   transport.Router
	history  Recorder

	mu      sync.Mutex
	waiters map[string]*waiter

	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New wires a Dispatcher into the router's result channel class and the
// registry's disconnect notifications. history may be nil.
func New(reg *registry.Registry, router transport.Router, history Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry:       reg,
		router:         router,
		history:        history,
		waiters:        make(map[string]*waiter),
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}

	router.Subscribe(transport.EventResults, d.onResult)
	reg.OnDisconnect(d.failAgentWaiters)

	return d
}

// SetDefaultTimeout overrides the fallback deadline applied to requests that
// carry no timeout of their own.
func (d *Dispatcher) SetDefaultTimeout(t time.Duration) {
	if t > 0 {
		d.defaultTimeout = t
	}
}

// Dispatch sends the command to its target agent and blocks until exactly one
// of: a terminal result arrives, the timeout elapses, the agent drops, or ctx
// is cancelled. The waiter is removed on every path.
//
// There is no built-in retry; re-dispatching is the caller's decision and
// always gets a fresh command id.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*protocol.ResultEnvelope, error) {
	if _, err := d.registry.Resolve(req.AgentID); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	env := protocol.CommandEnvelope{
		CommandID:       uuid.New().String(),
		Command:         req.Command,
		ExecutionTarget: req.ExecutionTarget,
		RequesterID:     req.RequesterID,
	}
	if env.ExecutionTarget == "" {
		env.ExecutionTarget = protocol.TargetAuto
	}

	w := &waiter{
		commandID:   env.CommandID,
		agentID:     req.AgentID,
		requesterID: req.RequesterID,
		done:        make(chan outcome, 1),
		progress:    req.Progress,
	}
	d.mu.Lock()
	d.waiters[env.CommandID] = w
	d.mu.Unlock()

	if d.history != nil {
		d.history.RecordDispatch(ctx, req.AgentID, env)
	}

	msg, err := protocol.NewMessage(protocol.MessageCommand, env)
	if err != nil {
		d.take(env.CommandID)
		return nil, err
	}
	if err := d.router.Emit(ctx, transport.EventCommands, req.AgentID, msg); err != nil {
		// The transport never retries. A publish failure is indistinguishable
		// from a silently lost message, so the waiter stays and the deadline
		// turns it into a timeout.
		d.logger.Warn("command publish failed",
			"command_id", env.CommandID,
			"agent_id", req.AgentID,
			"error", err)
	}

	d.logger.Debug("command dispatched",
		"command_id", env.CommandID,
		"agent_id", req.AgentID,
		"target", env.ExecutionTarget,
		"timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.done:
		if out.err != nil {
			d.recordFailure(env.CommandID, out.err)
			return nil, out.err
		}
		return out.result, nil

	case <-timer.C:
		if d.take(env.CommandID) == nil {
			// Resolved between the timer firing and the removal; the result
			// is already in the channel.
			out := <-w.done
			return out.result, out.err
		}
		d.recordFailure(env.CommandID, ErrDispatchTimeout)
		d.logger.Warn("dispatch timed out", "command_id", env.CommandID, "agent_id", req.AgentID)
		return nil, ErrDispatchTimeout

	case <-ctx.Done():
		if d.take(env.CommandID) == nil {
			out := <-w.done
			return out.result, out.err
		}
		d.recordFailure(env.CommandID, ctx.Err())
		return nil, ctx.Err()
	}
}

// PendingCount reports the number of outstanding waiters.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

// lookup returns the still-pending waiter for a command id, if any. Used by
// the ProgressRelay to find the requester of an in-flight command.
func (d *Dispatcher) lookup(commandID string) *waiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiters[commandID]
}

// take removes and returns the waiter for commandID. Both resolution and
// abandonment go through here, so exactly one side wins.
func (d *Dispatcher) take(commandID string) *waiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.waiters[commandID]
	delete(d.waiters, commandID)
	return w
}

// onResult handles a terminal result from the transport. A result whose
// waiter is gone (already timed out, duplicate, or owned by another
// controller) is dropped.
func (d *Dispatcher) onResult(_ string, msg protocol.Message) {
	if msg.Type != protocol.MessageResult {
		return
	}
	var res protocol.ResultEnvelope
	if err := msg.Decode(&res); err != nil {
		d.logger.Warn("dropping malformed result", "error", err)
		return
	}

	w := d.take(res.CommandID)
	if w == nil {
		d.logger.Debug("dropping result with no waiter", "command_id", res.CommandID)
		return
	}

	if d.history != nil {
		d.history.RecordResult(context.Background(), res)
	}
	w.done <- outcome{result: &res}
}

// failAgentWaiters resolves every waiter targeting a dropped agent.
func (d *Dispatcher) failAgentWaiters(agentID string) {
	d.mu.Lock()
	var failed []*waiter
	for id, w := range d.waiters {
		if w.agentID == agentID {
			delete(d.waiters, id)
			failed = append(failed, w)
		}
	}
	d.mu.Unlock()

	for _, w := range failed {
		d.logger.Warn("failing in-flight command, agent dropped",
			"command_id", w.commandID,
			"agent_id", agentID)
		w.done <- outcome{err: ErrAgentDisconnected}
	}
}

func (d *Dispatcher) recordFailure(commandID string, err error) {
	if d.history != nil {
		d.history.RecordFailure(context.Background(), commandID, err.Error())
	}
}
