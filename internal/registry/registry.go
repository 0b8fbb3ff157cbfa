// Package registry tracks the fleet's logical agents: the stable agent id,
// its current physical route (if this controller owns the connection), status,
// capabilities, and heartbeat. Records are upserted on every (re)registration
// and are never deleted, only marked Disconnected.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eternis/fleetctl/internal/protocol"
)

var (
	// ErrAgentNotFound means the agent id has never registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentUnavailable means the agent is known but not currently connected.
	ErrAgentUnavailable = errors.New("agent unavailable")
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusBusy         Status = "busy"
	StatusIdle         Status = "idle"
)

// Route is an opaque handle to a live agent connection. The websocket server's
// connection type implements it; a record whose connection lives on another
// controller process has a nil Route and is reached through the fanout router.
type Route interface {
	Deliver(msg protocol.Message) error
}

// Record is the registry's view of one logical agent.
type Record struct {
	AgentID       string
	Route         Route
	Status        Status
	Capabilities  []protocol.Capability
	TargetInfo    protocol.ConnectionInfo
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// Connected reports whether the agent can currently receive commands.
func (r Record) Connected() bool {
	return r.Status != StatusDisconnected
}

const defaultSilenceWindow = 60 * time.Second

const sweepInterval = 10 * time.Second

// Registry is safe for concurrent use. A background sweep marks agents
// Disconnected once their heartbeat has been silent longer than the configured
// window.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	silence      time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	onDisconnect []func(agentID string)
	logger       *slog.Logger
}

// New creates a Registry and starts its heartbeat sweep. silenceWindow <= 0
// selects the 60s default.
func New(silenceWindow time.Duration, logger *slog.Logger) *Registry {
	if silenceWindow <= 0 {
		silenceWindow = defaultSilenceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		records: make(map[string]*Record),
		silence: silenceWindow,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	go r.sweepLoop()
	return r
}

// OnDisconnect registers a callback invoked with the agent id whenever an
// agent transitions to Disconnected (route drop or heartbeat expiry). The
// dispatcher uses this to fail waiters targeting the dropped agent.
func (r *Registry) OnDisconnect(fn func(agentID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// Register upserts the record for agentID and attaches the given route. An
// empty agentID allocates a fresh logical id. Re-registering a known id
// replaces the route in place; it never creates a second record. The displaced
// route, if any, is returned so the caller can tear the old connection down
// instead of letting it idle until its read deadline.
func (r *Registry) Register(agentID string, route Route, caps []protocol.Capability, info protocol.ConnectionInfo) (Record, Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agentID == "" {
		agentID = uuid.New().String()
	}

	now := time.Now()
	rec, exists := r.records[agentID]
	if !exists {
		rec = &Record{AgentID: agentID, ConnectedAt: now}
		r.records[agentID] = rec
	}
	displaced := rec.Route
	if displaced == route {
		displaced = nil
	}
	rec.Route = route
	rec.Status = StatusConnected
	rec.Capabilities = caps
	rec.TargetInfo = info
	rec.ConnectedAt = now
	rec.LastHeartbeat = now

	r.logger.Info("agent registered",
		"agent_id", agentID,
		"hostname", info.Hostname,
		"reconnect", exists,
		"total_agents", len(r.records))

	return *rec, displaced
}

// RegisterRemote upserts a record learned from another controller's lifecycle
// event. It never clobbers a live local route: if this process owns the
// connection the event is just a heartbeat refresh.
func (r *Registry) RegisterRemote(agentID string, caps []protocol.Capability, info protocol.ConnectionInfo) {
	if agentID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	rec, exists := r.records[agentID]
	if !exists {
		rec = &Record{AgentID: agentID, ConnectedAt: now}
		r.records[agentID] = rec
	}
	if rec.Route == nil {
		rec.Status = StatusConnected
		rec.Capabilities = caps
		rec.TargetInfo = info
	}
	rec.LastHeartbeat = now
}

// HeartbeatRemote refreshes liveness for an agent whose connection lives on a
// peer controller. Records this process owns a route for are left alone; their
// own socket's heartbeat path covers them. An unknown id still gets a record:
// the heartbeat is proof of life even if the connected event was lost.
func (r *Registry) HeartbeatRemote(agentID string) {
	if agentID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	rec, ok := r.records[agentID]
	if !ok {
		rec = &Record{AgentID: agentID, ConnectedAt: now}
		r.records[agentID] = rec
	}
	if rec.Route != nil {
		return
	}
	rec.LastHeartbeat = now
	if rec.Status == StatusDisconnected {
		rec.Status = StatusConnected
	}
}

// Unregister marks the agent Disconnected if route still owns the record.
// A stale drop arriving after the agent already reconnected elsewhere (or with
// a fresh route) is ignored.
func (r *Registry) Unregister(agentID string, route Route) {
	r.mu.Lock()
	rec, ok := r.records[agentID]
	if !ok || (route != nil && rec.Route != route) {
		r.mu.Unlock()
		return
	}
	rec.Route = nil
	rec.Status = StatusDisconnected
	callbacks := append([]func(string){}, r.onDisconnect...)
	r.mu.Unlock()

	r.logger.Info("agent disconnected", "agent_id", agentID)
	for _, fn := range callbacks {
		fn(agentID)
	}
}

// MarkRemoteDisconnected handles a lifecycle disconnect event from a peer
// controller. Local routes are untouched.
func (r *Registry) MarkRemoteDisconnected(agentID string) {
	r.mu.Lock()
	rec, ok := r.records[agentID]
	if !ok || rec.Route != nil || rec.Status == StatusDisconnected {
		r.mu.Unlock()
		return
	}
	rec.Status = StatusDisconnected
	callbacks := append([]func(string){}, r.onDisconnect...)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(agentID)
	}
}

// Resolve returns the record for agentID. ErrAgentNotFound if the id has never
// registered, ErrAgentUnavailable if it is currently Disconnected.
func (r *Registry) Resolve(agentID string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[agentID]
	if !ok {
		return Record{}, ErrAgentNotFound
	}
	if !rec.Connected() {
		return Record{}, ErrAgentUnavailable
	}
	return *rec, nil
}

// Heartbeat refreshes the agent's liveness timestamp.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[agentID]; ok {
		rec.LastHeartbeat = time.Now()
		if rec.Status == StatusDisconnected && rec.Route != nil {
			rec.Status = StatusConnected
		}
	}
}

// SetStatus updates a connected agent's busy/idle state.
func (r *Registry) SetStatus(agentID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[agentID]; ok && rec.Status != StatusDisconnected {
		rec.Status = status
	}
}

// List returns a snapshot of every known record.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// Count returns the number of known records, connected or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Stop halts the heartbeat sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) sweepLoop() {
	interval := sweepInterval
	if r.silence < interval {
		interval = r.silence
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for id, rec := range r.records {
		if rec.Status != StatusDisconnected && now.Sub(rec.LastHeartbeat) > r.silence {
			rec.Route = nil
			rec.Status = StatusDisconnected
			expired = append(expired, id)
		}
	}
	callbacks := append([]func(string){}, r.onDisconnect...)
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.Warn("agent heartbeat expired", "agent_id", id, "silence_window", r.silence)
		for _, fn := range callbacks {
			fn(id)
		}
	}
}
