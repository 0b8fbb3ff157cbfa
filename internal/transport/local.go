package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eternis/fleetctl/internal/protocol"
)

// LocalRouter delivers envelopes to in-process subscribers directly. It is the
// single-controller backend: the routing table is just a handler list per
// event class and Emit is a synchronous call.
type LocalRouter struct {
	mu       sync.RWMutex
	handlers map[EventClass][]Handler
	closed   bool
	logger   *slog.Logger
}

func NewLocalRouter(logger *slog.Logger) *LocalRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRouter{
		handlers: make(map[EventClass][]Handler),
		logger:   logger,
	}
}

func (r *LocalRouter) Emit(ctx context.Context, class EventClass, destination string, msg protocol.Message) error {
	r.mu.RLock()
	closed := r.closed
	handlers := r.handlers[class]
	r.mu.RUnlock()

	if closed {
		return ErrTransportClosed
	}
	if len(handlers) == 0 {
		r.logger.Debug("no subscribers for event class", "class", class, "destination", destination)
		return nil
	}

	for _, h := range handlers {
		h(destination, msg)
	}
	return nil
}

func (r *LocalRouter) Subscribe(class EventClass, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = append(r.handlers[class], h)
}

func (r *LocalRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
