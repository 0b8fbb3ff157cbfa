package dispatch

import (
	"log/slog"

	"github.com/eternis/fleetctl/internal/protocol"
	"github.com/eternis/fleetctl/internal/transport"
)

// ProgressRelay forwards non-terminal progress events to the requester still
// waiting on the command. Events for commands that already resolved are
// dropped: no buffering, no replay, and a late event can never re-resolve a
// removed waiter because it only ever touches the progress channel.
type ProgressRelay struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewProgressRelay subscribes the relay to the router's progress class.
func NewProgressRelay(d *Dispatcher, router transport.Router, logger *slog.Logger) *ProgressRelay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ProgressRelay{dispatcher: d, logger: logger}
	router.Subscribe(transport.EventProgress, r.onProgress)
	return r
}

func (r *ProgressRelay) onProgress(_ string, msg protocol.Message) {
	if msg.Type != protocol.MessageProgress {
		return
	}
	var env protocol.ProgressEnvelope
	if err := msg.Decode(&env); err != nil {
		r.logger.Warn("dropping malformed progress event", "error", err)
		return
	}

	w := r.dispatcher.lookup(env.CommandID)
	if w == nil || w.progress == nil {
		r.logger.Debug("dropping progress event with no waiter", "command_id", env.CommandID)
		return
	}

	select {
	case w.progress <- env:
	default:
		// Best effort only; a full sink loses the event.
	}
}
