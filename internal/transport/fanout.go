package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eternis/fleetctl/internal/protocol"
)

const (
	topicPrefix    = "fleetctl/"
	publishTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second
	disconnectWait = 250 // milliseconds, handed to paho as-is
)

// FanoutRouter is the multi-controller backend. Emit publishes a serialized
// envelope on the event class's broker topic; every controller subscribes to
// the classes it needs and re-delivers to its local handlers, which filter by
// destination ownership. A command accepted by controller A therefore reaches
// an agent held by controller B, and the result finds its way back to A.
//
// The broker delivers our own publishes back to us, so local and remote
// destinations take the same path.
type FanoutRouter struct {
	client mqtt.Client

	mu       sync.RWMutex
	handlers map[EventClass][]Handler
	closed   bool
	logger   *slog.Logger
}

// FanoutConfig carries the broker connection settings.
type FanoutConfig struct {
	BrokerURL string // e.g. tcp://localhost:1883
	ClientID  string // unique per controller process
	Username  string
	Password  string
}

// NewFanoutRouter connects to the broker. Reconnects after a broker outage are
// handled by the client; messages published while disconnected are lost, which
// callers observe as a dispatch timeout.
func NewFanoutRouter(cfg FanoutConfig, logger *slog.Logger) (*FanoutRouter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	r := &FanoutRouter{
		handlers: make(map[EventClass][]Handler),
		logger:   logger,
	}
	r.client = mqtt.NewClient(opts)

	if token := r.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.BrokerURL, token.Error())
	}
	logger.Info("connected to fanout broker", "broker", cfg.BrokerURL, "client_id", cfg.ClientID)

	return r, nil
}

func (r *FanoutRouter) Emit(ctx context.Context, class EventClass, destination string, msg protocol.Message) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	payload, err := json.Marshal(Envelope{Destination: destination, Message: msg})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	token := r.client.Publish(topicPrefix+string(class), 0, false, payload)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		// At-most-once: a failed publish looks exactly like a message that
		// was never delivered. Log it and let the caller's deadline fire.
		r.logger.Warn("broker publish failed",
			"class", class,
			"destination", destination,
			"error", token.Error())
	}
	return nil
}

func (r *FanoutRouter) Subscribe(class EventClass, h Handler) {
	r.mu.Lock()
	first := len(r.handlers[class]) == 0
	r.handlers[class] = append(r.handlers[class], h)
	r.mu.Unlock()

	if !first {
		return
	}

	topic := topicPrefix + string(class)
	token := r.client.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
		var env Envelope
		if err := json.Unmarshal(m.Payload(), &env); err != nil {
			r.logger.Warn("dropping malformed broker envelope", "topic", m.Topic(), "error", err)
			return
		}

		r.mu.RLock()
		handlers := append([]Handler{}, r.handlers[class]...)
		r.mu.RUnlock()

		for _, handler := range handlers {
			handler(env.Destination, env.Message)
		}
	})
	if token.Wait() && token.Error() != nil {
		r.logger.Error("broker subscribe failed", "topic", topic, "error", token.Error())
	}
}

func (r *FanoutRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.client.Disconnect(disconnectWait)
	return nil
}

var _ Router = (*FanoutRouter)(nil)
var _ Router = (*LocalRouter)(nil)
