package session

import "context"

// Message is one inbound MQTT publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives inbound messages. Handlers run on the session's
// dispatch goroutine; they must not block for long periods.
type Handler func(Message)

// Session is an established MQTT connection to the cloud broker.
//
// Implementations retry nothing themselves; the supervisory loop owns
// backoff and reconnection policy.
type Session interface {
	// Connect tears down any previous session state, then establishes
	// TLS, connects to the broker and subscribes to the configured
	// topics. Safe to call again after failure.
	Connect(ctx context.Context) error

	// Publish sends one message at the configured QoS and blocks until
	// the engine accepts or rejects it.
	Publish(ctx context.Context, topic string, payload []byte) error

	// SetHandler registers the single inbound message handler. Must be
	// called before Connect.
	SetHandler(h Handler)

	// Connected reports whether the last Connect succeeded and no
	// disconnect has been observed since.
	Connected() bool

	// Close disconnects from the broker and releases session resources.
	Close() error
}
