package sparkplug

import "context"

// QoS levels used by the engine.
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
)

// Will is the last-will message the broker publishes if the session's
// connection drops without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// InboundEvent is one entry of a transport's inbound stream. A non-nil Err
// marks the terminal event; no further events follow it.
type InboundEvent struct {
	Topic   string
	Payload []byte
	Err     error
}

// Transport is the MQTT session a role engine owns for its lifetime.
//
// A Transport is single use: Connect is called once, and after Disconnect or
// a terminal event the instance is discarded. Implementations must deliver
// inbound messages in the order the broker delivered them and never block
// the network reader on a slow consumer.
type Transport interface {
	// Connect opens the session with will armed. A failure wraps ErrConnection.
	Connect(ctx context.Context, will *Will) error

	// Publish sends payload and waits for the acknowledgement when qos > 0.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

	// Subscribe adds a filter whose messages appear on Events.
	Subscribe(ctx context.Context, filter string, qos byte) error

	// Events returns the inbound stream. It is closed after the terminal
	// event or after Disconnect.
	Events() <-chan InboundEvent

	// Disconnect closes the session cleanly, discarding the will.
	// It is idempotent.
	Disconnect() error
}
