package mqtt

import (
	"context"
	"fmt"
)

// maxPayloadSize matches the default message limit of common brokers.
const maxPayloadSize = 1 << 20

func checkRequest(topic string, qos byte) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	}
	return nil
}

// Publish sends payload to topic. At QoS 1 and 2 it returns once the broker
// acknowledges, or when ctx (or defaultAckTimeout, if ctx has no deadline)
// runs out. Everything except a bad argument wraps sparkplug.ErrConnection.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := checkRequest(topic, qos); err != nil {
		return err
	}
	if n := len(payload); n > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, n, maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := waitToken(ctx, c.client.Publish(topic, qos, retain, payload), defaultAckTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe routes messages matching filter, which may use the + and #
// wildcards, into the Events stream. All filters share one queue, so
// messages arrive in broker order regardless of which filter matched.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte) error {
	if err := checkRequest(filter, qos); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := waitToken(ctx, c.client.Subscribe(filter, qos, c.deliver), defaultAckTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, filter, err)
	}
	return nil
}
