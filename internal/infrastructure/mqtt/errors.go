package mqtt

import (
	"errors"
	"fmt"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Broker-side failures wrap sparkplug.ErrConnection, which is how the
// engines and the supervisor recognise a dead session without importing
// this package.
var (
	ErrNotConnected     = connErr("client not connected")
	ErrConnectionFailed = connErr("connection failed")
	ErrPublishFailed    = connErr("publish failed")
	ErrSubscribeFailed  = connErr("subscribe failed")
	ErrTimeout          = connErr("operation timed out")
)

// Caller mistakes. These do not end a session.
var (
	// ErrAlreadyUsed is returned by a second Connect. Clients are single use.
	ErrAlreadyUsed     = errors.New("mqtt: client already used")
	ErrInvalidQoS      = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic    = errors.New("mqtt: topic cannot be empty")
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")
)

func connErr(msg string) error {
	return fmt.Errorf("mqtt: %s: %w", msg, sparkplug.ErrConnection)
}
