package sparkplug

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by codecs, the sequence guard and role engines.
// Use errors.Is() to classify.
var (
	// ErrConnection covers connect, publish and subscribe failures and a lost
	// connection. It ends the session.
	ErrConnection = errors.New("sparkplug: connection error")

	// ErrConnectionLost is the terminal event of a transport whose
	// connection dropped.
	ErrConnectionLost = fmt.Errorf("%w: connection lost", ErrConnection)

	// ErrSequence reports an inbound sequence gap. The session continues.
	ErrSequence = errors.New("sparkplug: sequence error")

	// ErrCodec reports a payload that could not be encoded or decoded.
	// The message is dropped and the session continues.
	ErrCodec = errors.New("sparkplug: codec error")

	// ErrProtocolOrdering rejects an operation issued out of protocol order,
	// before anything is published.
	ErrProtocolOrdering = errors.New("sparkplug: protocol ordering violation")

	// ErrNotStarted is returned for operations on a session that is not running.
	ErrNotStarted = fmt.Errorf("%w: session not started", ErrProtocolOrdering)

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("sparkplug: session already started")

	// ErrUnknownMetric is returned when DATA names a metric not declared at BIRTH.
	ErrUnknownMetric = errors.New("sparkplug: metric not declared at birth")

	// ErrInvalidMetric is returned when a metric's value does not match its type.
	ErrInvalidMetric = errors.New("sparkplug: invalid metric")

	// ErrInvalidIdentity is returned for ids that cannot be used as topic levels.
	ErrInvalidIdentity = errors.New("sparkplug: invalid identity")

	// ErrInvalidTopic is returned when a topic is outside the Sparkplug namespace.
	ErrInvalidTopic = errors.New("sparkplug: invalid topic")
)

// SequenceError describes an inbound DATA message whose sequence number
// did not match the peer's expectation.
type SequenceError struct {
	Peer     PeerID
	Expected uint8
	Got      uint8

	// Unsynced is set when DATA arrived from a peer with no valid BIRTH.
	Unsynced bool
}

func (e *SequenceError) Error() string {
	if e.Unsynced {
		return fmt.Sprintf("sparkplug: sequence error: %s sent data (seq %d) without a valid birth", e.Peer, e.Got)
	}
	return fmt.Sprintf("sparkplug: sequence error: %s expected seq %d, got %d", e.Peer, e.Expected, e.Got)
}

// Unwrap lets errors.Is(err, ErrSequence) match.
func (e *SequenceError) Unwrap() error { return ErrSequence }
