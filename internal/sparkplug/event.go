package sparkplug

import (
	"sync"
	"time"
)

// EventType classifies lifecycle notifications.
type EventType string

const (
	// EventOnline: the session published its BIRTH (or STATE online).
	EventOnline EventType = "online"

	// EventOffline: the session ended, cleanly or not. Err is set when it
	// ended because of a failure.
	EventOffline EventType = "offline"

	// EventRebirthRequested: a rebirth is needed. For edge nodes and devices
	// this is an inbound rebirth command; for hosts it names the desynced Peer.
	EventRebirthRequested EventType = "rebirth_requested"

	// EventPublished: the session published Kind with Seq.
	EventPublished EventType = "published"

	// EventCommand: a command other than rebirth arrived for this session.
	EventCommand EventType = "command"

	// EventPeerBirth, EventPeerData and EventPeerDeath are host observations.
	EventPeerBirth EventType = "peer_birth"
	EventPeerData  EventType = "peer_data"
	EventPeerDeath EventType = "peer_death"

	// EventHostState: a host application STATE was observed.
	EventHostState EventType = "host_state"

	// EventError: a non-fatal error (sequence gap, undecodable payload,
	// failed DATA publish).
	EventError EventType = "error"
)

// Event is a single notification from a role engine.
type Event struct {
	Type    EventType   `json:"type"`
	Session string      `json:"session"`
	Role    Role        `json:"role"`
	Peer    PeerID      `json:"peer,omitzero"`
	Kind    MessageKind `json:"kind,omitempty"`
	Seq     uint8       `json:"seq"`
	Metrics []Metric    `json:"metrics,omitempty"`
	Online  bool        `json:"online,omitempty"`
	Err     error       `json:"-"`
	Time    time.Time   `json:"time"`
}

// EventSink receives events on the emitting engine's worker goroutine.
// Implementations must return quickly and must not call back into the engine.
type EventSink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

// HandleEvent calls f(e).
func (f SinkFunc) HandleEvent(e Event) { f(e) }

// MultiSink fans an event out to every non-nil sink in order.
type MultiSink []EventSink

// HandleEvent delivers e to each sink.
func (m MultiSink) HandleEvent(e Event) {
	for _, s := range m {
		if s != nil {
			s.HandleEvent(e)
		}
	}
}

// Recorder is an EventSink that keeps every event. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// HandleEvent stores e.
func (r *Recorder) HandleEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Logger is the logging surface the engines use. *slog.Logger and
// *logging.Logger both satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// LogSink writes events to logger: errors at warn, peer data at debug,
// everything else at info.
func LogSink(logger Logger) EventSink {
	return SinkFunc(func(e Event) {
		args := []any{"session", e.Session, "event", string(e.Type)}
		if e.Peer != (PeerID{}) {
			args = append(args, "peer", e.Peer.String())
		}
		if e.Kind != "" {
			args = append(args, "kind", string(e.Kind), "seq", e.Seq)
		}
		switch e.Type {
		case EventError:
			logger.Warn("sparkplug error", append(args, "error", e.Err)...)
		case EventOffline:
			if e.Err != nil {
				logger.Error("sparkplug session offline", append(args, "error", e.Err)...)
				return
			}
			logger.Info("sparkplug session offline", args...)
		case EventPeerData, EventPublished:
			logger.Debug("sparkplug message", args...)
		default:
			logger.Info("sparkplug event", args...)
		}
	})
}
