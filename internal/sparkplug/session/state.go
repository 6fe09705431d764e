// Package session holds the mutable state of one Sparkplug session.
//
// A State is owned by exactly one role engine and is only touched from that
// engine's worker goroutine, so it carries no locks. Every method is
// synchronous and non-blocking.
package session

import (
	"fmt"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// State is the per-session bookkeeping: connection state, the outbound
// sequence counter, the alias table, the known-metrics snapshot and the
// inbound expectations for every observed peer.
type State struct {
	identity sparkplug.Identity
	conn     sparkplug.ConnectionState

	// next is the sequence number the next BIRTH/DATA will carry.
	next    uint8
	last    uint8
	births  uint64
	sentSeq bool

	aliases map[string]uint64
	names   map[uint64]string
	nextID  uint64
	known   map[string]sparkplug.Metric
	order   []string

	peers    map[sparkplug.PeerID]*Peer
	lastSeen func() time.Time
}

// New creates the state for a session with the given identity.
func New(id sparkplug.Identity) *State {
	return &State{
		identity: id,
		conn:     sparkplug.Disconnected,
		aliases:  make(map[string]uint64),
		names:    make(map[uint64]string),
		nextID:   1,
		known:    make(map[string]sparkplug.Metric),
		peers:    make(map[sparkplug.PeerID]*Peer),
		lastSeen: time.Now,
	}
}

// Identity returns the session identity.
func (s *State) Identity() sparkplug.Identity { return s.identity }

// Connection returns the current connection state.
func (s *State) Connection() sparkplug.ConnectionState { return s.conn }

// SetConnection records a connection state transition.
func (s *State) SetConnection(c sparkplug.ConnectionState) { s.conn = c }

// ResetOutbound makes the next outbound sequence number 0. Called at BIRTH.
func (s *State) ResetOutbound() {
	s.next = 0
	s.births++
}

// AdvanceOutbound returns the sequence number to use and advances the
// counter, wrapping 255 to 0.
func (s *State) AdvanceOutbound() uint8 {
	seq := s.next
	s.next++
	s.last = seq
	s.sentSeq = true
	return seq
}

// PeekOutbound returns the number AdvanceOutbound would return.
func (s *State) PeekOutbound() uint8 { return s.next }

// Outbound returns the last sequence number sent and whether any was sent.
func (s *State) Outbound() (uint8, bool) { return s.last, s.sentSeq }

// Born reports whether ResetOutbound has been called at least once.
func (s *State) Born() bool { return s.births > 0 }

// Births returns how many times the session has published BIRTH.
func (s *State) Births() uint64 { return s.births }

// DeclareMetrics replaces the known-metrics snapshot and assigns aliases.
// A name that already has an alias keeps it; new names get the next free
// alias. Declaration order is preserved.
func (s *State) DeclareMetrics(metrics []sparkplug.Metric) error {
	known := make(map[string]sparkplug.Metric, len(metrics))
	order := make([]string, 0, len(metrics))
	for _, m := range metrics {
		if m.Name == "" {
			return fmt.Errorf("%w: declared metric has no name", sparkplug.ErrInvalidMetric)
		}
		if _, dup := known[m.Name]; dup {
			return fmt.Errorf("%w: metric %q declared twice", sparkplug.ErrInvalidMetric, m.Name)
		}
		if err := m.Validate(); err != nil {
			return err
		}
		known[m.Name] = m
		order = append(order, m.Name)
	}

	s.known = known
	s.order = order
	for _, name := range order {
		s.AssignAlias(name)
	}
	return nil
}

// AssignAlias returns the alias for name, assigning a new one if needed.
func (s *State) AssignAlias(name string) uint64 {
	if a, ok := s.aliases[name]; ok {
		return a
	}
	a := s.nextID
	s.nextID++
	s.aliases[name] = a
	s.names[a] = name
	return a
}

// Alias returns the alias assigned to name.
func (s *State) Alias(name string) (uint64, bool) {
	a, ok := s.aliases[name]
	return a, ok
}

// NameForAlias returns the metric name behind an alias.
func (s *State) NameForAlias(alias uint64) (string, bool) {
	n, ok := s.names[alias]
	return n, ok
}

// Known returns the declared metric named name.
func (s *State) Known(name string) (sparkplug.Metric, bool) {
	m, ok := s.known[name]
	return m, ok
}

// KnownMetrics returns the snapshot in declaration order, each metric
// carrying its alias.
func (s *State) KnownMetrics() []sparkplug.Metric {
	out := make([]sparkplug.Metric, 0, len(s.order))
	for _, name := range s.order {
		m := s.known[name]
		m.Alias = s.aliases[name]
		out = append(out, m)
	}
	return out
}

// UpdateKnown records the latest value of declared metrics so the next
// BIRTH reports current values. Historical metrics are ignored.
func (s *State) UpdateKnown(metrics []sparkplug.Metric) error {
	for _, m := range metrics {
		if _, ok := s.known[m.Name]; !ok {
			return fmt.Errorf("%w: %q", sparkplug.ErrUnknownMetric, m.Name)
		}
	}
	for _, m := range metrics {
		if m.IsHistorical {
			continue
		}
		m.Alias = 0
		m.Timestamp = 0
		s.known[m.Name] = m
	}
	return nil
}
