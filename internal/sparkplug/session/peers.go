package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// PeerStatus is the sequence state of an observed peer.
type PeerStatus int

const (
	PeerUnknown PeerStatus = iota
	PeerSynced
	PeerDesynced
	PeerStale
)

func (s PeerStatus) String() string {
	switch s {
	case PeerSynced:
		return "synced"
	case PeerDesynced:
		return "desynced"
	case PeerStale:
		return "stale"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON output.
func (s PeerStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Verdict is the result of CheckInboundSequence.
type Verdict struct {
	InOrder  bool
	Expected uint8
	Got      uint8
}

// Peer is what a host knows about one edge node or device.
type Peer struct {
	ID       sparkplug.PeerID
	Status   PeerStatus
	Expected uint8
	BdSeq    uint64
	HasBdSeq bool
	Births   uint64
	LastSeen time.Time

	// RebirthRequestedAt is when a rebirth command was last sent.
	RebirthRequestedAt time.Time

	aliases map[uint64]string
	catalog map[string]sparkplug.Metric
}

// PeerInfo is a copy of a Peer safe to hand to other goroutines.
type PeerInfo struct {
	ID       sparkplug.PeerID `json:"id"`
	Status   PeerStatus       `json:"status"`
	Expected uint8            `json:"expected_seq"`
	BdSeq    uint64           `json:"bd_seq"`
	HasBdSeq bool             `json:"has_bd_seq"`
	Births   uint64           `json:"births"`
	Metrics  int              `json:"metrics"`
	LastSeen time.Time        `json:"last_seen"`
}

func (p *Peer) info() PeerInfo {
	return PeerInfo{
		ID:       p.ID,
		Status:   p.Status,
		Expected: p.Expected,
		BdSeq:    p.BdSeq,
		HasBdSeq: p.HasBdSeq,
		Births:   p.Births,
		Metrics:  len(p.catalog),
		LastSeen: p.LastSeen,
	}
}

func (s *State) peer(id sparkplug.PeerID) *Peer {
	p, ok := s.peers[id]
	if !ok {
		p = &Peer{ID: id, Status: PeerUnknown}
		s.peers[id] = p
	}
	return p
}

// RecordInboundBirth resets the peer's expectation to 1 and replaces its
// metric catalog and alias map with those declared in the BIRTH.
func (s *State) RecordInboundBirth(id sparkplug.PeerID, msg *sparkplug.Message) {
	p := s.peer(id)
	p.Status = PeerSynced
	p.Expected = 1
	p.Births++
	p.LastSeen = s.lastSeen()
	p.aliases = make(map[uint64]string)
	p.catalog = make(map[string]sparkplug.Metric)
	p.HasBdSeq = false
	if msg == nil {
		return
	}
	for _, m := range msg.Metrics {
		if m.Name == "" {
			continue
		}
		p.catalog[m.Name] = m
		if m.Alias != 0 {
			p.aliases[m.Alias] = m.Name
		}
	}
	if bd, ok := msg.BdSeq(); ok {
		p.BdSeq, p.HasBdSeq = bd, true
	}
}

// CheckInboundSequence compares seq with the peer's expectation. In order,
// the expectation advances by one (mod 256); out of order, it is unchanged.
// A peer without a BIRTH is always out of order.
func (s *State) CheckInboundSequence(id sparkplug.PeerID, seq uint8) Verdict {
	p, ok := s.peers[id]
	if !ok || p.Status != PeerSynced {
		return Verdict{InOrder: false, Got: seq}
	}
	p.LastSeen = s.lastSeen()
	if seq != p.Expected {
		return Verdict{InOrder: false, Expected: p.Expected, Got: seq}
	}
	p.Expected++
	return Verdict{InOrder: true, Expected: seq, Got: seq}
}

// PeerStatusOf returns the status of id (PeerUnknown if never seen).
func (s *State) PeerStatusOf(id sparkplug.PeerID) PeerStatus {
	if p, ok := s.peers[id]; ok {
		return p.Status
	}
	return PeerUnknown
}

// MarkPeer sets the status of id, creating the entry if needed.
func (s *State) MarkPeer(id sparkplug.PeerID, status PeerStatus) {
	p := s.peer(id)
	p.Status = status
	p.LastSeen = s.lastSeen()
}

// MarkRebirthRequested stamps the time a rebirth command went to id.
func (s *State) MarkRebirthRequested(id sparkplug.PeerID, at time.Time) {
	s.peer(id).RebirthRequestedAt = at
}

// Peer returns a snapshot of id.
func (s *State) Peer(id sparkplug.PeerID) (PeerInfo, bool) {
	p, ok := s.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// PeerBdSeq returns the bdSeq announced in the peer's last BIRTH.
func (s *State) PeerBdSeq(id sparkplug.PeerID) (uint64, bool) {
	p, ok := s.peers[id]
	if !ok || !p.HasBdSeq {
		return 0, false
	}
	return p.BdSeq, true
}

// Peers returns snapshots of every peer, sorted by id.
func (s *State) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// PeersWithStatus maps the ids of peers in status to the time each last had
// a rebirth requested.
func (s *State) PeersWithStatus(status PeerStatus) map[sparkplug.PeerID]time.Time {
	out := make(map[sparkplug.PeerID]time.Time)
	for id, p := range s.peers {
		if p.Status == status {
			out[id] = p.RebirthRequestedAt
		}
	}
	return out
}

// DevicesOf returns the device peers owned by node.
func (s *State) DevicesOf(node sparkplug.PeerID) []sparkplug.PeerID {
	var out []sparkplug.PeerID
	for id := range s.peers {
		if id.IsDevice() && id.NodeID() == node {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ResolveMetrics fills in names and types of DATA metrics from the peer's
// BIRTH catalog. Metrics sent by alias only get their name back; untyped
// metrics are coerced to the declared type.
func (s *State) ResolveMetrics(id sparkplug.PeerID, metrics []sparkplug.Metric) ([]sparkplug.Metric, error) {
	p, ok := s.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: no birth for %s", sparkplug.ErrUnknownMetric, id)
	}
	out := make([]sparkplug.Metric, 0, len(metrics))
	for _, m := range metrics {
		if m.Name == "" {
			name, ok := p.aliases[m.Alias]
			if !ok {
				return nil, fmt.Errorf("%w: %s sent unknown alias %d", sparkplug.ErrCodec, id, m.Alias)
			}
			m.Name = name
		}
		if m.Type == sparkplug.TypeUnknown {
			decl, ok := p.catalog[m.Name]
			if !ok {
				return nil, fmt.Errorf("%w: %s sent undeclared metric %q", sparkplug.ErrUnknownMetric, id, m.Name)
			}
			resolved, err := m.Coerce(decl.Type)
			if err != nil {
				return nil, err
			}
			m = resolved
		}
		out = append(out, m)
	}
	return out, nil
}

// Catalog returns the metrics declared in the peer's last BIRTH, sorted by name.
func (s *State) Catalog(id sparkplug.PeerID) []sparkplug.Metric {
	p, ok := s.peers[id]
	if !ok {
		return nil
	}
	out := make([]sparkplug.Metric, 0, len(p.catalog))
	for _, m := range p.catalog {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
