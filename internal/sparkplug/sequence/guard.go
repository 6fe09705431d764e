// Package sequence enforces Sparkplug sequence numbering.
//
// Per observed peer the Guard runs this state machine:
//
//	Unknown  --BIRTH-->            Synced(expected=1)
//	Synced   --DATA seq==expected-> Synced(expected+1 mod 256)
//	Synced   --DATA seq!=expected-> Desynced      (RebirthRequired)
//	Unknown  --DATA-->             Desynced      (RebirthRequired)
//	Stale    --DATA-->             Desynced      (RebirthRequired)
//	Desynced --DATA-->             Desynced      (error only)
//	any      --BIRTH-->            Synced(expected=1)
//	any      --DEATH-->            Stale
//
// RebirthRequired is signalled exactly once per desync. Outbound numbering
// is a local counter: BIRTH resets it and yields 0, every DATA yields the
// next value. Nothing waits for acknowledgement.
package sequence

import (
	"fmt"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/session"
)

// Result is the outcome of an inbound DATA check.
type Result struct {
	// RebirthRequired is set on the transition into Desynced.
	RebirthRequired bool

	// Err is a *sparkplug.SequenceError when the message was out of order.
	Err error
}

// Guard applies the sequence rules to a session.State. Like the state it
// wraps, it must only be used from the owning engine's worker.
type Guard struct {
	state *session.State
}

// NewGuard returns a guard over st.
func NewGuard(st *session.State) *Guard {
	return &Guard{state: st}
}

// ObserveBirth resynchronises peer from its BIRTH message.
func (g *Guard) ObserveBirth(peer sparkplug.PeerID, msg *sparkplug.Message) {
	g.state.RecordInboundBirth(peer, msg)
}

// ObserveDeath marks peer Stale.
func (g *Guard) ObserveDeath(peer sparkplug.PeerID) {
	g.state.MarkPeer(peer, session.PeerStale)
}

// ObserveData checks an inbound DATA sequence number.
func (g *Guard) ObserveData(peer sparkplug.PeerID, seq uint8) Result {
	switch g.state.PeerStatusOf(peer) {
	case session.PeerSynced:
		v := g.state.CheckInboundSequence(peer, seq)
		if v.InOrder {
			return Result{}
		}
		g.state.MarkPeer(peer, session.PeerDesynced)
		return Result{
			RebirthRequired: true,
			Err:             &sparkplug.SequenceError{Peer: peer, Expected: v.Expected, Got: v.Got},
		}

	case session.PeerDesynced:
		return Result{Err: &sparkplug.SequenceError{Peer: peer, Got: seq, Unsynced: true}}

	default:
		g.state.MarkPeer(peer, session.PeerDesynced)
		return Result{
			RebirthRequired: true,
			Err:             &sparkplug.SequenceError{Peer: peer, Got: seq, Unsynced: true},
		}
	}
}

// PeekOutbound returns the sequence number NextOutbound would assign to kind
// without consuming it.
func (g *Guard) PeekOutbound(kind sparkplug.MessageKind) (uint8, error) {
	switch {
	case kind.IsBirth():
		return 0, nil
	case kind.IsData():
		if !g.state.Born() {
			return 0, fmt.Errorf("%w: %s before birth", sparkplug.ErrProtocolOrdering, kind)
		}
		return g.state.PeekOutbound(), nil
	default:
		return 0, fmt.Errorf("%w: %s carries no sequence number", sparkplug.ErrProtocolOrdering, kind)
	}
}

// NextOutbound consumes the sequence number for an outbound message. BIRTH
// resets the counter and returns 0; DATA before any BIRTH is rejected.
func (g *Guard) NextOutbound(kind sparkplug.MessageKind) (uint8, error) {
	if _, err := g.PeekOutbound(kind); err != nil {
		return 0, err
	}
	if kind.IsBirth() {
		g.state.ResetOutbound()
	}
	return g.state.AdvanceOutbound(), nil
}
