package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/codec"
)

// BdSeqSource hands out the birth/death sequence number for each new
// connection of an edge node.
type BdSeqSource interface {
	NextBdSeq(ctx context.Context, id sparkplug.Identity) (uint64, error)
}

// MemoryBdSeq is an in-process BdSeqSource. Values restart at 0 with the
// process.
type MemoryBdSeq struct {
	mu   sync.Mutex
	next map[sparkplug.Identity]uint64
}

// NextBdSeq returns 0, 1, ... 255, 0 for each identity.
func (m *MemoryBdSeq) NextBdSeq(_ context.Context, id sparkplug.Identity) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next == nil {
		m.next = make(map[sparkplug.Identity]uint64)
	}
	v := m.next[id]
	m.next[id] = (v + 1) % 256
	return v, nil
}

// NodeOptions holds configuration for creating an edge node session.
type NodeOptions struct {
	// Identity names the group and edge node. DeviceID must be empty.
	Identity sparkplug.Identity

	// Codec selects the payload encoding and namespace.
	Codec codec.Codec

	// Transport is the MQTT session the node owns.
	Transport sparkplug.Transport

	// Metrics are declared in every NBIRTH.
	Metrics []sparkplug.Metric

	// PrimaryHostID, when set, makes the node re-publish NBIRTH each time
	// that host's STATE turns online.
	PrimaryHostID string

	// BdSeq defaults to an in-memory source.
	BdSeq BdSeqSource

	Sink   sparkplug.EventSink
	Logger sparkplug.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Node is an edge node session: NBIRTH/NDEATH, NDATA, NCMD.
//
// Thread Safety: All methods are safe for concurrent use.
type Node struct {
	edge

	bdSeqSource   BdSeqSource
	primaryHostID string
	primaryOnline bool
	primarySeen   bool
}

// NewNode validates opts and returns a node ready to Start.
func NewNode(opts NodeOptions) (*Node, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Identity.DeviceID != "" {
		return nil, fmt.Errorf("%w: node identity carries device %q", sparkplug.ErrInvalidIdentity, opts.Identity.DeviceID)
	}
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}
	if opts.PrimaryHostID != "" {
		if err := validHostID(opts.PrimaryHostID); err != nil {
			return nil, err
		}
	}

	c := newCore(coreOptions{
		role:      sparkplug.RoleNode,
		name:      opts.Identity.String(),
		identity:  opts.Identity,
		codec:     opts.Codec,
		transport: opts.Transport,
		sink:      opts.Sink,
		logger:    opts.Logger,
		now:       opts.Now,
	})
	if err := c.state.DeclareMetrics(opts.Metrics); err != nil {
		return nil, err
	}
	if err := reserveControl(opts.Metrics, sparkplug.MetricNodeRebirth); err != nil {
		return nil, err
	}

	src := opts.BdSeq
	if src == nil {
		src = &MemoryBdSeq{}
	}
	return &Node{
		edge: edge{
			core:      c,
			withBdSeq: true,
			control:   sparkplug.MetricNodeRebirth,
		},
		bdSeqSource:   src,
		primaryHostID: opts.PrimaryHostID,
	}, nil
}

// Identity returns the node's identity.
func (n *Node) Identity() sparkplug.Identity { return n.state.Identity() }

// Start connects with the NDEATH will armed and publishes NBIRTH. It
// returns once the node is Online or the attempt has failed.
func (n *Node) Start(ctx context.Context) error {
	if err := n.claim(); err != nil {
		return err
	}

	bd, err := n.bdSeqSource.NextBdSeq(ctx, n.state.Identity())
	if err != nil {
		err = fmt.Errorf("allocating bdSeq: %w", err)
		n.abort(err)
		return err
	}
	n.bdSeq = bd

	var extra []string
	if n.primaryHostID != "" {
		extra = append(extra, sparkplug.StateTopic(n.choreo.version, n.primaryHostID))
	}
	return n.start(ctx, n, extra...)
}

// Stop publishes NDEATH and disconnects. It is idempotent and returns the
// error that ended the session, if any.
func (n *Node) Stop() error { return n.stop() }

// PublishData publishes NDATA. Every metric must have been declared at birth.
func (n *Node) PublishData(ctx context.Context, metrics []sparkplug.Metric) error {
	return n.do(ctx, func(ctx context.Context) error {
		return n.publishData(ctx, metrics)
	})
}

// Rebirth re-publishes NBIRTH on the current connection.
func (n *Node) Rebirth(ctx context.Context) error {
	return n.do(ctx, n.rebirth)
}

// BdSeq returns the bdSeq of the current connection.
func (n *Node) BdSeq() uint64 {
	var bd uint64
	_ = n.do(context.Background(), func(context.Context) error { //nolint:errcheck // zero on a stopped node
		bd = n.bdSeq
		return nil
	})
	return bd
}

func (n *Node) handleInbound(ctx context.Context, t sparkplug.Topic, payload []byte) {
	switch {
	case t.Kind == sparkplug.STATE:
		n.handleHostState(ctx, t, payload)
	case t.Kind == sparkplug.NCMD && t.Identity() == n.state.Identity():
		n.handleCommand(ctx, t, payload)
	}
}

// handleHostState re-publishes NBIRTH when the primary host comes online
// after having been seen offline.
func (n *Node) handleHostState(ctx context.Context, t sparkplug.Topic, payload []byte) {
	if t.HostID != n.primaryHostID {
		return
	}
	s, err := sparkplug.DecodeHostState(payload)
	if err != nil {
		n.report(err, sparkplug.PeerID{}, sparkplug.STATE)
		return
	}
	n.emit(sparkplug.Event{Type: sparkplug.EventHostState, Kind: sparkplug.STATE, Online: s.Online})

	wasOnline, seen := n.primaryOnline, n.primarySeen
	n.primaryOnline, n.primarySeen = s.Online, true
	if !s.Online || !seen || wasOnline {
		return
	}
	n.logger.Info("primary host back online, republishing birth", "session", n.name, "host", n.primaryHostID)
	if err := n.rebirth(ctx); err != nil {
		n.logger.Warn("rebirth for primary host failed", "session", n.name, "error", err)
	}
}

func (n *Node) tick(context.Context, time.Time) {}

func reserveControl(metrics []sparkplug.Metric, names ...string) error {
	for _, m := range metrics {
		for _, name := range append(names, sparkplug.MetricBdSeq) {
			if m.Name == name {
				return fmt.Errorf("%w: %q is reserved", sparkplug.ErrInvalidMetric, name)
			}
		}
	}
	return nil
}

func validHostID(id string) error {
	return sparkplug.Identity{GroupID: id, EdgeNodeID: id}.Validate()
}
