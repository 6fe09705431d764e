package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/codec"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/session"
)

// ApplicationOptions holds configuration for creating a host application.
type ApplicationOptions struct {
	// HostID names the host in its STATE topic.
	HostID string

	Codec     codec.Codec
	Transport sparkplug.Transport

	// Groups limits the subscription to these groups. Empty means all.
	// Other hosts' STATE is followed either way.
	Groups []string

	// RequestRebirth publishes a rebirth command to every peer that
	// desyncs.
	RequestRebirth bool

	// RebirthRetry re-sends the rebirth command to peers still desynced
	// after this long. Zero disables retries.
	RebirthRetry time.Duration

	Sink   sparkplug.EventSink
	Logger sparkplug.Logger
	Now    func() time.Time
}

// Application is a host application session. It announces itself with
// STATE, observes every edge node and device in its groups, tracks their
// sequence numbers and asks desynced peers to rebirth.
//
// Thread Safety: All methods are safe for concurrent use.
type Application struct {
	*core

	hostID         string
	groups         []string
	requestRebirth bool
	rebirthRetry   time.Duration
}

// NewApplication validates opts and returns an application ready to Start.
func NewApplication(opts ApplicationOptions) (*Application, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if err := validHostID(opts.HostID); err != nil {
		return nil, fmt.Errorf("host id: %w", err)
	}
	for _, g := range opts.Groups {
		if err := (sparkplug.Identity{GroupID: g, EdgeNodeID: "-"}).Validate(); err != nil {
			return nil, fmt.Errorf("group: %w", err)
		}
	}
	if opts.RebirthRetry < 0 {
		return nil, fmt.Errorf("rebirth retry must not be negative")
	}

	c := newCore(coreOptions{
		role:      sparkplug.RoleApplication,
		name:      "host:" + opts.HostID,
		codec:     opts.Codec,
		transport: opts.Transport,
		sink:      opts.Sink,
		logger:    opts.Logger,
		now:       opts.Now,
	})
	return &Application{
		core:           c,
		hostID:         opts.HostID,
		groups:         append([]string(nil), opts.Groups...),
		requestRebirth: opts.RequestRebirth,
		rebirthRetry:   opts.RebirthRetry,
	}, nil
}

// HostID returns the host's id.
func (a *Application) HostID() string { return a.hostID }

func (a *Application) stateTopic() string {
	return sparkplug.StateTopic(a.choreo.version, a.hostID)
}

func (a *Application) statePayload(online bool) []byte {
	return sparkplug.EncodeHostState(a.choreo.version, sparkplug.HostState{
		Online:    online,
		Timestamp: a.choreo.timestamp(),
	})
}

// Start connects with STATE offline armed as the will, subscribes to the
// configured groups and to other hosts' STATE, and publishes STATE online.
func (a *Application) Start(ctx context.Context) error {
	if err := a.claim(); err != nil {
		return err
	}

	will := &sparkplug.Will{
		Topic:   a.stateTopic(),
		Payload: a.statePayload(false),
		QoS:     sparkplug.QoSAtLeastOnce,
		Retain:  true,
	}
	if err := a.connect(ctx, will); err != nil {
		return err
	}

	filters := a.filters()
	for _, f := range filters {
		if err := a.subscribe(ctx, f); err != nil {
			a.abort(err)
			return err
		}
	}

	if err := a.publishRaw(ctx, a.stateTopic(), sparkplug.STATE, 0, a.statePayload(true), sparkplug.QoSAtLeastOnce, true); err != nil {
		a.abort(err)
		return err
	}

	a.setConn(sparkplug.Online)
	a.emit(sparkplug.Event{Type: sparkplug.EventOnline, Kind: sparkplug.STATE, Online: true})
	a.logger.Info("sparkplug host online", "session", a.name, "topic", a.stateTopic(), "filters", filters)

	var interval time.Duration
	if a.requestRebirth && a.rebirthRetry > 0 {
		interval = a.rebirthRetry / 2
	}
	a.launch(ctx, a, interval)
	return nil
}

// Stop publishes STATE offline and disconnects. It is idempotent.
func (a *Application) Stop() error { return a.stop() }

// filters lists the subscriptions: the namespace, or one filter per group,
// plus the STATE wildcard when those do not already cover other hosts.
func (a *Application) filters() []string {
	v := a.choreo.version
	if len(a.groups) == 0 {
		out := []string{sparkplug.NamespaceFilter(v, "")}
		if v == sparkplug.VersionA {
			// Version A STATE topics sit outside the spAv1.0 namespace.
			out = append(out, sparkplug.StateTopic(v, "+"))
		}
		return out
	}
	out := make([]string, 0, len(a.groups)+1)
	for _, g := range a.groups {
		out = append(out, sparkplug.NamespaceFilter(v, g))
	}
	return append(out, sparkplug.StateTopic(v, "+"))
}

// Peers returns a snapshot of every observed peer.
func (a *Application) Peers(ctx context.Context) ([]session.PeerInfo, error) {
	var out []session.PeerInfo
	err := a.do(ctx, func(context.Context) error {
		out = a.state.Peers()
		return nil
	})
	return out, err
}

// Catalog returns the metrics the peer declared in its last BIRTH.
func (a *Application) Catalog(ctx context.Context, peer sparkplug.PeerID) ([]sparkplug.Metric, error) {
	var out []sparkplug.Metric
	err := a.do(ctx, func(context.Context) error {
		if _, ok := a.state.Peer(peer); !ok {
			return fmt.Errorf("%w: no birth for %s", sparkplug.ErrUnknownMetric, peer)
		}
		out = a.state.Catalog(peer)
		return nil
	})
	return out, err
}

// RequestRebirth publishes the rebirth command for peer.
func (a *Application) RequestRebirth(ctx context.Context, peer sparkplug.PeerID) error {
	if err := peer.Identity().Validate(); err != nil {
		return err
	}
	return a.do(ctx, func(ctx context.Context) error {
		return a.sendRebirth(ctx, peer)
	})
}

// SendCommand publishes NCMD (or DCMD for a device peer) carrying metrics.
func (a *Application) SendCommand(ctx context.Context, peer sparkplug.PeerID, metrics []sparkplug.Metric) error {
	if err := peer.Identity().Validate(); err != nil {
		return err
	}
	if len(metrics) == 0 {
		return fmt.Errorf("%w: command without metrics", sparkplug.ErrInvalidMetric)
	}
	for _, m := range metrics {
		if m.Name == "" {
			return fmt.Errorf("%w: command metric has no name", sparkplug.ErrInvalidMetric)
		}
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return a.do(ctx, func(ctx context.Context) error {
		return a.sendCommand(ctx, peer, metrics)
	})
}

func (a *Application) sendCommand(ctx context.Context, peer sparkplug.PeerID, metrics []sparkplug.Metric) error {
	if a.state.Connection() != sparkplug.Online {
		return fmt.Errorf("%w: command while %s", sparkplug.ErrProtocolOrdering, a.state.Connection())
	}
	kind := commandKind(peer)
	msg := &sparkplug.Message{
		Kind:      kind,
		Timestamp: a.choreo.timestamp(),
		Metrics:   metrics,
	}
	topic := sparkplug.TopicFor(a.choreo.version, kind, peer.Identity())
	return a.publish(ctx, topic, msg, sparkplug.QoSAtLeastOnce, false)
}

func (a *Application) sendRebirth(ctx context.Context, peer sparkplug.PeerID) error {
	name := sparkplug.MetricNodeRebirth
	if peer.IsDevice() {
		name = sparkplug.MetricDeviceRebirth
	}
	if err := a.sendCommand(ctx, peer, []sparkplug.Metric{sparkplug.Bool(name, true)}); err != nil {
		a.report(err, peer, commandKind(peer))
		return err
	}
	a.state.MarkRebirthRequested(peer, a.now())
	a.logger.Info("rebirth requested", "session", a.name, "peer", peer.String())
	return nil
}

func (a *Application) goodbye(ctx context.Context) error {
	if a.state.Connection() != sparkplug.Online {
		return nil
	}
	return a.publishRaw(ctx, a.stateTopic(), sparkplug.STATE, 0, a.statePayload(false), sparkplug.QoSAtLeastOnce, true)
}

func (a *Application) handleInbound(ctx context.Context, t sparkplug.Topic, payload []byte) {
	peer := t.Peer()
	switch {
	case t.Kind == sparkplug.STATE:
		a.handleHostState(t, payload)
	case t.Kind.IsBirth():
		a.handleBirth(t, peer, payload)
	case t.Kind.IsData():
		a.handleData(ctx, t, peer, payload)
	case t.Kind.IsDeath():
		a.handleDeath(t, peer, payload)
	}
}

func (a *Application) handleHostState(t sparkplug.Topic, payload []byte) {
	if t.HostID == a.hostID {
		return
	}
	s, err := sparkplug.DecodeHostState(payload)
	if err != nil {
		a.report(err, sparkplug.PeerID{}, sparkplug.STATE)
		return
	}
	a.emit(sparkplug.Event{Type: sparkplug.EventHostState, Kind: sparkplug.STATE, Online: s.Online})
}

func (a *Application) handleBirth(t sparkplug.Topic, peer sparkplug.PeerID, payload []byte) {
	msg, ok := a.decode(t.Kind, peer, payload)
	if !ok {
		return
	}
	a.guard.ObserveBirth(peer, msg)
	a.emit(sparkplug.Event{Type: sparkplug.EventPeerBirth, Peer: peer, Kind: t.Kind, Seq: msg.Seq, Metrics: msg.Metrics})
	a.logger.Debug("peer birth", "session", a.name, "peer", peer.String(), "metrics", len(msg.Metrics))
}

func (a *Application) handleData(ctx context.Context, t sparkplug.Topic, peer sparkplug.PeerID, payload []byte) {
	msg, ok := a.decode(t.Kind, peer, payload)
	if !ok {
		return
	}
	if !msg.HasSeq {
		a.report(fmt.Errorf("%w: %s without seq", sparkplug.ErrCodec, t.Kind), peer, t.Kind)
		return
	}

	r := a.guard.ObserveData(peer, msg.Seq)
	if r.Err != nil {
		a.report(r.Err, peer, t.Kind)
		if r.RebirthRequired {
			a.emit(sparkplug.Event{Type: sparkplug.EventRebirthRequested, Peer: peer, Kind: t.Kind, Seq: msg.Seq})
			if a.requestRebirth {
				_ = a.sendRebirth(ctx, peer) //nolint:errcheck // reported by sendRebirth
			}
		}
		return
	}

	metrics, err := a.state.ResolveMetrics(peer, msg.Metrics)
	if err != nil {
		a.report(err, peer, t.Kind)
		return
	}
	a.emit(sparkplug.Event{Type: sparkplug.EventPeerData, Peer: peer, Kind: t.Kind, Seq: msg.Seq, Metrics: metrics})
}

// handleDeath marks the peer Stale. An NDEATH whose bdSeq does not match the
// node's last NBIRTH belongs to an older connection and is ignored; a
// matching one also ends every device of the node.
func (a *Application) handleDeath(t sparkplug.Topic, peer sparkplug.PeerID, payload []byte) {
	msg, ok := a.decode(t.Kind, peer, payload)
	if !ok {
		return
	}

	if t.Kind == sparkplug.NDEATH {
		if bd, ok := msg.BdSeq(); ok {
			if current, known := a.state.PeerBdSeq(peer); known && current != bd {
				a.logger.Debug("ignoring stale death", "session", a.name, "peer", peer.String(), "bd_seq", bd, "current", current)
				return
			}
		}
		for _, dev := range a.state.DevicesOf(peer) {
			a.guard.ObserveDeath(dev)
			a.emit(sparkplug.Event{Type: sparkplug.EventPeerDeath, Peer: dev, Kind: sparkplug.DDEATH})
		}
	}

	a.guard.ObserveDeath(peer)
	a.emit(sparkplug.Event{Type: sparkplug.EventPeerDeath, Peer: peer, Kind: t.Kind})
}

// tick re-sends rebirth commands to peers that stayed desynced.
func (a *Application) tick(ctx context.Context, _ time.Time) {
	if !a.requestRebirth || a.rebirthRetry <= 0 {
		return
	}
	now := a.now()
	for peer, at := range a.state.PeersWithStatus(session.PeerDesynced) {
		if now.Sub(at) < a.rebirthRetry {
			continue
		}
		_ = a.sendRebirth(ctx, peer) //nolint:errcheck // reported by sendRebirth
	}
}

func commandKind(peer sparkplug.PeerID) sparkplug.MessageKind {
	if peer.IsDevice() {
		return sparkplug.DCMD
	}
	return sparkplug.NCMD
}
