package engine

import (
	"context"
	"fmt"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// edge holds the behaviour Node and Device share: DATA publishing, BIRTH on
// start and rebirth, and DEATH on stop.
type edge struct {
	*core

	bdSeq     uint64
	withBdSeq bool

	// control is the rebirth control metric declared in every BIRTH.
	control string

	// precondition is checked before every BIRTH and DATA.
	precondition func() error
}

func (e *edge) topic(kind sparkplug.MessageKind) string {
	return sparkplug.TopicFor(e.choreo.version, kind, e.state.Identity())
}

func (e *edge) commandTopic() string {
	if e.state.Identity().DeviceID != "" {
		return e.topic(sparkplug.DCMD)
	}
	return e.topic(sparkplug.NCMD)
}

func (e *edge) checkPrecondition() error {
	if e.precondition == nil {
		return nil
	}
	return e.precondition()
}

func (e *edge) birthExtras() []sparkplug.Metric {
	var extra []sparkplug.Metric
	if e.withBdSeq {
		extra = append(extra, sparkplug.Int64(sparkplug.MetricBdSeq, int64(e.bdSeq))) //nolint:gosec // bdSeq is 0-255
	}
	return append(extra, sparkplug.Bool(e.control, false))
}

// start runs the connect choreography: will armed, connect, subscribe,
// BIRTH. Any failure ends the session. Callers check the precondition
// before claiming; a claimed session always ends with done closed, so a
// concurrent Stop never waits on a session that was released.
func (e *edge) start(ctx context.Context, h hooks, subscriptions ...string) error {
	will, err := e.choreo.will(e.choreo.death(e.bdSeq, e.withBdSeq))
	if err != nil {
		e.abort(err)
		return err
	}
	if err := e.connect(ctx, will); err != nil {
		return err
	}

	for _, filter := range append([]string{e.commandTopic()}, subscriptions...) {
		if err := e.subscribe(ctx, filter); err != nil {
			e.abort(err)
			return err
		}
	}

	if err := e.publishBirth(ctx); err != nil {
		e.abort(err)
		return err
	}

	e.setConn(sparkplug.Online)
	e.emit(sparkplug.Event{Type: sparkplug.EventOnline, Kind: birthKind(e.state.Identity())})
	e.logger.Info("sparkplug session online",
		"session", e.name,
		"topic", e.topic(birthKind(e.state.Identity())),
		"metrics", len(e.state.KnownMetrics()),
	)
	e.launch(ctx, h, 0)
	return nil
}

func (e *edge) publishBirth(ctx context.Context) error {
	msg, err := e.choreo.birth(e.birthExtras()...)
	if err != nil {
		return err
	}
	return e.publish(ctx, e.topic(msg.Kind), msg, sparkplug.QoSAtLeastOnce, false)
}

// rebirth re-publishes BIRTH on the open connection. A failure is fatal.
func (e *edge) rebirth(ctx context.Context) error {
	if err := e.checkPrecondition(); err != nil {
		return err
	}
	if e.state.Connection() != sparkplug.Online {
		return fmt.Errorf("%w: rebirth while %s", sparkplug.ErrProtocolOrdering, e.state.Connection())
	}
	if err := e.publishBirth(ctx); err != nil {
		e.fail(err)
		return err
	}
	e.logger.Info("sparkplug rebirth published", "session", e.name, "births", e.state.Births())
	return nil
}

// publishData validates metrics against the BIRTH declaration, assigns the
// next sequence number and publishes. A publish failure is returned and
// reported; the sequence number stays consumed.
func (e *edge) publishData(ctx context.Context, metrics []sparkplug.Metric) error {
	if err := e.checkPrecondition(); err != nil {
		return err
	}
	if e.state.Connection() != sparkplug.Online {
		return fmt.Errorf("%w: DATA while %s", sparkplug.ErrProtocolOrdering, e.state.Connection())
	}
	if len(metrics) == 0 {
		return fmt.Errorf("%w: DATA without metrics", sparkplug.ErrInvalidMetric)
	}

	checked := make([]sparkplug.Metric, len(metrics))
	for i, m := range metrics {
		c, err := e.checkDeclared(m)
		if err != nil {
			return err
		}
		checked[i] = c
	}

	msg, err := e.choreo.data(checked)
	if err != nil {
		return err
	}
	payload, err := e.codec.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := e.guard.NextOutbound(msg.Kind); err != nil {
		return err
	}

	if err := e.publishRaw(ctx, e.topic(msg.Kind), msg.Kind, msg.Seq, payload, sparkplug.QoSAtLeastOnce, false); err != nil {
		e.report(err, e.state.Identity().Peer(), msg.Kind)
		return err
	}
	return e.state.UpdateKnown(checked)
}

// checkDeclared matches m to its declaration. An untyped metric takes the
// declared type.
func (e *edge) checkDeclared(m sparkplug.Metric) (sparkplug.Metric, error) {
	decl, ok := e.state.Known(m.Name)
	if !ok {
		return sparkplug.Metric{}, fmt.Errorf("%w: %q", sparkplug.ErrUnknownMetric, m.Name)
	}
	if m.Type == sparkplug.TypeUnknown {
		m.Type = decl.Type
		if !m.IsNull {
			v, err := sparkplug.NewMetric(m.Name, decl.Type, m.Value)
			if err != nil {
				return sparkplug.Metric{}, err
			}
			m.Value = v.Value
		}
	}
	if m.Type != decl.Type {
		return sparkplug.Metric{}, fmt.Errorf("%w: %q declared as %s, got %s", sparkplug.ErrInvalidMetric, m.Name, decl.Type, m.Type)
	}
	if err := m.Validate(); err != nil {
		return sparkplug.Metric{}, err
	}
	m.Alias = 0
	return m, nil
}

// goodbye publishes the explicit DEATH, then the caller disconnects.
func (e *edge) goodbye(ctx context.Context) error {
	if e.state.Connection() != sparkplug.Online {
		return nil
	}
	msg := e.choreo.death(e.bdSeq, e.withBdSeq)
	return e.publish(ctx, e.topic(msg.Kind), msg, sparkplug.QoSAtLeastOnce, true)
}

// handleCommand dispatches an inbound NCMD/DCMD addressed to this session.
func (e *edge) handleCommand(ctx context.Context, t sparkplug.Topic, payload []byte) {
	msg, ok := e.decode(t.Kind, t.Peer(), payload)
	if !ok {
		return
	}

	var rest []sparkplug.Metric
	rebirth := false
	for _, m := range msg.Metrics {
		if m.Name == "" {
			m.Name, _ = e.state.NameForAlias(m.Alias)
		}
		if m.Name == e.control {
			if v, ok := m.Value.(bool); ok && v {
				rebirth = true
			}
			continue
		}
		rest = append(rest, m)
	}

	if len(rest) > 0 {
		e.emit(sparkplug.Event{Type: sparkplug.EventCommand, Kind: t.Kind, Metrics: rest})
	}
	if !rebirth {
		return
	}

	e.emit(sparkplug.Event{Type: sparkplug.EventRebirthRequested, Kind: t.Kind})
	if err := e.rebirth(ctx); err != nil {
		e.logger.Warn("rebirth on command failed", "session", e.name, "error", err)
	}
}
