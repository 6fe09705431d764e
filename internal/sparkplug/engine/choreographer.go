package engine

import (
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/codec"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/sequence"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/session"
)

// choreographer builds the lifecycle messages of an edge session: the DEATH
// payload armed as the will, and each BIRTH.
type choreographer struct {
	version sparkplug.Version
	codec   codec.Codec
	state   *session.State
	guard   *sequence.Guard
	now     func() time.Time
}

func (c *choreographer) timestamp() uint64 {
	return uint64(c.now().UnixMilli()) //nolint:gosec // wall clock is after 1970
}

func deathKind(id sparkplug.Identity) sparkplug.MessageKind {
	if id.DeviceID != "" {
		return sparkplug.DDEATH
	}
	return sparkplug.NDEATH
}

func birthKind(id sparkplug.Identity) sparkplug.MessageKind {
	if id.DeviceID != "" {
		return sparkplug.DBIRTH
	}
	return sparkplug.NBIRTH
}

func dataKind(id sparkplug.Identity) sparkplug.MessageKind {
	if id.DeviceID != "" {
		return sparkplug.DDATA
	}
	return sparkplug.NDATA
}

// death builds the DEATH message. A node DEATH carries bdSeq so hosts can
// match it to the birth it ends.
func (c *choreographer) death(bdSeq uint64, withBdSeq bool) *sparkplug.Message {
	msg := &sparkplug.Message{
		Kind:      deathKind(c.state.Identity()),
		Timestamp: c.timestamp(),
	}
	if withBdSeq {
		msg.Metrics = []sparkplug.Metric{sparkplug.Int64(sparkplug.MetricBdSeq, int64(bdSeq))} //nolint:gosec // bdSeq is 0-255
	}
	return msg
}

// will encodes the DEATH message as the connection's last will.
func (c *choreographer) will(msg *sparkplug.Message) (*sparkplug.Will, error) {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	return &sparkplug.Will{
		Topic:   sparkplug.TopicFor(c.version, msg.Kind, c.state.Identity()),
		Payload: payload,
		QoS:     sparkplug.QoSAtLeastOnce,
		Retain:  true,
	}, nil
}

// birth builds the next BIRTH and commits seq 0. extra metrics (bdSeq, the
// rebirth control) precede the known-metric snapshot.
func (c *choreographer) birth(extra ...sparkplug.Metric) (*sparkplug.Message, error) {
	kind := birthKind(c.state.Identity())

	metrics := make([]sparkplug.Metric, 0, len(extra)+len(c.state.KnownMetrics()))
	metrics = append(metrics, extra...)
	for _, m := range c.state.KnownMetrics() {
		if c.version == sparkplug.VersionA {
			m.Alias = 0
		}
		metrics = append(metrics, m)
	}

	seq, err := c.guard.NextOutbound(kind)
	if err != nil {
		return nil, err
	}
	return &sparkplug.Message{
		Kind:      kind,
		Seq:       seq,
		HasSeq:    true,
		Timestamp: c.timestamp(),
		Metrics:   metrics,
	}, nil
}

// data builds a DATA message from already validated metrics without
// consuming a sequence number. Version B sends aliases only.
func (c *choreographer) data(metrics []sparkplug.Metric) (*sparkplug.Message, error) {
	kind := dataKind(c.state.Identity())
	seq, err := c.guard.PeekOutbound(kind)
	if err != nil {
		return nil, err
	}

	out := make([]sparkplug.Metric, len(metrics))
	for i, m := range metrics {
		if c.version == sparkplug.VersionB {
			if alias, ok := c.state.Alias(m.Name); ok {
				m.Alias = alias
				m.Name = ""
			}
		} else {
			m.Alias = 0
		}
		out[i] = m
	}

	return &sparkplug.Message{
		Kind:      kind,
		Seq:       seq,
		HasSeq:    true,
		Timestamp: c.timestamp(),
		Metrics:   out,
	}, nil
}
