package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Measurement names.
const (
	MeasurementLifecycle = "sparkplug_lifecycle"
	MeasurementMetrics   = "sparkplug_metrics"
)

// HandleEvent writes e. Outbound DATA publishes are skipped; they are
// high volume and already counted by the Prometheus sink.
func (c *Client) HandleEvent(e sparkplug.Event) {
	if !c.open.Load() {
		return
	}
	if p, ok := eventPoint(e); ok {
		c.writes.WritePoint(p)
		c.written.Add(1)
	}
}

// eventPoint maps an event to its point. Peer DATA goes to the metrics
// measurement, everything else worth keeping to the lifecycle measurement.
func eventPoint(e sparkplug.Event) (*write.Point, bool) {
	if e.Type == sparkplug.EventPeerData {
		return metricsPoint(e)
	}
	if e.Type == sparkplug.EventPublished && !e.Kind.IsBirth() && !e.Kind.IsDeath() {
		return nil, false
	}

	tags := map[string]string{
		"session": e.Session,
		"role":    string(e.Role),
		"event":   string(e.Type),
	}
	if e.Kind != "" {
		tags["kind"] = string(e.Kind)
	}
	if e.Peer != (sparkplug.PeerID{}) {
		tags["peer"] = e.Peer.String()
	}

	fields := map[string]any{
		"seq": int64(e.Seq),
	}
	if e.Type == sparkplug.EventHostState || e.Type == sparkplug.EventOnline {
		fields["online"] = e.Online
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
	}
	if len(e.Metrics) > 0 {
		fields["metrics"] = int64(len(e.Metrics))
	}

	return write.NewPoint(MeasurementLifecycle, tags, fields, e.Time), true
}

// metricsPoint turns a peer's DATA into one point with a field per metric.
// Null, bytes and unnamed metrics have no useful field value and are left out.
func metricsPoint(e sparkplug.Event) (*write.Point, bool) {
	fields := make(map[string]any, len(e.Metrics))
	for _, m := range e.Metrics {
		if m.Name == "" || m.IsNull {
			continue
		}
		switch v := m.Value.(type) {
		case bool, string, float64, float32, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
			fields[m.Name] = v
		}
	}
	if len(fields) == 0 {
		return nil, false
	}

	tags := map[string]string{
		"group": e.Peer.Group,
		"node":  e.Peer.Node,
	}
	if e.Peer.Device != "" {
		tags["device"] = e.Peer.Device
	}
	return write.NewPoint(MeasurementMetrics, tags, fields, e.Time), true
}
