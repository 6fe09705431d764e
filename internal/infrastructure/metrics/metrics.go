// Package metrics exposes Sparkplug session activity as Prometheus metrics.
//
// Sink is a sparkplug.EventSink; attach it to every engine and serve
// Handler on /metrics.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

const namespace = "sparkplug"

// Sink counts engine events.
type Sink struct {
	registry *prometheus.Registry

	published *prometheus.CounterVec
	events    *prometheus.CounterVec
	errors    *prometheus.CounterVec
	rebirths  *prometheus.CounterVec
	online    *prometheus.GaugeVec
	lastSeq   *prometheus.GaugeVec
}

// New creates a Sink on its own registry, together with the Go runtime and
// process collectors.
func New() *Sink {
	s := &Sink{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages published by a session, by message kind.",
		}, []string{"session", "kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events emitted by a session, by event type.",
		}, []string{"session", "type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Non-fatal errors, by class (sequence, codec, connection, other).",
		}, []string{"session", "class"}),
		rebirths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebirth_requests_total",
			Help:      "Rebirths requested of or by a session.",
		}, []string{"session"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_online",
			Help:      "1 while the session is online.",
		}, []string{"session", "role"}),
		lastSeq: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_published_seq",
			Help:      "Sequence number of the last BIRTH or DATA published.",
		}, []string{"session"}),
	}

	s.registry.MustRegister(
		s.published, s.events, s.errors, s.rebirths, s.online, s.lastSeq,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Registry returns the registry the sink's collectors live on.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// HandleEvent updates the counters for e.
func (s *Sink) HandleEvent(e sparkplug.Event) {
	s.events.WithLabelValues(e.Session, string(e.Type)).Inc()

	switch e.Type {
	case sparkplug.EventOnline:
		s.online.WithLabelValues(e.Session, string(e.Role)).Set(1)
	case sparkplug.EventOffline:
		s.online.WithLabelValues(e.Session, string(e.Role)).Set(0)
	case sparkplug.EventPublished:
		s.published.WithLabelValues(e.Session, string(e.Kind)).Inc()
		if e.Kind.Sequenced() {
			s.lastSeq.WithLabelValues(e.Session).Set(float64(e.Seq))
		}
	case sparkplug.EventRebirthRequested:
		s.rebirths.WithLabelValues(e.Session).Inc()
	case sparkplug.EventError:
		s.errors.WithLabelValues(e.Session, errorClass(e.Err)).Inc()
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, sparkplug.ErrSequence):
		return "sequence"
	case errors.Is(err, sparkplug.ErrCodec):
		return "codec"
	case errors.Is(err, sparkplug.ErrConnection):
		return "connection"
	default:
		return "other"
	}
}
