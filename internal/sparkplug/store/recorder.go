package store

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

const (
	recorderQueueSize = 256
	recorderTimeout   = 5 * time.Second
)

// BirthRecorder is an EventSink that saves births to a Store.
//
// It records the session's own published NBIRTH/DBIRTH and, for host
// applications, every observed peer birth. Writes happen on a background
// goroutine so the engine worker never waits on SQLite; when the queue is
// full the birth is dropped and logged.
type BirthRecorder struct {
	store  *Store
	logger sparkplug.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Birth
	done   chan struct{}
}

// NewBirthRecorder starts the writer goroutine. Call Close to stop it.
func NewBirthRecorder(s *Store, logger sparkplug.Logger) *BirthRecorder {
	r := &BirthRecorder{
		store:  s,
		logger: logger,
		queue:  make(chan Birth, recorderQueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// HandleEvent queues births for writing and ignores everything else.
func (r *BirthRecorder) HandleEvent(e sparkplug.Event) {
	b, ok := birthFromEvent(e)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- b:
	default:
		if r.logger != nil {
			r.logger.Warn("birth recorder queue full, dropping", "peer", b.Peer.String(), "kind", string(b.Kind))
		}
	}
}

// Close writes what is queued and stops the writer.
func (r *BirthRecorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *BirthRecorder) run() {
	defer close(r.done)
	for b := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
		if _, err := r.store.SaveBirth(ctx, b); err != nil && r.logger != nil {
			r.logger.Error("saving birth failed", "peer", b.Peer.String(), "kind", string(b.Kind), "error", err)
		}
		cancel()
	}
}

func birthFromEvent(e sparkplug.Event) (Birth, bool) {
	switch e.Type {
	case sparkplug.EventPublished, sparkplug.EventPeerBirth:
	default:
		return Birth{}, false
	}
	if !e.Kind.IsBirth() || e.Peer == (sparkplug.PeerID{}) {
		return Birth{}, false
	}

	b := Birth{
		Session: e.Session,
		Peer:    e.Peer,
		Kind:    e.Kind,
		Metrics: e.Metrics,
		BornAt:  e.Time,
	}
	msg := sparkplug.Message{Kind: e.Kind, Metrics: e.Metrics}
	b.BdSeq, b.HasBdSeq = msg.BdSeq()
	return b, true
}
