// Package sparkplugtest provides an in-memory Transport for engine tests.
package sparkplugtest

import (
	"context"
	"errors"
	"sync"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Op names a recorded transport call.
type Op string

const (
	OpConnect    Op = "connect"
	OpPublish    Op = "publish"
	OpSubscribe  Op = "subscribe"
	OpDisconnect Op = "disconnect"
)

// Call is one recorded transport call.
type Call struct {
	Op      Op
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	Will    *sparkplug.Will
}

// Kind parses the Sparkplug message kind from the call's topic.
func (c Call) Kind() sparkplug.MessageKind {
	t, err := sparkplug.ParseTopic(c.Topic)
	if err != nil {
		return ""
	}
	return t.Kind
}

// eventBuffer bounds how many inbound events a test may queue unread.
const eventBuffer = 4096

// FakeTransport records every call and lets tests inject inbound messages,
// failures and a lost connection. Safe for concurrent use.
type FakeTransport struct {
	mu         sync.Mutex
	calls      []Call
	events     chan sparkplug.InboundEvent
	closed     bool
	connected  bool
	connectErr error
	publishErr func(topic string) error
}

// NewFakeTransport returns a transport ready to Connect.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{events: make(chan sparkplug.InboundEvent, eventBuffer)}
}

// FailConnect makes Connect return err.
func (f *FakeTransport) FailConnect(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// FailPublish installs fn; a non-nil result fails the publish to that topic.
func (f *FakeTransport) FailPublish(fn func(topic string) error) {
	f.mu.Lock()
	f.publishErr = fn
	f.mu.Unlock()
}

// FailKind fails every publish of kind with err.
func (f *FakeTransport) FailKind(kind sparkplug.MessageKind, err error) {
	f.FailPublish(func(topic string) error {
		if t, perr := sparkplug.ParseTopic(topic); perr == nil && t.Kind == kind {
			return err
		}
		return nil
	})
}

// Connect records the call and its will.
func (f *FakeTransport) Connect(ctx context.Context, will *sparkplug.Will) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var w *sparkplug.Will
	if will != nil {
		copied := *will
		w = &copied
	}
	f.calls = append(f.calls, Call{Op: OpConnect, Will: w})
	if f.connectErr != nil {
		return errors.Join(sparkplug.ErrConnection, f.connectErr)
	}
	f.connected = true
	return nil
}

// Publish records the call.
func (f *FakeTransport) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{
		Op:      OpPublish,
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
	})
	if !f.connected {
		return errors.Join(sparkplug.ErrConnection, errors.New("not connected"))
	}
	if f.publishErr != nil {
		if err := f.publishErr(topic); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe records the call.
func (f *FakeTransport) Subscribe(_ context.Context, filter string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: OpSubscribe, Topic: filter, QoS: qos})
	if !f.connected {
		return errors.Join(sparkplug.ErrConnection, errors.New("not connected"))
	}
	return nil
}

// Events returns the inbound stream.
func (f *FakeTransport) Events() <-chan sparkplug.InboundEvent { return f.events }

// Disconnect records the call once and closes the inbound stream.
func (f *FakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected && f.closed {
		return nil
	}
	f.calls = append(f.calls, Call{Op: OpDisconnect})
	f.connected = false
	f.closeLocked()
	return nil
}

// Deliver queues an inbound message.
func (f *FakeTransport) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- sparkplug.InboundEvent{Topic: topic, Payload: payload}
}

// Drop simulates a lost connection: a terminal event, then close.
func (f *FakeTransport) Drop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if err == nil {
		err = sparkplug.ErrConnectionLost
	}
	f.connected = false
	f.events <- sparkplug.InboundEvent{Err: err}
	f.closeLocked()
}

func (f *FakeTransport) closeLocked() {
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

// Calls returns a copy of the recorded calls.
func (f *FakeTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Published returns the recorded publishes of kind, or all publishes when
// kind is empty.
func (f *FakeTransport) Published(kind sparkplug.MessageKind) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op != OpPublish {
			continue
		}
		if kind == "" || c.Kind() == kind {
			out = append(out, c)
		}
	}
	return out
}

// Connected reports whether Connect succeeded and Disconnect has not run.
func (f *FakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
