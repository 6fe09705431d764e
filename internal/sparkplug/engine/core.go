package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/codec"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/sequence"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/session"
)

// Timeouts for lifecycle publishes made outside the caller's context.
const (
	// defaultStopTimeout bounds the explicit DEATH publish on Stop.
	defaultStopTimeout = 5 * time.Second

	// defaultAbandonTimeout bounds the best-effort DEATH after cancellation.
	defaultAbandonTimeout = 2 * time.Second
)

// hooks is the role-specific half of a session. All methods run on the
// worker goroutine.
type hooks interface {
	handleInbound(ctx context.Context, topic sparkplug.Topic, payload []byte)
	tick(ctx context.Context, now time.Time)
	goodbye(ctx context.Context) error
}

type request struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// core is the worker loop and lifecycle shared by every role engine. It
// owns the session state; nothing outside the worker goroutine touches it
// once the worker runs.
type core struct {
	role      sparkplug.Role
	name      string
	codec     codec.Codec
	transport sparkplug.Transport
	state     *session.State
	guard     *sequence.Guard
	choreo    *choreographer
	sink      sparkplug.EventSink
	logger    sparkplug.Logger
	now       func() time.Time

	requests chan request
	stopCh   chan struct{}
	done     chan struct{}

	claimed  atomic.Bool
	launched atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	conn     atomic.Int32

	mu  sync.Mutex
	err error
}

type coreOptions struct {
	role      sparkplug.Role
	name      string
	identity  sparkplug.Identity
	codec     codec.Codec
	transport sparkplug.Transport
	sink      sparkplug.EventSink
	logger    sparkplug.Logger
	now       func() time.Time
}

func newCore(opts coreOptions) *core {
	logger := opts.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	st := session.New(opts.identity)
	c := &core{
		role:      opts.role,
		name:      opts.name,
		codec:     opts.codec,
		transport: opts.transport,
		state:     st,
		guard:     sequence.NewGuard(st),
		sink:      opts.sink,
		logger:    logger,
		now:       now,
		requests:  make(chan request),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.choreo = &choreographer{
		version: opts.codec.Version(),
		codec:   opts.codec,
		state:   st,
		guard:   c.guard,
		now:     now,
	}
	return c
}

// claim marks the session as started exactly once.
func (c *core) claim() error {
	if !c.claimed.CompareAndSwap(false, true) {
		return sparkplug.ErrAlreadyStarted
	}
	return nil
}

// launch starts the worker goroutine once the session is Online.
func (c *core) launch(ctx context.Context, h hooks, interval time.Duration) {
	c.launched.Store(true)
	go c.run(ctx, h, interval)
}

func (c *core) run(ctx context.Context, h hooks, interval time.Duration) {
	defer c.finish()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	events := c.transport.Events()

	for {
		select {
		case <-ctx.Done():
			c.abandon(h)
			return

		case <-c.stopCh:
			c.shutdown(h)
			return

		case req := <-c.requests:
			req.reply <- req.fn(req.ctx)

		case ev, ok := <-events:
			if !ok {
				ev.Err = sparkplug.ErrConnectionLost
			}
			if ev.Err != nil {
				err := ev.Err
				if !errors.Is(err, sparkplug.ErrConnectionLost) {
					err = fmt.Errorf("%w: %w", sparkplug.ErrConnectionLost, err)
				}
				c.fail(err)
				return
			}
			t, err := sparkplug.ParseTopic(ev.Topic)
			if err != nil {
				c.logger.Debug("ignoring message outside sparkplug namespace", "session", c.name, "topic", ev.Topic)
				continue
			}
			h.handleInbound(ctx, t, ev.Payload)

		case now := <-tick:
			h.tick(ctx, now)
		}

		if c.Err() != nil {
			return
		}
	}
}

// do runs fn on the worker goroutine and returns its result.
func (c *core) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.launched.Load() {
		if err := c.Err(); err != nil {
			return fmt.Errorf("session %s ended: %w", c.name, err)
		}
		return sparkplug.ErrNotStarted
	}

	reply := make(chan error, 1)
	select {
	case c.requests <- request{ctx: ctx, fn: fn, reply: reply}:
	case <-c.done:
		return c.endedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *core) endedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("session %s ended: %w", c.name, err)
	}
	return sparkplug.ErrNotStarted
}

// stop asks the worker to shut down and waits for it. An unclaimed session
// returns at once. A claimed one is never released again: it either
// launches the worker or aborts, and both paths close done.
func (c *core) stop() error {
	if !c.claimed.Load() {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
	return c.Err()
}

// shutdown publishes the role's goodbye and disconnects. A goodbye failure
// is fatal and is reported as the session error.
func (c *core) shutdown(h hooks) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()

	if err := h.goodbye(ctx); err != nil {
		c.fail(err)
		return
	}
	c.disconnect()
	c.setConn(sparkplug.Offline)
	c.emit(sparkplug.Event{Type: sparkplug.EventOffline})
	c.logger.Info("sparkplug session stopped", "session", c.name)
}

// abandon runs on cancellation: a best-effort goodbye, then release.
func (c *core) abandon(h hooks) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultAbandonTimeout)
	defer cancel()

	if err := h.goodbye(ctx); err != nil {
		c.logger.Warn("death publish after cancellation failed", "session", c.name, "error", err)
	}
	c.disconnect()
	c.setConn(sparkplug.Offline)
	c.emit(sparkplug.Event{Type: sparkplug.EventOffline})
	c.logger.Info("sparkplug session cancelled", "session", c.name)
}

// fail ends the session with err: Offline, transport released, error kept.
func (c *core) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.disconnect()
	c.setConn(sparkplug.Offline)
	c.emit(sparkplug.Event{Type: sparkplug.EventOffline, Err: err})
	c.logger.Error("sparkplug session failed", "session", c.name, "error", err)
}

// finish closes done exactly once. Start calls it directly when the
// session never reached the worker.
func (c *core) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *core) disconnect() {
	if err := c.transport.Disconnect(); err != nil {
		c.logger.Warn("transport disconnect failed", "session", c.name, "error", err)
	}
}

// Err returns the error that ended the session, or nil.
func (c *core) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the session has ended.
func (c *core) Done() <-chan struct{} { return c.done }

// Name returns the session label used in events and logs.
func (c *core) Name() string { return c.name }

// Role returns the session's role.
func (c *core) Role() sparkplug.Role { return c.role }

// ConnectionState is safe to call from any goroutine.
func (c *core) ConnectionState() sparkplug.ConnectionState {
	return sparkplug.ConnectionState(c.conn.Load())
}

func (c *core) setConn(s sparkplug.ConnectionState) {
	c.state.SetConnection(s)
	c.conn.Store(int32(s))
}

func (c *core) emit(e sparkplug.Event) {
	if c.sink == nil {
		return
	}
	e.Session = c.name
	e.Role = c.role
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	c.sink.HandleEvent(e)
}

// report delivers a non-fatal error to the sink and the log.
func (c *core) report(err error, peer sparkplug.PeerID, kind sparkplug.MessageKind) {
	c.logger.Warn("sparkplug message rejected", "session", c.name, "peer", peer.String(), "kind", string(kind), "error", err)
	c.emit(sparkplug.Event{Type: sparkplug.EventError, Peer: peer, Kind: kind, Err: err})
}

// publish encodes msg and sends it. Transport failures wrap ErrConnection.
func (c *core) publish(ctx context.Context, topic string, msg *sparkplug.Message, qos byte, retain bool) error {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.send(ctx, topic, msg.Kind, payload, qos, retain); err != nil {
		return err
	}
	e := sparkplug.Event{Type: sparkplug.EventPublished, Kind: msg.Kind, Seq: msg.Seq}
	if msg.Kind.IsBirth() {
		// Births carry the full declaration so sinks can keep a history.
		e.Peer = c.state.Identity().Peer()
		e.Metrics = msg.Metrics
	}
	c.emit(e)
	return nil
}

func (c *core) publishRaw(ctx context.Context, topic string, kind sparkplug.MessageKind, seq uint8, payload []byte, qos byte, retain bool) error {
	if err := c.send(ctx, topic, kind, payload, qos, retain); err != nil {
		return err
	}
	c.emit(sparkplug.Event{Type: sparkplug.EventPublished, Kind: kind, Seq: seq})
	return nil
}

func (c *core) send(ctx context.Context, topic string, kind sparkplug.MessageKind, payload []byte, qos byte, retain bool) error {
	if err := c.transport.Publish(ctx, topic, payload, qos, retain); err != nil {
		if errors.Is(err, sparkplug.ErrConnection) {
			return fmt.Errorf("publishing %s: %w", kind, err)
		}
		return fmt.Errorf("%w: publishing %s: %w", sparkplug.ErrConnection, kind, err)
	}
	return nil
}

// connect arms will and opens the transport; failure ends the session.
func (c *core) connect(ctx context.Context, will *sparkplug.Will) error {
	c.setConn(sparkplug.Connecting)
	if err := c.transport.Connect(ctx, will); err != nil {
		if !errors.Is(err, sparkplug.ErrConnection) {
			err = fmt.Errorf("%w: %w", sparkplug.ErrConnection, err)
		}
		c.abort(err)
		return err
	}
	return nil
}

// abort fails a session that never reached its worker.
func (c *core) abort(err error) {
	c.fail(err)
	c.finish()
}

// subscribe adds filter; failure is a connection error.
func (c *core) subscribe(ctx context.Context, filter string) error {
	if err := c.transport.Subscribe(ctx, filter, sparkplug.QoSAtLeastOnce); err != nil {
		if !errors.Is(err, sparkplug.ErrConnection) {
			err = fmt.Errorf("%w: subscribing %s: %w", sparkplug.ErrConnection, filter, err)
		}
		return err
	}
	return nil
}

// decode parses an inbound payload for kind, reporting codec failures.
func (c *core) decode(kind sparkplug.MessageKind, peer sparkplug.PeerID, payload []byte) (*sparkplug.Message, bool) {
	msg, err := c.codec.Decode(payload)
	if err != nil {
		c.report(err, peer, kind)
		return nil, false
	}
	msg.Kind = kind
	return msg, true
}
