package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/sparkplug-core/internal/infrastructure/config"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Client is a single-use MQTT session implementing sparkplug.Transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Inbound messages are queued in broker order and read from Events.
type Client struct {
	cfg      config.MQTTConfig
	clientID string
	logger   Logger

	client pahomqtt.Client
	inbox  *inbox

	// used is set by the first Connect; a Client never connects twice.
	used bool

	// connected tracks current connection state.
	connected bool
	connMu    sync.RWMutex

	disconnectOnce sync.Once
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

var _ sparkplug.Transport = (*Client)(nil)

// New creates an unconnected client. session names the owning Sparkplug
// session and becomes part of the generated client id.
func New(cfg config.MQTTConfig, session string, logger Logger) *Client {
	return &Client{
		cfg:      cfg,
		clientID: newClientID(cfg.Broker.ClientID, session),
		logger:   logger,
		inbox:    newInbox(),
	}
}

// ClientID returns the id presented to the broker.
func (c *Client) ClientID() string {
	return c.clientID
}

// Connect establishes the connection with will armed.
//
// The will must be set before the CONNECT packet is sent; there is no way
// to add one afterwards. Connect fails with ErrConnectionFailed or ErrTimeout,
// both of which wrap sparkplug.ErrConnection.
func (c *Client) Connect(ctx context.Context, will *sparkplug.Will) error {
	c.connMu.Lock()
	if c.used {
		c.connMu.Unlock()
		return ErrAlreadyUsed
	}
	c.used = true

	opts := buildClientOptions(c.cfg, c.clientID)
	applyWill(opts, will)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})
	c.client = pahomqtt.NewClient(opts)
	c.connMu.Unlock()

	if err := waitToken(ctx, c.client.Connect(), defaultConnectTimeout); err != nil {
		c.inbox.halt()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	return nil
}

// handleConnectionLost is called by paho when the connection drops.
func (c *Client) handleConnectionLost(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if c.logger != nil {
		c.logger.Warn("MQTT connection lost", "client_id", c.clientID, "error", err)
	}
	c.inbox.close(fmt.Errorf("%w: %v", sparkplug.ErrConnectionLost, err))
}

// Events returns the inbound stream. It is closed after the terminal
// connection-lost event or after Disconnect.
func (c *Client) Events() <-chan sparkplug.InboundEvent {
	return c.inbox.out
}

// Disconnect closes the connection cleanly. The broker discards the will.
// It is idempotent and safe to call on a client that never connected.
func (c *Client) Disconnect() error {
	c.disconnectOnce.Do(func() {
		c.connMu.Lock()
		client, wasConnected := c.client, c.connected
		c.connected = false
		c.connMu.Unlock()

		if client != nil && wasConnected {
			client.Disconnect(defaultDisconnectQuiesce)
		}
		c.inbox.halt()
	})
	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// waitToken blocks until token completes, ctx ends or timeout passes.
// timeout applies only when ctx carries no deadline of its own.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

// deliver is the paho handler for every subscription. A panic while
// queueing is logged rather than taking down paho's router goroutine.
func (c *Client) deliver(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil && c.logger != nil {
			c.logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
		}
	}()

	ev := sparkplug.InboundEvent{Topic: msg.Topic(), Payload: msg.Payload()}
	if !c.inbox.push(ev) && c.logger != nil {
		c.logger.Warn("MQTT message dropped after close", "topic", msg.Topic())
	}
}
