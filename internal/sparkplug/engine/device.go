package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/codec"
)

// Owner is the edge node a device belongs to. *Node satisfies it.
type Owner interface {
	Identity() sparkplug.Identity
	ConnectionState() sparkplug.ConnectionState
}

// DeviceOptions holds configuration for creating a device session.
type DeviceOptions struct {
	// Owner is the edge node the device hangs off.
	Owner Owner

	// DeviceID is the device's topic level under the owner.
	DeviceID string

	Codec     codec.Codec
	Transport sparkplug.Transport

	// Metrics are declared in every DBIRTH.
	Metrics []sparkplug.Metric

	Sink   sparkplug.EventSink
	Logger sparkplug.Logger
	Now    func() time.Time
}

// Device is a device session: DBIRTH/DDEATH, DDATA, DCMD. It runs its own
// transport and sequence counter, and only births or publishes while its
// owning node is Online.
//
// Thread Safety: All methods are safe for concurrent use.
type Device struct {
	edge
	owner Owner
}

// NewDevice validates opts and returns a device ready to Start.
func NewDevice(opts DeviceOptions) (*Device, error) {
	if opts.Owner == nil {
		return nil, fmt.Errorf("owner is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", sparkplug.ErrInvalidIdentity)
	}
	id := opts.Owner.Identity().Node()
	id.DeviceID = opts.DeviceID
	if err := id.Validate(); err != nil {
		return nil, err
	}

	c := newCore(coreOptions{
		role:      sparkplug.RoleDevice,
		name:      id.String(),
		identity:  id,
		codec:     opts.Codec,
		transport: opts.Transport,
		sink:      opts.Sink,
		logger:    opts.Logger,
		now:       opts.Now,
	})
	if err := c.state.DeclareMetrics(opts.Metrics); err != nil {
		return nil, err
	}
	if err := reserveControl(opts.Metrics, sparkplug.MetricDeviceRebirth); err != nil {
		return nil, err
	}

	d := &Device{
		edge: edge{
			core:    c,
			control: sparkplug.MetricDeviceRebirth,
		},
		owner: opts.Owner,
	}
	d.precondition = d.ownerOnline
	return d, nil
}

// Identity returns the device's identity.
func (d *Device) Identity() sparkplug.Identity { return d.state.Identity() }

// Start connects with the DDEATH will armed and publishes DBIRTH. It fails
// with ErrProtocolOrdering, before touching the transport, when the owning
// node is not Online; the device stays unclaimed and Start may be retried.
func (d *Device) Start(ctx context.Context) error {
	if err := d.checkPrecondition(); err != nil {
		return err
	}
	if err := d.claim(); err != nil {
		return err
	}
	return d.start(ctx, d)
}

// Stop publishes DDEATH and disconnects. It is idempotent.
func (d *Device) Stop() error { return d.stop() }

// PublishData publishes DDATA.
func (d *Device) PublishData(ctx context.Context, metrics []sparkplug.Metric) error {
	return d.do(ctx, func(ctx context.Context) error {
		return d.publishData(ctx, metrics)
	})
}

// Rebirth re-publishes DBIRTH on the current connection.
func (d *Device) Rebirth(ctx context.Context) error {
	return d.do(ctx, d.rebirth)
}

func (d *Device) ownerOnline() error {
	if s := d.owner.ConnectionState(); s != sparkplug.Online {
		return fmt.Errorf("%w: node %s is %s", sparkplug.ErrProtocolOrdering, d.owner.Identity(), s)
	}
	return nil
}

func (d *Device) handleInbound(ctx context.Context, t sparkplug.Topic, payload []byte) {
	if t.Kind == sparkplug.DCMD && t.Identity() == d.state.Identity() {
		d.handleCommand(ctx, t, payload)
	}
}

func (d *Device) tick(context.Context, time.Time) {}
