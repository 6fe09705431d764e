package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/sparkplug-core/internal/process"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/engine"
)

var _ process.Session = (*edgeGroup)(nil)

// member is the part of an edge session the group drives.
type member interface {
	Start(ctx context.Context) error
	Stop() error
	Done() <-chan struct{}
	Err() error
	Name() string
}

// edgeGroup runs an edge node and its devices as one supervised session.
// The node births first and dies last. When any member ends, the whole
// group goes down and the supervisor rebuilds it.
type edgeGroup struct {
	node    *engine.Node
	devices []*engine.Device

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func newEdgeGroup(node *engine.Node, devices []*engine.Device) *edgeGroup {
	return &edgeGroup{
		node:    node,
		devices: devices,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start brings the node online, then each device in order. A failure stops
// whatever already started and is returned.
func (g *edgeGroup) Start(ctx context.Context) error {
	if err := g.node.Start(ctx); err != nil {
		g.finish(err)
		return err
	}

	started := make([]*engine.Device, 0, len(g.devices))
	for _, d := range g.devices {
		if err := d.Start(ctx); err != nil {
			err = fmt.Errorf("starting device %s: %w", d.Name(), err)
			g.stopMembers(started)
			g.finish(err)
			return err
		}
		started = append(started, d)
	}

	go g.watch()
	return nil
}

// watch waits for the first member to end, or for Stop, then takes the
// rest of the group down.
func (g *edgeGroup) watch() {
	members := g.members()
	ended := make(chan member, len(members))
	for _, m := range members {
		go func(m member) {
			select {
			case <-m.Done():
				ended <- m
			case <-g.done:
			}
		}(m)
	}

	var cause error
	select {
	case m := <-ended:
		cause = m.Err()
		if cause == nil {
			cause = fmt.Errorf("%w: %s ended", sparkplug.ErrConnectionLost, m.Name())
		}
	case <-g.stopCh:
	}

	if err := g.stopMembers(g.devices); cause == nil {
		cause = err
	}
	g.finish(cause)
}

// stopMembers stops devices newest first, then the node. It returns the
// first error reported.
func (g *edgeGroup) stopMembers(devices []*engine.Device) error {
	var first error
	for i := len(devices) - 1; i >= 0; i-- {
		if err := devices[i].Stop(); err != nil && first == nil {
			first = err
		}
	}
	if err := g.node.Stop(); err != nil && first == nil {
		first = err
	}
	return first
}

func (g *edgeGroup) finish(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.done:
		return
	default:
	}
	g.err = err
	close(g.done)
}

func (g *edgeGroup) members() []member {
	out := make([]member, 0, len(g.devices)+1)
	out = append(out, g.node)
	for _, d := range g.devices {
		out = append(out, d)
	}
	return out
}

// Stop ends the group. It is idempotent and returns the error that ended
// the group, if any.
func (g *edgeGroup) Stop() error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	<-g.done
	return g.Err()
}

// Done is closed once every member has stopped.
func (g *edgeGroup) Done() <-chan struct{} { return g.done }

// Err returns the error that ended the group.
func (g *edgeGroup) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Name returns the node's session name.
func (g *edgeGroup) Name() string { return g.node.Name() }

// ConnectionState follows the node.
func (g *edgeGroup) ConnectionState() sparkplug.ConnectionState {
	return g.node.ConnectionState()
}

// Node returns the group's edge node.
func (g *edgeGroup) Node() *engine.Node { return g.node }
