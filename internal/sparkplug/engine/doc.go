// Package engine runs Sparkplug sessions: edge nodes, devices and host
// applications.
//
// Each engine owns one Transport and one worker goroutine. The worker is
// the only code that touches the session state once Start has returned;
// PublishData, Rebirth, Peers and the other calls are queued to it and
// answered in order with inbound messages and timer work.
//
// # Lifecycle
//
//	Start: will armed -> Connect -> Subscribe -> BIRTH (seq 0) -> Online
//	Stop:  DEATH -> Disconnect -> Offline
//
// A host application uses STATE online/offline in place of BIRTH/DEATH.
// Cancelling the context passed to Start ends the session with a
// best-effort DEATH. A failed BIRTH, DEATH or STATE publish, or a lost
// connection, is fatal: the engine goes Offline and the error is returned
// by Start or Stop and reported through Err and the Offline event.
//
// # Usage
//
//	node, err := engine.NewNode(engine.NodeOptions{
//	    Identity:  sparkplug.Identity{GroupID: "plant", EdgeNodeID: "line-1"},
//	    Codec:     codec.B{},
//	    Transport: transport,
//	    Metrics:   []sparkplug.Metric{sparkplug.Double("temp", 20)},
//	})
//	if err != nil { ... }
//	if err := node.Start(ctx); err != nil { ... }
//	defer node.Stop()
//
//	err = node.PublishData(ctx, []sparkplug.Metric{sparkplug.Double("temp", 21.5)})
package engine

import (
	"context"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Session is the lifecycle every engine exposes.
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	Done() <-chan struct{}
	Err() error
	Name() string
	Role() sparkplug.Role
	ConnectionState() sparkplug.ConnectionState
}

var (
	_ Session = (*Node)(nil)
	_ Session = (*Device)(nil)
	_ Session = (*Application)(nil)
	_ Owner   = (*Node)(nil)
)
