// Package process supervises one Sparkplug session: an edge node with its
// devices, or a host application.
//
// The Manager builds a session from its Factory, starts it, and waits for
// it to end. Transports are single use, so a restart always builds a fresh
// session. Only connection-class errors (sparkplug.ErrConnection) are
// retried. The delay doubles per attempt up to MaxRestartDelay and drops
// back to RestartDelay once a session has stayed up for StableThreshold.
//
//	mgr := process.NewManager(process.Config{
//	    Name:             "plant/line-1",
//	    Factory:          newNodeSession,
//	    RestartOnFailure: true,
//	    RestartDelay:     time.Second,
//	    MaxRestartDelay:  time.Minute,
//	})
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
