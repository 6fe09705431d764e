// Package api implements the HTTP API and WebSocket event stream for sparkplugd.
//
// This package provides:
//   - Session status for every supervised Sparkplug session
//   - Peer sequence state and metric catalogs from the host application
//   - Rebirth requests for a desynced peer
//   - The recorded birth catalog
//   - Prometheus metrics and a live lifecycle event stream
//
// # Graceful Degradation
//
// Every dependency is optional. Peer endpoints answer 503 while no host
// application is running and the births endpoint answers 503 without a
// store; health and sessions always work.
package api
