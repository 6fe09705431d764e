// Package sparkplug defines the shared vocabulary of the Sparkplug session engine.
//
// It holds the types every other package speaks in:
//   - Identity and PeerID for naming edge nodes, devices and host applications
//   - Message and Metric, the codec-neutral representation of a payload
//   - Topic building and parsing for the Sparkplug topic namespace
//   - The Transport contract consumed by the role engines
//   - Events delivered to an EventSink (Online, Offline, RebirthRequested, ...)
//   - Sentinel errors for the error taxonomy
//
// # Topic Namespace
//
//	<namespace>/<group>/<KIND>/<edge node>[/<device>]
//	spBv1.0/STATE/<host id>     (version B host state)
//	STATE/<host id>             (version A host state)
//
// The namespace is spAv1.0 or spBv1.0 depending on the protocol version the
// session was started with. A session never changes version.
//
// # Errors
//
// Callers classify failures with errors.Is against ErrConnection, ErrSequence,
// ErrCodec and ErrProtocolOrdering. Connection failures end a session; the
// others are reported and the session continues.
package sparkplug
