// Package codec encodes and decodes Sparkplug payloads.
//
// Two mutually incompatible encodings exist: Sparkplug B (the Payload
// protobuf) and Sparkplug A (the Kura protobuf). Both are written directly
// with protowire, so encoding is deterministic and unknown fields are skipped
// on decode. A session picks one codec with ForVersion and keeps it.
//
// Every failure wraps sparkplug.ErrCodec.
package codec

import (
	"fmt"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
)

// Codec converts between Message values and wire payloads.
type Codec interface {
	// Version reports the protocol version the codec implements.
	Version() sparkplug.Version

	// Encode serialises msg. Message.Kind is not written.
	Encode(msg *sparkplug.Message) ([]byte, error)

	// Decode parses a payload. The caller sets Kind from the topic.
	Decode(payload []byte) (*sparkplug.Message, error)
}

// ForVersion returns the codec for v.
func ForVersion(v sparkplug.Version) (Codec, error) {
	switch v {
	case sparkplug.VersionA:
		return A{}, nil
	case sparkplug.VersionB:
		return B{}, nil
	default:
		return nil, fmt.Errorf("%w: no codec for version %s", sparkplug.ErrCodec, v)
	}
}

func codecErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sparkplug.ErrCodec}, args...)...)
}
