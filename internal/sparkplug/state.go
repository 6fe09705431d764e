package sparkplug

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// HostState is the payload of a host application STATE message.
type HostState struct {
	Online    bool   `json:"online"`
	Timestamp uint64 `json:"timestamp"`
}

// Legacy Sparkplug A STATE payloads.
var (
	stateOnline  = []byte("ONLINE")
	stateOffline = []byte("OFFLINE")
)

// EncodeHostState renders a STATE payload for the given version.
// STATE is outside the codec: version B uses JSON, version A plain text.
func EncodeHostState(v Version, s HostState) []byte {
	if v == VersionA {
		if s.Online {
			return append([]byte(nil), stateOnline...)
		}
		return append([]byte(nil), stateOffline...)
	}
	data, _ := json.Marshal(s) //nolint:errcheck // plain struct always marshals
	return data
}

// DecodeHostState parses a STATE payload. Both the JSON and the legacy text
// forms are accepted regardless of version.
func DecodeHostState(payload []byte) (HostState, error) {
	trimmed := bytes.TrimSpace(payload)
	switch {
	case bytes.EqualFold(trimmed, stateOnline):
		return HostState{Online: true}, nil
	case bytes.EqualFold(trimmed, stateOffline):
		return HostState{Online: false}, nil
	}

	var s HostState
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return HostState{}, fmt.Errorf("%w: state payload: %w", ErrCodec, err)
	}
	return s, nil
}
