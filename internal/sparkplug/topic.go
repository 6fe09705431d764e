package sparkplug

import (
	"fmt"
	"strings"
)

// Topic is a parsed Sparkplug topic.
type Topic struct {
	Version    Version
	Kind       MessageKind
	GroupID    string
	EdgeNodeID string
	DeviceID   string

	// HostID is set for STATE topics only.
	HostID string
}

// TopicFor builds the topic for kind under id.
//
// Example: TopicFor(VersionB, NDATA, Identity{"plant", "line-1", ""})
// returns "spBv1.0/plant/NDATA/line-1".
func TopicFor(v Version, kind MessageKind, id Identity) string {
	if kind.IsDevice() {
		return fmt.Sprintf("%s/%s/%s/%s/%s", v.Namespace(), id.GroupID, kind, id.EdgeNodeID, id.DeviceID)
	}
	return fmt.Sprintf("%s/%s/%s/%s", v.Namespace(), id.GroupID, kind, id.EdgeNodeID)
}

// StateTopic returns the host application STATE topic.
//
// Version A uses the legacy root-level "STATE/<host>" form.
func StateTopic(v Version, hostID string) string {
	if v == VersionA {
		return "STATE/" + hostID
	}
	return v.Namespace() + "/STATE/" + hostID
}

// NamespaceFilter returns the subscription filter covering every edge node
// and device of a group, or of all groups when group is empty.
func NamespaceFilter(v Version, group string) string {
	if group == "" {
		return v.Namespace() + "/#"
	}
	return v.Namespace() + "/" + group + "/#"
}

// String renders the topic back to its wire form.
func (t Topic) String() string {
	if t.Kind == STATE {
		return StateTopic(t.Version, t.HostID)
	}
	return TopicFor(t.Version, t.Kind, t.Identity())
}

// Identity returns the node or device identity addressed by the topic.
func (t Topic) Identity() Identity {
	return Identity{GroupID: t.GroupID, EdgeNodeID: t.EdgeNodeID, DeviceID: t.DeviceID}
}

// Peer returns the PeerID addressed by the topic.
func (t Topic) Peer() PeerID { return t.Identity().Peer() }

// ParseTopic parses a Sparkplug A or B topic, including STATE topics.
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")

	if len(parts) == 2 && parts[0] == string(STATE) {
		if parts[1] == "" {
			return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
		return Topic{Version: VersionA, Kind: STATE, HostID: parts[1]}, nil
	}

	if len(parts) < 3 {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}

	v, err := ParseVersion(parts[0])
	if err != nil || parts[0] != v.Namespace() {
		return Topic{}, fmt.Errorf("%w: %q has no sparkplug namespace", ErrInvalidTopic, topic)
	}

	if parts[1] == string(STATE) {
		if len(parts) != 3 || parts[2] == "" {
			return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
		return Topic{Version: v, Kind: STATE, HostID: parts[2]}, nil
	}

	kind := MessageKind(parts[2])
	if !kind.Valid() || kind == STATE {
		return Topic{}, fmt.Errorf("%w: %q has unknown message kind", ErrInvalidTopic, topic)
	}

	want := 4
	if kind.IsDevice() {
		want = 5
	}
	if len(parts) != want {
		return Topic{}, fmt.Errorf("%w: %q has %d levels, want %d", ErrInvalidTopic, topic, len(parts), want)
	}

	t := Topic{Version: v, Kind: kind, GroupID: parts[1], EdgeNodeID: parts[3]}
	if kind.IsDevice() {
		t.DeviceID = parts[4]
	}
	if err := t.Identity().Validate(); err != nil {
		return Topic{}, fmt.Errorf("%w: %q: %w", ErrInvalidTopic, topic, err)
	}
	return t, nil
}
