package sparkplug

import (
	"fmt"
	"strings"
)

// Version selects the Sparkplug payload encoding and topic namespace.
type Version int

const (
	// VersionA is Sparkplug A (Kura payloads, spAv1.0 namespace).
	VersionA Version = iota + 1

	// VersionB is Sparkplug B (spBv1.0 namespace).
	VersionB
)

// Namespace returns the first topic level used by the version.
func (v Version) Namespace() string {
	switch v {
	case VersionA:
		return "spAv1.0"
	case VersionB:
		return "spBv1.0"
	default:
		return ""
	}
}

func (v Version) String() string {
	switch v {
	case VersionA:
		return "A"
	case VersionB:
		return "B"
	default:
		return fmt.Sprintf("Version(%d)", int(v))
	}
}

// ParseVersion accepts "A", "B" or the namespace form ("spBv1.0").
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "spav1.0":
		return VersionA, nil
	case "b", "spbv1.0":
		return VersionB, nil
	default:
		return 0, fmt.Errorf("unknown sparkplug version %q", s)
	}
}

// Role is the part a session plays in the Sparkplug topology.
type Role string

const (
	RoleNode        Role = "node"
	RoleDevice      Role = "device"
	RoleApplication Role = "application"
)

// ConnectionState is the lifecycle state of a session.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Online
	Offline
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// MessageKind is the message type carried in the third topic level.
type MessageKind string

const (
	NBIRTH MessageKind = "NBIRTH"
	NDEATH MessageKind = "NDEATH"
	NDATA  MessageKind = "NDATA"
	NCMD   MessageKind = "NCMD"
	DBIRTH MessageKind = "DBIRTH"
	DDEATH MessageKind = "DDEATH"
	DDATA  MessageKind = "DDATA"
	DCMD   MessageKind = "DCMD"
	STATE  MessageKind = "STATE"
)

// IsBirth reports whether k is NBIRTH or DBIRTH.
func (k MessageKind) IsBirth() bool { return k == NBIRTH || k == DBIRTH }

// IsDeath reports whether k is NDEATH or DDEATH.
func (k MessageKind) IsDeath() bool { return k == NDEATH || k == DDEATH }

// IsData reports whether k is NDATA or DDATA.
func (k MessageKind) IsData() bool { return k == NDATA || k == DDATA }

// IsCommand reports whether k is NCMD or DCMD.
func (k MessageKind) IsCommand() bool { return k == NCMD || k == DCMD }

// IsDevice reports whether the kind is addressed to a device.
func (k MessageKind) IsDevice() bool {
	return k == DBIRTH || k == DDEATH || k == DDATA || k == DCMD
}

// Sequenced reports whether the kind participates in the sequence counter.
func (k MessageKind) Sequenced() bool { return k.IsBirth() || k.IsData() }

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case NBIRTH, NDEATH, NDATA, NCMD, DBIRTH, DDEATH, DDATA, DCMD, STATE:
		return true
	}
	return false
}

// Identity names a session: the group and edge node it belongs to and,
// for device sessions, the device id.
type Identity struct {
	GroupID    string `json:"group_id"`
	EdgeNodeID string `json:"edge_node_id"`
	DeviceID   string `json:"device_id,omitempty"`
}

// Validate checks that every id is usable as a single topic level.
func (id Identity) Validate() error {
	if err := validateTopicLevel("group id", id.GroupID); err != nil {
		return err
	}
	if err := validateTopicLevel("edge node id", id.EdgeNodeID); err != nil {
		return err
	}
	if id.DeviceID != "" {
		if err := validateTopicLevel("device id", id.DeviceID); err != nil {
			return err
		}
	}
	return nil
}

// Node returns the identity of the owning edge node.
func (id Identity) Node() Identity {
	return Identity{GroupID: id.GroupID, EdgeNodeID: id.EdgeNodeID}
}

// Peer converts the identity to a PeerID.
func (id Identity) Peer() PeerID {
	return PeerID{Group: id.GroupID, Node: id.EdgeNodeID, Device: id.DeviceID}
}

func (id Identity) String() string { return id.Peer().String() }

// PeerID identifies a remote edge node or device as observed by a host.
// It is comparable and used as a map key.
type PeerID struct {
	Group  string `json:"group"`
	Node   string `json:"node"`
	Device string `json:"device,omitempty"`
}

// IsDevice reports whether the peer is a device.
func (p PeerID) IsDevice() bool { return p.Device != "" }

// NodeID returns the owning edge node of a device peer (or p itself).
func (p PeerID) NodeID() PeerID { return PeerID{Group: p.Group, Node: p.Node} }

// Identity converts the peer back to an Identity.
func (p PeerID) Identity() Identity {
	return Identity{GroupID: p.Group, EdgeNodeID: p.Node, DeviceID: p.Device}
}

func (p PeerID) String() string {
	if p.Device == "" {
		return p.Group + "/" + p.Node
	}
	return p.Group + "/" + p.Node + "/" + p.Device
}

// ParsePeerID parses "group/node" or "group/node/device".
func ParsePeerID(s string) (PeerID, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return PeerID{}, fmt.Errorf("%w: peer id %q", ErrInvalidIdentity, s)
	}
	p := PeerID{Group: parts[0], Node: parts[1]}
	if len(parts) == 3 {
		p.Device = parts[2]
	}
	if err := p.Identity().Validate(); err != nil {
		return PeerID{}, err
	}
	return p, nil
}

func validateTopicLevel(what, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidIdentity, what)
	}
	if strings.ContainsAny(v, "/+#") {
		return fmt.Errorf("%w: %s %q contains a reserved character", ErrInvalidIdentity, what, v)
	}
	return nil
}
