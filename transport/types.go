package transport

import (
	"fmt"
	"strconv"
	"time"
)

// Handle identifies one transport-level session with a device. A device that
// reconnects may appear under a new Handle.
type Handle string

// ConnectionState is the link state of a Handle.
type ConnectionState uint8

const (
	// NotConnected means there is no link to the handle.
	NotConnected ConnectionState = iota
	// Connecting means an invitation is in flight.
	Connecting
	// Connected means the link is up.
	Connected
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Discovery metadata keys as they appear in an advertisement.
const (
	KeyDiscoveryID = "discoveryId"
	KeyGroupID     = "groupID"
	KeyGroupSize   = "groupSize"
)

// DiscoveryInfo is broadcast alongside an advertisement and used to filter
// candidates before connecting.
type DiscoveryInfo struct {
	DiscoveryID string `json:"discoveryId"`
	GroupID     string `json:"groupID,omitempty"`
	GroupSize   int    `json:"groupSize,omitempty"`
}

// Map flattens the info into the string map most radio stacks advertise.
func (d DiscoveryInfo) Map() map[string]string {
	m := map[string]string{KeyDiscoveryID: d.DiscoveryID}
	if d.GroupID != "" {
		m[KeyGroupID] = d.GroupID
	}
	if d.GroupSize > 0 {
		m[KeyGroupSize] = strconv.Itoa(d.GroupSize)
	}
	return m
}

// ParseDiscoveryInfo is the inverse of DiscoveryInfo.Map. A missing or
// malformed group size parses as zero.
func ParseDiscoveryInfo(m map[string]string) DiscoveryInfo {
	info := DiscoveryInfo{
		DiscoveryID: m[KeyDiscoveryID],
		GroupID:     m[KeyGroupID],
	}
	if v, ok := m[KeyGroupSize]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			info.GroupSize = n
		}
	}
	return info
}

// EventKind identifies what an Event reports.
type EventKind uint8

const (
	// EventFound reports a discovered advertisement.
	EventFound EventKind = iota + 1
	// EventLost reports that an advertisement disappeared.
	EventLost
	// EventStateChanged reports a link state transition.
	EventStateChanged
	// EventInvitation reports an inbound invitation awaiting a response.
	EventInvitation
	// EventData reports a received payload.
	EventData
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventFound:
		return "found"
	case EventLost:
		return "lost"
	case EventStateChanged:
		return "state_changed"
	case EventInvitation:
		return "invitation"
	case EventData:
		return "data"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is a single notification from an Adapter. Which fields are set
// depends on Kind: Name and Info for Found and Invitation, State for
// StateChanged, Data for Data.
type Event struct {
	Kind   EventKind
	Handle Handle
	Name   string
	Info   DiscoveryInfo
	State  ConnectionState
	Data   []byte
}

// Adapter is the link layer the session runs on.
type Adapter interface {
	// StartAdvertising makes this device discoverable with info.
	StartAdvertising(info DiscoveryInfo) error

	// StopAdvertising stops advertising. It is a no-op when not advertising.
	StopAdvertising()

	// StartBrowsing starts reporting nearby advertisements.
	StartBrowsing() error

	// StopBrowsing stops browsing. It is a no-op when not browsing.
	StopBrowsing()

	// Invite asks the device behind h to connect. The attempt is abandoned
	// by the adapter after timeout.
	Invite(h Handle, timeout time.Duration) error

	// RespondToInvitation accepts or rejects an invitation reported by an
	// EventInvitation.
	RespondToInvitation(h Handle, accept bool) error

	// Disconnect tears down the link to h.
	Disconnect(h Handle)

	// Send delivers data to targets. Reliable sends are ordered and never
	// dropped by the adapter's outbound queue; best-effort sends may be.
	Send(data []byte, targets []Handle, reliable bool) error

	// ConnectedHandles lists the handles the adapter currently has links to.
	ConnectedHandles() []Handle

	// Events returns the channel all notifications are delivered on.
	Events() <-chan Event

	// Close releases all resources. The Events channel is closed.
	Close() error
}

// Renewer is implemented by adapters that can drop their local link
// identity. After RenewHandle, neighbours see this device under a new
// handle once it advertises again, as if it were a different radio.
type Renewer interface {
	RenewHandle()
}

// Renamer is implemented by adapters whose advertised display name can
// change after creation.
type Renamer interface {
	SetDisplayName(name string)
}
