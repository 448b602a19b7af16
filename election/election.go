// Package election keeps every peer of a party converged on one host.
//
// A host is recorded together with the moment it assumed the role. The most
// recent claim wins: a peer that promoted itself after an announcement was
// sent defends its claim by re-announcing, and everyone else adopts the
// newest announcement they have seen. Equal claims go to the lower stable
// identity.
package election

import (
	"errors"
	"time"

	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
)

// Control events of the election protocol.
const (
	EventAnnounce = router.ReservedPrefix + "host.announce"
	EventRequest  = router.ReservedPrefix + "host.request"
)

// ErrInconsistentAnnouncement indicates a host announcement from a sender
// that is not a connected peer.
var ErrInconsistentAnnouncement = errors.New("host announcement from unrecognized sender")

// State is the local view of who hosts the party.
type State uint8

const (
	// NoHost means no host is recorded.
	NoHost State = iota
	// ElectedSelf means the local peer is host.
	ElectedSelf
	// ElectedRemote means a connected peer is host.
	ElectedRemote
)

func (s State) String() string {
	switch s {
	case NoHost:
		return "NoHost"
	case ElectedSelf:
		return "ElectedSelf"
	case ElectedRemote:
		return "ElectedRemote"
	default:
		return "Unknown"
	}
}

// HostRecord is the believed host and when it assumed the role, in seconds
// since the Unix epoch.
type HostRecord struct {
	Peer      peer.Peer
	AssumedAt float64
}

// outranks reports whether r wins over other.
func (r HostRecord) outranks(other HostRecord) bool {
	if r.AssumedAt != other.AssumedAt {
		return r.AssumedAt > other.AssumedAt
	}
	return r.Peer.StableID.Less(other.Peer.StableID)
}

// Announcement is the body of EventAnnounce. The announcer is always the
// claimed host.
type Announcement struct {
	AssumedAt float64 `json:"assumedAt"`
}

// Roster is the registry view the election consults.
type Roster interface {
	PeerByHandle(h transport.Handle) (peer.Peer, bool)
	ConnectedPeers() []peer.Peer
}

// Config holds election tunables.
type Config struct {
	// Self describes the local peer. Its Handle is empty.
	Self peer.Peer
	// RequeryDelay is how long to wait before asking an inconsistent
	// announcer for its current host.
	RequeryDelay time.Duration
}

// DefaultRequeryDelay is the production RequeryDelay.
const DefaultRequeryDelay = 500 * time.Millisecond
