// Package peer owns the session's view of nearby devices: the registry of
// transport handles, the arbiter that decides whom to invite or accept, and
// the keepalive monitor that double-checks links the transport claims are up.
//
// All three share one mutex. Anything that leaves the package (transport
// calls, control messages, update and reset callbacks) is queued while the
// lock is held and run after it is released, using values captured under the
// lock, so a callback may freely call back into the Registry.
package peer

import (
	"errors"
	"time"

	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
)

// Control events exchanged by the keepalive monitor.
const (
	EventPing            = router.ReservedPrefix + "ping"
	EventPong            = router.ReservedPrefix + "pong"
	EventPongNotReceived = router.ReservedPrefix + "pong-not-received"
)

var (
	// ErrCapacityExceeded indicates an invitation or connection was refused
	// because the party is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInviteTimeout indicates an invitation attempt went unanswered.
	ErrInviteTimeout = errors.New("invite timed out")

	// ErrInviteRetriesExhausted indicates every invitation attempt to a peer
	// failed and the session must be reset.
	ErrInviteRetriesExhausted = errors.New("invite retries exhausted")

	// ErrKeepaliveTimeout indicates a ping went unanswered.
	ErrKeepaliveTimeout = errors.New("keepalive timed out")
)

// Peer is a remote device as seen through one transport handle. Two Peers
// are the same registry entry when their handles are equal.
type Peer struct {
	StableID    identity.ID
	Handle      transport.Handle
	DisplayName string
}

// Equal reports whether p and other refer to the same handle.
func (p Peer) Equal(other Peer) bool {
	return p.Handle == other.Handle
}

// Update is delivered to the registry's update callback whenever a peer
// becomes connected or stops being connected.
type Update struct {
	Peer  Peer
	State transport.ConnectionState
}

// InviteHistory governs the retry cadence for one handle.
type InviteHistory struct {
	Attempt         int
	NextInviteAfter time.Time
	Scheduled       bool
}

// Config holds the registry's tunables.
type Config struct {
	// Self is the local stable identity.
	Self identity.ID
	// Capacity is the number of remote peers the party admits.
	Capacity int
	// GroupSize is the party size advertised and required of candidates
	// until the group is locked.
	GroupSize int
	// InviteTimeout bounds a single invitation attempt. It must exceed
	// InviteBackoff.
	InviteTimeout time.Duration
	// InviteBackoff is the pause after a timed-out attempt before the next.
	InviteBackoff time.Duration
	// MaxInviteAttempts is the attempt count after which the session resets.
	MaxInviteAttempts int
	// KeepaliveTimeout bounds the wait for a pong.
	KeepaliveTimeout time.Duration
	// Clock is used for retry bookkeeping. Nil means wall time.
	Clock crypto.TimeProvider
}

// Link is the part of transport.Adapter the registry drives. Implementations
// must not call back into the Registry synchronously.
type Link interface {
	Invite(h transport.Handle, timeout time.Duration) error
	RespondToInvitation(h transport.Handle, accept bool) error
	Disconnect(h transport.Handle)
	ConnectedHandles() []transport.Handle
}

// Control sends session control messages; *router.Router satisfies it.
type Control interface {
	Publish(event string, body any, targets []transport.Handle, rel router.Reliability) error
}
