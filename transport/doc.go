// Package transport defines the contract between the session layer and the
// radio/link layer that actually discovers and connects devices.
//
// # Architecture
//
// An Adapter advertises, browses, invites, disconnects and sends. It never
// calls back into the session synchronously; instead every discovery,
// connection-state, invitation and data notification is delivered as a typed
// Event on the channel returned by Events. The session consumes that channel
// from a single loop, which keeps lock ordering trivial.
//
//	type Adapter interface {
//	    StartAdvertising(info DiscoveryInfo) error
//	    StopAdvertising()
//	    StartBrowsing() error
//	    StopBrowsing()
//	    Invite(h Handle, timeout time.Duration) error
//	    RespondToInvitation(h Handle, accept bool) error
//	    Disconnect(h Handle)
//	    Send(data []byte, targets []Handle, reliable bool) error
//	    ConnectedHandles() []Handle
//	    Events() <-chan Event
//	    Close() error
//	}
//
// # Delivery Guarantees
//
// Adapters deliver each message at least once and in no particular order
// relative to other events. Discovery events may be duplicated, dropped or
// stale ("lost" for a device that is still connected). The session layer is
// written to tolerate all of these.
//
// # Implementations
//
//   - transport/lan: UDP broadcast beacons for discovery, QUIC links
//   - testing: an in-memory simulated network with fault injection
package transport
