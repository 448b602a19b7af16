package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/transport"
	"github.com/sirupsen/logrus"
)

// entry is what discovery told us about a handle.
type entry struct {
	name string
	info transport.DiscoveryInfo
}

// Registry is the authoritative map from transport handles to peers and
// their connection state.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	clock   crypto.TimeProvider
	link    Link
	control Control

	groupID    string
	generation uint64

	peers   map[transport.Handle]*entry
	states  map[transport.Handle]transport.ConnectionState
	invites map[transport.Handle]*InviteHistory
	timers  map[transport.Handle]*time.Timer // attempt timeouts
	retries map[transport.Handle]*time.Timer // scheduled invite retries
	pings   map[transport.Handle]*time.Timer // keepalive deadlines

	onUpdate func(Update)
	onReset  func(error)

	// pending holds work that must run after mu is released.
	pending []func()
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, link Link, control Control) *Registry {
	logrus.WithFields(logrus.Fields{
		"function":  "NewRegistry",
		"self":      cfg.Self.Short(),
		"capacity":  cfg.Capacity,
		"groupSize": cfg.GroupSize,
	}).Info("Creating peer registry")

	return &Registry{
		cfg:      cfg,
		clock:    crypto.Or(cfg.Clock),
		link:     link,
		control:  control,
		peers:    make(map[transport.Handle]*entry),
		states:   make(map[transport.Handle]transport.ConnectionState),
		invites:  make(map[transport.Handle]*InviteHistory),
		timers:   make(map[transport.Handle]*time.Timer),
		retries:  make(map[transport.Handle]*time.Timer),
		pings:    make(map[transport.Handle]*time.Timer),
		onUpdate: func(Update) {},
		onReset:  func(error) {},
	}
}

// OnUpdate sets the callback for peers becoming connected or disconnected.
// It always runs without the registry lock held.
func (r *Registry) OnUpdate(fn func(Update)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = fn
}

// OnReset sets the callback asked to reset the whole session.
func (r *Registry) OnReset(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReset = fn
}

// unlock releases mu and then runs everything queued while it was held.
func (r *Registry) unlock() {
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// later queues fn to run once the lock is released.
func (r *Registry) later(fn func()) {
	r.pending = append(r.pending, fn)
}

func (r *Registry) notifyLocked(h transport.Handle, state transport.ConnectionState) {
	u := Update{Peer: r.peerLocked(h), State: state}
	cb := r.onUpdate
	r.later(func() { cb(u) })
}

func (r *Registry) requestResetLocked(cause error) {
	cb := r.onReset
	r.later(func() { cb(cause) })
}

func (r *Registry) peerLocked(h transport.Handle) Peer {
	p := Peer{Handle: h}
	if e, ok := r.peers[h]; ok {
		p.StableID = identity.ID(e.info.DiscoveryID)
		p.DisplayName = e.name
	}
	return p
}

// OnDiscovered records an advertisement seen for h. A different handle
// already registered under the same stable identity is evicted.
func (r *Registry) OnDiscovered(h transport.Handle, name string, info transport.DiscoveryInfo) {
	r.mu.Lock()
	defer r.unlock()

	if !r.recordLocked(h, name, info) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "OnDiscovered",
		"handle":   h,
		"peer":     identity.ID(info.DiscoveryID).Short(),
		"groupID":  info.GroupID,
		"size":     info.GroupSize,
	}).Debug("Peer discovered")

	r.maybeInviteLocked(h)
}

// recordLocked stores discovery data for h, evicting stale handles of the
// same device. It reports false for our own advertisement or a nameless one.
func (r *Registry) recordLocked(h transport.Handle, name string, info transport.DiscoveryInfo) bool {
	if info.DiscoveryID == "" || identity.ID(info.DiscoveryID) == r.cfg.Self {
		return false
	}

	for other, e := range r.peers {
		if other != h && e.info.DiscoveryID == info.DiscoveryID {
			r.evictLocked(other)
		}
	}

	r.peers[h] = &entry{name: name, info: info}
	return true
}

// evictLocked drops every row for h.
func (r *Registry) evictLocked(h transport.Handle) {
	logrus.WithFields(logrus.Fields{
		"function": "evictLocked",
		"handle":   h,
	}).Info("Evicting stale handle")

	if r.states[h] == transport.Connected {
		r.notifyLocked(h, transport.NotConnected)
	}
	r.stopTimersLocked(h)
	delete(r.peers, h)
	delete(r.states, h)
	delete(r.invites, h)
}

func (r *Registry) stopTimersLocked(h transport.Handle) {
	stopTimer(r.timers, h)
	stopTimer(r.retries, h)
	stopTimer(r.pings, h)
}

func stopTimer(timers map[transport.Handle]*time.Timer, h transport.Handle) {
	if t, ok := timers[h]; ok {
		t.Stop()
		delete(timers, h)
	}
}

// OnConnectionStateChanged applies a link state transition reported by the
// transport.
func (r *Registry) OnConnectionStateChanged(h transport.Handle, state transport.ConnectionState) {
	r.mu.Lock()
	defer r.unlock()

	prev, known := r.states[h]

	logrus.WithFields(logrus.Fields{
		"function": "OnConnectionStateChanged",
		"handle":   h,
		"from":     prev,
		"to":       state,
		"known":    known,
	}).Debug("Connection state changed")

	switch state {
	case transport.Connecting:
		if prev != transport.Connected {
			r.states[h] = transport.Connecting
		}

	case transport.Connected:
		switch {
		case prev == transport.Connected:
			return
		case known && r.connectedCountLocked() >= r.cfg.Capacity:
			r.dropLocked(h)
			return
		case known:
			r.markConnectedLocked(h)
		}
		// Either way the link is new to us: confirm it end to end. For an
		// unrecognized handle the pong is what admits it.
		r.startKeepaliveLocked(h)
		r.enforceCapacityLocked()

	case transport.NotConnected:
		stopTimer(r.timers, h)
		stopTimer(r.pings, h)
		if known {
			delete(r.states, h)
		}
		if prev == transport.Connected {
			delete(r.invites, h)
			r.notifyLocked(h, transport.NotConnected)
		} else if hist, ok := r.invites[h]; ok && !hist.Scheduled {
			// A refused invitation: the attempt is over, so the backoff
			// window starts now rather than at the attempt's timeout.
			if next := r.clock.Now().Add(r.cfg.InviteBackoff); next.Before(hist.NextInviteAfter) {
				hist.NextInviteAfter = next
			}
		}
		r.maybeInviteLocked(h)
	}
}

func (r *Registry) markConnectedLocked(h transport.Handle) {
	r.states[h] = transport.Connected
	delete(r.invites, h)
	stopTimer(r.timers, h)
	stopTimer(r.retries, h)

	logrus.WithFields(logrus.Fields{
		"function": "markConnectedLocked",
		"handle":   h,
		"peer":     r.peerLocked(h).StableID.Short(),
	}).Info("Peer connected")

	r.notifyLocked(h, transport.Connected)
}

// OnLost handles a discovery "lost" report. Such reports can be stale: if
// the transport still has a link to h, the link is verified instead of
// trusted or dropped.
func (r *Registry) OnLost(h transport.Handle) {
	r.mu.Lock()
	defer r.unlock()

	if r.transportConnectedLocked(h) {
		logrus.WithFields(logrus.Fields{
			"function": "OnLost",
			"handle":   h,
		}).Debug("Lost report for a linked peer, verifying")
		r.startKeepaliveLocked(h)
		return
	}

	if r.states[h] == transport.Connecting {
		return
	}
	if _, ok := r.peers[h]; ok {
		r.evictLocked(h)
	}
}

// enforceCapacityLocked disconnects transport links beyond capacity that
// are not already recognized as connected peers.
func (r *Registry) enforceCapacityLocked() {
	handles := r.link.ConnectedHandles()
	excess := len(handles) - r.cfg.Capacity
	if excess <= 0 {
		return
	}

	for _, h := range handles {
		if excess == 0 {
			break
		}
		if r.states[h] == transport.Connected {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"function": "enforceCapacityLocked",
			"handle":   h,
			"linked":   len(handles),
			"capacity": r.cfg.Capacity,
		}).Warn(ErrCapacityExceeded.Error())

		r.dropLocked(h)
		excess--
	}
}

// dropLocked forgets h's link state and disconnects it.
func (r *Registry) dropLocked(h transport.Handle) {
	r.stopTimersLocked(h)
	delete(r.states, h)
	link := r.link
	r.later(func() { link.Disconnect(h) })
}

func (r *Registry) connectedCountLocked() int {
	n := 0
	for _, st := range r.states {
		if st == transport.Connected {
			n++
		}
	}
	return n
}

func (r *Registry) transportConnectedLocked(h transport.Handle) bool {
	for _, c := range r.link.ConnectedHandles() {
		if c == h {
			return true
		}
	}
	return false
}

// ConnectedPeers returns the peers that are both linked at the transport and
// confirmed Connected, ordered by stable identity.
func (r *Registry) ConnectedPeers() []Peer {
	r.mu.Lock()
	defer r.unlock()
	return r.connectedPeersLocked()
}

func (r *Registry) connectedPeersLocked() []Peer {
	var out []Peer
	for _, h := range r.link.ConnectedHandles() {
		if r.states[h] == transport.Connected {
			out = append(out, r.peerLocked(h))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StableID != out[j].StableID {
			return out[i].StableID.Less(out[j].StableID)
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}

// ConnectedHandles returns the handles of ConnectedPeers. It makes the
// registry usable as the router's broadcast roster.
func (r *Registry) ConnectedHandles() []transport.Handle {
	peers := r.ConnectedPeers()
	out := make([]transport.Handle, len(peers))
	for i, p := range peers {
		out[i] = p.Handle
	}
	return out
}

// AllPeers returns every peer with a recorded state, Connecting included.
// It is meant for diagnostics.
func (r *Registry) AllPeers() []Peer {
	r.mu.Lock()
	defer r.unlock()

	out := make([]Peer, 0, len(r.states))
	for h := range r.states {
		out = append(out, r.peerLocked(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// State returns the recorded state of h.
func (r *Registry) State(h transport.Handle) transport.ConnectionState {
	r.mu.Lock()
	defer r.unlock()
	return r.states[h]
}

// PeerByHandle looks up a connected peer by handle.
func (r *Registry) PeerByHandle(h transport.Handle) (Peer, bool) {
	r.mu.Lock()
	defer r.unlock()

	if r.states[h] != transport.Connected || !r.transportConnectedLocked(h) {
		return Peer{}, false
	}
	return r.peerLocked(h), true
}

// SetGroupID switches candidate filtering from group size to group id.
func (r *Registry) SetGroupID(groupID string) {
	r.mu.Lock()
	defer r.unlock()
	r.groupID = groupID
}

// GroupID returns the locked group id, or "" before locking.
func (r *Registry) GroupID() string {
	r.mu.Lock()
	defer r.unlock()
	return r.groupID
}

// SetPartySize changes the party size (self included) and the capacity that
// follows from it.
func (r *Registry) SetPartySize(n int) {
	r.mu.Lock()
	defer r.unlock()
	r.cfg.GroupSize = n
	r.cfg.Capacity = n - 1
	r.enforceCapacityLocked()
}

// Reset discards every row and timer. The locked group id survives so that a
// reset mid-game reassembles the same party; ClearGroup forgets it.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.unlock()

	r.generation++
	for _, timers := range []map[transport.Handle]*time.Timer{r.timers, r.retries, r.pings} {
		for h := range timers {
			stopTimer(timers, h)
		}
	}
	r.peers = make(map[transport.Handle]*entry)
	r.states = make(map[transport.Handle]transport.ConnectionState)
	r.invites = make(map[transport.Handle]*InviteHistory)

	logrus.WithFields(logrus.Fields{
		"function":   "Reset",
		"generation": r.generation,
	}).Info("Peer registry reset")
}

// ClearGroup forgets the locked group id.
func (r *Registry) ClearGroup() {
	r.SetGroupID("")
}
