package election

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
	"github.com/sirupsen/logrus"
)

// Election tracks the party host.
type Election struct {
	mu      sync.Mutex
	cfg     Config
	clock   crypto.TimeProvider
	roster  Roster
	control peer.Control

	state      State
	host       HostRecord
	generation uint64
	requeries  map[transport.Handle]*time.Timer

	onHostUpdated func(*HostRecord)
	pending       []func()
}

// New creates an election with no host recorded.
func New(cfg Config, roster Roster, control peer.Control, clock crypto.TimeProvider) *Election {
	if cfg.RequeryDelay <= 0 {
		cfg.RequeryDelay = DefaultRequeryDelay
	}
	return &Election{
		cfg:           cfg,
		clock:         crypto.Or(clock),
		roster:        roster,
		control:       control,
		requeries:     make(map[transport.Handle]*time.Timer),
		onHostUpdated: func(*HostRecord) {},
	}
}

// OnHostUpdated sets the callback run whenever the recorded host changes.
// It receives nil when the host is cleared and runs without the lock held.
func (e *Election) OnHostUpdated(fn func(*HostRecord)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onHostUpdated = fn
}

func (e *Election) unlock() {
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// Host returns the current host record and state.
func (e *Election) Host() (HostRecord, State) {
	e.mu.Lock()
	defer e.unlock()
	return e.host, e.state
}

// PromoteSelf makes the local peer host unconditionally and announces it to
// every connected peer.
func (e *Election) PromoteSelf() {
	e.mu.Lock()
	defer e.unlock()
	e.promoteLocked()
}

func (e *Election) promoteLocked() {
	e.setLocked(ElectedSelf, HostRecord{
		Peer:      e.cfg.Self,
		AssumedAt: crypto.UnixSeconds(e.clock.Now()),
	})

	logrus.WithFields(logrus.Fields{
		"function":  "promoteLocked",
		"self":      e.cfg.Self.StableID.Short(),
		"assumedAt": e.host.AssumedAt,
	}).Info("Promoted self to host")

	e.announceLocked(nil)
}

// setLocked records a new host and queues the update callback when it
// differs from the previous one.
func (e *Election) setLocked(state State, rec HostRecord) {
	changed := e.state != state || e.host != rec
	e.state, e.host = state, rec
	if !changed {
		return
	}

	cb := e.onHostUpdated
	if state == NoHost {
		e.pending = append(e.pending, func() { cb(nil) })
		return
	}
	snapshot := rec
	e.pending = append(e.pending, func() { cb(&snapshot) })
}

func (e *Election) clearLocked() {
	e.setLocked(NoHost, HostRecord{})
}

// announceLocked sends our own record to targets, or everyone when nil.
func (e *Election) announceLocked(targets []transport.Handle) {
	e.sendLocked(EventAnnounce, Announcement{AssumedAt: e.host.AssumedAt}, targets)
}

func (e *Election) sendLocked(event string, body any, targets []transport.Handle) {
	control := e.control
	e.pending = append(e.pending, func() {
		if err := control.Publish(event, body, targets, router.Reliable); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendLocked",
				"event":    event,
				"error":    err.Error(),
			}).Warn("Failed to send election message")
		}
	})
}

// HandleAnnouncement processes a host claim from the peer behind from.
// sender is the stable id from the message envelope.
func (e *Election) HandleAnnouncement(from transport.Handle, sender identity.ID, a Announcement) {
	p, ok := e.roster.PeerByHandle(from)

	e.mu.Lock()
	defer e.unlock()

	if !ok || (sender != "" && p.StableID != sender) {
		e.inconsistentLocked(from, sender)
		return
	}

	claim := HostRecord{Peer: p, AssumedAt: a.AssumedAt}

	switch e.state {
	case ElectedSelf:
		if e.host.outranks(claim) {
			logrus.WithFields(logrus.Fields{
				"function": "HandleAnnouncement",
				"claimant": p.StableID.Short(),
				"theirs":   a.AssumedAt,
				"ours":     e.host.AssumedAt,
			}).Info("Defending newer host claim")
			e.announceLocked(nil)
			return
		}
	case ElectedRemote:
		if e.host.Peer.StableID != p.StableID && e.host.outranks(claim) {
			logrus.WithFields(logrus.Fields{
				"function": "HandleAnnouncement",
				"claimant": p.StableID.Short(),
				"host":     e.host.Peer.StableID.Short(),
			}).Debug("Ignoring stale host announcement")
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "HandleAnnouncement",
		"host":      p.StableID.Short(),
		"assumedAt": a.AssumedAt,
	}).Info("Adopting remote host")

	stopTimer(e.requeries, from)
	e.setLocked(ElectedRemote, claim)
}

func (e *Election) inconsistentLocked(from transport.Handle, sender identity.ID) {
	logrus.WithFields(logrus.Fields{
		"function": "HandleAnnouncement",
		"handle":   from,
		"sender":   sender.Short(),
		"delay":    e.cfg.RequeryDelay,
	}).Warn(fmt.Errorf("%w, clearing host and re-querying", ErrInconsistentAnnouncement).Error())

	e.clearLocked()

	if _, ok := e.requeries[from]; ok {
		return
	}
	gen := e.generation
	e.requeries[from] = time.AfterFunc(e.cfg.RequeryDelay, func() {
		e.mu.Lock()
		defer e.unlock()

		if gen != e.generation {
			return
		}
		delete(e.requeries, from)
		if e.state == NoHost {
			e.sendLocked(EventRequest, nil, []transport.Handle{from})
		}
	})
}

// HandleRequest answers a host query from the peer behind from when the
// local peer is host.
func (e *Election) HandleRequest(from transport.Handle) {
	e.mu.Lock()
	defer e.unlock()

	if e.state != ElectedSelf {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "HandleRequest",
		"handle":   from,
	}).Debug("Answering host request")
	e.announceLocked([]transport.Handle{from})
}

// PeerStateChanged reacts to a registry update.
func (e *Election) PeerStateChanged(u peer.Update) {
	connected := e.roster.ConnectedPeers()

	e.mu.Lock()
	defer e.unlock()

	switch u.State {
	case transport.Connected:
		switch e.state {
		case ElectedSelf:
			e.announceLocked([]transport.Handle{u.Peer.Handle})
		case NoHost:
			if !e.autoElectLocked(connected) {
				e.sendLocked(EventRequest, nil, []transport.Handle{u.Peer.Handle})
			}
		}

	case transport.NotConnected:
		stopTimer(e.requeries, u.Peer.Handle)
		if e.state == ElectedRemote && e.host.Peer.Equal(u.Peer) {
			logrus.WithFields(logrus.Fields{
				"function": "PeerStateChanged",
				"host":     e.host.Peer.StableID.Short(),
			}).Info("Host disconnected, clearing")
			e.clearLocked()
			e.autoElectLocked(connected)
		}
	}
}

// AutoElect runs the two-party election: with exactly one connected peer
// and no host, the lower stable identity becomes host.
func (e *Election) AutoElect() {
	connected := e.roster.ConnectedPeers()

	e.mu.Lock()
	defer e.unlock()
	e.autoElectLocked(connected)
}

// autoElectLocked reports whether the two-party rule applied.
func (e *Election) autoElectLocked(connected []peer.Peer) bool {
	if e.state != NoHost || len(connected) != 1 {
		return false
	}
	other := connected[0]
	if e.cfg.Self.StableID.Less(other.StableID) {
		e.promoteLocked()
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "autoElectLocked",
			"expected": other.StableID.Short(),
		}).Debug("Waiting for remote auto-elected host")
	}
	return true
}

// Reset forgets the host and cancels pending re-queries.
func (e *Election) Reset() {
	e.mu.Lock()
	defer e.unlock()

	e.generation++
	for h := range e.requeries {
		stopTimer(e.requeries, h)
	}
	e.clearLocked()
}

func stopTimer(timers map[transport.Handle]*time.Timer, h transport.Handle) {
	if t, ok := timers[h]; ok {
		t.Stop()
		delete(timers, h)
	}
}
