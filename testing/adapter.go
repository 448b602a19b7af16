package testing

import (
	"fmt"
	"time"

	"github.com/opd-ai/partymesh/transport"
	"github.com/sirupsen/logrus"
)

// invitation is an invite awaiting the invitee's answer.
type invitation struct {
	from       *SimulatedAdapter
	fromHandle transport.Handle // inviter as seen by the invitee
	toHandle   transport.Handle // invitee as seen by the inviter
	timer      *time.Timer
}

// SimulatedAdapter is one node of a SimulatedNetwork. It implements
// transport.Adapter. All mutable fields are guarded by the network mutex.
type SimulatedAdapter struct {
	net         *SimulatedNetwork
	name        string
	displayName string

	epoch       int
	handle      transport.Handle
	renew       bool
	advertising bool
	browsing    bool
	info        transport.DiscoveryInfo
	closed      bool

	invitations map[transport.Handle]*invitation // keyed by inviter handle
	queue       *transport.EventQueue
}

var (
	_ transport.Adapter = (*SimulatedAdapter)(nil)
	_ transport.Renewer = (*SimulatedAdapter)(nil)
	_ transport.Renamer = (*SimulatedAdapter)(nil)
)

// Name returns the node name.
func (a *SimulatedAdapter) Name() string { return a.name }

// Events returns the adapter's event stream. It is closed by Close.
func (a *SimulatedAdapter) Events() <-chan transport.Event { return a.queue.Events() }

func (a *SimulatedAdapter) foundEvent() transport.Event {
	return transport.Event{Kind: transport.EventFound, Handle: a.handle, Name: a.displayName, Info: a.info}
}

// RenewHandle makes the next StartAdvertising use a fresh handle.
func (a *SimulatedAdapter) RenewHandle() {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	a.renew = true
}

// SetDisplayName changes the name neighbours see from the next
// advertisement on.
func (a *SimulatedAdapter) SetDisplayName(name string) {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	a.displayName = name
}

// StartAdvertising publishes info. The handle stays the same across
// restarts until RenewHandle.
func (a *SimulatedAdapter) StartAdvertising(info transport.DiscoveryInfo) error {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.advertising {
		a.stopAdvertisingLocked()
	}

	if a.handle == "" || a.renew {
		a.epoch++
		a.handle = transport.Handle(fmt.Sprintf("%s#%d", a.name, a.epoch))
		a.renew = false
	}
	a.info = info
	a.advertising = true
	n.handles[a.handle] = a

	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "SimulatedAdapter.StartAdvertising",
		"node":     a.name,
		"handle":   a.handle,
		"groupID":  info.GroupID,
		"size":     info.GroupSize,
	}).Info("Simulating advertisement")

	for _, o := range n.nodes {
		if o != a && o.browsing && !o.closed {
			o.queue.Push(a.foundEvent())
		}
	}
	return nil
}

// StopAdvertising withdraws the advertisement. Neighbours see it lost.
func (a *SimulatedAdapter) StopAdvertising() {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	a.stopAdvertisingLocked()
}

func (a *SimulatedAdapter) stopAdvertisingLocked() {
	if !a.advertising {
		return
	}
	a.advertising = false
	for _, o := range a.net.nodes {
		if o != a && o.browsing && !o.closed {
			o.queue.Push(transport.Event{Kind: transport.EventLost, Handle: a.handle})
		}
	}
}

// StartBrowsing reports every advertising neighbour as found, and keeps
// reporting new ones.
func (a *SimulatedAdapter) StartBrowsing() error {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	a.browsing = true
	for _, o := range n.nodes {
		if o != a && o.advertising && !o.closed {
			a.queue.Push(o.foundEvent())
		}
	}
	return nil
}

// StopBrowsing stops discovery reports.
func (a *SimulatedAdapter) StopBrowsing() {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()
	a.browsing = false
}

// Invite asks the node behind h to link. The outcome arrives as state
// change events; an unanswered invite fails after timeout.
func (a *SimulatedAdapter) Invite(h transport.Handle, timeout time.Duration) error {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if !a.advertising {
		return ErrNotAdvertising
	}
	target, ok := n.resolveLocked(h)
	if !ok {
		return fmt.Errorf("invite %s: %w", h, ErrUnknownHandle)
	}

	inv := &invitation{from: a, fromHandle: a.handle, toHandle: h}
	if old, ok := target.invitations[inv.fromHandle]; ok {
		old.timer.Stop()
	}
	target.invitations[inv.fromHandle] = inv
	inv.timer = time.AfterFunc(timeout, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if target.invitations[inv.fromHandle] != inv {
			return
		}
		delete(target.invitations, inv.fromHandle)
		a.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: h, State: transport.NotConnected})
	})

	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "SimulatedAdapter.Invite",
		"from":     a.name,
		"to":       target.name,
	}).Info("Simulating invitation")

	a.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: h, State: transport.Connecting})
	target.queue.Push(transport.Event{
		Kind:   transport.EventInvitation,
		Handle: inv.fromHandle,
		Name:   a.displayName,
		Info:   a.info,
	})
	return nil
}

// RespondToInvitation answers the pending invitation from h.
func (a *SimulatedAdapter) RespondToInvitation(h transport.Handle, accept bool) error {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()

	inv, ok := a.invitations[h]
	if !ok {
		return fmt.Errorf("respond to %s: %w", h, ErrNoInvitation)
	}
	delete(a.invitations, h)
	inv.timer.Stop()

	if !accept || a.closed || inv.from.closed {
		inv.from.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: inv.toHandle, State: transport.NotConnected})
		return nil
	}

	n.links = append(n.links, &link{a: inv.from, b: a, ha: inv.fromHandle, hb: inv.toHandle})

	logrus.WithFields(logrus.Fields{
		"function":    "SimulatedAdapter.RespondToInvitation",
		"inviter":     inv.from.name,
		"invitee":     a.name,
		"total_links": len(n.links),
	}).Info("Simulated link established")

	inv.from.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: inv.toHandle, State: transport.Connected})
	a.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: inv.fromHandle, State: transport.Connected})
	return nil
}

// Disconnect closes the link to h. Both ends see NotConnected.
func (a *SimulatedAdapter) Disconnect(h transport.Handle) {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, i := n.linkLocked(a, h); i >= 0 {
		n.unlinkLocked(i)
	}
}

// ConnectedHandles returns the handles of every linked neighbour.
func (a *SimulatedAdapter) ConnectedHandles() []transport.Handle {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []transport.Handle
	for _, l := range n.links {
		if l.has(a) {
			_, h := l.other(a)
			out = append(out, h)
		}
	}
	return out
}

// Send delivers data to each linked target. Targets without a link are
// skipped; traffic marked by DropTraffic vanishes silently.
func (a *SimulatedAdapter) Send(data []byte, targets []transport.Handle, reliable bool) error {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	for _, h := range targets {
		l, _ := n.linkLocked(a, h)
		if l == nil {
			logrus.WithFields(logrus.Fields{
				"function": "SimulatedAdapter.Send",
				"node":     a.name,
				"handle":   h,
			}).Debug("No simulated link for target")
			continue
		}
		to, _ := l.other(a)
		rec := DeliveryRecord{From: a.name, To: to.name, Size: len(data), Reliable: reliable}
		if n.drops[direction{a.name, to.name}] {
			n.recordLocked(rec)
			continue
		}
		rec.Success = true
		n.recordLocked(rec)

		payload := append([]byte(nil), data...)
		to.queue.Push(transport.Event{Kind: transport.EventData, Handle: l.self(a), Data: payload})
	}
	return nil
}

// Close tears the node down: links close, the advertisement is withdrawn and
// the event stream ends.
func (a *SimulatedAdapter) Close() error {
	n := a.net
	n.mu.Lock()
	defer n.mu.Unlock()

	if a.closed {
		return nil
	}
	a.stopAdvertisingLocked()
	a.browsing = false
	for i := len(n.links) - 1; i >= 0; i-- {
		if n.links[i].has(a) {
			n.unlinkLocked(i)
		}
	}
	for h, inv := range a.invitations {
		inv.timer.Stop()
		delete(a.invitations, h)
	}
	a.closed = true
	a.queue.Close()

	logrus.WithFields(logrus.Fields{
		"function": "SimulatedAdapter.Close",
		"node":     a.name,
	}).Info("Simulated node closed")
	return nil
}
