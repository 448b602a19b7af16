package testing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/partymesh/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownHandle indicates a handle that no node currently advertises.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrNotAdvertising indicates an invite from a node that is not
	// advertising and so has no handle to be answered on.
	ErrNotAdvertising = errors.New("node is not advertising")

	// ErrNoInvitation indicates a response to an invitation that is not
	// pending.
	ErrNoInvitation = errors.New("no pending invitation")

	// ErrClosed indicates use of a closed adapter.
	ErrClosed = errors.New("adapter closed")
)

// DeliveryRecord represents one Send to one target.
type DeliveryRecord struct {
	From      string
	To        string
	Size      int
	Reliable  bool
	Timestamp int64
	Success   bool
}

// Stats summarizes the network.
type Stats struct {
	Nodes      int
	Links      int
	Deliveries int
	Dropped    int
}

// link joins two adapters under the handles each knew the other by.
type link struct {
	a, b   *SimulatedAdapter
	ha, hb transport.Handle // ha is a's handle as seen by b
}

// other returns the far end of l from n and the handle n uses for it.
func (l *link) other(n *SimulatedAdapter) (*SimulatedAdapter, transport.Handle) {
	if l.a == n {
		return l.b, l.hb
	}
	return l.a, l.ha
}

// self returns the handle the far end uses for n.
func (l *link) self(n *SimulatedAdapter) transport.Handle {
	if l.a == n {
		return l.ha
	}
	return l.hb
}

func (l *link) has(n *SimulatedAdapter) bool {
	return l.a == n || l.b == n
}

type direction struct{ from, to string }

// SimulatedNetwork is an in-memory radio neighbourhood.
type SimulatedNetwork struct {
	mu          sync.Mutex
	nodes       map[string]*SimulatedAdapter
	handles     map[transport.Handle]*SimulatedAdapter
	links       []*link
	drops       map[direction]bool
	deliveryLog []DeliveryRecord
}

// NewSimulatedNetwork creates an empty network.
func NewSimulatedNetwork() *SimulatedNetwork {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedNetwork",
	}).Info("Creating simulated network")

	return &SimulatedNetwork{
		nodes:   make(map[string]*SimulatedAdapter),
		handles: make(map[transport.Handle]*SimulatedAdapter),
		drops:   make(map[direction]bool),
	}
}

// NewAdapter adds a node. name must be unique within the network;
// displayName is what neighbours see in found events.
func (n *SimulatedNetwork) NewAdapter(name, displayName string) *SimulatedAdapter {
	a := &SimulatedAdapter{
		net:         n,
		name:        name,
		displayName: displayName,
		invitations: make(map[transport.Handle]*invitation),
		queue:       transport.NewEventQueue(),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.nodes[name]; dup {
		panic(fmt.Sprintf("simulated node %q already exists", name))
	}
	n.nodes[name] = a

	logrus.WithFields(logrus.Fields{
		"function":    "SimulatedNetwork.NewAdapter",
		"node":        name,
		"total_nodes": len(n.nodes),
	}).Info("Node added to simulation")
	return a
}

// Close closes every adapter.
func (n *SimulatedNetwork) Close() {
	n.mu.Lock()
	nodes := make([]*SimulatedAdapter, 0, len(n.nodes))
	for _, a := range n.nodes {
		nodes = append(nodes, a)
	}
	n.mu.Unlock()

	for _, a := range nodes {
		a.Close()
	}
}

// DropTraffic silently discards data sent from one node to another while
// the link stays up. Pass drop=false to heal.
func (n *SimulatedNetwork) DropTraffic(from, to string, drop bool) {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "SimulatedNetwork.DropTraffic",
		"from":     from,
		"to":       to,
		"drop":     drop,
	}).Info("Changing simulated link health")

	n.mu.Lock()
	defer n.mu.Unlock()
	if drop {
		n.drops[direction{from, to}] = true
	} else {
		delete(n.drops, direction{from, to})
	}
}

// InjectLost tells observer that remote went away without it doing so.
func (n *SimulatedNetwork) InjectLost(observer, remote string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	o, r := n.nodes[observer], n.nodes[remote]
	if o == nil || r == nil || r.handle == "" {
		return
	}
	o.queue.Push(transport.Event{Kind: transport.EventLost, Handle: r.handle})
}

// HandleOf returns the handle node currently advertises under.
func (n *SimulatedNetwork) HandleOf(node string) transport.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	if a := n.nodes[node]; a != nil {
		return a.handle
	}
	return ""
}

// Linked reports whether the two nodes share a link.
func (n *SimulatedNetwork) Linked(x, y string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	a, b := n.nodes[x], n.nodes[y]
	for _, l := range n.links {
		if l.has(a) && l.has(b) {
			return true
		}
	}
	return false
}

// GetDeliveryLog returns a copy of the delivery log.
func (n *SimulatedNetwork) GetDeliveryLog() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()

	log := make([]DeliveryRecord, len(n.deliveryLog))
	copy(log, n.deliveryLog)
	return log
}

// ClearDeliveryLog empties the delivery log.
func (n *SimulatedNetwork) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveryLog = nil
}

// GetStats returns a snapshot of the network.
func (n *SimulatedNetwork) GetStats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := Stats{Nodes: len(n.nodes), Links: len(n.links), Deliveries: len(n.deliveryLog)}
	for _, r := range n.deliveryLog {
		if !r.Success {
			s.Dropped++
		}
	}
	return s
}

// resolveLocked finds the node currently advertising h.
func (n *SimulatedNetwork) resolveLocked(h transport.Handle) (*SimulatedAdapter, bool) {
	a, ok := n.handles[h]
	if !ok || a.handle != h || a.closed {
		return nil, false
	}
	return a, true
}

func (n *SimulatedNetwork) linkLocked(from *SimulatedAdapter, h transport.Handle) (*link, int) {
	for i, l := range n.links {
		if !l.has(from) {
			continue
		}
		if _, oh := l.other(from); oh == h {
			return l, i
		}
	}
	return nil, -1
}

func (n *SimulatedNetwork) unlinkLocked(i int) {
	l := n.links[i]
	n.links = append(n.links[:i], n.links[i+1:]...)

	l.a.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: l.hb, State: transport.NotConnected})
	l.b.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: l.ha, State: transport.NotConnected})

	logrus.WithFields(logrus.Fields{
		"function":    "SimulatedNetwork.unlink",
		"a":           l.a.name,
		"b":           l.b.name,
		"total_links": len(n.links),
	}).Info("Simulated link closed")
}

func (n *SimulatedNetwork) recordLocked(r DeliveryRecord) {
	r.Timestamp = time.Now().UnixNano()
	n.deliveryLog = append(n.deliveryLog, r)
}
