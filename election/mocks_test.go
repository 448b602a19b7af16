package election

import (
	"sync"
	"time"

	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
)

// mockRoster serves a settable set of connected peers.
type mockRoster struct {
	mu    sync.Mutex
	peers []peer.Peer
}

func (m *mockRoster) set(peers ...peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = peers
}

func (m *mockRoster) PeerByHandle(h transport.Handle) (peer.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.peers {
		if p.Handle == h {
			return p, true
		}
	}
	return peer.Peer{}, false
}

func (m *mockRoster) ConnectedPeers() []peer.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]peer.Peer(nil), m.peers...)
}

type sent struct {
	event   string
	body    any
	targets []transport.Handle
}

// mockControl records election messages.
type mockControl struct {
	mu    sync.Mutex
	calls []sent
}

func (m *mockControl) Publish(event string, body any, targets []transport.Handle, rel router.Reliability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sent{event: event, body: body, targets: targets})
	return nil
}

func (m *mockControl) all() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sent(nil), m.calls...)
}

func (m *mockControl) count(event string) int {
	n := 0
	for _, c := range m.all() {
		if c.event == event {
			n++
		}
	}
	return n
}

// mockClock is a settable time source.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *mockClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
