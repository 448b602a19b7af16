package grouplock

import (
	"sync"

	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
)

type staticRoster []peer.Peer

func (s staticRoster) ConnectedPeers() []peer.Peer {
	return append([]peer.Peer(nil), s...)
}

// mockControl records published verifications.
type mockControl struct {
	mu     sync.Mutex
	bodies []Verification
}

func (m *mockControl) Publish(event string, body any, targets []transport.Handle, rel router.Reliability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := body.(Verification); ok && event == EventVerify {
		m.bodies = append(m.bodies, v)
	}
	return nil
}

func (m *mockControl) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bodies)
}

func (m *mockControl) last() Verification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodies[len(m.bodies)-1]
}

// mockDiscovery records discovery restarts.
type mockDiscovery struct {
	mu         sync.Mutex
	advertised []transport.DiscoveryInfo
	stops      int
	browses    int
}

func (m *mockDiscovery) StartAdvertising(info transport.DiscoveryInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertised = append(m.advertised, info)
	return nil
}

func (m *mockDiscovery) StopAdvertising() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *mockDiscovery) StartBrowsing() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.browses++
	return nil
}

func (m *mockDiscovery) StopBrowsing() {}

func (m *mockDiscovery) getAdvertised() []transport.DiscoveryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.DiscoveryInfo(nil), m.advertised...)
}
