package partymesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/peer"
	simnet "github.com/opd-ai/partymesh/testing"
	"github.com/stretchr/testify/require"
)

func fastOptions(partySize int) *Options {
	opts := NewOptions()
	opts.MaxPartySize = partySize
	opts.InviteTimeout = 300 * time.Millisecond
	opts.InviteBackoff = 100 * time.Millisecond
	opts.KeepaliveTimeout = 200 * time.Millisecond
	opts.HostRequeryDelay = 50 * time.Millisecond
	opts.VerifyTimeout = 200 * time.Millisecond
	opts.VerifyRetries = 2
	return opts
}

// node is a session on a simulated adapter with its callbacks recorded.
type node struct {
	name    string
	session *Session
	adapter *simnet.SimulatedAdapter

	mu      sync.Mutex
	hosts   []*peer.Peer
	updates []peer.Update
	resets  []error
}

func newNode(t *testing.T, net *simnet.SimulatedNetwork, name string, opts *Options) *node {
	t.Helper()
	rec, err := identity.Generate(name)
	require.NoError(t, err)

	n := &node{name: name, adapter: net.NewAdapter(name, name)}
	n.session, err = New(n.adapter, rec, opts)
	require.NoError(t, err)

	n.session.OnHostUpdated(func(p *peer.Peer) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.hosts = append(n.hosts, p)
	})
	n.session.OnPeerUpdated(func(u peer.Update) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.updates = append(n.updates, u)
	})
	n.session.OnReset(func(reason error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.resets = append(n.resets, reason)
	})
	t.Cleanup(func() { _ = n.session.Stop() })
	return n
}

func (n *node) start(t *testing.T) {
	t.Helper()
	require.NoError(t, n.session.Start(context.Background()))
}

func (n *node) hostUpdates() []*peer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*peer.Peer(nil), n.hosts...)
}

func (n *node) resetReasons() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.resets...)
}

func (n *node) connectedTo(others ...*node) bool {
	peers := n.session.ConnectedPeers()
	if len(peers) != len(others) {
		return false
	}
	for _, o := range others {
		found := false
		for _, p := range peers {
			if p.StableID == o.session.Self() {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// hostID returns the host's stable id as seen by n, or "".
func (n *node) hostID() identity.ID {
	if h := n.session.Host(); h != nil {
		return h.StableID
	}
	return ""
}
