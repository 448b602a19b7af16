package partymesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/partymesh/grouplock"
	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/limits"
	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/router"
	simnet "github.com/opd-ai/partymesh/testing"
	"github.com/opd-ai/partymesh/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settle = 5 * time.Second

func lower(a, b *node) *node {
	if a.session.Self().Less(b.session.Self()) {
		return a
	}
	return b
}

func startPair(t *testing.T, opts *Options) (*simnet.SimulatedNetwork, *node, *node) {
	t.Helper()
	net := simnet.NewSimulatedNetwork()
	t.Cleanup(net.Close)
	a := newNode(t, net, "alice", opts)
	b := newNode(t, net, "bob", opts)
	a.start(t)
	b.start(t)

	require.Eventually(t, func() bool {
		return a.connectedTo(b) && b.connectedTo(a)
	}, settle, 10*time.Millisecond)
	return net, a, b
}

func TestTwoPeersAutoElectLowerIdentity(t *testing.T) {
	_, a, b := startPair(t, fastOptions(2))
	want := lower(a, b)

	require.Eventually(t, func() bool {
		return a.hostID() == want.session.Self() && b.hostID() == want.session.Self()
	}, settle, 10*time.Millisecond)

	assert.True(t, want.session.IsHost())
	other := a
	if want == a {
		other = b
	}
	assert.False(t, other.session.IsHost())

	hosts := other.hostUpdates()
	require.NotEmpty(t, hosts)
	require.NotNil(t, hosts[len(hosts)-1])
	assert.Equal(t, want.session.Self(), hosts[len(hosts)-1].StableID)
}

func TestExplicitPromotionWins(t *testing.T) {
	_, a, b := startPair(t, fastOptions(2))
	auto := lower(a, b)
	require.Eventually(t, func() bool {
		return a.hostID() == auto.session.Self() && b.hostID() == auto.session.Self()
	}, settle, 10*time.Millisecond)

	challenger := a
	if auto == a {
		challenger = b
	}
	challenger.session.PromoteSelfToHost()

	require.Eventually(t, func() bool {
		return a.hostID() == challenger.session.Self() && b.hostID() == challenger.session.Self()
	}, settle, 10*time.Millisecond)
}

func TestMessageRoundTrip(t *testing.T) {
	_, a, b := startPair(t, fastOptions(2))

	type move struct {
		Card int `json:"card"`
	}
	got := make(chan router.Message, 1)
	b.session.Subscribe("move", func(m router.Message) { got <- m })

	var mu sync.Mutex
	var wildcard []string
	b.session.Subscribe(router.Wildcard, func(m router.Message) {
		mu.Lock()
		defer mu.Unlock()
		wildcard = append(wildcard, m.EventName)
	})

	require.NoError(t, a.session.Send("move", move{Card: 7}, nil, router.Reliable))

	select {
	case m := <-got:
		var body move
		require.NoError(t, m.Decode(&body))
		assert.Equal(t, 7, body.Card)
		assert.Equal(t, a.session.Self(), m.SenderID)
		assert.Equal(t, b.session.ConnectedPeers()[0].Handle, m.Sender)
	case <-time.After(settle):
		t.Fatal("message not delivered")
	}

	require.NoError(t, a.session.Send("move", move{Card: 8}, nil, router.BestEffort))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(wildcard) == 2
	}, settle, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"move", "move"}, wildcard, "control traffic never reaches wildcard handlers")
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	net, a, b := startPair(t, fastOptions(2))

	got := make(chan router.Message, 1)
	b.session.Subscribe("move", func(m router.Message) { got <- m })

	require.NoError(t, a.adapter.Send([]byte("not an envelope"), []transport.Handle{net.HandleOf("bob")}, true))
	require.NoError(t, a.session.Send("move", nil, nil, router.Reliable))

	select {
	case m := <-got:
		assert.Equal(t, a.session.Self(), m.SenderID)
	case <-time.After(settle):
		t.Fatal("session stopped dispatching after a malformed payload")
	}
	assert.True(t, b.connectedTo(a))
}

func TestSendValidation(t *testing.T) {
	net := simnet.NewSimulatedNetwork()
	defer net.Close()
	n := newNode(t, net, "solo", fastOptions(2))

	assert.ErrorIs(t, n.session.Send(peer.EventPing, nil, nil, router.Reliable), ErrReservedEvent)
	assert.NoError(t, n.session.Send("move", 1, nil, router.Reliable), "nobody to send to is not an error")
}

func TestOfflineSendIsNoop(t *testing.T) {
	net, a, _ := startPair(t, fastOptions(2))
	net.ClearDeliveryLog()

	a.session.SetOffline(true)
	require.NoError(t, a.session.Send("move", 1, nil, router.Reliable))

	for _, r := range net.GetDeliveryLog() {
		assert.NotEqual(t, "alice", r.From, "offline node sent %+v", r)
	}
}

func TestCapacityExcludesThirdPeer(t *testing.T) {
	opts := fastOptions(2)
	net, a, b := startPair(t, opts)

	c := newNode(t, net, "carol", opts)
	c.start(t)

	time.Sleep(1500 * time.Millisecond)
	assert.True(t, a.connectedTo(b))
	assert.True(t, b.connectedTo(a))
	assert.Empty(t, c.session.ConnectedPeers())
}

func TestGroupLocksWhenPartyIsFull(t *testing.T) {
	_, a, b := startPair(t, fastOptions(2))

	want := grouplock.DeriveGroupID([]identity.ID{a.session.Self(), b.session.Self()})
	require.Eventually(t, func() bool {
		return a.session.GroupID() == want && b.session.GroupID() == want
	}, settle, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.True(t, a.connectedTo(b), "re-advertising under the group id keeps the party")
}

func TestLockedGroupRejectsStrangers(t *testing.T) {
	opts := fastOptions(2)
	net, a, b := startPair(t, opts)
	require.Eventually(t, func() bool {
		return a.session.GroupID() != "" && b.session.GroupID() != ""
	}, settle, 10*time.Millisecond)

	require.NoError(t, a.session.SetMaxPartySize(3))
	require.NoError(t, b.session.SetMaxPartySize(3))
	c := newNode(t, net, "carol", fastOptions(3))
	c.start(t)

	time.Sleep(time.Second)
	assert.Empty(t, c.session.ConnectedPeers())
}

func TestKeepaliveFailureResetsUnresponsivePeer(t *testing.T) {
	net := simnet.NewSimulatedNetwork()
	defer net.Close()
	opts := fastOptions(2)
	a := newNode(t, net, "alice", opts)
	b := newNode(t, net, "bob", opts)
	net.DropTraffic("bob", "alice", true)

	a.start(t)
	b.start(t)

	require.Eventually(t, func() bool {
		for _, r := range b.resetReasons() {
			if errors.Is(r, peer.ErrKeepaliveTimeout) {
				return true
			}
		}
		return false
	}, settle, 10*time.Millisecond)
}

func TestResetReconnectsUnderNewHandle(t *testing.T) {
	net, a, b := startPair(t, fastOptions(2))
	oldHandle := net.HandleOf("alice")

	a.session.Reset("Alicia")

	reasons := a.resetReasons()
	require.NotEmpty(t, reasons)
	assert.Nil(t, reasons[len(reasons)-1])
	assert.Equal(t, "Alicia", a.session.DisplayName())

	require.Eventually(t, func() bool {
		peers := b.session.ConnectedPeers()
		return a.connectedTo(b) && len(peers) == 1 && peers[0].Handle != oldHandle
	}, settle, 10*time.Millisecond)
	assert.Equal(t, "Alicia", b.session.ConnectedPeers()[0].DisplayName)
}

func TestLifecycleErrors(t *testing.T) {
	net := simnet.NewSimulatedNetwork()
	defer net.Close()
	n := newNode(t, net, "solo", fastOptions(2))

	n.start(t)
	assert.ErrorIs(t, n.session.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, n.session.Stop())
	require.NoError(t, n.session.Stop())
	assert.ErrorIs(t, n.session.Start(context.Background()), ErrStopped)
}

func TestStopFromSubscriber(t *testing.T) {
	_, a, b := startPair(t, fastOptions(2))

	stopped := make(chan error, 1)
	b.session.Subscribe("game-over", func(router.Message) {
		stopped <- b.session.Stop()
	})
	require.NoError(t, a.session.Send("game-over", nil, nil, router.Reliable))

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(settle):
		t.Fatal("Stop called from a subscriber did not return")
	}
	assert.ErrorIs(t, b.session.Start(context.Background()), ErrStopped)
	require.Eventually(t, func() bool {
		return len(a.session.ConnectedPeers()) == 0
	}, settle, 10*time.Millisecond)
}

func TestSetMaxPartySize(t *testing.T) {
	net := simnet.NewSimulatedNetwork()
	defer net.Close()
	n := newNode(t, net, "solo", fastOptions(4))

	assert.ErrorIs(t, n.session.SetMaxPartySize(1), limits.ErrPartySize)
	assert.ErrorIs(t, n.session.SetMaxPartySize(9), limits.ErrPartySize)
	require.NoError(t, n.session.SetMaxPartySize(3))
	assert.Equal(t, 3, n.session.PartySize())
}

func TestNewRejectsBadInput(t *testing.T) {
	net := simnet.NewSimulatedNetwork()
	defer net.Close()
	rec, err := identity.Generate("x")
	require.NoError(t, err)

	opts := fastOptions(2)
	opts.InviteBackoff = opts.InviteTimeout
	_, err = New(net.NewAdapter("x", "x"), rec, opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	bad := *rec
	bad.ID = "forged"
	_, err = New(net.NewAdapter("y", "y"), &bad, nil)
	assert.Error(t, err)
}

func TestUnsupportedTransportEventPanics(t *testing.T) {
	net := simnet.NewSimulatedNetwork()
	defer net.Close()
	n := newNode(t, net, "solo", fastOptions(2))

	assert.Panics(t, func() {
		n.session.handleEvent(transport.Event{Kind: transport.EventKind(99)})
	})
}
