package lan

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackAdapter(t *testing.T, name string) *Adapter {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	a, err := New(Config{
		DisplayName:    name,
		Keys:           keys,
		ListenAddr:     "127.0.0.1:0",
		BeaconInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func beaconTarget(a *Adapter) string {
	return fmt.Sprintf("127.0.0.1:%d", a.BeaconAddr().(*net.UDPAddr).Port)
}

// advertise starts advertising a's own identity.
func advertise(t *testing.T, a *Adapter) {
	t.Helper()
	require.NoError(t, a.StartAdvertising(transport.DiscoveryInfo{DiscoveryID: a.selfID}))
}

// waitFor returns the first event matching match.
func waitFor(t *testing.T, a *Adapter, match func(transport.Event) bool) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-a.Events():
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestLoopbackLink(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}

	alice := newLoopbackAdapter(t, "alice")
	bob := newLoopbackAdapter(t, "bob")
	alice.AddBeaconTarget(beaconTarget(bob))
	bob.AddBeaconTarget(beaconTarget(alice))

	require.NoError(t, alice.StartBrowsing())
	require.NoError(t, bob.StartBrowsing())
	advertise(t, alice)
	advertise(t, bob)

	found := waitFor(t, alice, func(ev transport.Event) bool { return ev.Kind == transport.EventFound })
	assert.Equal(t, bob.Handle(), found.Handle)
	assert.Equal(t, "bob", found.Name)
	assert.Equal(t, bob.selfID, found.Info.DiscoveryID)

	require.NoError(t, alice.Invite(found.Handle, 3*time.Second))

	inv := waitFor(t, bob, func(ev transport.Event) bool { return ev.Kind == transport.EventInvitation })
	assert.Equal(t, alice.Handle(), inv.Handle)
	assert.Equal(t, alice.selfID, inv.Info.DiscoveryID)
	require.NoError(t, bob.RespondToInvitation(inv.Handle, true))

	isConnected := func(ev transport.Event) bool {
		return ev.Kind == transport.EventStateChanged && ev.State == transport.Connected
	}
	waitFor(t, alice, isConnected)
	waitFor(t, bob, isConnected)
	assert.Equal(t, []transport.Handle{bob.Handle()}, alice.ConnectedHandles())

	require.NoError(t, alice.Send([]byte("hello"), []transport.Handle{bob.Handle()}, true))
	data := waitFor(t, bob, func(ev transport.Event) bool { return ev.Kind == transport.EventData })
	assert.Equal(t, "hello", string(data.Data))
	assert.Equal(t, alice.Handle(), data.Handle)

	alice.Disconnect(bob.Handle())
	waitFor(t, bob, func(ev transport.Event) bool {
		return ev.Kind == transport.EventStateChanged && ev.State == transport.NotConnected
	})
	assert.Empty(t, bob.ConnectedHandles())
}

func TestLoopbackRejectedInvite(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}

	alice := newLoopbackAdapter(t, "alice")
	bob := newLoopbackAdapter(t, "bob")
	alice.AddBeaconTarget(beaconTarget(bob))
	bob.AddBeaconTarget(beaconTarget(alice))

	require.NoError(t, alice.StartBrowsing())
	advertise(t, alice)
	advertise(t, bob)

	found := waitFor(t, alice, func(ev transport.Event) bool { return ev.Kind == transport.EventFound })
	require.NoError(t, alice.Invite(found.Handle, 3*time.Second))

	inv := waitFor(t, bob, func(ev transport.Event) bool { return ev.Kind == transport.EventInvitation })
	require.NoError(t, bob.RespondToInvitation(inv.Handle, false))

	waitFor(t, alice, func(ev transport.Event) bool {
		return ev.Kind == transport.EventStateChanged && ev.State == transport.NotConnected
	})
	assert.Empty(t, alice.ConnectedHandles())
	assert.ErrorIs(t, bob.RespondToInvitation(inv.Handle, true), ErrNoInvitation)
}

func TestInviteErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}

	a := newLoopbackAdapter(t, "alice")
	assert.ErrorIs(t, a.Invite("nobody", time.Second), ErrNotAdvertising)

	assert.ErrorIs(t, a.StartAdvertising(transport.DiscoveryInfo{DiscoveryID: "someone-else"}), ErrIdentityMismatch)
	advertise(t, a)
	assert.ErrorIs(t, a.Invite("nobody", time.Second), ErrUnknownHandle)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Invite("nobody", time.Second), ErrClosed)
	assert.ErrorIs(t, a.StartBrowsing(), ErrClosed)
}

func TestRenewHandle(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}

	a := newLoopbackAdapter(t, "alice")
	before := a.Handle()
	a.RenewHandle()
	assert.NotEqual(t, before, a.Handle())
}

func TestLoopbackForgedIdentityRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}

	mallory := newLoopbackAdapter(t, "mallory")
	bob := newLoopbackAdapter(t, "bob")
	mallory.AddBeaconTarget(beaconTarget(bob))

	victim, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, mallory.StartBrowsing())
	advertise(t, mallory)
	advertise(t, bob)

	// Claim someone else's identity in the hello.
	mallory.mu.Lock()
	mallory.info.DiscoveryID = victim.PublicHex()
	mallory.mu.Unlock()

	found := waitFor(t, mallory, func(ev transport.Event) bool { return ev.Kind == transport.EventFound })
	require.NoError(t, mallory.Invite(found.Handle, 3*time.Second))

	waitFor(t, mallory, func(ev transport.Event) bool {
		return ev.Kind == transport.EventStateChanged && ev.State == transport.NotConnected
	})
	assert.Empty(t, mallory.ConnectedHandles())
	assert.Empty(t, bob.ConnectedHandles())

	bob.mu.Lock()
	pending := len(bob.invites)
	bob.mu.Unlock()
	assert.Zero(t, pending)

	quiet := time.After(200 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-bob.Events():
			assert.NotEqual(t, transport.EventInvitation, ev.Kind)
		case <-quiet:
			done = true
		}
	}
}

func TestInviteToWrongKeyFails(t *testing.T) {
	if testing.Short() {
		t.Skip("opens sockets")
	}

	alice := newLoopbackAdapter(t, "alice")
	bob := newLoopbackAdapter(t, "bob")
	alice.AddBeaconTarget(beaconTarget(bob))
	require.NoError(t, alice.StartBrowsing())
	advertise(t, alice)
	advertise(t, bob)

	found := waitFor(t, alice, func(ev transport.Event) bool { return ev.Kind == transport.EventFound })

	// The sighting names a key bob does not hold.
	bob.StopAdvertising()
	time.Sleep(60 * time.Millisecond)
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	alice.mu.Lock()
	alice.seen[found.Handle].info.DiscoveryID = other.PublicHex()
	alice.mu.Unlock()

	require.NoError(t, alice.Invite(found.Handle, 3*time.Second))
	waitFor(t, alice, func(ev transport.Event) bool {
		return ev.Kind == transport.EventStateChanged && ev.State == transport.NotConnected
	})
	assert.Empty(t, alice.ConnectedHandles())
}
