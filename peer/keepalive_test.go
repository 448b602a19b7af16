package peer

import (
	"testing"
	"time"

	"github.com/opd-ai/partymesh/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLinkIsPinged(t *testing.T) {
	r, link, control, _ := newTestRegistry(t, "z")

	connect(r, link, "h-a", "a")

	assert.Equal(t, 1, control.count(EventPing, "h-a"))
	assert.Equal(t, 1, r.PendingPings())

	r.HandlePong("h-a", "a")
	assert.Equal(t, 0, r.PendingPings())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, control.count(EventPongNotReceived, "h-a"), "answered pings do not expire")
}

func TestPongAdmitsUnknownLink(t *testing.T) {
	r, link, control, rec := newTestRegistry(t, "z")

	link.setLinked("h-q")
	r.OnConnectionStateChanged("h-q", transport.Connected)
	assert.Empty(t, r.ConnectedPeers(), "unknown links wait for a pong")
	assert.Equal(t, 1, control.count(EventPing, "h-q"))

	r.HandlePong("h-q", "q")

	peers := r.ConnectedPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "q", string(peers[0].StableID))
	assert.Len(t, rec.getUpdates(), 1)
}

func TestUnansweredPingReportsToPeer(t *testing.T) {
	r, link, control, _ := newTestRegistry(t, "z")

	connect(r, link, "h-a", "a")

	require.Eventually(t, func() bool {
		return control.count(EventPongNotReceived, "h-a") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.PendingPings())
}

func TestPingIsAnswered(t *testing.T) {
	r, _, control, _ := newTestRegistry(t, "z")

	r.HandlePing("h-a")

	assert.Equal(t, 1, control.count(EventPong, "h-a"))
}

func TestPongNotReceivedRequestsReset(t *testing.T) {
	r, _, _, rec := newTestRegistry(t, "z")

	r.HandlePongNotReceived("h-a")

	resets := rec.getResets()
	require.Len(t, resets, 1)
	assert.ErrorIs(t, resets[0], ErrKeepaliveTimeout)
}

func TestLostReportVerifiedWhileLinked(t *testing.T) {
	r, link, control, _ := newTestRegistry(t, "z")

	connect(r, link, "h-a", "a")
	r.HandlePong("h-a", "a")

	r.OnLost("h-a")
	assert.Equal(t, 2, control.count(EventPing, "h-a"))
	assert.Len(t, r.ConnectedPeers(), 1)
}

func TestLostReportEvictsUnlinkedPeer(t *testing.T) {
	r, link, _, rec := newTestRegistry(t, "z")

	connect(r, link, "h-a", "a")
	r.HandlePong("h-a", "a")
	link.setLinked()

	r.OnLost("h-a")

	assert.Empty(t, r.AllPeers())
	updates := rec.getUpdates()
	require.Len(t, updates, 2)
	assert.Equal(t, transport.NotConnected, updates[1].State)
}
