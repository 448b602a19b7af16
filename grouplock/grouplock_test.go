package grouplock

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveGroupID(t *testing.T) {
	sum := sha256.Sum256([]byte("id1-id2"))
	want := hex.EncodeToString(sum[:])[:8]

	assert.Equal(t, want, DeriveGroupID([]identity.ID{"id1", "id2"}))
	assert.Equal(t, want, DeriveGroupID([]identity.ID{"id2", "id1"}), "order does not matter")
	assert.Len(t, DeriveGroupID([]identity.ID{"x"}), GroupIDLength)
	assert.NotEqual(t, want, DeriveGroupID([]identity.ID{"id1", "id3"}))
}

func TestDeriveGroupIDDoesNotReorderInput(t *testing.T) {
	ids := []identity.ID{"b", "a"}
	DeriveGroupID(ids)
	assert.Equal(t, []identity.ID{"b", "a"}, ids)
}

type lockFixture struct {
	lock      *Lock
	control   *mockControl
	discovery *mockDiscovery

	mu     sync.Mutex
	locked []string
}

func newLockFixture(t *testing.T, self identity.ID, others ...identity.ID) *lockFixture {
	t.Helper()
	var roster staticRoster
	for _, id := range others {
		roster = append(roster, peer.Peer{StableID: id, Handle: transport.Handle("h-" + id.String())})
	}
	f := &lockFixture{control: &mockControl{}, discovery: &mockDiscovery{}}
	f.lock = New(Config{
		Self:          self,
		PartySize:     len(others) + 1,
		VerifyTimeout: 30 * time.Millisecond,
		VerifyRetries: 2,
	}, roster, f.control, f.discovery)
	f.lock.OnLocked(func(groupID string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.locked = append(f.locked, groupID)
	})
	t.Cleanup(f.lock.Reset)
	return f
}

func (f *lockFixture) lockedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.locked...)
}

func TestTwoPeersLockOnSameGroup(t *testing.T) {
	a := newLockFixture(t, "id1", "id2")
	b := newLockFixture(t, "id2", "id1")

	a.lock.Verify()
	b.lock.Verify()
	assert.Equal(t, []identity.ID{"id1", "id2"}, a.control.last().Members)

	a.lock.HandleVerification("id2", b.control.last())
	b.lock.HandleVerification("id1", a.control.last())

	want := DeriveGroupID([]identity.ID{"id1", "id2"})
	for _, f := range []*lockFixture{a, b} {
		groupID, locked := f.lock.Locked()
		assert.True(t, locked)
		assert.Equal(t, want, groupID)
		assert.Equal(t, []string{want}, f.lockedIDs())

		adv := f.discovery.getAdvertised()
		require.Len(t, adv, 1)
		assert.Equal(t, want, adv[0].GroupID)
		assert.Zero(t, adv[0].GroupSize)
	}
}

func TestMismatchedRosterDoesNotLock(t *testing.T) {
	f := newLockFixture(t, "id1", "id2")

	f.lock.Verify()
	f.lock.HandleVerification("id2", Verification{Members: []identity.ID{"id2", "id3"}})

	_, locked := f.lock.Locked()
	assert.False(t, locked)
}

func TestDuplicateBroadcastCountsOnce(t *testing.T) {
	f := newLockFixture(t, "a", "b", "c")
	f.lock.Verify()

	list := Verification{Members: []identity.ID{"c", "b", "a"}}
	f.lock.HandleVerification("b", list)
	f.lock.HandleVerification("b", list)

	_, locked := f.lock.Locked()
	assert.False(t, locked)

	f.lock.HandleVerification("c", list)
	_, locked = f.lock.Locked()
	assert.True(t, locked)
}

func TestEarlyVerificationCountsAfterLocalVerify(t *testing.T) {
	f := newLockFixture(t, "id1", "id2")

	f.lock.HandleVerification("id2", Verification{Members: []identity.ID{"id1", "id2"}})
	_, locked := f.lock.Locked()
	assert.False(t, locked)

	f.lock.Verify()
	_, locked = f.lock.Locked()
	assert.True(t, locked)
}

func TestLocksExactlyOnce(t *testing.T) {
	f := newLockFixture(t, "id1", "id2")
	f.lock.Verify()
	f.lock.HandleVerification("id2", Verification{Members: []identity.ID{"id1", "id2"}})

	f.lock.HandleVerification("id2", Verification{Members: []identity.ID{"id1", "id2"}})
	f.lock.Verify()

	assert.Len(t, f.lockedIDs(), 1)
	assert.Equal(t, 1, f.control.count(), "no broadcast after lock")
	assert.Len(t, f.discovery.getAdvertised(), 1)
}

func TestVerificationRetriesThenGivesUp(t *testing.T) {
	f := newLockFixture(t, "id1", "id2")
	f.lock.Verify()

	require.Eventually(t, func() bool {
		return f.control.count() == 3
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, f.control.count(), "bounded by the retry count")
	_, locked := f.lock.Locked()
	assert.False(t, locked)
}

func TestResetKeepsLockClearForgets(t *testing.T) {
	f := newLockFixture(t, "id1", "id2")
	f.lock.Verify()
	f.lock.HandleVerification("id2", Verification{Members: []identity.ID{"id1", "id2"}})

	f.lock.Reset()
	_, locked := f.lock.Locked()
	assert.True(t, locked)

	f.lock.Clear()
	groupID, locked := f.lock.Locked()
	assert.False(t, locked)
	assert.Empty(t, groupID)
}
