// Package grouplock runs the handshake that pins a party's membership once
// it has assembled. Every member broadcasts its sorted roster; when enough
// identical rosters have been seen the group locks, discovery restarts under
// a group id derived from the members, and strangers are no longer admitted.
package grouplock

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
	"github.com/sirupsen/logrus"
)

// EventVerify carries a member's sorted roster.
const EventVerify = router.ReservedPrefix + "group.verify"

// GroupIDLength is the number of hex characters kept from the roster hash.
const GroupIDLength = 8

// ErrVerificationIncomplete indicates verification gave up before enough
// matching rosters arrived.
var ErrVerificationIncomplete = errors.New("group verification incomplete")

// Verification is the body of EventVerify.
type Verification struct {
	Members []identity.ID `json:"members"`
}

// DeriveGroupID hashes the sorted member ids joined by "-" and keeps the
// first GroupIDLength hex characters.
func DeriveGroupID(ids []identity.ID) string {
	sorted := sortedCopy(ids)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = string(id)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "-")))
	return hex.EncodeToString(sum[:])[:GroupIDLength]
}

func sortedCopy(ids []identity.ID) []identity.ID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}

// Roster is the registry view used to build the local member list.
type Roster interface {
	ConnectedPeers() []peer.Peer
}

// Discovery is the part of transport.Adapter restarted on lock.
type Discovery interface {
	StartAdvertising(info transport.DiscoveryInfo) error
	StopAdvertising()
	StartBrowsing() error
	StopBrowsing()
}

// Config holds group lock tunables.
type Config struct {
	Self identity.ID
	// PartySize is the number of matching rosters, ours included, needed to
	// lock.
	PartySize int
	// VerifyTimeout is the wait before the local roster is re-broadcast.
	VerifyTimeout time.Duration
	// VerifyRetries bounds the re-broadcasts.
	VerifyRetries int
}

// Lock accumulates verification rosters and locks the group once.
type Lock struct {
	mu        sync.Mutex
	cfg       Config
	roster    Roster
	control   peer.Control
	discovery Discovery

	local    []identity.ID
	received map[identity.ID][]identity.ID
	locked   bool
	groupID  string

	generation uint64
	timer      *time.Timer
	retries    int

	onLocked func(groupID string)
	pending  []func()
}

// New creates an unlocked Lock.
func New(cfg Config, roster Roster, control peer.Control, discovery Discovery) *Lock {
	return &Lock{
		cfg:       cfg,
		roster:    roster,
		control:   control,
		discovery: discovery,
		received:  make(map[identity.ID][]identity.ID),
		onLocked:  func(string) {},
	}
}

// OnLocked sets the callback run once when the group locks, before discovery
// restarts under the new group id.
func (l *Lock) OnLocked(fn func(groupID string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLocked = fn
}

func (l *Lock) unlock() {
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

// SetPartySize changes the number of matching rosters required.
func (l *Lock) SetPartySize(n int) {
	l.mu.Lock()
	defer l.unlock()
	l.cfg.PartySize = n
}

// Locked reports whether the group is locked and under which id.
func (l *Lock) Locked() (string, bool) {
	l.mu.Lock()
	defer l.unlock()
	return l.groupID, l.locked
}

// Verify broadcasts the local roster and starts waiting for the others.
// It does nothing once the group is locked.
func (l *Lock) Verify() {
	members := l.members()

	l.mu.Lock()
	defer l.unlock()

	if l.locked {
		return
	}
	l.retries = 0
	l.verifyLocked(members)
}

func (l *Lock) members() []identity.ID {
	ids := []identity.ID{l.cfg.Self}
	for _, p := range l.roster.ConnectedPeers() {
		ids = append(ids, p.StableID)
	}
	return sortedCopy(ids)
}

func (l *Lock) verifyLocked(members []identity.ID) {
	l.local = members
	l.received[l.cfg.Self] = members

	logrus.WithFields(logrus.Fields{
		"function": "verifyLocked",
		"members":  len(members),
		"attempt":  l.retries,
	}).Info("Broadcasting group verification")

	control, body := l.control, Verification{Members: members}
	l.pending = append(l.pending, func() {
		if err := control.Publish(EventVerify, body, nil, router.Reliable); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "verifyLocked",
				"error":    err.Error(),
			}).Warn("Failed to broadcast group verification")
		}
	})

	l.armTimeoutLocked()
	l.checkLocked()
}

func (l *Lock) armTimeoutLocked() {
	if l.timer != nil {
		l.timer.Stop()
	}
	gen := l.generation
	l.timer = time.AfterFunc(l.cfg.VerifyTimeout, func() {
		members := l.members()

		l.mu.Lock()
		defer l.unlock()

		if gen != l.generation || l.locked {
			return
		}
		if l.retries >= l.cfg.VerifyRetries {
			logrus.WithFields(logrus.Fields{
				"function": "verifyTimeout",
				"matching": l.matchingLocked(),
				"needed":   l.cfg.PartySize,
			}).Warn(ErrVerificationIncomplete.Error())
			l.timer = nil
			return
		}
		l.retries++
		l.verifyLocked(members)
	})
}

// HandleVerification records the roster broadcast by sender. A sender's
// later roster replaces its earlier one.
func (l *Lock) HandleVerification(sender identity.ID, v Verification) {
	l.mu.Lock()
	defer l.unlock()

	if l.locked || sender == "" {
		return
	}
	l.received[sender] = sortedCopy(v.Members)

	logrus.WithFields(logrus.Fields{
		"function": "HandleVerification",
		"sender":   sender.Short(),
		"members":  len(v.Members),
	}).Debug("Received group verification")

	l.checkLocked()
}

func (l *Lock) matchingLocked() int {
	if l.local == nil {
		return 0
	}
	n := 0
	for _, list := range l.received {
		if slices.Equal(list, l.local) {
			n++
		}
	}
	return n
}

func (l *Lock) checkLocked() {
	if l.locked || l.cfg.PartySize <= 0 || l.matchingLocked() < l.cfg.PartySize {
		return
	}

	l.locked = true
	l.groupID = DeriveGroupID(l.local)
	l.received = make(map[identity.ID][]identity.ID)
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "checkLocked",
		"groupID":  l.groupID,
		"members":  len(l.local),
	}).Info("Group locked")

	cb, groupID, self, d := l.onLocked, l.groupID, l.cfg.Self, l.discovery
	l.pending = append(l.pending, func() {
		cb(groupID)
		restartDiscovery(d, transport.DiscoveryInfo{DiscoveryID: string(self), GroupID: groupID})
	})
}

func restartDiscovery(d Discovery, info transport.DiscoveryInfo) {
	d.StopBrowsing()
	d.StopAdvertising()
	if err := d.StartAdvertising(info); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "restartDiscovery",
			"error":    err.Error(),
		}).Error("Failed to advertise locked group")
	}
	if err := d.StartBrowsing(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "restartDiscovery",
			"error":    err.Error(),
		}).Error("Failed to browse for locked group")
	}
}

// Reset discards accumulated rosters and stops the verification timer. A
// locked group stays locked; Clear forgets it.
func (l *Lock) Reset() {
	l.mu.Lock()
	defer l.unlock()

	l.generation++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.local = nil
	l.retries = 0
	l.received = make(map[identity.ID][]identity.ID)
}

// Clear resets the handshake and forgets the locked group.
func (l *Lock) Clear() {
	l.Reset()

	l.mu.Lock()
	defer l.unlock()
	l.locked = false
	l.groupID = ""
}
