package peer

import (
	"fmt"
	"time"

	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/transport"
	"github.com/sirupsen/logrus"
)

// acceptsLocked filters candidates by their discovery metadata: by group id
// once the group is locked, by advertised group size before.
func (r *Registry) acceptsLocked(info transport.DiscoveryInfo) bool {
	if r.groupID != "" {
		return info.GroupID == r.groupID
	}
	return info.GroupID == "" && info.GroupSize == r.cfg.GroupSize
}

// maybeInviteLocked decides whether to invite h now, later or never.
//
// Only the lexicographically lower identity of a pair invites, so two
// devices never invite each other at the same time.
func (r *Registry) maybeInviteLocked(h transport.Handle) {
	e, ok := r.peers[h]
	if !ok {
		return
	}
	if !r.acceptsLocked(e.info) {
		logrus.WithFields(logrus.Fields{
			"function": "maybeInviteLocked",
			"handle":   h,
			"groupID":  e.info.GroupID,
			"size":     e.info.GroupSize,
		}).Debug("Candidate filtered out")
		return
	}
	if !r.cfg.Self.Less(identity.ID(e.info.DiscoveryID)) {
		return
	}
	if st := r.states[h]; st == transport.Connecting || st == transport.Connected {
		return
	}
	// Invitations already in flight count against capacity too, otherwise
	// two simultaneous acceptances could overfill the party.
	if busy := r.busyLocked(); busy >= r.cfg.Capacity {
		logrus.WithFields(logrus.Fields{
			"function": "maybeInviteLocked",
			"handle":   h,
			"busy":     busy,
			"capacity": r.cfg.Capacity,
		}).Debug(ErrCapacityExceeded.Error())
		return
	}

	hist, ok := r.invites[h]
	if !ok {
		hist = &InviteHistory{}
		r.invites[h] = hist
	}
	if hist.Scheduled {
		return
	}

	now := r.clock.Now()
	if wait := hist.NextInviteAfter.Sub(now); wait > 0 {
		r.scheduleRetryLocked(h, hist, wait)
		return
	}

	if hist.Attempt >= r.cfg.MaxInviteAttempts {
		logrus.WithFields(logrus.Fields{
			"function": "maybeInviteLocked",
			"handle":   h,
			"attempts": hist.Attempt,
		}).Warn("Invite retries exhausted, requesting session reset")
		delete(r.invites, h)
		r.requestResetLocked(fmt.Errorf("%w: %s after %d attempts", ErrInviteRetriesExhausted, h, hist.Attempt))
		return
	}

	hist.Attempt++
	hist.NextInviteAfter = now.Add(r.cfg.InviteTimeout + r.cfg.InviteBackoff)
	r.states[h] = transport.Connecting
	r.armAttemptTimeoutLocked(h, hist.Attempt)

	logrus.WithFields(logrus.Fields{
		"function": "maybeInviteLocked",
		"handle":   h,
		"peer":     identity.ID(e.info.DiscoveryID).Short(),
		"attempt":  hist.Attempt,
	}).Info("Inviting peer")

	link, timeout := r.link, r.cfg.InviteTimeout
	r.later(func() {
		if err := link.Invite(h, timeout); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "maybeInviteLocked",
				"handle":   h,
				"error":    err.Error(),
			}).Warn("Transport refused invite")
		}
	})
}

func (r *Registry) scheduleRetryLocked(h transport.Handle, hist *InviteHistory, wait time.Duration) {
	hist.Scheduled = true
	gen := r.generation
	r.retries[h] = time.AfterFunc(wait, func() {
		r.mu.Lock()
		defer r.unlock()

		if gen != r.generation {
			return
		}
		delete(r.retries, h)
		if cur, ok := r.invites[h]; ok {
			cur.Scheduled = false
		}
		r.maybeInviteLocked(h)
	})

	logrus.WithFields(logrus.Fields{
		"function": "scheduleRetryLocked",
		"handle":   h,
		"wait":     wait,
	}).Debug("Invite retry scheduled")
}

// armAttemptTimeoutLocked abandons a Connecting state that outlives the
// invite timeout. attempt is the invite attempt being guarded, or 0 for an
// accepted inbound invitation.
func (r *Registry) armAttemptTimeoutLocked(h transport.Handle, attempt int) {
	stopTimer(r.timers, h)
	gen := r.generation
	r.timers[h] = time.AfterFunc(r.cfg.InviteTimeout, func() {
		r.mu.Lock()
		defer r.unlock()

		if gen != r.generation || r.states[h] != transport.Connecting {
			return
		}
		if hist, ok := r.invites[h]; attempt > 0 && (!ok || hist.Attempt != attempt) {
			return
		}
		delete(r.timers, h)
		delete(r.states, h)

		logrus.WithFields(logrus.Fields{
			"function": "armAttemptTimeoutLocked",
			"handle":   h,
			"attempt":  attempt,
		}).Info(ErrInviteTimeout.Error())

		r.maybeInviteLocked(h)
	})
}

// OnInvitation decides on an inbound invitation from h and answers it
// through the link. It reports whether the invitation was accepted.
func (r *Registry) OnInvitation(h transport.Handle, name string, info transport.DiscoveryInfo) bool {
	r.mu.Lock()
	defer r.unlock()

	accept := r.recordLocked(h, name, info) && r.acceptsLocked(info)
	if st := r.states[h]; st == transport.Connecting || st == transport.Connected {
		accept = false
	}
	busy := r.busyLocked()
	if accept && busy >= r.cfg.Capacity {
		logrus.WithFields(logrus.Fields{
			"function": "OnInvitation",
			"handle":   h,
			"busy":     busy,
			"capacity": r.cfg.Capacity,
		}).Info(ErrCapacityExceeded.Error())
		accept = false
	}

	if accept {
		r.states[h] = transport.Connecting
		r.armAttemptTimeoutLocked(h, 0)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OnInvitation",
		"handle":   h,
		"peer":     identity.ID(info.DiscoveryID).Short(),
		"accept":   accept,
	}).Info("Answering invitation")

	link := r.link
	r.later(func() {
		if err := link.RespondToInvitation(h, accept); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OnInvitation",
				"handle":   h,
				"error":    err.Error(),
			}).Warn("Failed to answer invitation")
		}
	})
	return accept
}

// busyLocked counts handles that are linked or on their way to being linked.
func (r *Registry) busyLocked() int {
	busy := make(map[transport.Handle]struct{})
	for _, h := range r.link.ConnectedHandles() {
		busy[h] = struct{}{}
	}
	for h, st := range r.states {
		if st == transport.Connecting || st == transport.Connected {
			busy[h] = struct{}{}
		}
	}
	return len(busy)
}

// InviteHistoryOf returns a copy of the invite history for h.
func (r *Registry) InviteHistoryOf(h transport.Handle) (InviteHistory, bool) {
	r.mu.Lock()
	defer r.unlock()

	hist, ok := r.invites[h]
	if !ok {
		return InviteHistory{}, false
	}
	return *hist, true
}
