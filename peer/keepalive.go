package peer

import (
	"fmt"
	"time"

	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
	"github.com/sirupsen/logrus"
)

// startKeepaliveLocked pings h unless a ping is already outstanding.
func (r *Registry) startKeepaliveLocked(h transport.Handle) {
	if _, ok := r.pings[h]; ok {
		return
	}

	gen := r.generation
	r.pings[h] = time.AfterFunc(r.cfg.KeepaliveTimeout, func() {
		r.keepaliveExpired(h, gen)
	})

	logrus.WithFields(logrus.Fields{
		"function": "startKeepaliveLocked",
		"handle":   h,
		"timeout":  r.cfg.KeepaliveTimeout,
	}).Debug("Sending keepalive ping")

	r.sendLocked(EventPing, h)
}

func (r *Registry) sendLocked(event string, h transport.Handle) {
	control := r.control
	r.later(func() {
		if err := control.Publish(event, nil, []transport.Handle{h}, router.Reliable); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendLocked",
				"event":    event,
				"handle":   h,
				"error":    err.Error(),
			}).Warn("Failed to send control message")
		}
	})
}

func (r *Registry) keepaliveExpired(h transport.Handle, gen uint64) {
	r.mu.Lock()
	defer r.unlock()

	if gen != r.generation {
		return
	}
	if _, ok := r.pings[h]; !ok {
		return
	}
	delete(r.pings, h)

	logrus.WithFields(logrus.Fields{
		"function": "keepaliveExpired",
		"handle":   h,
	}).Warn(ErrKeepaliveTimeout.Error() + ", telling peer to reset")

	r.sendLocked(EventPongNotReceived, h)
}

// HandlePing answers a keepalive ping from h.
func (r *Registry) HandlePing(h transport.Handle) {
	r.mu.Lock()
	defer r.unlock()
	r.sendLocked(EventPong, h)
}

// HandlePong completes an outstanding keepalive for h. A handle the registry
// had no state for is admitted as Connected; sender names the device when
// discovery never did.
func (r *Registry) HandlePong(h transport.Handle, sender identity.ID) {
	r.mu.Lock()
	defer r.unlock()

	t, ok := r.pings[h]
	if !ok {
		return
	}
	t.Stop()
	delete(r.pings, h)

	if _, known := r.states[h]; known || !r.transportConnectedLocked(h) {
		return
	}
	if _, ok := r.peers[h]; !ok && sender != "" {
		r.recordLocked(h, "", transport.DiscoveryInfo{DiscoveryID: string(sender)})
	}

	logrus.WithFields(logrus.Fields{
		"function": "HandlePong",
		"handle":   h,
	}).Info("Keepalive confirmed unrecognized link")

	r.markConnectedLocked(h)
	r.enforceCapacityLocked()
}

// HandlePongNotReceived reacts to a peer reporting that we failed to answer
// its ping: our side of the link is broken, so the session resets.
func (r *Registry) HandlePongNotReceived(h transport.Handle) {
	r.mu.Lock()
	defer r.unlock()

	logrus.WithFields(logrus.Fields{
		"function": "HandlePongNotReceived",
		"handle":   h,
	}).Warn("Peer did not hear our pong, requesting session reset")

	r.requestResetLocked(fmt.Errorf("%w: reported by %s", ErrKeepaliveTimeout, h))
}

// PendingPings returns how many keepalive pings await a pong.
func (r *Registry) PendingPings() int {
	r.mu.Lock()
	defer r.unlock()
	return len(r.pings)
}
