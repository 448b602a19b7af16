// Package router dispatches incoming session messages to subscribers by
// event name and sends outgoing messages with a per-send reliability choice.
//
// Subscribers hold an explicit *Subscription; nothing is pruned implicitly.
// A subscription ends when Cancel is called or, for SubscribeContext, when
// its owner's context is done.
//
// Example:
//
//	sub := r.Subscribe("move", func(m router.Message) {
//	    var mv Move
//	    if err := m.Decode(&mv); err == nil {
//	        apply(mv)
//	    }
//	})
//	defer sub.Cancel()
//
//	err := r.Publish("move", Move{X: 1}, nil, router.Reliable)
package router

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/limits"
	"github.com/opd-ai/partymesh/transport"
	"github.com/sirupsen/logrus"
)

// ReservedPrefix marks session control events. They are delivered only to
// handlers registered under their exact name, never to wildcard handlers.
const ReservedPrefix = "mesh."

// Wildcard subscribes to every non-reserved event.
const Wildcard = ""

// dedupWindow is how many recent message ids are remembered to drop
// duplicates from an at-least-once transport.
const dedupWindow = 512

// ErrSerialization indicates a message could not be encoded or decoded.
var ErrSerialization = errors.New("serialization failure")

// Reliability selects the delivery mode of a send.
type Reliability uint8

const (
	// Reliable sends are ordered and not dropped by the outbound queue.
	Reliable Reliability = iota
	// BestEffort sends may be dropped or reordered.
	BestEffort
)

// Handler receives a dispatched message.
type Handler func(Message)

// Outbound is the subset of transport.Adapter the router sends through.
type Outbound interface {
	Send(data []byte, targets []transport.Handle, reliable bool) error
}

// Roster lists the handles a broadcast goes to.
type Roster interface {
	ConnectedHandles() []transport.Handle
}

// Router routes messages for one session.
type Router struct {
	mu      sync.RWMutex
	self    identity.ID
	out     Outbound
	roster  Roster
	clock   crypto.TimeProvider
	subs    map[string]map[uuid.UUID]Handler
	offline bool

	seenMu  sync.Mutex
	seen    map[string]struct{}
	seenLog []string
}

// New creates a router that stamps outgoing messages with self.
func New(self identity.ID, out Outbound, roster Roster, clock crypto.TimeProvider) *Router {
	return &Router{
		self:   self,
		out:    out,
		roster: roster,
		clock:  crypto.Or(clock),
		subs:   make(map[string]map[uuid.UUID]Handler),
		seen:   make(map[string]struct{}),
	}
}

// SetRoster sets the broadcast roster. It exists for wiring cycles where the
// roster itself needs the router.
func (r *Router) SetRoster(roster Roster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roster = roster
}

// SetOffline toggles solo/offline mode, in which Publish is a no-op.
func (r *Router) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// Offline reports whether the router is in solo/offline mode.
func (r *Router) Offline() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.offline
}

// Subscribe registers h for event. Use Wildcard to receive every
// non-reserved event.
func (r *Router) Subscribe(event string, h Handler) *Subscription {
	sub := &Subscription{id: uuid.New(), event: event, router: r}

	r.mu.Lock()
	if r.subs[event] == nil {
		r.subs[event] = make(map[uuid.UUID]Handler)
	}
	r.subs[event][sub.id] = h
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"event":    event,
		"token":    sub.id,
	}).Debug("Subscribed")

	return sub
}

// SubscribeContext is Subscribe with the subscription cancelled once ctx is
// done.
func (r *Router) SubscribeContext(ctx context.Context, event string, h Handler) *Subscription {
	sub := r.Subscribe(event, h)
	stop := context.AfterFunc(ctx, sub.Cancel)

	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub
}

func (r *Router) unsubscribe(event string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlers := r.subs[event]
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(r.subs, event)
	}
}

// SubscriberCount returns how many live subscriptions exist for event.
func (r *Router) SubscriberCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[event])
}

// Publish encodes body under event and sends it to targets, or to every
// connected peer when targets is empty. In offline mode, or with nobody to
// send to, it does nothing. Encoding failures are logged and the message is
// dropped.
func (r *Router) Publish(event string, body any, targets []transport.Handle, rel Reliability) error {
	r.mu.RLock()
	offline, roster := r.offline, r.roster
	r.mu.RUnlock()

	if offline {
		logrus.WithFields(logrus.Fields{
			"function": "Publish",
			"event":    event,
		}).Debug("Offline, send skipped")
		return nil
	}

	if len(targets) == 0 && roster != nil {
		targets = roster.ConnectedHandles()
	}
	if len(targets) == 0 {
		return nil
	}

	reliable := rel == Reliable
	data, err := encodeEnvelope(Envelope{
		EventName:      event,
		SenderStableID: string(r.self),
		SendTime:       crypto.UnixSeconds(r.clock.Now()),
		MessageID:      uuid.NewString(),
	}, body)
	if err == nil {
		err = limits.ValidatePayload(data, reliable)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Publish",
			"event":    event,
			"error":    err.Error(),
		}).Error("Dropping unsendable message")
		return err
	}

	if err := r.out.Send(data, targets, reliable); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Publish",
			"event":    event,
			"targets":  len(targets),
			"error":    err.Error(),
		}).Warn("Transport send failed")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Publish",
		"event":    event,
		"targets":  len(targets),
		"reliable": reliable,
		"size":     len(data),
	}).Debug("Message sent")

	return nil
}

// Dispatch decodes raw as received from sender and delivers it to every
// handler of its event name, then to every wildcard handler. Handlers run on
// the caller's goroutine without any router lock held.
func (r *Router) Dispatch(raw []byte, sender transport.Handle) error {
	env, msg, err := decodeEnvelope(raw, sender)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"sender":   sender,
			"error":    err.Error(),
		}).Warn("Dropping undecodable message")
		return err
	}

	if env.MessageID != "" && r.duplicate(env.MessageID) {
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatch",
			"event":      msg.EventName,
			"message_id": env.MessageID,
		}).Debug("Dropping duplicate message")
		return nil
	}

	for _, h := range r.handlersFor(msg.EventName) {
		h(msg)
	}
	return nil
}

func (r *Router) handlersFor(event string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handler
	for _, h := range r.subs[event] {
		out = append(out, h)
	}
	if event != Wildcard && !strings.HasPrefix(event, ReservedPrefix) {
		for _, h := range r.subs[Wildcard] {
			out = append(out, h)
		}
	}
	return out
}

func (r *Router) duplicate(id string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	r.seenLog = append(r.seenLog, id)
	if len(r.seenLog) > dedupWindow {
		delete(r.seen, r.seenLog[0])
		r.seenLog = r.seenLog[1:]
	}
	return false
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id     uuid.UUID
	event  string
	router *Router

	mu        sync.Mutex
	cancelled bool
	stop      func() bool
}

// Token identifies the subscription.
func (s *Subscription) Token() uuid.UUID {
	return s.id
}

// Event returns the event name the subscription listens to.
func (s *Subscription) Event() string {
	return s.event
}

// Cancel ends the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.router.unsubscribe(s.event, s.id)
}
