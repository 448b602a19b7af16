package partymesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/election"
	"github.com/opd-ai/partymesh/grouplock"
	"github.com/opd-ai/partymesh/identity"
	"github.com/opd-ai/partymesh/limits"
	"github.com/opd-ai/partymesh/peer"
	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnsupportedTransportEvent indicates the adapter delivered an event
	// kind the session does not know. It is a protocol mismatch, not a
	// network fault, and is fatal.
	ErrUnsupportedTransportEvent = errors.New("unsupported transport event")

	// ErrAlreadyRunning is returned by Start on a running session.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrStopped is returned when using a session after Stop.
	ErrStopped = errors.New("session stopped")

	// ErrReservedEvent is returned by Send for event names in the reserved
	// control namespace.
	ErrReservedEvent = errors.New("reserved event name")
)

// Session is the peer session: it discovers nearby devices, keeps a bounded
// party connected, tracks the host, locks the group and routes messages.
type Session struct {
	opts    *Options
	adapter transport.Adapter
	self    identity.ID
	clock   crypto.TimeProvider

	registry *peer.Registry
	router   *router.Router
	election *election.Election
	lock     *grouplock.Lock

	mu          sync.Mutex
	running     bool
	stopped     bool
	displayName string
	partySize   int
	cancel      context.CancelFunc
	done        chan struct{}
	control     []*router.Subscription

	resetting atomic.Bool
	// inLoop is set while the event loop runs a handler or callback.
	inLoop atomic.Bool

	cbMu          sync.RWMutex
	onPeerUpdated func(peer.Update)
	onHostUpdated func(*peer.Peer)
	onReset       func(error)
}

// New wires a session for the device described by rec on top of adapter.
// Nil opts means NewOptions.
func New(adapter transport.Adapter, rec *identity.Record, opts *Options) (*Session, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"self":      rec.ID.Short(),
		"name":      rec.DisplayName,
		"partySize": opts.MaxPartySize,
	}).Info("Creating peer session")

	s := &Session{
		opts:          opts,
		adapter:       adapter,
		self:          rec.ID,
		clock:         crypto.Or(opts.TimeProvider),
		displayName:   rec.DisplayName,
		partySize:     opts.MaxPartySize,
		onPeerUpdated: func(peer.Update) {},
		onHostUpdated: func(*peer.Peer) {},
		onReset:       func(error) {},
	}

	s.router = router.New(rec.ID, adapter, nil, s.clock)
	s.registry = peer.NewRegistry(peer.Config{
		Self:              rec.ID,
		Capacity:          limits.Capacity(opts.MaxPartySize),
		GroupSize:         opts.MaxPartySize,
		InviteTimeout:     opts.InviteTimeout,
		InviteBackoff:     opts.InviteBackoff,
		MaxInviteAttempts: opts.MaxInviteAttempts,
		KeepaliveTimeout:  opts.KeepaliveTimeout,
		Clock:             s.clock,
	}, adapter, s.router)
	s.router.SetRoster(s.registry)

	s.election = election.New(election.Config{
		Self:         peer.Peer{StableID: rec.ID, DisplayName: rec.DisplayName},
		RequeryDelay: opts.HostRequeryDelay,
	}, s.registry, s.router, s.clock)

	s.lock = grouplock.New(grouplock.Config{
		Self:          rec.ID,
		PartySize:     opts.MaxPartySize,
		VerifyTimeout: opts.VerifyTimeout,
		VerifyRetries: opts.VerifyRetries,
	}, s.registry, s.router, adapter)

	s.registry.OnUpdate(s.peerUpdated)
	s.registry.OnReset(s.resetRequested)
	s.election.OnHostUpdated(s.hostUpdated)
	s.lock.OnLocked(s.groupLocked)
	s.subscribeControl()

	return s, nil
}

func (s *Session) subscribeControl() {
	handlers := map[string]router.Handler{
		peer.EventPing: func(m router.Message) { s.registry.HandlePing(m.Sender) },
		peer.EventPong: func(m router.Message) { s.registry.HandlePong(m.Sender, m.SenderID) },
		peer.EventPongNotReceived: func(m router.Message) {
			s.registry.HandlePongNotReceived(m.Sender)
		},
		election.EventAnnounce: func(m router.Message) {
			var a election.Announcement
			if err := m.Decode(&a); err != nil {
				logDecodeFailure(m, err)
				return
			}
			s.election.HandleAnnouncement(m.Sender, m.SenderID, a)
		},
		election.EventRequest: func(m router.Message) { s.election.HandleRequest(m.Sender) },
		grouplock.EventVerify: func(m router.Message) {
			var v grouplock.Verification
			if err := m.Decode(&v); err != nil {
				logDecodeFailure(m, err)
				return
			}
			s.lock.HandleVerification(m.SenderID, v)
		},
	}
	for event, h := range handlers {
		s.control = append(s.control, s.router.Subscribe(event, h))
	}
}

func logDecodeFailure(m router.Message, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "subscribeControl",
		"event":    m.EventName,
		"sender":   m.Sender,
		"error":    err.Error(),
	}).Warn("Dropping malformed control message")
}

// OnPeerUpdated sets the callback for peers connecting and disconnecting.
func (s *Session) OnPeerUpdated(fn func(peer.Update)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onPeerUpdated = fn
}

// OnHostUpdated sets the callback for host changes. It receives nil when no
// host is known. A local host has an empty Handle.
func (s *Session) OnHostUpdated(fn func(*peer.Peer)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onHostUpdated = fn
}

// OnReset sets the callback run after every session reset. reason is nil
// for resets requested through Reset.
func (s *Session) OnReset(fn func(reason error)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onReset = fn
}

func (s *Session) peerUpdated(u peer.Update) {
	s.election.PeerStateChanged(u)

	s.cbMu.RLock()
	cb := s.onPeerUpdated
	s.cbMu.RUnlock()
	cb(u)

	if u.State == transport.Connected {
		s.maybeVerify()
	}
}

// maybeVerify starts group verification once the party is full.
func (s *Session) maybeVerify() {
	if !s.opts.AutoVerify || s.registry.GroupID() != "" {
		return
	}
	s.mu.Lock()
	size := s.partySize
	s.mu.Unlock()

	if len(s.registry.ConnectedPeers())+1 < size {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "maybeVerify",
		"partySize": size,
	}).Info("Party full, verifying group")
	s.lock.Verify()
}

func (s *Session) hostUpdated(rec *election.HostRecord) {
	var host *peer.Peer
	if rec != nil {
		p := rec.Peer
		host = &p
	}

	s.cbMu.RLock()
	cb := s.onHostUpdated
	s.cbMu.RUnlock()
	cb(host)
}

func (s *Session) groupLocked(groupID string) {
	s.registry.SetGroupID(groupID)
	logrus.WithFields(logrus.Fields{
		"function": "groupLocked",
		"groupID":  groupID,
	}).Info("Discovery now filtered by group id")
}

func (s *Session) resetRequested(reason error) {
	s.reset("", reason)
}

// Start begins advertising and browsing and runs the event loop until ctx
// ends or Stop is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return ErrAlreadyRunning
	}
	if err := s.startDiscoveryLocked(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx, s.done)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"self":     s.self.Short(),
	}).Info("Peer session started")
	return nil
}

func (s *Session) discoveryInfoLocked() transport.DiscoveryInfo {
	info := transport.DiscoveryInfo{DiscoveryID: string(s.self)}
	if groupID := s.registry.GroupID(); groupID != "" {
		info.GroupID = groupID
	} else {
		info.GroupSize = s.partySize
	}
	return info
}

func (s *Session) startDiscoveryLocked() error {
	if err := s.adapter.StartAdvertising(s.discoveryInfoLocked()); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	if err := s.adapter.StartBrowsing(); err != nil {
		s.adapter.StopAdvertising()
		return fmt.Errorf("start browsing: %w", err)
	}
	return nil
}

func (s *Session) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := s.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok || ctx.Err() != nil {
				return
			}
			s.inLoop.Store(true)
			s.handleEvent(ev)
			s.inLoop.Store(false)
		}
	}
}

func (s *Session) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventFound:
		s.registry.OnDiscovered(ev.Handle, ev.Name, ev.Info)
	case transport.EventLost:
		s.registry.OnLost(ev.Handle)
	case transport.EventStateChanged:
		s.registry.OnConnectionStateChanged(ev.Handle, ev.State)
	case transport.EventInvitation:
		s.registry.OnInvitation(ev.Handle, ev.Name, ev.Info)
	case transport.EventData:
		if err := s.router.Dispatch(ev.Data, ev.Handle); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleEvent",
				"handle":   ev.Handle,
				"size":     len(ev.Data),
				"error":    err.Error(),
			}).Debug("Inbound payload not dispatched")
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleEvent",
			"kind":     ev.Kind.String(),
			"handle":   ev.Handle,
		}).Panic(ErrUnsupportedTransportEvent.Error())
	}
}

// Stop ends the session for good: links close, discovery stops, all state
// including the locked group is discarded and the adapter is closed. It may
// be called from a subscriber or callback.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		// Called from a handler on the loop goroutine: the loop exits once
		// the handler returns, so waiting here would never finish.
		if !s.inLoop.Load() {
			<-done
		}
	}

	s.teardown()
	for _, sub := range s.control {
		sub.Cancel()
	}
	s.registry.Reset()
	s.registry.ClearGroup()
	s.election.Reset()
	s.lock.Clear()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"self":     s.self.Short(),
	}).Info("Peer session stopped")
	return s.adapter.Close()
}

func (s *Session) teardown() {
	s.adapter.StopBrowsing()
	s.adapter.StopAdvertising()
	for _, h := range s.adapter.ConnectedHandles() {
		s.adapter.Disconnect(h)
	}
}

// Reset tears down every link, forgets peers and the host, and restarts
// discovery. A non-empty displayName replaces the advertised name. The
// locked group, if any, is kept. Reset is safe from any goroutine;
// concurrent calls collapse into one.
func (s *Session) Reset(displayName string) {
	s.reset(displayName, nil)
}

func (s *Session) reset(displayName string, reason error) {
	if !s.resetting.CompareAndSwap(false, true) {
		logrus.WithFields(logrus.Fields{
			"function": "reset",
		}).Debug("Reset already in progress")
		return
	}
	defer s.resetting.Store(false)

	fields := logrus.Fields{"function": "reset", "self": s.self.Short()}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	logrus.WithFields(fields).Warn("Resetting peer session")

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if name := strings.TrimSpace(displayName); name != "" {
		s.displayName = name
		if r, ok := s.adapter.(transport.Renamer); ok {
			r.SetDisplayName(name)
		}
	}
	s.mu.Unlock()

	s.teardown()
	if r, ok := s.adapter.(transport.Renewer); ok {
		r.RenewHandle()
	}
	s.registry.Reset()
	s.election.Reset()
	s.lock.Reset()

	s.mu.Lock()
	if s.running {
		if err := s.startDiscoveryLocked(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "reset",
				"error":    err.Error(),
			}).Error("Failed to restart discovery")
		}
	}
	s.mu.Unlock()

	s.cbMu.RLock()
	cb := s.onReset
	s.cbMu.RUnlock()
	cb(reason)
}

// Self returns the local stable identity.
func (s *Session) Self() identity.ID { return s.self }

// DisplayName returns the advertised display name.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// ConnectedPeers returns the confirmed, linked peers ordered by identity.
func (s *Session) ConnectedPeers() []peer.Peer { return s.registry.ConnectedPeers() }

// AllPeers returns every peer with a recorded connection state.
func (s *Session) AllPeers() []peer.Peer { return s.registry.AllPeers() }

// Host returns the current host, or nil. A local host has an empty Handle.
func (s *Session) Host() *peer.Peer {
	rec, state := s.election.Host()
	if state == election.NoHost {
		return nil
	}
	p := rec.Peer
	return &p
}

// IsHost reports whether the local device is host.
func (s *Session) IsHost() bool {
	_, state := s.election.Host()
	return state == election.ElectedSelf
}

// PromoteSelfToHost makes the local device host and announces it.
func (s *Session) PromoteSelfToHost() { s.election.PromoteSelf() }

// Send publishes body under event to targets, or every connected peer when
// targets is empty.
func (s *Session) Send(event string, body any, targets []transport.Handle, rel router.Reliability) error {
	if strings.HasPrefix(event, router.ReservedPrefix) {
		return fmt.Errorf("%w: %q", ErrReservedEvent, event)
	}
	return s.router.Publish(event, body, targets, rel)
}

// Subscribe registers h for event; router.Wildcard receives every
// application event.
func (s *Session) Subscribe(event string, h router.Handler) *router.Subscription {
	return s.router.Subscribe(event, h)
}

// SubscribeContext is Subscribe with the subscription cancelled when ctx
// ends.
func (s *Session) SubscribeContext(ctx context.Context, event string, h router.Handler) *router.Subscription {
	return s.router.SubscribeContext(ctx, event, h)
}

// SetMaxPartySize changes the party size, self included. Links beyond the
// new capacity are dropped, and an unlocked session re-advertises.
func (s *Session) SetMaxPartySize(n int) error {
	if err := limits.ValidatePartySize(n); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.partySize = n
	s.registry.SetPartySize(n)
	s.lock.SetPartySize(n)

	if s.running && s.registry.GroupID() == "" {
		s.adapter.StopAdvertising()
		if err := s.adapter.StartAdvertising(s.discoveryInfoLocked()); err != nil {
			return fmt.Errorf("re-advertise: %w", err)
		}
	}
	return nil
}

// PartySize returns the configured party size.
func (s *Session) PartySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partySize
}

// LockGroup starts group verification with the current roster.
func (s *Session) LockGroup() { s.lock.Verify() }

// GroupID returns the locked group id, or "" before locking.
func (s *Session) GroupID() string { return s.registry.GroupID() }

// SetOffline switches solo mode, in which sends are no-ops.
func (s *Session) SetOffline(offline bool) { s.router.SetOffline(offline) }
