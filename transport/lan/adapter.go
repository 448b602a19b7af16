package lan

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/opd-ai/partymesh/crypto"
	"github.com/opd-ai/partymesh/transport"
	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed indicates use of a closed adapter.
	ErrClosed = errors.New("lan adapter closed")

	// ErrUnknownHandle indicates a handle with no recent beacon.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrNotAdvertising indicates an invite from an adapter that is not
	// advertising and so cannot introduce itself.
	ErrNotAdvertising = errors.New("not advertising")

	// ErrNoInvitation indicates a response to an invitation that is not
	// pending.
	ErrNoInvitation = errors.New("no pending invitation")
)

// lostAfter is how many beacon intervals a sighting survives unrefreshed.
const lostAfter = 3

// Config configures an Adapter.
type Config struct {
	DisplayName string
	// Keys is the identity key pair. Links prove ownership of it with a
	// Noise IK handshake, and the advertised discovery id must be its
	// public half.
	Keys *crypto.KeyPair
	// ListenAddr is the QUIC listen address, e.g. ":0".
	ListenAddr string
	// BeaconPort is the UDP port beacons are received on.
	BeaconPort int
	// BeaconTargets are the addresses beacons are sent to. Empty means the
	// IPv4 broadcast address on BeaconPort, or nothing when BeaconPort is 0.
	BeaconTargets []string
	// BeaconInterval is the time between beacons.
	BeaconInterval time.Duration
}

type sighting struct {
	name     string
	addr     string
	info     transport.DiscoveryInfo
	lastSeen time.Time
}

type pendingInvite struct {
	conn   *quic.Conn
	stream *quic.Stream
	hs     *noise.HandshakeState
}

// Adapter is a LAN transport.Adapter.
type Adapter struct {
	cfg       Config
	keys      *crypto.KeyPair
	selfID    string
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	listener *quic.Listener
	beacons  net.PacketConn
	queue    *transport.EventQueue

	mu          sync.Mutex
	handle      transport.Handle
	name        string
	advertising bool
	browsing    bool
	info        transport.DiscoveryInfo
	targets     []string
	seen        map[transport.Handle]*sighting
	links       map[transport.Handle]*link
	invites     map[transport.Handle]*pendingInvite
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ transport.Adapter = (*Adapter)(nil)
	_ transport.Renewer = (*Adapter)(nil)
	_ transport.Renamer = (*Adapter)(nil)
)

// New opens the QUIC listener and beacon socket and starts the background
// loops.
func New(cfg Config) (*Adapter, error) {
	if cfg.Keys == nil {
		return nil, errors.New("lan adapter needs an identity key pair")
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = time.Second
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}

	serverTLS, clientTLS, err := selfSignedTLS()
	if err != nil {
		return nil, fmt.Errorf("lan tls: %w", err)
	}
	quicConf := &quic.Config{
		EnableDatagrams:      true,
		KeepAlivePeriod:      cfg.BeaconInterval,
		MaxIdleTimeout:       lostAfter * cfg.BeaconInterval * 2,
		HandshakeIdleTimeout: 5 * time.Second,
	}

	listener, err := quic.ListenAddr(cfg.ListenAddr, serverTLS, quicConf)
	if err != nil {
		return nil, fmt.Errorf("lan listen %s: %w", cfg.ListenAddr, err)
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	beacons, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.BeaconPort))
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("lan beacon socket: %w", err)
	}

	targets := cfg.BeaconTargets
	if len(targets) == 0 && cfg.BeaconPort > 0 {
		targets = []string{net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(cfg.BeaconPort))}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:       cfg,
		keys:      cfg.Keys,
		selfID:    cfg.Keys.PublicHex(),
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf:  quicConf,
		listener:  listener,
		beacons:   beacons,
		queue:     transport.NewEventQueue(),
		handle:    transport.Handle(uuid.NewString()),
		name:      cfg.DisplayName,
		targets:   targets,
		seen:      make(map[transport.Handle]*sighting),
		links:     make(map[transport.Handle]*link),
		invites:   make(map[transport.Handle]*pendingInvite),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.wg.Add(3)
	go a.beaconLoop()
	go a.receiveLoop()
	go a.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"quic_addr":   listener.Addr().String(),
		"beacon_addr": beacons.LocalAddr().String(),
		"handle":      a.handle,
	}).Info("LAN adapter started")

	return a, nil
}

// Addr returns the QUIC listen address.
func (a *Adapter) Addr() net.Addr { return a.listener.Addr() }

// BeaconAddr returns the local beacon socket address.
func (a *Adapter) BeaconAddr() net.Addr { return a.beacons.LocalAddr() }

// AddBeaconTarget adds an address beacons are sent to.
func (a *Adapter) AddBeaconTarget(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targets = append(a.targets, addr)
}

// Handle returns the handle neighbours currently know this adapter by.
func (a *Adapter) Handle() transport.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// Events returns the event stream.
func (a *Adapter) Events() <-chan transport.Event { return a.queue.Events() }

// RenewHandle switches to a fresh handle.
func (a *Adapter) RenewHandle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handle = transport.Handle(uuid.NewString())
}

// SetDisplayName changes the advertised name.
func (a *Adapter) SetDisplayName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
}

// StartAdvertising starts beaconing info. info.DiscoveryID must be the hex
// public key of the adapter's key pair.
func (a *Adapter) StartAdvertising(info transport.DiscoveryInfo) error {
	if info.DiscoveryID != a.selfID {
		return fmt.Errorf("%w: advertising %q", ErrIdentityMismatch, info.DiscoveryID)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.info = info
	a.advertising = true
	a.mu.Unlock()

	a.sendBeacon()
	return nil
}

// StopAdvertising stops beaconing. Neighbours notice after their lost
// timeout.
func (a *Adapter) StopAdvertising() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advertising = false
}

// StartBrowsing starts reporting beacons.
func (a *Adapter) StartBrowsing() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.browsing = true
	return nil
}

// StopBrowsing stops reporting beacons and forgets every sighting.
func (a *Adapter) StopBrowsing() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.browsing = false
	a.seen = make(map[transport.Handle]*sighting)
}

// ConnectedHandles lists linked handles.
func (a *Adapter) ConnectedHandles() []transport.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]transport.Handle, 0, len(a.links))
	for h := range a.links {
		out = append(out, h)
	}
	return out
}

func (a *Adapter) beaconLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sendBeacon()
			a.sweep()
		}
	}
}

func (a *Adapter) localBeaconLocked() beacon {
	return beacon{
		Handle: a.handle,
		Name:   a.name,
		Port:   a.listener.Addr().(*net.UDPAddr).Port,
		Info:   a.info.Map(),
	}
}

func (a *Adapter) sendBeacon() {
	a.mu.Lock()
	if !a.advertising || a.closed {
		a.mu.Unlock()
		return
	}
	b := a.localBeaconLocked()
	targets := append([]string(nil), a.targets...)
	a.mu.Unlock()

	data, err := encodeBeacon(b)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendBeacon",
			"error":    err.Error(),
		}).Error("Cannot encode beacon")
		return
	}

	for _, t := range targets {
		addr, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendBeacon",
				"target":   t,
				"error":    err.Error(),
			}).Debug("Bad beacon target")
			continue
		}
		if _, err := a.beacons.WriteTo(data, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendBeacon",
				"target":   t,
				"error":    err.Error(),
			}).Debug("Failed to send beacon")
		}
	}
}

// sweep reports sightings that stopped beaconing as lost.
func (a *Adapter) sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.browsing {
		return
	}
	cutoff := time.Now().Add(-lostAfter * a.cfg.BeaconInterval)
	for h, s := range a.seen {
		if s.lastSeen.Before(cutoff) {
			delete(a.seen, h)
			a.queue.Push(transport.Event{Kind: transport.EventLost, Handle: h})
		}
	}
}

func (a *Adapter) receiveLoop() {
	defer a.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, from, err := a.beacons.ReadFrom(buf)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "receiveLoop",
				"error":    err.Error(),
			}).Debug("Beacon read failed")
			continue
		}
		a.handleBeacon(buf[:n], from)
	}
}

func (a *Adapter) handleBeacon(data []byte, from net.Addr) {
	b, err := decodeBeacon(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleBeacon",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Ignoring beacon")
		return
	}
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.browsing || b.Handle == a.handle {
		return
	}

	s := &sighting{
		name:     b.Name,
		addr:     net.JoinHostPort(udp.IP.String(), strconv.Itoa(b.Port)),
		info:     transport.ParseDiscoveryInfo(b.Info),
		lastSeen: time.Now(),
	}
	prev, known := a.seen[b.Handle]
	a.seen[b.Handle] = s
	if known && prev.name == s.name && prev.info == s.info && prev.addr == s.addr {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleBeacon",
		"handle":   b.Handle,
		"addr":     s.addr,
	}).Debug("Discovered LAN peer")

	a.queue.Push(transport.Event{Kind: transport.EventFound, Handle: b.Handle, Name: s.name, Info: s.info})
}

// Close stops every loop, closes every link and ends the event stream.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	links := a.links
	invites := a.invites
	a.links = make(map[transport.Handle]*link)
	a.invites = make(map[transport.Handle]*pendingInvite)
	a.mu.Unlock()

	a.cancel()
	for _, l := range links {
		l.close("adapter closed")
	}
	for _, inv := range invites {
		_ = inv.conn.CloseWithError(0, "adapter closed")
	}
	err := a.listener.Close()
	if cerr := a.beacons.Close(); err == nil {
		err = cerr
	}
	a.wg.Wait()
	a.queue.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("LAN adapter stopped")
	return err
}
