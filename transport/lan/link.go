package lan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/partymesh/transport"
	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// helloTimeout bounds how long an inbound connection may take to introduce
// itself.
const helloTimeout = 5 * time.Second

// link is an established QUIC connection. Reliable payloads travel as frames
// on a single bidirectional stream, best-effort payloads as datagrams.
type link struct {
	handle transport.Handle
	conn   *quic.Conn
	stream *quic.Stream

	sendMu sync.Mutex
}

func (l *link) sendReliable(data []byte) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return writeFrame(l.stream, data)
}

func (l *link) sendBestEffort(data []byte) error {
	return l.conn.SendDatagram(data)
}

func (l *link) close(reason string) {
	_ = l.conn.CloseWithError(0, reason)
}

// Invite dials the device behind h, introduces this adapter and waits for
// its answer. The outcome arrives as a StateChanged event.
func (a *Adapter) Invite(h transport.Handle, timeout time.Duration) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if !a.advertising {
		a.mu.Unlock()
		return ErrNotAdvertising
	}
	s, ok := a.seen[h]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if _, linked := a.links[h]; linked {
		a.mu.Unlock()
		return nil
	}
	peerStatic, err := staticKeyOf(s.info.DiscoveryID)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	hello := a.localBeaconLocked()
	addr := s.addr
	a.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: h, State: transport.Connecting})
	a.wg.Add(1)
	a.mu.Unlock()

	go a.dial(h, addr, peerStatic, hello, timeout)
	return nil
}

func (a *Adapter) dial(h transport.Handle, addr string, peerStatic []byte, hello beacon, timeout time.Duration) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(a.ctx, timeout)
	defer cancel()

	l, err := a.handshake(ctx, h, addr, peerStatic, hello)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dial",
			"handle":   h,
			"addr":     addr,
			"error":    err.Error(),
		}).Debug("Invitation not accepted")
		a.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: h, State: transport.NotConnected})
		return
	}
	a.register(l)
}

// handshake dials addr and runs the initiator side of the Noise IK
// handshake: the hello rides in the first message, the answer in the second.
// A responder that does not hold peerStatic cannot produce the second message.
func (a *Adapter) handshake(ctx context.Context, h transport.Handle, addr string, peerStatic []byte, hello beacon) (*link, error) {
	conn, err := quic.DialAddr(ctx, addr, a.clientTLS, a.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	fail := func(reason string, err error) (*link, error) {
		_ = conn.CloseWithError(0, reason)
		return nil, err
	}

	binding, err := channelBinding(conn)
	if err != nil {
		return fail("no channel binding", fmt.Errorf("channel binding: %w", err))
	}
	hs, err := newHandshake(a.keys, peerStatic, true, binding)
	if err != nil {
		return fail("handshake setup failed", err)
	}
	data, err := encodeBeacon(hello)
	if err != nil {
		return fail("bad hello", err)
	}
	msg, _, _, err := hs.WriteMessage(nil, data)
	if err != nil {
		return fail("handshake failed", fmt.Errorf("noise write: %w", err))
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	if err := writeFrame(stream, msg); err != nil {
		return fail("write failed", fmt.Errorf("send hello: %w", err))
	}
	raw, err := readFrame(stream)
	if err != nil {
		return fail("read failed", fmt.Errorf("read reply: %w", err))
	}
	payload, _, _, err := hs.ReadMessage(nil, raw)
	if err != nil {
		return fail("handshake failed", fmt.Errorf("%w: %v", ErrIdentityMismatch, err))
	}
	var r reply
	if err := json.Unmarshal(payload, &r); err != nil || !r.Accept {
		return fail("rejected", errors.New("invitation rejected"))
	}
	_ = stream.SetDeadline(time.Time{})

	return &link{handle: h, conn: conn, stream: stream}, nil
}

func (a *Adapter) acceptLoop() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept(a.ctx)
		if err != nil {
			if a.ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"error":    err.Error(),
				}).Warn("QUIC accept failed")
			}
			return
		}
		a.wg.Add(1)
		go a.receiveHello(conn)
	}
}

// receiveHello reads an inbound introduction and reports it as an
// invitation.
func (a *Adapter) receiveHello(conn *quic.Conn) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(a.ctx, helloTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(helloTimeout))
	raw, err := readFrame(stream)
	if err != nil {
		_ = conn.CloseWithError(0, "no hello")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	hello, hs, err := a.readHello(conn, raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "receiveHello",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Warn("Refusing inbound link")
		_ = conn.CloseWithError(0, "bad hello")
		return
	}

	a.mu.Lock()
	_, linked := a.links[hello.Handle]
	_, pending := a.invites[hello.Handle]
	if a.closed || linked || pending {
		a.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return
	}
	a.invites[hello.Handle] = &pendingInvite{conn: conn, stream: stream, hs: hs}
	a.queue.Push(transport.Event{
		Kind:   transport.EventInvitation,
		Handle: hello.Handle,
		Name:   hello.Name,
		Info:   transport.ParseDiscoveryInfo(hello.Info),
	})
	a.mu.Unlock()
}

// readHello runs the responder's half of the first handshake message and
// checks that the key the inviter proved is the one its hello claims.
func (a *Adapter) readHello(conn *quic.Conn, raw []byte) (beacon, *noise.HandshakeState, error) {
	binding, err := channelBinding(conn)
	if err != nil {
		return beacon{}, nil, fmt.Errorf("channel binding: %w", err)
	}
	hs, err := newHandshake(a.keys, nil, false, binding)
	if err != nil {
		return beacon{}, nil, err
	}
	payload, _, _, err := hs.ReadMessage(nil, raw)
	if err != nil {
		return beacon{}, nil, fmt.Errorf("noise read: %w", err)
	}
	hello, err := decodeBeacon(payload)
	if err != nil {
		return beacon{}, nil, err
	}
	if err := verifyPeerStatic(hs, hello.Info[transport.KeyDiscoveryID]); err != nil {
		return beacon{}, nil, err
	}
	return hello, hs, nil
}

// RespondToInvitation answers a pending invitation.
func (a *Adapter) RespondToInvitation(h transport.Handle, accept bool) error {
	a.mu.Lock()
	inv, ok := a.invites[h]
	if ok {
		delete(a.invites, h)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoInvitation, h)
	}

	data, _ := json.Marshal(reply{Accept: accept})
	msg, _, _, err := inv.hs.WriteMessage(nil, data)
	if err != nil {
		_ = inv.conn.CloseWithError(0, "handshake failed")
		return fmt.Errorf("answer invitation: %w", err)
	}
	if err := writeFrame(inv.stream, msg); err != nil {
		_ = inv.conn.CloseWithError(0, "write failed")
		return fmt.Errorf("answer invitation: %w", err)
	}
	if !accept {
		_ = inv.conn.CloseWithError(0, "rejected")
		return nil
	}

	a.register(&link{handle: h, conn: inv.conn, stream: inv.stream})
	return nil
}

// register records l, reports it connected and starts its readers.
func (a *Adapter) register(l *link) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		l.close("adapter closed")
		return
	}
	if old, ok := a.links[l.handle]; ok {
		old.close("replaced")
	}
	a.links[l.handle] = l
	a.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: l.handle, State: transport.Connected})
	a.wg.Add(2)
	a.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "register",
		"handle":   l.handle,
		"remote":   l.conn.RemoteAddr().String(),
	}).Info("LAN link established")

	go a.readStream(l)
	go a.readDatagrams(l)
}

func (a *Adapter) readStream(l *link) {
	defer a.wg.Done()
	for {
		data, err := readFrame(l.stream)
		if err != nil {
			a.drop(l, err)
			return
		}
		a.queue.Push(transport.Event{Kind: transport.EventData, Handle: l.handle, Data: data})
	}
}

func (a *Adapter) readDatagrams(l *link) {
	defer a.wg.Done()
	for {
		data, err := l.conn.ReceiveDatagram(a.ctx)
		if err != nil {
			return
		}
		a.queue.Push(transport.Event{Kind: transport.EventData, Handle: l.handle, Data: data})
	}
}

// drop forgets l if it is still the registered link for its handle.
func (a *Adapter) drop(l *link, cause error) {
	a.mu.Lock()
	current, ok := a.links[l.handle]
	if !ok || current != l {
		a.mu.Unlock()
		return
	}
	delete(a.links, l.handle)
	a.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: l.handle, State: transport.NotConnected})
	a.mu.Unlock()

	l.close("link lost")
	logrus.WithFields(logrus.Fields{
		"function": "drop",
		"handle":   l.handle,
		"cause":    cause.Error(),
	}).Info("LAN link lost")
}

// Disconnect closes the link to h.
func (a *Adapter) Disconnect(h transport.Handle) {
	a.mu.Lock()
	l, ok := a.links[h]
	if ok {
		delete(a.links, h)
		a.queue.Push(transport.Event{Kind: transport.EventStateChanged, Handle: h, State: transport.NotConnected})
	}
	a.mu.Unlock()

	if ok {
		l.close("disconnect")
	}
}

// Send writes data to every linked target. Targets without a link are
// skipped. Best-effort payloads that do not fit a datagram are dropped.
func (a *Adapter) Send(data []byte, targets []transport.Handle, reliable bool) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	links := make([]*link, 0, len(targets))
	for _, h := range targets {
		if l, ok := a.links[h]; ok {
			links = append(links, l)
		}
	}
	a.mu.Unlock()

	var errs []error
	for _, l := range links {
		if reliable {
			if err := l.sendReliable(data); err != nil {
				errs = append(errs, fmt.Errorf("send to %s: %w", l.handle, err))
			}
			continue
		}
		if err := l.sendBestEffort(data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Send",
				"handle":   l.handle,
				"size":     len(data),
				"error":    err.Error(),
			}).Debug("Dropped best-effort payload")
		}
	}
	return errors.Join(errs...)
}
