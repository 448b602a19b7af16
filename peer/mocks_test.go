package peer

import (
	"sync"
	"time"

	"github.com/opd-ai/partymesh/router"
	"github.com/opd-ai/partymesh/transport"
)

// mockLink records transport calls and serves a settable set of linked handles.
type mockLink struct {
	mu          sync.Mutex
	invites     []transport.Handle
	responses   map[transport.Handle]bool
	disconnects []transport.Handle
	linked      []transport.Handle
}

func newMockLink() *mockLink {
	return &mockLink{responses: make(map[transport.Handle]bool)}
}

func (m *mockLink) Invite(h transport.Handle, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invites = append(m.invites, h)
	return nil
}

func (m *mockLink) RespondToInvitation(h transport.Handle, accept bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[h] = accept
	return nil
}

func (m *mockLink) Disconnect(h transport.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, h)
	for i, l := range m.linked {
		if l == h {
			m.linked = append(m.linked[:i], m.linked[i+1:]...)
			break
		}
	}
}

func (m *mockLink) ConnectedHandles() []transport.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.Handle(nil), m.linked...)
}

func (m *mockLink) setLinked(hs ...transport.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linked = hs
}

func (m *mockLink) inviteCount(h transport.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, i := range m.invites {
		if i == h {
			n++
		}
	}
	return n
}

func (m *mockLink) response(h transport.Handle) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.responses[h]
	return v, ok
}

func (m *mockLink) getDisconnects() []transport.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.Handle(nil), m.disconnects...)
}

// publishCall records a single Control.Publish invocation.
type publishCall struct {
	event   string
	targets []transport.Handle
}

// mockControl records control messages.
type mockControl struct {
	mu    sync.Mutex
	calls []publishCall
}

func (m *mockControl) Publish(event string, body any, targets []transport.Handle, rel router.Reliability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, publishCall{event: event, targets: targets})
	return nil
}

func (m *mockControl) count(event string, h transport.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.event == event && len(c.targets) == 1 && c.targets[0] == h {
			n++
		}
	}
	return n
}

// recorder captures registry callbacks.
type recorder struct {
	mu      sync.Mutex
	updates []Update
	resets  []error
}

func (r *recorder) onUpdate(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) onReset(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, err)
}

func (r *recorder) getUpdates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func (r *recorder) getResets() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.resets...)
}
