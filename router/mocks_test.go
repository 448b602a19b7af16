package router

import (
	"sync"

	"github.com/opd-ai/partymesh/transport"
)

// sendCall records a single Outbound.Send invocation for assertion in tests.
type sendCall struct {
	data     []byte
	targets  []transport.Handle
	reliable bool
}

// mockOutbound is a test transport that records sends.
type mockOutbound struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
}

func (m *mockOutbound) Send(data []byte, targets []transport.Handle, reliable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{data: data, targets: targets, reliable: reliable})
	return m.err
}

func (m *mockOutbound) getCalls() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.calls...)
}

// staticRoster is a fixed broadcast roster.
type staticRoster []transport.Handle

func (s staticRoster) ConnectedHandles() []transport.Handle {
	return append([]transport.Handle(nil), s...)
}
