package transport

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/sovd-project/sovd-server/infrastructure/errors"
)

// HandlerFunc computes a response for a request, or returns an error to
// simulate a transport/protocol failure. Handlers see every request in
// the order SendReceive was called, so stateful ECU simulation (sessions,
// security, flash progress) is just a closure over mutable state.
type HandlerFunc func(request []byte) ([]byte, error)

// Mock is an in-memory Transport for tests and the bundled ECU simulator.
// It has no concept of wire framing: whatever bytes SendReceive is given,
// the handler sees verbatim.
type Mock struct {
	mu      sync.Mutex
	handler HandlerFunc

	// Scripted is an optional request->response table consulted before
	// handler, in insertion order, matched by exact byte equality, and
	// consumed one entry per match. Lets tests pin an exact byte-for-byte
	// exchange without writing a closure.
	scripted []mockExchange

	// Log records every request/response pair, most recent last.
	Log []MockExchange

	// pending holds extra frames queued via Push, consumed by Receive —
	// used to simulate the follow-up frame after a 0x78 response pending.
	pending [][]byte

	closed bool

	// LatencyPerByte, if non-zero, is how long SendReceive sleeps per
	// byte of request, to exercise P2/P2* timeout paths deterministically.
	LatencyPerByte time.Duration
}

type mockExchange struct {
	request  []byte
	response []byte
	err      error
}

// MockExchange is one recorded request/response pair.
type MockExchange struct {
	Request  []byte
	Response []byte
	Err      error
}

// NewMock constructs a Mock transport. handler may be nil; in that case
// every SendReceive call is satisfied only from Script entries, and an
// unmatched request fails with errors.Protocol.
func NewMock(handler HandlerFunc) *Mock {
	return &Mock{handler: handler}
}

// Script queues an exact-match request/response pair. Useful for pinning
// the literal byte sequences a scenario describes.
func (m *Mock) Script(request, response []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, mockExchange{request: request, response: response})
}

// ScriptError queues an exact-match request that fails with err.
func (m *Mock) ScriptError(request []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, mockExchange{request: request, err: err})
}

// SetHandler replaces the dynamic handler.
func (m *Mock) SetHandler(h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SendReceive implements Transport.
func (m *Mock) SendReceive(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.NewTransport("mock transport is closed", nil)
	}
	for i, ex := range m.scripted {
		if bytes.Equal(ex.request, request) {
			m.scripted = append(m.scripted[:i], m.scripted[i+1:]...)
			m.mu.Unlock()
			m.record(request, ex.response, ex.err)
			return ex.response, ex.err
		}
	}
	handler := m.handler
	latency := m.LatencyPerByte
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency * time.Duration(len(request))):
		case <-ctx.Done():
			return nil, errors.NewTimeout("mock-send-receive")
		}
	}

	if handler == nil {
		err := errors.NewProtocol("mock transport: no handler and no script match for request")
		m.record(request, nil, err)
		return nil, err
	}

	resp, err := handler(request)
	m.record(request, resp, err)
	return resp, err
}

// Push queues a frame for a future Receive call, simulating an
// unsolicited follow-up (e.g. the real response after a 0x78 pending).
func (m *Mock) Push(response []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, response)
}

// Receive implements Transport by returning the next pushed frame.
func (m *Mock) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	if len(m.pending) > 0 {
		resp := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		return resp, nil
	}
	m.mu.Unlock()
	return nil, errors.NewTimeout("mock-receive")
}

func (m *Mock) record(request, response []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Log = append(m.Log, MockExchange{Request: request, Response: response, Err: err})
}

// Close marks the mock closed; further SendReceive calls fail.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Transport = (*Mock)(nil)
