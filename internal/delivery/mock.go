package delivery

import (
	"context"
	"sync"

	"github.com/example/ingestion-service/internal/models"
)

// MockOption customises the mock transport at construction time.
type MockOption func(*MockTransport)

// WithSenderResult scripts the outcome for one sender address. A nil error
// means success.
func WithSenderResult(address string, err error) MockOption {
	return func(m *MockTransport) {
		m.results[address] = err
	}
}

// WithDefaultResult scripts the outcome for senders without an explicit
// entry. The default is success.
func WithDefaultResult(err error) MockOption {
	return func(m *MockTransport) {
		m.defaultResult = err
	}
}

// MockCall records one Send invocation for later inspection.
type MockCall struct {
	From    models.SenderIdentity
	To      string
	Subject string
}

// MockTransport is a scriptable in-memory Transport used in tests and local
// development. Outcomes are keyed by sender address so sender rotation can be
// exercised deterministically.
type MockTransport struct {
	mu            sync.Mutex
	results       map[string]error
	defaultResult error
	calls         []MockCall
}

// NewMockTransport constructs a mock transport; without options every send
// succeeds.
func NewMockTransport(opts ...MockOption) *MockTransport {
	m := &MockTransport{results: make(map[string]error)}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Send records the call and returns the scripted outcome for the sender.
func (m *MockTransport) Send(_ context.Context, from models.SenderIdentity, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{From: from, To: to, Subject: subject})
	if err, ok := m.results[from.Address]; ok {
		return err
	}
	return m.defaultResult
}

// Calls returns a copy of the recorded invocations in order.
func (m *MockTransport) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}
