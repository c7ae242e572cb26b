package relay

import (
	"context"
	"sync"
)

// MockConnector is a mock implementation of Connector for testing.
type MockConnector struct {
	mu sync.Mutex

	// Callbacks registered by the session.
	onReady   func()
	onMessage func(messageType int, data []byte)
	onClosed  func(err error)

	// Configurable behavior
	ConnectFunc func(ctx context.Context) error
	SendFunc    func(messageType int, data []byte) error

	// Captured calls for assertions
	ConnectCalls int
	CloseCalls   int
	Sent         []PendingMessage
}

// NewMockConnector creates a new mock connector.
func NewMockConnector() *MockConnector {
	return &MockConnector{}
}

// Connect implements Connector.
func (m *MockConnector) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.ConnectCalls++
	fn := m.ConnectFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

// Send implements Connector.
func (m *MockConnector) Send(messageType int, data []byte) error {
	m.mu.Lock()
	fn := m.SendFunc
	if fn == nil {
		m.Sent = append(m.Sent, PendingMessage{Type: messageType, Data: data})
	}
	m.mu.Unlock()
	if fn != nil {
		return fn(messageType, data)
	}
	return nil
}

// Close implements Connector.
func (m *MockConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// OnReady implements Connector.
func (m *MockConnector) OnReady(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReady = fn
}

// OnMessage implements Connector.
func (m *MockConnector) OnMessage(fn func(messageType int, data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// OnClosed implements Connector.
func (m *MockConnector) OnClosed(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClosed = fn
}

// SimulateReady fires the ready callback.
func (m *MockConnector) SimulateReady() {
	m.mu.Lock()
	fn := m.onReady
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SimulateMessage fires the message callback.
func (m *MockConnector) SimulateMessage(messageType int, data []byte) {
	m.mu.Lock()
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(messageType, data)
	}
}

// SimulateClosed fires the closed callback.
func (m *MockConnector) SimulateClosed(err error) {
	m.mu.Lock()
	fn := m.onClosed
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// ConnectAttempts returns the number of Connect calls.
func (m *MockConnector) ConnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConnectCalls
}

// CloseAttempts returns the number of Close calls.
func (m *MockConnector) CloseAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}

// SentMessages returns a copy of the messages sent upstream.
func (m *MockConnector) SentMessages() []PendingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingMessage, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// MockVerifier is a mock implementation of Verifier for testing.
type MockVerifier struct {
	mu sync.Mutex

	// VerifyFunc overrides the default success response.
	VerifyFunc func(ctx context.Context, token string) (*Entitlement, error)

	// Entitlement returned by default.
	Entitlement Entitlement

	VerifyCalls int
}

// Verify implements Verifier.
func (m *MockVerifier) Verify(ctx context.Context, token string) (*Entitlement, error) {
	m.mu.Lock()
	m.VerifyCalls++
	fn := m.VerifyFunc
	ent := m.Entitlement
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, token)
	}
	return &ent, nil
}

// MockAccounting is a mock implementation of Accounting for testing.
type MockAccounting struct {
	mu sync.Mutex

	// FlushFunc overrides the default success response.
	FlushFunc func(ctx context.Context, token string, input, output int64) error

	FlushCalls  int
	FlushInput  int64
	FlushOutput int64
}

// Flush implements Accounting.
func (m *MockAccounting) Flush(ctx context.Context, token string, input, output int64) error {
	m.mu.Lock()
	m.FlushCalls++
	m.FlushInput = input
	m.FlushOutput = output
	fn := m.FlushFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, token, input, output)
	}
	return nil
}

// Calls returns the number of flush attempts.
func (m *MockAccounting) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FlushCalls
}

// MockClientConn is a mock client WebSocket for testing.
type MockClientConn struct {
	mu sync.Mutex

	// WriteFunc overrides the default capture behavior.
	WriteFunc func(messageType int, data []byte) error

	Written    []PendingMessage
	CloseCalls int
}

// WriteMessage implements ClientConn.
func (m *MockClientConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	fn := m.WriteFunc
	if fn == nil {
		m.Written = append(m.Written, PendingMessage{Type: messageType, Data: data})
	}
	m.mu.Unlock()
	if fn != nil {
		return fn(messageType, data)
	}
	return nil
}

// Close implements ClientConn.
func (m *MockClientConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// CloseAttempts returns the number of Close calls.
func (m *MockClientConn) CloseAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls
}

// WrittenMessages returns a copy of the frames written to the client.
func (m *MockClientConn) WrittenMessages() []PendingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingMessage, len(m.Written))
	copy(out, m.Written)
	return out
}
