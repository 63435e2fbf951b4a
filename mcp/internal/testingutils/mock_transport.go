package testingutils

import (
	"context"
	"sync"
	"time"

	"github.com/effective-security/geminimcp/mcp/transport"
)

// MockTransport records sent messages and lets tests inject incoming ones
type MockTransport struct {
	mu sync.RWMutex

	onClose   func()
	onError   func(error)
	onMessage func(ctx context.Context, message *transport.BaseJsonRpcMessage)

	messages []*transport.BaseJsonRpcMessage
	signal   chan struct{}
	started  bool
	closed   bool
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		signal: make(chan struct{}, 1),
	}
}

func (t *MockTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

func (t *MockTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	t.messages = append(t.messages, message)
	t.mu.Unlock()

	select {
	case t.signal <- struct{}{}:
	default:
	}
	return nil
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	onClose := t.onClose
	t.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

func (t *MockTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = handler
}

func (t *MockTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

func (t *MockTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = handler
}

// SimulateMessage delivers a message as if it was received from the peer
func (t *MockTransport) SimulateMessage(ctx context.Context, msg *transport.BaseJsonRpcMessage) {
	t.mu.RLock()
	handler := t.onMessage
	t.mu.RUnlock()
	if handler != nil {
		handler(ctx, msg)
	}
}

// SimulateError reports an error as if it was raised by the transport
func (t *MockTransport) SimulateError(err error) {
	t.mu.RLock()
	handler := t.onError
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// GetMessages returns a copy of the sent messages
func (t *MockTransport) GetMessages() []*transport.BaseJsonRpcMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	messages := make([]*transport.BaseJsonRpcMessage, len(t.messages))
	copy(messages, t.messages)
	return messages
}

// WaitFor blocks until a sent message satisfies the predicate, or the timeout expires
func (t *MockTransport) WaitFor(timeout time.Duration, match func(*transport.BaseJsonRpcMessage) bool) *transport.BaseJsonRpcMessage {
	deadline := time.After(timeout)
	for {
		for _, m := range t.GetMessages() {
			if match(m) {
				return m
			}
		}
		select {
		case <-t.signal:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return nil
		}
	}
}

// WaitForResponse blocks until a response or error for the request ID is sent
func (t *MockTransport) WaitForResponse(id transport.RequestId, timeout time.Duration) *transport.BaseJsonRpcMessage {
	return t.WaitFor(timeout, func(m *transport.BaseJsonRpcMessage) bool {
		return m.Type != transport.BaseMessageTypeJSONRPCNotificationType && m.MessageID() == id
	})
}

func (t *MockTransport) IsStarted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

func (t *MockTransport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
