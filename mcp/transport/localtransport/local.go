// Package localtransport provides an in-process MCP transport,
// used to embed the server into another process and to drive it in tests.
package localtransport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/mcp/transport"
)

type Transport struct {
	messageHandler      func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	notificationHandler func(ctx context.Context, notification *transport.BaseJSONRPCNotification)
	errorHandler        func(error)
	closeHandler        func()
	mu                  sync.RWMutex
	responseMap         map[transport.RequestId]chan *transport.BaseJsonRpcMessage
	atomicCounter       int64
}

func New() *Transport {
	return &Transport{
		responseMap: make(map[transport.RequestId]chan *transport.BaseJsonRpcMessage),
	}
}

func (s *Transport) Start(ctx context.Context) error {
	// Does nothing in the stateless local transport
	return nil
}

// Close closes the connection.
func (s *Transport) Close() error {
	s.mu.RLock()
	handler := s.closeHandler
	s.mu.RUnlock()
	if handler != nil {
		handler()
	}
	return nil
}

// SetErrorHandler sets the callback for when an error occurs.
// Note that errors are not necessarily fatal; they are used for reporting any kind of exceptional condition out of band.
func (s *Transport) SetErrorHandler(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// SetCloseHandler sets the callback for when the connection is closed for any reason.
// This should be invoked when Close() is called as well.
func (s *Transport) SetCloseHandler(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandler = handler
}

// SetMessageHandler sets the callback for when a message (request, notification or response) is received over the connection.
func (s *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageHandler = handler
}

// SetNotificationHandler sets the callback for notifications sent by the server,
// such as progress updates. Without a handler the notifications are dropped.
func (s *Transport) SetNotificationHandler(handler func(ctx context.Context, notification *transport.BaseJSONRPCNotification)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notificationHandler = handler
}

// Send sends a JSON-RPC message (request, notification or response).
func (s *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if message.Type == transport.BaseMessageTypeJSONRPCNotificationType {
		s.mu.RLock()
		handler := s.notificationHandler
		s.mu.RUnlock()
		if handler != nil {
			handler(ctx, message.JsonRpcNotification)
		}
		return nil
	}

	key := message.MessageID()

	s.mu.RLock()
	responseChannel := s.responseMap[key]
	s.mu.RUnlock()

	if responseChannel == nil {
		return errors.Errorf("no response channel found for key: %s", key)
	}
	responseChannel <- message
	return nil
}

// HandleMessage processes an incoming message and, for requests, blocks until the response is sent.
// Notifications and responses return nil message.
func (s *Transport) HandleMessage(ctx context.Context, body []byte) (*transport.BaseJsonRpcMessage, error) {
	msg, err := transport.ParseMessage(body)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	handler := s.messageHandler
	s.mu.RUnlock()
	if handler == nil {
		return nil, errors.New("message handler not set")
	}

	if msg.Type != transport.BaseMessageTypeJSONRPCRequestType {
		handler(ctx, msg)
		return nil, nil
	}

	key := transport.NumberId(atomic.AddInt64(&s.atomicCounter, 1))
	ch := make(chan *transport.BaseJsonRpcMessage, 1)

	s.mu.Lock()
	s.responseMap[key] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.responseMap, key)
		s.mu.Unlock()
	}()

	prevID := msg.JsonRpcRequest.Id
	msg.JsonRpcRequest.Id = key
	handler(ctx, msg)

	select {
	case response := <-ch:
		switch response.Type {
		case transport.BaseMessageTypeJSONRPCResponseType:
			response.JsonRpcResponse.Id = prevID
		case transport.BaseMessageTypeJSONRPCErrorType:
			response.JsonRpcError.Id = prevID
		}
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
