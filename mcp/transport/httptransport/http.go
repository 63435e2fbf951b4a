package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/mcp/transport"
	"github.com/effective-security/xlog"
	"github.com/go-chi/chi/v5"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/geminimcp/mcp/transport", "httptransport")

// MaxBodySize is the largest request body accepted
const MaxBodySize = 16 * 1024 * 1024

// HTTPTransport implements a stateless HTTP transport for MCP.
// Each POST carries one message, the response carries its reply.
// Server notifications, such as progress, have no channel to the caller and are dropped.
type HTTPTransport struct {
	server         *http.Server
	endpoint       string
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex
	responseMap    map[transport.RequestId]chan *transport.BaseJsonRpcMessage
	atomicCounter  int64
	addr           string
}

// NewHTTPTransport creates a new HTTP transport that listens on the specified endpoint
func NewHTTPTransport(endpoint string) *HTTPTransport {
	return &HTTPTransport{
		endpoint:    endpoint,
		responseMap: make(map[transport.RequestId]chan *transport.BaseJsonRpcMessage),
		addr:        ":8080", // Default port
	}
}

// WithAddr sets the address to listen on
func (t *HTTPTransport) WithAddr(addr string) *HTTPTransport {
	t.addr = addr
	return t
}

// Handler returns the router serving the endpoint
func (t *HTTPTransport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(t.endpoint, t.handleRequest)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Start implements Transport.Start, serving in background
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := t.server
	t.mu.Unlock()

	go func() {
		logger.KV(xlog.INFO, "status", "listening", "addr", t.addr, "endpoint", t.endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.KV(xlog.ERROR, "reason", "ListenAndServe", "err", err.Error())
			t.reportError(errors.Wrap(err, "failed to serve"))
		}
	}()
	return nil
}

// Send implements Transport.Send
func (t *HTTPTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if message.Type == transport.BaseMessageTypeJSONRPCNotificationType {
		logger.ContextKV(ctx, xlog.DEBUG,
			"reason", "notification_dropped",
			"method", message.JsonRpcNotification.Method,
		)
		return nil
	}
	key := message.MessageID()
	logger.ContextKV(ctx, xlog.DEBUG,
		"type", message.Type,
		"key", key,
	)

	t.mu.RLock()
	responseChannel := t.responseMap[key]
	t.mu.RUnlock()

	if responseChannel == nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"type", message.Type,
			"key", key,
			"err", "no response channel found",
		)
		return errors.Errorf("no response channel found for key: %s", key)
	}
	responseChannel <- message
	return nil
}

// Close implements Transport.Close
func (t *HTTPTransport) Close() error {
	t.mu.RLock()
	srv := t.server
	handler := t.closeHandler
	t.mu.RUnlock()

	if srv != nil {
		if err := srv.Close(); err != nil {
			return errors.Wrap(err, "failed to close server")
		}
	}
	if handler != nil {
		handler()
	}
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *HTTPTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *HTTPTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *HTTPTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

func (t *HTTPTransport) reportError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

func (t *HTTPTransport) handleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		t.reportError(errors.Wrap(err, "failed to read request body"))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	response, err := t.handleMessage(ctx, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if response == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	jsonData, err := json.Marshal(response)
	if err != nil {
		t.reportError(errors.Wrap(err, "failed to marshal response"))
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(jsonData)
}

// handleMessage processes an incoming message and returns a response
func (t *HTTPTransport) handleMessage(ctx context.Context, body []byte) (*transport.BaseJsonRpcMessage, error) {
	msg, err := transport.ParseMessage(body)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()
	if handler == nil {
		return nil, errors.New("message handler not set")
	}

	if msg.Type != transport.BaseMessageTypeJSONRPCRequestType {
		handler(ctx, msg)
		return nil, nil
	}

	key := transport.NumberId(atomic.AddInt64(&t.atomicCounter, 1))
	ch := make(chan *transport.BaseJsonRpcMessage, 1)

	t.mu.Lock()
	t.responseMap[key] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.responseMap, key)
		t.mu.Unlock()
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
