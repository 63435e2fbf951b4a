// Package stdio implements the MCP transport over newline-delimited JSON-RPC
// messages on stdin and stdout.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/geminimcp/mcp/transport", "stdio")

// MaxMessageSize is the largest single message accepted on the input
const MaxMessageSize = 16 * 1024 * 1024

// Transport reads one message per line from the input and writes one message per line to the output.
// Messages are dispatched to the handler from a single reader goroutine,
// handlers must not block.
type Transport struct {
	in  io.Reader
	out io.Writer

	mu             sync.RWMutex
	writeMu        sync.Mutex
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()

	started   bool
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// New returns transport bound to the process stdin and stdout
func New() *Transport {
	return NewWithIO(os.Stdin, os.Stdout)
}

// NewWithIO returns transport bound to the provided streams
func NewWithIO(in io.Reader, out io.Writer) *Transport {
	return &Transport{
		in:   in,
		out:  out,
		done: make(chan struct{}),
	}
}

// Start begins reading messages in background
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("transport already started")
	}
	t.started = true
	t.mu.Unlock()

	go t.readLoop(ctx)
	return nil
}

// Done is closed when the input stream ends or the transport is closed
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) readLoop(ctx context.Context) {
	defer func() {
		_ = t.Close()
	}()

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		msg, err := transport.ParseMessage(line)
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "parse", "err", err.Error())
			t.reportError(err)
			t.replyError(ctx, line, err)
			continue
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(ctx, msg)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.KV(xlog.ERROR, "reason", "read", "err", err.Error())
		t.reportError(errors.Wrap(err, "failed to read input"))
	}
	logger.KV(xlog.DEBUG, "status", "input_closed")
}

// replyError answers a message that could not be parsed, with null id
func (t *Transport) replyError(ctx context.Context, line []byte, err error) {
	code := transport.ErrorCodeInvalidRequest
	if !json.Valid(line) {
		code = transport.ErrorCodeParseError
	}
	reply := transport.NewBaseMessageError(&transport.BaseJSONRPCError{
		Jsonrpc: "2.0",
		Error: transport.BaseJSONRPCErrorInner{
			Code:    code,
			Message: err.Error(),
		},
	})
	if err := t.Send(ctx, reply); err != nil {
		logger.KV(xlog.DEBUG, "reason", "reply", "err", err.Error())
	}
}

func (t *Transport) reportError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// Send writes the message as a single line
func (t *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return errors.New("transport closed")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err = t.out.Write(data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

// Close stops sending and notifies the close handler once
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		handler := t.closeHandler
		t.mu.Unlock()

		close(t.done)
		if handler != nil {
			handler()
		}
	})
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
