package stdio_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/geminimcp/mcp/transport"
	"github.com/effective-security/geminimcp/mcp/transport/stdio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTransport_ReadLoop(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}

not-json
{"jsonrpc":"2.0","method":"notifications/initialized"}
`)
	out := &syncBuffer{}
	tr := stdio.NewWithIO(in, out)

	var mu sync.Mutex
	var received []*transport.BaseJsonRpcMessage
	var errs []error
	closed := make(chan struct{})

	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		mu.Lock()
		received = append(received, message)
		mu.Unlock()
	})
	tr.SetErrorHandler(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	tr.SetCloseHandler(func() {
		close(closed)
	})

	require.NoError(t, tr.Start(context.Background()))
	assert.Error(t, tr.Start(context.Background()))

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not close at EOF")
	}
	<-tr.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCRequestType, received[0].Type)
	assert.Equal(t, "ping", received[0].JsonRpcRequest.Method)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCNotificationType, received[1].Type)
	assert.Len(t, errs, 1)

	// unreadable line is answered with parse error and null id
	reply, err := transport.ParseMessage([]byte(out.String()))
	require.NoError(t, err)
	require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, reply.Type)
	assert.Equal(t, transport.ErrorCodeParseError, reply.JsonRpcError.Error.Code)
	assert.Equal(t, transport.RequestId(""), reply.MessageID())
	assert.Contains(t, out.String(), `"id":null`)

	err = tr.Send(context.Background(), transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
		Jsonrpc: "2.0",
		Id:      transport.NumberId(1),
		Result:  []byte(`{}`),
	}))
	assert.EqualError(t, err, "transport closed")
}

func TestTransport_InvalidRequest(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":"a-1"}` + "\n")
	out := &syncBuffer{}
	tr := stdio.NewWithIO(in, out)
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {})
	require.NoError(t, tr.Start(context.Background()))
	<-tr.Done()

	reply, err := transport.ParseMessage([]byte(out.String()))
	require.NoError(t, err)
	require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, reply.Type)
	assert.Equal(t, transport.ErrorCodeInvalidRequest, reply.JsonRpcError.Error.Code)
	assert.Equal(t, "invalid JSON-RPC message", reply.JsonRpcError.Error.Message)
}

func TestTransport_Send(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	out := &syncBuffer{}
	tr := stdio.NewWithIO(pr, out)
	require.NoError(t, tr.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := tr.Send(context.Background(), transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
				Jsonrpc: "2.0",
				Id:      transport.NumberId(int64(id)),
				Result:  []byte(`{"text":"line1\nline2"}`),
			}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		msg, err := transport.ParseMessage([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, msg.Type)
	}

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}
