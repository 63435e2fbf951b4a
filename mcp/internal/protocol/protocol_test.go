package protocol_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/mcp/internal/protocol"
	"github.com/effective-security/geminimcp/mcp/internal/testingutils"
	"github.com/effective-security/geminimcp/mcp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(id int, method string, params string) *transport.BaseJsonRpcMessage {
	return transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Id:      transport.NumberId(int64(id)),
		Method:  method,
		Params:  json.RawMessage(params),
	})
}

func TestProtocol_Requests(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()

	p.SetRequestHandler("echo", func(ctx context.Context, req *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		return map[string]string{"params": string(req.Params)}, nil
	})
	p.SetRequestHandler("fail", func(ctx context.Context, req *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		return nil, errors.New("boom")
	})
	p.SetRequestHandler("invalid", func(ctx context.Context, req *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		return nil, transport.NewError(transport.ErrorCodeInvalidParams, "bad params")
	})
	p.SetRequestHandler("panic", func(ctx context.Context, req *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		panic("oops")
	})

	require.NoError(t, p.Connect(tr))
	assert.True(t, tr.IsStarted())

	ctx := context.Background()
	tr.SimulateMessage(ctx, request(1, "echo", `{"a":1}`))
	tr.SimulateMessage(ctx, request(2, "fail", `{}`))
	tr.SimulateMessage(ctx, request(3, "invalid", `{}`))
	tr.SimulateMessage(ctx, request(4, "panic", `{}`))
	tr.SimulateMessage(ctx, request(5, "unknown", `{}`))

	resp := tr.WaitForResponse(transport.NumberId(1), time.Second)
	require.NotNil(t, resp)
	require.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, resp.Type)
	assert.JSONEq(t, `{"params":"{\"a\":1}"}`, string(resp.JsonRpcResponse.Result))

	cases := []struct {
		id   int
		code int
		msg  string
	}{
		{2, transport.ErrorCodeServerError, "boom"},
		{3, transport.ErrorCodeInvalidParams, "bad params"},
		{4, transport.ErrorCodeInternalError, "internal error"},
		{5, transport.ErrorCodeMethodNotFound, "method not found: unknown"},
	}
	for _, tc := range cases {
		resp := tr.WaitForResponse(transport.NumberId(int64(tc.id)), time.Second)
		require.NotNil(t, resp, "id %d", tc.id)
		require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, resp.Type)
		assert.Equal(t, tc.code, resp.JsonRpcError.Error.Code)
		assert.Equal(t, tc.msg, resp.JsonRpcError.Error.Message)
	}
}

func TestProtocol_Cancel(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()

	started := make(chan struct{})
	p.SetRequestHandler("slow", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		close(started)
		<-extra.Context.Done()
		return nil, extra.Context.Err()
	})
	require.NoError(t, p.Connect(tr))

	ctx := context.Background()
	tr.SimulateMessage(ctx, request(9, "slow", `{}`))
	<-started

	tr.SimulateMessage(ctx, transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/cancelled",
		Params:  json.RawMessage(`{"requestId":9,"reason":"user"}`),
	}))

	resp := tr.WaitForResponse(transport.NumberId(9), time.Second)
	require.NotNil(t, resp)
	require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, resp.Type)
	assert.Equal(t, "context canceled", resp.JsonRpcError.Error.Message)
}

func TestProtocol_Notification(t *testing.T) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()

	var errs []error
	p.OnError = func(err error) { errs = append(errs, err) }
	closed := false
	p.OnClose = func() { closed = true }

	assert.EqualError(t, p.Notification(context.Background(), "x", nil), "not connected")
	require.NoError(t, p.Connect(tr))

	require.NoError(t, p.Notification(context.Background(), "$/progress", map[string]any{"progressToken": "t", "progress": 1}))
	msgs := tr.GetMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "$/progress", msgs[0].JsonRpcNotification.Method)
	assert.JSONEq(t, `{"progressToken":"t","progress":1}`, string(msgs[0].JsonRpcNotification.Params))

	tr.SimulateError(errors.New("transport failure"))
	require.Len(t, errs, 1)

	require.NoError(t, p.Close())
	assert.True(t, closed)
	assert.True(t, tr.IsClosed())
}
