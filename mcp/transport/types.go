// Package transport defines the JSON-RPC 2.0 message model shared by the MCP
// server and its transports, and the Transport interface they implement.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
)

// JSON-RPC error codes
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
	// ErrorCodeServerError is the generic implementation-defined server error
	ErrorCodeServerError = -32000
)

// JsonRpcBody is the result body of a JSON-RPC response
type JsonRpcBody any

// RequestId is the identifier of a JSON-RPC request, a number or a string.
// It holds the JSON encoding of the identifier, empty for null.
type RequestId string

// NumberId returns the numeric identifier
func NumberId(n int64) RequestId {
	return RequestId(strconv.FormatInt(n, 10))
}

// StringId returns the string identifier
func StringId(s string) RequestId {
	js, _ := json.Marshal(s)
	return RequestId(js)
}

// MarshalJSON returns the identifier as it was received
func (id RequestId) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

// UnmarshalJSON accepts a number, a string or null
func (id *RequestId) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0:
		return errors.New("empty id")
	case string(data) == "null":
		*id = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "invalid id")
		}
		*id = StringId(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return errors.Errorf("id must be a number or string: %s", string(data))
		}
		*id = RequestId(n)
	}
	return nil
}

// BaseMessageType describes the kind of a JSON-RPC message
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJSONRPCRequest is a request that expects a response
type BaseJSONRPCRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Id      RequestId       `json:"id"`
}

// BaseJSONRPCNotification is a one-way message
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful response to a request
type BaseJSONRPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Id      RequestId       `json:"id"`
	Result  json.RawMessage `json:"result"`
}

// BaseJSONRPCErrorInner describes the error of a failed request
type BaseJSONRPCErrorInner struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// BaseJSONRPCError is an error response to a request
type BaseJSONRPCError struct {
	Jsonrpc string                `json:"jsonrpc"`
	Id      RequestId             `json:"id"`
	Error   BaseJSONRPCErrorInner `json:"error"`
}

// BaseJsonRpcMessage is a union of the four JSON-RPC message kinds,
// exactly one of the pointers is set according to Type.
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

// NewBaseMessageRequest wraps a request
func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

// NewBaseMessageNotification wraps a notification
func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

// NewBaseMessageResponse wraps a response
func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

// NewBaseMessageError wraps an error response
func NewBaseMessageError(response *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: response,
	}
}

// MessageID returns the request ID the message carries,
// or empty for notifications.
func (m *BaseJsonRpcMessage) MessageID() RequestId {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return m.JsonRpcRequest.Id
	case BaseMessageTypeJSONRPCResponseType:
		return m.JsonRpcResponse.Id
	case BaseMessageTypeJSONRPCErrorType:
		return m.JsonRpcError.Id
	}
	return ""
}

// MarshalJSON serializes the message that is set
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	}
	return nil, errors.Errorf("unknown message type: %q", m.Type)
}

// probe is used to detect the kind of an incoming message
type probe struct {
	Method *string          `json:"method"`
	Id     *json.RawMessage `json:"id"`
	Error  *json.RawMessage `json:"error"`
	Result *json.RawMessage `json:"result"`
}

// ParseMessage decodes a single JSON-RPC message
func ParseMessage(body []byte) (*BaseJsonRpcMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty message")
	}

	var p probe
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(err, "failed to parse message")
	}

	switch {
	case p.Method != nil && p.Id != nil:
		var req BaseJSONRPCRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errors.Wrap(err, "failed to parse request")
		}
		return NewBaseMessageRequest(&req), nil
	case p.Method != nil:
		var n BaseJSONRPCNotification
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, errors.Wrap(err, "failed to parse notification")
		}
		return NewBaseMessageNotification(&n), nil
	case p.Error != nil:
		var e BaseJSONRPCError
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, errors.Wrap(err, "failed to parse error")
		}
		return NewBaseMessageError(&e), nil
	case p.Result != nil:
		var r BaseJSONRPCResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, errors.Wrap(err, "failed to parse response")
		}
		return NewBaseMessageResponse(&r), nil
	}
	return nil, errors.New("invalid JSON-RPC message")
}

// Transport describes the minimal contract for a MCP transport
// that a client or server can communicate over.
type Transport interface {
	// Start starts processing messages on the transport, including any connection steps that might need to be taken.
	//
	// This method should only be called after callbacks are installed, or else messages may be lost.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC message (request, notification or response).
	Send(ctx context.Context, message *BaseJsonRpcMessage) error

	// Close closes the connection.
	Close() error

	// SetCloseHandler sets the callback for when the connection is closed for any reason.
	// This should be invoked when Close() is called as well.
	SetCloseHandler(handler func())

	// SetErrorHandler sets the callback for when an error occurs.
	// Note that errors are not necessarily fatal; they are used for reporting any kind of exceptional condition out of band.
	SetErrorHandler(handler func(error))

	// SetMessageHandler sets the callback for when a message (request, notification or response) is received over the connection.
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}

// Error is a JSON-RPC error with a specific code
type Error struct {
	Code    int
	Message string
}

// NewError returns a JSON-RPC error with the given code
func NewError(code int, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: errors.Errorf(format, args...).Error(),
	}
}

func (e *Error) Error() string {
	return e.Message
}
