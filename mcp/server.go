// Package mcp implements a Model Context Protocol server exposing tools
// over a pluggable JSON-RPC transport.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/mcp/internal/protocol"
	"github.com/effective-security/geminimcp/mcp/transport"
	"github.com/effective-security/geminimcp/pkg/metricskey"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/geminimcp", "mcp")

// DefaultProtocolVersion is returned when the client does not request a version
const DefaultProtocolVersion = "2024-11-05"

// ToolHandler executes a tool call with raw JSON arguments.
// The handler must always return a response, failures are reported with IsError.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) *ToolResponse

type tool struct {
	Name        string
	Description string
	InputSchema any
	Handler     ToolHandler
}

// Server is an MCP server
type Server struct {
	transport transport.Transport
	protocol  *protocol.Protocol

	name         string
	version      string
	instructions string

	paginationLimit *int

	mu        sync.RWMutex
	tools     map[string]*tool
	isRunning bool
}

// ServerOptions configures the Server
type ServerOptions func(*Server)

// WithName sets the server name reported on initialize
func WithName(name string) ServerOptions {
	return func(s *Server) {
		s.name = name
	}
}

// WithVersion sets the server version reported on initialize
func WithVersion(version string) ServerOptions {
	return func(s *Server) {
		s.version = version
	}
}

// WithInstructions sets the usage instructions reported on initialize
func WithInstructions(instructions string) ServerOptions {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPaginationLimit sets the page size of tools/list, 0 disables pagination
func WithPaginationLimit(limit int) ServerOptions {
	return func(s *Server) {
		if limit > 0 {
			s.paginationLimit = &limit
		} else {
			s.paginationLimit = nil
		}
	}
}

// NewServer returns server bound to the transport
func NewServer(tr transport.Transport, opts ...ServerOptions) *Server {
	s := &Server{
		transport: tr,
		protocol:  protocol.NewProtocol(),
		name:      "mcp-server",
		version:   "0.0.0",
		tools:     make(map[string]*tool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool adds or replaces a tool
func (s *Server) RegisterTool(name, description string, inputSchema any, handler ToolHandler) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return errors.Errorf("handler is required: %s", name)
	}

	s.mu.Lock()
	s.tools[name] = &tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
		Handler:     handler,
	}
	running := s.isRunning
	s.mu.Unlock()

	if running {
		s.sendToolListChangedNotification()
	}
	return nil
}

// DeregisterTool removes a tool
func (s *Server) DeregisterTool(name string) error {
	s.mu.Lock()
	_, ok := s.tools[name]
	delete(s.tools, name)
	running := s.isRunning
	s.mu.Unlock()

	if !ok {
		return errors.Errorf("tool not found: %s", name)
	}
	if running {
		s.sendToolListChangedNotification()
	}
	return nil
}

// CheckToolRegistered returns true if the tool is registered
func (s *Server) CheckToolRegistered(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tools[name]
	return ok
}

func (s *Server) sendToolListChangedNotification() {
	if err := s.protocol.Notification(context.Background(), "notifications/tools/list_changed", map[string]any{}); err != nil {
		logger.KV(xlog.WARNING, "reason", "list_changed", "err", err.Error())
	}
}

// Serve installs the handlers and starts the transport
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.mu.Unlock()

	pr := s.protocol
	pr.SetRequestHandler("initialize", s.handleInitialize)
	pr.SetRequestHandler("ping", s.handlePing)
	pr.SetRequestHandler("tools/list", s.handleListTools)
	pr.SetRequestHandler("tools/call", s.handleToolCalls)
	pr.OnError = func(err error) {
		logger.KV(xlog.WARNING, "reason", "transport", "err", err.Error())
	}

	if err := pr.Connect(s.transport); err != nil {
		return errors.Wrap(err, "failed to connect transport")
	}

	s.mu.Lock()
	s.isRunning = true
	s.mu.Unlock()

	logger.KV(xlog.INFO, "status", "serving", "name", s.name, "version", s.version)
	return nil
}

// Close stops the server
func (s *Server) Close() error {
	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
	return s.protocol.Close()
}

// Notify sends a notification to the client
func (s *Server) Notify(ctx context.Context, method string, params any) error {
	return s.protocol.Notification(ctx, method, params)
}

func (s *Server) handleInitialize(_ context.Context, request *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	var params struct {
		ProtocolVersion string         `json:"protocolVersion"`
		ClientInfo      Implementation `json:"clientInfo"`
	}
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return nil, transport.NewError(transport.ErrorCodeInvalidParams, "failed to unmarshal initialize params: %s", err.Error())
		}
	}

	logger.KV(xlog.INFO,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol", params.ProtocolVersion,
	)

	version := params.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}

	res := InitializeResponse{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{ListChanged: true},
		},
		ServerInfo: Implementation{
			Name:    s.name,
			Version: s.version,
		},
	}
	if s.instructions != "" {
		res.Instructions = &s.instructions
	}
	return res, nil
}

func (s *Server) handlePing(_ context.Context, _ *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	return map[string]any{}, nil
}

func (s *Server) handleListTools(_ context.Context, request *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	var params struct {
		Cursor *string `json:"cursor"`
	}
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			return nil, transport.NewError(transport.ErrorCodeInvalidParams, "failed to unmarshal arguments: %s", err.Error())
		}
	}

	s.mu.RLock()
	list := make([]*tool, 0, len(s.tools))
	for _, t := range s.tools {
		list = append(list, t)
	}
	limit := s.paginationLimit
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})

	start := 0
	if params.Cursor != nil {
		c, err := base64.StdEncoding.DecodeString(*params.Cursor)
		if err != nil {
			return nil, transport.NewError(transport.ErrorCodeInvalidParams, "failed to decode cursor: %s", err.Error())
		}
		cursor := string(c)
		start = sort.Search(len(list), func(i int) bool {
			return list[i].Name > cursor
		})
	}

	end := len(list)
	if limit != nil && start+*limit < end {
		end = start + *limit
	}

	res := ToolsResponse{
		Tools: make([]ToolRetType, 0, end-start),
	}
	for _, t := range list[start:end] {
		description := t.Description
		res.Tools = append(res.Tools, ToolRetType{
			Name:        t.Name,
			Description: &description,
			InputSchema: t.InputSchema,
		})
	}
	if end < len(list) {
		cursor := base64.StdEncoding.EncodeToString([]byte(list[end-1].Name))
		res.NextCursor = &cursor
	}
	return res, nil
}

func (s *Server) handleToolCalls(ctx context.Context, req *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Meta      *struct {
			ProgressToken json.RawMessage `json:"progressToken,omitempty"`
		} `json:"_meta,omitempty"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, transport.NewError(transport.ErrorCodeInvalidParams, "failed to unmarshal arguments: %s", err.Error())
	}

	s.mu.RLock()
	t := s.tools[params.Name]
	s.mu.RUnlock()

	if t == nil {
		metricskey.StatsToolCallsNotFound.IncrCounter(1, params.Name)
		logger.ContextKV(ctx, xlog.WARNING, "reason", "unknown_tool", "tool", params.Name)
		return &toolResponseSent{Error: errors.Errorf("unknown tool: %s", params.Name)}, nil
	}

	var token json.RawMessage
	if params.Meta != nil {
		token = params.Meta.ProgressToken
	}
	ctx = WithProgressReporter(ctx, &progressReporter{
		token:  token,
		server: s,
	})

	return s.callTool(ctx, t, params.Arguments), nil
}

func (s *Server) callTool(ctx context.Context, t *tool, args json.RawMessage) (res *toolResponseSent) {
	defer func() {
		if r := recover(); r != nil {
			logger.ContextKV(ctx, xlog.ERROR, "tool", t.Name, "panic", fmt.Sprintf("%v", r))
			res = &toolResponseSent{Error: errors.New("internal error")}
		}
	}()

	resp := t.Handler(ctx, args)
	if resp == nil {
		resp = NewToolResponse()
	}
	return &toolResponseSent{Response: resp}
}

// toolResponseSent is the wire result of tools/call
type toolResponseSent struct {
	Response *ToolResponse
	Error    error
}

func (t *toolResponseSent) MarshalJSON() ([]byte, error) {
	if t.Error != nil {
		return json.Marshal(NewErrorResponse(t.Error.Error()))
	}
	return json.Marshal(t.Response)
}
