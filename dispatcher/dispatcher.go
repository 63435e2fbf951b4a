// Package dispatcher implements the gemini MCP tools: it validates the tool arguments,
// runs the gemini CLI or looks up cached chunks, and converts every outcome
// into a tool response.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/callbacks"
	"github.com/effective-security/geminimcp/chunker"
	"github.com/effective-security/geminimcp/gemini"
	"github.com/effective-security/geminimcp/invoker"
	"github.com/effective-security/geminimcp/mcp"
	"github.com/effective-security/geminimcp/pkg/metricskey"
	"github.com/effective-security/geminimcp/schema"
	"github.com/effective-security/geminimcp/tools"
	"github.com/effective-security/geminimcp/utils"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/go-playground/validator/v10"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/geminimcp", "dispatcher")

// Defaults
const (
	DefaultTimeout          = 10 * time.Minute
	DefaultProgressBuffer   = 64
	DefaultProgressInterval = 25 * time.Second
	DefaultMinDelay         = 10 * time.Millisecond
)

// Tool names
const (
	ToolAskGemini   = "ask-gemini"
	ToolBrainstorm  = "brainstorm"
	ToolFetchChunk  = "fetch-chunk"
	ToolPing        = "ping"
	ToolHelp        = "Help"
	ToolTimeoutTest = "timeout-test"
)

// Option configures the Dispatcher
type Option func(*Dispatcher)

// WithTimeout sets the gemini CLI timeout
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithProgressBuffer sets the capacity of the progress channel
func WithProgressBuffer(size int) Option {
	return func(d *Dispatcher) {
		d.progressBuffer = size
	}
}

// WithProgressInterval sets the keep-alive progress interval
func WithProgressInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.progressInterval = interval
	}
}

// WithMinDelay sets the floor of timeout-test duration
func WithMinDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.minDelay = delay
	}
}

// WithCallback sets the tool lifecycle callback
func WithCallback(cb tools.Callback) Option {
	return func(d *Dispatcher) {
		d.callback = cb
	}
}

// WithStateObserver sets the observer of call state transitions
func WithStateObserver(observer StateObserver) Option {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// Dispatcher maps tool calls to the gemini CLI and the chunk cache
type Dispatcher struct {
	invoker  invoker.Invoker
	builder  *gemini.Builder
	chunker  *chunker.Chunker
	validate *validator.Validate
	callback tools.Callback
	observer StateObserver

	timeout          time.Duration
	progressBuffer   int
	progressInterval time.Duration
	minDelay         time.Duration

	tools []tools.IMCPTool
}

// New returns Dispatcher with all tools
func New(inv invoker.Invoker, builder *gemini.Builder, ch *chunker.Chunker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		invoker:  inv,
		builder:  builder,
		chunker:  ch,
		validate: newValidator(),
		callback: callbacks.NewNoop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.timeout = time.Duration(values.NumbersCoalesce(int64(d.timeout), int64(DefaultTimeout)))
	d.progressBuffer = values.NumbersCoalesce(d.progressBuffer, DefaultProgressBuffer)
	d.progressInterval = time.Duration(values.NumbersCoalesce(int64(d.progressInterval), int64(DefaultProgressInterval)))
	d.minDelay = time.Duration(values.NumbersCoalesce(int64(d.minDelay), int64(DefaultMinDelay)))

	d.tools = []tools.IMCPTool{
		newTool(d, ToolAskGemini,
			"Ask the gemini CLI: model selection [-m], sandbox [-s], and changeMode for structured edits returned in chunks",
			d.askGemini),
		newTool(d, ToolBrainstorm,
			"Generate novel ideas with creative frameworks (SCAMPER, Design Thinking, etc.), domain context and feasibility analysis",
			d.brainstorm),
		newTool(d, ToolFetchChunk,
			"Retrieve cached chunks from a changeMode response, use it to get the chunks after the first one",
			d.fetchChunk),
		newTool(d, ToolPing,
			"Echo, test the connection",
			d.ping),
		newTool(d, ToolHelp,
			"Show help information",
			d.help),
		newTool(d, ToolTimeoutTest,
			"Test timeout prevention by running for the specified duration in milliseconds",
			d.timeoutTest),
	}
	return d
}

// Tools returns the list of tools
func (d *Dispatcher) Tools() []tools.IMCPTool {
	return d.tools
}

// Register registers all tools with the MCP server
func (d *Dispatcher) Register(r tools.McpServerRegistrator) error {
	for _, t := range d.tools {
		if err := t.RegisterMCP(r); err != nil {
			return errors.WithMessagef(err, "failed to register tool %s", t.Name())
		}
	}
	return nil
}

// ErrorText returns the text of the error response
func ErrorText(tool string, err error) string {
	return fmt.Sprintf("Error executing %s: %s", tool, err.Error())
}

// tool implements tools.Tool for the input type I
type tool[I any] struct {
	d           *Dispatcher
	name        string
	description string
	run         func(context.Context, *I) (string, error)
}

var _ tools.Tool[PingRequest, string] = (*tool[PingRequest])(nil)
var _ tools.IMCPTool = (*tool[PingRequest])(nil)

func newTool[I any](d *Dispatcher, name, description string, run func(context.Context, *I) (string, error)) *tool[I] {
	return &tool[I]{
		d:           d,
		name:        name,
		description: description,
		run:         run,
	}
}

func (t *tool[I]) Name() string {
	return t.name
}

func (t *tool[I]) Description() string {
	return t.description
}

func (t *tool[I]) Parameters() any {
	return schema.MustNew(reflect.TypeOf((*I)(nil)).Elem()).Parameters
}

func (t *tool[I]) RegisterMCP(registrator tools.McpServerRegistrator) error {
	return registrator.RegisterTool(t.name, t.description, t.Parameters(), t.handle)
}

// Run executes the tool with validated input
func (t *tool[I]) Run(ctx context.Context, in *I) (*string, error) {
	out, err := t.run(ctx, in)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Call validates the JSON input and executes the tool
func (t *tool[I]) Call(ctx context.Context, input string) (string, error) {
	enter(ctx, StateValidating)
	in, err := t.decode(input)
	if err != nil {
		return "", err
	}
	out, err := t.Run(ctx, in)
	if err != nil {
		return "", err
	}
	return *out, nil
}

func (t *tool[I]) decode(input string) (*I, error) {
	in := new(I)
	if s := strings.TrimSpace(input); s != "" && s != "null" {
		if err := json.Unmarshal([]byte(s), in); err != nil {
			return nil, &ValidationError{Tool: t.name, Reason: err.Error()}
		}
	}
	if reflect.TypeOf(in).Elem().Kind() == reflect.Struct {
		if err := t.d.validate.Struct(in); err != nil {
			return nil, &ValidationError{Tool: t.name, Reason: validationReason(err)}
		}
	}
	return in, nil
}

// handle is the MCP handler, every outcome is converted to a tool response
func (t *tool[I]) handle(ctx context.Context, args json.RawMessage) *mcp.ToolResponse {
	input := string(args)
	ctx, c := t.d.newCall(ctx, t.name)

	defer metricskey.PerfToolCall.MeasureSince(time.Now(), t.name)
	t.d.callback.OnToolStart(ctx, t, input)

	out, err := t.Call(ctx, input)
	if err != nil {
		c.enter(ctx, StateFailed, err)
		t.d.callback.OnToolError(ctx, t, input, err)
		return mcp.NewErrorResponse(ErrorText(t.name, err))
	}

	c.enter(ctx, StateCompleted, nil)
	t.d.callback.OnToolEnd(ctx, t, input, out)
	return mcp.NewToolResponse(mcp.NewTextContent(out))
}

// chunkText renders the chunk as the tool result:
// a result that was not split is returned as is.
func chunkText(c *chunker.Chunk) string {
	if c.CacheKey == "" && c.Total <= 1 {
		return c.Content
	}
	return utils.ToJSONIndent(c)
}
