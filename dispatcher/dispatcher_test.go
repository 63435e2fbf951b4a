package dispatcher_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/effective-security/geminimcp/callbacks"
	"github.com/effective-security/geminimcp/chunker"
	"github.com/effective-security/geminimcp/chunkstore"
	"github.com/effective-security/geminimcp/dispatcher"
	"github.com/effective-security/geminimcp/gemini"
	"github.com/effective-security/geminimcp/invoker"
	"github.com/effective-security/geminimcp/mcp"
	"github.com/effective-security/geminimcp/mocks/mockinvoker"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type registrator struct {
	handlers map[string]mcp.ToolHandler
	schemas  map[string]any
}

func (r *registrator) RegisterTool(name, description string, inputSchema any, handler mcp.ToolHandler) error {
	r.handlers[name] = handler
	r.schemas[name] = inputSchema
	return nil
}

type fixture struct {
	inv     *mockinvoker.MockInvoker
	d       *dispatcher.Dispatcher
	reg     *registrator
	stats   *callbacks.Stats
	mu      sync.Mutex
	history map[uint64][]dispatcher.State
}

func newFixture(t *testing.T, maxChunkSize int) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		inv:     mockinvoker.NewMockInvoker(ctrl),
		reg:     &registrator{handlers: map[string]mcp.ToolHandler{}, schemas: map[string]any{}},
		stats:   callbacks.NewStats(),
		history: map[uint64][]dispatcher.State{},
	}
	builder := gemini.NewBuilder(gemini.Config{}).WithGetenv(func(k string) string {
		if k == "GEMINI_API_KEY" {
			return "test-key"
		}
		return ""
	})

	f.d = dispatcher.New(f.inv, builder, chunker.New(chunkstore.NewMemoryStore(), maxChunkSize),
		dispatcher.WithTimeout(time.Minute),
		dispatcher.WithMinDelay(20*time.Millisecond),
		dispatcher.WithProgressInterval(time.Hour),
		dispatcher.WithCallback(callbacks.NewFanout(f.stats, callbacks.NewMetrics())),
		dispatcher.WithStateObserver(func(id uint64, _ string, _, to dispatcher.State) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.history[id] = append(f.history[id], to)
		}),
	)
	require.NoError(t, f.d.Register(f.reg))
	return f
}

func (f *fixture) call(t *testing.T, ctx context.Context, tool string, args string) *mcp.ToolResponse {
	t.Helper()
	h := f.reg.handlers[tool]
	require.NotNil(t, h, "tool not registered: %s", tool)
	resp := h(ctx, json.RawMessage(args))
	require.NotNil(t, resp)
	return resp
}

func (f *fixture) states() [][]dispatcher.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res [][]dispatcher.State
	for _, h := range f.history {
		res = append(res, h)
	}
	return res
}

// respond returns the invoker behavior that streams the fragments, and returns stdout
func respond(stdout string, fragments ...string) func(context.Context, *invoker.Request, chan<- string) (*invoker.Result, error) {
	return func(_ context.Context, _ *invoker.Request, progress chan<- string) (*invoker.Result, error) {
		for _, frag := range fragments {
			progress <- frag
		}
		close(progress)
		return &invoker.Result{Stdout: stdout}, nil
	}
}

func fail(err error) func(context.Context, *invoker.Request, chan<- string) (*invoker.Result, error) {
	return func(_ context.Context, _ *invoker.Request, progress chan<- string) (*invoker.Result, error) {
		close(progress)
		return nil, err
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, 0)

	names := []string{}
	for _, tool := range f.d.Tools() {
		names = append(names, tool.Name())
		assert.NotEmpty(t, tool.Description())
		assert.NotNil(t, f.reg.schemas[tool.Name()])
	}
	assert.Equal(t, []string{"ask-gemini", "brainstorm", "fetch-chunk", "ping", "Help", "timeout-test"}, names)

	js, err := json.Marshal(f.reg.schemas["fetch-chunk"])
	require.NoError(t, err)
	var params struct {
		Required   []string       `json:"required"`
		Properties map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(js, &params))
	assert.Equal(t, []string{"cacheKey", "chunkIndex"}, params.Required)
	assert.Contains(t, params.Properties, "chunkIndex")
}

func TestAskGemini_Stdout(t *testing.T) {
	f := newFixture(t, 0)

	f.inv.EXPECT().Invoke(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req *invoker.Request, progress chan<- string) (*invoker.Result, error) {
			assert.Equal(t, "gemini", req.ExecutablePath)
			assert.Equal(t, []string{"-m", "gemini-2.5-flash", "-s", "-p", "What is 2+2?"}, req.Args)
			assert.Equal(t, map[string]string{"GEMINI_API_KEY": "test-key"}, req.EnvOverrides)
			assert.Equal(t, time.Minute, req.Timeout)
			assert.Nil(t, req.Stdin)
			return respond("4\n")(ctx, req, progress)
		})

	resp := f.call(t, context.Background(), "ask-gemini", `{"prompt":"What is 2+2?","model":"gemini-2.5-flash","sandbox":true}`)
	assert.False(t, resp.IsError)
	assert.Equal(t, "4\n", resp.Text())

	exp := [][]dispatcher.State{{
		dispatcher.StateReceived,
		dispatcher.StateValidating,
		dispatcher.StateExecuting,
		dispatcher.StateCompleted,
	}}
	if diff := cmp.Diff(exp, f.states()); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestAskGemini_ExecutionError(t *testing.T) {
	f := newFixture(t, 0)

	f.inv.EXPECT().Invoke(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(fail(&invoker.ExecutionError{ExitCode: 2, Stderr: "bad flag\n"}))

	resp := f.call(t, context.Background(), "ask-gemini", `{"prompt":"hi"}`)
	assert.True(t, resp.IsError)
	assert.Equal(t, "Error executing ask-gemini: command failed with exit code 2: bad flag", resp.Text())

	states := f.states()
	require.Len(t, states, 1)
	assert.Equal(t, dispatcher.StateFailed, states[0][len(states[0])-1])

	rs := f.stats.Snapshot()
	assert.Equal(t, uint32(1), rs.ToolsCallsFailed)
}

func TestAskGemini_Validation(t *testing.T) {
	f := newFixture(t, 0)
	// no invocation is expected

	tcases := []struct {
		tool string
		args string
		exp  string
	}{
		{"ask-gemini", `{}`, "Error executing ask-gemini: invalid arguments: prompt is required"},
		{"ask-gemini", ``, "Error executing ask-gemini: invalid arguments: prompt is required"},
		{"brainstorm", `{"prompt":"x","methodology":"random"}`, "Error executing brainstorm: invalid arguments: methodology must be one of [divergent convergent scamper design-thinking lateral auto]"},
		{"brainstorm", `{"prompt":"x","ideaCount":-1}`, "Error executing brainstorm: invalid arguments: ideaCount must be greater than 0"},
		{"fetch-chunk", `{"cacheKey":"k"}`, "Error executing fetch-chunk: invalid arguments: chunkIndex is required"},
		{"fetch-chunk", `{"cacheKey":"k","chunkIndex":null}`, "Error executing fetch-chunk: invalid arguments: chunkIndex is required"},
		{"fetch-chunk", `{"cacheKey":"k","chunkIndex":"two"}`, `Error executing fetch-chunk: invalid arguments: chunkIndex must be an integer: "two"`},
		{"timeout-test", `{}`, "Error executing timeout-test: invalid arguments: duration is required"},
	}
	for _, tc := range tcases {
		t.Run(tc.tool+tc.args, func(t *testing.T) {
			resp := f.call(t, context.Background(), tc.tool, tc.args)
			assert.True(t, resp.IsError)
			assert.Equal(t, tc.exp, resp.Text())
		})
	}

	for _, h := range f.states() {
		assert.NotContains(t, h, dispatcher.StateExecuting)
		assert.Equal(t, dispatcher.StateFailed, h[len(h)-1])
	}

	resp := f.call(t, context.Background(), "ask-gemini", `{"prompt":42}`)
	assert.True(t, resp.IsError)
	assert.True(t, strings.HasPrefix(resp.Text(), "Error executing ask-gemini: invalid arguments: json: cannot unmarshal"), resp.Text())

	// blank prompt is rejected before the CLI is started
	resp = f.call(t, context.Background(), "ask-gemini", `{"prompt":"   "}`)
	assert.True(t, resp.IsError)
	assert.Equal(t, "Error executing ask-gemini: invalid arguments: prompt is required", resp.Text())
}

func TestAskGemini_ChangeMode(t *testing.T) {
	f := newFixture(t, 400)
	result := strings.Repeat("a", 400) + strings.Repeat("b", 400) + strings.Repeat("c", 200)

	f.inv.EXPECT().Invoke(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req *invoker.Request, progress chan<- string) (*invoker.Result, error) {
			require.Len(t, req.Args, 2)
			assert.True(t, strings.HasPrefix(req.Args[1], "[CHANGEMODE INSTRUCTIONS]"))
			assert.True(t, strings.HasSuffix(req.Args[1], "refactor @main.go"))
			return respond(result)(ctx, req, progress)
		})

	ctx := context.Background()
	resp := f.call(t, ctx, "ask-gemini", `{"prompt":"refactor file:main.go","changeMode":true}`)
	require.False(t, resp.IsError, resp.Text())

	var first chunker.Chunk
	require.NoError(t, json.Unmarshal([]byte(resp.Text()), &first))
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, 3, first.Total)
	assert.True(t, first.HasMore)
	assert.Equal(t, strings.Repeat("a", 400), first.Content)
	require.True(t, strings.HasPrefix(first.CacheKey, chunker.KeyPrefix))

	fetch := func(tool, args string) chunker.Chunk {
		resp := f.call(t, ctx, tool, args)
		require.False(t, resp.IsError, resp.Text())
		var c chunker.Chunk
		require.NoError(t, json.Unmarshal([]byte(resp.Text()), &c))
		return c
	}

	second := fetch("fetch-chunk", `{"cacheKey":"`+first.CacheKey+`","chunkIndex":2}`)
	assert.Equal(t, 2, second.Index)
	assert.True(t, second.HasMore)
	assert.Equal(t, strings.Repeat("b", 400), second.Content)

	// continuation through ask-gemini, index as string
	third := fetch("ask-gemini", `{"prompt":"continue","chunkCacheKey":"`+first.CacheKey+`","chunkIndex":"3"}`)
	assert.Equal(t, 3, third.Index)
	assert.False(t, third.HasMore)
	assert.Equal(t, strings.Repeat("c", 200), third.Content)

	assert.Equal(t, result, first.Content+second.Content+third.Content)

	resp = f.call(t, ctx, "fetch-chunk", `{"cacheKey":"`+first.CacheKey+`","chunkIndex":4}`)
	assert.True(t, resp.IsError)
	assert.Equal(t, "Error executing fetch-chunk: chunk 4 not found, available chunks: 1-3", resp.Text())

	// any index out of range is not found, including zero
	for _, idx := range []string{"0", "-1"} {
		resp = f.call(t, ctx, "fetch-chunk", `{"cacheKey":"`+first.CacheKey+`","chunkIndex":`+idx+`}`)
		assert.True(t, resp.IsError)
		assert.Equal(t, "Error executing fetch-chunk: chunk "+idx+" not found, available chunks: 1-3", resp.Text())
	}

	resp = f.call(t, ctx, "fetch-chunk", `{"cacheKey":"change_unknown","chunkIndex":1}`)
	assert.True(t, resp.IsError)
	assert.Equal(t, "Error executing fetch-chunk: no cached chunks found for cache key: change_unknown", resp.Text())

	lookups := 0
	for _, h := range f.states() {
		if len(h) > 2 && h[2] == dispatcher.StateLookup {
			lookups++
			assert.NotContains(t, h, dispatcher.StateExecuting)
		}
	}
	assert.Equal(t, 6, lookups)
}

func TestAskGemini_ChangeModeSingleChunk(t *testing.T) {
	f := newFixture(t, 400)
	f.inv.EXPECT().Invoke(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(respond("small edit"))

	resp := f.call(t, context.Background(), "ask-gemini", `{"prompt":"fix","changeMode":true}`)
	require.False(t, resp.IsError)
	assert.Equal(t, "small edit", resp.Text())
}

type reporter struct {
	mu       sync.Mutex
	messages []string
	progress []float64
}

func (r *reporter) Enabled() bool { return true }

func (r *reporter) Report(_ context.Context, progress float64, _ *float64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	r.progress = append(r.progress, progress)
	return nil
}

func TestAskGemini_Progress(t *testing.T) {
	f := newFixture(t, 0)
	f.inv.EXPECT().Invoke(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(respond("one two three", "one ", "two ", "three"))

	rep := &reporter{}
	ctx := mcp.WithProgressReporter(context.Background(), rep)
	resp := f.call(t, ctx, "ask-gemini", `{"prompt":"count"}`)
	require.False(t, resp.IsError)

	// every fragment is reported in order before the result
	assert.Equal(t, []string{"one ", "two ", "three"}, rep.messages)
	assert.Equal(t, []float64{1, 2, 3}, rep.progress)
}

// slowReporter counts reports delivered after the call returned
type slowReporter struct {
	returned atomic.Bool
	reported atomic.Int32
	late     atomic.Int32
}

func (r *slowReporter) Enabled() bool { return true }

func (r *slowReporter) Report(_ context.Context, _ float64, _ *float64, _ string) error {
	time.Sleep(time.Millisecond)
	r.reported.Add(1)
	if r.returned.Load() {
		r.late.Add(1)
	}
	return nil
}

func TestAskGemini_NoProgressAfterError(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := newFixture(t, 0)
		// the process is reaped later, progress stays open with buffered output
		f.inv.EXPECT().Invoke(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ *invoker.Request, progress chan<- string) (*invoker.Result, error) {
				for n := 0; n < 50; n++ {
					select {
					case progress <- "fragment ":
					default:
					}
				}
				return nil, &invoker.TimeoutError{Timeout: time.Millisecond}
			})

		rep := &slowReporter{}
		ctx := mcp.WithProgressReporter(context.Background(), rep)
		resp := f.call(t, ctx, "ask-gemini", `{"prompt":"slow"}`)
		rep.returned.Store(true)

		assert.True(t, resp.IsError)
		assert.Equal(t, "Error executing ask-gemini: command timed out after 1ms", resp.Text())

		time.Sleep(30 * time.Millisecond)
		assert.Zero(t, rep.late.Load(), "reported %d", rep.reported.Load())
	}
}

func TestBrainstorm(t *testing.T) {
	f := newFixture(t, 0)

	f.inv.EXPECT().Invoke(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req *invoker.Request, progress chan<- string) (*invoker.Result, error) {
			require.Len(t, req.Args, 2)
			assert.Equal(t, "BRAINSTORMING SESSION\n\n"+
				"Challenge: new product names\n\n"+
				"Framework: Use lateral methodology for idea generation.\n"+
				"Domain Context: marketing\n"+
				"\nGenerate 12 creative and diverse ideas. ", req.Args[1])
			return respond("1. Foo")(ctx, req, progress)
		})

	resp := f.call(t, context.Background(), "brainstorm",
		`{"prompt":"new product names","methodology":"lateral","domain":"marketing","includeAnalysis":false}`)
	require.False(t, resp.IsError, resp.Text())
	assert.Equal(t, "1. Foo", resp.Text())
}

func TestPingAndHelp(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	assert.Equal(t, "Pong! Hello from gemini-cli MCP server!", f.call(t, ctx, "ping", `{}`).Text())
	assert.Equal(t, "Pong! hi there", f.call(t, ctx, "ping", `{"prompt":"hi there"}`).Text())

	help := f.call(t, ctx, "Help", `{}`).Text()
	assert.True(t, strings.HasPrefix(help, "Gemini CLI MCP Tool\n\nAvailable commands:\n"))
	for _, name := range []string{"ask-gemini", "brainstorm", "fetch-chunk", "ping", "Help", "timeout-test"} {
		assert.Contains(t, help, "- "+name+": ")
	}
}

func TestTimeoutTest(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	started := time.Now()
	resp := f.call(t, ctx, "timeout-test", `{"duration":1}`)
	assert.False(t, resp.IsError)
	assert.Equal(t, "Timeout test completed after 20ms", resp.Text())
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)

	started = time.Now()
	resp = f.call(t, ctx, "timeout-test", `{"duration":60}`)
	assert.False(t, resp.IsError)
	assert.Equal(t, "Timeout test completed after 60ms", resp.Text())
	assert.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	resp = f.call(t, cctx, "timeout-test", `{"duration":5000}`)
	assert.True(t, resp.IsError)
	assert.Equal(t, "Error executing timeout-test: timeout test cancelled: context canceled", resp.Text())

	// huge durations do not wrap around to the minimum
	cctx, cancel = context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	started = time.Now()
	resp = f.call(t, cctx, "timeout-test", `{"duration":1e300}`)
	assert.True(t, resp.IsError)
	assert.Equal(t, "Error executing timeout-test: timeout test cancelled: context deadline exceeded", resp.Text())
	assert.GreaterOrEqual(t, time.Since(started), 50*time.Millisecond)
}

func TestChunkIndex(t *testing.T) {
	tcases := []struct {
		in  string
		exp dispatcher.ChunkIndex
		err string
	}{
		{in: `2`, exp: 2},
		{in: `2.0`, exp: 2},
		{in: `"3"`, exp: 3},
		{in: `" 4 "`, exp: 4},
		{in: `null`, exp: 0},
		{in: `2.5`, err: "chunkIndex must be an integer: 2.5"},
		{in: `"x"`, err: `chunkIndex must be an integer: "x"`},
	}
	for _, tc := range tcases {
		var idx dispatcher.ChunkIndex
		err := json.Unmarshal([]byte(tc.in), &idx)
		if tc.err != "" {
			assert.EqualError(t, err, tc.err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.exp, idx, tc.in)
	}

	js, err := json.Marshal(dispatcher.ChunkIndex(5))
	require.NoError(t, err)
	assert.Equal(t, "5", string(js))
}
