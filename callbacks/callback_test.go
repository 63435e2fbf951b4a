package callbacks_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/effective-security/geminimcp/callbacks"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name        string
	description string
}

func (f *fakeTool) Name() string {
	return f.name
}
func (f *fakeTool) Description() string {
	return values.StringsCoalesce(f.description, "useful tool")
}
func (f *fakeTool) Parameters() any {
	return nil
}
func (f *fakeTool) Call(context.Context, string) (string, error) {
	return "", nil
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	cb := callbacks.NewPrinter(&buf, callbacks.ModeVerbose)
	tool := &fakeTool{name: "test-tool"}

	ctx := context.Background()
	cb.OnToolStart(ctx, tool, "test input")
	cb.OnToolEnd(ctx, tool, "test input", "test output")
	cb.OnToolError(ctx, tool, "test input", errors.New("test error"))

	res := buf.String()
	assert.Contains(t, res, "Tool Start: test-tool")
	assert.Contains(t, res, "Input: test input")
	assert.Contains(t, res, "Tool End: test-tool")
	assert.Contains(t, res, "Output: test output")
	assert.Contains(t, res, "Tool Error: test-tool: test error")

	buf.Reset()
	cb = callbacks.NewPrinter(&buf, callbacks.ModeDefault)
	cb.OnToolEnd(ctx, tool, "test input", "test output")
	assert.NotContains(t, buf.String(), "Output:")
}

func TestFanout(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	stats := callbacks.NewStats()
	cb := callbacks.NewFanout(
		callbacks.NewPrinter(&buf1, callbacks.ModeDefault),
		callbacks.NewNoop(),
		callbacks.NewMetrics(),
		callbacks.NewPackageLogger(xlog.NewPackageLogger("github.com/effective-security/geminimcp", "callbacks_test")),
	)
	cb.Add(callbacks.NewPrinter(&buf2, callbacks.ModeDefault))
	cb.Add(stats)

	tool := &fakeTool{name: "ping"}
	ctx := context.Background()
	cb.OnToolStart(ctx, tool, "{}")
	cb.OnToolEnd(ctx, tool, "{}", "Pong!")
	cb.OnToolStart(ctx, tool, "{}")
	cb.OnToolError(ctx, tool, "{}", errors.New("failed"))

	assert.Equal(t, buf1.String(), buf2.String())
	assert.Contains(t, buf1.String(), "Tool Error: ping: failed")

	rs := stats.Snapshot()
	assert.Equal(t, uint32(2), rs.ToolsCalls)
	assert.Equal(t, uint32(1), rs.ToolsCallsSucceeded)
	assert.Equal(t, uint32(1), rs.ToolsCallsFailed)
}

func TestStats(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	callbacks.TimeNowFn = func() time.Time { return now }
	defer func() { callbacks.TimeNowFn = time.Now }()

	stats := callbacks.NewStats()
	ctx := context.Background()

	ask := &fakeTool{name: "ask-gemini"}
	ping := &fakeTool{name: "ping"}

	stats.OnToolStart(ctx, ask, "")
	stats.OnToolError(ctx, ask, "", errors.New("command timed out after 50ms"))
	stats.OnToolStart(ctx, ask, "")
	stats.OnToolEnd(ctx, ask, "", "ok")
	stats.OnToolStart(ctx, ping, "")
	stats.OnToolEnd(ctx, ping, "", "Pong!")

	now = now.Add(time.Minute)

	rs := stats.Snapshot()
	require.Len(t, rs.Tools, 2)
	assert.Equal(t, callbacks.ToolStats{Calls: 2, Succeeded: 1, Failed: 1, LastError: "command timed out after 50ms"}, rs.Tools["ask-gemini"])
	assert.Equal(t, time.Minute, rs.Duration)

	assert.Equal(t, "Tool calls: 3, Succeeded: 2, Failed: 1, Duration: 1m0s\n"+
		"- ask-gemini: 2 calls, 1 failed, last error: command timed out after 50ms\n"+
		"- ping: 1 calls, 0 failed\n", stats.Summary())
}
