package callbacks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/effective-security/geminimcp/tools"
)

// TimeNowFn is used to timestamp the stats
var TimeNowFn = time.Now

// ToolStats are the counters of a single tool
type ToolStats struct {
	Calls     uint32
	Succeeded uint32
	Failed    uint32
	// LastError is the message of the last failed call
	LastError string
}

// RunStats are the counters of the server run
type RunStats struct {
	Started  time.Time
	Duration time.Duration

	ToolsCalls          uint32
	ToolsCallsSucceeded uint32
	ToolsCallsFailed    uint32

	Tools map[string]ToolStats
}

// Stats is a callback handler that accumulates tool call counters
// for the lifetime of the server.
type Stats struct {
	lock    sync.Mutex
	started time.Time
	tools   map[string]*ToolStats
}

func NewStats() *Stats {
	return &Stats{
		started: TimeNowFn(),
		tools:   make(map[string]*ToolStats),
	}
}

func (l *Stats) get(name string) *ToolStats {
	ts := l.tools[name]
	if ts == nil {
		ts = &ToolStats{}
		l.tools[name] = ts
	}
	return ts
}

func (l *Stats) OnToolStart(ctx context.Context, tool tools.ITool, input string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.get(tool.Name()).Calls++
}

func (l *Stats) OnToolEnd(ctx context.Context, tool tools.ITool, input string, output string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.get(tool.Name()).Succeeded++
}

func (l *Stats) OnToolError(ctx context.Context, tool tools.ITool, input string, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	ts := l.get(tool.Name())
	ts.Failed++
	ts.LastError = err.Error()
}

// Snapshot returns a copy of the counters
func (l *Stats) Snapshot() *RunStats {
	l.lock.Lock()
	defer l.lock.Unlock()

	rs := &RunStats{
		Started:  l.started,
		Duration: TimeNowFn().Sub(l.started),
		Tools:    make(map[string]ToolStats, len(l.tools)),
	}
	for name, ts := range l.tools {
		rs.Tools[name] = *ts
		rs.ToolsCalls += ts.Calls
		rs.ToolsCallsSucceeded += ts.Succeeded
		rs.ToolsCallsFailed += ts.Failed
	}
	return rs
}

// Summary returns the counters as text, one tool per line
func (l *Stats) Summary() string {
	rs := l.Snapshot()

	names := make([]string, 0, len(rs.Tools))
	for name := range rs.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf strings.Builder
	fmt.Fprintf(&buf, "Tool calls: %d, Succeeded: %d, Failed: %d, Duration: %s\n",
		rs.ToolsCalls,
		rs.ToolsCallsSucceeded,
		rs.ToolsCallsFailed,
		rs.Duration,
	)
	for _, name := range names {
		ts := rs.Tools[name]
		fmt.Fprintf(&buf, "- %s: %d calls, %d failed", name, ts.Calls, ts.Failed)
		if ts.LastError != "" {
			fmt.Fprintf(&buf, ", last error: %s", ts.LastError)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
