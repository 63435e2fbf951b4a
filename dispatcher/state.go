package dispatcher

import (
	"context"

	"github.com/effective-security/xdb/pkg/flake"
	"github.com/effective-security/xlog"
)

// State is the processing state of a tool call
type State int

const (
	StateReceived State = iota
	StateValidating
	StateExecuting
	StateLookup
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateReceived:   "received",
	StateValidating: "validating",
	StateExecuting:  "executing",
	StateLookup:     "lookup",
	StateCompleted:  "completed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// StateObserver is notified on every state transition of a call
type StateObserver func(callID uint64, tool string, from, to State)

type call struct {
	id       uint64
	tool     string
	state    State
	observer StateObserver
}

type callKey struct{}

func (d *Dispatcher) newCall(ctx context.Context, tool string) (context.Context, *call) {
	c := &call{
		id:       flake.DefaultIDGenerator.NextID(),
		tool:     tool,
		state:    StateReceived,
		observer: d.observer,
	}
	logger.ContextKV(ctx, xlog.DEBUG, "call_id", c.id, "tool", tool, "state", c.state)
	if c.observer != nil {
		c.observer(c.id, tool, c.state, c.state)
	}
	return context.WithValue(ctx, callKey{}, c), c
}

// enter moves the call of the context to the state
func enter(ctx context.Context, state State) {
	if c, ok := ctx.Value(callKey{}).(*call); ok {
		c.enter(ctx, state, nil)
	}
}

func (c *call) enter(ctx context.Context, state State, err error) {
	from := c.state
	c.state = state
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "call_id", c.id, "tool", c.tool, "from", from, "state", state, "err", err.Error())
	} else {
		logger.ContextKV(ctx, xlog.DEBUG, "call_id", c.id, "tool", c.tool, "from", from, "state", state)
	}
	if c.observer != nil {
		c.observer(c.id, c.tool, from, state)
	}
}
