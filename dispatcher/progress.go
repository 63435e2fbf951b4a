package dispatcher

import (
	"context"
	"time"

	"github.com/effective-security/geminimcp/mcp"
	"github.com/effective-security/geminimcp/pkg/metricskey"
	"github.com/effective-security/xlog"
)

// progress sends notifications for a single call, with increasing progress value
type progress struct {
	tool     string
	reporter mcp.ProgressReporter
	count    float64
}

func newProgress(ctx context.Context, tool string) *progress {
	return &progress{
		tool:     tool,
		reporter: mcp.ProgressFromContext(ctx),
	}
}

// report is best effort, delivery failures are logged only
func (p *progress) report(ctx context.Context, message string) {
	if !p.reporter.Enabled() {
		return
	}
	p.count++
	if err := p.reporter.Report(ctx, p.count, nil, message); err != nil {
		metricskey.StatsProgressDropped.IncrCounter(1, p.tool)
		logger.ContextKV(ctx, xlog.DEBUG, "reason", "progress", "tool", p.tool, "err", err.Error())
	}
}

// forward reports every output fragment in order, and a keep-alive message
// when no output arrived within the interval.
// It returns when the output channel is closed or stop is closed.
func (p *progress) forward(ctx context.Context, output <-chan string, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case frag, ok := <-output:
			if !ok {
				return
			}
			ticker.Reset(interval)
			p.report(ctx, frag)
		case <-ticker.C:
			p.report(ctx, p.tool+" is still running")
		case <-stop:
			return
		}
	}
}
