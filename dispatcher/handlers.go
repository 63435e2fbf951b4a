package dispatcher

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/gemini"
	"github.com/effective-security/geminimcp/tools"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

// DefaultPingMessage is echoed by ping without a prompt
const DefaultPingMessage = "Hello from gemini-cli MCP server!"

func (d *Dispatcher) askGemini(ctx context.Context, in *AskRequest) (string, error) {
	if in.Continuation() {
		return d.lookup(ctx, in.ChunkCacheKey, int(in.ChunkIndex))
	}

	out, err := d.execute(ctx, ToolAskGemini, &gemini.Prompt{
		Text:           in.Prompt,
		Model:          in.Model,
		Sandbox:        in.Sandbox,
		ChangeMode:     in.ChangeMode,
		PowerShellPath: in.PowerShellPath,
	})
	if err != nil {
		return "", err
	}
	if !in.ChangeMode {
		return out, nil
	}

	chunk, err := d.chunker.Chunk(ctx, out)
	if err != nil {
		return "", err
	}
	logger.ContextKV(ctx, xlog.DEBUG,
		"tool", ToolAskGemini,
		"chunks", chunk.Total,
		"cache_key", chunk.CacheKey,
	)
	return chunkText(chunk), nil
}

func (d *Dispatcher) brainstorm(ctx context.Context, in *BrainstormRequest) (string, error) {
	includeAnalysis := true
	if in.IncludeAnalysis != nil {
		includeAnalysis = *in.IncludeAnalysis
	}

	prompt, err := gemini.BrainstormPrompt(&gemini.Brainstorm{
		Prompt:          in.Prompt,
		Methodology:     in.Methodology,
		Domain:          in.Domain,
		Constraints:     in.Constraints,
		ExistingContext: in.ExistingContext,
		IdeaCount:       values.NumbersCoalesce(in.IdeaCount, gemini.DefaultIdeaCount),
		IncludeAnalysis: includeAnalysis,
	})
	if err != nil {
		return "", err
	}

	return d.execute(ctx, ToolBrainstorm, &gemini.Prompt{
		Text:           prompt,
		Model:          in.Model,
		PowerShellPath: in.PowerShellPath,
	})
}

func (d *Dispatcher) fetchChunk(ctx context.Context, in *FetchChunkRequest) (string, error) {
	return d.lookup(ctx, in.CacheKey, int(*in.ChunkIndex))
}

func (d *Dispatcher) lookup(ctx context.Context, key string, index int) (string, error) {
	enter(ctx, StateLookup)
	chunk, err := d.chunker.Fetch(ctx, key, index)
	if err != nil {
		return "", err
	}
	return chunkText(chunk), nil
}

func (d *Dispatcher) ping(ctx context.Context, in *PingRequest) (string, error) {
	enter(ctx, StateExecuting)
	return "Pong! " + values.StringsCoalesce(in.Prompt, DefaultPingMessage), nil
}

func (d *Dispatcher) help(ctx context.Context, _ *HelpRequest) (string, error) {
	enter(ctx, StateExecuting)
	list := make([]tools.ITool, 0, len(d.tools))
	for _, t := range d.tools {
		list = append(list, t)
	}
	return "Gemini CLI MCP Tool\n\nAvailable commands:\n" + tools.GetDescriptions(list...), nil
}

func (d *Dispatcher) timeoutTest(ctx context.Context, in *TimeoutTestRequest) (string, error) {
	enter(ctx, StateExecuting)

	delay := d.minDelay
	switch ms := *in.Duration * float64(time.Millisecond); {
	case ms >= math.MaxInt64:
		delay = math.MaxInt64
	case ms > float64(d.minDelay):
		delay = time.Duration(ms)
	}

	p := newProgress(ctx, ToolTimeoutTest)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	ticker := time.NewTicker(d.progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Sprintf("Timeout test completed after %dms", delay.Milliseconds()), nil
		case <-ticker.C:
			p.report(ctx, ToolTimeoutTest+" is still running")
		case <-ctx.Done():
			return "", errors.Wrap(ctx.Err(), "timeout test cancelled")
		}
	}
}

// execute runs the gemini CLI and returns its stdout
func (d *Dispatcher) execute(ctx context.Context, tool string, prompt *gemini.Prompt) (string, error) {
	enter(ctx, StateExecuting)

	req, err := d.builder.Request(prompt)
	if err != nil {
		return "", &ValidationError{Tool: tool, Reason: err.Error()}
	}
	req.Timeout = d.timeout

	output := make(chan string, d.progressBuffer)
	stop := make(chan struct{})
	forwarded := make(chan struct{})

	p := newProgress(ctx, tool)
	go func() {
		defer close(forwarded)
		p.forward(ctx, output, d.progressInterval, stop)
	}()

	res, err := d.invoker.Invoke(ctx, req, output)
	if err == nil {
		// all output is reported before the result
		select {
		case <-forwarded:
		case <-ctx.Done():
		}
	}
	// no progress is sent after the result
	close(stop)
	<-forwarded

	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
