// Package invoker runs external processes with a timeout,
// streaming their standard output while it is produced.
package invoker

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/pkg/metricskey"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/geminimcp", "invoker")

// DefaultKillGrace is the time given to a terminated process before it is killed
const DefaultKillGrace = 5 * time.Second

//go:generate mockgen -source=invoker.go -destination=../mocks/mockinvoker/invoker_mock.gen.go -package mockinvoker

// Invoker runs a single process per call
type Invoker interface {
	// Invoke runs the request and returns the result when the process exits with code 0.
	// Every stdout fragment is sent in order to progress, if not nil,
	// and progress is closed when the output is complete.
	// A slow progress reader slows down the output reading.
	Invoke(ctx context.Context, req *Request, progress chan<- string) (*Result, error)
}

// Request describes a process invocation
type Request struct {
	ExecutablePath string
	Args           []string
	// EnvOverrides are applied on a copy of the process environment
	EnvOverrides map[string]string
	// Stdin is written to the process and closed, nil provides empty input
	Stdin   *string
	Timeout time.Duration
}

// Result is the output of the process
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ProcessInvoker implements Invoker with os/exec
type ProcessInvoker struct {
	killGrace time.Duration
}

// New returns ProcessInvoker, killGrace <= 0 uses DefaultKillGrace
func New(killGrace time.Duration) *ProcessInvoker {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &ProcessInvoker{killGrace: killGrace}
}

// Invoke implements Invoker
func (p *ProcessInvoker) Invoke(ctx context.Context, req *Request, progress chan<- string) (*Result, error) {
	stop := make(chan struct{})
	defer close(stop)

	stdout := &streamWriter{progress: progress, stop: stop}
	stderr := &lockedBuffer{}

	if req.ExecutablePath == "" {
		stdout.closeProgress()
		return nil, errors.New("executable path is required")
	}
	if req.Timeout <= 0 {
		stdout.closeProgress()
		return nil, errors.Errorf("timeout must be positive: %s", req.Timeout)
	}

	command := filepath.Base(req.ExecutablePath)
	started := time.Now()
	defer metricskey.PerfInvocation.MeasureSince(started, command)

	tctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, req.ExecutablePath, req.Args...)
	cmd.Env = mergeEnv(os.Environ(), req.EnvOverrides)
	cmd.Cancel = func() error {
		return terminate(cmd.Process)
	}
	cmd.WaitDelay = p.killGrace
	if req.Stdin != nil {
		cmd.Stdin = strings.NewReader(*req.Stdin)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "starting",
		"command", req.ExecutablePath,
		"args", slices.StringUpto(strings.Join(req.Args, " "), 256),
		"timeout", req.Timeout,
		"stdin", req.Stdin != nil,
	)

	if err := cmd.Start(); err != nil {
		stdout.closeProgress()
		metricskey.StatsInvocationsFailed.IncrCounter(1, command, "spawn")
		logger.ContextKV(ctx, xlog.ERROR, "reason", "start", "command", req.ExecutablePath, "err", err.Error())
		return nil, &SpawnError{Path: req.ExecutablePath, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		stdout.closeProgress()
		done <- err
	}()

	select {
	case err := <-done:
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "invocation cancelled")
		}
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && err != nil {
			return nil, p.timeout(ctx, command, req.Timeout)
		}
		return p.result(ctx, cmd, command, err, stdout.String(), stderr.String(), started)
	case <-tctx.Done():
		if ctx.Err() != nil {
			logger.ContextKV(ctx, xlog.DEBUG, "status", "cancelled", "command", req.ExecutablePath)
			return nil, errors.Wrap(ctx.Err(), "invocation cancelled")
		}
		// the process is terminated in background, the caller is not blocked on it
		return nil, p.timeout(ctx, command, req.Timeout)
	}
}

func (p *ProcessInvoker) timeout(ctx context.Context, command string, timeout time.Duration) error {
	metricskey.StatsInvocationsFailed.IncrCounter(1, command, "timeout")
	logger.ContextKV(ctx, xlog.WARNING, "reason", "timeout", "command", command, "timeout", timeout)
	return &TimeoutError{Timeout: timeout}
}

func (p *ProcessInvoker) result(ctx context.Context, cmd *exec.Cmd, command string, waitErr error, stdout, stderr string, started time.Time) (*Result, error) {
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay) && exitCode == 0:
			// exited, but a child kept the output open
			logger.ContextKV(ctx, xlog.WARNING, "reason", "wait_delay", "command", command)
		default:
			metricskey.StatsInvocationsFailed.IncrCounter(1, command, "wait")
			return nil, errors.Wrapf(waitErr, "failed to wait for %s", command)
		}
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "exited",
		"command", command,
		"exit_code", exitCode,
		"stdout", len(stdout),
		"stderr", len(stderr),
		"elapsed", time.Since(started),
	)

	if exitCode != 0 {
		metricskey.StatsInvocationsFailed.IncrCounter(1, command, "exit")
		return nil, &ExecutionError{
			ExitCode: exitCode,
			Stderr:   stderr,
		}
	}

	metricskey.StatsInvocationsSucceeded.IncrCounter(1, command)
	return &Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}, nil
}

// streamWriter accumulates the output and forwards each fragment
type streamWriter struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	progress chan<- string
	stop     <-chan struct{}
	closed   bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	if w.progress != nil && !w.closed {
		select {
		case w.progress <- string(p):
		case <-w.stop:
		}
	}
	return len(p), nil
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *streamWriter) closeProgress() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		if w.progress != nil {
			close(w.progress)
		}
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
