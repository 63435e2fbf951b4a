package invoker

import (
	"fmt"
	"strings"
	"time"
)

// SpawnError is returned when the executable cannot be started
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %s", e.Path, e.Err.Error())
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when the process did not finish in time
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Timeout)
}

// ExecutionError is returned when the process exits with non-zero code.
// Stderr is preserved verbatim.
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("command failed with exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("command failed with exit code %d: %s", e.ExitCode, msg)
}
