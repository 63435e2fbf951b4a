package mcp

import (
	"context"
	"encoding/json"
)

// ProgressMethod is the notification method used to report progress
const ProgressMethod = "$/progress"

// ProgressNotification is the payload of a progress notification
type ProgressNotification struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         *float64        `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// ProgressReporter sends progress notifications tied to the caller's token
type ProgressReporter interface {
	// Enabled returns false when the caller did not provide a progress token
	Enabled() bool
	// Report sends a progress notification, total is optional
	Report(ctx context.Context, progress float64, total *float64, message string) error
}

type progressKey struct{}

// WithProgressReporter returns context carrying the reporter
func WithProgressReporter(ctx context.Context, r ProgressReporter) context.Context {
	return context.WithValue(ctx, progressKey{}, r)
}

// ProgressFromContext returns the reporter of the current tool call,
// or a disabled reporter if none
func ProgressFromContext(ctx context.Context) ProgressReporter {
	if r, ok := ctx.Value(progressKey{}).(ProgressReporter); ok && r != nil {
		return r
	}
	return noopReporter{}
}

type progressReporter struct {
	token  json.RawMessage
	server *Server
}

func (p *progressReporter) Enabled() bool {
	return len(p.token) > 0 && string(p.token) != "null"
}

func (p *progressReporter) Report(ctx context.Context, progress float64, total *float64, message string) error {
	if !p.Enabled() {
		return nil
	}
	return p.server.Notify(ctx, ProgressMethod, &ProgressNotification{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

type noopReporter struct{}

func (noopReporter) Enabled() bool { return false }

func (noopReporter) Report(context.Context, float64, *float64, string) error { return nil }
